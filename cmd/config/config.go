// Package config holds the administrative commands that manage build
// configurations directly in the master's database.
package config

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bitten-ci/bitten/internal/store"
	"github.com/bitten-ci/bitten/pkg/db"
	"github.com/bitten-ci/bitten/pkg/env"
)

var (
	// Cmd is the config command.
	Cmd = &cobra.Command{
		Use:   "config",
		Short: "Manage build configurations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}

	applyCmd = &cobra.Command{
		Use:     "apply",
		Short:   "Create or update build configurations from YAML files",
		Example: "bitten config apply -f trunk.yaml",
		RunE:    runApply,
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List build configurations",
		RunE:  runList,
	}
	deleteCmd = &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a build configuration with its builds",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
)

var (
	applyFiles []string
	listAll    bool
	openStore  = defaultStore
)

func init() {
	applyCmd.Flags().StringSliceVarP(&applyFiles, "file", "f", nil, "YAML files holding configuration definitions")
	_ = applyCmd.MarkFlagRequired("file")
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "Include inactive configurations")
	Cmd.AddCommand(applyCmd, listCmd, deleteCmd)
}

func defaultStore(ctx context.Context) (*store.Store, error) {
	vars := env.Variables()
	gdb, err := db.Connection(vars)
	if err != nil {
		return nil, err
	}
	st := store.New(gdb, store.Options{LogsDir: vars.LogsDir, AttachmentsDir: vars.AttachmentsDir})
	if err := st.Migrate(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func runApply(cmd *cobra.Command, _ []string) error {
	var defs []Definition
	for _, path := range applyFiles {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		found, err := Decode(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		defs = append(defs, found...)
	}
	if len(defs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No build configurations found.")
		return nil
	}

	st, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	if err := Apply(cmd.Context(), st, defs); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Applied %d build configuration(s)\n", len(defs))
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	st, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	configs, err := st.ListConfigs(cmd.Context(), listAll)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tACTIVE\tPATH\tPLATFORMS")
	for _, cfg := range configs {
		platforms, err := st.ListPlatforms(cmd.Context(), cfg.Name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%d\n", cfg.Name, cfg.Active, cfg.Path, len(platforms))
	}
	return w.Flush()
}

func runDelete(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	if err := st.DeleteConfig(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted build configuration %s\n", args[0])
	return nil
}
