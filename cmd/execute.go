package cmd

import (
	"github.com/bitten-ci/bitten/cmd/config"
	"github.com/bitten-ci/bitten/cmd/master"
	"github.com/bitten-ci/bitten/cmd/slave"
	"github.com/spf13/cobra"
)

var cmds = []*cobra.Command{
	master.Cmd,
	slave.Cmd,
	config.Cmd,
}

// Execute builds the command tree and executes commands.
func Execute() error {
	command := &cobra.Command{
		Use:           "bitten",
		Short:         "Distributed continuous integration master and slave",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}

	for _, c := range cmds {
		command.AddCommand(c)
	}

	return command.Execute()
}
