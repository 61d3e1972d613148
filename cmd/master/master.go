package master

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bitten-ci/bitten/api"
	"github.com/bitten-ci/bitten/internal/listener"
	buildmaster "github.com/bitten-ci/bitten/internal/master"
	"github.com/bitten-ci/bitten/internal/metrics"
	"github.com/bitten-ci/bitten/internal/queue"
	"github.com/bitten-ci/bitten/internal/snapshot"
	"github.com/bitten-ci/bitten/internal/store"
	"github.com/bitten-ci/bitten/internal/vcs"
	"github.com/bitten-ci/bitten/pkg/db"
	"github.com/bitten-ci/bitten/pkg/env"
	"github.com/bitten-ci/bitten/pkg/log"
)

const (
	usage   = "master"
	short   = "Start a build master"
	long    = "This command starts the build master. It is configured through BITTEN_* environment variables."
	example = "BITTEN_REPOSITORY_URL=https://example.org/project.git bitten master"
)

var (
	// Cmd is the master command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"m"},
		SuggestFor: []string{"server", "serve", "start"},
		Example:    example,
		RunE:       start,
	}
)

func start(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go dumpStacks(ctx)

	vars := env.Variables()

	gdb, err := db.Connection(vars)
	if err != nil {
		return err
	}
	st := store.New(gdb, store.Options{LogsDir: vars.LogsDir, AttachmentsDir: vars.AttachmentsDir})

	log.Info("migrating database")
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("database migration failure: %w", err)
	}

	repo := vcs.NewGit(vcs.GitOptions{Dir: vars.RepositoryDir, URL: vars.RepositoryURL, Ref: vars.RepositoryRef})
	if err := repo.Sync(ctx); err != nil {
		return fmt.Errorf("repository sync failure: %w", err)
	}

	q := queue.New(st, repo, queue.Options{StabilizeWait: vars.StabilizeWait, SlaveTimeout: vars.SlaveTimeout})
	if n, err := q.ResetOrphanedBuilds(ctx); err != nil {
		return fmt.Errorf("orphaned build reset failure: %w", err)
	} else if n > 0 {
		log.Warn("reset orphaned builds", "builds", n)
	}

	scheduler, err := queue.NewScheduler(q, vars.PopulateSchedule)
	if err != nil {
		return fmt.Errorf("invalid populate schedule %q: %w", vars.PopulateSchedule, err)
	}

	format, err := snapshot.ParseFormat(vars.SnapshotsFormat)
	if err != nil {
		return err
	}
	snapshots := snapshot.NewRegistry(repo, vars.SnapshotsDir, format, vars.SnapshotsMax)
	defer snapshots.Close()

	listeners, err := buildListeners(vars)
	if err != nil {
		return err
	}

	metrics.Register()
	m := buildmaster.New(st, q, buildmaster.Options{Snapshots: snapshots, Listeners: listeners})
	e := api.New(m, api.Options{Username: vars.MasterUser, Password: vars.MasterPassword})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("spinning up api", "port", vars.Port)
		return api.Start(ctx, e, fmt.Sprintf(":%d", vars.Port))
	})
	g.Go(func() error {
		return scheduler.Run(ctx)
	})

	err = g.Wait()
	log.Info("build master stopped")
	return err
}

func buildListeners(vars env.Environment) (*listener.Dispatcher, error) {
	listeners := []listener.BuildListener{listener.Logger{}, listener.Metrics{}}
	if vars.WebhookURL != "" {
		hook, err := listener.NewWebhook(listener.WebhookConfig{URL: vars.WebhookURL}, nil)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, hook)
	}
	return listener.NewDispatcher(listeners...), nil
}

// dumpStacks writes goroutine stacks to stdout on SIGUSR1.
func dumpStacks(ctx context.Context) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR1)
	defer signal.Stop(signals)

	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			log.Info("dumping stack traces due to SIGUSR1 signal")
			if profile := pprof.Lookup("goroutine"); profile != nil {
				if err := profile.WriteTo(os.Stdout, 1); err != nil {
					log.Error("write goroutine profile", "error", err)
				}
			}
		}
	}
}
