package slave

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bitten-ci/bitten/internal/slave"
	"github.com/bitten-ci/bitten/pkg/log"
)

const (
	usage = "slave [OPTIONS] URL [URL...]"
	short = "Run a build slave"
	long  = `This command polls one or more build masters for pending builds and
executes them. A single non-HTTP argument is treated as a local recipe
file that is executed once.`
	example = "bitten slave -f slave.ini -u hal -P http://ci.example.org/builds"
)

type flags struct {
	name        string
	config      string
	user        string
	password    string
	askPassword bool
	formAuth    bool
	workDir     string
	buildDir    string
	keepFiles   bool
	single      bool
	noLoop      bool
	dryRun      bool
	interval    int
	logFile     string
	verbose     bool
	quiet       bool
	dumpReports bool
}

var (
	opts flags

	// Cmd is the slave command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"agent", "worker"},
		Example:    example,
		Args:       cobra.MinimumNArgs(1),
		RunE:       run,
	}
)

func init() {
	f := Cmd.Flags()
	f.StringVar(&opts.name, "name", "", "name of this slave (defaults to the host name)")
	f.StringVarP(&opts.config, "config", "f", "", "path to the slave configuration file")
	f.StringVarP(&opts.user, "user", "u", "", "user name for authentication")
	f.StringVarP(&opts.password, "password", "p", "", "password for authentication")
	f.BoolVarP(&opts.askPassword, "ask-password", "P", false, "prompt for the password")
	f.BoolVar(&opts.formAuth, "form-auth", false, "log in through the master's HTML login form")
	f.StringVarP(&opts.workDir, "work-dir", "d", "", "working directory for builds")
	f.StringVar(&opts.buildDir, "build-dir", slave.DefaultBuildDir, "name pattern of the per-build directory")
	f.BoolVarP(&opts.keepFiles, "keep-files", "k", false, "don't delete build directories")
	f.BoolVarP(&opts.single, "single", "s", false, "exit after completing a single build")
	f.BoolVar(&opts.noLoop, "no-loop", false, "exit after polling every master once")
	f.BoolVarP(&opts.dryRun, "dry-run", "n", false, "execute builds without reporting results")
	f.IntVarP(&opts.interval, "interval", "i", 300, "seconds to wait between polls")
	f.StringVarP(&opts.logFile, "log", "l", "", "write log messages to FILE")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "print as much as possible")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "print as little as possible")
	f.BoolVar(&opts.dumpReports, "dump-reports", false, "write generated reports to stdout")
}

func run(cmd *cobra.Command, args []string) error {
	if opts.logFile != "" {
		closer := log.SetFile(opts.logFile)
		defer closer.Close()
	}
	if err := log.SetLevel(level(opts.verbose, opts.quiet)); err != nil {
		return err
	}

	if opts.askPassword {
		password, err := prompt(cmd.ErrOrStderr())
		if err != nil {
			return &slave.ExitError{Code: slave.ExitIOErr, Err: err}
		}
		opts.password = password
	}

	o, err := options(opts, args)
	if err != nil {
		return err
	}
	o.Stdout = cmd.OutOrStdout()

	s, err := slave.New(o)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting build slave", "name", o.Config.Name, "masters", args)
	return s.Run(ctx)
}

// options turns command line flags into slave options.
func options(f flags, urls []string) (slave.Options, error) {
	cfg, err := slave.LoadConfig(f.config)
	if err != nil {
		return slave.Options{}, &slave.ExitError{Code: slave.ExitIOErr, Err: err}
	}
	if f.name != "" {
		cfg.Name = f.name
	}

	var auth slave.Authenticator
	switch {
	case f.user == "":
	case f.formAuth:
		auth = &slave.FormAuth{Username: f.user, Password: f.password}
	default:
		auth = &slave.HTTPAuth{Username: f.user, Password: f.password}
	}

	return slave.Options{
		URLs:        urls,
		Config:      cfg,
		Auth:        auth,
		WorkDir:     f.workDir,
		BuildDir:    f.buildDir,
		Interval:    time.Duration(f.interval) * time.Second,
		KeepFiles:   f.keepFiles,
		Single:      f.single,
		NoLoop:      f.noLoop,
		DryRun:      f.dryRun,
		DumpReports: f.dumpReports,
	}, nil
}

func level(verbose, quiet bool) string {
	switch {
	case verbose:
		return "debug"
	case quiet:
		return "warn"
	default:
		return "info"
	}
}

func prompt(w io.Writer) (string, error) {
	fmt.Fprint(w, "Password: ")
	defer fmt.Fprintln(w)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	return string(password), nil
}
