// Package slave implements the build slave: it polls masters for work,
// runs recipes and reports step results.
package slave

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bitten-ci/bitten/internal/recipe"
	"github.com/bitten-ci/bitten/internal/recipe/commands"
	"github.com/bitten-ci/bitten/pkg/log"
)

// DefaultBuildDir is the per-build directory pattern.
const DefaultBuildDir = "build_${config}_${build}"

// Options configure a Slave.
type Options struct {
	// URLs are master build endpoints polled in turn, or a single local
	// recipe file.
	URLs   []string
	Config *Config
	Auth   Authenticator

	WorkDir  string
	BuildDir string
	Interval time.Duration
	// Keepalive is the heartbeat period while a build runs.
	Keepalive time.Duration
	// Timeout bounds each HTTP request.
	Timeout time.Duration

	KeepFiles   bool
	Single      bool
	NoLoop      bool
	DryRun      bool
	DumpReports bool

	// Registry overrides the built-in commands.
	Registry *recipe.Registry
	// Stdout receives dumped reports.
	Stdout io.Writer
}

// Slave is a build slave.
type Slave struct {
	opts     Options
	client   *client
	executor *recipe.Executor
}

// New returns a slave. Unset options get their defaults.
func New(opts Options) (*Slave, error) {
	if len(opts.URLs) == 0 {
		return nil, exitf(ExitIOErr, "no master URL given")
	}
	if opts.Config == nil {
		cfg, err := LoadConfig("")
		if err != nil {
			return nil, &ExitError{Code: ExitIOErr, Err: err}
		}
		opts.Config = cfg
	}
	if opts.WorkDir == "" {
		dir, err := os.MkdirTemp("", "bitten")
		if err != nil {
			return nil, &ExitError{Code: ExitIOErr, Err: err}
		}
		opts.WorkDir = dir
	}
	if opts.BuildDir == "" {
		opts.BuildDir = DefaultBuildDir
	}
	if opts.Interval <= 0 {
		opts.Interval = 300 * time.Second
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = 60 * time.Second
	}
	if opts.Registry == nil {
		opts.Registry = commands.NewRegistry()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	return &Slave{
		opts:     opts,
		client:   newClient(opts.Auth, opts.Timeout),
		executor: recipe.NewExecutor(opts.Registry),
	}, nil
}

// Run polls the masters until the context ends or a single/no-loop
// run is over. A local recipe file is executed once.
func (s *Slave) Run(ctx context.Context) error {
	if len(s.opts.URLs) == 1 && isLocal(s.opts.URLs[0]) {
		return s.runLocal(ctx, s.opts.URLs[0])
	}

	masters := make([]string, len(s.opts.URLs))
	for i, u := range s.opts.URLs {
		if isLocal(u) {
			return exitf(ExitIOErr, "cannot mix a recipe file with master URLs: %s", u)
		}
		masters[i] = buildsURL(u)
	}

	for {
		built := false
		for _, master := range masters {
			ok, err := s.poll(ctx, master)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				if !transient(err) {
					var exit *ExitError
					if errors.As(err, &exit) {
						return err
					}
					return &ExitError{Code: ExitUnavailable, Err: err}
				}
				log.Warn("master unreachable", "master", master, "error", err)
				if s.opts.NoLoop {
					return &ExitError{Code: ExitUnavailable, Err: err}
				}
				continue
			}
			if ok {
				built = true
				if s.opts.Single {
					return nil
				}
			}
		}

		if s.opts.NoLoop {
			return nil
		}
		if built {
			continue
		}

		log.Debug("waiting for work", "interval", s.opts.Interval)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.opts.Interval):
		}
	}
}

// poll asks master for a build and executes it. It reports whether a
// build was performed.
func (s *Slave) poll(ctx context.Context, master string) (bool, error) {
	if err := s.client.login(ctx, master); err != nil {
		return false, err
	}

	body, err := xml.Marshal(s.opts.Config.Greeting())
	if err != nil {
		return false, err
	}

	resp, err := s.client.request(ctx, http.MethodPost, master, body)
	if err != nil {
		return false, err
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusCreated:
		location := resp.Header().Get("Location")
		if location == "" {
			return false, exitf(ExitProtocol, "master %s did not send a build location", master)
		}
		return true, s.executeBuild(ctx, resolve(master, location))
	case code == http.StatusNoContent:
		log.Info("no pending builds", "master", master)
		return false, nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return false, exitf(ExitNoPerm, "master %s refused the slave: %s", master, strings.TrimSpace(string(resp.Body())))
	case code >= http.StatusInternalServerError:
		log.Error("master failed to answer the build request", "master", master, "status", code, "body", string(resp.Body()))
		return false, nil
	default:
		return false, exitf(ExitProtocol, "unexpected response from %s: %d %s", master, code, strings.TrimSpace(string(resp.Body())))
	}
}

func isLocal(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	return u.Scheme != "http" && u.Scheme != "https"
}

// buildsURL points a master URL at its build collection.
func buildsURL(raw string) string {
	raw = strings.TrimRight(raw, "/")
	if strings.HasSuffix(raw, "/builds") {
		return raw
	}
	return raw + "/builds"
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
