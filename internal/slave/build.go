package slave

import (
	"context"
	"encoding/xml"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitten-ci/bitten/internal/recipe"
	"github.com/bitten-ci/bitten/internal/snapshot"
	"github.com/bitten-ci/bitten/pkg/log"
	"github.com/bitten-ci/bitten/pkg/protocol"
	"github.com/bitten-ci/bitten/pkg/xmlio"
)

// executeBuild downloads the recipe at build, runs it and reports each
// step. Builds interrupted by ctx are cancelled on the master.
func (s *Slave) executeBuild(ctx context.Context, build string) error {
	resp, err := s.client.request(ctx, http.MethodGet, build, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		log.Error("failed to fetch recipe", "build", build, "status", resp.StatusCode(), "body", string(resp.Body()))
		return nil
	}

	rc, err := recipe.Parse(resp.Body())
	if err != nil {
		log.Error("master sent an invalid recipe", "build", build, "error", err)
		s.abort(ctx, build)
		return nil
	}

	vars := rc.Vars()
	basedir := recipe.ExpandBasedir(s.opts.WorkDir, s.opts.BuildDir, s.opts.Config.Properties, vars)
	if err := os.MkdirAll(basedir, 0o755); err != nil {
		s.abort(ctx, build)
		return &ExitError{Code: ExitIOErr, Err: err}
	}
	if !s.opts.KeepFiles {
		defer removeTree(basedir)
	}

	log.Info("executing build", "build", build, "config", vars["config"], "revision", vars["revision"], "dir", basedir)

	if err := s.fetchSnapshot(ctx, build, basedir); err != nil {
		log.Error("failed to fetch snapshot", "build", build, "error", err)
		s.abort(ctx, build)
		return err
	}

	stop := s.keepalive(ctx, build)
	defer stop()

	completed := s.runSteps(ctx, rc, recipe.NewContext(basedir, s.opts.Config.Properties, vars), func(result *protocol.Result) {
		s.submit(ctx, build, result)
	})

	switch {
	case ctx.Err() != nil:
		log.Warn("build interrupted", "build", build)
		s.abort(ctx, build)
	case s.opts.DryRun:
		log.Info("dry run complete, cancelling build", "build", build)
		s.abort(ctx, build)
	case completed:
		log.Info("build completed", "build", build)
	default:
		log.Info("build stopped after failing step", "build", build)
	}
	return nil
}

// runSteps executes the steps of rc in order and hands every result to
// report. It reports whether all steps ran.
func (s *Slave) runSteps(ctx context.Context, rc *recipe.Recipe, rctx *recipe.Context, report func(*protocol.Result)) bool {
	for _, step := range rc.Steps {
		if ctx.Err() != nil {
			return false
		}

		log.Info("executing step", "step", step.ID, "description", step.Description)
		result, failed := s.executor.Execute(ctx, rctx, step)
		if failed {
			log.Warn("step failed", "step", step.ID, "errors", len(result.Errors))
		}

		if s.opts.DumpReports {
			s.dumpReports(result)
		}
		if report != nil {
			report(result)
		}

		if !recipe.ShouldContinue(step, failed) {
			return false
		}
	}
	return true
}

func (s *Slave) submit(ctx context.Context, build string, result *protocol.Result) {
	if s.opts.DryRun {
		return
	}

	body, err := xml.Marshal(result)
	if err != nil {
		log.Error("failed to encode step result", "step", result.Step, "error", err)
		return
	}

	resp, err := s.client.request(ctx, http.MethodPost, strings.TrimRight(build, "/")+"/steps/", body)
	if err != nil {
		log.Error("failed to submit step result", "step", result.Step, "error", err)
		return
	}
	if resp.StatusCode() != http.StatusCreated {
		log.Error("master rejected step result",
			"step", result.Step,
			"status", resp.StatusCode(),
			"body", strings.TrimSpace(string(resp.Body())),
		)
	}
}

// abort cancels build on the master, even when ctx is already done.
func (s *Slave) abort(ctx context.Context, build string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	resp, err := s.client.request(ctx, http.MethodDelete, build, nil)
	if err != nil {
		log.Error("failed to cancel build", "build", build, "error", err)
		return
	}
	if resp.StatusCode() != http.StatusNoContent {
		log.Error("master refused to cancel build", "build", build, "status", resp.StatusCode())
	}
}

// keepalive posts heartbeats until the returned stop func is called.
func (s *Slave) keepalive(ctx context.Context, build string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.Keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				resp, err := s.client.R().SetContext(ctx).Post(strings.TrimRight(build, "/") + "/keepalive")
				switch {
				case err != nil:
					if ctx.Err() == nil {
						log.Warn("keepalive failed", "build", build, "error", err)
					}
				case resp.StatusCode() != http.StatusOK:
					log.Warn("keepalive rejected", "build", build, "status", resp.StatusCode())
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// fetchSnapshot unpacks the master's snapshot of the build's revision
// into basedir. Masters without snapshots answer 404.
func (s *Slave) fetchSnapshot(ctx context.Context, build, basedir string) error {
	tmp, err := os.MkdirTemp(s.opts.WorkDir, ".snapshot")
	if err != nil {
		return &ExitError{Code: ExitIOErr, Err: err}
	}
	defer os.RemoveAll(tmp)

	archive, err := s.client.download(ctx, strings.TrimRight(build, "/")+"/snapshot", tmp)
	if err != nil || archive == "" {
		return err
	}

	n, err := snapshot.Unpack(archive, basedir)
	if err != nil {
		return &ExitError{Code: ExitIOErr, Err: err}
	}
	log.Info("unpacked snapshot", "archive", filepath.Base(archive), "files", n)
	return nil
}

func (s *Slave) dumpReports(result *protocol.Result) {
	for _, r := range result.Reports {
		doc := xmlio.New("report", "category", r.Category)
		if r.Generator != "" {
			doc.SetAttr("generator", r.Generator)
		}
		doc.Append(r.Items...)
		fmt.Fprintln(s.opts.Stdout, doc.String())
	}
}

// runLocal executes a recipe file without a master.
func (s *Slave) runLocal(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ExitError{Code: ExitIOErr, Err: err}
	}
	rc, err := recipe.Parse(data)
	if err != nil {
		return &ExitError{Code: ExitIOErr, Err: err}
	}

	vars := rc.Vars()
	basedir := s.opts.WorkDir
	if vars["config"] != "" || vars["build"] != "" {
		basedir = recipe.ExpandBasedir(s.opts.WorkDir, s.opts.BuildDir, s.opts.Config.Properties, vars)
		if err := os.MkdirAll(basedir, 0o755); err != nil {
			return &ExitError{Code: ExitIOErr, Err: err}
		}
	}

	log.Info("executing local recipe", "recipe", path, "dir", basedir)
	if s.runSteps(ctx, rc, recipe.NewContext(basedir, s.opts.Config.Properties, vars), nil) {
		log.Info("recipe completed", "recipe", path)
	} else {
		log.Info("recipe stopped", "recipe", path)
	}
	return nil
}

// removeTree deletes dir, making read-only entries writable first.
func removeTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err == nil && info.Mode().Perm()&0o200 == 0 {
			_ = os.Chmod(path, info.Mode().Perm()|0o200)
		}
		return nil
	})
	if err := os.RemoveAll(dir); err != nil {
		log.Warn("failed to remove build directory", "dir", dir, "error", err)
	}
}
