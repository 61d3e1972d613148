package slave_test

import (
	"bytes"
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/bitten-ci/bitten/api"
	"github.com/bitten-ci/bitten/internal/master"
	"github.com/bitten-ci/bitten/internal/models"
	"github.com/bitten-ci/bitten/internal/queue"
	"github.com/bitten-ci/bitten/internal/slave"
	"github.com/bitten-ci/bitten/internal/snapshot"
	"github.com/bitten-ci/bitten/internal/store"
	"github.com/bitten-ci/bitten/internal/store/storetest"
	"github.com/bitten-ci/bitten/internal/vcs/vcstest"
	"github.com/bitten-ci/bitten/pkg/protocol"
)

const buildRecipe = `<build xmlns:sh="http://bitten.edgewall.org/tools/sh#">
  <step id="hello" description="Say hello"><sh:exec executable="echo" args="hello world"/></step>
  <step id="script" description="Run the checked out script">
    <sh:exec file="build.sh"/>
    <report category="test" file="results.xml"/>
  </step>
</build>`

type SlaveTestSuite struct {
	suite.Suite
	store  *store.Store
	server *httptest.Server
}

func (s *SlaveTestSuite) SetupTest() {
	ctx := context.Background()
	s.store = storetest.OpenTestStore(s.T())

	repo := vcstest.New()
	repo.Commit("12", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		vcstest.Put("trunk/build.sh", "echo built > out.txt\n"),
		vcstest.Put("trunk/results.xml", `<report><test fixture="pkg" name="TestA" status="success"/></report>`),
	)

	s.Require().NoError(s.store.InsertConfig(ctx, &models.BuildConfig{Name: "trunk", Path: "trunk", Recipe: buildRecipe, Active: true}))
	s.Require().NoError(s.store.InsertPlatform(ctx, &models.TargetPlatform{
		Config: "trunk",
		Name:   "any",
		Rules:  []models.PlatformRule{{Property: "family", Pattern: ".*"}},
	}))

	snapshots := snapshot.NewRegistry(repo, s.T().TempDir(), snapshot.GzipTar, 0)
	s.T().Cleanup(snapshots.Close)

	m := master.New(s.store, queue.New(s.store, repo, queue.Options{}), master.Options{Snapshots: snapshots})
	reg := prometheus.NewRegistry()
	s.server = httptest.NewServer(api.New(m, api.Options{Registerer: reg, Gatherer: reg}))
	s.T().Cleanup(s.server.Close)
}

func (s *SlaveTestSuite) slave(opts slave.Options) *slave.Slave {
	if opts.URLs == nil {
		opts.URLs = []string{s.server.URL}
	}
	if opts.WorkDir == "" {
		opts.WorkDir = s.T().TempDir()
	}
	sl, err := slave.New(opts)
	s.Require().NoError(err)
	return sl
}

func (s *SlaveTestSuite) builds() []models.Build {
	builds, err := s.store.SelectBuilds(context.Background(), store.BuildFilter{Config: "trunk"})
	s.Require().NoError(err)
	return builds
}

func (s *SlaveTestSuite) TestBuild() {
	work := s.T().TempDir()
	err := s.slave(slave.Options{WorkDir: work, NoLoop: true, KeepFiles: true, Keepalive: 20 * time.Millisecond}).Run(context.Background())
	s.Require().NoError(err)

	builds := s.builds()
	s.Require().Len(builds, 1)
	b := builds[0]
	s.Equal(models.BuildSuccess, b.Status)
	s.NotZero(b.Stopped)

	steps, err := s.store.ListSteps(context.Background(), b.ID)
	s.Require().NoError(err)
	s.Require().Len(steps, 2)
	s.Equal("hello", steps[0].Name)
	s.Equal("Run the checked out script", steps[1].Description)

	logs, err := s.store.ListLogs(context.Background(), b.ID, "hello")
	s.Require().NoError(err)
	s.Require().NotEmpty(logs)
	s.Equal("hello world", logs[0].Messages[0].Message)

	reports, err := s.store.ListReports(context.Background(), store.ReportFilter{Build: b.ID, Category: "test"})
	s.Require().NoError(err)
	s.Len(reports, 1)

	out, err := os.ReadFile(filepath.Join(work, "build_trunk_"+strconv.FormatInt(b.ID, 10), "out.txt"))
	s.Require().NoError(err)
	s.Equal("built\n", string(out))
}

func (s *SlaveTestSuite) TestDryRun() {
	var dump bytes.Buffer
	work := s.T().TempDir()
	err := s.slave(slave.Options{WorkDir: work, NoLoop: true, DryRun: true, DumpReports: true, Stdout: &dump}).Run(context.Background())
	s.Require().NoError(err)

	builds := s.builds()
	s.Require().Len(builds, 1)
	s.Equal(models.BuildPending, builds[0].Status)
	steps, err := s.store.ListSteps(context.Background(), builds[0].ID)
	s.Require().NoError(err)
	s.Empty(steps)

	s.Contains(dump.String(), `<report category="test"`)
	s.Contains(dump.String(), `name="TestA"`)

	entries, err := os.ReadDir(work)
	s.Require().NoError(err)
	s.Empty(entries, "build directory is removed")
}

func (s *SlaveTestSuite) TestSingleBuildThenNoWork() {
	s.Require().NoError(s.slave(slave.Options{Single: true}).Run(context.Background()))
	s.Equal(models.BuildSuccess, s.builds()[0].Status)

	s.Require().NoError(s.slave(slave.Options{NoLoop: true}).Run(context.Background()))
	s.Len(s.builds(), 1)
}

func (s *SlaveTestSuite) TestStopsOnContext() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.slave(slave.Options{Interval: time.Hour}).Run(ctx)
	}()

	s.Eventually(func() bool {
		b := s.builds()
		return len(b) == 1 && b[0].Status == models.BuildSuccess
	}, 10*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("slave did not stop")
	}
}

func TestSlaveTestSuite(t *testing.T) {
	suite.Run(t, new(SlaveTestSuite))
}

func runAgainst(t *testing.T, h http.Handler, opts slave.Options) error {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts.URLs = []string{srv.URL + "/builds"}
	opts.WorkDir = t.TempDir()
	opts.NoLoop = true
	sl, err := slave.New(opts)
	require.NoError(t, err)
	return sl.Run(context.Background())
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exit *slave.ExitError
	require.ErrorAs(t, err, &exit)
	return exit.Code
}

func TestExitCodes(t *testing.T) {
	respond := func(code int) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", code)
		})
	}

	assert.Equal(t, slave.ExitProtocol, exitCode(t, runAgainst(t, respond(http.StatusBadRequest), slave.Options{})))
	assert.Equal(t, slave.ExitNoPerm, exitCode(t, runAgainst(t, respond(http.StatusForbidden), slave.Options{})))
	assert.Equal(t, slave.ExitNoPerm, exitCode(t, runAgainst(t, respond(http.StatusUnauthorized), slave.Options{})))
	assert.NoError(t, runAgainst(t, respond(http.StatusInternalServerError), slave.Options{}))

	srv := httptest.NewServer(respond(http.StatusNoContent))
	url := srv.URL
	srv.Close()
	sl, err := slave.New(slave.Options{URLs: []string{url}, WorkDir: t.TempDir(), NoLoop: true})
	require.NoError(t, err)
	assert.Equal(t, slave.ExitUnavailable, exitCode(t, sl.Run(context.Background())))
}

func TestNewRequiresURL(t *testing.T) {
	_, err := slave.New(slave.Options{})
	assert.Equal(t, slave.ExitIOErr, exitCode(t, err))
}

func TestHTTPAuthChallenge(t *testing.T) {
	var authorized int
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "hal" || pass != "secret" {
			w.Header().Set("WWW-Authenticate", `Basic realm="bitten"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		authorized++
		w.WriteHeader(http.StatusNoContent)
	})

	err := runAgainst(t, h, slave.Options{Auth: &slave.HTTPAuth{Username: "hal", Password: "secret"}})
	assert.NoError(t, err)
	assert.Equal(t, 1, authorized)

	err = runAgainst(t, h, slave.Options{Auth: &slave.HTTPAuth{Username: "hal", Password: "wrong"}})
	assert.Equal(t, slave.ExitNoPerm, exitCode(t, err))
}

func TestFormAuth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<form method="post"><input type="hidden" name="__FORM_TOKEN" value="abc123"/></form>`))
	})
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("__FORM_TOKEN") != "abc123" || r.FormValue("user") != "hal" || r.FormValue("password") != "secret" {
			http.Error(w, "bad login", http.StatusForbidden)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "trac_auth", Value: "s1", Path: "/"})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /builds", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("trac_auth"); err != nil || c.Value != "s1" {
			http.Error(w, "login first", http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	assert.NoError(t, runAgainst(t, mux, slave.Options{Auth: &slave.FormAuth{Username: "hal", Password: "secret"}}))

	err := runAgainst(t, mux, slave.Options{Auth: &slave.FormAuth{Username: "hal", Password: "wrong"}})
	assert.Equal(t, slave.ExitNoPerm, exitCode(t, err))
}

func TestGreeting(t *testing.T) {
	var got *protocol.Slave
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = new(protocol.Slave)
		body := new(bytes.Buffer)
		_, _ = body.ReadFrom(r.Body)
		require.NoError(t, xml.Unmarshal(body.Bytes(), got))
		assert.Equal(t, protocol.ContentType, r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	})

	cfg, err := slave.LoadConfig("")
	require.NoError(t, err)
	cfg.Name = "hal"
	cfg.Properties.Set("go.version", "1.22")

	require.NoError(t, runAgainst(t, h, slave.Options{Config: cfg}))
	require.NotNil(t, got)
	assert.Equal(t, "hal", got.Name)
	assert.Equal(t, "5", got.Version)
	assert.Equal(t, "1.22", got.Properties()["go.version"])
}

func TestLocalRecipe(t *testing.T) {
	work := t.TempDir()
	file := filepath.Join(t.TempDir(), "recipe.xml")
	require.NoError(t, os.WriteFile(file, []byte(`<build xmlns:sh="http://bitten.edgewall.org/tools/sh#">
  <step id="touch"><sh:exec executable="touch" args="marker"/></step>
  <step id="fail"><sh:exec executable="false"/></step>
  <step id="never"><sh:exec executable="touch" args="never"/></step>
</build>`), 0o644))

	sl, err := slave.New(slave.Options{URLs: []string{file}, WorkDir: work})
	require.NoError(t, err)
	require.NoError(t, sl.Run(context.Background()))

	assert.FileExists(t, filepath.Join(work, "marker"))
	assert.NoFileExists(t, filepath.Join(work, "never"))
}

func TestLocalRecipeMissing(t *testing.T) {
	sl, err := slave.New(slave.Options{URLs: []string{filepath.Join(t.TempDir(), "missing.xml")}})
	require.NoError(t, err)
	assert.Equal(t, slave.ExitIOErr, exitCode(t, sl.Run(context.Background())))
}
