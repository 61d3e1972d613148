package master_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/bitten-ci/bitten/internal/listener"
	"github.com/bitten-ci/bitten/internal/master"
	"github.com/bitten-ci/bitten/internal/models"
	"github.com/bitten-ci/bitten/internal/queue"
	"github.com/bitten-ci/bitten/internal/snapshot"
	"github.com/bitten-ci/bitten/internal/store"
	"github.com/bitten-ci/bitten/internal/store/storetest"
	"github.com/bitten-ci/bitten/internal/vcs/vcstest"
	"github.com/bitten-ci/bitten/pkg/xmlio"
)

var epoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

const twoSteps = `<build xmlns:sh="http://bitten.edgewall.org/tools/sh#">
  <step id="compile" description="Compile"><sh:exec executable="make"/></step>
  <step id="test" description="Test"><sh:exec executable="make" args="check"/></step>
</build>`

const greeting = `<slave name="hal" version="5">
  <platform processor="x86_64">x86_64</platform>
  <os family="posix" version="6.1">Linux</os>
  <package name="go" version="1.22"/>
</slave>`

type recorder struct {
	mu     sync.Mutex
	events []listener.Event
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Handle(_ context.Context, e listener.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []listener.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []listener.Type
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type MasterTestSuite struct {
	suite.Suite
	ctx      context.Context
	store    *store.Store
	repo     *vcstest.Memory
	events   *recorder
	master   *master.Master
	now      time.Time
	platform *models.TargetPlatform
}

func (s *MasterTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = storetest.OpenTestStore(s.T())
	s.repo = vcstest.New()
	s.now = epoch.Add(time.Hour)
	s.events = &recorder{}

	s.repo.Commit("123", epoch, vcstest.Put("trunk/main.c", "int main;"))
	s.platform = s.config("test", twoSteps)

	clock := func() time.Time { return s.now }
	q := queue.New(s.store, s.repo, queue.Options{Now: clock})
	s.master = master.New(s.store, q, master.Options{
		Listeners: listener.NewDispatcher(s.events),
		Now:       clock,
	})
}

func (s *MasterTestSuite) config(name, recipe string) *models.TargetPlatform {
	s.Require().NoError(s.store.InsertConfig(s.ctx, &models.BuildConfig{
		Name: name, Path: "trunk", Recipe: recipe, Active: true,
	}))
	p := &models.TargetPlatform{
		Config: name,
		Name:   "posix",
		Rules:  []models.PlatformRule{{Property: "family", Pattern: "posix"}},
	}
	s.Require().NoError(s.store.InsertPlatform(s.ctx, p))
	return p
}

// inProgress inserts a build owned by hal with session token.
func (s *MasterTestSuite) inProgress(token string) *models.Build {
	b := &models.Build{Config: "test", Rev: "123", RevTime: epoch.Unix(), Platform: s.platform.ID}
	s.Require().NoError(s.store.InsertBuild(s.ctx, b))
	ok, err := s.store.ClaimBuild(s.ctx, b, "hal", map[string]string{
		models.InfoToken:     token,
		models.InfoIPAddress: "10.0.0.1",
	}, epoch.Unix())
	s.Require().NoError(err)
	s.Require().True(ok)
	b.Started = 42
	s.Require().NoError(s.store.UpdateBuild(s.ctx, b))
	return b
}

func (s *MasterTestSuite) result(step, status string) []byte {
	return []byte(`<result step="` + step + `" status="` + status + `" time="2024-05-01T11:00:00.123456" duration="2.5"/>`)
}

func (s *MasterTestSuite) requireCode(err error, code int) *master.Error {
	var perr *master.Error
	s.Require().True(errors.As(err, &perr), "expected protocol error, got %v", err)
	s.Equal(code, perr.Code)
	return perr
}

func (s *MasterTestSuite) TestHappyPath() {
	a, err := s.master.CreateBuild(s.ctx, []byte(greeting), master.Peer{Addr: "10.0.0.1"})
	s.Require().NoError(err)
	s.Require().NotNil(a)
	s.NotEmpty(a.Token)
	s.Equal(models.BuildInProgress, a.Build.Status)
	s.Equal("hal", a.Build.Slave)
	s.Equal("123", a.Build.Rev)

	peer := master.Peer{Addr: "10.0.0.1", Token: a.Token}
	doc, err := s.master.Recipe(s.ctx, a.Build.ID, peer)
	s.Require().NoError(err)
	s.Equal("recipe_test_r123.xml", doc.Filename)

	root, err := xmlio.Parse(doc.Body)
	s.Require().NoError(err)
	s.Equal("trunk", root.Attr("path"))
	s.Equal("123", root.Attr("revision"))
	s.Equal("test", root.Attr("config"))
	s.Equal("posix", root.Attr("platform"))
	s.Equal("hal", root.Attr("name"))
	s.Len(root.Children, 2)

	b, err := s.store.GetBuild(s.ctx, a.Build.ID)
	s.Require().NoError(err)
	s.Equal(s.now.Unix(), b.Started)
	s.Equal("x86_64", b.Info(models.InfoMachine))
	s.Equal("posix", b.Info(models.InfoFamily))

	_, err = s.master.SubmitStep(s.ctx, b.ID, s.result("compile", "success"), peer)
	s.Require().NoError(err)
	b, _ = s.store.GetBuild(s.ctx, b.ID)
	s.Equal(models.BuildInProgress, b.Status)

	step, err := s.master.SubmitStep(s.ctx, b.ID, s.result("test", "success"), peer)
	s.Require().NoError(err)
	s.Equal("Test", step.Description)

	b, _ = s.store.GetBuild(s.ctx, b.ID)
	s.Equal(models.BuildSuccess, b.Status)
	s.Equal(time.Date(2024, 5, 1, 11, 0, 2, 0, time.UTC).Unix(), b.Stopped)

	steps, err := s.store.ListSteps(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Len(steps, 2)
	for _, st := range steps {
		s.Equal(models.StepSuccess, st.Status)
	}
	s.Equal([]listener.Type{listener.BuildStarted, listener.BuildCompleted}, s.events.types())
}

func (s *MasterTestSuite) TestCreateBuildWithoutWork() {
	a, err := s.master.CreateBuild(s.ctx, []byte(`<slave name="win" version="5"><os family="nt">Windows</os></slave>`), master.Peer{})
	s.NoError(err)
	s.Nil(a)

	// the only build goes to hal, a second slave finds nothing
	a, err = s.master.CreateBuild(s.ctx, []byte(greeting), master.Peer{})
	s.Require().NoError(err)
	s.Require().NotNil(a)
	a, err = s.master.CreateBuild(s.ctx, []byte(strings.Replace(greeting, `"hal"`, `"marvin"`, 1)), master.Peer{})
	s.NoError(err)
	s.Nil(a)
}

func (s *MasterTestSuite) TestCreateBuildRejectsBadGreeting() {
	_, err := s.master.CreateBuild(s.ctx, []byte(`<slave name="hal" version="4"/>`), master.Peer{})
	perr := s.requireCode(err, http.StatusBadRequest)
	s.Equal("Master-Slave version mismatch: master=5, slave=4", perr.Message)

	_, err = s.master.CreateBuild(s.ctx, []byte(`<slave name="hal"/>`), master.Peer{})
	perr = s.requireCode(err, http.StatusBadRequest)
	s.Equal("Master-Slave version mismatch: master=5, slave=1", perr.Message)

	_, err = s.master.CreateBuild(s.ctx, []byte(`<slave`), master.Peer{})
	s.requireCode(err, http.StatusBadRequest)
}

func (s *MasterTestSuite) TestCancel() {
	b := s.inProgress("X")
	ok, err := s.master.Queue().RegisterSlave(s.ctx, "hal", map[string]string{"family": "posix"})
	s.Require().NoError(err)
	s.Require().True(ok)
	_, err = s.master.SubmitStep(s.ctx, b.ID, s.result("compile", "success"), master.Peer{Addr: "10.0.0.1", Token: "X"})
	s.Require().NoError(err)

	s.Require().NoError(s.master.Cancel(s.ctx, b.ID))

	b, err = s.store.GetBuild(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(models.BuildPending, b.Status)
	s.Empty(b.Slave)
	s.Zero(b.Started)
	steps, err := s.store.ListSteps(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Empty(steps)
	s.Equal([]listener.Type{listener.BuildAborted}, s.events.types())
	s.Empty(s.master.Queue().Slaves(s.platform.ID))

	s.requireCode(s.master.Cancel(s.ctx, 999), http.StatusNotFound)
}

func (s *MasterTestSuite) TestStaleSlave() {
	b := s.inProgress("X")

	_, err := s.master.SubmitStep(s.ctx, b.ID, s.result("compile", "success"), master.Peer{Addr: "10.0.0.2", Token: "Y"})
	perr := s.requireCode(err, http.StatusForbidden)
	s.Equal(fmt.Sprintf("Build %d has been invalidated for host 10.0.0.2.", b.ID), perr.Message)

	steps, err := s.store.ListSteps(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Empty(steps)

	_, err = s.master.Recipe(s.ctx, b.ID, master.Peer{Token: "Y"})
	perr = s.requireCode(err, http.StatusConflict)
	s.Equal("Token mismatch (wrong slave): slave=Y, build=X", perr.Message)

	s.requireCode(s.master.Keepalive(s.ctx, b.ID, master.Peer{Token: "Y"}), http.StatusForbidden)
}

func (s *MasterTestSuite) TestIgnoredFailure() {
	s.Require().NoError(s.store.DeleteConfig(s.ctx, "test"))
	s.platform = s.config("test", `<build>
	  <step id="lint" onerror="ignore"><report category="lint" file="lint.xml"/></step>
	  <step id="test"><report category="test" file="test.xml"/></step>
	</build>`)
	b := s.inProgress("X")
	peer := master.Peer{Addr: "10.0.0.1", Token: "X"}

	_, err := s.master.SubmitStep(s.ctx, b.ID, s.result("lint", "failure"), peer)
	s.Require().NoError(err)
	_, err = s.master.SubmitStep(s.ctx, b.ID, s.result("test", "success"), peer)
	s.Require().NoError(err)

	b, _ = s.store.GetBuild(s.ctx, b.ID)
	s.Equal(models.BuildSuccess, b.Status)

	steps, err := s.store.ListSteps(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Require().Len(steps, 2)
	statuses := map[string]models.StepStatus{}
	for _, st := range steps {
		statuses[st.Name] = st.Status
	}
	s.Equal(map[string]models.StepStatus{"lint": models.StepFailure, "test": models.StepSuccess}, statuses)
}

func (s *MasterTestSuite) TestFailingStepEndsBuild() {
	b := s.inProgress("X")
	peer := master.Peer{Addr: "10.0.0.1", Token: "X"}

	body := `<result step="compile" status="failure" time="2024-05-01T11:00:00" duration="1">
	  <error>make: *** [all] Error 2</error>
	</result>`
	_, err := s.master.SubmitStep(s.ctx, b.ID, []byte(body), peer)
	s.Require().NoError(err)

	b, _ = s.store.GetBuild(s.ctx, b.ID)
	s.Equal(models.BuildFailure, b.Status)
	s.Equal(time.Date(2024, 5, 1, 11, 0, 1, 0, time.UTC).Unix(), b.Stopped)

	step, err := s.store.GetStep(s.ctx, b.ID, "compile")
	s.Require().NoError(err)
	s.Equal([]string{"make: *** [all] Error 2"}, step.Errors)

	// the build is no longer in progress
	_, err = s.master.SubmitStep(s.ctx, b.ID, s.result("test", "success"), peer)
	s.requireCode(err, http.StatusForbidden)
}

func (s *MasterTestSuite) TestFailureAfterLaterStepIsNotLast() {
	s.Require().NoError(s.store.DeleteConfig(s.ctx, "test"))
	s.platform = s.config("test", `<build>
	  <step id="a"><report category="a" file="a.xml"/></step>
	  <step id="b"><report category="b" file="b.xml"/></step>
	  <step id="c"><report category="c" file="c.xml"/></step>
	</build>`)
	b := s.inProgress("X")
	peer := master.Peer{Addr: "10.0.0.1", Token: "X"}

	_, err := s.master.SubmitStep(s.ctx, b.ID, s.result("b", "success"), peer)
	s.Require().NoError(err)
	_, err = s.master.SubmitStep(s.ctx, b.ID, s.result("a", "failure"), peer)
	s.Require().NoError(err)

	b, _ = s.store.GetBuild(s.ctx, b.ID)
	s.Equal(models.BuildInProgress, b.Status)

	_, err = s.master.SubmitStep(s.ctx, b.ID, s.result("c", "success"), peer)
	s.Require().NoError(err)
	b, _ = s.store.GetBuild(s.ctx, b.ID)
	s.Equal(models.BuildFailure, b.Status)
}

func (s *MasterTestSuite) TestSubmitStepConflicts() {
	b := s.inProgress("X")
	peer := master.Peer{Addr: "10.0.0.1", Token: "X"}

	_, err := s.master.SubmitStep(s.ctx, b.ID, s.result("compile", "success"), peer)
	s.Require().NoError(err)

	_, err = s.master.SubmitStep(s.ctx, b.ID, s.result("compile", "success"), peer)
	s.requireCode(err, http.StatusConflict)

	_, err = s.master.SubmitStep(s.ctx, b.ID, s.result("deploy", "success"), peer)
	perr := s.requireCode(err, http.StatusForbidden)
	s.Equal("No such step deploy", perr.Message)

	_, err = s.master.SubmitStep(s.ctx, b.ID, []byte(`<result status="success"/>`), peer)
	s.requireCode(err, http.StatusBadRequest)

	_, err = s.master.SubmitStep(s.ctx, b.ID, []byte(`<result step="test" time="yesterday"/>`), peer)
	s.requireCode(err, http.StatusBadRequest)

	_, err = s.master.SubmitStep(s.ctx, 999, s.result("test", "success"), peer)
	s.requireCode(err, http.StatusNotFound)
}

func (s *MasterTestSuite) TestSubmitStepRejectsUnknownStatus() {
	b := s.inProgress("X")
	peer := master.Peer{Addr: "10.0.0.1", Token: "X"}

	for _, status := range []string{"succes", "", "SKIPPED"} {
		_, err := s.master.SubmitStep(s.ctx, b.ID, s.result("compile", status), peer)
		perr := s.requireCode(err, http.StatusBadRequest)
		s.Equal(`Invalid step status "`+status+`"`, perr.Message)
	}

	steps, err := s.store.ListSteps(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Empty(steps)
}

func (s *MasterTestSuite) TestSubmitStepRecordsResults() {
	b := s.inProgress("X")
	peer := master.Peer{Addr: "10.0.0.1", Token: "X"}

	body := `<result step="compile" status="success" time="2024-05-01T11:00:00" duration="0.5">
	  <log generator="http://bitten.edgewall.org/tools/sh#exec">
	    <message level="info">gcc -c main.c</message>
	    <message level="error">warning: unused</message>
	  </log>
	  <report category="test" generator="http://bitten.edgewall.org/tools/go#test">
	    <test name="TestA" status="success"/>
	    <test name="TestB" status="failure"><traceback>boom</traceback></test>
	  </report>
	  <attach>
	    <file filename="dist.tar" description="Distribution" resource="build">cGF5bG9hZA==</file>
	    <file filename="docs.zip" resource="config">ZG9jcw==</file>
	  </attach>
	</result>`
	_, err := s.master.SubmitStep(s.ctx, b.ID, []byte(body), peer)
	s.Require().NoError(err)

	logs, err := s.store.ListLogs(s.ctx, b.ID, "compile")
	s.Require().NoError(err)
	s.Require().Len(logs, 1)
	s.Equal([]models.LogMessage{
		{Level: "info", Message: "gcc -c main.c"},
		{Level: "error", Message: "warning: unused"},
	}, logs[0].Messages)

	reports, err := s.store.ListReports(s.ctx, store.ReportFilter{Build: b.ID})
	s.Require().NoError(err)
	s.Require().Len(reports, 1)
	s.Equal([]map[string]string{
		{"type": "test", "name": "TestA", "status": "success"},
		{"type": "test", "name": "TestB", "status": "failure", "traceback": "boom"},
	}, reports[0].Items)

	atts, err := s.store.ListAttachments(s.ctx, models.AttachToBuild, strconv.FormatInt(b.ID, 10))
	s.Require().NoError(err)
	s.Require().Len(atts, 1)
	s.Equal("dist.tar", atts[0].Filename)
	s.Equal(int64(len("payload")), atts[0].Size)

	atts, err = s.store.ListAttachments(s.ctx, models.AttachToConfig, "test")
	s.Require().NoError(err)
	s.Require().Len(atts, 1)
	s.Equal("docs.zip", atts[0].Filename)
}

func (s *MasterTestSuite) TestKeepalive() {
	b := s.inProgress("X")
	s.now = s.now.Add(time.Minute)

	s.Require().NoError(s.master.Keepalive(s.ctx, b.ID, master.Peer{Addr: "10.0.0.1", Token: "X"}))
	b, _ = s.store.GetBuild(s.ctx, b.ID)
	s.Equal(s.now.Unix(), b.LastActivity)
}

func (s *MasterTestSuite) TestSnapshot() {
	b := s.inProgress("X")
	peer := master.Peer{Addr: "10.0.0.1", Token: "X"}

	_, err := s.master.Snapshot(s.ctx, b.ID, peer)
	s.requireCode(err, http.StatusNotFound)

	registry := snapshot.NewRegistry(s.repo, s.T().TempDir(), snapshot.GzipTar, 2)
	defer registry.Close()
	m := master.New(s.store, s.master.Queue(), master.Options{Snapshots: registry})

	path, err := m.Snapshot(s.ctx, b.ID, peer)
	s.Require().NoError(err)
	s.True(strings.HasSuffix(path, "test_r123.tar.gz"), path)
	_, err = os.Stat(path)
	s.NoError(err)
	_, err = os.Stat(path + ".md5")
	s.NoError(err)
}

func TestMasterTestSuite(t *testing.T) {
	suite.Run(t, new(MasterTestSuite))
}
