package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/bitten-ci/bitten/internal/models"
	"github.com/bitten-ci/bitten/internal/queue"
	"github.com/bitten-ci/bitten/internal/store"
	"github.com/bitten-ci/bitten/internal/store/storetest"
	"github.com/bitten-ci/bitten/internal/vcs/vcstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

var epoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type QueueTestSuite struct {
	suite.Suite
	ctx   context.Context
	store *store.Store
	repo  *vcstest.Memory
	now   time.Time
}

func (s *QueueTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = storetest.OpenTestStore(s.T())
	s.repo = vcstest.New()
	s.now = epoch.Add(time.Hour)

	s.repo.Commit("120", epoch, vcstest.Put("trunk/README", "a"))
	s.repo.Commit("121", epoch.Add(time.Minute), vcstest.Delete("trunk/README"), vcstest.Mkdir("trunk"))
	s.repo.Commit("123", epoch.Add(2*time.Minute), vcstest.Put("trunk/main.c", "b"))
}

func (s *QueueTestSuite) queue(opts queue.Options) *queue.Queue {
	opts.Now = func() time.Time { return s.now }
	return queue.New(s.store, s.repo, opts)
}

func (s *QueueTestSuite) config(name string, active bool, rules ...models.PlatformRule) (*models.BuildConfig, *models.TargetPlatform) {
	cfg := &models.BuildConfig{Name: name, Path: "trunk", Active: active}
	s.Require().NoError(s.store.InsertConfig(s.ctx, cfg))
	p := &models.TargetPlatform{Config: name, Name: name + "-posix", Rules: rules}
	s.Require().NoError(s.store.InsertPlatform(s.ctx, p))
	return cfg, p
}

func (s *QueueTestSuite) pending(cfg string, rev string, platform int64) *models.Build {
	b := &models.Build{Config: cfg, Rev: rev, RevTime: epoch.Unix(), Platform: platform}
	s.Require().NoError(s.store.InsertBuild(s.ctx, b))
	return b
}

func (s *QueueTestSuite) TestCollectChangesSkipsEmptyDirectory() {
	cfg, p := s.config("test", true)
	q := s.queue(queue.Options{})

	var revs []string
	for c, err := range q.CollectChanges(s.ctx, cfg) {
		s.Require().NoError(err)
		s.Equal(p.ID, c.Platform.ID)
		s.Nil(c.Build)
		revs = append(revs, c.Rev)
	}
	s.Equal([]string{"123", "120"}, revs)
}

func (s *QueueTestSuite) TestCollectChangesHonoursBounds() {
	cfg, _ := s.config("test", true)
	q := s.queue(queue.Options{})

	cfg.MaxRev = "121"
	var revs []string
	for c, err := range q.CollectChanges(s.ctx, cfg) {
		s.Require().NoError(err)
		revs = append(revs, c.Rev)
	}
	s.Equal([]string{"120"}, revs)

	cfg.MaxRev, cfg.MinRev = "", "121"
	revs = nil
	for c, err := range q.CollectChanges(s.ctx, cfg) {
		s.Require().NoError(err)
		revs = append(revs, c.Rev)
	}
	s.Equal([]string{"123"}, revs)
}

func (s *QueueTestSuite) TestCollectChangesReturnsExistingBuild() {
	cfg, p := s.config("test", true)
	b := s.pending("test", "123", p.ID)
	q := s.queue(queue.Options{})

	for c, err := range q.CollectChanges(s.ctx, cfg) {
		s.Require().NoError(err)
		if c.Rev == "123" {
			s.Require().NotNil(c.Build)
			s.Equal(b.ID, c.Build.ID)
		} else {
			s.Nil(c.Build)
		}
	}
}

func (s *QueueTestSuite) TestPopulateInsertsOneBuildPerCall() {
	s.config("test", true)
	s.config("inactive", false)
	q := s.queue(queue.Options{})

	b, err := q.Populate(s.ctx)
	s.Require().NoError(err)
	s.Require().NotNil(b)
	s.Equal("123", b.Rev)
	s.Equal(models.BuildPending, b.Status)
	s.Equal(epoch.Add(2*time.Minute).Unix(), b.RevTime)
	s.GreaterOrEqual(s.repo.Syncs(), 1)

	b, err = q.Populate(s.ctx)
	s.Require().NoError(err)
	s.Require().NotNil(b)
	s.Equal("120", b.Rev)

	b, err = q.Populate(s.ctx)
	s.Require().NoError(err)
	s.Nil(b)

	builds, err := s.store.SelectBuilds(s.ctx, store.BuildFilter{})
	s.Require().NoError(err)
	s.Len(builds, 2)
	for _, b := range builds {
		s.Equal("test", b.Config)
	}
}

func (s *QueueTestSuite) TestPopulateStabilizeWait() {
	s.config("test", true)
	s.now = epoch.Add(2*time.Minute + 30*time.Second)
	q := s.queue(queue.Options{StabilizeWait: time.Minute})

	n, err := q.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	builds, err := s.store.SelectBuilds(s.ctx, store.BuildFilter{})
	s.Require().NoError(err)
	s.Require().Len(builds, 1)
	s.Equal("120", builds[0].Rev)

	s.now = s.now.Add(time.Minute)
	n, err = q.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *QueueTestSuite) TestRegisterSlave() {
	_, p := s.config("test", true, models.PlatformRule{Property: "family", Pattern: "posix"})
	_, win := s.config("win", true, models.PlatformRule{Property: "family", Pattern: "nt"})
	_, bad := s.config("bad", true, models.PlatformRule{Property: "family", Pattern: "("})
	q := s.queue(queue.Options{})

	ok, err := q.RegisterSlave(s.ctx, "hal", map[string]string{"family": "POSIX"})
	s.Require().NoError(err)
	s.True(ok)
	s.Equal([]string{"hal"}, q.Slaves(p.ID))
	s.Empty(q.Slaves(win.ID))
	s.Empty(q.Slaves(bad.ID))

	ok, err = q.RegisterSlave(s.ctx, "hal", map[string]string{"family": "posix"})
	s.Require().NoError(err)
	s.True(ok)
	s.Equal([]string{"hal"}, q.Slaves(p.ID))

	ok, err = q.RegisterSlave(s.ctx, "ghost", map[string]string{"os": "linux"})
	s.Require().NoError(err)
	s.False(ok)

	s.True(q.UnregisterSlave("hal"))
	s.False(q.UnregisterSlave("hal"))
	s.Empty(q.Slaves(p.ID))
}

func (s *QueueTestSuite) TestMatches() {
	p := &models.TargetPlatform{Name: "linux", Rules: []models.PlatformRule{
		{Property: "os", Pattern: "linux"},
		{Property: "machine", Pattern: "x86|amd64"},
	}}
	s.True(queue.Matches(p, map[string]string{"os": "Linux", "machine": "amd64"}))
	s.False(queue.Matches(p, map[string]string{"os": "linux"}))
	s.False(queue.Matches(p, map[string]string{"os": "gnu/linux", "machine": "x86"}))
	s.True(queue.Matches(&models.TargetPlatform{}, nil))
}

func (s *QueueTestSuite) TestNextPendingRoundRobin() {
	_, p := s.config("test", true)
	s.pending("test", "123", p.ID)
	q := s.queue(queue.Options{})

	for _, name := range []string{"a", "b"} {
		ok, err := q.RegisterSlave(s.ctx, name, map[string]string{})
		s.Require().NoError(err)
		s.True(ok)
	}

	_, slave, err := q.NextPending(s.ctx, []string{"a", "b"})
	s.Require().NoError(err)
	s.Equal("a", slave)
	s.Equal([]string{"b", "a"}, q.Slaves(p.ID))

	_, slave, err = q.NextPending(s.ctx, []string{"a", "b"})
	s.Require().NoError(err)
	s.Equal("b", slave)

	b, slave, err := q.NextPending(s.ctx, []string{"c"})
	s.Require().NoError(err)
	s.Nil(b)
	s.Empty(slave)
}

func (s *QueueTestSuite) TestNextPendingDiscardsInvalidBuilds() {
	cfg, p := s.config("test", true)
	_, other := s.config("gone", true)
	_, idle := s.config("idle", false)
	q := s.queue(queue.Options{})
	_, err := q.RegisterSlave(s.ctx, "hal", nil)
	s.Require().NoError(err)

	outOfRange := s.pending("test", "120", p.ID)
	orphan := s.pending("gone", "123", other.ID)
	inactive := s.pending("idle", "123", idle.ID)
	s.Require().NoError(s.store.DeletePlatform(s.ctx, other.ID))

	cfg.MinRev = "123"
	s.Require().NoError(s.store.UpdateConfig(s.ctx, cfg.Name, cfg))

	b, _, err := q.NextPending(s.ctx, []string{"hal"})
	s.Require().NoError(err)
	s.Nil(b)

	_, err = s.store.GetBuild(s.ctx, outOfRange.ID)
	s.ErrorIs(err, store.ErrNotFound)
	_, err = s.store.GetBuild(s.ctx, orphan.ID)
	s.ErrorIs(err, store.ErrNotFound)
	_, err = s.store.GetBuild(s.ctx, inactive.ID)
	s.NoError(err)
}

func (s *QueueTestSuite) TestDispatchClaimsBuild() {
	_, p := s.config("test", true)
	pending := s.pending("test", "123", p.ID)
	q := s.queue(queue.Options{})
	_, err := q.RegisterSlave(s.ctx, "hal", nil)
	s.Require().NoError(err)

	b, err := q.Dispatch(s.ctx, "hal", map[string]string{models.InfoToken: "tok"})
	s.Require().NoError(err)
	s.Require().NotNil(b)
	s.Equal(pending.ID, b.ID)

	got, err := s.store.GetBuild(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(models.BuildInProgress, got.Status)
	s.Equal("hal", got.Slave)
	s.Equal("tok", got.Info(models.InfoToken))
	s.Equal(s.now.Unix(), got.LastActivity)

	b, err = q.Dispatch(s.ctx, "hal", nil)
	s.Require().NoError(err)
	s.Nil(b)
}

func (s *QueueTestSuite) TestResetBuilds() {
	_, p := s.config("test", true)
	q := s.queue(queue.Options{SlaveTimeout: 10 * time.Minute})

	fresh := s.pending("test", "123", p.ID)
	stale := s.pending("test", "120", p.ID)
	for _, b := range []*models.Build{fresh, stale} {
		claimed, err := s.store.ClaimBuild(s.ctx, b, "hal", nil, s.now.Unix())
		s.Require().NoError(err)
		s.Require().True(claimed)
	}
	s.Require().NoError(s.store.TouchBuild(s.ctx, stale.ID, s.now.Add(-time.Hour).Unix()))
	ok, err := q.RegisterSlave(s.ctx, "hal", map[string]string{})
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Require().NoError(s.store.InsertStep(s.ctx, &models.BuildStep{Build: stale.ID, Name: "compile", Status: models.StepSuccess}))

	n, err := q.ResetStaleBuilds(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	got, err := s.store.GetBuild(s.ctx, stale.ID)
	s.Require().NoError(err)
	s.Equal(models.BuildPending, got.Status)
	s.Empty(got.Slave)
	steps, err := s.store.ListSteps(s.ctx, stale.ID)
	s.Require().NoError(err)
	s.Empty(steps)
	s.Empty(q.Slaves(p.ID))

	n, err = q.ResetOrphanedBuilds(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	builds, err := s.store.SelectBuilds(s.ctx, store.BuildFilter{Status: models.BuildInProgress})
	s.Require().NoError(err)
	s.Empty(builds)
}

func (s *QueueTestSuite) TestSchedulerTick() {
	s.config("test", true)
	q := s.queue(queue.Options{})

	_, err := queue.NewScheduler(q, "not a schedule")
	s.Error(err)

	sched, err := queue.NewScheduler(q, "@every 1m")
	s.Require().NoError(err)
	sched.Tick(s.ctx)

	builds, err := s.store.SelectBuilds(s.ctx, store.BuildFilter{})
	s.Require().NoError(err)
	s.Len(builds, 2)

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	s.NoError(sched.Run(ctx))
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}

func TestNewPanicsWithoutStore(t *testing.T) {
	assert.Panics(t, func() { queue.New(nil, vcstest.New(), queue.Options{}) })
}
