// Package queue decides which revisions need building and hands pending
// builds to matching slaves.
package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/bitten-ci/bitten/internal/metrics"
	"github.com/bitten-ci/bitten/internal/models"
	"github.com/bitten-ci/bitten/internal/store"
	"github.com/bitten-ci/bitten/internal/vcs"
	"github.com/bitten-ci/bitten/pkg/log"
)

// Options tune queue behaviour.
type Options struct {
	// StabilizeWait delays enqueuing revisions younger than this.
	StabilizeWait time.Duration
	// SlaveTimeout is how long an in-progress build may stay silent
	// before it is reset. Zero disables the sweep.
	SlaveTimeout time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// Queue is the master's build queue. It owns the slave registry.
type Queue struct {
	store *store.Store
	repo  vcs.Repository
	opts  Options

	populateMu sync.Mutex

	mu     sync.Mutex
	slaves map[int64][]string
}

// New returns a Queue over st and repo.
func New(st *store.Store, repo vcs.Repository, opts Options) *Queue {
	if st == nil || repo == nil {
		panic("queue requires a store and a repository")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		store:  st,
		repo:   repo,
		opts:   opts,
		slaves: map[int64][]string{},
	}
}

func (q *Queue) now() time.Time {
	return q.opts.Now()
}

// Repository returns the repository the queue reads.
func (q *Queue) Repository() vcs.Repository {
	return q.repo
}

// ResetOrphanedBuilds returns every in-progress build to pending. It runs
// when the master starts, before any slave can hold a build.
func (q *Queue) ResetOrphanedBuilds(ctx context.Context) (int, error) {
	return q.reset(ctx, "orphaned", func(*models.Build) bool { return true })
}

// ResetStaleBuilds returns in-progress builds whose slave has been silent
// for longer than the slave timeout to pending.
func (q *Queue) ResetStaleBuilds(ctx context.Context) (int, error) {
	if q.opts.SlaveTimeout <= 0 {
		return 0, nil
	}
	cutoff := q.now().Add(-q.opts.SlaveTimeout).Unix()
	return q.reset(ctx, "stale", func(b *models.Build) bool {
		return b.LastActivity < cutoff
	})
}

func (q *Queue) reset(ctx context.Context, reason string, match func(*models.Build) bool) (int, error) {
	builds, err := q.store.SelectBuilds(ctx, store.BuildFilter{Status: models.BuildInProgress})
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range builds {
		b := &builds[i]
		if !match(b) {
			continue
		}
		log.Info("resetting build",
			"build", b.ID,
			"reason", reason,
			"slave", b.Slave,
			"last_activity", time.Unix(b.LastActivity, 0).UTC(),
		)
		slave := b.Slave
		if err := q.store.ResetBuild(ctx, b); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return n, err
		}
		if slave != "" {
			q.UnregisterSlave(slave)
		}
		metrics.BuildsResetTotal.WithLabelValues(reason).Inc()
		n++
	}
	return n, nil
}

func platformLabel(id int64) string {
	return strconv.FormatInt(id, 10)
}
