package queue

import (
	"context"

	"github.com/bitten-ci/bitten/internal/metrics"
	"github.com/bitten-ci/bitten/internal/models"
	"github.com/bitten-ci/bitten/pkg/log"
	"github.com/hashicorp/go-multierror"
)

// Populate synchronises the repository and enqueues at most one new
// pending build. It returns the inserted build, or nil when the backlog
// is drained. Failures of individual configs are collected and do not
// stop the others.
func (q *Queue) Populate(ctx context.Context) (*models.Build, error) {
	q.populateMu.Lock()
	defer q.populateMu.Unlock()

	if err := q.repo.Sync(ctx); err != nil {
		return nil, err
	}

	configs, err := q.store.ListConfigs(ctx, false)
	if err != nil {
		return nil, err
	}

	var merr *multierror.Error
	for i := range configs {
		b, err := q.populateConfig(ctx, &configs[i])
		if err != nil {
			log.Error("failed to populate build queue", "config", configs[i].Name, "error", err)
			merr = multierror.Append(merr, err)
			continue
		}
		if b != nil {
			return b, merr.ErrorOrNil()
		}
	}
	return nil, merr.ErrorOrNil()
}

func (q *Queue) populateConfig(ctx context.Context, cfg *models.BuildConfig) (*models.Build, error) {
	now := q.now()
	for c, err := range q.CollectChanges(ctx, cfg) {
		if err != nil {
			return nil, err
		}
		if c.Build != nil {
			continue
		}

		revTime, err := q.repo.RevTime(c.Rev)
		if err != nil {
			return nil, err
		}
		if q.opts.StabilizeWait > 0 && now.Sub(revTime) < q.opts.StabilizeWait {
			log.Debug("revision not yet stable",
				"config", cfg.Name,
				"rev", c.Rev,
				"age", now.Sub(revTime),
			)
			continue
		}

		b := &models.Build{
			Config:   cfg.Name,
			Rev:      c.Rev,
			RevTime:  revTime.Unix(),
			Platform: c.Platform.ID,
			Status:   models.BuildPending,
		}
		if err := q.store.InsertBuild(ctx, b); err != nil {
			return nil, err
		}

		metrics.BuildsPopulatedTotal.WithLabelValues(cfg.Name).Inc()
		log.Info("enqueued build",
			"build", b.ID,
			"config", cfg.Name,
			"rev", c.Rev,
			"platform", c.Platform.Name,
		)
		return b, nil
	}
	return nil, nil
}

// Drain calls Populate until nothing new is enqueued and returns the
// number of inserted builds.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		b, err := q.Populate(ctx)
		if b == nil {
			return n, err
		}
		n++
		if err := ctx.Err(); err != nil {
			return n, err
		}
	}
}
