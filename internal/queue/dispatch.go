package queue

import (
	"context"
	"errors"

	"github.com/bitten-ci/bitten/internal/metrics"
	"github.com/bitten-ci/bitten/internal/models"
	"github.com/bitten-ci/bitten/internal/store"
	"github.com/bitten-ci/bitten/internal/vcs"
	"github.com/bitten-ci/bitten/pkg/log"
)

const claimAttempts = 3

// NextPending returns the first pending build one of the available slaves
// can run, together with that slave. Pending builds whose config or
// platform disappeared, or whose revision left the config's range, are
// deleted on the way.
func (q *Queue) NextPending(ctx context.Context, available []string) (*models.Build, string, error) {
	builds, err := q.store.SelectBuilds(ctx, store.BuildFilter{Status: models.BuildPending})
	if err != nil {
		return nil, "", err
	}

	configs := map[string]*models.BuildConfig{}
	for i := range builds {
		b := &builds[i]

		cfg, ok := configs[b.Config]
		if !ok {
			cfg, err = q.store.GetConfig(ctx, b.Config)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, "", err
			}
			configs[b.Config] = cfg
		}
		if cfg == nil {
			q.discard(ctx, b, "configuration deleted")
			continue
		}
		if !cfg.Active {
			continue
		}

		if _, err := q.store.GetPlatform(ctx, b.Platform); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, "", err
			}
			q.discard(ctx, b, "target platform deleted")
			continue
		}

		inRange, err := q.inRange(cfg, b.Rev)
		if err != nil {
			return nil, "", err
		}
		if !inRange {
			q.discard(ctx, b, "revision out of range")
			continue
		}

		if slave := q.pick(b.Platform, available); slave != "" {
			return b, slave, nil
		}
	}
	return nil, "", nil
}

func (q *Queue) inRange(cfg *models.BuildConfig, rev string) (bool, error) {
	bounds, err := q.bounds(cfg)
	if err != nil {
		log.Warn("ignoring invalid revision bounds", "config", cfg.Name, "error", err)
		return true, nil
	}
	ok, err := bounds.contains(q.repo, rev)
	if errors.Is(err, vcs.ErrNotFound) {
		return false, nil
	}
	return ok, err
}

func (q *Queue) discard(ctx context.Context, b *models.Build, reason string) {
	log.Info("deleting pending build", "build", b.ID, "config", b.Config, "rev", b.Rev, "reason", reason)
	if err := q.store.DeleteBuild(ctx, b.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn("failed to delete pending build", "build", b.ID, "error", err)
	}
}

// Dispatch finds a pending build for slave and claims it, retrying when a
// concurrent request wins the claim. It returns nil when there is nothing
// to do.
func (q *Queue) Dispatch(ctx context.Context, slave string, info map[string]string) (*models.Build, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		b, _, err := q.NextPending(ctx, []string{slave})
		if err != nil || b == nil {
			return nil, err
		}

		claimed, err := q.store.ClaimBuild(ctx, b, slave, info, q.now().Unix())
		if err != nil {
			if store.IsContentionErr(err) {
				metrics.BuildDispatchContentionTotal.WithLabelValues(slave).Inc()
				continue
			}
			return nil, err
		}
		if !claimed {
			metrics.BuildDispatchContentionTotal.WithLabelValues(slave).Inc()
			continue
		}

		metrics.BuildsDispatchedTotal.WithLabelValues(b.Config).Inc()
		log.Info("build dispatched", "build", b.ID, "config", b.Config, "rev", b.Rev, "slave", slave)
		return b, nil
	}
	return nil, nil
}
