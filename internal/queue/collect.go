package queue

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/bitten-ci/bitten/internal/models"
	"github.com/bitten-ci/bitten/internal/store"
	"github.com/bitten-ci/bitten/internal/vcs"
)

// Candidate is one (platform, revision) pair that may need a build.
// Build is nil when none has been enqueued yet.
type Candidate struct {
	Platform *models.TargetPlatform
	Rev      string
	Build    *models.Build
}

// CollectChanges walks the history of the config's path from newest to
// oldest and yields a candidate per target platform and revision.
func (q *Queue) CollectChanges(ctx context.Context, cfg *models.BuildConfig) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		platforms, err := q.store.ListPlatforms(ctx, cfg.Name)
		if err != nil {
			yield(Candidate{}, err)
			return
		}

		bounds, err := q.bounds(cfg)
		if err != nil {
			yield(Candidate{}, err)
			return
		}

		path := q.repo.NormalizePath(cfg.Path)
		for change, err := range q.repo.History(ctx, path) {
			if err != nil {
				yield(Candidate{}, err)
				return
			}
			if change.Path != path {
				return
			}

			older, err := bounds.olderThanMin(q.repo, change.Rev)
			if err != nil {
				yield(Candidate{}, err)
				return
			}
			if older {
				return
			}
			newer, err := bounds.newerThanMax(q.repo, change.Rev)
			if err != nil {
				yield(Candidate{}, err)
				return
			}
			if newer {
				continue
			}

			entries, err := q.repo.Entries(path, change.Rev)
			if err != nil && !errors.Is(err, vcs.ErrNotFound) {
				yield(Candidate{}, err)
				return
			}
			if len(entries) == 0 {
				continue
			}

			for i := range platforms {
				c := Candidate{Platform: &platforms[i], Rev: change.Rev}
				builds, err := q.store.SelectBuilds(ctx, store.BuildFilter{
					Config:   cfg.Name,
					Rev:      change.Rev,
					Platform: platforms[i].ID,
				})
				if err != nil {
					yield(Candidate{}, err)
					return
				}
				if len(builds) > 0 {
					c.Build = &builds[0]
				}
				if !yield(c, nil) {
					return
				}
			}
		}
	}
}

type revBounds struct {
	min, max string
}

func (q *Queue) bounds(cfg *models.BuildConfig) (revBounds, error) {
	var b revBounds
	var err error
	if cfg.MinRev != "" {
		if b.min, err = q.repo.NormalizeRev(cfg.MinRev); err != nil {
			return b, fmt.Errorf("config %s: min_rev: %w", cfg.Name, err)
		}
	}
	if cfg.MaxRev != "" {
		if b.max, err = q.repo.NormalizeRev(cfg.MaxRev); err != nil {
			return b, fmt.Errorf("config %s: max_rev: %w", cfg.Name, err)
		}
	}
	return b, nil
}

func (b revBounds) olderThanMin(repo vcs.Repository, rev string) (bool, error) {
	if b.min == "" {
		return false, nil
	}
	return repo.RevOlderThan(rev, b.min)
}

func (b revBounds) newerThanMax(repo vcs.Repository, rev string) (bool, error) {
	if b.max == "" {
		return false, nil
	}
	return repo.RevOlderThan(b.max, rev)
}

func (b revBounds) contains(repo vcs.Repository, rev string) (bool, error) {
	older, err := b.olderThanMin(repo, rev)
	if err != nil || older {
		return false, err
	}
	newer, err := b.newerThanMax(repo, rev)
	return !newer, err
}
