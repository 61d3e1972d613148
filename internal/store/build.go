package store

import (
	"context"
	"fmt"

	"github.com/bitten-ci/bitten/internal/models"
	"gorm.io/datatypes"
)

// BuildFilter narrows SelectBuilds. Zero fields match everything.
type BuildFilter struct {
	Config   string
	Rev      string
	Platform int64
	Slave    string
	Status   models.BuildStatus
}

// InsertBuild adds a new build. A pending build must not name a slave.
func (s *Store) InsertBuild(ctx context.Context, b *models.Build) error {
	if b.Status == "" {
		b.Status = models.BuildPending
	}
	if err := validate(b); err != nil {
		return err
	}
	if b.Status == models.BuildPending && b.Slave != "" {
		return fmt.Errorf("%w: pending build %s@%s assigned to slave %q", ErrInvalid, b.Config, b.Rev, b.Slave)
	}
	if b.SlaveInfo == nil {
		b.SlaveInfo = datatypes.JSONMap{}
	}
	return s.conn(ctx).Create(b).Error
}

// UpdateBuild writes every column of b.
func (s *Store) UpdateBuild(ctx context.Context, b *models.Build) error {
	if err := validate(b); err != nil {
		return err
	}
	if b.SlaveInfo == nil {
		b.SlaveInfo = datatypes.JSONMap{}
	}
	res := s.conn(ctx).Model(&models.Build{}).
		Where("id = ?", b.ID).
		Select("*").
		Omit("id").
		Updates(b)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("build %d: %w", b.ID, ErrNotFound)
	}
	return nil
}

// DeleteBuild removes a build with its steps, logs, reports and
// attachments.
func (s *Store) DeleteBuild(ctx context.Context, id int64) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if err := tx.deleteResults(ctx, id); err != nil {
			return err
		}
		res := tx.conn(ctx).Where("id = ?", id).Delete(&models.Build{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("build %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// ResetBuild returns b to the pending state, discarding every recorded
// step, log, report and attachment.
func (s *Store) ResetBuild(ctx context.Context, b *models.Build) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if err := tx.deleteResults(ctx, b.ID); err != nil {
			return err
		}
		b.Reset()
		return tx.UpdateBuild(ctx, b)
	})
}

func (s *Store) deleteResults(ctx context.Context, id int64) error {
	if err := s.DeleteSteps(ctx, id); err != nil {
		return err
	}
	if err := s.DeleteLogs(ctx, id); err != nil {
		return err
	}
	if err := s.DeleteReports(ctx, id); err != nil {
		return err
	}
	return s.DeleteAttachments(ctx, models.AttachToBuild, fmt.Sprint(id))
}

// GetBuild fetches a build by id.
func (s *Store) GetBuild(ctx context.Context, id int64) (*models.Build, error) {
	b := new(models.Build)
	if err := s.conn(ctx).First(b, "id = ?", id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("build %d", id))
	}
	return b, nil
}

// SelectBuilds returns builds matching f ordered by config, newest
// revision first, then slave.
func (s *Store) SelectBuilds(ctx context.Context, f BuildFilter) ([]models.Build, error) {
	q := s.conn(ctx).Model(&models.Build{})
	if f.Config != "" {
		q = q.Where("config = ?", f.Config)
	}
	if f.Rev != "" {
		q = q.Where("rev = ?", f.Rev)
	}
	if f.Platform != 0 {
		q = q.Where("platform = ?", f.Platform)
	}
	if f.Slave != "" {
		q = q.Where("slave = ?", f.Slave)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}

	var builds []models.Build
	if err := q.Order("config").Order("rev_time DESC").Order("slave").Order("id").Find(&builds).Error; err != nil {
		return nil, err
	}
	return builds, nil
}

// ClaimBuild moves a pending build to in-progress for slave. It reports
// false when another request claimed the build first.
func (s *Store) ClaimBuild(ctx context.Context, b *models.Build, slave string, info map[string]string, now int64) (bool, error) {
	b.SetInfo(info)
	res := s.conn(ctx).Model(&models.Build{}).
		Where("id = ? AND status = ?", b.ID, string(models.BuildPending)).
		Updates(map[string]interface{}{
			"status":        string(models.BuildInProgress),
			"slave":         slave,
			"slave_info":    b.SlaveInfo,
			"last_activity": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	b.Status = models.BuildInProgress
	b.Slave = slave
	b.LastActivity = now
	return true, nil
}

// TouchBuild records slave activity on an in-progress build.
func (s *Store) TouchBuild(ctx context.Context, id int64, now int64) error {
	return s.conn(ctx).Model(&models.Build{}).
		Where("id = ?", id).
		Update("last_activity", now).Error
}
