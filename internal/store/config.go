package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/bitten-ci/bitten/internal/models"
)

// InsertConfig adds a new build configuration.
func (s *Store) InsertConfig(ctx context.Context, cfg *models.BuildConfig) error {
	if err := validate(cfg); err != nil {
		return err
	}
	if _, err := s.GetConfig(ctx, cfg.Name); err == nil {
		return fmt.Errorf("config %q: %w", cfg.Name, ErrExists)
	}
	if err := s.conn(ctx).Create(cfg).Error; err != nil {
		if IsConstraintErr(err) {
			return fmt.Errorf("config %q: %w", cfg.Name, ErrExists)
		}
		return err
	}
	return nil
}

// UpdateConfig stores cfg under oldName. When the name changes, platforms,
// builds and attachments referring to the old name are rewritten in the
// same transaction.
func (s *Store) UpdateConfig(ctx context.Context, oldName string, cfg *models.BuildConfig) error {
	if err := validate(cfg); err != nil {
		return err
	}

	return s.Transaction(ctx, func(tx *Store) error {
		if oldName != cfg.Name {
			if _, err := tx.GetConfig(ctx, cfg.Name); err == nil {
				return fmt.Errorf("config %q: %w", cfg.Name, ErrExists)
			}
		}

		res := tx.conn(ctx).Model(&models.BuildConfig{}).
			Where("name = ?", oldName).
			Updates(map[string]interface{}{
				"name":        cfg.Name,
				"path":        cfg.Path,
				"recipe":      cfg.Recipe,
				"min_rev":     cfg.MinRev,
				"max_rev":     cfg.MaxRev,
				"label":       cfg.Label,
				"description": cfg.Description,
				"active":      cfg.Active,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("config %q: %w", oldName, ErrNotFound)
		}

		if oldName == cfg.Name {
			return nil
		}

		if err := tx.conn(ctx).Model(&models.TargetPlatform{}).
			Where("config = ?", oldName).
			Update("config", cfg.Name).Error; err != nil {
			return err
		}
		if err := tx.conn(ctx).Model(&models.Build{}).
			Where("config = ?", oldName).
			Update("config", cfg.Name).Error; err != nil {
			return err
		}
		if err := tx.conn(ctx).Model(&models.Attachment{}).
			Where("parent_kind = ? AND parent_id = ?", models.AttachToConfig, oldName).
			Update("parent_id", cfg.Name).Error; err != nil {
			return err
		}
		return tx.moveAttachments(models.AttachToConfig, oldName, cfg.Name)
	})
}

// moveAttachments renames the attachment directory of a parent. The move
// is undone if the transaction fails.
func (s *Store) moveAttachments(kind, from, to string) error {
	src := s.attachmentDir(kind, from)
	dst := s.attachmentDir(kind, to)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("attachments of %s %q: %w", kind, to, ErrExists)
	}
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	s.onRollback(func() error { return os.Rename(dst, src) })
	return nil
}

// DeleteConfig removes a configuration together with its platforms,
// builds and attachments.
func (s *Store) DeleteConfig(ctx context.Context, name string) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if _, err := tx.GetConfig(ctx, name); err != nil {
			return err
		}

		platforms, err := tx.ListPlatforms(ctx, name)
		if err != nil {
			return err
		}
		for _, p := range platforms {
			if err := tx.DeletePlatform(ctx, p.ID); err != nil {
				return err
			}
		}

		builds, err := tx.SelectBuilds(ctx, BuildFilter{Config: name})
		if err != nil {
			return err
		}
		for _, b := range builds {
			if err := tx.DeleteBuild(ctx, b.ID); err != nil {
				return err
			}
		}

		if err := tx.DeleteAttachments(ctx, models.AttachToConfig, name); err != nil {
			return err
		}

		return tx.conn(ctx).Where("name = ?", name).Delete(&models.BuildConfig{}).Error
	})
}

// GetConfig fetches a configuration by name.
func (s *Store) GetConfig(ctx context.Context, name string) (*models.BuildConfig, error) {
	cfg := new(models.BuildConfig)
	if err := s.conn(ctx).First(cfg, "name = ?", name).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("config %q", name))
	}
	return cfg, nil
}

// ListConfigs returns configurations ordered by name. Inactive ones are
// only included when includeInactive is set.
func (s *Store) ListConfigs(ctx context.Context, includeInactive bool) ([]models.BuildConfig, error) {
	q := s.conn(ctx).Order("name")
	if !includeInactive {
		q = q.Where("active = ?", true)
	}

	var cfgs []models.BuildConfig
	if err := q.Find(&cfgs).Error; err != nil {
		return nil, err
	}
	return cfgs, nil
}
