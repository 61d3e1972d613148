package store

import (
	"context"
	"fmt"

	"github.com/bitten-ci/bitten/internal/models"
)

// InsertPlatform adds a target platform and its rules.
func (s *Store) InsertPlatform(ctx context.Context, p *models.TargetPlatform) error {
	if err := validate(p); err != nil {
		return err
	}

	return s.Transaction(ctx, func(tx *Store) error {
		if err := tx.conn(ctx).Create(p).Error; err != nil {
			return err
		}
		return tx.insertRules(ctx, p)
	})
}

// UpdatePlatform stores the platform and replaces its rules.
func (s *Store) UpdatePlatform(ctx context.Context, p *models.TargetPlatform) error {
	if err := validate(p); err != nil {
		return err
	}

	return s.Transaction(ctx, func(tx *Store) error {
		res := tx.conn(ctx).Model(&models.TargetPlatform{}).
			Where("id = ?", p.ID).
			Updates(map[string]interface{}{"config": p.Config, "name": p.Name})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("platform %d: %w", p.ID, ErrNotFound)
		}
		if err := tx.conn(ctx).Where("platform_id = ?", p.ID).Delete(&models.PlatformRule{}).Error; err != nil {
			return err
		}
		return tx.insertRules(ctx, p)
	})
}

func (s *Store) insertRules(ctx context.Context, p *models.TargetPlatform) error {
	for i := range p.Rules {
		p.Rules[i].PlatformID = p.ID
		p.Rules[i].OrderNo = i
		if p.Rules[i].Property == "" {
			continue
		}
		if err := s.conn(ctx).Create(&p.Rules[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

// DeletePlatform removes a platform with its rules and its builds.
func (s *Store) DeletePlatform(ctx context.Context, id int64) error {
	return s.Transaction(ctx, func(tx *Store) error {
		builds, err := tx.SelectBuilds(ctx, BuildFilter{Platform: id})
		if err != nil {
			return err
		}
		for _, b := range builds {
			if err := tx.DeleteBuild(ctx, b.ID); err != nil {
				return err
			}
		}

		if err := tx.conn(ctx).Where("platform_id = ?", id).Delete(&models.PlatformRule{}).Error; err != nil {
			return err
		}
		res := tx.conn(ctx).Where("id = ?", id).Delete(&models.TargetPlatform{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("platform %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// GetPlatform fetches a platform with its rules.
func (s *Store) GetPlatform(ctx context.Context, id int64) (*models.TargetPlatform, error) {
	p := new(models.TargetPlatform)
	if err := s.conn(ctx).First(p, "id = ?", id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("platform %d", id))
	}
	if err := s.loadRules(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListPlatforms returns the platforms of a configuration in insertion
// order. An empty config selects every platform.
func (s *Store) ListPlatforms(ctx context.Context, config string) ([]models.TargetPlatform, error) {
	q := s.conn(ctx).Order("id")
	if config != "" {
		q = q.Where("config = ?", config)
	}

	var platforms []models.TargetPlatform
	if err := q.Find(&platforms).Error; err != nil {
		return nil, err
	}
	for i := range platforms {
		if err := s.loadRules(ctx, &platforms[i]); err != nil {
			return nil, err
		}
	}
	return platforms, nil
}

func (s *Store) loadRules(ctx context.Context, p *models.TargetPlatform) error {
	return s.conn(ctx).
		Where("platform_id = ?", p.ID).
		Order("order_no").
		Find(&p.Rules).Error
}
