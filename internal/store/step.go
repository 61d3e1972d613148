package store

import (
	"context"
	"fmt"

	"github.com/bitten-ci/bitten/internal/models"
)

// InsertStep records a build step and its error messages. Steps are
// unique per (build, name).
func (s *Store) InsertStep(ctx context.Context, step *models.BuildStep) error {
	if err := validate(step); err != nil {
		return err
	}

	return s.Transaction(ctx, func(tx *Store) error {
		if _, err := tx.GetStep(ctx, step.Build, step.Name); err == nil {
			return fmt.Errorf("step %q of build %d: %w", step.Name, step.Build, ErrExists)
		}
		if err := tx.conn(ctx).Create(step).Error; err != nil {
			if IsConstraintErr(err) {
				return fmt.Errorf("step %q of build %d: %w", step.Name, step.Build, ErrExists)
			}
			return err
		}
		for i, msg := range step.Errors {
			row := &models.StepError{Build: step.Build, Step: step.Name, OrderNo: i, Message: msg}
			if err := tx.conn(ctx).Create(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetStep fetches one step with its errors.
func (s *Store) GetStep(ctx context.Context, build int64, name string) (*models.BuildStep, error) {
	step := new(models.BuildStep)
	if err := s.conn(ctx).First(step, "build = ? AND name = ?", build, name).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("step %q of build %d", name, build))
	}
	if err := s.loadErrors(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// ListSteps returns the steps of a build in the order they started.
func (s *Store) ListSteps(ctx context.Context, build int64) ([]models.BuildStep, error) {
	var steps []models.BuildStep
	if err := s.conn(ctx).
		Where("build = ?", build).
		Order("started").Order("name").
		Find(&steps).Error; err != nil {
		return nil, err
	}
	for i := range steps {
		if err := s.loadErrors(ctx, &steps[i]); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

// DeleteSteps removes every step of a build.
func (s *Store) DeleteSteps(ctx context.Context, build int64) error {
	if err := s.conn(ctx).Where("build = ?", build).Delete(&models.StepError{}).Error; err != nil {
		return err
	}
	return s.conn(ctx).Where("build = ?", build).Delete(&models.BuildStep{}).Error
}

func (s *Store) loadErrors(ctx context.Context, step *models.BuildStep) error {
	var rows []models.StepError
	if err := s.conn(ctx).
		Where("build = ? AND step = ?", step.Build, step.Name).
		Order("order_no").
		Find(&rows).Error; err != nil {
		return err
	}
	step.Errors = step.Errors[:0]
	for _, r := range rows {
		step.Errors = append(step.Errors, r.Message)
	}
	return nil
}
