package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/bitten-ci/bitten/internal/models"
)

// InsertReport records a report. Reports are unique per (build, step,
// category) and every item needs a "type".
func (s *Store) InsertReport(ctx context.Context, r *models.Report) error {
	if err := validate(r); err != nil {
		return err
	}
	for i, item := range r.Items {
		if item["type"] == "" {
			return fmt.Errorf("%w: report item %d has no type", ErrInvalid, i)
		}
	}

	return s.Transaction(ctx, func(tx *Store) error {
		var count int64
		if err := tx.conn(ctx).Model(&models.Report{}).
			Where("build = ? AND step = ? AND category = ?", r.Build, r.Step, r.Category).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("report %q of step %q: %w", r.Category, r.Step, ErrExists)
		}

		if err := tx.conn(ctx).Create(r).Error; err != nil {
			return err
		}

		var rows []models.ReportItem
		for i, item := range r.Items {
			for name, value := range item {
				rows = append(rows, models.ReportItem{Report: r.ID, ItemNo: i, Name: name, Value: value})
			}
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.conn(ctx).CreateInBatches(rows, 200).Error
	})
}

// ReportFilter narrows ListReports. Zero fields match everything.
type ReportFilter struct {
	Build    int64
	Step     string
	Category string
}

// ListReports returns reports with their items loaded.
func (s *Store) ListReports(ctx context.Context, f ReportFilter) ([]models.Report, error) {
	q := s.conn(ctx).Model(&models.Report{})
	if f.Build != 0 {
		q = q.Where("build = ?", f.Build)
	}
	if f.Step != "" {
		q = q.Where("step = ?", f.Step)
	}
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}

	var reports []models.Report
	if err := q.Order("id").Find(&reports).Error; err != nil {
		return nil, err
	}

	for i := range reports {
		var rows []models.ReportItem
		if err := s.conn(ctx).Where("report = ?", reports[i].ID).Find(&rows).Error; err != nil {
			return nil, err
		}
		sort.Slice(rows, func(a, b int) bool { return rows[a].ItemNo < rows[b].ItemNo })

		var items []map[string]string
		for _, row := range rows {
			for len(items) <= row.ItemNo {
				items = append(items, map[string]string{})
			}
			items[row.ItemNo][row.Name] = row.Value
		}
		reports[i].Items = items
	}
	return reports, nil
}

// DeleteReports removes every report of a build.
func (s *Store) DeleteReports(ctx context.Context, build int64) error {
	ids := s.conn(ctx).Model(&models.Report{}).Select("id").Where("build = ?", build)
	if err := s.conn(ctx).Where("report IN (?)", ids).Delete(&models.ReportItem{}).Error; err != nil {
		return err
	}
	return s.conn(ctx).Where("build = ?", build).Delete(&models.Report{}).Error
}
