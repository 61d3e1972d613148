package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bitten-ci/bitten/internal/models"
	"github.com/bitten-ci/bitten/pkg/log"
	"gorm.io/gorm"
)

// VersionKey is the system table key holding the schema version.
const VersionKey = "bitten_version"

type migration struct {
	version int
	name    string
	apply   func(tx *gorm.DB) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "create base schema",
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.BuildConfig{},
				&models.TargetPlatform{},
				&models.PlatformRule{},
				&models.Build{},
				&models.BuildStep{},
				&models.StepError{},
				&models.Report{},
				&models.ReportItem{},
			)
		},
	},
	{
		version: 2,
		name:    "file-backed build logs",
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.BuildLog{})
		},
	},
	{
		version: 3,
		name:    "attachments and slave activity",
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.Attachment{}, &models.Build{})
		},
	},
}

// SchemaVersion is the version the running code expects.
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// CurrentVersion reads the stored schema version; 0 means no schema.
func (s *Store) CurrentVersion(ctx context.Context) (int, error) {
	if !s.db.Migrator().HasTable(&models.System{}) {
		return 0, nil
	}

	row := new(models.System)
	err := s.conn(ctx).First(row, "name = ?", VersionKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	v, err := strconv.Atoi(row.Value)
	if err != nil {
		return 0, fmt.Errorf("corrupt %s %q: %w", VersionKey, row.Value, err)
	}
	return v, nil
}

// Migrate upgrades the schema one version at a time, stamping the new
// version after each step.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&models.System{}); err != nil {
		return err
	}

	current, err := s.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current > SchemaVersion() {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, SchemaVersion())
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		log.Info("upgrading database schema", "version", m.version, "step", m.name)

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := m.apply(tx); err != nil {
				return err
			}
			return tx.Save(&models.System{Name: VersionKey, Value: strconv.Itoa(m.version)}).Error
		})
		if err != nil {
			return fmt.Errorf("schema upgrade to version %d (%s): %w", m.version, m.name, err)
		}
		current = m.version
	}
	return nil
}
