package models

import (
	"gorm.io/datatypes"

	"github.com/bitten-ci/bitten/pkg/jsonmap"
)

// BuildStatus enumerates the life cycle of a build.
type BuildStatus string

const (
	BuildPending    BuildStatus = "pending"
	BuildInProgress BuildStatus = "in_progress"
	BuildSuccess    BuildStatus = "success"
	BuildFailure    BuildStatus = "failure"
)

// Well-known slave_info keys.
const (
	InfoIPAddress = "ipnr"
	InfoToken     = "token"
	InfoMachine   = "machine"
	InfoProcessor = "processor"
	InfoOS        = "os"
	InfoFamily    = "family"
	InfoVersion   = "version"
)

// Build is the execution of one configuration at one revision on one
// target platform.
type Build struct {
	ID           int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	Config       string            `gorm:"size:255;index:idx_build_lookup;not null" json:"config" validate:"required"`
	Rev          string            `gorm:"size:255;index:idx_build_lookup;not null" json:"rev" validate:"required"`
	RevTime      int64             `gorm:"not null" json:"rev_time" validate:"required"`
	Platform     int64             `gorm:"index:idx_build_lookup;not null" json:"platform" validate:"required"`
	Slave        string            `gorm:"type:text" json:"slave,omitempty"`
	Started      int64             `json:"started"`
	Stopped      int64             `json:"stopped"`
	LastActivity int64             `json:"last_activity"`
	Status       BuildStatus       `gorm:"size:16;index;not null" json:"status" validate:"oneof=pending in_progress success failure"`
	SlaveInfo    datatypes.JSONMap `gorm:"type:json" json:"slave_info,omitempty"`
}

func (Build) TableName() string { return "bitten_build" }

// Completed reports whether the build reached a final status.
func (b *Build) Completed() bool {
	return b.Status == BuildSuccess || b.Status == BuildFailure
}

// Info returns a slave_info value as a string.
func (b *Build) Info(key string) string {
	return jsonmap.String(b.SlaveInfo, key)
}

// SetInfo replaces slave_info with the given string map.
func (b *Build) SetInfo(info map[string]string) {
	b.SlaveInfo = jsonmap.FromStringMap(info)
}

// Reset returns the build to the pending state.
func (b *Build) Reset() {
	b.Status = BuildPending
	b.Slave = ""
	b.SlaveInfo = datatypes.JSONMap{}
	b.Started = 0
	b.Stopped = 0
	b.LastActivity = 0
}
