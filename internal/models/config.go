package models

// BuildConfig describes what to build: a repository path and a recipe.
type BuildConfig struct {
	Name        string `gorm:"primaryKey;size:255" json:"name" validate:"required"`
	Path        string `gorm:"type:text" json:"path"`
	Recipe      string `gorm:"type:text" json:"recipe"`
	MinRev      string `gorm:"size:255" json:"min_rev,omitempty"`
	MaxRev      string `gorm:"size:255" json:"max_rev,omitempty"`
	Label       string `gorm:"type:text" json:"label"`
	Description string `gorm:"type:text" json:"description"`
	Active      bool   `gorm:"not null;default:false" json:"active"`
}

func (BuildConfig) TableName() string { return "bitten_config" }

// TargetPlatform restricts a configuration to slaves whose properties
// match every rule.
type TargetPlatform struct {
	ID     int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Config string         `gorm:"size:255;index;not null" json:"config" validate:"required"`
	Name   string         `gorm:"type:text;not null" json:"name" validate:"required"`
	Rules  []PlatformRule `gorm:"-" json:"rules"`
}

func (TargetPlatform) TableName() string { return "bitten_platform" }

// PlatformRule is one ordered (property, pattern) pair.
type PlatformRule struct {
	PlatformID int64  `gorm:"primaryKey;autoIncrement:false" json:"-"`
	OrderNo    int    `gorm:"primaryKey;autoIncrement:false" json:"-"`
	Property   string `gorm:"type:text" json:"property" validate:"required"`
	Pattern    string `gorm:"type:text" json:"pattern"`
}

func (PlatformRule) TableName() string { return "bitten_rule" }
