package models

// Report holds the structured items of one category produced by a step.
// Each item carries at least a "type" key.
type Report struct {
	ID        int64               `gorm:"primaryKey;autoIncrement" json:"id"`
	Build     int64               `gorm:"uniqueIndex:idx_report_key;not null" json:"build" validate:"required"`
	Step      string              `gorm:"size:255;uniqueIndex:idx_report_key;not null" json:"step" validate:"required"`
	Category  string              `gorm:"size:255;uniqueIndex:idx_report_key;not null" json:"category" validate:"required"`
	Generator string              `gorm:"type:text" json:"generator"`
	Items     []map[string]string `gorm:"-" json:"items"`
}

func (Report) TableName() string { return "bitten_report" }

// ReportItem stores one attribute of one report item.
type ReportItem struct {
	Report int64  `gorm:"primaryKey;autoIncrement:false"`
	ItemNo int    `gorm:"primaryKey;autoIncrement:false"`
	Name   string `gorm:"primaryKey;size:255"`
	Value  string `gorm:"type:text"`
}

func (ReportItem) TableName() string { return "bitten_report_item" }

// Attachment parents.
const (
	AttachToBuild  = "build"
	AttachToConfig = "config"
)

// Attachment is a file attached to a build or configuration.
type Attachment struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ParentKind  string `gorm:"size:32;uniqueIndex:idx_attachment_key;not null" json:"parent_kind" validate:"oneof=build config"`
	ParentID    string `gorm:"size:255;uniqueIndex:idx_attachment_key;not null" json:"parent_id" validate:"required"`
	Filename    string `gorm:"size:255;uniqueIndex:idx_attachment_key;not null" json:"filename" validate:"required"`
	Description string `gorm:"type:text" json:"description"`
	Size        int64  `json:"size"`
	Created     int64  `json:"created"`
}

func (Attachment) TableName() string { return "bitten_attachment" }
