package models

import (
	"github.com/go-playground/validator/v10"
)

// All lists every persisted model, in dependency order.
var All = []interface{}{
	&System{},
	&BuildConfig{},
	&TargetPlatform{},
	&PlatformRule{},
	&Build{},
	&BuildStep{},
	&StepError{},
	&BuildLog{},
	&Report{},
	&ReportItem{},
	&Attachment{},
}

var validate = validator.New()

// Validate checks the `validate` tags of a model.
func Validate(model interface{}) error {
	return validate.Struct(model)
}

// System holds key/value metadata such as the schema version.
type System struct {
	Name  string `gorm:"primaryKey;size:255" json:"name"`
	Value string `gorm:"type:text" json:"value"`
}

func (System) TableName() string { return "bitten_system" }
