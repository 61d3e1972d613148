package models

// StepStatus enumerates the outcome of a build step.
type StepStatus string

const (
	StepInProgress StepStatus = "in_progress"
	StepSuccess    StepStatus = "success"
	StepFailure    StepStatus = "failure"
)

// BuildStep records the outcome of one recipe step within a build.
type BuildStep struct {
	Build       int64      `gorm:"primaryKey;autoIncrement:false" json:"build" validate:"required"`
	Name        string     `gorm:"primaryKey;size:255" json:"name" validate:"required"`
	Description string     `gorm:"type:text" json:"description"`
	Status      StepStatus `gorm:"size:16;not null" json:"status" validate:"oneof=in_progress success failure"`
	Started     int64      `json:"started"`
	Stopped     int64      `json:"stopped"`
	Errors      []string   `gorm:"-" json:"errors,omitempty"`
}

func (BuildStep) TableName() string { return "bitten_step" }

// StepError is one persisted step error message.
type StepError struct {
	Build   int64  `gorm:"primaryKey;autoIncrement:false"`
	Step    string `gorm:"primaryKey;size:255"`
	OrderNo int    `gorm:"primaryKey;autoIncrement:false"`
	Message string `gorm:"type:text"`
}

func (StepError) TableName() string { return "bitten_error" }

// BuildLog is an ordered sequence of messages emitted by one generator.
// Messages live in a file under the logs directory.
type BuildLog struct {
	ID        int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	Build     int64        `gorm:"index;not null" json:"build" validate:"required"`
	Step      string       `gorm:"size:255;not null" json:"step" validate:"required"`
	Generator string       `gorm:"type:text" json:"generator"`
	OrderNo   int          `json:"orderno"`
	Filename  string       `gorm:"type:text" json:"filename"`
	Messages  []LogMessage `gorm:"-" json:"messages"`
}

func (BuildLog) TableName() string { return "bitten_log" }

// Log message levels.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// LogMessage is a single (level, message) pair.
type LogMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
