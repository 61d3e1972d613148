package env

import (
	"time"

	"github.com/bitten-ci/bitten/pkg/log"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

var variables = new(Environment)

// Process the environment variables set for the bitten master.
func Process() error {
	if err := envconfig.Process("bitten", variables); err != nil {
		return errors.Wrap(err, "failed to process environment variables")
	}

	// set the log level
	if err := log.SetLevel(variables.LogLevel); err != nil {
		return errors.Wrap(err, "failed to set log level")
	}

	return nil
}

// Variables returns the processed environment variables.
func Variables() Environment {
	return *variables
}

// Environment defines the environment variables used
// by the bitten master.
type Environment struct {
	LogLevel         string        `default:"info" split_words:"true"`
	Port             int           `default:"8080"`
	DatabaseType     string        `default:"sqlite" split_words:"true"`
	DatabaseDSN      string        `default:"bitten.db" split_words:"true"`
	RepositoryDir    string        `default:"repository" split_words:"true"`
	RepositoryURL    string        `default:"" split_words:"true"`
	RepositoryRef    string        `default:"main" split_words:"true"`
	SnapshotsDir     string        `default:"snapshots" split_words:"true"`
	SnapshotsMax     int           `default:"10" split_words:"true"`
	SnapshotsFormat  string        `default:"gztar" split_words:"true"`
	AttachmentsDir   string        `default:"attachments" split_words:"true"`
	LogsDir          string        `default:"logs" split_words:"true"`
	StabilizeWait    time.Duration `default:"0s" split_words:"true"`
	SlaveTimeout     time.Duration `default:"3600s" split_words:"true"`
	PopulateSchedule string        `default:"@every 1m" split_words:"true"`
	MasterUser       string        `default:"" split_words:"true"`
	MasterPassword   string        `default:"" split_words:"true"`
	WebhookURL       string        `default:"" split_words:"true"`
}
