package slave

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitten-ci/bitten/internal/slave"
)

func TestOptions(t *testing.T) {
	o, err := options(flags{name: "hal", interval: 30, buildDir: "b_${build}", keepFiles: true}, []string{"http://m/builds"})
	require.NoError(t, err)
	assert.Equal(t, "hal", o.Config.Name)
	assert.Nil(t, o.Auth)
	assert.Equal(t, 30*time.Second, o.Interval)
	assert.Equal(t, "b_${build}", o.BuildDir)
	assert.True(t, o.KeepFiles)

	o, err = options(flags{user: "hal", password: "pw"}, []string{"http://m"})
	require.NoError(t, err)
	assert.IsType(t, &slave.HTTPAuth{}, o.Auth)

	o, err = options(flags{user: "hal", password: "pw", formAuth: true}, []string{"http://m"})
	require.NoError(t, err)
	assert.Equal(t, &slave.FormAuth{Username: "hal", Password: "pw"}, o.Auth)
}

func TestOptionsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slave.ini")
	require.NoError(t, os.WriteFile(path, []byte("[machine]\nname = from-file\n"), 0o644))

	o, err := options(flags{config: path}, []string{"http://m"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", o.Config.Name)

	_, err = options(flags{config: filepath.Join(t.TempDir(), "nope.ini")}, nil)
	var exit *slave.ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, slave.ExitIOErr, exit.Code)
}

func TestLevel(t *testing.T) {
	assert.Equal(t, "debug", level(true, false))
	assert.Equal(t, "warn", level(false, true))
	assert.Equal(t, "info", level(false, false))
}
