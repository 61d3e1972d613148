package jsonmap

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestFromStringMap(t *testing.T) {
	require.Equal(t, datatypes.JSONMap{}, FromStringMap(nil))
	require.Equal(t, datatypes.JSONMap{"ipnr": "10.0.0.1"}, FromStringMap(map[string]string{"ipnr": "10.0.0.1"}))
}

func TestString(t *testing.T) {
	m := datatypes.JSONMap{"os": "Linux", "cores": 8, "none": nil}
	require.Equal(t, "Linux", String(m, "os"))
	require.Equal(t, "8", String(m, "cores"))
	require.Empty(t, String(m, "none"))
	require.Empty(t, String(m, "missing"))
	require.Empty(t, String(nil, "os"))
}

func TestWithout(t *testing.T) {
	m := datatypes.JSONMap{"token": "secret", "os": "Linux"}
	require.Equal(t, datatypes.JSONMap{"os": "Linux"}, Without(m, "token"))
	require.Equal(t, "secret", m["token"], "input is not modified")
	require.Equal(t, datatypes.JSONMap{}, Without(nil, "token"))
}
