// Package jsonmap handles the string maps kept in JSON columns, such as
// a build's slave_info.
package jsonmap

import (
	"fmt"

	"gorm.io/datatypes"
)

// FromStringMap converts a string map into a GORM JSON map value.
func FromStringMap(values map[string]string) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}

// String returns the value under key rendered as a string, or "".
func String(m datatypes.JSONMap, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Without returns a copy of m lacking keys.
func Without(m datatypes.JSONMap, keys ...string) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(m))
	for key, value := range m {
		out[key] = value
	}
	for _, key := range keys {
		delete(out, key)
	}
	return out
}

