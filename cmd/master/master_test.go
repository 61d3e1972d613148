package master

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitten-ci/bitten/pkg/env"
)

func TestBuildListeners(t *testing.T) {
	d, err := buildListeners(env.Environment{})
	require.NoError(t, err)
	assert.Len(t, d.Listeners(), 2)

	d, err = buildListeners(env.Environment{WebhookURL: "http://hooks.example.org/bitten"})
	require.NoError(t, err)
	names := []string{}
	for _, l := range d.Listeners() {
		names = append(names, l.Name())
	}
	assert.Equal(t, []string{"log", "metrics", "webhook"}, names)
}
