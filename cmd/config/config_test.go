package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitten-ci/bitten/internal/store"
	"github.com/bitten-ci/bitten/internal/store/storetest"
)

const defs = `name: trunk
path: trunk
description: Mainline
recipe: |
  <build xmlns:sh="http://bitten.edgewall.org/tools/sh#">
    <step id="make"><sh:exec executable="make"/></step>
  </build>
platforms:
  - name: linux
    rules:
      - property: family
        pattern: posix
  - name: windows
    rules:
      - property: family
        pattern: nt
---
name: legacy
active: false
recipe: <build><step id="noop"><report category="test" file="t.xml"/></step></build>
`

func TestDecode(t *testing.T) {
	got, err := Decode(strings.NewReader(defs))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "trunk", got[0].Name)
	assert.Len(t, got[0].Platforms, 2)
	assert.True(t, got[0].config().Active)
	assert.Equal(t, "trunk", got[0].config().Label)
	assert.False(t, got[1].config().Active)
}

func TestDecodeInvalid(t *testing.T) {
	cases := map[string]string{
		"missing name":    "recipe: <build><step id=\"a\"><attach file=\"x\"/></step></build>\n",
		"missing recipe":  "name: x\n",
		"broken recipe":   "name: x\nrecipe: <build>\n",
		"unknown command": "name: x\nrecipe: <build xmlns:z=\"urn:z\"><step id=\"a\"><z:nope/></step></build>\n",
		"rule property":   "name: x\nrecipe: <build><step id=\"a\"><attach file=\"x\"/></step></build>\nplatforms:\n  - name: p\n    rules:\n      - pattern: y\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	st := storetest.OpenTestStore(t)

	first, err := Decode(strings.NewReader(defs))
	require.NoError(t, err)
	require.NoError(t, Apply(ctx, st, first))

	platforms, err := st.ListPlatforms(ctx, "trunk")
	require.NoError(t, err)
	require.Len(t, platforms, 2)
	linux := platforms[0]
	if linux.Name != "linux" {
		linux = platforms[1]
	}

	first[0].Description = "Updated"
	first[0].Platforms = first[0].Platforms[:1]
	first[0].Platforms[0].Rules[0].Pattern = "posix|darwin"
	require.NoError(t, Apply(ctx, st, first[:1]))

	cfg, err := st.GetConfig(ctx, "trunk")
	require.NoError(t, err)
	assert.Equal(t, "Updated", cfg.Description)

	platforms, err = st.ListPlatforms(ctx, "trunk")
	require.NoError(t, err)
	require.Len(t, platforms, 1)
	assert.Equal(t, linux.ID, platforms[0].ID)
	assert.Equal(t, "posix|darwin", platforms[0].Rules[0].Pattern)
}

func TestCommands(t *testing.T) {
	st := storetest.OpenTestStore(t)
	openStore = func(context.Context) (*store.Store, error) { return st, nil }
	t.Cleanup(func() { openStore = defaultStore })

	path := filepath.Join(t.TempDir(), "defs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(defs), 0o644))

	run := func(args ...string) string {
		var out bytes.Buffer
		Cmd.SetOut(&out)
		Cmd.SetArgs(args)
		require.NoError(t, Cmd.ExecuteContext(context.Background()))
		return out.String()
	}

	assert.Contains(t, run("apply", "-f", path), "Applied 2 build configuration(s)")

	out := run("list")
	assert.Contains(t, out, "trunk")
	assert.NotContains(t, out, "legacy")
	assert.Contains(t, run("list", "--all"), "legacy")

	assert.Contains(t, run("delete", "legacy"), "Deleted build configuration legacy")
	_, err := st.GetConfig(context.Background(), "legacy")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
