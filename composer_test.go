// Copyright (C) 2022  Shanhu Tech Inc.
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the
// Free Software Foundation, either version 3 of the License, or (at your
// option) any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE.  See the GNU Affero General Public License
// for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package hoist

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testComposer(t *testing.T) (*Composer, *Env) {
	t.Helper()
	env, _ := newTestEnv(t, map[string]string{
		"DOCKER.FROM":    "alpine:3",
		"DOCKER.NPM_CMD": "ci",
	})

	shipped := &Module{
		Name: "shipped",
		FS: fstest.MapFS{
			"snip/Dockerfile.tmpl": {
				Data: []byte(`RUN npm {{config "DOCKER.NPM_CMD"}}` + "\n"),
			},
			"snip/context/build": {Data: []byte("#!/bin/sh\n")},
		},
		DockerfileTemplate: "snip/Dockerfile.tmpl",
		DockerContext:      "snip/context",
	}
	local := &Module{
		Name:               "local",
		DockerfileTemplate: "local/snippet.tmpl",
		DockerContext:      "local/ctx",
	}
	bare := &Module{Name: "bare"}

	writeTestFile(t, env.Dir, "local/snippet.tmpl",
		`COPY {{format "{DOCKER.APP_DIR}/x" "DOCKER.APP_DIR" "/opt"}}`+"\n",
	)
	writeTestFile(t, env.Dir, "Dockerfile.tmpl",
		`FROM {{config "DOCKER.FROM"}}`+"\n"+
			`{{range .Modules}}{{include .Template $}}{{end}}`,
	)
	modules := []*Module{shipped, local, bare}
	return NewComposer(env.Dir, env.Config, modules), env
}

func TestComposerCompose(t *testing.T) {
	c, _ := testComposer(t)
	got, err := c.Compose("{DOCKER.DOCKERFILE_TEMPLATE}")
	require.NoError(t, err)
	assert.Equal(t, "FROM alpine:3\nRUN npm ci\nCOPY /opt/x\n", got)
}

func TestComposerWriteBuildFile(t *testing.T) {
	c, env := testComposer(t)
	require.NoError(t, c.WriteBuildFile(
		"Dockerfile.tmpl", "{DOCKER.DOCKERFILE}",
	))
	bs, err := os.ReadFile(filepath.Join(env.Dir, ".hoist/Dockerfile"))
	require.NoError(t, err)
	assert.Contains(t, string(bs), "RUN npm ci")
}

func TestComposerErrors(t *testing.T) {
	c, env := testComposer(t)

	for _, test := range []struct {
		name    string
		content string
		want    string
	}{
		{"missing.tmpl", "", "not found"},
		{"undefined.tmpl", `{{config "DOCKER.NOPE"}}`, "DOCKER.NOPE"},
		{"field.tmpl", `{{.Nope}}`, "Nope"},
		{"parse.tmpl", `{{if}}`, "parse"},
		{"self.tmpl", `{{include "self.tmpl" .}}`, "cycle"},
	} {
		t.Run(test.name, func(t *testing.T) {
			if test.content != "" {
				writeTestFile(t, env.Dir, test.name, test.content)
			}
			_, err := c.Compose(test.name)
			require.Error(t, err)
			assert.True(t, IsConfigError(err), "got %v", err)
			assert.Contains(t, err.Error(), test.want)
		})
	}
}

func TestComposerResolveBuildFile(t *testing.T) {
	c, env := testComposer(t)
	writeTestFile(t, env.Dir, "Dockerfile.plain", "FROM scratch\n")

	got, err := c.ResolveBuildFile("Dockerfile.plain", "{DOCKER.DOCKERFILE}")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.Dir, "Dockerfile.plain"), got)
	_, err = os.Stat(filepath.Join(env.Dir, ".hoist/Dockerfile"))
	assert.True(t, os.IsNotExist(err))

	got, err = c.ResolveBuildFile("Dockerfile.tmpl", "{DOCKER.DOCKERFILE}")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.Dir, ".hoist/Dockerfile"), got)
	bs, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "FROM alpine:3\nRUN npm ci\nCOPY /opt/x\n", string(bs))
}

func TestComposerStageModuleContext(t *testing.T) {
	c, env := testComposer(t)
	writeTestFile(t, env.Dir, "local/ctx/a.txt", "alpha")
	writeTestFile(t, env.Dir, "shared/b.txt", "beta")
	require.NoError(t, os.Symlink(
		filepath.Join(env.Dir, "shared/b.txt"),
		filepath.Join(env.Dir, "local/ctx/b.txt"),
	))
	stale := writeTestFile(t, env.Dir, ".hoist/context/local/stale.txt", "old")
	partial := writeTestFile(
		t, env.Dir, ".hoist/context/.local.0badc0de/partial.txt", "half",
	)

	require.NoError(t, c.StageModuleContext("{DOCKER.MODULE_CONTEXT}"))

	dest := filepath.Join(env.Dir, ".hoist/context")
	bs, err := os.ReadFile(filepath.Join(dest, "local/a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(bs))

	info, err := os.Lstat(filepath.Join(dest, "local/b.txt"))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular(), "link is dereferenced")

	bs, err = os.ReadFile(filepath.Join(dest, "shipped/build"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(bs))

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "previous copy replaced")
	_, err = os.Stat(filepath.Dir(partial))
	assert.True(t, os.IsNotExist(err), "interrupted copy removed")

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"local", "shipped"}, names)
}

func TestComposerStageMissingContext(t *testing.T) {
	c, _ := testComposer(t)
	err := c.StageModuleContext("{DOCKER.MODULE_CONTEXT}")
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestComposerSourceHash(t *testing.T) {
	c, env := testComposer(t)
	writeTestFile(t, env.Dir, "local/ctx/a.txt", "alpha")

	h1, err := c.SourceHash()
	require.NoError(t, err)
	h2, err := c.SourceHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	writeTestFile(t, env.Dir, "local/snippet.tmpl", "RUN true\n")
	h3, err := c.SourceHash()
	require.NoError(t, err)
	assert.NotEqual(t, h2, h3, "snippet edited")

	writeTestFile(t, env.Dir, "local/ctx/a.txt", "alpha2")
	h4, err := c.SourceHash()
	require.NoError(t, err)
	assert.NotEqual(t, h3, h4, "context edited")

	writeTestFile(t, env.Dir, "local/ctx/sub/b.txt", "beta")
	h5, err := c.SourceHash()
	require.NoError(t, err)
	assert.NotEqual(t, h4, h5, "context file added")

	require.NoError(t, os.RemoveAll(filepath.Join(env.Dir, "local/ctx")))
	h6, err := c.SourceHash()
	require.NoError(t, err)
	assert.NotEqual(t, h5, h6, "context removed")
}

func TestBuiltinTemplates(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	config := NewConfig()
	modules := append([]*Module{hoistModule(env.Dir)}, BuiltinModules()...)
	require.NoError(t, registerModuleConfig(config, modules))
	config.Freeze()

	writeTestFile(t, env.Dir, "Dockerfile.tmpl",
		`{{range .Modules}}{{include .Template $}}{{end}}`,
	)
	c := NewComposer(env.Dir, config, modules)
	got, err := c.Compose("Dockerfile.tmpl")
	require.NoError(t, err)
	for _, want := range []string{"# npm", "# python", "# bower"} {
		assert.Contains(t, got, want)
	}

	require.NoError(t, c.StageModuleContext("{DOCKER.MODULE_CONTEXT}"))
	_, err = os.Stat(filepath.Join(env.Dir, ".hoist/context/npm/build"))
	assert.NoError(t, err)
}
