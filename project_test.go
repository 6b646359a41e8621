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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestProject(t *testing.T, files map[string]string) (
	*Project, *fakeEngine,
) {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		writeTestFile(t, dir, name, content)
	}
	engine := newFakeEngine()
	p, err := Open(dir, BuiltinModules(), &Options{
		Engine:    engine,
		LookupEnv: noEnv,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, engine
}

var testProjectFiles = map[string]string{
	"hoist.yaml": `
config:
  HOIST:
    PROJECT_NAME: demo
  DOCKER:
    IMAGE_TAG: v1
    COMPOSE_FLAGS: [--no-deps]
`,
	".env":            "DOCKER_BASE_IMAGE_TAG=base1\n",
	"Dockerfile.base": "FROM python:3\n",
	"Dockerfile.tmpl": "FROM {{config \"DOCKER.BASE_IMAGE\"}}\n" +
		"{{range .Modules}}{{include .Template $}}{{end}}",
	"package.json": `{"dependencies": {"lib": "file:../lib", "x": "1.0"}}`,
	"Pipfile":      "[packages]\n",
}

func TestOpenProject(t *testing.T) {
	p, _ := openTestProject(t, testProjectFiles)

	c := p.Config()
	for k, want := range map[string]string{
		"DOCKER.IMAGE":      "demo:v1",
		"DOCKER.BASE_IMAGE": "demo:base1",
		"DOCKER.APP_DIR":    "/srv/demo",
		"HOIST.PROJECT_DIR": p.Env().Dir,
	} {
		got, err := c.Get(k)
		require.NoError(t, err, k)
		assert.Equal(t, want, got, k)
	}

	var names []string
	for _, task := range p.Tasks() {
		names = append(names, task.Name)
	}
	for _, want := range []string{
		"build_dockerfile", "build_image", "build_npm", "build_pipenv",
		"build_bower", "pytest", "compose", "clean_docker",
	} {
		assert.Contains(t, names, want)
	}
	assert.Equal(
		t, []string{"build_npm", "build_pipenv"},
		p.Scheduler().Children("compose_runtime"),
	)
}

func TestOpenProjectErrors(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "hoist.yaml", "config:\n  HOIST:\n    HASH_STORE: redis\n")
	_, err := Open(dir, nil, &Options{
		Engine:    newFakeEngine(),
		LookupEnv: noEnv,
	})
	assert.True(t, IsConfigError(err))

	_, err = Open(t.TempDir(), []*Module{{Name: "hoist"}}, &Options{
		Engine:    newFakeEngine(),
		LookupEnv: noEnv,
	})
	assert.True(t, IsConfigError(err))

	_, err = Open(t.TempDir(), []*Module{{
		Name:  "broken",
		Tasks: []*Task{{Name: "a", Depends: []string{"missing"}}},
	}}, &Options{Engine: newFakeEngine(), LookupEnv: noEnv})
	assert.True(t, IsConfigError(err))
}

func TestProjectBuildImage(t *testing.T) {
	p, engine := openTestProject(t, testProjectFiles)
	ctx := context.Background()

	report, err := p.Run(ctx, "build_image", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"build_dockerfile", "build_base_image", "build_image",
	}, report.Executed())
	assert.True(t, engine.hasImage("demo:base1"))
	assert.True(t, engine.hasImage("demo:v1"))

	bs, err := os.ReadFile(filepath.Join(p.Env().Dir, ".hoist/Dockerfile"))
	require.NoError(t, err)
	dockerfile := string(bs)
	assert.Contains(t, dockerfile, "FROM demo:base1\n")
	assert.Contains(t, dockerfile, "# npm")
	assert.Contains(t, dockerfile, "COPY package.json /srv/demo/")

	_, err = os.Stat(filepath.Join(p.Env().Dir, ".hoist/context/npm/build"))
	assert.NoError(t, err)

	report, err = p.Run(ctx, "build_image", nil)
	require.NoError(t, err)
	assert.Empty(t, report.Executed())
	assert.Len(t, report.UpToDate(), 3)

	report, err = p.Run(ctx, "build_image", &RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"build_image"}, report.Executed())
	last := engine.builds[len(engine.builds)-1]
	assert.True(t, last.NoCache)

	require.NoError(t, p.Clean(ctx, "build_image"))
	assert.False(t, engine.hasImage("demo:v1"))
	assert.False(t, engine.hasImage("demo:base1"))
}

func TestProjectRebuildOnModuleSourceChange(t *testing.T) {
	dir := t.TempDir()
	for name, content := range testProjectFiles {
		writeTestFile(t, dir, name, content)
	}
	writeTestFile(t, dir, "local/snippet.tmpl", "RUN echo one\n")
	writeTestFile(t, dir, "local/ctx/run.sh", "echo one\n")
	local := &Module{
		Name:               "local",
		DockerfileTemplate: "local/snippet.tmpl",
		DockerContext:      "local/ctx",
	}
	p, err := Open(dir, append(BuiltinModules(), local), &Options{
		Engine:    newFakeEngine(),
		LookupEnv: noEnv,
	})
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	_, err = p.Run(ctx, "build_image", nil)
	require.NoError(t, err)
	report, err := p.Run(ctx, "build_image", nil)
	require.NoError(t, err)
	assert.Empty(t, report.Executed())

	writeTestFile(t, dir, "local/snippet.tmpl", "RUN echo two\n")
	report, err = p.Run(ctx, "build_image", nil)
	require.NoError(t, err)
	assert.ElementsMatch(
		t, []string{"build_dockerfile", "build_image"}, report.Executed(),
	)
	bs, err := os.ReadFile(filepath.Join(dir, ".hoist/Dockerfile"))
	require.NoError(t, err)
	assert.Contains(t, string(bs), "RUN echo two\n")

	writeTestFile(t, dir, "local/ctx/run.sh", "echo two\n")
	report, err = p.Run(ctx, "build_image", nil)
	require.NoError(t, err)
	assert.ElementsMatch(
		t, []string{"build_dockerfile", "build_image"}, report.Executed(),
	)
	bs, err = os.ReadFile(filepath.Join(dir, ".hoist/context/local/run.sh"))
	require.NoError(t, err)
	assert.Equal(t, "echo two\n", string(bs))

	report, err = p.Run(ctx, "build_image", nil)
	require.NoError(t, err)
	assert.Empty(t, report.Executed())
}

func TestProjectCompose(t *testing.T) {
	p, engine := openTestProject(t, testProjectFiles)
	ctx := context.Background()

	_, err := p.Run(ctx, "compose", &RunOptions{
		Args:   []string{"ls", "-l"},
		Kwargs: map[string]string{"app": "worker"},
	})
	require.NoError(t, err)

	require.NotEmpty(t, engine.compose)
	assert.Equal(
		t, []string{"run", "--rm", "--no-deps", "worker", "ls", "-l"},
		engine.compose[len(engine.compose)-1],
	)

	var npm *RunConfig
	for _, run := range engine.runs {
		if len(run.Cmd) > 0 && run.Cmd[0] == "sh" {
			npm = run
		}
	}
	require.NotNil(t, npm)
	assert.Equal(t, "demo:base1", npm.Image)
	assert.Equal(t, []string{
		"demo.node_modules:/srv/demo/node_modules",
		filepath.Join(p.Env().Dir, "../lib") + ":/srv/lib",
	}, npm.Volumes)
	assert.True(t, engine.volumes["demo.venv"])

	report, err := p.Run(ctx, "compose_runtime", nil)
	require.NoError(t, err)
	assert.Equal(
		t, StatusUpToDate, report.Result("compose_runtime").Status,
	)
}

func TestProjectBuildWithoutPull(t *testing.T) {
	p, engine := openTestProject(t, testProjectFiles)
	_, err := p.Run(context.Background(), "build_base_image", &RunOptions{
		Kwargs: map[string]string{"pull": "false"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"build demo:base1"}, engine.opList())
}

func TestProjectCleanNpm(t *testing.T) {
	p, engine := openTestProject(t, testProjectFiles)
	ctx := context.Background()

	_, err := p.Run(ctx, "build_npm", nil)
	require.NoError(t, err)
	assert.True(t, engine.volumes["demo.node_modules"])

	require.NoError(t, p.Clean(ctx, "build_npm"))
	assert.False(t, engine.volumes["demo.node_modules"])
	assert.Contains(t, engine.opList(), "rmv demo.node_modules")
}
