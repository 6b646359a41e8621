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

func TestHashFiles(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "a.txt", "alpha")
	writeTestFile(t, dir, "b.txt", "beta")

	h1, err := hashFiles(dir, []string{"a.txt", "b.txt"})
	require.NoError(t, err)
	assert.Regexp(t, "^blake3:[0-9a-f]{64}$", h1)

	h2, err := hashFiles(dir, []string{"b.txt", "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "order of names")

	h3, err := hashFiles(dir, []string{"a.txt", "b.txt", "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, h1, h3, "duplicated names")

	writeTestFile(t, dir, "b.txt", "beta2")
	h4, err := hashFiles(dir, []string{"a.txt", "b.txt"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4, "content changed")
}

func TestHashFilesMissing(t *testing.T) {
	dir := t.TempDir()
	missing, err := hashFiles(dir, []string{"nope.txt"})
	require.NoError(t, err)

	empty := writeTestFile(t, dir, "nope.txt", "")
	created, err := hashFiles(dir, []string{"nope.txt"})
	require.NoError(t, err)
	assert.NotEqual(t, missing, created)

	require.NoError(t, os.Remove(empty))
	again, err := hashFiles(dir, []string{"nope.txt"})
	require.NoError(t, err)
	assert.Equal(t, missing, again)
}

func TestHashFilesDirectory(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "src/a.txt", "alpha")
	writeTestFile(t, dir, "src/sub/b.txt", "beta")

	h1, err := hashFiles(dir, []string{"src"})
	require.NoError(t, err)

	writeTestFile(t, dir, "src/sub/c.txt", "gamma")
	h2, err := hashFiles(dir, []string{"src"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2, "file added")

	require.NoError(t, os.Remove(filepath.Join(dir, "src/sub/c.txt")))
	h3, err := hashFiles(dir, []string{"src"})
	require.NoError(t, err)
	assert.Equal(t, h1, h3)

	// Dangling links are ignored.
	require.NoError(t, os.Symlink(
		filepath.Join(dir, "gone"), filepath.Join(dir, "src/link"),
	))
	h4, err := hashFiles(dir, []string{"src"})
	require.NoError(t, err)
	assert.Equal(t, h1, h4)
}

func TestFileHashChecker(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	writeTestFile(t, env.Dir, "Dockerfile", "FROM scratch")
	ctx := context.Background()

	c := FileHash("Dockerfile")
	ok, err := c.Check(ctx, env, "build")
	require.NoError(t, err)
	assert.False(t, ok, "never recorded")

	rec, isRecorder := c.(Recorder)
	require.True(t, isRecorder)
	require.NoError(t, rec.Record(ctx, env, "build"))

	ok, err = c.Check(ctx, env, "build")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Check(ctx, env, "other")
	require.NoError(t, err)
	assert.False(t, ok, "recorded per task")

	writeTestFile(t, env.Dir, "Dockerfile", "FROM alpine")
	ok, err = c.Check(ctx, env, "build")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileHashCheckerListExpansion(t *testing.T) {
	env, _ := newTestEnv(t, map[string]string{
		"DOCKER.FIRST": "one.txt",
	})
	writeTestFile(t, env.Dir, "one.txt", "1")
	writeTestFile(t, env.Dir, "two.txt", "2")
	ctx := context.Background()

	// DOCKER.BASE_IMAGE_FILES is an empty list by default; the checker
	// still hashes the other paths.
	c := FileHash("{DOCKER.FIRST}", "two.txt", "{DOCKER.BASE_IMAGE_FILES}")
	require.NoError(t, c.(Recorder).Record(ctx, env, "t"))
	ok, err := c.Check(ctx, env, "t")
	require.NoError(t, err)
	assert.True(t, ok)

	writeTestFile(t, env.Dir, "one.txt", "changed")
	ok, err = c.Check(ctx, env, "t")
	require.NoError(t, err)
	assert.False(t, ok)

	bad := FileHash("{DOCKER.NOPE}")
	err = bad.(Recorder).Record(ctx, env, "t")
	assert.True(t, IsConfigError(err))
}

func TestResourceExists(t *testing.T) {
	env, engine := newTestEnv(t, map[string]string{
		"DOCKER.VOLUME": "{HOIST.PROJECT_NAME}.data",
	})
	ctx := context.Background()

	img := ImageExists("img:{DOCKER.IMAGE_TAG}")
	ok, err := img.Check(ctx, env, "t")
	require.NoError(t, err)
	assert.False(t, ok)

	engine.images["img:latest"] = true
	ok, err = img.Check(ctx, env, "t")
	require.NoError(t, err)
	assert.True(t, ok)

	vol := VolumeExists("{DOCKER.VOLUME}")
	name, err := env.Config.Get("DOCKER.VOLUME")
	require.NoError(t, err)
	ok, err = vol.Check(ctx, env, "t")
	require.NoError(t, err)
	assert.False(t, ok)

	engine.volumes[name] = true
	ok, err = vol.Check(ctx, env, "t")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = ImageExists("{DOCKER.NOPE}").Check(ctx, env, "t")
	assert.True(t, IsConfigError(err))
}

// Task A builds an image when it is missing. Task B depends on A and
// tracks the build-file.
func TestRunFileAndImageCheckers(t *testing.T) {
	env, engine := newTestEnv(t, nil)
	writeTestFile(t, env.Dir, "Dockerfile", "FROM scratch")
	l := new(execLog)

	s, err := NewScheduler(env, []*Task{{
		Name:  "a",
		Check: []Checker{ImageExists("img:v1")},
		Execute: func(ctx context.Context, env *Env, call *Call) error {
			l.add(call.Task)
			_, err := env.Engine.Build(ctx, &BuildConfig{Tag: "img:v1"})
			return err
		},
	}, {
		Name:    "b",
		Depends: []string{"a"},
		Check:   []Checker{FileHash("Dockerfile")},
		Execute: l.exec,
	}})
	require.NoError(t, err)
	ctx := context.Background()

	report, err := s.Run(ctx, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, report.Executed())
	assert.True(t, engine.hasImage("img:v1"))

	report, err = s.Run(ctx, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, report.UpToDate())

	// First run of b records the hash.
	report, err = s.Run(ctx, "b", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, report.Executed())

	report, err = s.Run(ctx, "b", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, report.UpToDate())

	writeTestFile(t, env.Dir, "Dockerfile", "FROM alpine")
	report, err = s.Run(ctx, "b", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, report.Executed())
	assert.Equal(t, []string{"a"}, report.UpToDate())

	// Existence is content blind.
	writeTestFile(t, env.Dir, "unrelated.txt", "x")
	ok, err := ImageExists("img:v1").Check(ctx, env, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"a", "b", "b"}, l.list())
}
