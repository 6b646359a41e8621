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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/stretchr/testify/require"
	"shanhu.io/misc/errcode"
)

// fakeEngine is an in-memory container engine that records the
// operations it is asked to perform.
type fakeEngine struct {
	mu sync.Mutex

	images     map[string]bool
	volumes    map[string]bool
	containers map[string]string // Container name to image.

	ops     []string
	builds  []*BuildConfig
	runs    []*RunConfig
	logins  map[string]*authn.AuthConfig
	compose [][]string

	pullErr  error
	buildErr error
	runErr   error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		images:     make(map[string]bool),
		volumes:    make(map[string]bool),
		containers: make(map[string]string),
		logins:     make(map[string]*authn.AuthConfig),
	}
}

func (e *fakeEngine) op(format string, args ...interface{}) {
	e.ops = append(e.ops, fmt.Sprintf(format, args...))
}

func (e *fakeEngine) opList() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ops...)
}

func (e *fakeEngine) hasImage(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images[name]
}

func (e *fakeEngine) Build(ctx context.Context, config *BuildConfig) (
	*ImageSum, error,
) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op("build %s", config.Tag)
	e.builds = append(e.builds, config)
	if e.buildErr != nil {
		return nil, e.buildErr
	}
	e.images[config.Tag] = true
	return &ImageSum{ID: "sha256:" + config.Tag}, nil
}

func (e *fakeEngine) Tag(ctx context.Context, image, repo, tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op("tag %s %s", image, repoTag(repo, tag))
	if !e.images[image] {
		return errcode.NotFoundf("image %q not found", image)
	}
	e.images[repoTag(repo, tag)] = true
	return nil
}

func (e *fakeEngine) Run(ctx context.Context, config *RunConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op("run %s", config.Image)
	e.runs = append(e.runs, config)
	if e.runErr != nil {
		return e.runErr
	}
	for _, v := range config.Volumes {
		src, _, _ := strings.Cut(v, ":")
		if !strings.HasPrefix(src, "/") {
			e.volumes[src] = true
		}
	}
	if config.Name != "" && !config.Remove {
		e.containers[config.Name] = config.Image
	}
	return nil
}

func (e *fakeEngine) Create(ctx context.Context, image, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op("create %s", image)
	e.containers[name] = image
	return nil
}

func (e *fakeEngine) Commit(ctx context.Context, cont, tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	image, ok := e.containers[cont]
	if !ok {
		return errcode.NotFoundf("container %q not found", cont)
	}
	e.op("commit %s %s", image, tag)
	e.images[tag] = true
	return nil
}

func (e *fakeEngine) RemoveContainer(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	image := e.containers[name]
	e.op("rm %s", image)
	delete(e.containers, name)
	return nil
}

func (e *fakeEngine) Pull(ctx context.Context, repo, tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op("pull %s", repoTag(repo, tag))
	if e.pullErr != nil {
		return e.pullErr
	}
	e.images[repoTag(repo, tag)] = true
	return nil
}

func (e *fakeEngine) Push(ctx context.Context, repo, tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op("push %s", repoTag(repo, tag))
	return nil
}

func (e *fakeEngine) Login(
	ctx context.Context, registry string, auth *authn.AuthConfig,
) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op("login %s", registry)
	e.logins[registry] = auth
	return nil
}

func (e *fakeEngine) Compose(ctx context.Context, args ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op("compose %s", strings.Join(args, " "))
	e.compose = append(e.compose, args)
	return nil
}

func (e *fakeEngine) ImageExists(ctx context.Context, name string) (
	bool, error,
) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images[name], nil
}

func (e *fakeEngine) VolumeExists(ctx context.Context, name string) (
	bool, error,
) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volumes[name], nil
}

func (e *fakeEngine) RemoveImage(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.images[name] {
		return errcode.NotFoundf("image %q not found", name)
	}
	e.op("rmi %s", name)
	delete(e.images, name)
	return nil
}

func (e *fakeEngine) RemoveVolume(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.volumes[name] {
		return errcode.NotFoundf("volume %q not found", name)
	}
	e.op("rmv %s", name)
	delete(e.volumes, name)
	return nil
}

func noEnv(string) (string, bool) { return "", false }

// newTestEnv creates an env in a temp dir with the core and docker
// modules registered. Extra defaults are set before the config freezes.
func newTestEnv(t *testing.T, defaults map[string]string) (*Env, *fakeEngine) {
	t.Helper()
	dir := t.TempDir()
	config := NewConfig()
	modules := []*Module{hoistModule(dir), DockerModule()}
	require.NoError(t, registerModuleConfig(config, modules))
	for k, v := range defaults {
		config.SetDefault(k, v)
	}
	config.Freeze()

	engine := newFakeEngine()
	env := &Env{
		Dir:        dir,
		Config:     config,
		Engine:     engine,
		Hashes:     NewMemHashStore(),
		Registries: NewRegistries(config, nil, engine),
		Modules:    modules,
	}
	return env, engine
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}
