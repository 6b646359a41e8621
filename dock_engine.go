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
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"shanhu.io/misc/errcode"
	"shanhu.io/misc/idutil"
	"shanhu.io/misc/tarutil"
	"shanhu.io/virgo/dock"
)

const buildFileName = "Dockerfile"

// DockEngine is the engine backed by the local docker daemon. Images are
// built and tagged through the daemon API; the other operations use the
// docker command line, which shares the login state of the operator.
type DockEngine struct {
	client *dock.Client
	bin    string
	dir    string
}

// NewDockEngine creates an engine that talks to the local docker daemon.
// Commands run in dir.
func NewDockEngine(dir string) *DockEngine {
	return &DockEngine{
		client: dock.NewUnixClient(""),
		bin:    "docker",
		dir:    dir,
	}
}

func newImageSum(info *dock.ImageInfo, repo string) *ImageSum {
	sum := &ImageSum{ID: info.ID}
	digestPrefix := repo + "@"
	for _, d := range info.RepoDigests {
		if strings.HasPrefix(d, digestPrefix) {
			sum.Digest = strings.TrimPrefix(d, digestPrefix)
			break
		}
	}
	return sum
}

func addContextFiles(ts *tarutil.Stream, dir string) error {
	files, err := listAllFiles(dir)
	if err != nil {
		return errcode.Annotate(err, "list context files")
	}
	sort.Strings(files)
	for _, f := range files {
		rel, err := filepath.Rel(dir, f)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name == buildFileName {
			continue // Replaced by the composed one.
		}
		stat, err := os.Stat(f)
		if err != nil {
			return errcode.Annotatef(err, "stat file %q", name)
		}
		mode := stat.Mode()
		ts.AddFile(name, tarutil.ModeMeta(int64(mode)&0777), f)
	}
	return nil
}

// Build builds an image with the daemon API.
func (e *DockEngine) Build(ctx context.Context, config *BuildConfig) (
	*ImageSum, error,
) {
	ts := dock.NewTarStream(config.BuildFile)
	if config.Context != "" {
		if err := addContextFiles(ts, config.Context); err != nil {
			return nil, err
		}
	}

	buildConfig := &dock.BuildConfig{
		Files:    ts,
		Args:     config.Args,
		UseCache: !config.NoCache,
	}
	if err := dock.BuildImageConfig(e.client, config.Tag, buildConfig); err != nil {
		return nil, errcode.Annotatef(err, "build %q", config.Tag)
	}

	info, err := dock.InspectImage(e.client, config.Tag)
	if err != nil {
		return nil, errcode.Annotate(err, "inspect built image")
	}
	repo, _ := dock.ParseImageTag(config.Tag)
	sum := newImageSum(info, repo)
	log.Printf("built %s (%s)", config.Tag, idutil.Short(sum.ID))
	return sum, nil
}

// Tag tags an image with the daemon API.
func (e *DockEngine) Tag(ctx context.Context, image, repo, tag string) error {
	if tag == "" {
		tag = "latest"
	}
	return dock.TagImage(e.client, image, repo, tag)
}

func (e *DockEngine) docker(ctx context.Context, args ...string) error {
	if err := runCmd(ctx, e.dir, e.bin, args...); err != nil {
		return errcode.Annotatef(err, "%s", cmdString(e.bin, args))
	}
	return nil
}

func runArgs(config *RunConfig) []string {
	args := []string{"run"}
	if config.Remove {
		args = append(args, "--rm")
	}
	if config.Name != "" {
		args = append(args, "--name", config.Name)
	}
	if config.WorkDir != "" {
		args = append(args, "--workdir", config.WorkDir)
	}

	var keys []string
	for k := range config.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", fmt.Sprintf("%s=%s", k, config.Env[k]))
	}
	for _, v := range config.Volumes {
		args = append(args, "--volume", v)
	}
	args = append(args, config.Image)
	return append(args, config.Cmd...)
}

// Run runs a container with the command line.
func (e *DockEngine) Run(ctx context.Context, config *RunConfig) error {
	return e.docker(ctx, runArgs(config)...)
}

// Create creates a container with the command line.
func (e *DockEngine) Create(ctx context.Context, image, name string) error {
	return e.docker(ctx, "create", "--name", name, image)
}

// Commit commits a container as an image with the command line.
func (e *DockEngine) Commit(ctx context.Context, cont, tag string) error {
	return e.docker(ctx, "commit", cont, tag)
}

// RemoveContainer force removes a container with the command line.
func (e *DockEngine) RemoveContainer(ctx context.Context, name string) error {
	return e.docker(ctx, "rm", "--force", name)
}

func repoTag(repo, tag string) string {
	if tag == "" {
		return repo
	}
	return repo + ":" + tag
}

// Pull pulls an image with the command line.
func (e *DockEngine) Pull(ctx context.Context, repo, tag string) error {
	return e.docker(ctx, "pull", repoTag(repo, tag))
}

// Push pushes an image with the command line.
func (e *DockEngine) Push(ctx context.Context, repo, tag string) error {
	return e.docker(ctx, "push", repoTag(repo, tag))
}

// Login logs in to a registry with the command line. The password is
// passed through stdin.
func (e *DockEngine) Login(
	ctx context.Context, registry string, auth *authn.AuthConfig,
) error {
	args := []string{
		"login", "--username", auth.Username, "--password-stdin", registry,
	}
	in := strings.NewReader(auth.Password)
	if err := runCmdInput(ctx, e.dir, in, e.bin, args...); err != nil {
		return errcode.Annotatef(err, "login to %q", registry)
	}
	return nil
}

// Compose runs a docker compose command.
func (e *DockEngine) Compose(ctx context.Context, args ...string) error {
	return e.docker(ctx, append([]string{"compose"}, args...)...)
}

// ImageExists checks if an image exists locally.
func (e *DockEngine) ImageExists(ctx context.Context, name string) (
	bool, error,
) {
	return callCmd(ctx, e.dir, e.bin, "image", "inspect", name)
}

// VolumeExists checks if a named volume exists.
func (e *DockEngine) VolumeExists(ctx context.Context, name string) (
	bool, error,
) {
	return callCmd(ctx, e.dir, e.bin, "volume", "inspect", name)
}

// RemoveImage removes an image.
func (e *DockEngine) RemoveImage(ctx context.Context, name string) error {
	ok, err := e.ImageExists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return errcode.NotFoundf("image %q not found", name)
	}
	return e.docker(ctx, "image", "rm", name)
}

// RemoveVolume removes a named volume.
func (e *DockEngine) RemoveVolume(ctx context.Context, name string) error {
	ok, err := e.VolumeExists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return errcode.NotFoundf("volume %q not found", name)
	}
	return e.docker(ctx, "volume", "rm", name)
}
