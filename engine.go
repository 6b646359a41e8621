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

	"github.com/google/go-containerregistry/pkg/authn"
)

// ImageSum captures the image's ID and registry digest.
type ImageSum struct {
	ID     string
	Digest string `json:",omitempty"`
}

// BuildConfig is the configuration of building an image.
type BuildConfig struct {
	Tag string // Repository and tag of the output image.

	// Content of the build-file.
	BuildFile string

	// Directory of the build context. Files in it are sent along with the
	// build-file.
	Context string

	Args    map[string]string
	NoCache bool
}

// RunConfig is the configuration of running a container.
type RunConfig struct {
	Image   string
	Name    string   // Optional container name.
	Cmd     []string // Defaults to the image's command when empty.
	WorkDir string
	Env     map[string]string

	// Volumes in the form of "source:target[:options]", where source is a
	// named volume or a host path.
	Volumes []string

	// Remove the container after it exits.
	Remove bool
}

// Engine is the container engine that materializes images and volumes.
// All operations block until the engine finishes.
type Engine interface {
	Build(ctx context.Context, config *BuildConfig) (*ImageSum, error)
	Tag(ctx context.Context, image, repo, tag string) error

	// Run runs a container until it exits. A non-zero exit is an error.
	Run(ctx context.Context, config *RunConfig) error

	// Create creates a container without starting it.
	Create(ctx context.Context, image, name string) error
	Commit(ctx context.Context, container, tag string) error
	RemoveContainer(ctx context.Context, name string) error

	Pull(ctx context.Context, repo, tag string) error
	Push(ctx context.Context, repo, tag string) error
	Login(ctx context.Context, registry string, auth *authn.AuthConfig) error

	// Compose runs a docker compose command in the project directory.
	Compose(ctx context.Context, args ...string) error

	ImageExists(ctx context.Context, name string) (bool, error)
	VolumeExists(ctx context.Context, name string) (bool, error)

	// RemoveImage and RemoveVolume return a not found error when the
	// resource does not exist.
	RemoveImage(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
}
