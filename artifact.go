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
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	shellquote "github.com/kballard/go-shellquote"
	"shanhu.io/misc/errcode"
	"shanhu.io/misc/jsonutil"
	"shanhu.io/virgo/dock"
)

// ImageBuild describes an image to build.
type ImageBuild struct {
	Repository string
	Tag        string

	BuildFile string // Path of the build-file. May reference config.
	Context   string // Build context directory, defaults to project dir.

	// Bypass the layer cache of the engine.
	Force bool

	// Pull the image first, so that its layers can be used as cache.
	Pull bool

	// Build args. Values may reference config.
	Args map[string]string
}

// Builder describes a run of a builder container.
type Builder struct {
	Image string

	// Outputs are mounted as volumes named "{HOIST.PROJECT_NAME}.<output>"
	// at "{DOCKER.APP_DIR}/<output>".
	Outputs []string

	// Command line of the builder. Defaults to "build".
	Command string

	// Extra environment variables and volumes. May reference config.
	Env     map[string]string
	Volumes []string

	Name   string // Optional container name.
	Remove bool   // Remove the container after it exits.
}

// ArtifactBuilder materializes images and volumes with the container
// engine.
type ArtifactBuilder struct {
	env *Env
}

// NewArtifactBuilder creates an artifact builder.
func NewArtifactBuilder(env *Env) *ArtifactBuilder {
	return &ArtifactBuilder{env: env}
}

func (b *ArtifactBuilder) engine() Engine { return b.env.Engine }

func (b *ArtifactBuilder) resolveMap(m map[string]string) (
	map[string]string, error,
) {
	ret := make(map[string]string)
	for k, v := range m {
		s, err := b.env.Config.Resolve(v)
		if err != nil {
			return nil, errcode.Annotatef(err, "resolve %q", k)
		}
		ret[k] = s
	}
	return ret, nil
}

func imageSumFile(image string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "@", "_")
	return r.Replace(image) + ".json"
}

func (b *ArtifactBuilder) saveImageSum(image string, sum *ImageSum) error {
	dir, err := b.env.ResolvePath("{HOIST.STATE_DIR}/images")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return jsonutil.WriteFile(filepath.Join(dir, imageSumFile(image)), sum)
}

// ImageSum reads the sum recorded when the image was last built.
func (b *ArtifactBuilder) ImageSum(image string) (*ImageSum, error) {
	dir, err := b.env.ResolvePath("{HOIST.STATE_DIR}/images")
	if err != nil {
		return nil, err
	}
	sum := new(ImageSum)
	f := filepath.Join(dir, imageSumFile(image))
	if err := jsonutil.ReadFile(f, sum); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errcode.NotFoundf("no sum for image %q", image)
		}
		return nil, err
	}
	return sum, nil
}

// BuildIfNeeded builds the image. When asked to pull first, a failed pull
// is logged and ignored, as the build can still succeed without it.
func (b *ArtifactBuilder) BuildIfNeeded(
	ctx context.Context, build *ImageBuild,
) (*ImageSum, error) {
	image := repoTag(build.Repository, build.Tag)
	if build.Pull {
		if err := b.PullImage(ctx, image); err != nil {
			if IsConfigError(err) {
				return nil, err
			}
			log.Printf("pull %s failed, ignored: %s", image, err)
		}
	}

	f, err := b.env.ResolvePath(build.BuildFile)
	if err != nil {
		return nil, errcode.Annotate(err, "build-file path")
	}
	bs, err := os.ReadFile(f)
	if err != nil {
		return nil, errcode.Annotate(err, "read build-file")
	}
	args, err := b.resolveMap(build.Args)
	if err != nil {
		return nil, errcode.Annotate(err, "build args")
	}
	buildContext := b.env.Dir
	if build.Context != "" {
		p, err := b.env.ResolvePath(build.Context)
		if err != nil {
			return nil, errcode.Annotate(err, "build context")
		}
		buildContext = p
	}

	log.Printf("build image %s", image)
	sum, err := b.engine().Build(ctx, &BuildConfig{
		Tag:       image,
		BuildFile: string(bs),
		Context:   buildContext,
		Args:      args,
		NoCache:   build.Force,
	})
	if err != nil {
		return nil, errcode.Annotatef(err, "build image %q", image)
	}
	if err := b.saveImageSum(image, sum); err != nil {
		return nil, errcode.Annotate(err, "save image sum")
	}
	return sum, nil
}

func (b *ArtifactBuilder) runConfig(builder *Builder) (*RunConfig, error) {
	c := b.env.Config

	var volumes []string
	for _, out := range builder.Outputs {
		v, err := c.Format(
			"{HOIST.PROJECT_NAME}.{output}:{DOCKER.APP_DIR}/{output}",
			map[string]string{"output": out},
		)
		if err != nil {
			return nil, errcode.Annotatef(err, "volume of output %q", out)
		}
		volumes = append(volumes, v)
	}
	extra, err := c.ResolveArgs(builder.Volumes)
	if err != nil {
		return nil, errcode.Annotate(err, "volumes")
	}
	volumes = append(volumes, extra...)

	env, err := b.resolveMap(builder.Env)
	if err != nil {
		return nil, errcode.Annotate(err, "env")
	}
	for k, key := range map[string]string{
		"APP_DIR": "DOCKER.APP_DIR",
		"DEV_UID": "DOCKER.DEV_UID",
		"DEV_GID": "DOCKER.DEV_GID",
	} {
		v, err := c.Get(key)
		if err != nil {
			return nil, err
		}
		env[k] = v
	}

	command := builder.Command
	if command == "" {
		command = "build"
	}
	command, err = c.Resolve(command)
	if err != nil {
		return nil, errcode.Annotate(err, "command")
	}
	cmd, err := shellquote.Split(command)
	if err != nil {
		return nil, errcode.InvalidArgf("command %q: %s", command, err)
	}

	return &RunConfig{
		Image:   builder.Image,
		Name:    builder.Name,
		Cmd:     cmd,
		Env:     env,
		Volumes: volumes,
		Remove:  builder.Remove,
	}, nil
}

// RunBuilder runs a builder container. Files written by the builder are
// owned by the operator, whose ids are passed as DEV_UID and DEV_GID.
func (b *ArtifactBuilder) RunBuilder(ctx context.Context, builder *Builder) error {
	config, err := b.runConfig(builder)
	if err != nil {
		return err
	}
	log.Printf("run builder %s", builder.Image)
	return b.engine().Run(ctx, config)
}

func containerName() string { return "hoist-" + uuid.New().String() }

func (b *ArtifactBuilder) removeContainer(ctx context.Context, name string) {
	if err := b.engine().RemoveContainer(ctx, name); err != nil {
		log.Printf("remove container %s: %s", name, err)
	}
}

// BuildLibraryImage builds a library image by running the builder image
// in a container and committing the container. A blank container of the
// builder is committed under tag first, so the builder image itself is
// never changed and can be shared across libraries.
func (b *ArtifactBuilder) BuildLibraryImage(
	ctx context.Context, tag, builderImage string,
	env map[string]string, volumes []string,
) error {
	blank := containerName()
	if err := b.engine().Create(ctx, builderImage, blank); err != nil {
		return errcode.Annotate(err, "create blank container")
	}
	err := b.engine().Commit(ctx, blank, tag)
	b.removeContainer(ctx, blank)
	if err != nil {
		return errcode.Annotate(err, "commit blank container")
	}

	cont := containerName()
	if err := b.RunBuilder(ctx, &Builder{
		Image:   tag,
		Env:     env,
		Volumes: volumes,
		Name:    cont,
	}); err != nil {
		b.removeContainer(ctx, cont)
		return errcode.Annotate(err, "run builder")
	}
	err = b.engine().Commit(ctx, cont, tag)
	b.removeContainer(ctx, cont)
	if err != nil {
		return errcode.Annotate(err, "commit library")
	}
	return nil
}

// BuildLibraryVolumes runs the builder with its outputs mounted as named
// volumes, which can then be mounted by other builders or containers.
func (b *ArtifactBuilder) BuildLibraryVolumes(
	ctx context.Context, image string, outputs []string,
	env map[string]string, volumes []string,
) error {
	return b.RunBuilder(ctx, &Builder{
		Image:   image,
		Outputs: outputs,
		Env:     env,
		Volumes: volumes,
		Remove:  true,
	})
}

// BuildVolumeFromImage fills a named volume with the content of p in the
// image. The volume is named after the image when volume is empty.
func (b *ArtifactBuilder) BuildVolumeFromImage(
	ctx context.Context, image, p, volume string,
) error {
	if volume == "" {
		volume = image
	}
	return b.engine().Run(ctx, &RunConfig{
		Image:   image,
		Cmd:     []string{"true"},
		Volumes: []string{volume + ":" + p},
		Remove:  true,
	})
}

// loginFor logs in to the registry that serves the image, if there is a
// descriptor for it.
func (b *ArtifactBuilder) loginFor(ctx context.Context, image string) (
	bool, error,
) {
	regs := b.env.Registries
	if regs == nil {
		return false, nil
	}
	name, ok, err := regs.ForImage(image)
	if err != nil || !ok {
		return false, err
	}
	if err := regs.Login(ctx, name); err != nil {
		return true, errcode.Annotatef(err, "login to %q", name)
	}
	return true, nil
}

// PushImage pushes an image to its registry. The registry must have a
// descriptor.
func (b *ArtifactBuilder) PushImage(ctx context.Context, repo, tag string) error {
	image := repoTag(repo, tag)
	found, err := b.loginFor(ctx, image)
	if err != nil {
		return err
	}
	if !found {
		return errcode.InvalidArgf("no registry configured for %q", image)
	}
	log.Printf("push image %s", image)
	return b.engine().Push(ctx, repo, tag)
}

// PullImage pulls an image, logging in first when its registry has a
// descriptor.
func (b *ArtifactBuilder) PullImage(ctx context.Context, image string) error {
	if _, err := b.loginFor(ctx, image); err != nil {
		return err
	}
	repo, tag := dock.ParseImageTag(image)
	if tag == "" {
		tag = "latest"
	}
	log.Printf("pull image %s", image)
	return b.engine().Pull(ctx, repo, tag)
}

// RemoveImage removes an image. A missing image is nothing to do.
func (b *ArtifactBuilder) RemoveImage(ctx context.Context, image string) error {
	name, err := b.env.Config.Resolve(image)
	if err != nil {
		return err
	}
	if err := b.engine().RemoveImage(ctx, name); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return errcode.Annotatef(err, "remove image %q", name)
	}
	log.Printf("removed image %s", name)
	return nil
}

// RemoveVolume removes a named volume. A missing volume is nothing to do.
func (b *ArtifactBuilder) RemoveVolume(ctx context.Context, volume string) error {
	name, err := b.env.Config.Resolve(volume)
	if err != nil {
		return err
	}
	if err := b.engine().RemoveVolume(ctx, name); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return errcode.Annotatef(err, "remove volume %q", name)
	}
	log.Printf("removed volume %s", name)
	return nil
}
