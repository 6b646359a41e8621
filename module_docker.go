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
	"strconv"
	"strings"

	"shanhu.io/misc/errcode"
)

func devID(id int) DerivedFunc {
	return func(*Config) (string, error) { return strconv.Itoa(id), nil }
}

// buildArgs parses DOCKER.BUILD_ARGS, a list of "KEY=VALUE" entries.
func buildArgs(c *Config) (map[string]string, error) {
	list, err := c.List("DOCKER.BUILD_ARGS")
	if err != nil {
		return nil, err
	}
	args := make(map[string]string)
	for _, entry := range list {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || k == "" {
			return nil, errcode.InvalidArgf("invalid build arg %q", entry)
		}
		args[k] = v
	}
	return args, nil
}

// composeRun runs a command in a one-off container of the app service.
// The service defaults to DOCKER.DEFAULT_APP.
func composeRun(ctx context.Context, env *Env, app string, args []string) error {
	c := env.Config
	if app == "" {
		a, err := c.Get("DOCKER.DEFAULT_APP")
		if err != nil {
			return err
		}
		app = a
	}
	flags, err := c.List("DOCKER.COMPOSE_FLAGS")
	if err != nil {
		return err
	}
	cmd := []string{"run", "--rm"}
	cmd = append(cmd, flags...)
	cmd = append(cmd, app)
	cmd = append(cmd, args...)
	return env.Engine.Compose(ctx, cmd...)
}

func pullFirst(call *Call) bool {
	return call.Kwarg("pull", "true") != "false"
}

func buildImageTask(
	repoKey, tagKey, buildFileKey string, args bool,
) func(ctx context.Context, env *Env, call *Call) error {
	return func(ctx context.Context, env *Env, call *Call) error {
		c := env.Config
		repo, err := c.Get(repoKey)
		if err != nil {
			return err
		}
		tag, err := c.Get(tagKey)
		if err != nil {
			return err
		}
		build := &ImageBuild{
			Repository: repo,
			Tag:        tag,
			BuildFile:  "{" + buildFileKey + "}",
			Force:      call.Force,
			Pull:       pullFirst(call),
		}
		if args {
			m, err := buildArgs(c)
			if err != nil {
				return err
			}
			build.Args = m
		}
		_, err = env.Artifacts().BuildIfNeeded(ctx, build)
		return err
	}
}

func removeImageTask(image string) func(ctx context.Context, env *Env) error {
	return func(ctx context.Context, env *Env) error {
		return env.Artifacts().RemoveImage(ctx, image)
	}
}

func pushTask(tagKey string) func(ctx context.Context, env *Env, call *Call) error {
	return func(ctx context.Context, env *Env, call *Call) error {
		repo, err := env.Config.Get("DOCKER.REPOSITORY")
		if err != nil {
			return err
		}
		tag, err := env.Config.Get(tagKey)
		if err != nil {
			return err
		}
		return env.Artifacts().PushImage(ctx, repo, tag)
	}
}

func composeTask(args ...string) func(ctx context.Context, env *Env, call *Call) error {
	return func(ctx context.Context, env *Env, call *Call) error {
		cmd := append(append([]string(nil), args...), call.Args...)
		return env.Engine.Compose(ctx, cmd...)
	}
}

// DockerModule is the module that builds the app image.
func DockerModule() *Module {
	return &Module{
		Name: "docker",
		Defaults: map[string]string{
			"APP_DIR":             "/srv/{HOIST.PROJECT_NAME}",
			"REPOSITORY":          "{HOIST.PROJECT_NAME}",
			"IMAGE_TAG":           "latest",
			"BASE_IMAGE_TAG":      "base",
			"IMAGE":               "{DOCKER.REPOSITORY}:{DOCKER.IMAGE_TAG}",
			"BASE_IMAGE":          "{DOCKER.REPOSITORY}:{DOCKER.BASE_IMAGE_TAG}",
			"DOCKERFILE_TEMPLATE": "Dockerfile.tmpl",
			"DOCKERFILE":          "{HOIST.STATE_DIR}/Dockerfile",
			"DOCKERFILE_BASE":     "Dockerfile.base",
			"MODULE_CONTEXT":      "{HOIST.STATE_DIR}/context",
			"DEFAULT_APP":         "app",
		},
		ListDefaults: map[string][]string{
			"BASE_IMAGE_FILES": nil,
			"BUILD_ARGS":       nil,
			"COMPOSE_FLAGS":    nil,
		},
		Derived: map[string]DerivedFunc{
			"DEV_UID": devID(os.Getuid()),
			"DEV_GID": devID(os.Getgid()),
		},
		Tasks: dockerTasks(),
	}
}

func dockerTasks() []*Task {
	return []*Task{{
		Name:             "build_dockerfile",
		Category:         "build",
		ShortDescription: "Build the app's build-file",
		Check: []Checker{
			FileHash("{DOCKER.DOCKERFILE_TEMPLATE}", "{DOCKER.DOCKERFILE}"),
			ModuleSourceHash(),
		},
		Outputs: []string{"{DOCKER.DOCKERFILE}", "{DOCKER.MODULE_CONTEXT}"},
		Execute: func(ctx context.Context, env *Env, call *Call) error {
			composer := env.Composer()
			if err := composer.StageModuleContext(
				"{DOCKER.MODULE_CONTEXT}",
			); err != nil {
				return errcode.Annotate(err, "stage module context")
			}
			return composer.WriteBuildFile(
				"{DOCKER.DOCKERFILE_TEMPLATE}", "{DOCKER.DOCKERFILE}",
			)
		},
		Clean: func(ctx context.Context, env *Env) error {
			f, err := env.ResolvePath("{DOCKER.DOCKERFILE}")
			if err != nil {
				return err
			}
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		},
	}, {
		Name:             "build_base_image",
		Category:         "build",
		ShortDescription: "Build the base image",
		Parent:           "build_image",
		Check: []Checker{
			FileHash("{DOCKER.DOCKERFILE_BASE}", "{DOCKER.BASE_IMAGE_FILES}"),
			ImageExists("{DOCKER.BASE_IMAGE}"),
		},
		Execute: buildImageTask(
			"DOCKER.REPOSITORY", "DOCKER.BASE_IMAGE_TAG",
			"DOCKER.DOCKERFILE_BASE", false,
		),
		Clean: removeImageTask("{DOCKER.BASE_IMAGE}"),
	}, {
		Name:             "build_image",
		Category:         "build",
		ShortDescription: "Build the app image",
		Depends:          []string{"build_dockerfile"},
		Check: []Checker{
			FileHash("{DOCKER.DOCKERFILE}", "{DOCKER.MODULE_CONTEXT}"),
			ImageExists("{DOCKER.IMAGE}"),
		},
		Execute: buildImageTask(
			"DOCKER.REPOSITORY", "DOCKER.IMAGE_TAG", "DOCKER.DOCKERFILE", true,
		),
		Clean: removeImageTask("{DOCKER.IMAGE}"),
	}, {
		Name:             "pull",
		Category:         "docker",
		ShortDescription: "Pull the app image",
		Execute: func(ctx context.Context, env *Env, call *Call) error {
			image, err := env.Config.Get("DOCKER.IMAGE")
			if err != nil {
				return err
			}
			return env.Artifacts().PullImage(ctx, image)
		},
	}, {
		Name:             "push",
		Category:         "docker",
		ShortDescription: "Push the app image",
		Execute:          pushTask("DOCKER.IMAGE_TAG"),
	}, {
		Name:             "push_base_image",
		Category:         "docker",
		ShortDescription: "Push the base image",
		Execute:          pushTask("DOCKER.BASE_IMAGE_TAG"),
	}, {
		Name:             "compose_runtime",
		Category:         "docker",
		ShortDescription: "Build the app image and volumes for compose",
		Depends:          []string{"build_image"},
	}, {
		Name:             "compose",
		Category:         "docker",
		ShortDescription: "Run a command in the app container",
		Depends:          []string{"compose_runtime"},
		Execute: func(ctx context.Context, env *Env, call *Call) error {
			return composeRun(ctx, env, call.Kwarg("app", ""), call.Args)
		},
	}, {
		Name:             "bash",
		Category:         "docker",
		ShortDescription: "Bash shell in the app container",
		Depends:          []string{"compose_runtime"},
		Execute: func(ctx context.Context, env *Env, call *Call) error {
			args := append([]string{"/bin/bash"}, call.Args...)
			return composeRun(ctx, env, call.Kwarg("app", ""), args)
		},
	}, {
		Name:             "up",
		Category:         "docker",
		ShortDescription: "Start the app containers",
		Depends:          []string{"compose_runtime"},
		Execute:          composeTask("up", "-d"),
	}, {
		Name:             "down",
		Category:         "docker",
		ShortDescription: "Stop the app containers",
		Execute:          composeTask("down"),
	}, {
		Name:             "clean_docker",
		Category:         "docker",
		ShortDescription: "Kill and remove all app containers",
		Execute: func(ctx context.Context, env *Env, call *Call) error {
			if err := env.Engine.Compose(ctx, "kill"); err != nil {
				return err
			}
			return env.Engine.Compose(ctx, "rm", "--force", "-v")
		},
	}}
}
