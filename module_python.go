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
)

// PythonModule is the module that installs python packages with pipenv
// into a virtual env volume.
func PythonModule() *Module {
	return &Module{
		Name:               "python",
		FS:                 builtinFS("python"),
		DockerfileTemplate: "Dockerfile.tmpl",
		Defaults: map[string]string{
			"PIPFILE":            "Pipfile",
			"PIPFILE_LOCK":       "Pipfile.lock",
			"VIRTUAL_ENV_DIR":    "/venv",
			"VIRTUAL_ENV_VOLUME": "{HOIST.PROJECT_NAME}.venv",
			"TEST_COMMAND":       "pytest",
		},
		Tasks: []*Task{{
			Name:             "test",
			Category:         "testing",
			ShortDescription: "Run all test tasks",
		}, {
			Name:             "test_python",
			Category:         "testing",
			ShortDescription: "Run all python test tasks",
			Parent:           "test",
		}, {
			Name:             "pytest",
			Category:         "testing",
			ShortDescription: "Run python tests in the app container",
			Parent:           "test_python",
			Depends:          []string{"compose_runtime"},
			Execute: func(ctx context.Context, env *Env, call *Call) error {
				cmd, err := env.Config.Get("PYTHON.TEST_COMMAND")
				if err != nil {
					return err
				}
				return composeRun(ctx, env, "", append([]string{cmd}, call.Args...))
			},
		}, {
			Name:             "pipenv",
			Category:         "libraries",
			ShortDescription: "Run pipenv in the app container",
			Depends:          []string{"compose_runtime"},
			Execute: func(ctx context.Context, env *Env, call *Call) error {
				args := append([]string{"pipenv"}, call.Args...)
				return composeRun(ctx, env, "", args)
			},
		}, {
			Name:             "build_pipenv",
			Category:         "build",
			ShortDescription: "Install python packages with pipenv",
			Parent:           "compose_runtime",
			Depends:          []string{"build_base_image"},
			Check: []Checker{
				FileHash("{PYTHON.PIPFILE}", "{PYTHON.PIPFILE_LOCK}"),
				VolumeExists("{PYTHON.VIRTUAL_ENV_VOLUME}"),
			},
			Execute: func(ctx context.Context, env *Env, call *Call) error {
				image, err := env.Config.Get("DOCKER.BASE_IMAGE")
				if err != nil {
					return err
				}
				return env.Artifacts().RunBuilder(ctx, &Builder{
					Image:   image,
					Command: "pipenv install --dev --deploy",
					Env: map[string]string{
						"VIRTUAL_ENV": "{PYTHON.VIRTUAL_ENV_DIR}",
					},
					Volumes: []string{
						"{PYTHON.VIRTUAL_ENV_VOLUME}:{PYTHON.VIRTUAL_ENV_DIR}",
					},
					Remove: true,
				})
			},
			Clean: func(ctx context.Context, env *Env) error {
				return env.Artifacts().RemoveVolume(
					ctx, "{PYTHON.VIRTUAL_ENV_VOLUME}",
				)
			},
		}},
	}
}
