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

// BowerModule is the module that installs bower components.
func BowerModule() *Module {
	return &Module{
		Name:               "bower",
		FS:                 builtinFS("bower"),
		DockerfileTemplate: "Dockerfile.tmpl",
		Defaults: map[string]string{
			"BIN":    "bower",
			"CONFIG": "bower.json",
		},
		Tasks: []*Task{{
			Name:             "build_bower",
			Category:         "build",
			ShortDescription: "Install bower components in the app container",
			Depends:          []string{"build_image"},
			Check:            []Checker{FileHash("{BOWER.CONFIG}")},
			Execute: func(ctx context.Context, env *Env, call *Call) error {
				bin, err := env.Config.Get("BOWER.BIN")
				if err != nil {
					return err
				}
				args := append([]string{bin, "install"}, call.Args...)
				return composeRun(ctx, env, "", args)
			},
		}, {
			Name:             "bower",
			Category:         "libraries",
			ShortDescription: "Run bower in the app container",
			Depends:          []string{"build_image"},
			Execute: func(ctx context.Context, env *Env, call *Call) error {
				bin, err := env.Config.Get("BOWER.BIN")
				if err != nil {
					return err
				}
				return composeRun(ctx, env, "", append([]string{bin}, call.Args...))
			},
		}},
	}
}
