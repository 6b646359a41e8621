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
	"path"
	"sort"
	"strings"

	"shanhu.io/misc/errcode"
	"shanhu.io/misc/jsonutil"
)

type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

const localPackagePrefix = "file:"

// npmLocalPackages returns the paths of the local packages that
// package.json depends on, in sorted order.
func npmLocalPackages(env *Env) ([]string, error) {
	f, err := env.ResolvePath("{NPM.PACKAGE_JSON}")
	if err != nil {
		return nil, err
	}
	pkg := new(packageJSON)
	if err := jsonutil.ReadFile(f, pkg); err != nil {
		return nil, errcode.Annotate(err, "read package.json")
	}

	paths := make(map[string]bool)
	for _, deps := range []map[string]string{
		pkg.Dependencies, pkg.DevDependencies,
	} {
		for _, version := range deps {
			if p, ok := strings.CutPrefix(version, localPackagePrefix); ok {
				paths[p] = true
			}
		}
	}
	var ret []string
	for p := range paths {
		ret = append(ret, p)
	}
	sort.Strings(ret)
	return ret, nil
}

// npmLocalPackageVolumes mounts local packages into the builder, at the
// same relative location to the app dir as on the host, so that the
// references in package.json work in both places.
func npmLocalPackageVolumes(env *Env) ([]string, error) {
	pkgs, err := npmLocalPackages(env)
	if err != nil {
		return nil, err
	}
	appDir, err := env.Config.Get("DOCKER.APP_DIR")
	if err != nil {
		return nil, err
	}
	var volumes []string
	for _, p := range pkgs {
		target := p
		if !path.IsAbs(p) {
			target = path.Join(appDir, p)
		}
		volumes = append(volumes, env.Path(p)+":"+target)
	}
	return volumes, nil
}

// NPMModule is the module that installs npm packages into a volume.
func NPMModule() *Module {
	return &Module{
		Name:               "npm",
		FS:                 builtinFS("npm"),
		DockerfileTemplate: "Dockerfile.tmpl",
		DockerContext:      "context",
		Defaults: map[string]string{
			"BIN":                 "npm",
			"PACKAGE_JSON":        "package.json",
			"PACKAGE_LOCK":        "package-lock.json",
			"NODE_MODULES_VOLUME": "{HOIST.PROJECT_NAME}.node_modules",
			"BUILDER_COMMAND":     "sh /opt/hoist/npm/build",
		},
		Tasks: []*Task{{
			Name:             "build_npm",
			Category:         "build",
			ShortDescription: "Install npm packages",
			Parent:           "compose_runtime",
			Depends:          []string{"build_base_image"},
			Check: []Checker{
				FileHash("{NPM.PACKAGE_JSON}", "{NPM.PACKAGE_LOCK}"),
				VolumeExists("{NPM.NODE_MODULES_VOLUME}"),
			},
			Execute: func(ctx context.Context, env *Env, call *Call) error {
				volumes, err := npmLocalPackageVolumes(env)
				if err != nil {
					return errcode.Annotate(err, "local packages")
				}
				image, err := env.Config.Get("DOCKER.BASE_IMAGE")
				if err != nil {
					return err
				}
				return env.Artifacts().RunBuilder(ctx, &Builder{
					Image:   image,
					Outputs: []string{"node_modules"},
					Command: "{NPM.BUILDER_COMMAND}",
					Volumes: volumes,
					Remove:  true,
				})
			},
			Clean: func(ctx context.Context, env *Env) error {
				return env.Artifacts().RemoveVolume(
					ctx, "{NPM.NODE_MODULES_VOLUME}",
				)
			},
		}, {
			Name:             "npm",
			Category:         "libraries",
			ShortDescription: "Run npm in the app container",
			Depends:          []string{"compose_runtime"},
			Execute: func(ctx context.Context, env *Env, call *Call) error {
				bin, err := env.Config.Get("NPM.BIN")
				if err != nil {
					return err
				}
				args := append([]string{bin}, call.Args...)
				return composeRun(ctx, env, "", args)
			},
		}},
	}
}
