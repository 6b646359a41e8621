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
	"io/fs"
	"strings"

	"shanhu.io/misc/errcode"
)

// Module is a contributed unit of config defaults, tasks and build-file
// snippets.
type Module struct {
	// Name of the module. It namespaces the module's build-file snippet
	// and its staged docker context. The upper cased name is the config
	// namespace.
	Name string

	// Files the module ships with. When nil, DockerfileTemplate and
	// DockerContext are paths on disk, relative to the project directory.
	FS fs.FS

	// Path of the build-file snippet template. May reference config.
	// Modules without a snippet contribute nothing to the build-file.
	DockerfileTemplate string

	// Directory to stage into the docker build context. May reference
	// config.
	DockerContext string

	// Config defaults, keyed without the module namespace.
	Defaults     map[string]string
	ListDefaults map[string][]string
	Derived      map[string]DerivedFunc

	Tasks []*Task
}

// Namespace returns the config namespace of the module.
func (m *Module) Namespace() string { return strings.ToUpper(m.Name) }

func (m *Module) key(k string) string { return m.Namespace() + "." + k }

func registerModuleConfig(c *Config, modules []*Module) error {
	seen := make(map[string]bool)
	for _, m := range modules {
		if m.Name == "" {
			return errcode.InvalidArgf("module has no name")
		}
		if seen[m.Name] {
			return errcode.InvalidArgf("module %q registered twice", m.Name)
		}
		seen[m.Name] = true

		for k, v := range m.Defaults {
			if !ValidKey(m.key(k)) {
				return errcode.InvalidArgf("invalid config key %q", m.key(k))
			}
			c.SetDefault(m.key(k), v)
		}
		for k, v := range m.ListDefaults {
			if !ValidKey(m.key(k)) {
				return errcode.InvalidArgf("invalid config key %q", m.key(k))
			}
			c.SetDefaultList(m.key(k), v)
		}
		for k, f := range m.Derived {
			if !ValidKey(m.key(k)) {
				return errcode.InvalidArgf("invalid config key %q", m.key(k))
			}
			c.SetDerived(m.key(k), f)
		}
	}
	return nil
}

func moduleTasks(modules []*Module) []*Task {
	var tasks []*Task
	for _, m := range modules {
		tasks = append(tasks, m.Tasks...)
	}
	return tasks
}
