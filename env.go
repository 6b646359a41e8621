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
	"path"
	"path/filepath"
)

// Env is what tasks and checkers see of the project.
type Env struct {
	Dir        string // Project root directory.
	Config     *Config
	Engine     Engine
	Hashes     HashStore
	Registries *Registries
	Modules    []*Module
}

// Path returns the filesystem path of a slash separated path relative to
// the project root. Absolute paths are returned as is.
func (e *Env) Path(ps ...string) string {
	if len(ps) == 0 {
		return e.Dir
	}
	p := path.Join(ps...)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.Dir, filepath.FromSlash(p))
}

// ResolvePath resolves a path template and returns its filesystem path.
func (e *Env) ResolvePath(tmpl string) (string, error) {
	p, err := e.Config.Resolve(tmpl)
	if err != nil {
		return "", err
	}
	return e.Path(p), nil
}

// Composer returns the build-file composer of the project modules.
func (e *Env) Composer() *Composer {
	return NewComposer(e.Dir, e.Config, e.Modules)
}

// Artifacts returns the container artifact builder.
func (e *Env) Artifacts() *ArtifactBuilder {
	return NewArtifactBuilder(e)
}
