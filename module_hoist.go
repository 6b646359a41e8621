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
	"embed"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
)

//go:embed templates
var builtinFiles embed.FS

func builtinFS(module string) fs.FS {
	sub, err := fs.Sub(builtinFiles, "templates/"+module)
	if err != nil {
		panic(err)
	}
	return sub
}

var nonNameChars = regexp.MustCompile(`[^a-z0-9_.-]+`)

func projectName(dir string) string {
	name := strings.ToLower(filepath.Base(dir))
	name = nonNameChars.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == "_" {
		return "project"
	}
	return name
}

// hoistModule is the core module. It holds the entries of the project
// itself.
func hoistModule(dir string) *Module {
	return &Module{
		Name: "hoist",
		Defaults: map[string]string{
			"PROJECT_NAME": projectName(dir),
			"STATE_DIR":    ".hoist",
			"HASH_STORE":   HashStoreMemory,
			"HASH_DB":      "{HOIST.STATE_DIR}/hashes.db",
		},
		Derived: map[string]DerivedFunc{
			"PROJECT_DIR": func(*Config) (string, error) { return dir, nil },
		},
	}
}

// BuiltinModules returns the builtin feature modules in registration
// order.
func BuiltinModules() []*Module {
	return []*Module{
		DockerModule(),
		NPMModule(),
		PythonModule(),
		BowerModule(),
	}
}
