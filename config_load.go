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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	"shanhu.io/misc/errcode"
	"shanhu.io/misc/jsonx"
	"shanhu.io/misc/osutil"
)

// Project file names, in the order they are looked up.
var projectFileNames = []string{"hoist.jsonx", "hoist.yaml", "hoist.yml"}

const dotEnvFile = ".env"

// ProjectFile is the structure of a project override file. Config holds
// entries keyed by module namespace and then by key, for example
// {"DOCKER": {"IMAGE_TAG": "v1"}}. Values are strings or lists of strings.
type ProjectFile struct {
	Config     map[string]map[string]interface{} `yaml:"config"`
	Registries map[string]*RegistryConfig        `yaml:"registries"`
}

// FindProjectFile returns the path of the project file in dir. It returns
// an empty string when there is none.
func FindProjectFile(dir string) (string, error) {
	for _, name := range projectFileNames {
		p := filepath.Join(dir, name)
		ok, err := osutil.IsRegular(p)
		if err != nil {
			return "", errcode.Annotatef(err, "check %q", p)
		}
		if ok {
			return p, nil
		}
	}
	return "", nil
}

// ReadProjectFile reads a project file. Files ending with .yaml or .yml
// are read as YAML; all others are read as jsonx.
func ReadProjectFile(f string) (*ProjectFile, error) {
	pf := new(ProjectFile)
	switch filepath.Ext(f) {
	case ".yaml", ".yml":
		bs, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(bs, pf); err != nil {
			return nil, errcode.InvalidArgf("parse %q: %s", f, err)
		}
	default:
		if err := jsonx.ReadFile(f, pf); err != nil {
			return nil, errcode.InvalidArgf("parse %q: %s", f, err)
		}
	}
	return pf, nil
}

func configStrings(v interface{}) ([]string, bool, error) {
	switch v := v.(type) {
	case string:
		return []string{v}, false, nil
	case []interface{}:
		var ret []string
		for _, item := range v {
			switch item := item.(type) {
			case map[string]interface{}, []interface{}:
				return nil, false, fmt.Errorf("nested value %v", item)
			}
			ret = append(ret, fmt.Sprint(item))
		}
		return ret, true, nil
	case []string:
		return v, true, nil
	case nil:
		return nil, false, fmt.Errorf("null value")
	case map[string]interface{}:
		return nil, false, fmt.Errorf("object value")
	}
	return []string{fmt.Sprint(v)}, false, nil
}

// applyProjectFile sets the overrides in pf as project overrides.
func applyProjectFile(c *Config, pf *ProjectFile) error {
	var modules []string
	for m := range pf.Config {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	for _, m := range modules {
		entries := pf.Config[m]
		var keys []string
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			key := m + "." + k
			if !ValidKey(key) {
				return errcode.InvalidArgf("invalid config key %q", key)
			}
			vs, isList, err := configStrings(entries[k])
			if err != nil {
				return errcode.InvalidArgf("config %q: %s", key, err)
			}
			if isList {
				c.OverrideList(key, vs)
			} else {
				c.Override(key, vs[0])
			}
		}
	}
	return nil
}

// EnvName returns the environment variable name that overrides config
// key k; "DOCKER.IMAGE_TAG" is overridden by "DOCKER_IMAGE_TAG".
func EnvName(k string) string {
	return strings.ReplaceAll(k, ".", "_")
}

// loadEnv applies environment overrides on keys that are already defined.
// Variables are read from the .env file in dir first, and the process
// environment wins over the file.
func loadEnv(c *Config, dir string, lookup func(string) (string, bool)) error {
	dotEnv := make(map[string]string)
	f := filepath.Join(dir, dotEnvFile)
	ok, err := osutil.IsRegular(f)
	if err != nil {
		return errcode.Annotate(err, "check .env file")
	}
	if ok {
		m, err := godotenv.Read(f)
		if err != nil {
			return errcode.InvalidArgf("read %q: %s", f, err)
		}
		dotEnv = m
	}

	for _, k := range c.Keys() {
		name := EnvName(k)
		if v, ok := lookup(name); ok {
			c.SetEnv(k, v)
		} else if v, ok := dotEnv[name]; ok {
			c.SetEnv(k, v)
		}
	}
	return nil
}
