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
	"regexp"
	"sort"
	"strings"
	"sync"

	"shanhu.io/misc/errcode"
)

// maxRefDepth bounds the nesting of config references.
const maxRefDepth = 32

var (
	refPattern = regexp.MustCompile(
		`\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\}`,
	)
	keyPattern = regexp.MustCompile(
		`^[A-Za-z_][A-Za-z0-9_]*\.[A-Za-z_][A-Za-z0-9_]*$`,
	)
)

// DerivedFunc computes a config value at read time from other config
// values.
type DerivedFunc func(c *Config) (string, error)

type configValue struct {
	str    string
	list   []string
	isList bool
}

func (v *configValue) strings() []string {
	if v.isList {
		return v.list
	}
	return []string{v.str}
}

// Config is a hierarchical key value store for build parameters. Keys are
// dotted, module scoped paths like "DOCKER.IMAGE_TAG". Values are strings
// or lists of strings, and strings may reference other keys as "{KEY}".
//
// Values are layered: module defaults, then environment overrides, then
// project overrides, where later layers win.
type Config struct {
	mu       sync.RWMutex
	defaults map[string]*configValue
	env      map[string]*configValue
	project  map[string]*configValue
	derived  map[string]DerivedFunc
	frozen   bool
}

// NewConfig creates an empty config.
func NewConfig() *Config {
	return &Config{
		defaults: make(map[string]*configValue),
		env:      make(map[string]*configValue),
		project:  make(map[string]*configValue),
		derived:  make(map[string]DerivedFunc),
	}
}

// ValidKey checks if k is a valid "MODULE.KEY" config path.
func ValidKey(k string) bool { return keyPattern.MatchString(k) }

func (c *Config) set(layer map[string]*configValue, k string, v *configValue) {
	if !ValidKey(k) {
		panic("invalid config key: " + k)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		panic("config is frozen, setting " + k)
	}
	layer[k] = v
}

// SetDefault sets the module default of a string entry.
func (c *Config) SetDefault(k, v string) {
	c.set(c.defaults, k, &configValue{str: v})
}

// SetDefaultList sets the module default of a list entry.
func (c *Config) SetDefaultList(k string, vs []string) {
	c.set(c.defaults, k, &configValue{list: vs, isList: true})
}

// SetDerived registers a value that is computed when read.
func (c *Config) SetDerived(k string, f DerivedFunc) {
	if !ValidKey(k) {
		panic("invalid config key: " + k)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		panic("config is frozen, setting " + k)
	}
	c.derived[k] = f
}

// SetEnv sets an environment override of an entry.
func (c *Config) SetEnv(k, v string) {
	c.set(c.env, k, &configValue{str: v})
}

// Override sets a project override of a string entry.
func (c *Config) Override(k, v string) {
	c.set(c.project, k, &configValue{str: v})
}

// OverrideList sets a project override of a list entry.
func (c *Config) OverrideList(k string, vs []string) {
	c.set(c.project, k, &configValue{list: vs, isList: true})
}

// Freeze makes the config read-only. Setting entries after this panics.
func (c *Config) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = true
}

// Has checks if the key is defined in any layer.
func (c *Config) Has(k string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, _, ok := c.rawLocked(k)
	return ok
}

// Keys returns all defined keys, sorted.
func (c *Config) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := make(map[string]bool)
	for _, layer := range []map[string]*configValue{
		c.defaults, c.env, c.project,
	} {
		for k := range layer {
			m[k] = true
		}
	}
	for k := range c.derived {
		m[k] = true
	}
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Config) rawLocked(k string) (*configValue, DerivedFunc, bool) {
	for _, layer := range []map[string]*configValue{
		c.project, c.env, c.defaults,
	} {
		if v, ok := layer[k]; ok {
			return v, nil, true
		}
	}
	if f, ok := c.derived[k]; ok {
		return nil, f, true
	}
	return nil, nil, false
}

func (c *Config) raw(k string) (*configValue, error) {
	c.mu.RLock()
	v, f, ok := c.rawLocked(k)
	c.mu.RUnlock()

	if !ok {
		return nil, errcode.InvalidArgf("config %q is not defined", k)
	}
	if v != nil {
		return v, nil
	}
	s, err := f(c)
	if err != nil {
		return nil, errcode.Annotatef(err, "compute config %q", k)
	}
	return &configValue{str: s}, nil
}

type resolver struct {
	c         *Config
	overrides map[string]string
	tracer    *refTracer
}

func (c *Config) newResolver(overrides map[string]string) *resolver {
	return &resolver{
		c:         c,
		overrides: overrides,
		tracer:    newRefTracer(),
	}
}

func (r *resolver) format(s string) (string, error) {
	if r.tracer.depth() > maxRefDepth {
		return "", errcode.InvalidArgf(
			"config reference too deep: %s",
			strings.Join(r.tracer.trace, " -> "),
		)
	}

	var firstErr error
	ret := refPattern.ReplaceAllStringFunc(s, func(m string) string {
		if firstErr != nil {
			return m
		}
		v, err := r.lookup(m[1 : len(m)-1])
		if err != nil {
			firstErr = err
			return m
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return ret, nil
}

func (r *resolver) lookupList(k string) ([]string, error) {
	if v, ok := r.overrides[k]; ok {
		return []string{v}, nil
	}
	if !r.tracer.push(k) {
		return nil, errcode.InvalidArgf(
			"config reference cycle: %s",
			strings.Join(r.tracer.cycle(k), " -> "),
		)
	}
	defer r.tracer.pop()

	v, err := r.c.raw(k)
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, s := range v.strings() {
		resolved, err := r.format(s)
		if err != nil {
			return nil, err
		}
		ret = append(ret, resolved)
	}
	return ret, nil
}

// lookup resolves a key into a string. List entries are joined with
// spaces.
func (r *resolver) lookup(k string) (string, error) {
	list, err := r.lookupList(k)
	if err != nil {
		return "", err
	}
	return strings.Join(list, " "), nil
}

// Resolve substitutes all "{KEY}" references in s recursively until no
// reference remains. A string without references is returned unchanged.
func (c *Config) Resolve(s string) (string, error) {
	return c.newResolver(nil).format(s)
}

// Format is like Resolve, but names in overrides are substituted with the
// given literal values first. Overrides are not stored in the config.
func (c *Config) Format(s string, overrides map[string]string) (
	string, error,
) {
	return c.newResolver(overrides).format(s)
}

// Get returns the resolved string value of key k.
func (c *Config) Get(k string) (string, error) {
	return c.newResolver(nil).lookup(k)
}

// List returns the resolved value of key k as a list. A string entry is
// returned as a list of one element.
func (c *Config) List(k string) ([]string, error) {
	return c.newResolver(nil).lookupList(k)
}

// ResolveArgs resolves a list of templates. An argument that is exactly a
// reference to a list entry, like "{DOCKER.BASE_IMAGE_FILES}", expands to
// all elements of the list.
func (c *Config) ResolveArgs(args []string) ([]string, error) {
	var ret []string
	for _, arg := range args {
		if m := refPattern.FindStringSubmatch(arg); m != nil && m[0] == arg {
			if c.isList(m[1]) {
				list, err := c.List(m[1])
				if err != nil {
					return nil, errcode.Annotatef(err, "resolve %q", arg)
				}
				ret = append(ret, list...)
				continue
			}
		}
		s, err := c.Resolve(arg)
		if err != nil {
			return nil, errcode.Annotatef(err, "resolve %q", arg)
		}
		ret = append(ret, s)
	}
	return ret, nil
}

func (c *Config) isList(k string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, _, ok := c.rawLocked(k)
	return ok && v != nil && v.isList
}
