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
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/google/uuid"
	"shanhu.io/misc/errcode"
)

// ModuleTemplate references the build-file snippet of a module.
type ModuleTemplate struct {
	Name     string // Module name.
	Template string // Template name, "<module>/<file>".
}

// composeData is the data the base template is rendered with.
type composeData struct {
	Config  *Config
	Modules []*ModuleTemplate
}

// templateLoader loads templates by name. Names of the form
// "<module>/<file>" load from the module's snippet directory; all other
// names load from the directory of the base template.
type templateLoader struct {
	base     fs.FS
	prefixes map[string]fs.FS
}

func (l *templateLoader) read(name string) (string, error) {
	fsys, file := l.base, name
	if ns, rest, ok := strings.Cut(name, "/"); ok {
		if sub, found := l.prefixes[ns]; found {
			fsys, file = sub, rest
		}
	}
	bs, err := fs.ReadFile(fsys, file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", errcode.InvalidArgf("template %q not found", name)
		}
		return "", errcode.Annotatef(err, "read template %q", name)
	}
	return string(bs), nil
}

// Composer renders build-files from a base template and the snippets
// of the modules.
type Composer struct {
	dir     string
	config  *Config
	modules []*Module
}

// NewComposer creates a composer for the modules. Relative paths are
// relative to dir.
func NewComposer(dir string, config *Config, modules []*Module) *Composer {
	return &Composer{
		dir:     dir,
		config:  config,
		modules: modules,
	}
}

func (c *Composer) diskPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.dir, filepath.FromSlash(p))
}

// moduleDir returns the file system that holds p of the module, and the
// slash path of p in it.
func (c *Composer) moduleDir(m *Module, p string) (fs.FS, string, error) {
	if m.FS == nil {
		abs := c.diskPath(p)
		return os.DirFS(filepath.Dir(abs)), filepath.Base(abs), nil
	}
	p = path.Clean(p)
	sub, err := fs.Sub(m.FS, path.Dir(p))
	if err != nil {
		return nil, "", err
	}
	return sub, path.Base(p), nil
}

func (c *Composer) loader(base string) (
	*templateLoader, []*ModuleTemplate, error,
) {
	abs := c.diskPath(base)
	l := &templateLoader{
		base:     os.DirFS(filepath.Dir(abs)),
		prefixes: make(map[string]fs.FS),
	}

	var templates []*ModuleTemplate
	for _, m := range c.modules {
		if m.DockerfileTemplate == "" {
			continue
		}
		p, err := c.config.Resolve(m.DockerfileTemplate)
		if err != nil {
			return nil, nil, errcode.Annotatef(
				err, "template of module %q", m.Name,
			)
		}
		fsys, file, err := c.moduleDir(m, p)
		if err != nil {
			return nil, nil, errcode.Annotatef(
				err, "template dir of module %q", m.Name,
			)
		}
		l.prefixes[m.Name] = fsys
		templates = append(templates, &ModuleTemplate{
			Name:     m.Name,
			Template: m.Name + "/" + file,
		})
	}
	return l, templates, nil
}

type renderer struct {
	c      *Composer
	loader *templateLoader
	tracer *refTracer
}

func (r *renderer) funcs() template.FuncMap {
	return template.FuncMap{
		"config": r.c.config.Get,
		"list":   r.c.config.List,
		"format": func(s string, kvs ...string) (string, error) {
			if len(kvs)%2 != 0 {
				return "", errcode.InvalidArgf("odd number of format args")
			}
			overrides := make(map[string]string)
			for i := 0; i < len(kvs); i += 2 {
				overrides[kvs[i]] = kvs[i+1]
			}
			return r.c.config.Format(s, overrides)
		},
		"include": r.render,
	}
}

func (r *renderer) render(name string, data interface{}) (string, error) {
	if !r.tracer.push(name) {
		return "", errcode.InvalidArgf(
			"template include cycle: %s",
			strings.Join(r.tracer.cycle(name), " -> "),
		)
	}
	defer r.tracer.pop()

	text, err := r.loader.read(name)
	if err != nil {
		return "", err
	}
	t, err := template.New(name).Funcs(r.funcs()).Option(
		"missingkey=error",
	).Parse(text)
	if err != nil {
		return "", errcode.InvalidArgf("parse template %q: %s", name, err)
	}

	buf := new(bytes.Buffer)
	if err := t.Execute(buf, data); err != nil {
		if IsConfigError(err) {
			return "", err
		}
		return "", errcode.InvalidArgf("render template %q: %s", name, err)
	}
	return buf.String(), nil
}

// Compose renders the base template. The base template is rendered with
// .Config and .Modules, where each module snippet is addressed as
// "<module>/<file>" and can be rendered with the include function.
func (c *Composer) Compose(base string) (string, error) {
	p, err := c.config.Resolve(base)
	if err != nil {
		return "", errcode.Annotate(err, "base template path")
	}
	l, templates, err := c.loader(p)
	if err != nil {
		return "", err
	}
	r := &renderer{c: c, loader: l, tracer: newRefTracer()}
	data := &composeData{
		Config:  c.config,
		Modules: templates,
	}
	return r.render(filepath.Base(c.diskPath(p)), data)
}

// WriteBuildFile renders the base template into the output file.
func (c *Composer) WriteBuildFile(base, out string) error {
	text, err := c.Compose(base)
	if err != nil {
		return err
	}
	p, err := c.config.Resolve(out)
	if err != nil {
		return errcode.Annotate(err, "build-file path")
	}
	p = c.diskPath(p)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return errcode.Annotate(err, "make build-file dir")
	}
	return os.WriteFile(p, []byte(text), 0644)
}

// ResolveBuildFile returns the build-file to use for f. When f is a
// template, which ends with ".tmpl", it is rendered into renderTo first.
func (c *Composer) ResolveBuildFile(f, renderTo string) (string, error) {
	p, err := c.config.Resolve(f)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(p, ".tmpl") {
		return c.diskPath(p), nil
	}
	if err := c.WriteBuildFile(p, renderTo); err != nil {
		return "", errcode.Annotatef(err, "render %q", p)
	}
	out, err := c.config.Resolve(renderTo)
	if err != nil {
		return "", err
	}
	return c.diskPath(out), nil
}

const maxCopyDepth = 64

// copyFS copies p in fsys to dst. Symbolic links are followed, so the copy
// contains no links.
func copyFS(fsys fs.FS, p, dst string, depth int) error {
	if depth > maxCopyDepth {
		return errcode.InvalidArgf("%q is nested too deep", p)
	}
	info, err := fs.Stat(fsys, p)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := os.MkdirAll(dst, 0755); err != nil {
			return err
		}
		entries, err := fs.ReadDir(fsys, p)
		if err != nil {
			return err
		}
		for _, e := range entries {
			sub := path.Join(p, e.Name())
			if err := copyFS(
				fsys, sub, filepath.Join(dst, e.Name()), depth+1,
			); err != nil {
				return err
			}
		}
		return nil
	}
	if !info.Mode().IsRegular() {
		return nil // Sockets, devices and alike.
	}
	bs, err := fs.ReadFile(fsys, p)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, bs, info.Mode().Perm()|0200)
}

// StageModuleContext copies the docker context directory of each module
// into dest/<module>. A staged copy is complete once it appears under its
// final name; a previous copy is replaced.
func (c *Composer) StageModuleContext(dest string) error {
	d, err := c.config.Resolve(dest)
	if err != nil {
		return errcode.Annotate(err, "context dir")
	}
	d = c.diskPath(d)
	if err := os.MkdirAll(d, 0755); err != nil {
		return errcode.Annotate(err, "make context dir")
	}

	for _, m := range c.modules {
		if m.DockerContext == "" {
			continue
		}
		if err := c.stageModule(m, d); err != nil {
			return errcode.Annotatef(err, "stage context of %q", m.Name)
		}
	}
	return nil
}

func (c *Composer) contextFS(m *Module, p string) (fs.FS, error) {
	if m.FS == nil {
		return os.DirFS(c.diskPath(p)), nil
	}
	return fs.Sub(m.FS, path.Clean(p))
}

func (c *Composer) stageModule(m *Module, dest string) error {
	p, err := c.config.Resolve(m.DockerContext)
	if err != nil {
		return err
	}

	src, err := c.contextFS(m, p)
	if err != nil {
		return err
	}
	if _, err := fs.Stat(src, "."); err != nil {
		return errcode.InvalidArgf("context dir %q: %s", p, err)
	}

	// Leftovers of an interrupted staging.
	stale, err := filepath.Glob(filepath.Join(dest, "."+m.Name+".*"))
	if err != nil {
		return errcode.Annotate(err, "list stale copies")
	}
	for _, f := range stale {
		if err := os.RemoveAll(f); err != nil {
			return errcode.Annotate(err, "remove stale copy")
		}
	}

	target := filepath.Join(dest, m.Name)
	tmp := filepath.Join(dest, "."+m.Name+"."+uuid.New().String())
	if err := copyFS(src, ".", tmp, 0); err != nil {
		os.RemoveAll(tmp)
		return errcode.Annotate(err, "copy context")
	}
	if err := os.RemoveAll(target); err != nil {
		os.RemoveAll(tmp)
		return errcode.Annotate(err, "remove staged context")
	}
	return os.Rename(tmp, target)
}

// SourceHash returns the combined content hash of the build-file snippets
// and the docker context directories of the modules.
func (c *Composer) SourceHash() (string, error) {
	sums := make(map[string]string)
	for _, m := range c.modules {
		if m.DockerfileTemplate != "" {
			p, err := c.config.Resolve(m.DockerfileTemplate)
			if err != nil {
				return "", errcode.Annotatef(
					err, "template of module %q", m.Name,
				)
			}
			fsys, file, err := c.moduleDir(m, p)
			if err != nil {
				return "", errcode.Annotatef(
					err, "template dir of module %q", m.Name,
				)
			}
			if err := hashFSEntry(
				fsys, file, m.Name+"/template", sums,
			); err != nil {
				return "", errcode.Annotatef(err, "hash module %q", m.Name)
			}
		}
		if m.DockerContext != "" {
			p, err := c.config.Resolve(m.DockerContext)
			if err != nil {
				return "", errcode.Annotatef(
					err, "context of module %q", m.Name,
				)
			}
			src, err := c.contextFS(m, p)
			if err != nil {
				return "", errcode.Annotatef(
					err, "context dir of module %q", m.Name,
				)
			}
			if err := hashFSEntry(
				src, ".", m.Name+"/context", sums,
			); err != nil {
				return "", errcode.Annotatef(err, "hash module %q", m.Name)
			}
		}
	}
	return combineHashes(sums), nil
}
