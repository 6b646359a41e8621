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
	"path/filepath"

	"shanhu.io/misc/errcode"
)

// Options are the options of opening a project.
type Options struct {
	// Container engine. Defaults to the local docker daemon.
	Engine Engine

	// Looks up environment variables. Defaults to os.LookupEnv.
	LookupEnv func(k string) (string, bool)

	// Project file to read. Defaults to the one found in the project
	// directory, if any.
	ProjectFile string
}

// Project is a project opened for building.
type Project struct {
	env       *Env
	scheduler *Scheduler
}

// Open opens the project in dir with the feature modules. The core hoist
// module is always registered first. Config is frozen before Open
// returns.
func Open(dir string, modules []*Module, opts *Options) (*Project, error) {
	if opts == nil {
		opts = new(Options)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, errcode.Annotate(err, "project dir")
	}

	all := append([]*Module{hoistModule(absDir)}, modules...)
	config := NewConfig()
	if err := registerModuleConfig(config, all); err != nil {
		return nil, err
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := loadEnv(config, absDir, lookup); err != nil {
		return nil, errcode.Annotate(err, "load environment")
	}

	f := opts.ProjectFile
	if f == "" {
		found, err := FindProjectFile(absDir)
		if err != nil {
			return nil, err
		}
		f = found
	}
	var registries map[string]*RegistryConfig
	if f != "" {
		pf, err := ReadProjectFile(f)
		if err != nil {
			return nil, errcode.Annotate(err, "read project file")
		}
		if err := applyProjectFile(config, pf); err != nil {
			return nil, err
		}
		registries = pf.Registries
	}
	config.Freeze()

	engine := opts.Engine
	if engine == nil {
		engine = NewDockEngine(absDir)
	}
	hashes, err := openHashStore(config, absDir)
	if err != nil {
		return nil, errcode.Annotate(err, "open hash store")
	}

	env := &Env{
		Dir:        absDir,
		Config:     config,
		Engine:     engine,
		Hashes:     hashes,
		Registries: NewRegistries(config, registries, engine),
		Modules:    all,
	}
	s, err := NewScheduler(env, moduleTasks(all))
	if err != nil {
		hashes.Close()
		return nil, err
	}
	return &Project{env: env, scheduler: s}, nil
}

// Env returns the environment of the project.
func (p *Project) Env() *Env { return p.env }

// Config returns the config of the project.
func (p *Project) Config() *Config { return p.env.Config }

// Scheduler returns the task scheduler of the project.
func (p *Project) Scheduler() *Scheduler { return p.scheduler }

// Tasks returns all tasks in registration order.
func (p *Project) Tasks() []*Task { return p.scheduler.Tasks() }

// Run runs a task.
func (p *Project) Run(ctx context.Context, task string, opts *RunOptions) (
	*Report, error,
) {
	return p.scheduler.Run(ctx, task, opts)
}

// Clean runs the clean actions of a task.
func (p *Project) Clean(ctx context.Context, task string) error {
	return p.scheduler.Clean(ctx, task)
}

// Close releases the resources held by the project.
func (p *Project) Close() error { return p.env.Hashes.Close() }
