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

// Call holds the arguments a task is executed with.
type Call struct {
	Task   string            // Name of the task being executed.
	Args   []string          // Positional arguments.
	Kwargs map[string]string // Keyword arguments.
	Force  bool              // Checkers were bypassed for this task.
}

// Kwarg returns the keyword argument k, or def when it is not given.
func (c *Call) Kwarg(k, def string) string {
	if v, ok := c.Kwargs[k]; ok {
		return v
	}
	return def
}

// Task is a named unit of build work.
type Task struct {
	Name     string
	Category string

	// One line description for listing.
	ShortDescription string

	// Names of tasks that must complete before this one.
	Depends []string

	// Name of the aggregating task. Running the parent runs all its
	// children first, in declaration order.
	Parent string

	// The task is skipped when all checkers are satisfied. A task with no
	// checkers always executes.
	Check []Checker

	// Output paths written by the task. Tasks that write the same path
	// never run at the same time. Paths may reference config entries.
	Outputs []string

	// Execute performs the side effects of the task. A task without
	// Execute is a virtual task: it only aggregates its children.
	Execute func(ctx context.Context, env *Env, call *Call) error

	// Clean reverts the effects of the task. It is only invoked by the
	// operator, never after a failed execution.
	Clean func(ctx context.Context, env *Env) error
}

func (t *Task) virtual() bool { return t.Execute == nil }
