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

// Checker decides if the cached result of a task is still valid. Checkers
// hold no cache of their own: every call looks at the current state of the
// filesystem or the container engine.
type Checker interface {
	// Check returns true when the result of the task is up to date.
	Check(ctx context.Context, env *Env, task string) (bool, error)
}

// Recorder is implemented by checkers that compare against a signature
// recorded after the last successful execution of the task.
type Recorder interface {
	// Record saves the current signature for the task.
	Record(ctx context.Context, env *Env, task string) error
}
