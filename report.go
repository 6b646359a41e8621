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
	"io"

	"shanhu.io/misc/errcode"
)

// Report is the outcome of a run, with results in completion order.
type Report struct {
	Task    string // The requested task.
	Results []*TaskResult
}

func (r *Report) add(res *TaskResult) {
	r.Results = append(r.Results, res)
}

// Result returns the result of a task, or nil if the task was not part
// of the run.
func (r *Report) Result(task string) *TaskResult {
	for _, res := range r.Results {
		if res.Task == task {
			return res
		}
	}
	return nil
}

func (r *Report) withStatus(s TaskStatus) []string {
	var ret []string
	for _, res := range r.Results {
		if res.Status == s {
			ret = append(ret, res.Task)
		}
	}
	return ret
}

// Executed returns the tasks that executed.
func (r *Report) Executed() []string { return r.withStatus(StatusExecuted) }

// UpToDate returns the tasks that were skipped as up to date.
func (r *Report) UpToDate() []string { return r.withStatus(StatusUpToDate) }

// Failed returns the tasks that failed.
func (r *Report) Failed() []string { return r.withStatus(StatusFailed) }

// Blocked returns the tasks that did not start because a task they
// depend on failed.
func (r *Report) Blocked() []string { return r.withStatus(StatusBlocked) }

// Err returns the error of the first failed task, or nil if no task
// failed.
func (r *Report) Err() error {
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			return errcode.Annotatef(res.Err, "task %q failed", res.Task)
		}
	}
	if blocked := r.Blocked(); len(blocked) > 0 {
		return errcode.Internalf("%d task(s) blocked", len(blocked))
	}
	return nil
}

// Print writes a human readable summary of the report.
func (r *Report) Print(w io.Writer) {
	for _, res := range r.Results {
		line := fmt.Sprintf("%-12s %s", res.Status, res.Task)
		if res.Memoized {
			line += " (memoized)"
		}
		if res.Err != nil && res.Status == StatusFailed {
			line += ": " + res.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
}
