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

// refTracer tracks the chain of names being visited, so that a reference
// cycle can be reported with the full path that leads to it.
type refTracer struct {
	trace []string
	m     map[string]bool
}

func newRefTracer() *refTracer {
	return &refTracer{
		m: make(map[string]bool),
	}
}

// push adds name to the trace. It returns false when name is already on
// the trace, which means that following name closes a cycle.
func (t *refTracer) push(name string) bool {
	if t.m[name] {
		return false
	}
	t.trace = append(t.trace, name)
	t.m[name] = true
	return true
}

func (t *refTracer) pop() {
	n := len(t.trace)
	if n == 0 {
		return
	}
	last := t.trace[n-1]
	delete(t.m, last)
	t.trace = t.trace[:n-1]
}

func (t *refTracer) depth() int { return len(t.trace) }

// cycle returns the path of the cycle that name would close.
func (t *refTracer) cycle(name string) []string {
	start := 0
	for i, s := range t.trace {
		if s == name {
			start = i
			break
		}
	}
	var ret []string
	ret = append(ret, t.trace[start:]...)
	return append(ret, name)
}
