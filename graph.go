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
	"sort"
	"strings"

	"shanhu.io/misc/errcode"
	"shanhu.io/misc/strutil"
	"shanhu.io/text/lexing"
)

// taskGraph is the static graph of registered tasks. It is built once and
// read only afterwards.
type taskGraph struct {
	tasks    map[string]*Task
	names    []string            // Registration order.
	index    map[string]int      // Registration index of each task.
	children map[string][]string // Children in declaration order.
}

func newTaskGraph(tasks []*Task) (*taskGraph, error) {
	g := &taskGraph{
		tasks:    make(map[string]*Task),
		index:    make(map[string]int),
		children: make(map[string][]string),
	}

	errList := lexing.NewErrorList()
	for _, t := range tasks {
		if t.Name == "" {
			errList.Errorf(nil, "task name is empty")
			continue
		}
		if _, ok := g.tasks[t.Name]; ok {
			errList.Errorf(nil, "task %q redeclared", t.Name)
			continue
		}
		g.index[t.Name] = len(g.names)
		g.tasks[t.Name] = t
		g.names = append(g.names, t.Name)
	}

	for _, name := range g.names {
		t := g.tasks[name]
		for _, dep := range t.Depends {
			if _, ok := g.tasks[dep]; !ok {
				errList.Errorf(
					nil, "dependency %q of task %q not found", dep, name,
				)
			}
		}
		if t.Parent == "" {
			continue
		}
		if _, ok := g.tasks[t.Parent]; !ok {
			errList.Errorf(nil, "parent %q of task %q not found", t.Parent, name)
			continue
		}
		g.children[t.Parent] = append(g.children[t.Parent], name)
	}
	if errs := errList.Errs(); errs != nil {
		return nil, graphError(errs)
	}

	g.checkCycles(errList)
	if errs := errList.Errs(); errs != nil {
		return nil, graphError(errs)
	}
	return g, nil
}

func graphError(errs []*lexing.Error) error {
	var msgs []string
	for _, err := range errs {
		msgs = append(msgs, err.Err.Error())
	}
	return errcode.InvalidArgf("invalid task graph: %s", strings.Join(msgs, "; "))
}

// prereqs returns the tasks that must complete before the task starts:
// its declared dependencies followed by its children.
func (g *taskGraph) prereqs(name string) []string {
	t := g.tasks[name]
	var ret []string
	ret = append(ret, t.Depends...)
	ret = append(ret, g.children[name]...)
	return ret
}

// siblingBefore returns the child of the same parent that is declared
// right before the task. Children of a parent run in declaration order.
func (g *taskGraph) siblingBefore(name string) string {
	t := g.tasks[name]
	if t.Parent == "" {
		return ""
	}
	siblings := g.children[t.Parent]
	for i, s := range siblings {
		if s == name && i > 0 {
			return siblings[i-1]
		}
	}
	return ""
}

// staticEdges returns all edges that may ever be used in a run, including
// the ordering between siblings.
func (g *taskGraph) staticEdges(name string) []string {
	ret := g.prereqs(name)
	if s := g.siblingBefore(name); s != "" {
		ret = append(ret, s)
	}
	return ret
}

func (g *taskGraph) checkCycles(errList *lexing.ErrorList) {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int)
	tracer := newRefTracer()
	reported := make(map[string]bool)

	var visit func(name string)
	visit = func(name string) {
		switch state[name] {
		case visited:
			return
		case visiting:
			cycle := tracer.cycle(name)
			key := cycleKey(cycle)
			if !reported[key] {
				reported[key] = true
				errList.Errorf(
					nil, "task dependency cycle: %s",
					strings.Join(cycle, " -> "),
				)
			}
			return
		}

		state[name] = visiting
		tracer.push(name)
		for _, dep := range g.staticEdges(name) {
			visit(dep)
		}
		tracer.pop()
		state[name] = visited
	}

	for _, name := range g.names {
		visit(name)
	}
}

func cycleKey(cycle []string) string {
	return strings.Join(strutil.SortedList(strutil.MakeSet(cycle)), ",")
}

// descendants returns the task and all its children, recursively, in
// declaration order.
func (g *taskGraph) descendants(name string) []string {
	ret := []string{name}
	for _, c := range g.children[name] {
		ret = append(ret, g.descendants(c)...)
	}
	return ret
}

// planNode is a task scheduled in a single run.
type planNode struct {
	name  string
	task  *Task
	deps  map[string]bool
	outs  []string
	force bool
}

// plan is the subgraph of tasks a single run needs, with the edges
// resolved for that run.
type plan struct {
	root  string
	nodes map[string]*planNode
	order []string // Registration order.
}

func (p *plan) reaches(from, to string) bool {
	seen := make(map[string]bool)
	var visit func(n string) bool
	visit = func(n string) bool {
		if n == to {
			return true
		}
		if seen[n] {
			return false
		}
		seen[n] = true
		for dep := range p.nodes[n].deps {
			if visit(dep) {
				return true
			}
		}
		return false
	}
	return visit(from)
}

// newPlan collects the transitive closure of the root task. Siblings are
// ordered when their parent is part of the run, and tasks writing the same
// output path are ordered by registration when nothing else orders them.
func (g *taskGraph) newPlan(
	root string, outputs func(t *Task) ([]string, error),
) (*plan, error) {
	p := &plan{
		root:  root,
		nodes: make(map[string]*planNode),
	}

	var add func(name string)
	add = func(name string) {
		if _, ok := p.nodes[name]; ok {
			return
		}
		n := &planNode{
			name: name,
			task: g.tasks[name],
			deps: make(map[string]bool),
		}
		p.nodes[name] = n
		for _, dep := range g.prereqs(name) {
			n.deps[dep] = true
			add(dep)
		}
	}
	add(root)

	for name := range p.nodes {
		p.order = append(p.order, name)
	}
	sort.Slice(p.order, func(i, j int) bool {
		return g.index[p.order[i]] < g.index[p.order[j]]
	})

	for _, name := range p.order {
		if s := g.siblingBefore(name); s != "" {
			if _, ok := p.nodes[g.tasks[name].Parent]; ok {
				p.nodes[name].deps[s] = true
			}
		}
	}

	owners := make(map[string][]string)
	var paths []string
	for _, name := range p.order {
		n := p.nodes[name]
		outs, err := outputs(n.task)
		if err != nil {
			return nil, errcode.Annotatef(err, "outputs of task %q", name)
		}
		n.outs = outs
		for _, out := range strutil.SortedList(strutil.MakeSet(outs)) {
			if _, ok := owners[out]; !ok {
				paths = append(paths, out)
			}
			owners[out] = append(owners[out], name)
		}
	}
	for _, out := range paths {
		names := owners[out]
		for j := 1; j < len(names); j++ {
			for i := 0; i < j; i++ {
				a, b := names[i], names[j]
				if p.reaches(a, b) || p.reaches(b, a) {
					continue
				}
				p.nodes[b].deps[a] = true
			}
		}
	}
	return p, nil
}
