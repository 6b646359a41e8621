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
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"shanhu.io/misc/errcode"
)

// TaskStatus is the outcome of a task in a run.
type TaskStatus int

// Task outcomes.
const (
	StatusExecuted TaskStatus = iota + 1
	StatusUpToDate
	StatusFailed
	StatusBlocked
)

var statusNames = map[TaskStatus]string{
	StatusExecuted: "executed",
	StatusUpToDate: "up to date",
	StatusFailed:   "failed",
	StatusBlocked:  "blocked",
}

func (s TaskStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// TaskResult is the outcome of a single task.
type TaskResult struct {
	Task   string
	Status TaskStatus
	Err    error

	// The task was already settled by an earlier run of the same
	// invocation, and this result is reused.
	Memoized bool
}

func (r *TaskResult) ok() bool {
	return r.Status == StatusExecuted || r.Status == StatusUpToDate
}

// RunOptions are the options of running a task.
type RunOptions struct {
	// Force bypasses the checkers of the requested task.
	Force bool

	// Other tasks whose checkers are bypassed.
	ForceTasks []string

	// Maximum number of tasks that execute at the same time. Defaults to
	// the number of CPUs.
	Workers int

	// Arguments of the requested task.
	Args   []string
	Kwargs map[string]string
}

// Scheduler runs tasks of a static task graph in dependency order.
type Scheduler struct {
	env   *Env
	graph *taskGraph
}

// NewScheduler creates a scheduler over the tasks. It fails with a
// configuration error when the graph has unknown references or cycles.
func NewScheduler(env *Env, tasks []*Task) (*Scheduler, error) {
	g, err := newTaskGraph(tasks)
	if err != nil {
		return nil, err
	}
	return &Scheduler{env: env, graph: g}, nil
}

// Task returns the task of the given name, or nil if it does not exist.
func (s *Scheduler) Task(name string) *Task { return s.graph.tasks[name] }

// Tasks returns all tasks in registration order.
func (s *Scheduler) Tasks() []*Task {
	var ret []*Task
	for _, name := range s.graph.names {
		ret = append(ret, s.graph.tasks[name])
	}
	return ret
}

// Children returns the names of the children of a task in declaration
// order.
func (s *Scheduler) Children(name string) []string {
	return append([]string(nil), s.graph.children[name]...)
}

// Run runs a task in a fresh invocation.
func (s *Scheduler) Run(ctx context.Context, name string, opts *RunOptions) (
	*Report, error,
) {
	return s.NewInvocation().Run(ctx, name, opts)
}

// Clean runs the clean actions of a task. For a task with children, the
// children are cleaned first, in reverse declaration order. All clean
// actions are attempted, and the first error is returned.
func (s *Scheduler) Clean(ctx context.Context, name string) error {
	if _, ok := s.graph.tasks[name]; !ok {
		return errcode.InvalidArgf("unknown task %q", name)
	}
	return s.clean(ctx, name)
}

func (s *Scheduler) clean(ctx context.Context, name string) error {
	var firstErr error
	children := s.graph.children[name]
	for i := len(children) - 1; i >= 0; i-- {
		if err := s.clean(ctx, children[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	t := s.graph.tasks[name]
	if t.Clean == nil {
		return firstErr
	}
	log.Printf("CLEAN %s", name)
	if err := t.Clean(ctx, s.env); err != nil {
		log.Printf("clean %s failed: %s", name, err)
		if firstErr == nil {
			firstErr = errcode.Annotatef(err, "clean %q", name)
		}
	}
	return firstErr
}

type invocationEntry struct {
	done   chan struct{}
	result *TaskResult
}

// Invocation is a scope of runs in which each task is settled at most
// once. Runs of the same invocation may happen concurrently.
type Invocation struct {
	s *Scheduler

	mu      sync.Mutex
	entries map[string]*invocationEntry
}

// NewInvocation creates a new invocation scope.
func (s *Scheduler) NewInvocation() *Invocation {
	return &Invocation{
		s:       s,
		entries: make(map[string]*invocationEntry),
	}
}

// claim returns the entry of the task, and if the caller is the first one
// to claim it, in which case the caller must settle it.
func (inv *Invocation) claim(name string) (*invocationEntry, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if e, ok := inv.entries[name]; ok {
		return e, false
	}
	e := &invocationEntry{done: make(chan struct{})}
	inv.entries[name] = e
	return e, true
}

func (inv *Invocation) settle(name string, e *invocationEntry, r *TaskResult) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	e.result = r
	close(e.done)
	if r.Status == StatusBlocked {
		// Interrupted before settling; a later run may retry.
		delete(inv.entries, name)
	}
}

const (
	nodePending int32 = iota
	nodeRunning
	nodeSkipped
)

type runNode struct {
	*planNode

	prereqs    []*runNode
	dependents []*runNode
	pending    atomic.Int32
	state      atomic.Int32
	call       *Call
	result     *TaskResult
}

type run struct {
	inv    *Invocation
	env    *Env
	nodes  map[string]*runNode
	ready  chan *runNode
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu        sync.Mutex
	report    *Report
	configErr error
}

// Run runs the named task and all the tasks it depends on. Each task is
// executed at most once in the invocation. When a task fails, tasks that
// depend on it are blocked while independent tasks continue. When a
// configuration error happens, no new task starts and the error is
// returned.
func (inv *Invocation) Run(
	ctx context.Context, name string, opts *RunOptions,
) (*Report, error) {
	if opts == nil {
		opts = new(RunOptions)
	}
	g := inv.s.graph
	if _, ok := g.tasks[name]; !ok {
		return nil, errcode.InvalidArgf("unknown task %q", name)
	}
	forced := make(map[string]bool)
	if opts.Force {
		forced[name] = true
	}
	for _, f := range opts.ForceTasks {
		if _, ok := g.tasks[f]; !ok {
			return nil, errcode.InvalidArgf("unknown task %q to force", f)
		}
		forced[f] = true
	}
	for f := range forced {
		if g.tasks[f].virtual() {
			for _, d := range g.descendants(f) {
				forced[d] = true
			}
		}
	}

	env := inv.s.env
	p, err := g.newPlan(name, func(t *Task) ([]string, error) {
		return env.Config.ResolveArgs(t.Outputs)
	})
	if err != nil {
		return nil, err
	}

	r := &run{
		inv:    inv,
		env:    env,
		nodes:  make(map[string]*runNode),
		ready:  make(chan *runNode, len(p.nodes)),
		report: &Report{Task: name},
	}
	for _, n := range p.order {
		pn := p.nodes[n]
		pn.force = forced[n]
		rn := &runNode{
			planNode: pn,
			call:     &Call{Task: n, Force: pn.force},
		}
		if n == name {
			rn.call.Args = opts.Args
			rn.call.Kwargs = opts.Kwargs
		}
		r.nodes[n] = rn
	}
	for _, n := range p.order {
		rn := r.nodes[n]
		for _, dep := range sortedDeps(p, rn.planNode) {
			d := r.nodes[dep]
			rn.prereqs = append(rn.prereqs, d)
			d.dependents = append(d.dependents, rn)
		}
		rn.pending.Store(int32(len(rn.prereqs)))
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(r.nodes) {
		workers = len(r.nodes)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	r.wg.Add(len(r.nodes))
	for _, n := range p.order {
		if rn := r.nodes[n]; len(rn.prereqs) == 0 {
			r.ready <- rn
		}
	}
	for i := 0; i < workers; i++ {
		go r.worker(runCtx)
	}
	r.wg.Wait()
	close(r.ready)

	if r.configErr != nil {
		return r.report, r.configErr
	}
	if err := ctx.Err(); err != nil {
		return r.report, err
	}
	return r.report, r.report.Err()
}

func sortedDeps(p *plan, n *planNode) []string {
	var ret []string
	for _, name := range p.order {
		if n.deps[name] {
			ret = append(ret, name)
		}
	}
	return ret
}

func (r *run) worker(ctx context.Context) {
	for n := range r.ready {
		if !n.state.CompareAndSwap(nodePending, nodeRunning) {
			continue // Already blocked by a failed dependency.
		}

		if err := ctx.Err(); err != nil {
			r.finish(n, &TaskResult{
				Task:   n.name,
				Status: StatusBlocked,
				Err:    err,
			})
			continue
		}

		r.finish(n, r.settle(ctx, n))
	}
}

func (r *run) finish(n *runNode, res *TaskResult) {
	n.result = res
	r.mu.Lock()
	r.report.add(res)
	if res.Status == StatusFailed && IsConfigError(res.Err) {
		if r.configErr == nil {
			r.configErr = res.Err
		}
		r.cancel()
	}
	r.mu.Unlock()

	if res.ok() {
		for _, d := range n.dependents {
			if d.pending.Add(-1) == 0 {
				r.ready <- d
			}
		}
	} else {
		r.block(n)
	}
	r.wg.Done()
}

// block marks all tasks that depend on n as blocked.
func (r *run) block(n *runNode) {
	for _, d := range n.dependents {
		if !d.state.CompareAndSwap(nodePending, nodeSkipped) {
			continue
		}
		log.Printf("BLOCK %s", d.name)
		res := &TaskResult{
			Task:   d.name,
			Status: StatusBlocked,
			Err:    errcode.Internalf("blocked by %q", n.name),
		}
		d.result = res
		r.mu.Lock()
		r.report.add(res)
		r.mu.Unlock()
		r.block(d)
		r.wg.Done()
	}
}

func (r *run) children(n *runNode) []*runNode {
	var ret []*runNode
	for _, c := range r.inv.s.graph.children[n.name] {
		ret = append(ret, r.nodes[c])
	}
	return ret
}

// settle settles the task at most once in the invocation. When another
// run of the invocation settles the task, it waits for that result.
func (r *run) settle(ctx context.Context, n *runNode) *TaskResult {
	e, owner := r.inv.claim(n.name)
	if !owner {
		select {
		case <-e.done:
		case <-ctx.Done():
			return &TaskResult{
				Task:   n.name,
				Status: StatusBlocked,
				Err:    ctx.Err(),
			}
		}
		res := *e.result
		res.Memoized = true
		return &res
	}

	res := r.exec(ctx, n)
	r.inv.settle(n.name, e, res)
	return res
}

func (r *run) exec(ctx context.Context, n *runNode) *TaskResult {
	res := &TaskResult{Task: n.name}
	t := n.task

	// A parent is stale whenever one of its children did not stay up to
	// date, regardless of its own checkers.
	children := r.children(n)
	childrenFresh := true
	for _, c := range children {
		if c.result.Status != StatusUpToDate {
			childrenFresh = false
		}
	}

	if t.virtual() {
		upToDate := !n.force && childrenFresh &&
			(len(children) > 0 || len(t.Check) > 0)
		if upToDate && len(t.Check) > 0 {
			ok, err := r.check(ctx, n)
			if err != nil {
				res.Status = StatusFailed
				res.Err = err
				log.Printf("FAIL %s: %s", n.name, err)
				return res
			}
			upToDate = ok
		}
		if upToDate {
			log.Printf("SKIP %s (up to date)", n.name)
			res.Status = StatusUpToDate
			return res
		}
	} else {
		if !n.force && childrenFresh && len(t.Check) > 0 {
			ok, err := r.check(ctx, n)
			if err != nil {
				res.Status = StatusFailed
				res.Err = err
				log.Printf("FAIL %s: %s", n.name, err)
				return res
			}
			if ok {
				log.Printf("SKIP %s (up to date)", n.name)
				res.Status = StatusUpToDate
				return res
			}
		}

		log.Printf("RUN %s", n.name)
		if err := t.Execute(ctx, r.env, n.call); err != nil {
			res.Status = StatusFailed
			res.Err = errcode.Annotatef(err, "run %q", n.name)
			log.Printf("FAIL %s: %s", n.name, err)
			return res
		}
	}

	if err := r.record(ctx, n); err != nil {
		res.Status = StatusFailed
		res.Err = err
		log.Printf("FAIL %s: %s", n.name, err)
		return res
	}
	res.Status = StatusExecuted
	return res
}

// check evaluates all checkers of the task. The task is up to date only
// when all of them are satisfied.
func (r *run) check(ctx context.Context, n *runNode) (bool, error) {
	for _, c := range n.task.Check {
		ok, err := c.Check(ctx, r.env, n.name)
		if err != nil {
			return false, errcode.Annotatef(err, "check %q", n.name)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (r *run) record(ctx context.Context, n *runNode) error {
	for _, c := range n.task.Check {
		rec, ok := c.(Recorder)
		if !ok {
			continue
		}
		if err := rec.Record(ctx, r.env, n.name); err != nil {
			return errcode.Annotatef(err, "record %q", n.name)
		}
	}
	return nil
}
