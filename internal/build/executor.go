// Package build executes stale pipeline targets in dependency order.
//
// The executor is a staleness-probing scheduler: before a target's recipe is
// spawned it is probed against the staleness evaluator, and a fresh target is
// committed without running anything (the analog of a cache hit). Each recipe
// runs at most once per driver invocation regardless of how many dependents
// reference it.
package build

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DerekHarter/kinect-skeleton-tracking/internal/event"
	"github.com/DerekHarter/kinect-skeleton-tracking/internal/graph"
	"github.com/DerekHarter/kinect-skeleton-tracking/internal/stale"
)

// Policy selects how the run reacts to a recipe failure.
type Policy string

const (
	// PolicyFailFast stops dispatching new recipes after the first failure.
	// Already-spawned siblings are allowed to finish; nothing is killed.
	PolicyFailFast Policy = "fail-fast"

	// PolicyKeepGoing completes every branch not transitively depending on
	// a failed target.
	PolicyKeepGoing Policy = "keep-going"
)

// Options configures one Executor.
type Options struct {
	// WorkDir is the directory recipes run in and paths resolve against.
	WorkDir string

	// Jobs bounds concurrent recipe processes. Values below 2 mean serial.
	Jobs int

	Policy Policy

	// DryRun reports what would run without spawning any process.
	DryRun bool

	// Evaluator judges per-target freshness; required.
	Evaluator stale.Evaluator

	// Snapshot is the filesystem capture the run is judged against; required.
	Snapshot *stale.Snapshot

	Logger *zap.Logger
	Sink   event.Sink
}

type completion struct {
	name string
	pr   *procResult
	err  error
}

// Executor runs one requested target set over an immutable graph.
//
// All state reads and writes are guarded by a single mutex; recipe processes
// run outside the lock.
type Executor struct {
	graph *graph.Graph
	opts  Options

	mu     sync.Mutex
	status map[string]Status
	ran    map[string]bool // recipe executed (or planned, in dry runs) this run
	need   map[string]struct{}
}

// New creates an executor for the given graph.
func New(g *graph.Graph, opts Options) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	if opts.Evaluator == nil {
		return nil, fmt.Errorf("nil staleness evaluator")
	}
	if opts.Snapshot == nil {
		return nil, fmt.Errorf("nil snapshot")
	}
	if opts.Jobs < 1 {
		opts.Jobs = 1
	}
	if opts.Policy == "" {
		opts.Policy = PolicyFailFast
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sink == nil {
		opts.Sink = event.NopSink{}
	}
	return &Executor{graph: g, opts: opts}, nil
}

// StatusSnapshot returns a copy of the current per-target status.
func (e *Executor) StatusSnapshot() map[string]Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make(map[string]Status, len(e.status))
	for k, v := range e.status {
		cp[k] = v
	}
	return cp
}

// Run builds the requested targets (default: the "all" phony).
//
// Ordering guarantee: a target's recipe never starts before every input has
// finished building or been confirmed fresh. A nil error with a failing
// Result means recipes failed; a non-nil error means the driver itself could
// not proceed.
func (e *Executor) Run(ctx context.Context, requested []string) (*Result, error) {
	if len(requested) == 0 {
		requested = []string{graph.DefaultTarget}
	}
	need, err := e.graph.Closure(requested)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.need = need
	e.status = make(map[string]Status, len(need))
	e.ran = make(map[string]bool, len(need))
	for name := range need {
		if n, _ := e.graph.Node(name); n.Kind != graph.KindSource {
			e.status[name] = StatusPending
		}
	}
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	res := &Result{
		FinalStatus: make(map[string]Status, len(e.status)),
		Stdout:      make(map[string][]byte),
		Stderr:      make(map[string][]byte),
		ExitCode:    make(map[string]int),
		DryRun:      e.opts.DryRun,
	}

	var workers errgroup.Group
	doneCh := make(chan completion, len(need))
	inFlight := 0
	aborting := false

	abort := func(err error) (*Result, error) {
		cancel()
		_ = workers.Wait()
		return nil, err
	}

	for {
		e.mu.Lock()
		if !aborting {
			// Dispatch to a fixpoint: confirming a target fresh can make
			// its dependents ready within the same pass.
			for {
				progressed := false
				for _, name := range e.readyLocked() {
					if inFlight >= e.opts.Jobs || aborting {
						break
					}
					dispatched, derr := e.dispatchLocked(ctx, name, res, &workers, doneCh, &inFlight, &aborting)
					if derr != nil {
						e.mu.Unlock()
						return abort(derr)
					}
					progressed = progressed || dispatched
				}
				if !progressed || inFlight >= e.opts.Jobs || aborting {
					break
				}
			}
		}

		if inFlight == 0 {
			pendingLeft := false
			for _, st := range e.status {
				if !IsTerminal(st) {
					pendingLeft = true
					break
				}
			}
			if pendingLeft && aborting {
				for name, st := range e.status {
					if st == StatusPending {
						e.status[name] = StatusSkipped
						event.SafeRecord(e.opts.Sink, event.Event{Kind: event.TargetSkipped, Target: name, Cause: "aborted"})
					}
				}
				pendingLeft = false
			}
			if !pendingLeft {
				for name, st := range e.status {
					res.FinalStatus[name] = st
				}
				e.mu.Unlock()
				_ = workers.Wait()
				res.tally(func(name string) bool {
					n, _ := e.graph.Node(name)
					return n.Kind != graph.KindPhony || n.HasRecipe()
				})
				return res, nil
			}
			e.mu.Unlock()
			return abort(fmt.Errorf("no ready targets but build not finished"))
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return abort(fmt.Errorf("build cancelled: %w", ctx.Err()))
		case c := <-doneCh:
			if c.err != nil {
				return abort(fmt.Errorf("executing %q: %w", c.name, c.err))
			}
			e.mu.Lock()
			inFlight--
			if err := e.completeLocked(c, res, &aborting); err != nil {
				e.mu.Unlock()
				return abort(err)
			}
			e.mu.Unlock()
		}
	}
}

// readyLocked returns targets eligible to start, ordered by (topological
// depth asc, name asc) so dispatch is deterministic.
func (e *Executor) readyLocked() []string {
	ready := make([]string, 0)
	for name, st := range e.status {
		if st != StatusPending {
			continue
		}
		ok := true
		node, _ := e.graph.Node(name)
		for _, dep := range node.Inputs {
			depNode, _ := e.graph.Node(dep)
			if depNode.Kind == graph.KindSource {
				continue // existence checked at dispatch
			}
			if !IsSatisfied(e.status[dep]) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		ad, _ := e.graph.Depth(a)
		bd, _ := e.graph.Depth(b)
		if ad != bd {
			return ad < bd
		}
		return a < b
	})
	return ready
}

// dispatchLocked probes one ready target and either commits it (fresh,
// recipe-less phony, missing input, dry run) or hands its recipe to the
// worker pool. Reports whether any state changed.
func (e *Executor) dispatchLocked(ctx context.Context, name string, res *Result, workers *errgroup.Group, doneCh chan<- completion, inFlight *int, aborting *bool) (bool, error) {
	if e.status[name] != StatusPending {
		// Skipped by failure propagation earlier in this same pass.
		return false, nil
	}
	node, _ := e.graph.Node(name)
	fileInputs := e.fileInputs(node)

	if missing := e.missingSources(node); len(missing) > 0 {
		if err := e.transition(name, StatusPending, StatusFailed); err != nil {
			return false, err
		}
		msg := fmt.Sprintf("missing input: %s (no rule produces it)", strings.Join(missing, ", "))
		res.Stderr[name] = []byte(msg + "\n")
		res.ExitCode[name] = -1
		res.FailedTargets = append(res.FailedTargets, name)
		event.SafeRecord(e.opts.Sink, event.Event{Kind: event.TargetFailed, Target: name, Cause: "missing-input"})
		e.opts.Logger.Error("missing input", zap.String("target", name), zap.Strings("missing", missing))
		if err := e.skipDependentsLocked(name); err != nil {
			return false, err
		}
		if e.opts.Policy == PolicyFailFast {
			*aborting = true
		}
		return true, nil
	}

	isStale := node.Kind == graph.KindPhony || e.anyDepRan(node)
	if !isStale {
		fresh, err := e.opts.Evaluator.Fresh(name, fileInputs)
		if err != nil {
			return false, fmt.Errorf("probing freshness of %q: %w", name, err)
		}
		isStale = !fresh
	}

	if !isStale {
		if err := e.transition(name, StatusPending, StatusFresh); err != nil {
			return false, err
		}
		event.SafeRecord(e.opts.Sink, event.Event{Kind: event.TargetFresh, Target: name})
		e.opts.Logger.Debug("target fresh", zap.String("target", name))
		return true, nil
	}

	if !node.HasRecipe() {
		// Recipe-less phony grouping: satisfied once its inputs are.
		if err := e.transition(name, StatusPending, StatusRunning); err != nil {
			return false, err
		}
		if err := e.transition(name, StatusRunning, StatusBuilt); err != nil {
			return false, err
		}
		return true, nil
	}

	if e.opts.DryRun {
		if err := e.transition(name, StatusPending, StatusRunning); err != nil {
			return false, err
		}
		if err := e.transition(name, StatusRunning, StatusBuilt); err != nil {
			return false, err
		}
		res.ExecutionOrder = append(res.ExecutionOrder, name)
		e.ran[name] = true
		event.SafeRecord(e.opts.Sink, event.Event{Kind: event.RecipeStarted, Target: name, Cause: "dry-run"})
		e.opts.Logger.Info("would build", zap.String("target", name), zap.String("recipe", node.Run))
		return true, nil
	}

	if err := e.transition(name, StatusPending, StatusRunning); err != nil {
		return false, err
	}
	res.ExecutionOrder = append(res.ExecutionOrder, name)
	*inFlight++
	event.SafeRecord(e.opts.Sink, event.Event{Kind: event.RecipeStarted, Target: name})
	e.opts.Logger.Info("building", zap.String("target", name), zap.String("recipe", node.Run))

	command, env := node.Run, node.Env
	workers.Go(func() error {
		pr, err := runRecipe(ctx, e.opts.WorkDir, command, env)
		doneCh <- completion{name: name, pr: pr, err: err}
		return nil
	})
	return true, nil
}

// completeLocked commits a finished recipe.
func (e *Executor) completeLocked(c completion, res *Result, aborting *bool) error {
	if c.pr == nil {
		return fmt.Errorf("executing %q: nil result", c.name)
	}
	res.Stdout[c.name] = c.pr.stdout
	res.Stderr[c.name] = c.pr.stderr
	res.ExitCode[c.name] = c.pr.exitCode

	node, _ := e.graph.Node(c.name)

	if c.pr.exitCode == 0 {
		if err := e.transition(c.name, StatusRunning, StatusBuilt); err != nil {
			return err
		}
		e.ran[c.name] = true
		if node.Kind != graph.KindPhony {
			if err := e.opts.Evaluator.Commit(c.name, e.fileInputs(node)); err != nil {
				return fmt.Errorf("recording build of %q: %w", c.name, err)
			}
		}
		event.SafeRecord(e.opts.Sink, event.Event{Kind: event.TargetBuilt, Target: c.name})
		e.opts.Logger.Info("built", zap.String("target", c.name))
		return nil
	}

	if err := e.transition(c.name, StatusRunning, StatusFailed); err != nil {
		return err
	}
	res.FailedTargets = append(res.FailedTargets, c.name)
	event.SafeRecord(e.opts.Sink, event.Event{Kind: event.TargetFailed, Target: c.name, Cause: fmt.Sprintf("exit %d", c.pr.exitCode)})
	e.opts.Logger.Error("recipe failed",
		zap.String("target", c.name),
		zap.Int("exit_code", c.pr.exitCode),
		zap.ByteString("stderr", c.pr.stderr))
	if err := e.skipDependentsLocked(c.name); err != nil {
		return err
	}
	if e.opts.Policy == PolicyFailFast {
		*aborting = true
	}
	return nil
}

// skipDependentsLocked transitively marks everything depending on name as
// SKIPPED. A RUNNING dependent indicates a scheduling bug and is reported as
// an invariant violation.
func (e *Executor) skipDependentsLocked(name string) error {
	queue := []string{name}
	visited := map[string]struct{}{name: {}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range e.graph.Dependents(cur) {
			if _, seen := visited[dep]; seen {
				continue
			}
			visited[dep] = struct{}{}
			if _, needed := e.need[dep]; !needed {
				continue
			}
			switch e.status[dep] {
			case StatusPending:
				e.status[dep] = StatusSkipped
				event.SafeRecord(e.opts.Sink, event.Event{Kind: event.TargetSkipped, Target: dep, Cause: name})
				e.opts.Logger.Warn("skipping dependent", zap.String("target", dep), zap.String("failed", name))
			case StatusRunning:
				return fmt.Errorf("invariant violation: dependent %q is RUNNING during failure propagation", dep)
			}
			queue = append(queue, dep)
		}
	}
	return nil
}

// fileInputs returns the target's non-phony inputs, the paths freshness is
// judged against.
func (e *Executor) fileInputs(node *graph.Target) []string {
	out := make([]string, 0, len(node.Inputs))
	for _, in := range node.Inputs {
		if dep, _ := e.graph.Node(in); dep.Kind != graph.KindPhony {
			out = append(out, in)
		}
	}
	return out
}

// missingSources returns direct source inputs absent from the snapshot.
func (e *Executor) missingSources(node *graph.Target) []string {
	var missing []string
	for _, in := range node.Inputs {
		if dep, _ := e.graph.Node(in); dep.Kind == graph.KindSource {
			if !e.opts.Snapshot.Lookup(in).Exists {
				missing = append(missing, in)
			}
		}
	}
	return missing
}

// anyDepRan reports whether any input's recipe executed during this run.
// A rebuilt input always forces the dependent to rebuild, without re-reading
// filesystem timestamps.
func (e *Executor) anyDepRan(node *graph.Target) bool {
	for _, in := range node.Inputs {
		if e.ran[in] {
			return true
		}
	}
	return false
}
