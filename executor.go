// Executor (§4.4): traverses the DAG in dependency order, runs recipes of
// outdated nodes with bounded parallelism, propagates failures, and honors
// dry-run / question / output-sync modes.
//
// The coordinator (Run) is single-threaded; it dispatches recipe execution
// to goroutines admitted under a parallel-safety policy mirroring the
// teacher's reserveSubproc/reserveExclusiveSubproc pair (mk.go): a rule
// whose Parallel flag is false runs only when nothing else is running, and
// blocks new dispatches until it completes (§9 "parallel-safety default").

package main

import (
	"context"
	"runtime"
)

// NodeState is a node's position in the §4.4 state machine.
type NodeState int

const (
	Pending NodeState = iota
	Ready
	Running
	Completed
	Failed
	SkippedUpToDate
	SkippedDepFailed
)

func (s NodeState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case SkippedUpToDate:
		return "skipped-up-to-date"
	case SkippedDepFailed:
		return "skipped-dep-failed"
	default:
		return "unknown"
	}
}

// RunOptions configures one Executor.Run invocation.
type RunOptions struct {
	Jobs     int  // bounded worker count; <= 0 means runtime.NumCPU()
	DryRun   bool // print steps, don't execute; skip predicates
	Question bool // don't run or print; report root outdated status only
}

// Result summarizes one invocation.
type Result struct {
	RootOutdated  bool
	Failed        bool
	FailedTargets []string
	States        map[string]NodeState
}

// Executor runs the recipes of outdated nodes in a Graph.
type Executor struct {
	Graph    *Graph
	Fresh    *Freshness
	Reporter *Reporter
	Runner   ProcessRunner
	ProjectDir string
}

type nodeResult struct {
	node *GraphNode
	err  error
}

// Run executes graph according to opts. Freshness must already have been
// evaluated (eagerly, per §5) by the caller via f.Evaluate(), with
// f.SkipPredicates set to opts.DryRun before evaluating.
func (e *Executor) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	rootOutdated, err := e.Fresh.Outdated(e.Graph.Root)
	if err != nil {
		return nil, err
	}

	result := &Result{RootOutdated: rootOutdated, States: make(map[string]NodeState)}

	if opts.Question {
		return result, nil
	}

	rootName := e.Graph.Root.Target.String()
	if !rootOutdated {
		e.Reporter.UpToDate(rootName)
		for _, n := range e.Graph.Order {
			result.States[n.key()] = SkippedUpToDate
		}
		return result, nil
	}
	e.Reporter.Executing(rootName)

	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}

	dependents := make(map[string][]*GraphNode)
	depsRemaining := make(map[string]int)
	for _, n := range e.Graph.Order {
		depsRemaining[n.key()] = len(n.Deps)
		for _, d := range n.Deps {
			dependents[d.key()] = append(dependents[d.key()], n)
		}
	}

	states := result.States
	for _, n := range e.Graph.Order {
		states[n.key()] = Pending
	}

	var readyToDecide []*GraphNode
	var waitingToRun []*GraphNode
	var failFastTriggered bool
	var failedTargets []string
	runningCount := 0
	exclusiveActive := false
	inFlight := 0
	done := make(chan nodeResult)

	enqueueIfReady := func(n *GraphNode) {
		if depsRemaining[n.key()] == 0 && states[n.key()] == Pending {
			readyToDecide = append(readyToDecide, n)
		}
	}
	for _, n := range e.Graph.Order {
		enqueueIfReady(n)
	}

	anyDepFailed := func(n *GraphNode) bool {
		for _, d := range n.Deps {
			s := states[d.key()]
			if s == Failed || s == SkippedDepFailed {
				return true
			}
		}
		return false
	}

	propagate := func(n *GraphNode) {
		for _, dep := range dependents[n.key()] {
			depsRemaining[dep.key()]--
			enqueueIfReady(dep)
		}
	}

	needsRun := func(n *GraphNode) bool {
		if n.Rule == nil || len(n.Rule.Recipe) == 0 {
			return false
		}
		out, _ := e.Fresh.Outdated(n) // already memoized; error impossible here
		return out
	}

	canAdmit := func(n *GraphNode) bool {
		if exclusiveActive {
			return false
		}
		parallelSafe := n.Rule != nil && n.Rule.Parallel
		if !parallelSafe {
			return runningCount == 0
		}
		return runningCount < jobs
	}

	dispatch := func(n *GraphNode) {
		parallelSafe := n.Rule != nil && n.Rule.Parallel
		runningCount++
		if !parallelSafe {
			exclusiveActive = true
		}
		states[n.key()] = Running
		inFlight++
		go func() {
			err := e.runNode(ctx, n, opts)
			done <- nodeResult{node: n, err: err}
		}()
	}

	for len(readyToDecide) > 0 || len(waitingToRun) > 0 || inFlight > 0 {
		for len(readyToDecide) > 0 {
			n := readyToDecide[0]
			readyToDecide = readyToDecide[1:]

			if anyDepFailed(n) {
				states[n.key()] = SkippedDepFailed
				propagate(n)
				continue
			}
			if !needsRun(n) {
				states[n.key()] = SkippedUpToDate
				propagate(n)
				continue
			}
			states[n.key()] = Ready
			waitingToRun = append(waitingToRun, n)
		}

		dispatchedAny := true
		for dispatchedAny {
			dispatchedAny = false
			if failFastTriggered {
				break
			}
			for i, n := range waitingToRun {
				if canAdmit(n) {
					dispatch(n)
					waitingToRun = append(waitingToRun[:i], waitingToRun[i+1:]...)
					dispatchedAny = true
					break
				}
			}
		}

		if inFlight == 0 && len(readyToDecide) == 0 {
			if len(waitingToRun) > 0 {
				// fail-fast: these were ready to run but no new dispatch is
				// permitted after the first failure (§4.4).
				for _, n := range waitingToRun {
					states[n.key()] = SkippedDepFailed
					propagate(n)
				}
				waitingToRun = nil
				continue
			}
			break
		}

		if inFlight > 0 {
			res := <-done
			inFlight--
			runningCount--
			if res.node.Rule == nil || !res.node.Rule.Parallel {
				exclusiveActive = false
			}
			if res.err != nil {
				states[res.node.key()] = Failed
				failFastTriggered = true
				failedTargets = append(failedTargets, res.node.Target.String())
				e.Reporter.Errorf("%v", res.err)
			} else {
				states[res.node.key()] = Completed
			}
			propagate(res.node)
		}
	}

	result.Failed = failFastTriggered
	result.FailedTargets = failedTargets
	e.Reporter.Summary(failedTargets)
	return result, nil
}

// runNode executes (or, in dry-run, echoes) one node's recipe, stopping at
// the first failing step (fail-fast within a rule, §4.4).
func (e *Executor) runNode(ctx context.Context, n *GraphNode, opts RunOptions) error {
	r := n.Rule
	e.Reporter.Recipe(n.Target.String(), r.Recipe, r.Quiet)

	if opts.DryRun {
		return nil
	}

	env := []string{
		"GOMK_TARGET=" + n.Target.String(),
		"GOMK_DEPS=" + depsLabel(n),
	}
	stdout, stderr := e.Reporter.StepWriters(n.key())
	defer e.Reporter.FlushNode(n.key())

	for _, step := range r.Recipe {
		var err error
		switch step.Kind {
		case StepCommand:
			err = e.Runner.Run(ctx, e.ProjectDir, step, env, stdout, stderr)
		case StepFunction:
			err = step.Fn.Invoke()
		}
		if err != nil {
			return &RecipeError{Target: n.Target.String(), Step: step.String(), Err: err}
		}
	}
	return nil
}

func depsLabel(n *GraphNode) string {
	s := ""
	for i, d := range n.Deps {
		if i > 0 {
			s += " "
		}
		s += d.Target.String()
	}
	return s
}
