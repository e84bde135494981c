package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeRunner records which steps ran and can be configured to fail specific
// targets, optionally tracking concurrency to verify the parallel-safety
// admission policy.
type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	fail    map[string]bool
	running int
	maxSeen int
}

func (r *fakeRunner) Run(ctx context.Context, dir string, step RecipeStep, env []string, stdout, stderr io.Writer) error {
	r.mu.Lock()
	r.running++
	if r.running > r.maxSeen {
		r.maxSeen = r.running
	}
	r.ran = append(r.ran, step.String())
	shouldFail := r.fail[step.String()]
	r.mu.Unlock()

	time.Sleep(time.Millisecond)

	r.mu.Lock()
	r.running--
	r.mu.Unlock()

	if shouldFail {
		return errors.New("boom")
	}
	return nil
}

func newTestReporter() (*Reporter, *bytes.Buffer, *bytes.Buffer) {
	out, errBuf := &bytes.Buffer{}, &bytes.Buffer{}
	return NewReporter(out, errBuf, false, false), out, errBuf
}

func TestExecutorRunsOutdatedLeafBeforeParent(t *testing.T) {
	dir := t.TempDir()
	rs := NewRuleSet()
	leaf := FileTarget(dir, "leaf.o")
	top := PhonyTarget("all")
	mustAdd(t, rs, &Rule{Target: leaf, Recipe: []RecipeStep{CommandStep("build-leaf")}})
	mustAdd(t, rs, &Rule{Target: top, Deps: []Dependency{TargetRefDep(leaf)}, Recipe: []RecipeStep{CommandStep("build-all")}})

	g, err := BuildGraph(rs, top.key())
	if err != nil {
		t.Fatal(err)
	}
	f := NewFreshness(g)
	if err := f.Evaluate(); err != nil {
		t.Fatal(err)
	}

	reporter, _, _ := newTestReporter()
	runner := &fakeRunner{fail: map[string]bool{}}
	ex := &Executor{Graph: g, Fresh: f, Reporter: reporter, Runner: runner, ProjectDir: dir}

	result, err := ex.Run(context.Background(), RunOptions{Jobs: 2})
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed {
		t.Fatalf("unexpected failure: %v", result.FailedTargets)
	}
	if len(runner.ran) != 2 || runner.ran[0] != "build-leaf" || runner.ran[1] != "build-all" {
		t.Errorf("ran = %v, want [build-leaf build-all]", runner.ran)
	}
}

func TestExecutorFailFastSkipsDependents(t *testing.T) {
	dir := t.TempDir()
	rs := NewRuleSet()
	leaf := FileTarget(dir, "leaf.o")
	top := PhonyTarget("all")
	mustAdd(t, rs, &Rule{Target: leaf, Recipe: []RecipeStep{CommandStep("build-leaf")}})
	mustAdd(t, rs, &Rule{Target: top, Deps: []Dependency{TargetRefDep(leaf)}, Recipe: []RecipeStep{CommandStep("build-all")}})

	g, err := BuildGraph(rs, top.key())
	if err != nil {
		t.Fatal(err)
	}
	f := NewFreshness(g)
	if err := f.Evaluate(); err != nil {
		t.Fatal(err)
	}

	reporter, _, _ := newTestReporter()
	runner := &fakeRunner{fail: map[string]bool{"build-leaf": true}}
	ex := &Executor{Graph: g, Fresh: f, Reporter: reporter, Runner: runner, ProjectDir: dir}

	result, err := ex.Run(context.Background(), RunOptions{Jobs: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Failed {
		t.Fatal("expected the run to be marked failed")
	}
	for _, n := range g.Order {
		if n.key() == top.key() && result.States[n.key()] == Completed {
			t.Error("dependent of a failed node must not complete")
		}
	}
	if len(runner.ran) != 1 {
		t.Errorf("ran = %v, want only build-leaf (fail-fast)", runner.ran)
	}
}

func TestExecutorUpToDateRunsNothing(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	outPath := dir + "/out.txt"
	writeFile(t, outPath, now)

	rs := NewRuleSet()
	outT := FileTarget(dir, "out.txt")
	mustAdd(t, rs, &Rule{Target: outT})

	g, err := BuildGraph(rs, outT.key())
	if err != nil {
		t.Fatal(err)
	}
	f := NewFreshness(g)
	if err := f.Evaluate(); err != nil {
		t.Fatal(err)
	}

	reporter, out, _ := newTestReporter()
	runner := &fakeRunner{fail: map[string]bool{}}
	ex := &Executor{Graph: g, Fresh: f, Reporter: reporter, Runner: runner, ProjectDir: dir}

	result, err := ex.Run(context.Background(), RunOptions{Jobs: 1})
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed || len(runner.ran) != 0 {
		t.Errorf("up-to-date root should run nothing, ran=%v", runner.ran)
	}
	if out.Len() == 0 {
		t.Error("expected an up-to-date progress message")
	}
}

func TestExecutorQuestionModeRunsNothing(t *testing.T) {
	dir := t.TempDir()
	rs := NewRuleSet()
	outT := FileTarget(dir, "missing.txt")
	mustAdd(t, rs, &Rule{Target: outT, Recipe: []RecipeStep{CommandStep("touch")}})

	g, err := BuildGraph(rs, outT.key())
	if err != nil {
		t.Fatal(err)
	}
	f := NewFreshness(g)
	if err := f.Evaluate(); err != nil {
		t.Fatal(err)
	}

	reporter, out, _ := newTestReporter()
	runner := &fakeRunner{fail: map[string]bool{}}
	ex := &Executor{Graph: g, Fresh: f, Reporter: reporter, Runner: runner, ProjectDir: dir}

	result, err := ex.Run(context.Background(), RunOptions{Question: true})
	if err != nil {
		t.Fatal(err)
	}
	if !result.RootOutdated {
		t.Error("missing output should be reported outdated")
	}
	if len(runner.ran) != 0 {
		t.Error("question mode must not run any recipe")
	}
	if out.Len() != 0 {
		t.Error("question mode must not print progress")
	}
}

func TestExecutorDryRunDoesNotExecute(t *testing.T) {
	dir := t.TempDir()
	rs := NewRuleSet()
	outT := FileTarget(dir, "missing.txt")
	mustAdd(t, rs, &Rule{Target: outT, Recipe: []RecipeStep{CommandStep("touch missing.txt")}})

	g, err := BuildGraph(rs, outT.key())
	if err != nil {
		t.Fatal(err)
	}
	f := NewFreshness(g)
	f.SkipPredicates = true
	if err := f.Evaluate(); err != nil {
		t.Fatal(err)
	}

	reporter, out, _ := newTestReporter()
	runner := &fakeRunner{fail: map[string]bool{}}
	ex := &Executor{Graph: g, Fresh: f, Reporter: reporter, Runner: runner, ProjectDir: dir}

	result, err := ex.Run(context.Background(), RunOptions{DryRun: true, Jobs: 1})
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed {
		t.Fatal("dry run should not fail")
	}
	if len(runner.ran) != 0 {
		t.Error("dry run must not invoke the process runner")
	}
	if !bytes.Contains(out.Bytes(), []byte("touch missing.txt")) {
		t.Error("dry run should echo the recipe step")
	}
}

func TestExecutorParallelSafeRulesRunConcurrently(t *testing.T) {
	dir := t.TempDir()
	rs := NewRuleSet()
	a := FileTarget(dir, "a.o")
	b := FileTarget(dir, "b.o")
	top := PhonyTarget("all")
	mustAdd(t, rs, &Rule{Target: a, Parallel: true, Recipe: []RecipeStep{CommandStep("build-a")}})
	mustAdd(t, rs, &Rule{Target: b, Parallel: true, Recipe: []RecipeStep{CommandStep("build-b")}})
	mustAdd(t, rs, &Rule{Target: top, Deps: []Dependency{TargetRefDep(a), TargetRefDep(b)}})

	g, err := BuildGraph(rs, top.key())
	if err != nil {
		t.Fatal(err)
	}
	f := NewFreshness(g)
	if err := f.Evaluate(); err != nil {
		t.Fatal(err)
	}

	reporter, _, _ := newTestReporter()
	runner := &fakeRunner{fail: map[string]bool{}}
	ex := &Executor{Graph: g, Fresh: f, Reporter: reporter, Runner: runner, ProjectDir: dir}

	if _, err := ex.Run(context.Background(), RunOptions{Jobs: 2}); err != nil {
		t.Fatal(err)
	}
	if runner.maxSeen < 2 {
		t.Errorf("expected two parallel-safe siblings to overlap, maxSeen=%d", runner.maxSeen)
	}
}
