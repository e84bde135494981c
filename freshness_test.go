package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestFreshnessFileNewerThanDep(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	out := filepath.Join(dir, "out.txt")

	now := time.Now()
	writeFile(t, src, now.Add(-time.Hour))
	writeFile(t, out, now)

	rs := NewRuleSet()
	srcT := FileTarget(dir, "src.txt")
	outT := FileTarget(dir, "out.txt")
	mustAdd(t, rs, &Rule{Target: outT, Deps: []Dependency{TargetRefDep(srcT)}, Recipe: []RecipeStep{CommandStep("cp")}})
	mustAdd(t, rs, &Rule{Target: srcT})

	g, err := BuildGraph(rs, outT.key())
	if err != nil {
		t.Fatal(err)
	}
	f := NewFreshness(g)
	outdated, err := f.Outdated(g.Root)
	if err != nil {
		t.Fatal(err)
	}
	if outdated {
		t.Error("out.txt is newer than src.txt; should not be outdated")
	}

	// make src newer: now out.txt must be outdated.
	writeFile(t, src, now.Add(time.Hour))
	f2 := NewFreshness(g)
	outdated, err = f2.Outdated(g.Root)
	if err != nil {
		t.Fatal(err)
	}
	if !outdated {
		t.Error("src.txt is newer than out.txt; should be outdated")
	}
}

func TestFreshnessMissingOutputIsOutdated(t *testing.T) {
	dir := t.TempDir()
	rs := NewRuleSet()
	outT := FileTarget(dir, "missing.txt")
	mustAdd(t, rs, &Rule{Target: outT, Recipe: []RecipeStep{CommandStep("touch")}})

	g, err := BuildGraph(rs, outT.key())
	if err != nil {
		t.Fatal(err)
	}
	f := NewFreshness(g)
	outdated, err := f.Outdated(g.Root)
	if err != nil {
		t.Fatal(err)
	}
	if !outdated {
		t.Error("a target whose file doesn't exist must be outdated")
	}
}

func TestFreshnessPhonyWithNoDepsAlwaysOutdated(t *testing.T) {
	rs := NewRuleSet()
	p := PhonyTarget("clean")
	mustAdd(t, rs, &Rule{Target: p, Recipe: []RecipeStep{CommandStep("rm -rf build")}})

	g, err := BuildGraph(rs, p.key())
	if err != nil {
		t.Fatal(err)
	}
	f := NewFreshness(g)
	outdated, err := f.Outdated(g.Root)
	if err != nil {
		t.Fatal(err)
	}
	if !outdated {
		t.Error("a phony target with no deps must always be outdated")
	}
}

func TestFreshnessPhonyWithUpToDateDeps(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	src := filepath.Join(dir, "src.txt")
	writeFile(t, src, now)

	rs := NewRuleSet()
	srcT := FileTarget(dir, "src.txt")
	all := PhonyTarget("all")
	mustAdd(t, rs, &Rule{Target: all, Deps: []Dependency{TargetRefDep(srcT)}})
	mustAdd(t, rs, &Rule{Target: srcT})

	g, err := BuildGraph(rs, all.key())
	if err != nil {
		t.Fatal(err)
	}
	f := NewFreshness(g)
	outdated, err := f.Outdated(g.Root)
	if err != nil {
		t.Fatal(err)
	}
	if outdated {
		t.Error("a phony aggregate whose only dep is up to date should itself be up to date")
	}
}

func TestFreshnessTransitivePropagation(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	src := filepath.Join(dir, "src.txt")
	mid := filepath.Join(dir, "mid.o")
	final := filepath.Join(dir, "final.bin")

	writeFile(t, src, now.Add(time.Hour)) // newest
	writeFile(t, mid, now)
	writeFile(t, final, now.Add(-time.Hour)) // oldest: stale relative to mid

	rs := NewRuleSet()
	srcT := FileTarget(dir, "src.txt")
	midT := FileTarget(dir, "mid.o")
	finalT := FileTarget(dir, "final.bin")

	mustAdd(t, rs, &Rule{Target: srcT})
	mustAdd(t, rs, &Rule{Target: midT, Deps: []Dependency{TargetRefDep(srcT)}, Recipe: []RecipeStep{CommandStep("cc")}})
	mustAdd(t, rs, &Rule{Target: finalT, Deps: []Dependency{TargetRefDep(midT)}, Recipe: []RecipeStep{CommandStep("ld")}})

	g, err := BuildGraph(rs, finalT.key())
	if err != nil {
		t.Fatal(err)
	}
	f := NewFreshness(g)
	outdated, err := f.Outdated(g.Root)
	if err != nil {
		t.Fatal(err)
	}
	if !outdated {
		t.Error("final.bin should be outdated: src.txt changed since mid.o, which is newer than final.bin")
	}
}

func TestFreshnessDryRunSkipsPredicates(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	out := filepath.Join(dir, "out.txt")
	writeFile(t, out, now)

	calls := 0
	pred := PredicateFunc(func() (bool, error) {
		calls++
		return true, nil
	})

	rs := NewRuleSet()
	outT := FileTarget(dir, "out.txt")
	mustAdd(t, rs, &Rule{Target: outT, Deps: []Dependency{PredicateDep("remote", pred)}})

	g, err := BuildGraph(rs, outT.key())
	if err != nil {
		t.Fatal(err)
	}

	f := NewFreshness(g)
	f.SkipPredicates = true
	outdated, err := f.Outdated(g.Root)
	if err != nil {
		t.Fatal(err)
	}
	if outdated {
		t.Error("with predicates skipped (dry-run), the target should read as up to date")
	}
	if calls != 0 {
		t.Errorf("predicate was invoked %d times in dry-run mode, want 0", calls)
	}
}
