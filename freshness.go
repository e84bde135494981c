// Freshness Evaluator (§4.3): decides whether a node is outdated, with
// memoization within a single invocation.

package main

import (
	"errors"
	"os"
	"time"
)

// Freshness computes and caches outdated(node) for one invocation of the
// engine. Freshness eagerly evaluates the whole closure up front (§5),
// so no synchronization is needed once Evaluate has returned.
type Freshness struct {
	graph *Graph

	outdated map[string]bool // by node key
	mtimes   map[string]fileStat
	predRes  map[*Dependency]bool // memoized predicate results

	// SkipPredicates is set in dry-run mode (§4.4): predicates must not be
	// invoked; they contribute "not changed" to the outdated computation.
	SkipPredicates bool
}

type fileStat struct {
	exists bool
	mtime  time.Time
}

// NewFreshness prepares an evaluator for g. Call Evaluate to populate the
// cache for the whole closure before executing anything.
func NewFreshness(g *Graph) *Freshness {
	return &Freshness{
		graph:    g,
		outdated: make(map[string]bool),
		mtimes:   make(map[string]fileStat),
		predRes:  make(map[*Dependency]bool),
	}
}

// Evaluate computes outdated() for every node in the graph's post-order,
// leaves first, so that each node's TargetRef deps are already resolved
// when it is evaluated.
func (f *Freshness) Evaluate() error {
	for _, n := range f.graph.Order {
		if _, err := f.Outdated(n); err != nil {
			return err
		}
	}
	return nil
}

// Outdated returns whether n needs to be rebuilt, per the table in §4.3.
// The result is memoized on n's key.
func (f *Freshness) Outdated(n *GraphNode) (bool, error) {
	if v, ok := f.outdated[n.key()]; ok {
		return v, nil
	}

	v, err := f.compute(n)
	if err != nil {
		return false, err
	}
	f.outdated[n.key()] = v
	return v, nil
}

func (f *Freshness) compute(n *GraphNode) (bool, error) {
	if n.Target.Kind == TargetPhony {
		return f.computePhony(n)
	}
	return f.computeFile(n)
}

// computePhony implements: a phony with no deps at all is always outdated
// (its recipe is the point of invoking it); a phony with deps is outdated
// iff any of its deps are outdated.
func (f *Freshness) computePhony(n *GraphNode) (bool, error) {
	if len(n.Deps) == 0 && len(n.FileDeps) == 0 {
		return true, nil
	}
	for i := range n.FileDeps {
		d := &n.FileDeps[i]
		if d.Kind != DepFilePath {
			continue
		}
		dep, err := f.stat(d.Path)
		if err != nil {
			return false, err
		}
		if !dep.exists {
			return true, nil
		}
	}
	return f.anyDepOutdated(n)
}

// computeFile implements the FilePath row of §4.3's table.
func (f *Freshness) computeFile(n *GraphNode) (bool, error) {
	self, err := f.stat(n.Target.Path)
	if err != nil {
		return false, err
	}

	if len(n.Deps) == 0 && len(n.FileDeps) == 0 {
		return !self.exists, nil
	}

	if !self.exists {
		return true, nil
	}

	any, err := f.anyDepOutdated(n)
	if err != nil {
		return false, err
	}
	if any {
		return true, nil
	}

	for i := range n.FileDeps {
		d := &n.FileDeps[i]
		switch d.Kind {
		case DepFilePath:
			dep, err := f.stat(d.Path)
			if err != nil {
				return false, err
			}
			if !dep.exists {
				return true, nil
			}
			if dep.mtime.After(self.mtime) {
				return true, nil
			}
		case DepPredicate:
			changed, err := f.predicate(d)
			if err != nil {
				return false, err
			}
			if changed {
				return true, nil
			}
		}
	}

	for _, dn := range n.Deps {
		if dn.Target.Kind == TargetFile {
			depStat, err := f.stat(dn.Target.Path)
			if err != nil {
				return false, err
			}
			if depStat.exists && depStat.mtime.After(self.mtime) {
				return true, nil
			}
		}
	}

	return false, nil
}

// anyDepOutdated reports whether any TargetRef dep (transitive rebuild
// signal) or Predicate dep of n is outdated/changed.
func (f *Freshness) anyDepOutdated(n *GraphNode) (bool, error) {
	for _, dn := range n.Deps {
		out, err := f.Outdated(dn)
		if err != nil {
			return false, err
		}
		if out {
			return true, nil
		}
	}
	for i := range n.FileDeps {
		d := &n.FileDeps[i]
		if d.Kind != DepPredicate {
			continue
		}
		changed, err := f.predicate(d)
		if err != nil {
			return false, err
		}
		if changed {
			return true, nil
		}
	}
	return false, nil
}

// predicate evaluates (and memoizes) a single Predicate dependency. In
// dry-run mode the predicate is never invoked, per §4.2/§9.
func (f *Freshness) predicate(d *Dependency) (bool, error) {
	if f.SkipPredicates {
		return false, nil
	}
	if v, ok := f.predRes[d]; ok {
		return v, nil
	}
	v, err := d.Pred.Invoke()
	if err != nil {
		return false, &FreshnessError{Target: d.String(), Err: err}
	}
	f.predRes[d] = v
	return v, nil
}

// stat reports whether path exists and, if so, its mtime. A missing file
// (ENOENT) means "outdated", not an error; any other stat failure is a
// FreshnessError.
func (f *Freshness) stat(path string) (fileStat, error) {
	if s, ok := f.mtimes[path]; ok {
		return s, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s := fileStat{exists: false}
			f.mtimes[path] = s
			return s, nil
		}
		return fileStat{}, &FreshnessError{Target: path, Err: err}
	}
	s := fileStat{exists: true, mtime: info.ModTime()}
	f.mtimes[path] = s
	return s, nil
}
