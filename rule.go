// The rule model: targets, dependencies, recipe steps and rules.
//
// Values here are created by a loader (see mkfile_parse.go, or hand-built by
// a caller embedding the engine as a library) and are immutable once a
// RuleSet has been assembled. The graph, freshness cache and executor that
// consume a RuleSet live only for a single invocation.

package main

import (
	"fmt"
	"path/filepath"
)

// TargetKind distinguishes a filesystem target from a symbolic one.
type TargetKind int

const (
	TargetFile TargetKind = iota
	TargetPhony
)

// Target is the identity a rule produces: either a file path or a phony
// label. Two targets are equal iff their kind and payload are equal; file
// paths compare after normalization to an absolute path.
type Target struct {
	Kind TargetKind
	Path string // absolute, for TargetFile
	Name string // symbolic name, for TargetPhony
}

// FileTarget builds a Target rooted at dir (normally the project root).
func FileTarget(dir, path string) Target {
	return Target{Kind: TargetFile, Path: normalizePath(dir, path)}
}

// PhonyTarget builds a symbolic Target with no on-disk representation.
func PhonyTarget(name string) Target {
	return Target{Kind: TargetPhony, Name: name}
}

func normalizePath(dir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(dir, path))
}

// key is the identity used for equality and map lookups.
func (t Target) key() string {
	if t.Kind == TargetPhony {
		return "phony:" + t.Name
	}
	return "file:" + t.Path
}

func (t Target) String() string {
	if t.Kind == TargetPhony {
		return t.Name
	}
	return t.Path
}

// DepKind distinguishes the three dependency variants of §3.
type DepKind int

const (
	// DepTargetRef names another rule's target; it must resolve to a
	// declared rule.
	DepTargetRef DepKind = iota
	// DepFilePath is a bare file dependency not produced by any rule;
	// outdated iff missing.
	DepFilePath
	// DepPredicate is a user-supplied nullary function. True means "this
	// dependency has changed since the target was last built".
	DepPredicate
)

// Predicate is the capability interface for a side-effecting freshness
// check. Implementations must be safe to invoke zero or more times per
// process, though the engine only ever calls Invoke once and caches the
// result (§4.3).
type Predicate interface {
	Invoke() (bool, error)
}

// Dependency is a tagged union over the three dependency variants.
type Dependency struct {
	Kind DepKind

	// TargetRef / FilePath payload.
	RefKey string // for DepTargetRef: the referenced target's key()
	Path   string // for DepFilePath: absolute path

	// DepPredicate payload.
	Pred Predicate

	// Label is a human-readable description used in diagnostics and
	// dry-run / list output; it defaults to Path or RefKey.
	Label string
}

func (d Dependency) String() string {
	if d.Label != "" {
		return d.Label
	}
	switch d.Kind {
	case DepTargetRef:
		return d.RefKey
	case DepFilePath:
		return d.Path
	default:
		return "<predicate>"
	}
}

// TargetRefDep depends on the rule that produces target t.
func TargetRefDep(t Target) Dependency {
	return Dependency{Kind: DepTargetRef, RefKey: t.key(), Label: t.String()}
}

// FilePathDep depends on a bare file not produced by any rule.
func FilePathDep(dir, path string) Dependency {
	abs := normalizePath(dir, path)
	return Dependency{Kind: DepFilePath, Path: abs, Label: abs}
}

// PredicateDep depends on an arbitrary freshness check.
func PredicateDep(label string, p Predicate) Dependency {
	return Dependency{Kind: DepPredicate, Pred: p, Label: label}
}

// StepKind distinguishes an external process invocation from an in-process
// callable.
type StepKind int

const (
	StepCommand StepKind = iota
	StepFunction
)

// Func is the capability interface for an in-process recipe step. A
// non-nil error is a step failure.
type Func interface {
	Invoke() error
}

// RecipeStep is one step of a rule's recipe.
type RecipeStep struct {
	Kind StepKind

	// StepCommand payload: either Argv (exec'd directly) or Shell (passed
	// to the configured shell as a single string). Exactly one is set.
	Argv  []string
	Shell string

	// StepFunction payload.
	Fn Func

	// Label is used for dry-run / echo output.
	Label string
}

func (s RecipeStep) String() string {
	if s.Label != "" {
		return s.Label
	}
	if s.Kind == StepFunction {
		return "<function>"
	}
	if s.Shell != "" {
		return s.Shell
	}
	return fmt.Sprint(s.Argv)
}

// CommandStep builds a shell-string recipe step.
func CommandStep(shellLine string) RecipeStep {
	return RecipeStep{Kind: StepCommand, Shell: shellLine, Label: shellLine}
}

// ArgvStep builds an argv-vector recipe step (no shell involved).
func ArgvStep(argv ...string) RecipeStep {
	return RecipeStep{Kind: StepCommand, Argv: argv, Label: fmt.Sprint(argv)}
}

// FunctionStep builds an in-process recipe step.
func FunctionStep(label string, fn Func) RecipeStep {
	return RecipeStep{Kind: StepFunction, Fn: fn, Label: label}
}

// Rule associates a target with its dependencies, recipe and metadata.
type Rule struct {
	Target Target
	Deps   []Dependency
	Recipe []RecipeStep
	Help   string
	Listed bool
	// Parallel marks this rule's recipe safe to run concurrently with
	// sibling rules. The conservative default is false: a rule whose
	// Parallel is false runs only when no other rule is currently running
	// (§4.4, §9 "parallel-safety default").
	Parallel bool

	// Quiet suppresses echoing the recipe before it runs (teacher's "Q"
	// attribute / mkPrintRecipe quiet mode).
	Quiet bool

	// File/Line record where the rule was declared, for diagnostics.
	File string
	Line int
}

// RuleSet is an immutable (after construction) collection of rules, keyed
// by target identity.
type RuleSet struct {
	byKey map[string]*Rule
	order []*Rule // declaration order, for deterministic iteration
}

// NewRuleSet returns an empty RuleSet.
func NewRuleSet() *RuleSet {
	return &RuleSet{byKey: make(map[string]*Rule)}
}

// Add inserts r, rejecting a duplicate target (§3 invariant: target
// uniqueness).
func (rs *RuleSet) Add(r *Rule) error {
	k := r.Target.key()
	if existing, ok := rs.byKey[k]; ok {
		return &GraphError{
			Msg: fmt.Sprintf("duplicate rule for target %q (first declared at %s:%d, again at %s:%d)",
				r.Target, existing.File, existing.Line, r.File, r.Line),
		}
	}
	rs.byKey[k] = r
	rs.order = append(rs.order, r)
	return nil
}

// Lookup finds the rule that declares the given target key, if any.
func (rs *RuleSet) Lookup(key string) (*Rule, bool) {
	r, ok := rs.byKey[key]
	return r, ok
}

// Rules returns all rules in declaration order.
func (rs *RuleSet) Rules() []*Rule {
	return rs.order
}
