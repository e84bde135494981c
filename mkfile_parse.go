// Parser for the textual mkfile rule-definition DSL (§6 "rule-loader
// contract"), adapted from the teacher's rules.go/parse.go. It executes
// variable assignments and includes as it goes and collects a RuleSet.
//
// Pattern/suffix/regex meta-rules ('%' targets, the teacher's R/regex
// attribute) are dropped: the Target model (rule.go, §3) is FilePath|Phony
// only, with no pattern matching. Attribute letters are reduced to the
// ones that still make sense over that model: V (phony target), J
// (parallel-safe), L (unlisted), Q (quiet).

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type mkfileParser struct {
	vars       map[string][]string
	predicates map[string]Predicate // registry for "?name" predicate prereqs
	dir        string                // directory prereqs/targets are resolved against
	name       string                // file name, for diagnostics
	path       string                // absolute path, for diagnostics and mkfiledir

	rules    *RuleSet
	pending  []pendingDep // TargetRef deps awaiting post-parse resolution
	tokenbuf []mkToken
	err      error
}

// pendingDep defers TargetRef resolution until the whole file (and its
// includes) has been read, since a prereq token doesn't reveal whether it
// names a phony rule or a bare file until all rules are known.
type pendingDep struct {
	dep   *Dependency
	raw   string
	owner *Rule
}

type mkParserStateFun func(*mkfileParser, mkToken) mkParserStateFun

// LoadMkfile parses the mkfile at path into a RuleSet. predicates is a
// caller-supplied registry resolving "?name" prerequisites to Predicate
// values (§9: capability interfaces are supplied by the embedder, not
// parsed from text).
func LoadMkfile(path string, predicates map[string]Predicate) (*RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Msg: fmt.Sprintf("open %s", path), Err: err}
	}
	defer f.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &LoadError{Msg: "resolve mkfile path", Err: err}
	}

	p := &mkfileParser{
		vars:       map[string][]string{"mkfiledir": {filepath.Dir(abs)}},
		predicates: predicates,
		dir:        filepath.Dir(abs),
		rules:      NewRuleSet(),
	}
	if err := p.parseInto(f, filepath.Base(path), abs); err != nil {
		return nil, err
	}
	if err := p.resolvePending(); err != nil {
		return nil, err
	}
	return p.rules, nil
}

func (p *mkfileParser) parseInto(r io.Reader, name, path string) error {
	oldName, oldPath := p.name, p.path
	p.name, p.path = name, path
	defer func() { p.name, p.path = oldName, oldPath }()

	l := newMkLexer(r)
	var state mkParserStateFun = mkParseTopLevel
	for {
		t, ok := l.nextToken()
		if !ok {
			break
		}
		if t.typ == mkTokenError {
			return &LoadError{Msg: fmt.Sprintf("%s:%d: %s", p.name, t.line, l.errmsg)}
		}
		state = state(p, t)
		if p.err != nil {
			return p.err
		}
	}
	state = state(p, mkToken{typ: mkTokenNewline, val: "\n", line: l.line})
	return p.err
}

func (p *mkfileParser) fail(line int, msg string) mkParserStateFun {
	p.err = &LoadError{Msg: fmt.Sprintf("%s:%d: %s", p.name, line, msg)}
	return mkParseTopLevel
}

func (p *mkfileParser) push(t mkToken) { p.tokenbuf = append(p.tokenbuf, t) }
func (p *mkfileParser) clear()         { p.tokenbuf = p.tokenbuf[:0] }

func (p *mkfileParser) expand(s string, backticks bool) []string {
	return expandWord(s, p.vars, backticks)
}

func mkParseTopLevel(p *mkfileParser, t mkToken) mkParserStateFun {
	switch t.typ {
	case mkTokenNewline:
		return mkParseTopLevel
	case mkTokenRedirInclude:
		return mkParseRedirInclude
	case mkTokenPipeInclude:
		return mkParsePipeInclude
	case mkTokenWord:
		p.push(t)
		return mkParseEqualsOrTarget
	default:
		return p.fail(t.line, fmt.Sprintf("expected a rule, include, or assignment but found %q", t.val))
	}
}

func mkParseEqualsOrTarget(p *mkfileParser, t mkToken) mkParserStateFun {
	switch t.typ {
	case mkTokenAssign:
		return mkParseAssignment
	case mkTokenWord:
		p.push(t)
		return mkParseTargets
	case mkTokenColon:
		p.push(t)
		return mkParseAttributesOrPrereqs
	default:
		return p.fail(t.line, "expected '=', ':', or another target")
	}
}

func mkParseAssignment(p *mkfileParser, t mkToken) mkParserStateFun {
	if t.typ != mkTokenNewline {
		p.push(t)
		return mkParseAssignment
	}
	if len(p.tokenbuf) == 0 {
		p.clear()
		return mkParseTopLevel
	}
	name := p.tokenbuf[0].val
	var vals []string
	for _, tk := range p.tokenbuf[1:] {
		vals = append(vals, p.expand(tk.val, true)...)
	}
	p.vars[name] = vals
	p.clear()
	return mkParseTopLevel
}

func mkParseTargets(p *mkfileParser, t mkToken) mkParserStateFun {
	switch t.typ {
	case mkTokenWord:
		p.push(t)
		return mkParseTargets
	case mkTokenColon:
		p.push(t)
		return mkParseAttributesOrPrereqs
	default:
		return p.fail(t.line, "expected a target name")
	}
}

func mkParseAttributesOrPrereqs(p *mkfileParser, t mkToken) mkParserStateFun {
	switch t.typ {
	case mkTokenNewline:
		return mkParseRecipe
	case mkTokenColon:
		p.push(t)
		return mkParsePrereqs
	case mkTokenWord:
		p.push(t)
		return mkParseAttributesOrPrereqs
	default:
		return p.fail(t.line, "expected an attribute or prerequisite")
	}
}

func mkParsePrereqs(p *mkfileParser, t mkToken) mkParserStateFun {
	switch t.typ {
	case mkTokenNewline:
		return mkParseRecipe
	case mkTokenWord:
		p.push(t)
		return mkParsePrereqs
	default:
		return p.fail(t.line, "expected a prerequisite")
	}
}

// mkParseRecipe fires once a full rule line (targets [: attrs] : prereqs)
// has been read, possibly followed immediately by an indented recipe
// token. It mirrors the teacher's parseRecipe.
func mkParseRecipe(p *mkfileParser, t mkToken) mkParserStateFun {
	i := 0
	for ; i < len(p.tokenbuf) && p.tokenbuf[i].typ != mkTokenColon; i++ {
	}
	j := i + 1
	for ; j < len(p.tokenbuf) && p.tokenbuf[j].typ != mkTokenColon; j++ {
	}

	phony, parallel, listed, quiet := false, false, true, false
	hasAttrs := j < len(p.tokenbuf)
	if hasAttrs {
		for k := i + 1; k < j; k++ {
			for _, a := range p.expand(p.tokenbuf[k].val, true) {
				for _, c := range a {
					switch c {
					case 'V':
						phony = true
					case 'J':
						parallel = true
					case 'L':
						listed = false
					case 'Q':
						quiet = true
					default:
						return p.fail(p.tokenbuf[k].line, fmt.Sprintf("unknown rule attribute %q", string(c)))
					}
				}
			}
		}
	} else {
		j = i
	}

	var targetNames []string
	for k := 0; k < i; k++ {
		targetNames = append(targetNames, p.expand(p.tokenbuf[k].val, true)...)
	}
	if len(targetNames) == 0 {
		return p.fail(t.line, "rule has no target")
	}

	var prereqStrs []string
	for k := j + 1; k < len(p.tokenbuf); k++ {
		prereqStrs = append(prereqStrs, p.expand(p.tokenbuf[k].val, true)...)
	}

	var recipe []RecipeStep
	var recipeSrc string
	if t.typ == mkTokenRecipe {
		recipeSrc = expandRecipeLine(stripIndentation(t.val, t.col), p.vars)
	}
	for _, line := range splitRecipeLines(recipeSrc) {
		recipe = append(recipe, CommandStep(line))
	}

	for _, name := range targetNames {
		var target Target
		if phony {
			target = PhonyTarget(name)
		} else {
			target = FileTarget(p.dir, name)
		}

		var deps []Dependency
		var pendingRaw []int // indices into deps awaiting TargetRef resolution
		for _, raw := range prereqStrs {
			if strings.HasPrefix(raw, "?") {
				predName := raw[1:]
				pred, ok := p.predicates[predName]
				if !ok {
					return p.fail(t.line, fmt.Sprintf("unknown predicate %q", predName))
				}
				deps = append(deps, PredicateDep(raw, pred))
				continue
			}
			deps = append(deps, Dependency{Kind: DepTargetRef, Label: raw})
			pendingRaw = append(pendingRaw, len(deps)-1)
		}

		r := &Rule{
			Target:   target,
			Deps:     deps,
			Recipe:   recipe,
			Listed:   listed,
			Parallel: parallel,
			Quiet:    quiet,
			File:     p.name,
			Line:     t.line,
		}

		// r.Deps no longer grows after this point, so indices into it are
		// stable: safe to take addresses now for resolvePending.
		for _, idx := range pendingRaw {
			p.pending = append(p.pending, pendingDep{dep: &r.Deps[idx], raw: r.Deps[idx].Label, owner: r})
		}

		if err := p.rules.Add(r); err != nil {
			p.err = err
			return mkParseTopLevel
		}
	}

	p.clear()
	if t.typ != mkTokenRecipe {
		return mkParseTopLevel(p, t)
	}
	return mkParseTopLevel
}

func splitRecipeLines(s string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// resolvePending fixes up TargetRef dependencies now that the whole rule
// set (across all includes) is known: a prereq naming a declared phony
// rule resolves to that phony target; a prereq naming a declared file
// target resolves to that target; otherwise the prereq is just a bare
// file path, not a reference to any rule, and is reclassified as a
// FilePath dependency so the Graph Builder's reference-closure check
// (§3, §4.2) isn't tripped by prereqs that were never meant to name a
// rule in the first place.
func (p *mkfileParser) resolvePending() error {
	for _, pd := range p.pending {
		phonyKey := PhonyTarget(pd.raw).key()
		if _, ok := p.rules.Lookup(phonyKey); ok {
			pd.dep.RefKey = phonyKey
			continue
		}
		fileTarget := FileTarget(p.dir, pd.raw)
		if _, ok := p.rules.Lookup(fileTarget.key()); ok {
			pd.dep.RefKey = fileTarget.key()
			continue
		}
		pd.dep.Kind = DepFilePath
		pd.dep.Path = fileTarget.Path
		pd.dep.Label = fileTarget.Path
	}
	return nil
}

func mkParseRedirInclude(p *mkfileParser, t mkToken) mkParserStateFun {
	switch t.typ {
	case mkTokenWord:
		p.push(t)
		return mkParseRedirInclude
	case mkTokenNewline:
		var raw strings.Builder
		for _, tk := range p.tokenbuf {
			raw.WriteString(tk.val)
		}
		parts := p.expand(raw.String(), false)
		if len(parts) != 1 {
			return p.fail(t.line, "include filename must expand to a single value")
		}
		filename := parts[0]
		if !filepath.IsAbs(filename) {
			filename = filepath.Join(p.dir, filename)
		}
		f, err := os.Open(filename)
		if err != nil {
			return p.fail(t.line, fmt.Sprintf("cannot open include %s: %v", filename, err))
		}
		defer f.Close()
		if err := p.parseInto(f, filename, filename); err != nil {
			p.err = err
		}
		p.clear()
		return mkParseTopLevel
	default:
		return p.fail(t.line, "expected an include filename")
	}
}

func mkParsePipeInclude(p *mkfileParser, t mkToken) mkParserStateFun {
	switch t.typ {
	case mkTokenNewline:
		if len(p.tokenbuf) == 0 {
			return p.fail(t.line, "empty piped include")
		}
		var args []string
		for _, tk := range p.tokenbuf {
			args = append(args, p.expand(tk.val, false)...)
		}
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = p.dir
		cmd.Stderr = os.Stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return p.fail(t.line, fmt.Sprintf("piped include: %v", err))
		}
		if err := cmd.Start(); err != nil {
			return p.fail(t.line, fmt.Sprintf("piped include: %v", err))
		}
		if err := p.parseInto(stdout, "<|"+strings.Join(args, " "), p.path); err != nil {
			p.err = err
		}
		p.clear()
		if err := cmd.Wait(); err != nil && p.err == nil {
			p.err = &LoadError{Msg: "piped include command failed", Err: err}
		}
		return mkParseTopLevel
	default:
		p.push(t)
		return mkParsePipeInclude
	}
}

// stripIndentation unindents a recipe so it begins at column 0, removing up
// to mincol leading blanks (the recipe token's own column) from each line
// (teacher's recipe.go).
func stripIndentation(s string, mincol int) string {
	sc := bufio.NewReader(strings.NewReader(s))
	var out strings.Builder
	for {
		line, err := sc.ReadString('\n')
		col := 0
		for _, c := range line {
			if col >= mincol || (c != ' ' && c != '\t') {
				break
			}
			col++
		}
		out.WriteString(line[col:])
		if err != nil {
			break
		}
	}
	return out.String()
}
