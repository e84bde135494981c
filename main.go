// gomk: a Make-like build tool and task runner. Entry point (§6 "CLI
// surface"), wiring pflag for flags, x/term and go-isatty for TTY
// detection, and litter for the debug dump — the same ambient stack as
// the teacher's main, generalized to this engine's subcommands.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	isatty "github.com/mattn/go-isatty"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	flags := flag.NewFlagSet("gomk", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SetInterspersed(false) // stop at the subcommand/target so its own flags parse downstream

	mkfilePath := flags.StringP("mkfile", "f", "gomkfile", "path to the rule definition file")
	jobs := flags.IntP("jobs", "j", runtime.NumCPU(), "maximum number of recipes to run concurrently")
	verbose := flags.BoolP("verbose", "v", false, "print diagnostic detail")
	outputSync := flags.Bool("output-sync", false, "buffer each target's output and flush it atomically")
	colorFlag := flags.String("color", "auto", "colorize output: auto, always, never")
	interactive := flags.BoolP("interactive", "i", false, "confirm before running any recipe")
	debug := flags.BoolP("debug", "d", false, "dump the resolved graph and freshness cache")

	if err := flags.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintf(stderr, "gomk: %v\n", err)
		return 2
	}

	rest := flags.Args()

	color := resolveColor(*colorFlag, stdout)
	reporter := NewReporter(stdout, stderr, color, *outputSync)

	if len(rest) == 0 {
		reporter.Errorf("%v", &UsageError{Msg: "no target or subcommand given"})
		return 2
	}

	switch rest[0] {
	case "list":
		return cmdList(reporter, *mkfilePath, rest[1:])
	case "run":
		if len(rest) < 2 {
			reporter.Errorf("%v", &UsageError{Msg: "run requires a target"})
			return 2
		}
		return cmdRun(reporter, *mkfilePath, rest[1], rest[2:], *jobs, *verbose, *interactive, *debug, stderr)
	default:
		// bare "<target>" shorthand for "run <target>" (§6).
		return cmdRun(reporter, *mkfilePath, rest[0], rest[1:], *jobs, *verbose, *interactive, *debug, stderr)
	}
}

func resolveColor(mode string, stdout *os.File) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	default:
		return term.IsTerminal(int(stdout.Fd()))
	}
}

func loadRuleSet(mkfilePath string) (*RuleSet, error) {
	predicates := map[string]Predicate{} // an embedding caller would populate this; the CLI has none built in
	return LoadMkfile(mkfilePath, predicates)
}

func cmdList(r *Reporter, mkfilePath string, args []string) int {
	flags := flag.NewFlagSet("gomk list", flag.ContinueOnError)
	flags.SetOutput(r.Err)
	question := flags.BoolP("question", "q", false, "mark with '* ' the non-phony rules that are not up to date")
	all := flags.BoolP("all", "a", false, "include rules declared with listed=false")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	rs, err := loadRuleSet(mkfilePath)
	if err != nil {
		r.Errorf("%v", err)
		return 1
	}

	rules := rs.Rules()
	sort.Slice(rules, func(i, j int) bool { return rules[i].Target.String() < rules[j].Target.String() })

	for _, rule := range rules {
		if !rule.Listed && !*all {
			continue
		}

		mark := ""
		if *question {
			mark = "  "
			outdated, err := targetOutdated(rs, rule.Target.key())
			if err != nil {
				r.Errorf("%v", err)
				return 1
			}
			if outdated && rule.Target.Kind != TargetPhony {
				mark = "* "
			}
		}

		if rule.Help == "" {
			fmt.Fprintf(r.Out, "%s%s\n", mark, rule.Target.String())
			continue
		}
		fmt.Fprintf(r.Out, "%s%-24s %s\n", mark, rule.Target.String(), rule.Help)
	}
	return 0
}

// targetOutdated builds the graph rooted at key in isolation and reports
// whether that root needs to be rebuilt, for "list -q"'s per-rule marker.
func targetOutdated(rs *RuleSet, key string) (bool, error) {
	g, err := BuildGraph(rs, key)
	if err != nil {
		return false, err
	}
	fresh := NewFreshness(g)
	return fresh.Outdated(g.Root)
}

func cmdRun(r *Reporter, mkfilePath, targetName string, args []string, jobs int, verbose, interactive, debug bool, stderr *os.File) int {
	flags := flag.NewFlagSet("gomk run", flag.ContinueOnError)
	flags.SetOutput(r.Err)
	dryRun := flags.Bool("dry-run", false, "print recipes without executing them")
	question := flags.BoolP("question", "q", false, "exit 0 if up to date, 1 otherwise; run nothing")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	rs, err := loadRuleSet(mkfilePath)
	if err != nil {
		r.Errorf("%v", err)
		return 1
	}

	rootKey := resolveRootKey(rs, targetName, mkfileDirOf(mkfilePath))

	g, err := BuildGraph(rs, rootKey)
	if err != nil {
		if _, declared := rs.Lookup(rootKey); !declared && !referencedAsBareFile(rs, rootKey) {
			err = &UsageError{Msg: fmt.Sprintf("unknown target %q", targetName)}
		}
		r.Errorf("%v", err)
		return 1
	}

	fresh := NewFreshness(g)
	fresh.SkipPredicates = *dryRun
	if err := fresh.Evaluate(); err != nil {
		r.Errorf("%v", err)
		return 1
	}

	if debug {
		DumpGraph(r.Err, g, fresh)
	}

	if interactive && !*question {
		if !confirmProceed(stderr) {
			r.Progress("aborted.")
			return 1
		}
	}

	exec := &Executor{
		Graph:      g,
		Fresh:      fresh,
		Reporter:   r,
		Runner:     OSProcessRunner{},
		ProjectDir: mkfileDirOf(mkfilePath),
	}
	result, err := exec.Run(context.Background(), RunOptions{
		Jobs:     jobs,
		DryRun:   *dryRun,
		Question: *question,
	})
	if err != nil {
		r.Errorf("%v", err)
		return 1
	}

	if *question {
		if result.RootOutdated {
			return 1
		}
		return 0
	}
	if verbose {
		r.Progress("done.")
	}
	if result.Failed {
		return 1
	}
	return 0
}

// resolveRootKey maps a CLI-supplied target name to a graph key: a
// declared phony rule by that name wins; otherwise it's a file path
// relative to dir (the mkfile's directory, matching how LoadMkfile
// resolved file targets while parsing).
func resolveRootKey(rs *RuleSet, name, dir string) string {
	phonyKey := PhonyTarget(name).key()
	if _, ok := rs.Lookup(phonyKey); ok {
		return phonyKey
	}
	return FileTarget(dir, name).key()
}

// mkfileDirOf returns the directory recipes run in: the mkfile's own
// directory, matching where LoadMkfile resolves its file targets against
// (mkfile_parse.go's p.dir), so "-f other/dir/gomkfile" behaves the same
// as cd-ing there first.
func mkfileDirOf(mkfilePath string) string {
	abs, err := filepath.Abs(mkfilePath)
	if err != nil {
		return "."
	}
	return filepath.Dir(abs)
}

func confirmProceed(stderr *os.File) bool {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return true
	}
	fmt.Fprint(stderr, "gomk: proceed? [y/N] ")
	var answer string
	fmt.Fscanln(os.Stdin, &answer)
	return answer == "y" || answer == "Y"
}
