// Reporter (§4.5): two output streams — progress/echo on Out, diagnostics
// on Err — with a fixed program prefix, optional color, and output-sync
// buffering. Styled after the teacher's mkMsgMutex-guarded print helpers
// and gird's "gird: <message>" / "gird: Error: <message>" convention
// (original_source/gird/gird.py, print_message).

package main

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

const progPrefix = "gomk"

// ANSI color codes, as used by the teacher's mk.go.
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiBright = "\033[1m"
)

// Reporter serializes progress and error output across worker goroutines.
type Reporter struct {
	Out, Err io.Writer
	Color    bool

	mu sync.Mutex

	// Output-sync: per-node buffers, flushed atomically in completion
	// order (§4.4 output_sync mode).
	syncMode bool
	buffers  map[string]*bytes.Buffer
}

// NewReporter builds a Reporter writing progress to out and diagnostics to
// errOut.
func NewReporter(out, errOut io.Writer, color, outputSync bool) *Reporter {
	return &Reporter{
		Out:      out,
		Err:      errOut,
		Color:    color,
		syncMode: outputSync,
		buffers:  make(map[string]*bytes.Buffer),
	}
}

func (r *Reporter) colorize(code, s string) string {
	if !r.Color {
		return s
	}
	return code + s + ansiReset
}

// Progress prints a normal-channel message, e.g. "gomk: 'target' is up to date.".
func (r *Reporter) Progress(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.Out, "%s: %s\n", progPrefix, fmt.Sprintf(format, args...))
}

// Errorf prints an error-channel diagnostic.
func (r *Reporter) Errorf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := fmt.Sprintf("%s: %s", progPrefix, fmt.Sprintf(format, args...))
	fmt.Fprintln(r.Err, r.colorize(ansiRed, msg))
}

// UpToDate reports that target needed no rebuild.
func (r *Reporter) UpToDate(target string) {
	r.Progress("%s is up to date.", quoteTarget(target))
}

// Executing announces that target's recipe is about to run.
func (r *Reporter) Executing(target string) {
	r.Progress("executing %s.", quoteTarget(target))
}

func quoteTarget(target string) string {
	return "'" + target + "'"
}

// Recipe echoes a rule's recipe steps before executing them, honoring the
// rule's quiet attribute (teacher's mkPrintRecipe) and dry-run's "print
// without executing".
func (r *Reporter) Recipe(target string, steps []RecipeStep, quiet bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	label := r.colorize(ansiBlue+ansiBright, target)
	if quiet {
		fmt.Fprintf(r.Out, "%s: ...\n", label)
		return
	}
	fmt.Fprintf(r.Out, "%s:\n", label)
	for _, s := range steps {
		fmt.Fprintf(r.Out, "    %s\n", s.String())
	}
}

// StepWriters returns the stdout/stderr writers a ProcessRunner should use
// for the given node. In output-sync mode they write to a per-node buffer
// that FlushNode later drains atomically; otherwise they are Out/Err
// directly.
func (r *Reporter) StepWriters(nodeKey string) (stdout, stderr io.Writer) {
	if !r.syncMode {
		return r.Out, r.Err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[nodeKey]
	if !ok {
		buf = &bytes.Buffer{}
		r.buffers[nodeKey] = buf
	}
	return buf, buf
}

// FlushNode atomically writes out the buffered output for nodeKey, in
// output-sync mode. It is a no-op otherwise. Flush order is completion
// order (§5), the order callers invoke FlushNode in.
func (r *Reporter) FlushNode(nodeKey string) {
	if !r.syncMode {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[nodeKey]
	if !ok || buf.Len() == 0 {
		return
	}
	r.Out.Write(buf.Bytes())
	delete(r.buffers, nodeKey)
}

// Summary prints a final error-channel summary of failed targets.
func (r *Reporter) Summary(failed []string) {
	if len(failed) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := fmt.Sprintf("%s: failed targets:", progPrefix)
	fmt.Fprintln(r.Err, r.colorize(ansiRed, msg))
	for _, t := range failed {
		fmt.Fprintf(r.Err, "  %s\n", t)
	}
}
