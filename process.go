// Process layer contract (§6): spawn a subprocess given a shell string or
// an argv vector, wait for completion, stream or capture stdout/stderr.
// This is the one external collaborator the spec leaves unspecified beyond
// its interface; OSProcessRunner is the default implementation.

package main

import (
	"context"
	"io"
	"os"
	"os/exec"
)

// ProcessRunner runs a single Command recipe step.
type ProcessRunner interface {
	Run(ctx context.Context, dir string, step RecipeStep, env []string, stdout, stderr io.Writer) error
}

// OSProcessRunner spawns real OS subprocesses via os/exec, inheriting the
// environment (§6 "Environment").
type OSProcessRunner struct {
	// Shell is used to interpret Step.Shell, e.g. []string{"sh", "-c"}.
	Shell []string
}

func (r OSProcessRunner) Run(ctx context.Context, dir string, step RecipeStep, env []string, stdout, stderr io.Writer) error {
	var cmd *exec.Cmd
	if len(step.Argv) > 0 {
		cmd = exec.CommandContext(ctx, step.Argv[0], step.Argv[1:]...)
	} else {
		shell := r.Shell
		if len(shell) == 0 {
			shell = []string{"sh", "-c"}
		}
		args := append(append([]string{}, shell[1:]...), step.Shell)
		cmd = exec.CommandContext(ctx, shell[0], args...)
	}
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}
