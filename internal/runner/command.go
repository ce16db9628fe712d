// Package runner provides the external-collaborator adapters that execute
// work units. The orchestration core only ever sees the unit.Runner
// interface; this package supplies the default subprocess implementation.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"cadence/internal/unit"
)

// CommandRunner invokes a unit as a subprocess. The invocation is written
// to stdin as JSON and the result is read from stdout as JSON; the
// process's context carries the per-unit timeout.
type CommandRunner struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string

	// AllowedBinaries gates what may be executed. A binary explicitly
	// mapped to false is denied even if present.
	AllowedBinaries map[string]bool
}

// NewCommandRunner creates a runner for the given argv with the default
// allow-list.
func NewCommandRunner(argv []string) (*CommandRunner, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return &CommandRunner{
		Binary: argv[0],
		Args:   argv[1:],
		AllowedBinaries: map[string]bool{
			"go":     true,
			"git":    true,
			"bash":   true,
			"sh":     true,
			"python": true,
			"node":   true,
			"rm":     false, // explicitly denied
		},
	}, nil
}

// Run implements unit.Runner.
func (r *CommandRunner) Run(ctx context.Context, inv unit.Invocation) (unit.Result, error) {
	if allowed, listed := r.AllowedBinaries[r.Binary]; listed && !allowed {
		return unit.Result{}, fmt.Errorf("binary %q is not allowed", r.Binary)
	}

	input, err := json.Marshal(inv)
	if err != nil {
		return unit.Result{}, err
	}

	cmd := exec.CommandContext(ctx, r.Binary, r.Args...)
	cmd.Dir = r.Dir
	cmd.Env = r.Env
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return unit.Result{}, ctx.Err()
		}
		return unit.Result{}, fmt.Errorf("command failed: %w, stderr: %s", err, stderr.String())
	}

	var res unit.Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return unit.Result{}, fmt.Errorf("unit wrote malformed result: %w", err)
	}
	if res.Status == "" {
		res.Status = unit.StatusSuccess
	}
	return res, nil
}
