// Package pyexec implements the "pyexec" task kind: running a Python
// script as a subprocess and capturing its stdout, stderr and exit code
// as the task result.
package pyexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/noetl/noetl/outcome"
	"github.com/noetl/noetl/value"
)

// Driver runs "pyexec" tasks via an external interpreter.
type Driver struct {
	// Interpreter is the executable invoked, e.g. "python3".
	Interpreter string
	Put         outcome.Put
	Store       string
	Limits      outcome.Limits
}

// New returns a Driver invoking interpreter (defaults to "python3" if
// empty).
func New(interpreter string, put outcome.Put, store string) *Driver {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &Driver{Interpreter: interpreter, Put: put, Store: store, Limits: outcome.DefaultLimits}
}

// Execute runs cfg["script"] (a path) or cfg["code"] (inline source via
// "-c") with cfg["args"] appended, returning a {stdout, stderr,
// exit_code} map as the result and stderr in the error details on
// non-zero exit.
func (d *Driver) Execute(ctx context.Context, cfg map[string]interface{}, scope value.Value) (outcome.Outcome, error) {
	meta := outcome.Meta{Ts: time.Now()}

	var cmdArgs []string
	if script, ok := cfg["script"].(string); ok && script != "" {
		cmdArgs = append(cmdArgs, script)
	} else if code, ok := cfg["code"].(string); ok && code != "" {
		cmdArgs = append(cmdArgs, "-c", code)
	} else {
		return outcome.Fail(outcome.Error{Kind: "pyexec", Message: "script or code parameter required"}, meta), nil
	}
	if extra, ok := cfg["args"].([]interface{}); ok {
		for _, a := range extra {
			if s, ok := a.(string); ok {
				cmdArgs = append(cmdArgs, s)
			}
		}
	}

	cmd := exec.CommandContext(ctx, d.Interpreter, cmdArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	duration := time.Since(meta.Ts)
	meta.DurationMS = duration.Milliseconds()

	if runErr != nil {
		return outcome.Fail(outcome.Error{
			Kind:    "pyexec",
			Message: fmt.Sprintf("%v: %s", runErr, stderr.String()),
			Details: map[string]value.Value{"stderr": value.Str(stderr.String())},
		}, meta), nil
	}

	result := value.Map(map[string]value.Value{
		"stdout":    value.Str(stdout.String()),
		"stderr":    value.Str(stderr.String()),
		"exit_code": value.Int(0),
	})

	if d.Put != nil {
		oc, err := outcome.Externalize(d.Store, result, d.Limits, meta, d.Put)
		if err != nil {
			return outcome.Fail(outcome.Error{Kind: "pyexec", Message: fmt.Sprintf("externalize: %v", err)}, meta), nil
		}
		return oc, nil
	}
	return outcome.Ok(result, meta), nil
}
