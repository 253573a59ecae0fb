// Package executor runs host commands on behalf of modules.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jordanhubbard/nyx/internal/logging"
)

// ErrCommandNotAllowed is returned when a binary is not on the allowlist.
var ErrCommandNotAllowed = errors.New("command not allowed")

// DefaultTimeout bounds a single command when the caller sets none.
const DefaultTimeout = 10 * time.Second

// defaultAllowed is the allowlist of binaries modules may invoke.
var defaultAllowed = []string{
	// macOS automation
	"osascript",
	"open",
	"screencapture",
	"pmset",
	"say",

	// Common utilities (read-only)
	"echo",
	"date",
	"uptime",
	"whoami",
	"hostname",
}

// Runner executes a binary with arguments and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Output is the captured result of a command.
type Output struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// CommandRunner runs allowlisted binaries directly, never through a shell.
type CommandRunner struct {
	mu      sync.RWMutex
	allowed map[string]bool
	timeout time.Duration
	log     zerolog.Logger
}

// NewCommandRunner creates a runner with the default allowlist plus extra.
func NewCommandRunner(timeout time.Duration, extra ...string) *CommandRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &CommandRunner{
		allowed: make(map[string]bool),
		timeout: timeout,
		log:     logging.Component("executor"),
	}
	for _, name := range defaultAllowed {
		r.allowed[name] = true
	}
	for _, name := range extra {
		if name = strings.TrimSpace(name); name != "" {
			r.allowed[name] = true
		}
	}
	return r
}

// Allowed reports whether the binary may be run.
func (r *CommandRunner) Allowed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowed[filepath.Base(name)]
}

// Run executes the command and returns trimmed stdout. A non-zero exit is
// an error carrying stderr.
func (r *CommandRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := r.Exec(ctx, name, args...)
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		msg := strings.TrimSpace(out.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", out.ExitCode)
		}
		return "", fmt.Errorf("%s failed: %s", filepath.Base(name), msg)
	}
	return strings.TrimSpace(out.Stdout), nil
}

// Exec executes the command and returns everything it captured.
func (r *CommandRunner) Exec(ctx context.Context, name string, args ...string) (*Output, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("empty command")
	}
	if !r.Allowed(name) {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotAllowed, filepath.Base(name))
	}

	cmdCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := &Output{
		Command:  name,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run %s: %w", filepath.Base(name), err)
		}
		out.ExitCode = exitErr.ExitCode()
	}

	r.log.Debug().
		Str("command", filepath.Base(name)).
		Int("exit_code", out.ExitCode).
		Dur("duration", out.Duration).
		Msg("command completed")
	return out, nil
}

// Split parses a manifest command line into a binary and arguments,
// substituting "{{input}}" in each argument. The input is never re-split,
// so it always reaches the command as literal text.
func Split(command, input string) (string, []string, error) {
	if strings.ContainsAny(command, "|;&<>`$") {
		return "", nil, fmt.Errorf("command contains shell metacharacters")
	}
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}
	args := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		args = append(args, strings.ReplaceAll(p, "{{input}}", input))
	}
	return parts[0], args, nil
}

// AppleScript runs a script through osascript.
func AppleScript(ctx context.Context, r Runner, script string) (string, error) {
	return r.Run(ctx, "osascript", "-e", script)
}
