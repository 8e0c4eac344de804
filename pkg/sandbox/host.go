package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcfield/toolplane/pkg/fault"
)

const defaultExecTimeout = 30 * time.Second

// HostProvisioner creates sandboxes backed by confined host processes.
// Isolation is a private working directory plus a scrubbed environment;
// resource bounds are enforced by deadline only. Stronger enforcement
// needs the docker runtime.
type HostProvisioner struct {
	base   string
	logger zerolog.Logger
}

// NewHostProvisioner creates a host provisioner rooted at base. The base
// directory is created if missing.
func NewHostProvisioner(base string, logger zerolog.Logger) (*HostProvisioner, error) {
	if base == "" {
		return nil, errors.New("workdir base is required")
	}
	if err := os.MkdirAll(base, 0700); err != nil {
		return nil, fmt.Errorf("create workdir base: %w", err)
	}

	return &HostProvisioner{
		base:   base,
		logger: logger.With().Str("component", "sandbox").Logger(),
	}, nil
}

// Provision creates the invocation's working directory and returns a
// sandbox bound to it.
func (p *HostProvisioner) Provision(ctx context.Context, spec Spec) (Sandbox, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	workdir := filepath.Join(p.base, spec.InvocationID)
	if err := os.MkdirAll(workdir, 0700); err != nil {
		return nil, fault.Wrap(fault.CodeSandboxFailed, "create sandbox workdir", err)
	}

	p.logger.Debug().
		Str("invocation_id", spec.InvocationID).
		Str("tool_id", spec.ToolID).
		Str("workdir", workdir).
		Msg("Host sandbox provisioned")

	return &hostSandbox{
		spec:    spec,
		workdir: workdir,
		logger:  p.logger,
	}, nil
}

type hostSandbox struct {
	spec    Spec
	workdir string
	logger  zerolog.Logger

	mu       sync.Mutex
	released bool
}

func (s *hostSandbox) Workdir() string {
	return s.workdir
}

// Execute runs one command confined to the sandbox workdir.
func (s *hostSandbox) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ExecResult{}, ErrReleased
	}
	s.mu.Unlock()

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.spec.Allocation.Timeout
	}
	if timeout == 0 {
		timeout = defaultExecTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, req.Command, req.Args...)
	cmd.Dir = s.workdir
	cmd.Env = s.buildEnvironment(req.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		return ExecResult{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			ExitCode: -1,
			Duration: duration,
		}, ErrExecutionTimeout
	}

	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return ExecResult{}, fault.Wrap(fault.CodeSandboxFailed, "run command", err)
		}
		exitCode = exitErr.ExitCode()
	}

	s.logger.Debug().
		Str("invocation_id", s.spec.InvocationID).
		Str("command", req.Command).
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("Command executed in sandbox")

	return ExecResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// Release removes the working directory. Idempotent.
func (s *hostSandbox) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil
	}
	s.released = true

	if err := os.RemoveAll(s.workdir); err != nil {
		return fault.Wrap(fault.CodeSandboxFailed, "remove sandbox workdir", err)
	}

	s.logger.Debug().
		Str("invocation_id", s.spec.InvocationID).
		Msg("Host sandbox released")

	return nil
}

// buildEnvironment merges the scrubbed base environment with the spec's
// credentials and the request's overrides. Keys are sorted so the frame
// is deterministic.
func (s *hostSandbox) buildEnvironment(env map[string]string) []string {
	merged := map[string]string{
		"PATH": "/usr/local/bin:/usr/bin:/bin",
		"HOME": s.workdir,
	}
	for key, value := range s.spec.Env {
		merged[key] = value
	}
	for key, value := range env {
		merged[key] = value
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]string, 0, len(keys))
	for _, key := range keys {
		result = append(result, fmt.Sprintf("%s=%s", key, merged[key]))
	}
	return result
}
