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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcfield/toolplane/pkg/fault"
)

// CheckDocker verifies that the Docker daemon is available and responsive.
func CheckDocker() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "ps", "-q")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker is not available or not running: %w", err)
	}
	return nil
}

// DockerProvisioner creates sandboxes that run each command in an
// ephemeral container. The invocation workdir is bind-mounted so state
// persists across commands within one invocation.
type DockerProvisioner struct {
	base   string
	image  string
	logger zerolog.Logger
}

// NewDockerProvisioner creates a docker provisioner rooted at base.
func NewDockerProvisioner(base, image string, logger zerolog.Logger) (*DockerProvisioner, error) {
	if base == "" {
		return nil, errors.New("workdir base is required")
	}
	if strings.TrimSpace(image) == "" {
		return nil, ErrDockerImageRequired
	}
	if err := os.MkdirAll(base, 0700); err != nil {
		return nil, fmt.Errorf("create workdir base: %w", err)
	}

	return &DockerProvisioner{
		base:   base,
		image:  image,
		logger: logger.With().Str("component", "sandbox").Logger(),
	}, nil
}

// Provision creates the invocation's working directory and returns a
// container-backed sandbox bound to it.
func (p *DockerProvisioner) Provision(ctx context.Context, spec Spec) (Sandbox, error) {
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
		Str("image", p.image).
		Str("workdir", workdir).
		Msg("Docker sandbox provisioned")

	return &dockerSandbox{
		spec:    spec,
		image:   p.image,
		workdir: workdir,
		logger:  p.logger,
	}, nil
}

type dockerSandbox struct {
	spec    Spec
	image   string
	workdir string
	logger  zerolog.Logger

	mu       sync.Mutex
	released bool
}

func (s *dockerSandbox) Workdir() string {
	return s.workdir
}

// Execute runs one command inside an ephemeral container.
func (s *dockerSandbox) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ExecResult{}, ErrReleased
	}
	s.mu.Unlock()

	if strings.TrimSpace(req.Command) == "" {
		return ExecResult{}, errors.New("command is required")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.spec.Allocation.Timeout
	}
	if timeout == 0 {
		timeout = defaultExecTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := s.buildDockerRunArgs(req)
	cmd := exec.CommandContext(execCtx, "docker", args...)

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
			return ExecResult{}, fault.Wrap(fault.CodeSandboxFailed, "run container", err)
		}
		exitCode = exitErr.ExitCode()
	}

	s.logger.Debug().
		Str("invocation_id", s.spec.InvocationID).
		Str("image", s.image).
		Str("command", req.Command).
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("Command executed in docker sandbox")

	return ExecResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// Release removes the working directory. Containers are ephemeral
// (--rm), so there is nothing else to tear down. Idempotent.
func (s *dockerSandbox) Release(ctx context.Context) error {
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
		Msg("Docker sandbox released")

	return nil
}

func (s *dockerSandbox) buildDockerRunArgs(req ExecRequest) []string {
	args := []string{"run", "--rm", "--init"}

	if s.spec.AllowNetwork {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}

	alloc := s.spec.Allocation
	if alloc.MaxCPU > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(alloc.MaxCPU, 'f', 2, 64))
	}
	if alloc.MaxMemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", alloc.MaxMemoryMB))
	}
	if alloc.MaxProcesses > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(alloc.MaxProcesses))
	}

	args = append(args, "-v", fmt.Sprintf("%s:%s:rw", s.workdir, s.workdir))
	args = append(args, "-w", s.workdir)

	merged := map[string]string{"HOME": s.workdir}
	for key, value := range s.spec.Env {
		merged[key] = value
	}
	for key, value := range req.Env {
		merged[key] = value
	}
	envKeys := make([]string, 0, len(merged))
	for key := range merged {
		envKeys = append(envKeys, key)
	}
	sort.Strings(envKeys)
	for _, key := range envKeys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, merged[key]))
	}

	if len(req.Stdin) > 0 {
		args = append(args, "-i")
	}

	args = append(args, s.image, req.Command)
	args = append(args, req.Args...)

	return args
}
