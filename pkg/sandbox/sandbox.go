// Package sandbox provisions per-invocation isolation contexts. Each
// invocation gets its own working directory and resource envelope carved
// out of the caller's allocation; the runtime (host process or docker)
// decides how strongly the envelope is enforced.
package sandbox

import (
	"context"
	"strings"
	"time"

	"github.com/arcfield/toolplane/pkg/fault"
)

// Runtime selects the isolation implementation.
type Runtime string

const (
	// RuntimeHost runs tools as confined host processes.
	RuntimeHost Runtime = "host"
	// RuntimeDocker runs tools in ephemeral containers.
	RuntimeDocker Runtime = "docker"
)

// Allocation is the resource envelope granted to one execution context.
// Zero fields carry no explicit bound and inherit during sub-allocation.
type Allocation struct {
	// MaxCPU in cores (0.5 = half a core)
	MaxCPU       float64       `json:"max_cpu"`
	MaxMemoryMB  int           `json:"max_memory_mb"`
	MaxProcesses int           `json:"max_processes"`
	Timeout      time.Duration `json:"timeout"`
}

// SubAllocate carves child out of parent. Zero child fields inherit the
// parent's bounds; an explicit child bound exceeding the parent's is a
// configuration error, reported as resource_violation before any
// provisioning happens.
func SubAllocate(parent, child Allocation) (Allocation, error) {
	out := child
	if out.MaxCPU == 0 {
		out.MaxCPU = parent.MaxCPU
	}
	if out.MaxMemoryMB == 0 {
		out.MaxMemoryMB = parent.MaxMemoryMB
	}
	if out.MaxProcesses == 0 {
		out.MaxProcesses = parent.MaxProcesses
	}
	if out.Timeout == 0 {
		out.Timeout = parent.Timeout
	}

	if parent.MaxCPU > 0 && out.MaxCPU > parent.MaxCPU {
		return Allocation{}, fault.Newf(fault.CodeResourceViolation,
			"tool CPU limit %.2f exceeds caller limit %.2f", out.MaxCPU, parent.MaxCPU)
	}
	if parent.MaxMemoryMB > 0 && out.MaxMemoryMB > parent.MaxMemoryMB {
		return Allocation{}, fault.Newf(fault.CodeResourceViolation,
			"tool memory limit %dMB exceeds caller limit %dMB", out.MaxMemoryMB, parent.MaxMemoryMB)
	}
	if parent.MaxProcesses > 0 && out.MaxProcesses > parent.MaxProcesses {
		return Allocation{}, fault.Newf(fault.CodeResourceViolation,
			"tool process limit %d exceeds caller limit %d", out.MaxProcesses, parent.MaxProcesses)
	}
	if parent.Timeout > 0 && out.Timeout > parent.Timeout {
		return Allocation{}, fault.Newf(fault.CodeResourceViolation,
			"tool timeout %s exceeds caller timeout %s", out.Timeout, parent.Timeout)
	}

	return out, nil
}

// Spec describes the context to provision for one invocation.
type Spec struct {
	InvocationID string
	ToolID       string
	Allocation   Allocation

	// Env is injected into every Execute call, for JIT credentials and
	// tool configuration.
	Env map[string]string

	AllowNetwork bool
}

// ExecRequest runs one command inside a provisioned sandbox. The working
// directory is always the sandbox's own.
type ExecRequest struct {
	Command string
	Args    []string
	Env     map[string]string
	Stdin   []byte

	// Timeout overrides the allocation's timeout when positive.
	Timeout time.Duration
}

// ExecResult is the outcome of one command.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Sandbox is a live isolation context bound to one invocation. Release
// is idempotent and must always be called during teardown.
type Sandbox interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
	Workdir() string
	Release(ctx context.Context) error
}

// Provisioner creates sandboxes. Implementations exist for host
// processes and docker containers; anything stronger plugs in behind
// the same interface.
type Provisioner interface {
	Provision(ctx context.Context, spec Spec) (Sandbox, error)
}

// ValidateInvocationID rejects IDs that could escape the workdir base,
// since the ID becomes a path component. Callers admitting external IDs
// run this before any record is created.
func ValidateInvocationID(id string) error {
	if id == "" {
		return ErrInvalidInvocationID
	}
	if strings.Contains(id, "..") ||
		strings.ContainsAny(id, "/\\") ||
		strings.ContainsRune(id, 0) {
		return ErrInvalidInvocationID
	}
	return nil
}

func validateSpec(spec Spec) error {
	return ValidateInvocationID(spec.InvocationID)
}
