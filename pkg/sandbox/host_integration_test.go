package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostSandbox_Integration_FullWorkflow(t *testing.T) {
	base := t.TempDir()
	provisioner, err := NewHostProvisioner(base, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()

	sb, err := provisioner.Provision(ctx, Spec{
		InvocationID: "inv-workflow",
		ToolID:       "shell",
		Allocation:   Allocation{Timeout: 10 * time.Second},
	})
	require.NoError(t, err)

	commands := []struct {
		name    string
		command string
		args    []string
		check   func(t *testing.T, result ExecResult, err error)
	}{
		{
			name:    "echo",
			command: "echo",
			args:    []string{"test"},
			check: func(t *testing.T, result ExecResult, err error) {
				require.NoError(t, err)
				assert.Equal(t, 0, result.ExitCode)
				assert.Contains(t, string(result.Stdout), "test")
			},
		},
		{
			name:    "pwd",
			command: "pwd",
			args:    []string{},
			check: func(t *testing.T, result ExecResult, err error) {
				require.NoError(t, err)
				assert.Equal(t, 0, result.ExitCode)
				assert.Contains(t, string(result.Stdout), "inv-workflow")
			},
		},
		{
			name:    "env",
			command: "env",
			args:    []string{},
			check: func(t *testing.T, result ExecResult, err error) {
				require.NoError(t, err)
				assert.Equal(t, 0, result.ExitCode)
				assert.Contains(t, string(result.Stdout), "PATH")
			},
		},
	}

	for _, cmd := range commands {
		t.Run(cmd.name, func(t *testing.T) {
			result, err := sb.Execute(ctx, ExecRequest{
				Command: cmd.command,
				Args:    cmd.args,
				Timeout: 5 * time.Second,
			})
			cmd.check(t, result, err)
		})
	}

	require.NoError(t, sb.Release(ctx))
}

func TestHostSandbox_Integration_StatePersistsAcrossCommands(t *testing.T) {
	provisioner, err := NewHostProvisioner(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	sb, err := provisioner.Provision(ctx, Spec{InvocationID: "inv-state"})
	require.NoError(t, err)
	defer func() { _ = sb.Release(ctx) }()

	_, err = sb.Execute(ctx, ExecRequest{
		Command: "sh",
		Args:    []string{"-c", "echo phase-one > progress.txt"},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	result, err := sb.Execute(ctx, ExecRequest{
		Command: "cat",
		Args:    []string{"progress.txt"},
		Timeout: 5 * time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, string(result.Stdout), "phase-one")
}

func TestHostSandbox_Integration_WorkdirsAreDisjoint(t *testing.T) {
	provisioner, err := NewHostProvisioner(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()

	first, err := provisioner.Provision(ctx, Spec{InvocationID: "inv-a"})
	require.NoError(t, err)
	defer func() { _ = first.Release(ctx) }()

	second, err := provisioner.Provision(ctx, Spec{InvocationID: "inv-b"})
	require.NoError(t, err)
	defer func() { _ = second.Release(ctx) }()

	assert.NotEqual(t, first.Workdir(), second.Workdir())

	_, err = first.Execute(ctx, ExecRequest{
		Command: "sh",
		Args:    []string{"-c", "echo private > data.txt"},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	result, err := second.Execute(ctx, ExecRequest{
		Command: "ls",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.NotContains(t, string(result.Stdout), "data.txt")

	// Releasing one invocation leaves the other intact.
	require.NoError(t, first.Release(ctx))

	_, err = os.Stat(second.Workdir())
	assert.NoError(t, err)
	_, err = os.Stat(first.Workdir())
	assert.True(t, os.IsNotExist(err))
}

func TestHostSandbox_Integration_ComplexCommand(t *testing.T) {
	provisioner, err := NewHostProvisioner(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	sb, err := provisioner.Provision(ctx, Spec{InvocationID: "inv-complex"})
	require.NoError(t, err)
	defer func() { _ = sb.Release(ctx) }()

	testFile := filepath.Join(sb.Workdir(), "test.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("test content"), 0644))

	result, err := sb.Execute(ctx, ExecRequest{
		Command: "cat",
		Args:    []string{"test.txt"},
		Timeout: 5 * time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "test content", string(result.Stdout))
}
