package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcfield/toolplane/pkg/fault"
)

func TestSubAllocate_Inheritance(t *testing.T) {
	parent := Allocation{
		MaxCPU:       2.0,
		MaxMemoryMB:  1024,
		MaxProcesses: 64,
		Timeout:      60 * time.Second,
	}

	tests := []struct {
		name  string
		child Allocation
		want  Allocation
	}{
		{
			name:  "zero child inherits everything",
			child: Allocation{},
			want:  parent,
		},
		{
			name:  "partial child inherits the rest",
			child: Allocation{MaxMemoryMB: 256},
			want: Allocation{
				MaxCPU:       2.0,
				MaxMemoryMB:  256,
				MaxProcesses: 64,
				Timeout:      60 * time.Second,
			},
		},
		{
			name: "child within bounds keeps its own",
			child: Allocation{
				MaxCPU:       0.5,
				MaxMemoryMB:  512,
				MaxProcesses: 8,
				Timeout:      5 * time.Second,
			},
			want: Allocation{
				MaxCPU:       0.5,
				MaxMemoryMB:  512,
				MaxProcesses: 8,
				Timeout:      5 * time.Second,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SubAllocate(parent, tt.child)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubAllocate_ExceedsParent(t *testing.T) {
	parent := Allocation{
		MaxCPU:       1.0,
		MaxMemoryMB:  512,
		MaxProcesses: 16,
		Timeout:      10 * time.Second,
	}

	tests := []struct {
		name  string
		child Allocation
	}{
		{"cpu", Allocation{MaxCPU: 2.0}},
		{"memory", Allocation{MaxMemoryMB: 1024}},
		{"processes", Allocation{MaxProcesses: 32}},
		{"timeout", Allocation{Timeout: 30 * time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SubAllocate(parent, tt.child)
			require.Error(t, err)
			assert.True(t, fault.IsCode(err, fault.CodeResourceViolation))
		})
	}
}

func TestSubAllocate_UnboundedParent(t *testing.T) {
	// A parent without explicit bounds accepts any child bound.
	child := Allocation{
		MaxCPU:      4.0,
		MaxMemoryMB: 8192,
		Timeout:     time.Hour,
	}

	got, err := SubAllocate(Allocation{}, child)
	require.NoError(t, err)
	assert.Equal(t, child, got)
}

func TestValidateSpec(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid nanoid", "inv_V1StGXR8Z5jdHi6B", false},
		{"valid uuid", "1b4e28ba-2fa1-11d2-883f-0016d3cca427", false},
		{"empty", "", true},
		{"dotdot", "..", true},
		{"traversal", "../../etc", true},
		{"slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"null byte", "abc\x00def", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSpec(Spec{InvocationID: tt.id})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInvocationID)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRuntime_Constants(t *testing.T) {
	assert.Equal(t, Runtime("host"), RuntimeHost)
	assert.Equal(t, Runtime("docker"), RuntimeDocker)
}
