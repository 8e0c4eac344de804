package sandbox

import "errors"

var (
	// ErrInvalidInvocationID is returned when the invocation ID is empty
	// or contains path separators
	ErrInvalidInvocationID = errors.New("invalid invocation ID")

	// ErrExecutionTimeout is returned when execution exceeds its deadline
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrReleased is returned when executing in a released sandbox
	ErrReleased = errors.New("sandbox already released")

	// ErrDockerImageRequired is returned when the docker runtime is
	// selected without an image
	ErrDockerImageRequired = errors.New("docker image is required for docker runtime")
)
