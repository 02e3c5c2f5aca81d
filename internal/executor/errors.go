package executor

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrSpawn          = errors.New("process could not be started")
	ErrNotActive      = errors.New("execution is not active")
	ErrShuttingDown   = errors.New("executor is shutting down")
	ErrScriptNotFound = errors.New("script not found")
	ErrInvalidRunID   = errors.New("invalid run id")
)

// SpawnError reports that the interpreter could not be launched:
// missing binary, permission denied, or OS resource exhaustion.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("spawn: %s", e.Err)
	}
	return fmt.Sprintf("spawn %s: %s", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Is makes every SpawnError match ErrSpawn.
func (e *SpawnError) Is(target error) bool {
	return target == ErrSpawn
}

// RunError wraps errors with execution context.
type RunError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *RunError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// IsSpawnError returns true if the error came from launching the process.
func IsSpawnError(err error) bool {
	return errors.Is(err, ErrSpawn)
}
