package executor

import (
	"context"
	"io"
)

// SpawnOptions is the subset of Options a Spawner needs to start a command.
type SpawnOptions struct {
	Stdin      []byte
	OpenStdout bool
	OpenStderr bool
	PTY        bool
	Dir        string
	Env        []string
}

// Spawner starts a command without waiting for it. Implementations write
// Stdin (when non-nil) and close the input side before returning.
type Spawner interface {
	Spawn(ctx context.Context, command string, opts SpawnOptions) (Process, error)
}

// Process is a started command.
type Process interface {
	// Stdin is the open input side, or nil when stdin was supplied at spawn.
	Stdin() io.WriteCloser
	// Stdout and Stderr are nil when the stream was not requested.
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the command terminates and returns its exit code.
	// A non-nil error means no exit code could be obtained.
	Wait() (int, error)
	// Kill forcibly terminates the command and closes its streams so that
	// pending reads return.
	Kill() error
	// Close releases the stream handles.
	Close() error
}
