package executor

import (
	"slices"
	"time"
)

const (
	// DefaultTimeout bounds a single command when the caller sets none.
	DefaultTimeout = time.Hour

	// DefaultChunkSize is the read buffer size of each stream reader.
	DefaultChunkSize = 32 * 1024
)

// Options enumerates everything a single execution can be tuned with.
// The zero value is not useful; start from DefaultOptions.
type Options struct {
	Timeout     time.Duration // deadline for the wait phase
	Stdin       []byte        // written then closed at spawn; nil keeps stdin open
	OpenStdout  bool          // capture stdout (otherwise discarded)
	OpenStderr  bool          // capture stderr (otherwise discarded)
	PTY         bool          // request a pseudo-terminal (remote only)
	ChunkSize   int           // reader buffer size
	Verbose     bool          // log command and output at info instead of debug
	MaskPattern string        // per-call mask applied after the executor default
	Expected    []int         // exit codes accepted by Check
	RaiseOnErr  bool          // Check returns an error on unexpected exit codes
	ErrorInfo   string        // prefix for error messages
	Dir         string        // working directory (local only)
	Env         []string      // extra environment, KEY=VALUE (local only)
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:    DefaultTimeout,
		OpenStdout: true,
		OpenStderr: true,
		ChunkSize:  DefaultChunkSize,
		Expected:   []int{0},
		RaiseOnErr: true,
	}
}

// Option configures a single execution.
type Option func(*Options)

// WithTimeout sets the wait deadline. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// WithStdin writes data to the command's input and closes it.
func WithStdin(data []byte) Option {
	return func(o *Options) {
		o.Stdin = append([]byte{}, data...)
	}
}

// WithoutStdout discards standard output.
func WithoutStdout() Option {
	return func(o *Options) { o.OpenStdout = false }
}

// WithoutStderr discards standard error.
func WithoutStderr() Option {
	return func(o *Options) { o.OpenStderr = false }
}

// WithPTY requests a pseudo-terminal for remote commands.
func WithPTY() Option {
	return func(o *Options) { o.PTY = true }
}

// WithChunkSize sets the reader buffer size. Non-positive values are ignored.
func WithChunkSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.ChunkSize = n
		}
	}
}

// WithVerbose logs the command and its output at info level.
func WithVerbose() Option {
	return func(o *Options) { o.Verbose = true }
}

// WithMask adds a per-call mask pattern for logged command text.
func WithMask(pattern string) Option {
	return func(o *Options) { o.MaskPattern = pattern }
}

// WithExpected sets the exit codes Check accepts.
func WithExpected(codes ...int) Option {
	return func(o *Options) {
		if len(codes) > 0 {
			o.Expected = slices.Clone(codes)
		}
	}
}

// WithErrorInfo prefixes error messages produced by Check.
func WithErrorInfo(info string) Option {
	return func(o *Options) { o.ErrorInfo = info }
}

// NoRaise makes Check return the result without an error on unexpected exit codes.
func NoRaise() Option {
	return func(o *Options) { o.RaiseOnErr = false }
}

// WithDir sets the working directory of local commands.
func WithDir(dir string) Option {
	return func(o *Options) { o.Dir = dir }
}

// WithEnv adds KEY=VALUE pairs to the environment of local commands.
func WithEnv(env ...string) Option {
	return func(o *Options) { o.Env = append(o.Env, env...) }
}

func buildOptions(base Options, opts []Option) Options {
	o := base
	o.Expected = slices.Clone(base.Expected)
	for _, opt := range opts {
		opt(&o)
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if len(o.Expected) == 0 {
		o.Expected = []int{0}
	}
	return o
}
