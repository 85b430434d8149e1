package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// readerGrace is how long stream readers may keep draining after the
	// process exited before their handles are closed.
	readerGrace = time.Second

	// killGrace bounds the wait for readers after a forced termination.
	killGrace = 5 * time.Second
)

// CoreConfig configures a Core.
type CoreConfig struct {
	Logger      zerolog.Logger
	MaskPattern string    // default mask for every command of this executor
	Endpoint    *Endpoint // set for remote executors; tagged onto results
	Defaults    *Options  // nil means DefaultOptions()
}

// Core turns a non-blocking Spawner into blocking, deadline-bound executions.
// Local and remote executors share it.
type Core struct {
	spawner  Spawner
	logger   zerolog.Logger
	mask     *regexp.Regexp
	endpoint *Endpoint
	defaults Options
}

// NewCore creates a Core around spawner.
func NewCore(spawner Spawner, conf CoreConfig) (*Core, error) {
	mask, err := CompileMask(conf.MaskPattern)
	if err != nil {
		return nil, err
	}
	c := &Core{
		spawner:  spawner,
		logger:   conf.Logger,
		mask:     mask,
		defaults: DefaultOptions(),
	}
	if conf.Defaults != nil {
		c.defaults = buildOptions(*conf.Defaults, nil)
	}
	if conf.Endpoint != nil {
		ep := *conf.Endpoint
		c.endpoint = &ep
		c.logger = c.logger.With().Stringer("endpoint", ep).Logger()
	}
	return c, nil
}

// Logger returns the logger the core writes to.
func (c *Core) Logger() zerolog.Logger { return c.logger }

// Defaults returns a copy of the options every call starts from.
func (c *Core) Defaults() Options { return buildOptions(c.defaults, nil) }

// Mask returns command as it would be logged with the given options.
func (c *Core) Mask(command string, opts ...Option) string {
	o := buildOptions(c.defaults, opts)
	override, _ := CompileMask(o.MaskPattern)
	return MaskCommand(command, c.mask, override)
}

// Spawn starts command and returns immediately. The caller owns the returned
// Process and must Wait on or Kill it, then Close it.
func (c *Core) Spawn(ctx context.Context, command string, opts ...Option) (Process, error) {
	proc, _, err := c.spawn(ctx, command, buildOptions(c.defaults, opts))
	return proc, err
}

// Run executes command and waits for it under the configured timeout.
// Once the command started, the returned Result is never nil, even when an
// error is returned.
func (c *Core) Run(ctx context.Context, command string, opts ...Option) (*Result, error) {
	return c.run(ctx, command, buildOptions(c.defaults, opts))
}

// Check runs command and verifies its exit code is one of the expected codes.
func (c *Core) Check(ctx context.Context, command string, opts ...Option) (*Result, error) {
	return c.check(ctx, command, buildOptions(c.defaults, opts))
}

// CheckNoStderr is Check with exit code 0 expected and stderr required empty.
func (c *Core) CheckNoStderr(ctx context.Context, command string, opts ...Option) (*Result, error) {
	o := buildOptions(c.defaults, opts)
	o.Expected = []int{0}

	result, err := c.check(ctx, command, o)
	if err != nil {
		return result, err
	}
	if len(result.StderrBytes()) == 0 {
		return result, nil
	}

	c.logger.Error().
		Str("cmd", c.maskFor(command, o)).
		Str("stderr", result.StderrBrief()).
		Msg(prefixInfo(o.ErrorInfo) + "command wrote to stderr while not expected")
	if o.RaiseOnErr {
		return result, &StderrError{Result: result, Info: o.ErrorInfo}
	}
	return result, nil
}

func (c *Core) check(ctx context.Context, command string, o Options) (*Result, error) {
	result, err := c.run(ctx, command, o)
	if err != nil {
		return result, err
	}

	code, _ := result.ExitCode()
	if containsCode(o.Expected, code) {
		return result, nil
	}

	c.logger.Error().
		Str("cmd", c.maskFor(command, o)).
		Int("exit_code", code).
		Ints("expected", o.Expected).
		Msg(prefixInfo(o.ErrorInfo) + "command returned unexpected exit code")
	if o.RaiseOnErr {
		return result, &ExitCodeError{Result: result, Expected: o.Expected, Info: o.ErrorInfo}
	}
	return result, nil
}

func (c *Core) run(ctx context.Context, command string, o Options) (*Result, error) {
	result := newRemoteResult(command, o.Stdin, c.endpoint)

	proc, masked, err := c.spawn(ctx, command, o)
	if err != nil {
		return nil, err
	}
	defer proc.Close()

	// Nothing else will be written; let the command see EOF.
	if in := proc.Stdin(); in != nil {
		in.Close()
	}

	return c.wait(ctx, proc, result, masked, o)
}

func (c *Core) spawn(ctx context.Context, command string, o Options) (Process, string, error) {
	override, err := CompileMask(o.MaskPattern)
	if err != nil {
		return nil, "", err
	}
	masked := MaskCommand(command, c.mask, override)

	c.logger.WithLevel(level(o.Verbose)).Str("cmd", masked).Msg("executing command")

	proc, err := c.spawner.Spawn(ctx, command, SpawnOptions{
		Stdin:      o.Stdin,
		OpenStdout: o.OpenStdout,
		OpenStderr: o.OpenStderr,
		PTY:        o.PTY,
		Dir:        o.Dir,
		Env:        o.Env,
	})
	if err != nil {
		return nil, masked, fmt.Errorf("spawn %q: %w", masked, err)
	}
	return proc, masked, nil
}

type exitStatus struct {
	code int
	err  error
}

// wait drains both streams concurrently while racing the process against
// the deadline. Draining one stream after the other can deadlock once the
// child blocks on the undrained pipe.
func (c *Core) wait(ctx context.Context, proc Process, result *Result, masked string, o Options) (*Result, error) {
	lvl := level(o.Verbose)

	var readers sync.WaitGroup
	c.drain(&readers, proc.Stdout(), result.AppendStdout, "stdout", o.ChunkSize, lvl)
	c.drain(&readers, proc.Stderr(), result.AppendStderr, "stderr", o.ChunkSize, lvl)

	exited := make(chan exitStatus, 1)
	go func() {
		code, err := proc.Wait()
		exited <- exitStatus{code: code, err: err}
	}()

	timer := time.NewTimer(o.Timeout)
	defer timer.Stop()

	select {
	case st := <-exited:
		return c.finish(proc, &readers, result, masked, st, lvl)

	case <-timer.C:
		select {
		case st := <-exited:
			c.logger.Warn().Str("cmd", masked).Msg("command completed just after timeout: please validate timeout")
			return c.finish(proc, &readers, result, masked, st, lvl)
		default:
		}
		c.terminate(proc, &readers, masked)
		c.logger.Debug().Str("cmd", masked).Dur("timeout", o.Timeout).Msg("wait timed out, process terminated")
		return result, &TimeoutError{Result: result, Timeout: o.Timeout}

	case <-ctx.Done():
		c.terminate(proc, &readers, masked)
		c.logger.Debug().Str("cmd", masked).Err(ctx.Err()).Msg("wait canceled, process terminated")
		return result, &CanceledError{Result: result, Err: ctx.Err()}
	}
}

func (c *Core) finish(proc Process, readers *sync.WaitGroup, result *Result, masked string, st exitStatus, lvl zerolog.Level) (*Result, error) {
	if !waitTimeout(readers, readerGrace) {
		// Something (a background child) still holds the write side open.
		proc.Close()
		waitTimeout(readers, readerGrace)
	}
	if st.err != nil {
		return result, fmt.Errorf("wait for %q: %w", masked, st.err)
	}
	if err := result.SetExitCode(st.code); err != nil {
		return result, err
	}
	c.logger.WithLevel(lvl).Str("cmd", masked).Int("exit_code", st.code).Msg("command finished")
	return result, nil
}

func (c *Core) terminate(proc Process, readers *sync.WaitGroup, masked string) {
	if err := proc.Kill(); err != nil {
		c.logger.Debug().Str("cmd", masked).Err(err).Msg("kill")
	}
	if !waitTimeout(readers, killGrace) {
		c.logger.Warn().Str("cmd", masked).Msg("stream readers did not stop after kill")
	}
}

// drain copies src into sink chunk by chunk. A chunk is a line, or ChunkSize
// bytes of a longer line.
func (c *Core) drain(wg *sync.WaitGroup, src io.Reader, sink func([]byte) error, stream string, chunkSize int, lvl zerolog.Level) {
	if src == nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		br := bufio.NewReaderSize(src, chunkSize)
		for {
			chunk, err := br.ReadSlice('\n')
			if len(chunk) > 0 {
				if sink(chunk) != nil {
					return
				}
				c.logger.WithLevel(lvl).Str("stream", stream).Msg(string(bytes.TrimRight(chunk, "\r\n")))
			}
			if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
				return
			}
		}
	}()
}

func (c *Core) maskFor(command string, o Options) string {
	override, _ := CompileMask(o.MaskPattern)
	return MaskCommand(command, c.mask, override)
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

func level(verbose bool) zerolog.Level {
	if verbose {
		return zerolog.InfoLevel
	}
	return zerolog.DebugLevel
}
