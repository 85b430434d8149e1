package executor

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

var errKilled = errors.New("killed")

// script drives a fakeProc. It runs on its own goroutine and must call exit.
type script func(p *fakeProc)

// fakeSpawner starts fakeProcs driven by a script.
type fakeSpawner struct {
	mu       sync.Mutex
	commands []string
	opts     []SpawnOptions
	script   script
	err      error
}

func (s *fakeSpawner) Spawn(ctx context.Context, command string, opts SpawnOptions) (Process, error) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.opts = append(s.opts, opts)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}

	p := newFakeProc(opts)
	go s.script(p)
	return p, nil
}

func (s *fakeSpawner) lastCommand() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commands) == 0 {
		return ""
	}
	return s.commands[len(s.commands)-1]
}

type fakeProc struct {
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
	stdout     io.Writer
	stderr     io.Writer
	openOut    bool
	openErr    bool

	killed chan struct{}
	done   chan struct{}
	once   sync.Once
	code   int
	err    error
}

func newFakeProc(opts SpawnOptions) *fakeProc {
	p := &fakeProc{
		killed:  make(chan struct{}),
		done:    make(chan struct{}),
		openOut: opts.OpenStdout,
		openErr: opts.OpenStderr,
		stdout:  io.Discard,
		stderr:  io.Discard,
	}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	if opts.OpenStdout {
		p.stdout = p.outW
	}
	if opts.OpenStderr {
		p.stderr = p.errW
	}
	return p
}

func (p *fakeProc) out(s string) { io.WriteString(p.stdout, s) }
func (p *fakeProc) errOut(s string) { io.WriteString(p.stderr, s) }

// sleep returns false when the process was killed while sleeping.
func (p *fakeProc) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-p.killed:
		return false
	}
}

func (p *fakeProc) exit(code int) {
	p.outW.Close()
	p.errW.Close()
	p.finish(code, nil)
}

func (p *fakeProc) finish(code int, err error) {
	p.once.Do(func() {
		p.code = code
		p.err = err
		close(p.done)
	})
}

func (p *fakeProc) Stdin() io.WriteCloser { return nil }

func (p *fakeProc) Stdout() io.Reader {
	if !p.openOut {
		return nil
	}
	return p.outR
}

func (p *fakeProc) Stderr() io.Reader {
	if !p.openErr {
		return nil
	}
	return p.errR
}

func (p *fakeProc) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

func (p *fakeProc) Kill() error {
	select {
	case <-p.killed:
	default:
		close(p.killed)
	}
	p.outW.CloseWithError(errKilled)
	p.errW.CloseWithError(errKilled)
	p.finish(-1, errKilled)
	return nil
}

func (p *fakeProc) Close() error {
	p.outR.Close()
	p.errR.Close()
	return nil
}

// exitWith is a script printing stdout/stderr and exiting with code.
func exitWith(stdout, stderr string, code int) script {
	return func(p *fakeProc) {
		if stdout != "" {
			p.out(stdout)
		}
		if stderr != "" {
			p.errOut(stderr)
		}
		p.exit(code)
	}
}

func newTestCore(t interface{ Fatalf(string, ...any) }, s *fakeSpawner, conf CoreConfig) *Core {
	c, err := NewCore(s, conf)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	return c
}
