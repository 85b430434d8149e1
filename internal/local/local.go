// Package local runs commands as processes on this machine.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agent462/relay/internal/executor"
)

// Config configures a local executor.
type Config struct {
	Logger      zerolog.Logger
	MaskPattern string
	Defaults    *executor.Options
	// Shell and ShellArgs override the platform shell (/bin/sh -c, cmd /C).
	Shell     string
	ShellArgs []string
}

// New returns an executor that spawns commands through the local shell.
func New(conf Config) (*executor.Core, error) {
	return executor.NewCore(NewSpawner(conf.Shell, conf.ShellArgs...), executor.CoreConfig{
		Logger:      conf.Logger,
		MaskPattern: conf.MaskPattern,
		Defaults:    conf.Defaults,
	})
}

// Spawner starts local shell processes.
type Spawner struct {
	shell     string
	shellArgs []string
}

// NewSpawner returns a Spawner for shell. An empty shell selects the
// platform default.
func NewSpawner(shell string, args ...string) *Spawner {
	s := &Spawner{shell: shell, shellArgs: args}
	if s.shell == "" {
		switch runtime.GOOS {
		case "windows":
			s.shell, s.shellArgs = "cmd", []string{"/C"}
		default:
			s.shell, s.shellArgs = "/bin/sh", []string{"-c"}
		}
	}
	return s
}

// Spawn implements executor.Spawner.
func (s *Spawner) Spawn(ctx context.Context, command string, opts executor.SpawnOptions) (executor.Process, error) {
	args := append(append([]string{}, s.shellArgs...), command)
	cmd := exec.Command(s.shell, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	setProcessGroup(cmd)

	p := &process{cmd: cmd}

	var stdin io.WriteCloser
	if opts.Stdin != nil {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	} else {
		var err error
		if stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
	}

	// Real OS pipes: closing the read end is what unblocks a reader after
	// Kill, even while a grandchild still holds the write end.
	var writers []*os.File
	if opts.OpenStdout {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		p.stdout, cmd.Stdout = r, w
		writers = append(writers, w)
	}
	if opts.OpenStderr {
		r, w, err := os.Pipe()
		if err != nil {
			p.Close()
			closeAll(writers)
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		p.stderr, cmd.Stderr = r, w
		writers = append(writers, w)
	}

	err := cmd.Start()
	// The child has its own copies now.
	closeAll(writers)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("start: %w", err)
	}
	p.stdin = stdin
	return p, nil
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File

	closeOnce sync.Once
}

func (p *process) Stdin() io.WriteCloser {
	if p.stdin == nil {
		return nil
	}
	return p.stdin
}

func (p *process) Stdout() io.Reader {
	if p.stdout == nil {
		return nil
	}
	return p.stdout
}

func (p *process) Stderr() io.Reader {
	if p.stderr == nil {
		return nil
	}
	return p.stderr
}

func (p *process) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *process) Kill() error {
	err := killProcess(p.cmd)
	p.Close()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *process) Close() error {
	p.closeOnce.Do(func() {
		if p.stdout != nil {
			p.stdout.Close()
		}
		if p.stderr != nil {
			p.stderr.Close()
		}
	})
	return nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
