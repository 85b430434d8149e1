package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/agent462/relay/internal/executor"
)

// sessionSpawner starts commands on sessions of its connection.
type sessionSpawner struct {
	c *Conn
}

// Spawn implements executor.Spawner.
func (s sessionSpawner) Spawn(ctx context.Context, command string, opts executor.SpawnOptions) (executor.Process, error) {
	c := s.c
	sess, err := c.newSession(ctx)
	if err != nil {
		return nil, err
	}

	p, err := startSession(sess, command, opts, c.sudo.current(), &c.creds)
	if err != nil {
		sess.Close()
		return nil, err
	}
	return p, nil
}

func startSession(sess *ssh.Session, command string, opts executor.SpawnOptions, sudo bool, creds *Credentials) (*remoteProcess, error) {
	p := &remoteProcess{sess: sess}

	if opts.PTY {
		modes := ssh.TerminalModes{ssh.ECHO: 0}
		if err := sess.RequestPty("xterm", 40, 80, modes); err != nil {
			return nil, fmt.Errorf("request pty: %w", err)
		}
	}

	if opts.OpenStdout {
		r, err := sess.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		p.stdout = r
	}
	if opts.OpenStderr {
		r, err := sess.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		p.stderr = r
	}

	// The password goes first so sudo consumes it before the command reads.
	var password []byte
	if sudo {
		command = sudoCommand(command)
		if creds.Password != "" {
			var buf bytes.Buffer
			creds.EnterPassword(&buf)
			password = buf.Bytes()
		}
	}

	if opts.Stdin != nil {
		sess.Stdin = io.MultiReader(bytes.NewReader(password), bytes.NewReader(opts.Stdin))
	} else {
		w, err := sess.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		p.stdin = w
	}

	if err := sess.Start(command); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	if p.stdin != nil && password != nil {
		if _, err := p.stdin.Write(password); err != nil {
			return nil, fmt.Errorf("enter sudo password: %w", err)
		}
	}
	return p, nil
}

// sudoCommand runs command through a shell under sudo, reading the password
// from stdin without printing a prompt.
func sudoCommand(command string) string {
	return "sudo -S -p '' sh -c " + shellQuote(command)
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// remoteProcess is a command running on an SSH session.
type remoteProcess struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *remoteProcess) Stdin() io.WriteCloser {
	if p.stdin == nil {
		return nil
	}
	return p.stdin
}

func (p *remoteProcess) Stdout() io.Reader { return p.stdout }
func (p *remoteProcess) Stderr() io.Reader { return p.stderr }

func (p *remoteProcess) Wait() (int, error) {
	err := p.sess.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, fmt.Errorf("%w: %w", executor.ErrTransportLoss, err)
	}
	return -1, err
}

// Kill signals the remote command and closes the channel, which ends pending
// reads on its streams.
func (p *remoteProcess) Kill() error {
	p.sess.Signal(ssh.SIGKILL)
	return p.Close()
}

func (p *remoteProcess) Close() error {
	if err := p.sess.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
