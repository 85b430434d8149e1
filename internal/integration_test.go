package internal_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/agent462/relay/internal/executor"
	"github.com/agent462/relay/internal/report"
	"github.com/agent462/relay/internal/ssh"
	"github.com/agent462/relay/internal/sshtest"
)

type fleet struct {
	pub     gossh.PublicKey
	keyPath string
	eps     []executor.Endpoint
}

func newFleet(t *testing.T) *fleet {
	t.Helper()
	t.Setenv("SSH_AUTH_SOCK", "")
	pub, keyPath := sshtest.GenerateKey(t)
	return &fleet{pub: pub, keyPath: keyPath}
}

// add starts a server answering every command with handler.
func (f *fleet) add(t *testing.T, handler sshtest.ExecHandler, opts ...sshtest.Option) executor.Endpoint {
	t.Helper()
	srv := sshtest.New(t, append([]sshtest.Option{sshtest.WithPublicKey(f.pub), sshtest.WithExecHandler(handler)}, opts...)...)
	ep := executor.Endpoint{Host: "127.0.0.1", Port: srv.Port()}
	f.eps = append(f.eps, ep)
	return ep
}

func (f *fleet) registry(t *testing.T, hosts map[executor.Endpoint]ssh.HostConfig, sudo bool) *ssh.Registry {
	t.Helper()
	reg := ssh.NewRegistry(ssh.ClientConfig{
		User:            "testuser",
		IdentityFiles:   []string{f.keyPath},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Sudo:            sudo,
	}, hosts)
	t.Cleanup(func() { reg.CloseAll() })
	return reg
}

func reply(stdout string, code int) sshtest.ExecHandler {
	return func(s *sshtest.Session) int {
		fmt.Fprint(s.Stdout, stdout)
		return code
	}
}

func TestFullPipeline_GroupedOutput(t *testing.T) {
	f := newFleet(t)
	f.add(t, reply("Linux 6.1\n", 0))
	f.add(t, reply("Linux 6.1\n", 0))
	odd := f.add(t, reply("Linux 5.15\n", 0))

	p := executor.NewParallel(f.registry(t, nil, false))
	results, err := p.RunTogether(context.Background(), f.eps, "uname -r")
	if err != nil {
		t.Fatalf("RunTogether: %v", err)
	}

	rep := report.Build("uname -r", results, err, nil)
	if len(rep.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(rep.Groups))
	}
	if len(rep.Groups[0].Endpoints) != 2 {
		t.Errorf("norm group has %d endpoints, want 2", len(rep.Groups[0].Endpoints))
	}
	if eps := rep.Groups[1].Endpoints; len(eps) != 1 || eps[0] != odd {
		t.Errorf("differing group = %v, want [%s]", eps, odd)
	}
	if !rep.OK() {
		t.Error("all exit codes were expected")
	}

	out := (&report.Formatter{}).Text(rep)
	for _, want := range []string{"2 targets identical:", "1 target differs:", "3 succeeded"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFullPipeline_MixedResults(t *testing.T) {
	f := newFleet(t)
	f.add(t, reply("ok\n", 0))
	bad := f.add(t, reply("nope\n", 2))
	slow := f.add(t, func(s *sshtest.Session) int {
		s.Sleep(10 * time.Second)
		return 0
	})

	// An endpoint with nothing listening.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	down := executor.Endpoint{Host: "127.0.0.1", Port: l.Addr().(*net.TCPAddr).Port}
	l.Close()
	eps := append(append([]executor.Endpoint{}, f.eps...), down)

	p := executor.NewParallel(f.registry(t, nil, false))
	results, err := p.RunTogether(context.Background(), eps, "check", executor.WithTimeout(300*time.Millisecond))

	var exc *executor.ParallelExceptionsError
	if !errors.As(err, &exc) {
		t.Fatalf("expected *ParallelExceptionsError, got %v", err)
	}
	if len(exc.Errors) != 2 {
		t.Errorf("expected 2 failures, got %v", exc.Errors)
	}
	if !errors.Is(exc.Errors[down], executor.ErrTransportLoss) {
		t.Errorf("down endpoint error = %v", exc.Errors[down])
	}
	var te *executor.TimeoutError
	if !errors.As(exc.Errors[slow], &te) {
		t.Errorf("slow endpoint error = %v", exc.Errors[slow])
	}

	rep := report.Build("check", results, err, nil)
	if len(rep.Failed) != 1 || len(rep.TimedOut) != 1 {
		t.Errorf("failed = %v, timed out = %v", rep.Failed, rep.TimedOut)
	}
	succeeded, unexpected, _, _ := rep.Counts()
	if succeeded != 1 || unexpected != 1 {
		t.Errorf("succeeded = %d, unexpected = %d", succeeded, unexpected)
	}
	if rep.OK() {
		t.Error("report should not be OK")
	}
	if code, _ := results[bad].ExitCode(); code != 2 {
		t.Errorf("bad exit code = %d, want 2", code)
	}
}

func TestFullPipeline_UnexpectedExitCode(t *testing.T) {
	f := newFleet(t)
	f.add(t, reply("", 0))
	bad := f.add(t, reply("", 1))

	p := executor.NewParallel(f.registry(t, nil, false))
	results, err := p.RunTogether(context.Background(), f.eps, "test -f /x")

	var exitErr *executor.ParallelExitCodeError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ParallelExitCodeError, got %v", err)
	}
	if failed := exitErr.Failed(); len(failed) != 1 || failed[0] != bad {
		t.Errorf("failed = %v, want [%s]", failed, bad)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results))
	}

	// The same run with 1 accepted passes.
	if _, err := p.RunTogether(context.Background(), f.eps, "test -f /x", executor.WithExpected(0, 1)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFullPipeline_ConfiguredDefaults(t *testing.T) {
	f := newFleet(t)
	f.add(t, reply("", 3))
	f.add(t, func(s *sshtest.Session) int {
		s.Sleep(10 * time.Second)
		return 0
	})

	defaults := executor.DefaultOptions()
	defaults.Timeout = 300 * time.Millisecond
	defaults.Expected = []int{0, 3}
	reg := ssh.NewRegistry(ssh.ClientConfig{
		User:            "testuser",
		IdentityFiles:   []string{f.keyPath},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Defaults:        &defaults,
	}, nil)
	t.Cleanup(func() { reg.CloseAll() })

	start := time.Now()
	results, err := executor.NewParallel(reg, executor.WithDefaults(defaults)).RunTogether(context.Background(), f.eps, "work")
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("configured timeout was not applied, took %s", elapsed)
	}

	var exc *executor.ParallelExceptionsError
	if !errors.As(err, &exc) {
		t.Fatalf("expected *ParallelExceptionsError, got %v", err)
	}
	var te *executor.TimeoutError
	if !errors.As(exc.Errors[f.eps[1]], &te) {
		t.Errorf("slow endpoint error = %v", exc.Errors[f.eps[1]])
	}
	rep := report.Build("work", results, err, defaults.Expected)
	if succeeded, unexpected, _, _ := rep.Counts(); succeeded != 1 || unexpected != 0 {
		t.Errorf("succeeded = %d, unexpected = %d", succeeded, unexpected)
	}
}

func TestFullPipeline_JSONOutput(t *testing.T) {
	f := newFleet(t)
	f.add(t, reply("a\n", 0))
	f.add(t, reply("b\n", 1))

	p := executor.NewParallel(f.registry(t, nil, false))
	results, _ := p.RunTogether(context.Background(), f.eps, "cat x", executor.NoRaise())

	data, err := report.JSON(results, nil)
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	var out []report.JSONResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(out))
	}
	for _, r := range out {
		if r.Command != "cat x" {
			t.Errorf("%s: command = %q", r.Endpoint, r.Command)
		}
		if r.ExitCode == nil {
			t.Errorf("%s: missing exit code", r.Endpoint)
		}
	}
}

func TestFullPipeline_SudoPerHostPassword(t *testing.T) {
	f := newFleet(t)
	handler := func(s *sshtest.Session) int {
		if !strings.HasPrefix(s.Command, "sudo -S") {
			return 1
		}
		password, _ := bufio.NewReader(s.Stdin).ReadString('\n')
		fmt.Fprint(s.Stdout, strings.TrimSpace(password))
		return 0
	}
	a := f.add(t, handler)
	b := f.add(t, handler)

	reg := f.registry(t, map[executor.Endpoint]ssh.HostConfig{
		a: {Password: "pw-a"},
		b: {Password: "pw-b"},
	}, true)
	results, err := executor.NewParallel(reg).RunTogether(context.Background(), f.eps, "id")
	if err != nil {
		t.Fatalf("RunTogether: %v", err)
	}
	if got := results[a].StdoutString(); got != "pw-a" {
		t.Errorf("host a received %q", got)
	}
	if got := results[b].StdoutString(); got != "pw-b" {
		t.Errorf("host b received %q", got)
	}
}

func TestFullPipeline_ProxyJump(t *testing.T) {
	f := newFleet(t)
	bastion := sshtest.New(t, sshtest.WithPublicKey(f.pub), sshtest.WithForwardTCP())
	target := f.add(t, reply("behind bastion\n", 0))

	reg := f.registry(t, map[executor.Endpoint]ssh.HostConfig{
		target: {ProxyJump: fmt.Sprintf("testuser@127.0.0.1:%d", bastion.Port())},
	}, false)
	results, err := executor.NewParallel(reg).RunTogether(context.Background(), f.eps, "hostname")
	if err != nil {
		t.Fatalf("RunTogether: %v", err)
	}
	if got := results[target].StdoutString(); got != "behind bastion" {
		t.Errorf("stdout = %q", got)
	}
	if bastion.Connections() != 1 {
		t.Errorf("bastion connections = %d, want 1", bastion.Connections())
	}
}

func TestFullPipeline_Canceled(t *testing.T) {
	f := newFleet(t)
	f.add(t, func(s *sshtest.Session) int {
		s.Sleep(10 * time.Second)
		return 0
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	reg := f.registry(t, nil, false)
	// Connect first so the deadline hits the command, not the dial.
	if _, err := reg.Target(context.Background(), f.eps[0]); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := executor.NewParallel(reg).RunTogether(ctx, f.eps, "sleep 10")
	var ce *executor.CanceledError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CanceledError, got %v", err)
	}
}
