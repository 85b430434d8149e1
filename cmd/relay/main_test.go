package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agent462/relay/internal/executor"
	"github.com/agent462/relay/internal/sshtest"
	"github.com/agent462/relay/internal/transfer"
)

func TestPrintSingle(t *testing.T) {
	r := executor.NewResult("false", nil)
	r.AppendStdout([]byte("out\n"))
	r.AppendStderr([]byte("err\n"))
	r.SetExitCode(3)

	var stdout, stderr bytes.Buffer
	err := printSingle(&stdout, &stderr, r, nil)

	var ec *exitCodeError
	if !errors.As(err, &ec) || ec.code != 3 {
		t.Fatalf("expected exit code 3, got %v", err)
	}
	if stdout.String() != "out\n" || stderr.String() != "err\n" {
		t.Errorf("stdout = %q, stderr = %q", stdout.String(), stderr.String())
	}
}

func TestPrintSingleSuccessAndError(t *testing.T) {
	r := executor.NewResult("true", nil)
	r.SetExitCode(0)
	var buf bytes.Buffer
	if err := printSingle(&buf, &buf, r, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	boom := errors.New("boom")
	if err := printSingle(&buf, &buf, nil, boom); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestPrintTransfer(t *testing.T) {
	results := []*transfer.Result{
		{Endpoint: executor.Endpoint{Host: "a", Port: 22}, Stats: transfer.Stats{Files: 2, Bytes: 10}},
		{Endpoint: executor.Endpoint{Host: "b", Port: 22}, Err: errors.New("refused")},
	}
	var buf bytes.Buffer
	err := printTransfer(&buf, results)

	var ec *exitCodeError
	if !errors.As(err, &ec) {
		t.Fatalf("expected an exit code error, got %v", err)
	}
	for _, want := range []string{"a:22: 2 file(s), 10 bytes", "b:22: FAILED (refused)", "1 of 2 host(s) failed"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
}

func TestRootCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"local", "run", "check", "together", "put", "get"} {
		if !names[want] {
			t.Errorf("missing command %s", want)
		}
	}
}

// execute runs the root command with args and restores the global flags.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		configPath, user, identity = "", "", ""
		timeout, expected = 0, nil
		noColor, insecure = false, false
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTogetherTimeoutFlag(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	pub, keyPath := sshtest.GenerateKey(t)
	slow := sshtest.New(t, sshtest.WithPublicKey(pub), sshtest.WithExecHandler(func(s *sshtest.Session) int {
		s.Sleep(10 * time.Second)
		return 0
	}))
	fast := sshtest.New(t, sshtest.WithPublicKey(pub), sshtest.WithCmdHandler(func(string) (string, string, int) {
		return "ok\n", "", 0
	}))

	cfg := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfg, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	out, err := execute(t, "together", "--config", cfg, "-i", keyPath, "-u", "testuser",
		"--insecure", "--no-color", "-t", "300ms", "sleep 10",
		fmt.Sprintf("127.0.0.1:%d", slow.Port()), fmt.Sprintf("127.0.0.1:%d", fast.Port()))
	elapsed := time.Since(start)

	var ec *exitCodeError
	if !errors.As(err, &ec) || ec.code != 1 {
		t.Fatalf("expected exit code 1, got %v\n%s", err, out)
	}
	if elapsed > 5*time.Second {
		t.Errorf("--timeout was not applied, took %s", elapsed)
	}
	if !strings.Contains(out, "1 target timed out:") {
		t.Errorf("expected a timed out target:\n%s", out)
	}
	if !strings.Contains(out, "1 succeeded") {
		t.Errorf("expected the fast target to succeed:\n%s", out)
	}
}

func TestTogetherExpectedFlag(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	pub, keyPath := sshtest.GenerateKey(t)
	srv := sshtest.New(t, sshtest.WithPublicKey(pub), sshtest.WithCmdHandler(func(string) (string, string, int) {
		return "", "", 3
	}))

	cfg := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfg, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "together", "--config", cfg, "-i", keyPath, "-u", "testuser",
		"--insecure", "--no-color", "--expected", "0,3", "exit 3", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	if err != nil {
		t.Fatalf("exit code 3 was expected: %v\n%s", err, out)
	}
}
