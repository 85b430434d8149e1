package executor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrResultFrozen is returned when output is appended to, or an exit code is
// set on, a Result that already recorded its exit code.
var ErrResultFrozen = errors.New("result is frozen: exit code already recorded")

// briefLines is the maximum number of lines a brief rendering keeps.
const briefLines = 7

// Result records the execution of one command. Output is append-only while
// the command runs; setting the exit code freezes it.
type Result struct {
	mu sync.RWMutex

	command  string
	stdin    []byte
	stdout   [][]byte
	stderr   [][]byte
	exitCode *int
	started  time.Time
	finished time.Time
	endpoint *Endpoint
}

// NewResult returns an empty Result for command with its start time set to now.
func NewResult(command string, stdin []byte) *Result {
	r := &Result{command: command, started: time.Now()}
	if stdin != nil {
		r.stdin = append([]byte(nil), stdin...)
	}
	return r
}

// newRemoteResult is a Result tagged with the endpoint it ran on.
func newRemoteResult(command string, stdin []byte, ep *Endpoint) *Result {
	r := NewResult(command, stdin)
	if ep != nil {
		e := *ep
		r.endpoint = &e
	}
	return r
}

// Command returns the command text as it was executed (unmasked).
func (r *Result) Command() string { return r.command }

// Stdin returns the data that was written to the command's input, if any.
func (r *Result) Stdin() []byte { return r.stdin }

// Endpoint returns the remote target, or false for local executions.
func (r *Result) Endpoint() (Endpoint, bool) {
	if r.endpoint == nil {
		return Endpoint{}, false
	}
	return *r.endpoint, true
}

// Started returns when execution began.
func (r *Result) Started() time.Time { return r.started }

// Finished returns when the exit code was recorded; zero while running or
// after a timeout.
func (r *Result) Finished() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finished
}

// Duration is the elapsed time between start and finish, or until now when
// the command never finished.
func (r *Result) Duration() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.finished.IsZero() {
		return time.Since(r.started)
	}
	return r.finished.Sub(r.started)
}

// ExitCode returns the exit code and whether one was recorded.
func (r *Result) ExitCode() (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.exitCode == nil {
		return 0, false
	}
	return *r.exitCode, true
}

// Done reports whether the execution reached a terminal state.
func (r *Result) Done() bool {
	_, ok := r.ExitCode()
	return ok
}

// SetExitCode records the exit code and freezes the Result.
func (r *Result) SetExitCode(code int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exitCode != nil {
		return ErrResultFrozen
	}
	r.exitCode = &code
	r.finished = time.Now()
	return nil
}

// AppendStdout appends one chunk (normally a line) of standard output.
func (r *Result) AppendStdout(line []byte) error {
	return r.appendTo(&r.stdout, line)
}

// AppendStderr appends one chunk (normally a line) of standard error.
func (r *Result) AppendStderr(line []byte) error {
	return r.appendTo(&r.stderr, line)
}

func (r *Result) appendTo(dst *[][]byte, line []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exitCode != nil {
		return ErrResultFrozen
	}
	*dst = append(*dst, append([]byte(nil), line...))
	return nil
}

// Stdout returns a copy of the captured stdout lines.
func (r *Result) Stdout() [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyLines(r.stdout)
}

// Stderr returns a copy of the captured stderr lines.
func (r *Result) Stderr() [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyLines(r.stderr)
}

// StdoutBytes returns the captured stdout joined into one slice.
func (r *Result) StdoutBytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return bytes.Join(r.stdout, nil)
}

// StderrBytes returns the captured stderr joined into one slice.
func (r *Result) StderrBytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return bytes.Join(r.stderr, nil)
}

// StdoutString is the trimmed stdout text.
func (r *Result) StdoutString() string { return decodeText(r.StdoutBytes()) }

// StderrString is the trimmed stderr text.
func (r *Result) StderrString() string { return decodeText(r.StderrBytes()) }

// StdoutBrief keeps the first and last three lines of stdout.
func (r *Result) StdoutBrief() string { return brief(r.Stdout()) }

// StderrBrief keeps the first and last three lines of stderr.
func (r *Result) StderrBrief() string { return brief(r.Stderr()) }

// DecodeJSON unmarshals stdout as JSON into v.
func (r *Result) DecodeJSON(v any) error {
	if err := json.Unmarshal([]byte(r.StdoutString()), v); err != nil {
		return &DecodeError{Format: "json", Command: r.command, Brief: r.StdoutBrief(), Err: err}
	}
	return nil
}

// DecodeYAML unmarshals stdout as YAML into v.
func (r *Result) DecodeYAML(v any) error {
	if err := yaml.Unmarshal([]byte(r.StdoutString()), v); err != nil {
		return &DecodeError{Format: "yaml", Command: r.command, Brief: r.StdoutBrief(), Err: err}
	}
	return nil
}

func (r *Result) String() string {
	code := "<none>"
	if c, ok := r.ExitCode(); ok {
		code = fmt.Sprint(c)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%q", r.command)
	if ep, ok := r.Endpoint(); ok {
		fmt.Fprintf(&b, " on %s", ep)
	}
	fmt.Fprintf(&b, "\n\texit code: %s", code)
	fmt.Fprintf(&b, "\n\tstdout brief:\n%s", indent(r.StdoutBrief()))
	fmt.Fprintf(&b, "\n\tstderr brief:\n%s", indent(r.StderrBrief()))
	return b.String()
}

func copyLines(src [][]byte) [][]byte {
	out := make([][]byte, len(src))
	for i, l := range src {
		out[i] = append([]byte(nil), l...)
	}
	return out
}

func decodeText(b []byte) string {
	return strings.TrimSpace(strings.ToValidUTF8(string(b), "�"))
}

func brief(lines [][]byte) string {
	if len(lines) > briefLines {
		head := lines[:3]
		tail := lines[len(lines)-3:]
		lines = append(append(append([][]byte{}, head...), []byte("...\n")), tail...)
	}
	return decodeText(bytes.Join(lines, nil))
}

func indent(s string) string {
	if s == "" {
		return ""
	}
	return "\t\t" + strings.ReplaceAll(s, "\n", "\n\t\t")
}
