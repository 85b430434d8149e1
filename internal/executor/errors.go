package executor

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrAuthentication marks a session that rejected the credentials.
	// It is never retried.
	ErrAuthentication = errors.New("authentication failed")

	// ErrTransportLoss marks a connection that died while in use.
	ErrTransportLoss = errors.New("transport lost")
)

// TimeoutError is returned when a command does not finish before its deadline.
// Result holds whatever output was captured; its exit code is absent.
type TimeoutError struct {
	Result  *Result
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("wait for %q during %s timed out", e.Result.Command(), e.Timeout)
}

// CanceledError is returned when the caller's context ends before the
// command does.
type CanceledError struct {
	Result *Result
	Err    error
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("wait for %q: %v", e.Result.Command(), e.Err)
}

func (e *CanceledError) Unwrap() error { return e.Err }

// ExitCodeError is returned by Check when the exit code is not expected.
type ExitCodeError struct {
	Result   *Result
	Expected []int
	Info     string
}

func (e *ExitCodeError) Error() string {
	code, _ := e.Result.ExitCode()
	return fmt.Sprintf("%scommand %q returned exit code %d while expected %v\n\tstdout:\n%s\n\tstderr:\n%s",
		prefixInfo(e.Info), e.Result.Command(), code, e.Expected,
		e.Result.StdoutBrief(), e.Result.StderrBrief())
}

// StderrError is returned by CheckNoStderr when stderr is not empty.
type StderrError struct {
	Result *Result
	Info   string
}

func (e *StderrError) Error() string {
	code, _ := e.Result.ExitCode()
	return fmt.Sprintf("%scommand %q wrote to stderr while not expected\n\texit code: %d\n\tstderr:\n%s",
		prefixInfo(e.Info), e.Result.Command(), code, e.Result.StderrBrief())
}

// DecodeError is returned when stdout cannot be decoded as the requested format.
type DecodeError struct {
	Format  string
	Command string
	Brief   string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s stdout is not valid %s: %v\n%s", e.Command, e.Format, e.Err, e.Brief)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ParallelExceptionsError aggregates the targets of a parallel run that
// failed without producing a result (timeouts, transport or auth failures).
// Results holds the targets that did complete.
type ParallelExceptionsError struct {
	Command string
	Errors  map[Endpoint]error
	Results map[Endpoint]*Result
}

func (e *ParallelExceptionsError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "command %q failed on %d target(s):", e.Command, len(e.Errors))
	for _, ep := range sortedEndpoints(e.Errors) {
		fmt.Fprintf(&b, "\n\t%s: %v", ep, e.Errors[ep])
	}
	return b.String()
}

// Unwrap exposes every per-target cause to errors.Is and errors.As.
func (e *ParallelExceptionsError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors))
	for _, ep := range sortedEndpoints(e.Errors) {
		errs = append(errs, e.Errors[ep])
	}
	return errs
}

// ParallelExitCodeError is returned when at least one target of a parallel
// run exited with an unexpected code. Results holds every target.
type ParallelExitCodeError struct {
	Command  string
	Results  map[Endpoint]*Result
	Expected []int
}

func (e *ParallelExitCodeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "command %q returned unexpected exit code while expected %v:", e.Command, e.Expected)
	for _, ep := range sortedEndpoints(e.Results) {
		code, _ := e.Results[ep].ExitCode()
		if !containsCode(e.Expected, code) {
			fmt.Fprintf(&b, "\n\t%s: %d", ep, code)
		}
	}
	return b.String()
}

// Failed returns the endpoints whose exit code was not expected.
func (e *ParallelExitCodeError) Failed() []Endpoint {
	var out []Endpoint
	for _, ep := range sortedEndpoints(e.Results) {
		code, _ := e.Results[ep].ExitCode()
		if !containsCode(e.Expected, code) {
			out = append(out, ep)
		}
	}
	return out
}

func prefixInfo(info string) string {
	if info == "" {
		return ""
	}
	return info + "\n"
}

func sortedEndpoints[V any](m map[Endpoint]V) []Endpoint {
	eps := make([]Endpoint, 0, len(m))
	for ep := range m {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].Host != eps[j].Host {
			return eps[i].Host < eps[j].Host
		}
		return eps[i].Port < eps[j].Port
	})
	return eps
}

func containsCode(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
