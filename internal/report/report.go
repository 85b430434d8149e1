// Package report renders the aggregate of a parallel run for terminals.
package report

import (
	"context"
	"crypto/sha256"
	"errors"
	"slices"
	"strings"

	"github.com/agent462/relay/internal/executor"
)

// OutputGroup is a set of endpoints that produced identical output and
// exit code.
type OutputGroup struct {
	Endpoints []executor.Endpoint
	Stdout    string
	Stderr    string
	ExitCode  int
	Expected  bool // exit code is in the expected set
	IsNorm    bool // largest group
}

// Failure is an endpoint that ended without a result.
type Failure struct {
	Endpoint executor.Endpoint
	Err      error
}

// Report holds the categorized results of a run.
type Report struct {
	Command  string
	Groups   []OutputGroup
	Failed   []Failure
	TimedOut []Failure
}

// Build categorizes results by identical output and exit code. Endpoints that
// failed without a result are taken from a *executor.ParallelExceptionsError
// in err. The largest group comes first; the others keep first-seen order,
// visiting endpoints in sorted order.
func Build(command string, results map[executor.Endpoint]*executor.Result, err error, expected []int) *Report {
	if len(expected) == 0 {
		expected = []int{0}
	}
	r := &Report{Command: command}

	var exc *executor.ParallelExceptionsError
	if errors.As(err, &exc) {
		for _, ep := range sortEndpoints(exc.Errors) {
			f := Failure{Endpoint: ep, Err: exc.Errors[ep]}
			if isTimeout(f.Err) {
				r.TimedOut = append(r.TimedOut, f)
			} else {
				r.Failed = append(r.Failed, f)
			}
		}
	}

	groups := make(map[[sha256.Size]byte]*OutputGroup)
	var order [][sha256.Size]byte
	for _, ep := range sortEndpoints(results) {
		res := results[ep]
		code, _ := res.ExitCode()
		stdout, stderr := string(res.StdoutBytes()), string(res.StderrBytes())

		// NUL separators keep stdout/stderr boundaries from colliding.
		h := sha256.New()
		h.Write([]byte(stdout))
		h.Write([]byte{0})
		h.Write([]byte(stderr))
		h.Write([]byte{0, byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code)})
		var key [sha256.Size]byte
		copy(key[:], h.Sum(nil))

		g, ok := groups[key]
		if !ok {
			g = &OutputGroup{Stdout: stdout, Stderr: stderr, ExitCode: code, Expected: slices.Contains(expected, code)}
			groups[key] = g
			order = append(order, key)
		}
		g.Endpoints = append(g.Endpoints, ep)
	}
	if len(order) == 0 {
		return r
	}

	// The norm is the largest group. On tie, the group that appeared first.
	norm := 0
	for i, k := range order {
		if len(groups[k].Endpoints) > len(groups[order[norm]].Endpoints) {
			norm = i
		}
	}
	groups[order[norm]].IsNorm = true
	r.Groups = append(r.Groups, *groups[order[norm]])
	for i, k := range order {
		if i != norm {
			r.Groups = append(r.Groups, *groups[k])
		}
	}
	return r
}

// Counts returns the number of endpoints per outcome.
func (r *Report) Counts() (succeeded, unexpected, failed, timedOut int) {
	for _, g := range r.Groups {
		if g.Expected {
			succeeded += len(g.Endpoints)
		} else {
			unexpected += len(g.Endpoints)
		}
	}
	return succeeded, unexpected, len(r.Failed), len(r.TimedOut)
}

// OK reports whether every endpoint finished with an expected exit code.
func (r *Report) OK() bool {
	_, unexpected, failed, timedOut := r.Counts()
	return unexpected == 0 && failed == 0 && timedOut == 0
}

func isTimeout(err error) bool {
	var te *executor.TimeoutError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

func sortEndpoints[V any](m map[executor.Endpoint]V) []executor.Endpoint {
	eps := make([]executor.Endpoint, 0, len(m))
	for ep := range m {
		eps = append(eps, ep)
	}
	slices.SortFunc(eps, func(a, b executor.Endpoint) int {
		if c := strings.Compare(a.Host, b.Host); c != 0 {
			return c
		}
		return a.Port - b.Port
	})
	return eps
}
