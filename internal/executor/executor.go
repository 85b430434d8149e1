package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Target runs a command on one endpoint. *Core implements it.
type Target interface {
	Run(ctx context.Context, command string, opts ...Option) (*Result, error)
}

// Resolver returns the Target for an endpoint, connecting if needed.
// The ssh package's Registry implements it.
type Resolver interface {
	Target(ctx context.Context, ep Endpoint) (Target, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, ep Endpoint) (Target, error)

// Target implements Resolver.
func (f ResolverFunc) Target(ctx context.Context, ep Endpoint) (Target, error) {
	return f(ctx, ep)
}

// Parallel fans a command out to many endpoints and aggregates the outcome.
type Parallel struct {
	resolver    Resolver
	concurrency int
	logger      zerolog.Logger
	defaults    Options
}

// ParallelOption configures a Parallel.
type ParallelOption func(*Parallel)

// WithConcurrency caps the number of targets running at once.
// Zero or negative leaves it unbounded.
func WithConcurrency(n int) ParallelOption {
	return func(p *Parallel) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithParallelLogger sets the logger used for fan-out diagnostics.
func WithParallelLogger(l zerolog.Logger) ParallelOption {
	return func(p *Parallel) { p.logger = l }
}

// WithDefaults sets the options exit codes are judged against. It should
// match the defaults of the targets the resolver returns.
func WithDefaults(o Options) ParallelOption {
	return func(p *Parallel) { p.defaults = buildOptions(o, nil) }
}

// NewParallel creates an orchestrator resolving endpoints through resolver.
func NewParallel(resolver Resolver, opts ...ParallelOption) *Parallel {
	p := &Parallel{resolver: resolver, defaults: DefaultOptions()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunTogether runs command on every endpoint concurrently, each under its own
// timeout, and returns once all of them reached a terminal state.
//
// If any endpoint failed without producing a result the call returns a
// *ParallelExceptionsError and skips exit-code checks. Otherwise, unless
// NoRaise is given, any exit code outside the expected set yields a
// *ParallelExitCodeError holding the results of all endpoints.
//
// opts are passed to every target on top of its own defaults. Exit codes are
// judged against the Parallel defaults with opts applied.
//
// An endpoint listed twice runs twice. Results and failures each keep the
// last write, so a failed duplicate still fails the run.
func (p *Parallel) RunTogether(ctx context.Context, endpoints []Endpoint, command string, opts ...Option) (map[Endpoint]*Result, error) {
	o := buildOptions(p.defaults, opts)

	results := make(map[Endpoint]*Result, len(endpoints))
	failures := make(map[Endpoint]error)
	if len(endpoints) == 0 {
		return results, nil
	}
	p.warnDuplicates(endpoints)

	var mu sync.Mutex
	var g errgroup.Group
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}

	for _, ep := range endpoints {
		g.Go(func() error {
			result, err := p.runOne(ctx, ep, command, opts)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[ep] = err
			} else {
				results[ep] = result
			}
			// Never abort the group: every target must reach a terminal state.
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		p.logger.Error().Str("cmd", command).Int("failed", len(failures)).Msg("parallel run raised exceptions")
		return results, &ParallelExceptionsError{Command: command, Errors: failures, Results: results}
	}

	if o.RaiseOnErr {
		for _, r := range results {
			if code, _ := r.ExitCode(); !containsCode(o.Expected, code) {
				p.logger.Error().Str("cmd", command).Ints("expected", o.Expected).Msg("parallel run returned unexpected exit code")
				return results, &ParallelExitCodeError{Command: command, Results: results, Expected: o.Expected}
			}
		}
	}
	return results, nil
}

// runOne resolves and runs a single endpoint. Exit codes are not judged here.
func (p *Parallel) runOne(ctx context.Context, ep Endpoint, command string, opts []Option) (*Result, error) {
	target, err := p.resolver.Target(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", ep, err)
	}
	return target.Run(ctx, command, opts...)
}

func (p *Parallel) warnDuplicates(endpoints []Endpoint) {
	seen := make(map[Endpoint]bool, len(endpoints))
	for _, ep := range endpoints {
		if seen[ep] {
			p.logger.Warn().Stringer("endpoint", ep).Msg("endpoint listed more than once: results and failures each keep its last run")
		}
		seen[ep] = true
	}
}
