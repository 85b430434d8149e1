package transfer

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/agent462/relay/internal/executor"
)

// Provider returns the transfer client of an endpoint. ssh.Registry
// implements it; clients it returns are owned by the provider.
type Provider interface {
	Files(ctx context.Context, ep executor.Endpoint) (*Client, error)
}

// Result holds the outcome of a transfer for a single endpoint.
type Result struct {
	Endpoint executor.Endpoint
	Stats    Stats
	Duration time.Duration
	Err      error
}

// Fanout runs the same transfer on many endpoints in parallel.
type Fanout struct {
	provider    Provider
	concurrency int
	timeout     time.Duration
}

// FanoutOption configures a Fanout.
type FanoutOption func(*Fanout)

// WithConcurrency sets the maximum number of parallel transfers.
func WithConcurrency(n int) FanoutOption {
	return func(f *Fanout) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithTimeout sets the per-endpoint transfer timeout.
func WithTimeout(d time.Duration) FanoutOption {
	return func(f *Fanout) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// NewFanout creates a parallel transfer runner.
func NewFanout(provider Provider, opts ...FanoutOption) *Fanout {
	f := &Fanout{
		provider:    provider,
		concurrency: 20,
		timeout:     5 * time.Minute,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Push uploads localPath to remotePath on every endpoint.
func (f *Fanout) Push(ctx context.Context, endpoints []executor.Endpoint, localPath, remotePath string, progress ProgressFunc) []*Result {
	return f.each(ctx, endpoints, func(ctx context.Context, ep executor.Endpoint, c *Client) (*Stats, error) {
		c.SetProgress(ep.String(), progress)
		return c.Upload(ctx, localPath, remotePath)
	})
}

// Pull downloads remotePath from every endpoint into localDir/<endpoint>/.
func (f *Fanout) Pull(ctx context.Context, endpoints []executor.Endpoint, remotePath, localDir string, progress ProgressFunc) []*Result {
	return f.each(ctx, endpoints, func(ctx context.Context, ep executor.Endpoint, c *Client) (*Stats, error) {
		c.SetProgress(ep.String(), progress)
		dst := filepath.Join(localDir, LocalDirName(ep), filepath.Base(remotePath))
		return c.Download(ctx, remotePath, dst)
	})
}

// LocalDirName is the per-endpoint directory name used by Pull.
func LocalDirName(ep executor.Endpoint) string {
	if ep.Port == 0 || ep.Port == executor.DefaultPort {
		return ep.Host
	}
	return ep.Host + "_" + strconv.Itoa(ep.Port)
}

func (f *Fanout) each(ctx context.Context, endpoints []executor.Endpoint, op func(context.Context, executor.Endpoint, *Client) (*Stats, error)) []*Result {
	results := make([]*Result, len(endpoints))
	sem := make(chan struct{}, f.concurrency)
	var wg sync.WaitGroup

	for i, ep := range endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = &Result{Endpoint: ep, Err: ctx.Err()}
				return
			}

			epCtx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()

			start := time.Now()
			result := &Result{Endpoint: ep}
			defer func() {
				result.Duration = time.Since(start)
				results[i] = result
			}()

			client, err := f.provider.Files(epCtx, ep)
			if err != nil {
				result.Err = fmt.Errorf("connect %s: %w", ep, err)
				return
			}
			stats, err := op(epCtx, ep, client)
			if stats != nil {
				result.Stats = *stats
			}
			result.Err = err
		}()
	}

	wg.Wait()
	return results
}
