package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent462/relay/internal/config"
	"github.com/agent462/relay/internal/transfer"
)

var showProgress bool

var putCmd = &cobra.Command{
	Use:   "put <local-path> <remote-path> [host...]",
	Short: "Upload a file or directory to many hosts",
	Long: `Copy a local file or directory tree to every host over SFTP. Each
copied file is verified by its SHA-256 checksum.

Examples:
  relay put ./app.conf /etc/app/app.conf web-01 web-02
  relay put -g web ./dist /srv/www`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd, args[2:], func(f *transfer.Fanout, hosts []config.Host, progress transfer.ProgressFunc) []*transfer.Result {
			ctx, cancel := signalContext()
			defer cancel()
			return f.Push(ctx, config.Endpoints(hosts), args[0], args[1], progress)
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <remote-path> <local-dir> [host...]",
	Short: "Download a file or directory from many hosts",
	Long: `Copy a remote file or directory tree from every host into
<local-dir>/<host>/, or <local-dir>/<host>_<port>/ for non-default ports.

Examples:
  relay get /var/log/syslog ./logs -g web`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd, args[2:], func(f *transfer.Fanout, hosts []config.Host, progress transfer.ProgressFunc) []*transfer.Result {
			ctx, cancel := signalContext()
			defer cancel()
			return f.Pull(ctx, config.Endpoints(hosts), args[0], args[1], progress)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{putCmd, getCmd} {
		c.Flags().BoolVar(&showProgress, "progress", false, "print per-host progress")
	}
}

func runTransfer(cmd *cobra.Command, names []string, op func(*transfer.Fanout, []config.Host, transfer.ProgressFunc) []*transfer.Result) error {
	e, err := setup()
	if err != nil {
		return err
	}
	reg, hosts, err := e.registry(names)
	if err != nil {
		return err
	}
	defer reg.CloseAll()

	opts := []transfer.FanoutOption{transfer.WithConcurrency(e.cfg.Defaults.Concurrency)}
	if timeout > 0 {
		opts = append(opts, transfer.WithTimeout(timeout))
	}
	var progress transfer.ProgressFunc
	if showProgress {
		progress = progressPrinter(cmd.ErrOrStderr())
	}

	results := op(transfer.NewFanout(reg, opts...), hosts, progress)
	return printTransfer(cmd.OutOrStdout(), results)
}

// progressPrinter reports at most one line per label every half second.
func progressPrinter(w io.Writer) transfer.ProgressFunc {
	var mu sync.Mutex
	last := make(map[string]time.Time)
	return func(label string, transferred, total int64) {
		mu.Lock()
		defer mu.Unlock()
		if time.Since(last[label]) < 500*time.Millisecond && transferred != total {
			return
		}
		last[label] = time.Now()
		fmt.Fprintf(w, "%s: %d/%d bytes\n", label, transferred, total)
	}
}

func printTransfer(w io.Writer, results []*transfer.Result) error {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(w, "%s: FAILED (%v)\n", r.Endpoint, r.Err)
			continue
		}
		fmt.Fprintf(w, "%s: %d file(s), %d bytes in %s\n", r.Endpoint, r.Stats.Files, r.Stats.Bytes, r.Duration.Round(time.Millisecond))
	}
	if failed > 0 {
		fmt.Fprintf(w, "%d of %d host(s) failed\n", failed, len(results))
		return &exitCodeError{code: 1}
	}
	return nil
}
