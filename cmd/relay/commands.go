package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agent462/relay/internal/config"
	"github.com/agent462/relay/internal/executor"
	"github.com/agent462/relay/internal/local"
	"github.com/agent462/relay/internal/report"
)

var (
	stdinFile string
	usePTY    bool
)

// checker is implemented by both the local executor and ssh.Conn.
type checker interface {
	Check(ctx context.Context, command string, opts ...executor.Option) (*executor.Result, error)
	CheckNoStderr(ctx context.Context, command string, opts ...executor.Option) (*executor.Result, error)
}

var localCmd = &cobra.Command{
	Use:   "local <command>",
	Short: "Run a command on this machine",
	Long: `Run a command through the local shell and print its output.
The exit code of relay is the exit code of the command.

Examples:
  relay local 'uname -a'
  relay local --timeout 5s 'sleep 10'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		core, err := local.New(local.Config{Logger: e.logger, MaskPattern: e.mask, Defaults: &e.defaults})
		if err != nil {
			return err
		}
		opts, err := commandOptions()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()
		result, err := core.Run(ctx, strings.Join(args, " "), opts...)
		return printSingle(cmd.OutOrStdout(), cmd.ErrOrStderr(), result, err)
	},
}

var runCmd = &cobra.Command{
	Use:   "run <host> <command>",
	Short: "Run a command on one remote host",
	Long: `Run a command on one host over SSH and print its output.
The exit code of relay is the exit code of the remote command.

Examples:
  relay run web-01 'systemctl status nginx'
  relay run --sudo deploy@web-01:2222 'cat /etc/shadow'`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		reg, hosts, err := e.registry(args[:1])
		if err != nil {
			return err
		}
		defer reg.CloseAll()
		opts, err := commandOptions()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()
		target, err := reg.Target(ctx, hosts[0].Endpoint())
		if err != nil {
			return err
		}
		result, err := target.Run(ctx, strings.Join(args[1:], " "), opts...)
		return printSingle(cmd.OutOrStdout(), cmd.ErrOrStderr(), result, err)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <host> <command>",
	Short: "Run a command on one host and verify its exit code",
	Long: `Run a command on one host and fail unless it exits with an expected
code (--expected, default 0). With --no-stderr any stderr output also fails.
Use "localhost" with --local to check a local command.

Examples:
  relay check web-01 'test -f /etc/nginx/nginx.conf'
  relay check --expected 0,1 web-01 'grep -q foo /etc/hosts'`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		opts, err := commandOptions()
		if err != nil {
			return err
		}
		noStderr, _ := cmd.Flags().GetBool("no-stderr")
		useLocal, _ := cmd.Flags().GetBool("local")

		ctx, cancel := signalContext()
		defer cancel()

		var target checker
		if useLocal {
			core, err := local.New(local.Config{Logger: e.logger, MaskPattern: e.mask, Defaults: &e.defaults})
			if err != nil {
				return err
			}
			target = core
		} else {
			reg, hosts, err := e.registry(args[:1])
			if err != nil {
				return err
			}
			defer reg.CloseAll()
			conn, err := reg.Connect(ctx, hosts[0].Endpoint(), reg.ConfigFor(hosts[0].Endpoint()))
			if err != nil {
				return err
			}
			target = conn
		}

		command := strings.Join(args[1:], " ")
		var result *executor.Result
		if noStderr {
			result, err = target.CheckNoStderr(ctx, command, opts...)
		} else {
			result, err = target.Check(ctx, command, opts...)
		}
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(result.StdoutBytes()))
		return nil
	},
}

var togetherCmd = &cobra.Command{
	Use:   "together <command> [host...]",
	Short: "Run a command on many hosts in parallel",
	Long: `Run the same command on every host at once, each with its own timeout,
and report identical outputs together. relay exits non-zero if any host
failed, timed out or returned an unexpected exit code.

Examples:
  relay together uptime web-01 web-02 web-03
  relay together -g web -c 10 'df -h /'
  relay together --json -g pis 'vcgencmd measure_temp'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		reg, hosts, err := e.registry(args[1:])
		if err != nil {
			return err
		}
		defer reg.CloseAll()
		opts, err := commandOptions()
		if err != nil {
			return err
		}
		// A group timeout applies unless --timeout was given.
		if timeout == 0 && len(hosts) > 0 && hosts[0].Timeout > 0 {
			opts = append(opts, executor.WithTimeout(hosts[0].Timeout))
		}

		ctx, cancel := signalContext()
		defer cancel()

		command := args[0]
		p := executor.NewParallel(reg,
			executor.WithConcurrency(e.cfg.Defaults.Concurrency),
			executor.WithParallelLogger(e.logger),
			executor.WithDefaults(e.defaults))
		results, runErr := p.RunTogether(ctx, config.Endpoints(hosts), command, opts...)

		rep := report.Build(command, results, runErr, e.defaults.Expected)
		if jsonOutput {
			var errs map[executor.Endpoint]error
			var exc *executor.ParallelExceptionsError
			if errors.As(runErr, &exc) {
				errs = exc.Errors
			}
			data, err := report.JSON(results, errs)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
		} else {
			fmt.Fprint(cmd.OutOrStdout(), e.formatter().Text(rep))
		}

		if !rep.OK() {
			return &exitCodeError{code: 1}
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{localCmd, runCmd, checkCmd, togetherCmd} {
		c.Flags().StringVar(&stdinFile, "stdin", "", "file written to the command's input (- for relay's stdin)")
		c.Flags().BoolVar(&usePTY, "pty", false, "request a pseudo-terminal (remote only)")
	}
	checkCmd.Flags().Bool("no-stderr", false, "fail when the command writes to stderr")
	checkCmd.Flags().Bool("local", false, "check a local command; the host argument is ignored")
}

// commandOptions returns the per-command options selected by flags.
func commandOptions() ([]executor.Option, error) {
	var opts []executor.Option
	if stdinFile != "" {
		var data []byte
		var err error
		if stdinFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(stdinFile)
		}
		if err != nil {
			return nil, fmt.Errorf("read stdin file: %w", err)
		}
		opts = append(opts, executor.WithStdin(data))
	}
	if usePTY {
		opts = append(opts, executor.WithPTY())
	}
	return opts, nil
}

// printSingle copies the output of one command and turns its exit code into
// relay's.
func printSingle(stdout, stderr io.Writer, result *executor.Result, err error) error {
	if result != nil {
		stdout.Write(result.StdoutBytes())
		stderr.Write(result.StderrBytes())
	}
	if err != nil {
		return err
	}
	if code, ok := result.ExitCode(); ok && code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}
