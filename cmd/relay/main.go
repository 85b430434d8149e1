// Package main is the entrypoint for the relay CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agent462/relay/internal/config"
	"github.com/agent462/relay/internal/executor"
	"github.com/agent462/relay/internal/logging"
	"github.com/agent462/relay/internal/report"
	"github.com/agent462/relay/internal/ssh"
)

var version = "dev"

// Global flags
var (
	configPath  string
	logLevel    string
	logJSON     bool
	noColor     bool
	jsonOutput  bool
	errorsOnly  bool
	groupName   string
	user        string
	identity    string
	timeout     time.Duration
	concurrency int
	expected    []int
	mask        string
	verbose     bool
	sudo        bool
	askPass     bool
	insecure    bool
)

// exitCodeError makes main exit with a specific code.
type exitCodeError struct{ code int }

func (e *exitCodeError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

func main() {
	err := rootCmd.Execute()
	var ec *exitCodeError
	switch {
	case errors.As(err, &ec):
		os.Exit(ec.code)
	case err != nil:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run commands locally and on remote hosts over SSH",
	Long: `relay runs shell commands on this machine or on many SSH hosts at once,
collects their output and exit codes, and reports which hosts failed.

Hosts are host names, user@host[:port] targets, aliases from the hosts
section of the config file, or a group (-g) of them.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/relay/config.yaml)")
	pf.StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	pf.BoolVar(&logJSON, "log-json", false, "write logs as JSON lines")
	pf.BoolVar(&noColor, "no-color", false, "disable colored output")
	pf.BoolVar(&jsonOutput, "json", false, "print results as JSON")
	pf.BoolVar(&errorsOnly, "errors-only", false, "only show targets with unexpected results")
	pf.StringVarP(&groupName, "group", "g", "", "host group from the config file")
	pf.StringVarP(&user, "user", "u", "", "remote user")
	pf.StringVarP(&identity, "identity", "i", "", "private key file")
	pf.DurationVarP(&timeout, "timeout", "t", 0, "per-command timeout (default from config, 1h)")
	pf.IntVarP(&concurrency, "concurrency", "c", -1, "maximum parallel targets, 0 for unbounded")
	pf.IntSliceVar(&expected, "expected", nil, "accepted exit codes (default 0)")
	pf.StringVar(&mask, "mask", "", "regular expression whose groups are masked in logged commands")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log commands and output at info level")
	pf.BoolVar(&sudo, "sudo", false, "run remote commands through sudo")
	pf.BoolVar(&askPass, "ask-pass", false, "prompt for the login and sudo password")
	pf.BoolVar(&insecure, "insecure", false, "accept host keys not in known_hosts")

	rootCmd.AddCommand(localCmd, runCmd, checkCmd, togetherCmd, putCmd, getCmd)
}

// env is everything a command needs, built from the config file and flags.
type env struct {
	cfg      *config.Config
	logger   zerolog.Logger
	defaults executor.Options
	mask     string
	client   ssh.ClientConfig
}

func setup() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	lvl, err := logging.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	d := cfg.Defaults
	if verbose {
		d.Verbose = true
		if lvl > zerolog.InfoLevel {
			lvl = zerolog.InfoLevel
		}
	}
	logger := logging.New(os.Stderr, lvl, !logJSON)

	if timeout > 0 {
		d.Timeout = config.Duration{Duration: timeout}
	}
	if len(expected) > 0 {
		d.Expected = expected
	}
	if concurrency >= 0 {
		d.Concurrency = concurrency
	}
	if mask != "" {
		d.Mask = mask
	}
	if err := (&config.Config{Defaults: d}).Validate(); err != nil {
		return nil, err
	}
	cfg.Defaults = d
	defaults := d.Options()

	client := ssh.ClientConfig{
		User:               user,
		AcceptUnknownHosts: insecure || d.AcceptUnknownHosts,
		Sudo:               sudo || d.Sudo,
		KeepAlive:          d.KeepAlive,
		Logger:             logger,
		MaskPattern:        d.Mask,
		Defaults:           &defaults,
	}
	if identity != "" {
		client.IdentityFiles = []string{identity}
	}
	if askPass {
		pw, err := readPassword("Password: ")
		if err != nil {
			return nil, err
		}
		client.Password = pw
	} else if term.IsTerminal(int(os.Stdin.Fd())) {
		client.PasswordCallback = func(host string) (string, error) {
			return readPassword(fmt.Sprintf("Password for %s: ", host))
		}
	}

	return &env{cfg: cfg, logger: logger, defaults: defaults, mask: d.Mask, client: client}, nil
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

// readPassword prompts on stderr and reads a line from the terminal without
// echo.
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password prompt needs a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// registry resolves the hosts of args (plus -g) and returns a registry that
// knows their per-host settings.
func (e *env) registry(names []string) (*ssh.Registry, []config.Host, error) {
	hosts, err := config.ResolveHosts(e.cfg, groupName, names)
	if err != nil {
		return nil, nil, err
	}
	return ssh.NewRegistry(e.client, config.HostConfigs(hosts)), hosts, nil
}

func (e *env) formatter() *report.Formatter {
	return &report.Formatter{
		Color:      !noColor && term.IsTerminal(int(os.Stdout.Fd())),
		ErrorsOnly: errorsOnly,
	}
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
