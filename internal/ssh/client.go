package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	sshconfig "github.com/kevinburke/ssh_config"

	"github.com/agent462/relay/internal/executor"
)

// PasswordCallback is called when agent and key-based auth both fail.
// It receives the hostname and should return the password.
type PasswordCallback func(host string) (string, error)

// ClientConfig holds options for creating a remote connection.
type ClientConfig struct {
	// User overrides the SSH username. If empty, resolved from
	// ~/.ssh/config or the current OS user.
	User string

	// Password is tried after the agent and key files.
	Password string

	// IdentityFiles lists explicit private key paths to try.
	// If empty, resolved from ~/.ssh/config and default key locations.
	IdentityFiles []string

	// Passphrase unlocks encrypted identity files.
	Passphrase string

	// Credentials, when set, replaces User, Password, IdentityFiles and
	// Passphrase.
	Credentials *Credentials

	// PasswordCallback is invoked when every other method failed.
	PasswordCallback PasswordCallback

	// AcceptUnknownHosts controls whether to accept hosts not in known_hosts.
	AcceptUnknownHosts bool

	// HostKeyCallback overrides the default host key verification.
	// If nil, knownhosts is used (with AcceptUnknownHosts controlling unknowns).
	HostKeyCallback ssh.HostKeyCallback

	// ProxyJump specifies one or more comma-separated SSH jump hosts
	// (e.g. "bastion" or "user@jump1:2222,user@jump2").
	// "none" disables proxy jumping (SSH convention).
	ProxyJump string

	// Sudo and KeepAlive are the persistent modes, the bottom of each mode
	// stack. Scopes override them for their duration.
	Sudo      bool
	KeepAlive bool

	// ForceNew makes Registry.Connect replace a cached connection.
	ForceNew bool

	Logger      zerolog.Logger
	MaskPattern string            // default mask for logged commands
	Defaults    *executor.Options // per-command defaults; nil means executor.DefaultOptions()
}

func (c ClientConfig) credentials() Credentials {
	if c.Credentials != nil {
		return c.Credentials.clone()
	}
	return Credentials{
		Username:   c.User,
		Password:   c.Password,
		KeyFiles:   append([]string(nil), c.IdentityFiles...),
		Passphrase: c.Passphrase,
	}
}

// transport is one established SSH connection, possibly tunneled through
// jump hosts.
type transport struct {
	host   string
	client *ssh.Client
	jumps  []*transport // intermediate jump-host connections, for cleanup
	done   chan struct{}
}

func newTransport(host string, client *ssh.Client) *transport {
	t := &transport{host: host, client: client, done: make(chan struct{})}
	go func() {
		client.Wait()
		close(t.done)
	}()
	return t
}

// alive reports whether the underlying connection is still open. It only
// notices a loss once the transport read loop has seen it.
func (t *transport) alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Close closes the connection and any jump-host connections in reverse
// order (innermost first).
func (t *transport) Close() error {
	var firstErr error
	if t.client != nil {
		firstErr = t.client.Close()
	}
	for i := len(t.jumps) - 1; i >= 0; i-- {
		if err := t.jumps[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// dial connects to host:port with the configured auth chain. If
// conf.ProxyJump is set (and not "none"), the connection is tunneled through
// one or more jump hosts.
func dial(ctx context.Context, host string, port int, creds Credentials, conf ClientConfig) (*transport, error) {
	if conf.ProxyJump != "" && conf.ProxyJump != "none" {
		return dialViaProxy(ctx, host, port, creds, conf)
	}
	return dialDirect(ctx, host, port, creds, conf)
}

func dialDirect(ctx context.Context, host string, port int, creds Credentials, conf ClientConfig) (*transport, error) {
	addr, sshConf, err := clientConfig(host, port, creds, conf)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshConf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return newTransport(host, ssh.NewClient(sshConn, chans, reqs)), nil
}

// dialViaProxy chains through the comma-separated jump hosts, then dials the
// final target through the last jump connection.
func dialViaProxy(ctx context.Context, host string, port int, creds Credentials, conf ClientConfig) (*transport, error) {
	specs := strings.Split(conf.ProxyJump, ",")
	var jumps []*transport
	closeJumps := func() {
		for i := len(jumps) - 1; i >= 0; i-- {
			jumps[i].Close()
		}
	}

	// Jump hosts inherit everything but the login name and the target port.
	jumpCreds := func(spec string) (Credentials, string, int) {
		user, hostname, port := parseJumpHost(spec)
		jc := creds.clone()
		jc.Username = user
		return jc, hostname, port
	}
	jumpConf := conf
	jumpConf.ProxyJump = ""

	jc, jumpHost, jumpPort := jumpCreds(specs[0])
	prev, err := dialDirect(ctx, jumpHost, jumpPort, jc, jumpConf)
	if err != nil {
		return nil, fmt.Errorf("dial jump host %q: %w", specs[0], err)
	}
	jumps = append(jumps, prev)

	for _, spec := range specs[1:] {
		jc, jumpHost, jumpPort = jumpCreds(spec)
		next, err := dialThrough(ctx, prev, jumpHost, jumpPort, jc, jumpConf)
		if err != nil {
			closeJumps()
			return nil, fmt.Errorf("dial jump host %q: %w", spec, err)
		}
		jumps = append(jumps, next)
		prev = next
	}

	final, err := dialThrough(ctx, prev, host, port, creds, jumpConf)
	if err != nil {
		closeJumps()
		return nil, fmt.Errorf("dial target %s via proxy: %w", host, err)
	}
	final.jumps = jumps
	return final, nil
}

// dialThrough tunnels an SSH connection through an existing one.
func dialThrough(ctx context.Context, proxy *transport, host string, port int, creds Credentials, conf ClientConfig) (*transport, error) {
	addr, sshConf, err := clientConfig(host, port, creds, conf)
	if err != nil {
		return nil, err
	}

	conn, err := proxy.client.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel through %s to %s: %w", proxy.host, addr, err)
	}

	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshConf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s (via %s): %w", addr, proxy.host, err)
	}
	return newTransport(host, ssh.NewClient(sshConn, chans, reqs)), nil
}

// clientConfig builds the dial address and handshake configuration.
func clientConfig(host string, port int, creds Credentials, conf ClientConfig) (string, *ssh.ClientConfig, error) {
	hostKeyCallback, err := resolveHostKeyCallback(conf)
	if err != nil {
		return "", nil, fmt.Errorf("host key callback: %w", err)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(resolvePort(host, port)))
	return addr, &ssh.ClientConfig{
		User:            creds.resolveUser(host),
		Auth:            creds.authMethods(host, conf.PasswordCallback),
		HostKeyCallback: hostKeyCallback,
	}, nil
}

// resolvePort prefers the explicit port, then ssh_config, then 22.
func resolvePort(host string, port int) int {
	if port > 0 {
		return port
	}
	if s := sshconfig.Get(host, "Port"); s != "" {
		if p, err := strconv.Atoi(s); err == nil && p > 0 {
			return p
		}
	}
	return executor.DefaultPort
}

// parseJumpHost parses a jump host spec in the form "user@host:port",
// "host:port", "user@host", or just "host". Returns user, hostname, port.
func parseJumpHost(spec string) (user, hostname string, port int) {
	spec = strings.TrimSpace(spec)

	if i := strings.Index(spec, "@"); i >= 0 {
		user = spec[:i]
		spec = spec[i+1:]
	}

	if host, portStr, err := net.SplitHostPort(spec); err == nil {
		hostname = host
		port, _ = strconv.Atoi(portStr)
	} else {
		hostname = spec
	}
	return user, hostname, port
}

// resolveHostKeyCallback builds the host key callback.
func resolveHostKeyCallback(conf ClientConfig) (ssh.HostKeyCallback, error) {
	if conf.HostKeyCallback != nil {
		return conf.HostKeyCallback, nil
	}

	if conf.AcceptUnknownHosts {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}

	knownHostsPath := filepath.Join(home, ".ssh", "known_hosts")
	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no known_hosts file found at %s; use --insecure to skip host key verification", knownHostsPath)
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return callback, nil
}

// newClientConn performs the SSH handshake with context cancellation.
func newClientConn(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		done <- result{c, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, nil, nil, ctx.Err()
	case r := <-done:
		return r.conn, r.chans, r.reqs, r.err
	}
}
