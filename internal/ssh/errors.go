package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/agent462/relay/internal/executor"
)

// ConnectError wraps an SSH connection error with a user-friendly hint.
// Kind is executor.ErrAuthentication or executor.ErrTransportLoss, so
// errors.Is classifies the failure.
type ConnectError struct {
	Host string
	Err  error
	Hint string
	Kind error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: %v\n  hint: %s", e.Host, e.Err, e.Hint)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is matches the failure class.
func (e *ConnectError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// WrapConnectError wraps an SSH connection error with a friendly hint.
// If the error doesn't match any known patterns, it's returned as-is.
func WrapConnectError(host string, err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	wrap := func(kind error, hint string) error {
		return &ConnectError{Host: host, Err: err, Hint: hint, Kind: kind}
	}

	// Permission denied on SSH key file.
	if strings.Contains(msg, "permission denied") && strings.Contains(msg, "key") {
		return wrap(executor.ErrAuthentication, "check SSH key permissions (chmod 600)")
	}

	// SSH authentication failure.
	var authErr *ssh.ServerAuthError
	if errors.As(err, &authErr) ||
		strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") {
		return wrap(executor.ErrAuthentication, fmt.Sprintf("verify your SSH key or agent. Try: ssh -v %s", host))
	}

	// Known hosts: key mismatch.
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return wrap(executor.ErrAuthentication, fmt.Sprintf("remove old key with: ssh-keygen -R %s", host))
	}

	// Known hosts: missing entry.
	if strings.Contains(msg, "no known_hosts") || strings.Contains(msg, "knownhosts") {
		return wrap(executor.ErrAuthentication, fmt.Sprintf("use --insecure or connect once with: ssh %s", host))
	}

	if strings.Contains(msg, "connection refused") {
		return wrap(executor.ErrTransportLoss, "verify SSH daemon is running on the target host")
	}

	// DNS resolution failure.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || strings.Contains(msg, "no such host") || strings.Contains(msg, "lookup") {
		return wrap(executor.ErrTransportLoss, "verify hostname is correct")
	}

	if strings.Contains(msg, "handshake failed") {
		return wrap(executor.ErrTransportLoss, fmt.Sprintf("the connection dropped during the handshake. Try: ssh -v %s", host))
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return wrap(executor.ErrTransportLoss, "check network reachability of the target host")
	}

	return err
}

// isReconnectable returns true if the error suggests a stale/broken connection
// that might succeed on retry with a fresh dial. It returns false for errors
// that are permanent (auth failures, context cancellation) to avoid unnecessary
// retry attempts.
func isReconnectable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, executor.ErrAuthentication) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, executor.ErrTransportLoss) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}
