// Package sshtest provides an in-process SSH server for testing.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Session is one exec request as seen by an ExecHandler.
type Session struct {
	Command string
	PTY     bool
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	// Killed is closed when the client signals the session or closes it.
	Killed <-chan struct{}
}

// Sleep waits for d and reports false if the session was killed first.
func (s *Session) Sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.Killed:
		return false
	}
}

// ExecHandler runs a command and returns its exit code.
type ExecHandler func(s *Session) int

// CmdHandler processes a command and returns stdout, stderr, and exit code.
type CmdHandler func(cmd string) (stdout, stderr string, exitCode int)

// ServerConfig holds options for a test SSH server.
type ServerConfig struct {
	ClientPubKey ssh.PublicKey
	PasswordAuth string
	NoAuth       bool
	ForwardTCP   bool
	SFTP         bool
	Exec         ExecHandler
}

// Option configures a test SSH server.
type Option func(*ServerConfig)

// WithPublicKey configures the server to accept the given public key.
func WithPublicKey(pub ssh.PublicKey) Option {
	return func(c *ServerConfig) { c.ClientPubKey = pub }
}

// WithPassword configures the server to accept the given password.
func WithPassword(pw string) Option {
	return func(c *ServerConfig) { c.PasswordAuth = pw }
}

// WithNoAuth configures the server to accept any connection.
func WithNoAuth() Option {
	return func(c *ServerConfig) { c.NoAuth = true }
}

// WithCmdHandler sets a handler that only looks at the command line.
func WithCmdHandler(h CmdHandler) Option {
	return func(c *ServerConfig) {
		c.Exec = func(s *Session) int {
			stdout, stderr, code := h(s.Command)
			io.WriteString(s.Stdout, stdout)
			io.WriteString(s.Stderr, stderr)
			return code
		}
	}
}

// WithExecHandler sets a handler with access to stdin and kill signals.
func WithExecHandler(h ExecHandler) Option {
	return func(c *ServerConfig) { c.Exec = h }
}

// WithForwardTCP enables direct-tcpip forwarding.
func WithForwardTCP() Option {
	return func(c *ServerConfig) { c.ForwardTCP = true }
}

// WithSFTP serves the sftp subsystem against the local filesystem.
func WithSFTP() Option {
	return func(c *ServerConfig) { c.SFTP = true }
}

// Server is a running test server.
type Server struct {
	Addr string

	cfg      *ServerConfig
	conf     *ssh.ServerConfig
	listener net.Listener
	done     chan struct{}
	accepted atomic.Int32

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	once  sync.Once
}

// New launches an in-process SSH server that is shut down when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()

	cfg := &ServerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	serverConf := &ssh.ServerConfig{NoClientAuth: cfg.NoAuth}
	serverConf.AddHostKey(hostSigner)

	if cfg.ClientPubKey != nil {
		expected := cfg.ClientPubKey.Marshal()
		serverConf.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(expected) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		}
	}

	if cfg.PasswordAuth != "" {
		serverConf.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == cfg.PasswordAuth {
				return nil, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &Server{
		Addr:     listener.Addr().String(),
		cfg:      cfg,
		conf:     serverConf,
		listener: listener,
		done:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
	go srv.serve()
	t.Cleanup(srv.Close)
	return srv
}

// Start launches a server and returns its address and a cleanup function.
func Start(t testing.TB, opts ...Option) (addr string, cleanup func()) {
	t.Helper()
	srv := New(t, opts...)
	return srv.Addr, srv.Close
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Connections returns how many TCP connections were accepted so far.
func (s *Server) Connections() int {
	return int(s.accepted.Load())
}

// DropConnections closes every open client connection, simulating a
// transport loss. The server keeps accepting new ones.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// Close stops the listener and drops all connections.
func (s *Server) Close() {
	s.once.Do(func() {
		s.listener.Close()
		<-s.done
		s.DropConnections()
	})
}

func (s *Server) serve() {
	defer close(s.done)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.conf)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(ch, requests)
		case "direct-tcpip":
			if !s.cfg.ForwardTCP {
				newChan.Reject(ssh.Prohibited, "tcpip forwarding not enabled")
				continue
			}
			ch, _, err := newChan.Accept()
			if err != nil {
				continue
			}
			go handleDirectTCPIP(ch, newChan.ExtraData())
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	killed := make(chan struct{})
	var killOnce sync.Once
	kill := func() { killOnce.Do(func() { close(killed) }) }
	defer kill()

	pty := false
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			pty = true
			req.Reply(true, nil)

		case "exec":
			cmd, ok := parseString(req.Payload)
			if !ok {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)

			sess := &Session{
				Command: cmd,
				PTY:     pty,
				Stdin:   ch,
				Stdout:  ch,
				Stderr:  ch.Stderr(),
				Killed:  killed,
			}
			go func() {
				code := 0
				if s.cfg.Exec != nil {
					code = s.cfg.Exec(sess)
				} else {
					io.WriteString(ch, cmd)
				}
				ch.CloseWrite()
				ch.SendRequest("exit-status", false, binary.BigEndian.AppendUint32(nil, uint32(code)))
				ch.Close()
			}()

		case "signal":
			kill()
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "subsystem":
			name, ok := parseString(req.Payload)
			if !ok || name != "sftp" || !s.cfg.SFTP {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				server.Serve()
				server.Close()
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// parseString decodes an SSH wire string (uint32 length prefix).
func parseString(payload []byte) (string, bool) {
	if len(payload) < 4 {
		return "", false
	}
	n := binary.BigEndian.Uint32(payload)
	if uint32(len(payload)-4) < n {
		return "", false
	}
	return string(payload[4 : 4+n]), true
}

func handleDirectTCPIP(ch ssh.Channel, extraData []byte) {
	defer ch.Close()

	host, ok := parseString(extraData)
	if !ok {
		return
	}
	off := 4 + len(host)
	if len(extraData) < off+4 {
		return
	}
	port := binary.BigEndian.Uint32(extraData[off:])

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return
	}
	defer conn.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, ch); done <- struct{}{} }()
	<-done
}

// GenerateKey creates an ed25519 key pair and writes the private key to a
// temp file. Returns the public key and the path to the private key file.
func GenerateKey(t testing.TB) (ssh.PublicKey, string) {
	t.Helper()
	return generateKey(t, nil)
}

// GenerateEncryptedKey is GenerateKey with the private key protected by
// passphrase.
func GenerateEncryptedKey(t testing.TB, passphrase string) (ssh.PublicKey, string) {
	t.Helper()
	return generateKey(t, []byte(passphrase))
}

func generateKey(t testing.TB, passphrase []byte) (ssh.PublicKey, string) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	var pemBlock []byte
	if passphrase != nil {
		block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", passphrase)
		if err != nil {
			t.Fatalf("marshal encrypted key: %v", err)
		}
		pemBlock = pem.EncodeToMemory(block)
	} else {
		privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			t.Fatalf("marshal private key: %v", err)
		}
		pemBlock = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	}

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(keyPath, pemBlock, 0600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	return signer.PublicKey(), keyPath
}

// GenerateSigner returns an in-memory signer for tests that bypass key files.
func GenerateSigner(t testing.TB) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer
}

// ParseAddr splits an address into host and port.
func ParseAddr(t testing.TB, addr string) (host string, port int) {
	t.Helper()
	h, portStr, _ := net.SplitHostPort(addr)
	var p int
	fmt.Sscanf(portStr, "%d", &p)
	return h, p
}
