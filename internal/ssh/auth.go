package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	sshconfig "github.com/kevinburke/ssh_config"

	"github.com/agent462/relay/internal/pathutil"
)

// Credentials is everything needed to authenticate to a host.
// A zero Credentials authenticates as the resolved default user with the
// agent and the default key files.
type Credentials struct {
	Username   string
	Password   string
	Signers    []ssh.Signer
	KeyFiles   []string
	Passphrase string
}

// EnterPassword writes the password followed by a newline to w, as expected
// by a program prompting on its standard input (sudo -S).
func (c *Credentials) EnterPassword(w io.Writer) error {
	if c.Password == "" {
		return errors.New("no password in credentials")
	}
	_, err := io.WriteString(w, c.Password+"\n")
	return err
}

// Equal reports whether both credential sets authenticate the same way.
func (c *Credentials) Equal(o *Credentials) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.Username != o.Username || c.Password != o.Password || c.Passphrase != o.Passphrase {
		return false
	}
	if !slices.Equal(c.KeyFiles, o.KeyFiles) || len(c.Signers) != len(o.Signers) {
		return false
	}
	for i := range c.Signers {
		if !bytes.Equal(c.Signers[i].PublicKey().Marshal(), o.Signers[i].PublicKey().Marshal()) {
			return false
		}
	}
	return true
}

// String describes the credentials without revealing secrets.
func (c *Credentials) String() string {
	var parts []string
	user := c.Username
	if user == "" {
		user = "<default>"
	}
	parts = append(parts, "user="+user)
	if c.Password != "" {
		parts = append(parts, "password=***")
	}
	if len(c.Signers) > 0 {
		parts = append(parts, fmt.Sprintf("signers=%d", len(c.Signers)))
	}
	if len(c.KeyFiles) > 0 {
		parts = append(parts, "keys="+strings.Join(c.KeyFiles, ","))
	}
	if c.Passphrase != "" {
		parts = append(parts, "passphrase=***")
	}
	return "Credentials(" + strings.Join(parts, " ") + ")"
}

func (c *Credentials) clone() Credentials {
	out := *c
	out.Signers = slices.Clone(c.Signers)
	out.KeyFiles = slices.Clone(c.KeyFiles)
	return out
}

// resolveUser picks the login name: explicit, then ssh_config, then $USER.
func (c *Credentials) resolveUser(host string) string {
	if c.Username != "" {
		return c.Username
	}
	if user := sshconfig.Get(host, "User"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "root"
}

// authMethods builds the ordered auth chain:
// agent -> explicit signers -> key files -> password -> password callback.
func (c *Credentials) authMethods(host string, prompt PasswordCallback) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if agentAuth := agentAuthMethod(); agentAuth != nil {
		methods = append(methods, agentAuth)
	}

	signers := slices.Clone(c.Signers)
	keyFiles := c.KeyFiles
	if len(keyFiles) == 0 && len(signers) == 0 {
		keyFiles = resolveKeyFiles(host)
	}
	for _, keyFile := range keyFiles {
		if signer := loadKeySigner(keyFile, c.Passphrase); signer != nil {
			signers = append(signers, signer)
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	if prompt != nil {
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			return prompt(host)
		}))
	}
	return methods
}

// sharedAgent holds a lazily-initialized, process-wide SSH agent connection.
// Uses a mutex instead of sync.Once so a failed dial can be retried.
var sharedAgent struct {
	mu     sync.Mutex
	sock   string
	conn   net.Conn
	client agent.ExtendedAgent
}

// CloseAgent closes the shared SSH agent connection, if any.
func CloseAgent() {
	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()
	closeAgentLocked()
}

func closeAgentLocked() {
	if sharedAgent.conn != nil {
		sharedAgent.conn.Close()
	}
	sharedAgent.client = nil
	sharedAgent.conn = nil
	sharedAgent.sock = ""
}

// agentAuthMethod returns an auth method using the SSH agent, or nil
// if the agent is unavailable or has no keys.
func agentAuthMethod() ssh.AuthMethod {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}

	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()

	if sharedAgent.client != nil && sharedAgent.sock == sock {
		if keys, err := sharedAgent.client.List(); err == nil {
			if len(keys) > 0 {
				return ssh.PublicKeysCallback(sharedAgent.client.Signers)
			}
			return nil
		}
	}
	// Stale connection or a different socket.
	closeAgentLocked()

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil
	}
	sharedAgent.sock = sock
	sharedAgent.conn = conn
	sharedAgent.client = agent.NewClient(conn)

	keys, err := sharedAgent.client.List()
	if err != nil || len(keys) == 0 {
		return nil
	}
	return ssh.PublicKeysCallback(sharedAgent.client.Signers)
}

// resolveKeyFiles returns key file paths from ssh_config and default locations.
func resolveKeyFiles(host string) []string {
	var files []string

	if identity := sshconfig.Get(host, "IdentityFile"); identity != "" {
		expanded := pathutil.ExpandHome(identity)
		if _, err := os.Stat(expanded); err == nil {
			files = append(files, expanded)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return files
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		f := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}
	return files
}

// loadKeySigner reads a private key file and returns a signer, or nil when
// the key is unreadable or locked with a passphrase we do not have.
func loadKeySigner(path, passphrase string) ssh.Signer {
	data, err := os.ReadFile(pathutil.ExpandHome(path))
	if err != nil {
		return nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	}
	if err != nil {
		return nil
	}
	return signer
}
