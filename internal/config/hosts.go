package config

import (
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"

	"github.com/agent462/relay/internal/executor"
	"github.com/agent462/relay/internal/pathutil"
	"github.com/agent462/relay/internal/ssh"
)

// Host represents a resolved SSH host with connection details.
type Host struct {
	Name         string // display label (original input, e.g. "admin@server1")
	Hostname     string // actual SSH hostname to connect to (e.g. "server1")
	User         string
	Port         int
	IdentityFile string
	ProxyJump    string
	Password     string
	Timeout      time.Duration
}

// Endpoint returns the connection key of h.
func (h Host) Endpoint() executor.Endpoint {
	return executor.Endpoint{Host: h.Hostname, Port: h.Port}
}

// ResolveHosts resolves a list of hosts from a combination of a config group
// and CLI-provided names. Names may be aliases from the hosts section and may
// carry a user@ prefix and a :port suffix. If both a group and CLI names are
// given, the results are merged (deduplicated, CLI hosts appended after group
// hosts).
func ResolveHosts(cfg *Config, groupName string, cliHosts []string) ([]Host, error) {
	if groupName == "" && len(cliHosts) == 0 {
		return nil, fmt.Errorf("no hosts specified: provide a group (-g) or host names as arguments")
	}

	var names []string
	var group Group

	if groupName != "" {
		var ok bool
		group, ok = cfg.Groups[groupName]
		if !ok {
			available := make([]string, 0, len(cfg.Groups))
			for name := range cfg.Groups {
				available = append(available, name)
			}
			if len(available) == 0 {
				return nil, fmt.Errorf("group %q not found (no groups defined)", groupName)
			}
			slices.Sort(available)
			return nil, fmt.Errorf("group %q not found (available: %v)", groupName, available)
		}
		names = append(names, group.Hosts...)
	}

	// Append CLI hosts, deduplicating against group hosts.
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	for _, n := range cliHosts {
		if !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}

	hosts := make([]Host, 0, len(names))
	for _, name := range names {
		host, err := resolveHost(cfg, name)
		if err != nil {
			return nil, err
		}
		if group.User != "" {
			host.User = group.User
		}
		if group.Timeout.Duration > 0 {
			host.Timeout = group.Timeout.Duration
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

func resolveHost(cfg *Config, name string) (Host, error) {
	user, target, port, err := parseTarget(name)
	if err != nil {
		return Host{}, err
	}
	host := Host{Name: name, Hostname: target, User: user, Port: port}

	if entry, ok := cfg.Hosts[target]; ok {
		if entry.Hostname != "" {
			host.Hostname = entry.Hostname
		}
		if host.Port == 0 {
			host.Port = entry.Port
		}
		if host.User == "" {
			host.User = entry.User
		}
		if entry.IdentityFile != "" {
			host.IdentityFile = pathutil.ExpandHome(entry.IdentityFile)
		}
		host.ProxyJump = entry.ProxyJump
		if entry.PasswordEnv != "" {
			pw, ok := os.LookupEnv(entry.PasswordEnv)
			if !ok {
				return Host{}, fmt.Errorf("host %q: environment variable %s is not set", target, entry.PasswordEnv)
			}
			host.Password = pw
		}
	}

	// Merge SSH config values (fills in missing fields).
	MergeSSHConfig(&host)
	if host.Port == 0 {
		host.Port = executor.DefaultPort
	}
	return host, nil
}

// MergeSSHConfig reads ~/.ssh/config and fills in User, Port, IdentityFile,
// and ProxyJump for the host if they are not already set. Lookups use
// the Hostname field (the actual SSH target), not the display Name.
func MergeSSHConfig(host *Host) {
	lookup := host.Hostname
	if lookup == "" {
		lookup = host.Name
	}

	if host.User == "" {
		host.User = sshConfigGet(lookup, "User")
	}

	if host.Port == 0 {
		if port, err := strconv.Atoi(sshConfigGet(lookup, "Port")); err == nil && port > 0 {
			host.Port = port
		}
	}

	if host.IdentityFile == "" {
		if identity := sshConfigGet(lookup, "IdentityFile"); identity != "" {
			expanded := pathutil.ExpandHome(identity)
			if _, err := os.Stat(expanded); err == nil {
				host.IdentityFile = expanded
			}
		}
	}

	if host.ProxyJump == "" {
		host.ProxyJump = sshConfigGet(lookup, "ProxyJump")
	}
}

// HostConfigs returns the per-endpoint overrides of hosts for an
// ssh.Registry. Hosts resolving to the same endpoint keep the last entry.
func HostConfigs(hosts []Host) map[executor.Endpoint]ssh.HostConfig {
	m := make(map[executor.Endpoint]ssh.HostConfig, len(hosts))
	for _, h := range hosts {
		m[h.Endpoint()] = ssh.HostConfig{
			User:         h.User,
			IdentityFile: h.IdentityFile,
			ProxyJump:    h.ProxyJump,
			Password:     h.Password,
		}
	}
	return m
}

// Endpoints returns the endpoints of hosts in order.
func Endpoints(hosts []Host) []executor.Endpoint {
	eps := make([]executor.Endpoint, len(hosts))
	for i, h := range hosts {
		eps[i] = h.Endpoint()
	}
	return eps
}

// sshConfigGet looks up a key for a host in the user's SSH config.
func sshConfigGet(hostname, key string) string {
	val, err := ssh_config.GetStrict(hostname, key)
	if err != nil {
		return ""
	}
	return val
}

// parseTarget splits "[user@]host[:port]". port is 0 when absent.
func parseTarget(s string) (user, host string, port int, err error) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "@"); i > 0 {
		user, s = s[:i], s[i+1:]
	}
	if s == "" {
		return "", "", 0, fmt.Errorf("empty host name")
	}

	h, p, splitErr := net.SplitHostPort(s)
	if splitErr != nil {
		// No port (or a bare IPv6 address).
		return user, strings.Trim(s, "[]"), 0, nil
	}
	port, err = strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", "", 0, fmt.Errorf("host %q has invalid port %q", s, p)
	}
	if h == "" {
		return "", "", 0, fmt.Errorf("host %q has no name", s)
	}
	return user, h, port, nil
}
