package mcp

import (
	"strings"
)

// GuardConfig is the DNS-rebinding protection policy: requests are accepted
// only when the Host header matches the host allowlist and, for browser
// clients, the Origin header matches the origin allowlist.
//
// Allowlist entries match exactly, or any port when written as `name:*`
// (origins as `scheme://name:*`). Requests without an Origin header pass the
// origin check; non-browser clients do not send one.
type GuardConfig struct {
	Enabled        bool
	AllowedHosts   []string
	AllowedOrigins []string
}

// DefaultGuardConfig allows loopback plus the service's own name on any port.
func DefaultGuardConfig(serviceName string) GuardConfig {
	g := GuardConfig{
		Enabled: true,
		AllowedHosts: []string{
			"localhost:*", "127.0.0.1:*", "[::1]:*",
			"localhost", "127.0.0.1", "[::1]",
		},
		AllowedOrigins: []string{
			"http://localhost:*", "http://127.0.0.1:*",
			"http://localhost", "http://127.0.0.1",
		},
	}
	if serviceName != "" {
		g.AllowedHosts = append(g.AllowedHosts, serviceName, serviceName+":*")
	}
	return g
}

func (g GuardConfig) allowHost(host string) bool {
	if !g.Enabled {
		return true
	}
	return matchAllowlist(g.AllowedHosts, host)
}

func (g GuardConfig) allowOrigin(origin string) bool {
	if !g.Enabled || origin == "" {
		return true
	}
	return matchAllowlist(g.AllowedOrigins, origin)
}

func matchAllowlist(entries []string, value string) bool {
	for _, entry := range entries {
		if entry == value {
			return true
		}
		if name, ok := strings.CutSuffix(entry, ":*"); ok {
			if value == name || strings.HasPrefix(value, name+":") {
				return true
			}
		}
	}
	return false
}
