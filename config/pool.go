package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PoolConfig holds all tunable parameters for the MCP socket pool.
// Durations are marshaled as whole seconds in JSON so the config file stays
// human-editable; see MarshalJSON/UnmarshalJSON below.
type PoolConfig struct {
	Enabled     bool     `json:"enabled"`
	PoolAll     bool     `json:"pool_all"`
	ExcludeMCPs []string `json:"exclude_mcps"`
	IncludeMCPs []string `json:"include_mcps"`

	SocketDir    string `json:"socket_dir,omitempty"`
	SocketPrefix string `json:"socket_prefix"`

	SocketWaitTimeout   time.Duration `json:"socket_wait_timeout"`
	RequestTimeout      time.Duration `json:"request_timeout"`
	KeepaliveInterval   time.Duration `json:"keepalive_interval"`
	IdleClientTimeout   time.Duration `json:"idle_client_timeout"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`

	MaxRestarts        uint32        `json:"max_restarts"`
	RestartBackoffBase time.Duration `json:"restart_backoff_base"`
	RestartBackoffMax  time.Duration `json:"restart_backoff_max"`

	MaxPendingRequestsPerClient int           `json:"max_pending_requests_per_client"`
	MaxClientsPerMCP            int           `json:"max_clients_per_mcp"`
	CircuitBreakerThreshold     uint32        `json:"circuit_breaker_threshold"`
	CircuitBreakerReset         time.Duration `json:"circuit_breaker_reset"`
	CircuitBreakerProbes        uint32        `json:"circuit_breaker_probes"`

	TCPRelayEnabled     bool `json:"tcp_relay_enabled"`
	TCPRelayPortRangeLo int  `json:"tcp_relay_port_range_lo"`
	TCPRelayPortRangeHi int  `json:"tcp_relay_port_range_hi"`
	FallbackToStdio     bool `json:"fallback_to_stdio"`
}

// DefaultPoolConfig returns the stock pool tuning.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Enabled:      true,
		PoolAll:      true,
		SocketPrefix: "mcp-",

		SocketWaitTimeout:   5 * time.Second,
		RequestTimeout:      5 * time.Minute,
		KeepaliveInterval:   30 * time.Second,
		IdleClientTimeout:   60 * time.Second,
		HealthCheckInterval: 10 * time.Second,

		MaxRestarts:        10,
		RestartBackoffBase: 1 * time.Second,
		RestartBackoffMax:  60 * time.Second,

		MaxPendingRequestsPerClient: 100,
		MaxClientsPerMCP:            50,
		CircuitBreakerThreshold:     3,
		CircuitBreakerReset:         30 * time.Second,
		CircuitBreakerProbes:        1,

		TCPRelayEnabled:     true,
		TCPRelayPortRangeLo: 19000,
		TCPRelayPortRangeHi: 19999,
		FallbackToStdio:     true,
	}
}

// poolConfigSeconds is the on-disk shape: identical fields, durations as
// whole seconds instead of nanoseconds, for a human-editable config file.
type poolConfigSeconds struct {
	Enabled     bool     `json:"enabled"`
	PoolAll     bool     `json:"pool_all"`
	ExcludeMCPs []string `json:"exclude_mcps"`
	IncludeMCPs []string `json:"include_mcps"`

	SocketDir    string `json:"socket_dir,omitempty"`
	SocketPrefix string `json:"socket_prefix"`

	SocketWaitTimeoutSecs   int64 `json:"socket_wait_timeout"`
	RequestTimeoutSecs      int64 `json:"request_timeout"`
	KeepaliveIntervalSecs   int64 `json:"keepalive_interval"`
	IdleClientTimeoutSecs   int64 `json:"idle_client_timeout"`
	HealthCheckIntervalSecs int64 `json:"health_check_interval"`

	MaxRestarts            uint32 `json:"max_restarts"`
	RestartBackoffBaseSecs int64  `json:"restart_backoff_base"`
	RestartBackoffMaxSecs  int64  `json:"restart_backoff_max"`

	MaxPendingRequestsPerClient int    `json:"max_pending_requests_per_client"`
	MaxClientsPerMCP            int    `json:"max_clients_per_mcp"`
	CircuitBreakerThreshold     uint32 `json:"circuit_breaker_threshold"`
	CircuitBreakerResetSecs     int64  `json:"circuit_breaker_reset"`
	CircuitBreakerProbes        uint32 `json:"circuit_breaker_probes"`

	TCPRelayEnabled     bool `json:"tcp_relay_enabled"`
	TCPRelayPortRangeLo int  `json:"tcp_relay_port_range_lo"`
	TCPRelayPortRangeHi int  `json:"tcp_relay_port_range_hi"`
	FallbackToStdio     bool `json:"fallback_to_stdio"`
}

func (p PoolConfig) MarshalJSON() ([]byte, error) {
	s := poolConfigSeconds{
		Enabled:                     p.Enabled,
		PoolAll:                     p.PoolAll,
		ExcludeMCPs:                 p.ExcludeMCPs,
		IncludeMCPs:                 p.IncludeMCPs,
		SocketDir:                   p.SocketDir,
		SocketPrefix:                p.SocketPrefix,
		SocketWaitTimeoutSecs:       int64(p.SocketWaitTimeout / time.Second),
		RequestTimeoutSecs:          int64(p.RequestTimeout / time.Second),
		KeepaliveIntervalSecs:       int64(p.KeepaliveInterval / time.Second),
		IdleClientTimeoutSecs:       int64(p.IdleClientTimeout / time.Second),
		HealthCheckIntervalSecs:     int64(p.HealthCheckInterval / time.Second),
		MaxRestarts:                 p.MaxRestarts,
		RestartBackoffBaseSecs:      int64(p.RestartBackoffBase / time.Second),
		RestartBackoffMaxSecs:       int64(p.RestartBackoffMax / time.Second),
		MaxPendingRequestsPerClient: p.MaxPendingRequestsPerClient,
		MaxClientsPerMCP:            p.MaxClientsPerMCP,
		CircuitBreakerThreshold:     p.CircuitBreakerThreshold,
		CircuitBreakerResetSecs:     int64(p.CircuitBreakerReset / time.Second),
		CircuitBreakerProbes:        p.CircuitBreakerProbes,
		TCPRelayEnabled:             p.TCPRelayEnabled,
		TCPRelayPortRangeLo:         p.TCPRelayPortRangeLo,
		TCPRelayPortRangeHi:         p.TCPRelayPortRangeHi,
		FallbackToStdio:             p.FallbackToStdio,
	}
	return json.Marshal(s)
}

func (p *PoolConfig) UnmarshalJSON(data []byte) error {
	var s poolConfigSeconds
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = PoolConfig{
		Enabled:                     s.Enabled,
		PoolAll:                     s.PoolAll,
		ExcludeMCPs:                 s.ExcludeMCPs,
		IncludeMCPs:                 s.IncludeMCPs,
		SocketDir:                   s.SocketDir,
		SocketPrefix:                s.SocketPrefix,
		SocketWaitTimeout:           time.Duration(s.SocketWaitTimeoutSecs) * time.Second,
		RequestTimeout:              time.Duration(s.RequestTimeoutSecs) * time.Second,
		KeepaliveInterval:           time.Duration(s.KeepaliveIntervalSecs) * time.Second,
		IdleClientTimeout:           time.Duration(s.IdleClientTimeoutSecs) * time.Second,
		HealthCheckInterval:         time.Duration(s.HealthCheckIntervalSecs) * time.Second,
		MaxRestarts:                 s.MaxRestarts,
		RestartBackoffBase:          time.Duration(s.RestartBackoffBaseSecs) * time.Second,
		RestartBackoffMax:           time.Duration(s.RestartBackoffMaxSecs) * time.Second,
		MaxPendingRequestsPerClient: s.MaxPendingRequestsPerClient,
		MaxClientsPerMCP:            s.MaxClientsPerMCP,
		CircuitBreakerThreshold:     s.CircuitBreakerThreshold,
		CircuitBreakerReset:         time.Duration(s.CircuitBreakerResetSecs) * time.Second,
		CircuitBreakerProbes:        s.CircuitBreakerProbes,
		TCPRelayEnabled:             s.TCPRelayEnabled,
		TCPRelayPortRangeLo:         s.TCPRelayPortRangeLo,
		TCPRelayPortRangeHi:         s.TCPRelayPortRangeHi,
		FallbackToStdio:             s.FallbackToStdio,
	}
	return nil
}

// GetSocketDir returns the socket directory, creating it mode 0700 if needed.
func (p *PoolConfig) GetSocketDir() (string, error) {
	dir := p.SocketDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, BrandDirName, "sockets")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// GetSocketPath returns the socket path for a given MCP server name.
func (p *PoolConfig) GetSocketPath(name string) (string, error) {
	dir, err := p.GetSocketDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, p.SocketPrefix+name+".sock"), nil
}

// GetLockPath returns the leader-election lock path for a given MCP server name.
func (p *PoolConfig) GetLockPath(name string) (string, error) {
	dir, err := p.GetSocketDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, p.SocketPrefix+name+".lock"), nil
}

// ShouldPool reports whether the named server should be pooled under this
// config: enabled && ((pool_all && not excluded) || included). An include
// entry admits the server even when it is also excluded.
func (p *PoolConfig) ShouldPool(name string) bool {
	if !p.Enabled {
		return false
	}
	for _, i := range p.IncludeMCPs {
		if i == name {
			return true
		}
	}
	if !p.PoolAll {
		return false
	}
	for _, e := range p.ExcludeMCPs {
		if e == name {
			return false
		}
	}
	return true
}

// PlatformSupported reports whether Unix sockets are usable on this host.
// WSL1 is rejected; WSL2 and every other unix are accepted.
func PlatformSupported() bool {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return true
	}
	v := string(data)
	if strings.Contains(v, "Microsoft") && !strings.Contains(v, "WSL2") {
		return false
	}
	return true
}
