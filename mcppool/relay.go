package mcppool

import (
	"fmt"
	"io"
	"net"
	"os"

	"ainb/config"
	"ainb/log"
)

// Relay forwards a TCP loopback port to a Unix socket so container agents
// (which cannot reach the host's Unix socket namespace) can reach the pool
// via `host.docker.internal:<port>`.
type Relay struct {
	listener   net.Listener
	socketPath string
	Port       int
}

// StartRelay binds the first free port in [lo, hi] and begins forwarding
// every accepted connection to socketPath.
func StartRelay(socketPath string, lo, hi int) (*Relay, error) {
	for port := lo; port <= hi; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		r := &Relay{listener: ln, socketPath: socketPath, Port: port}
		go r.serve()
		return r, nil
	}
	return nil, fmt.Errorf("no free port in range [%d, %d] for relay to %s", lo, hi, socketPath)
}

func (r *Relay) serve() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return
		}
		go r.forward(conn)
	}
}

func (r *Relay) forward(tcpConn net.Conn) {
	defer tcpConn.Close()

	unixConn, err := net.Dial("unix", r.socketPath)
	if err != nil {
		log.WarningLog.Printf("mcppool: relay dial %s failed: %v", r.socketPath, err)
		return
	}
	defer unixConn.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(unixConn, tcpConn)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(tcpConn, unixConn)
		done <- struct{}{}
	}()
	<-done
}

// Stop closes the relay's listener.
func (r *Relay) Stop() error {
	return r.listener.Close()
}

// Endpoint returns the host.docker.internal-relative address a container
// should dial, or "" when r is nil.
func Endpoint(r *Relay) string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("host.docker.internal:%d", r.Port)
}

// ShouldFallbackToStdio reports whether, given pool config and a relay
// failure, the caller should launch the tool-server per-container in stdio
// mode instead.
func ShouldFallbackToStdio(cfg config.PoolConfig, relayErr error) bool {
	return relayErr != nil && cfg.FallbackToStdio
}

// StartContainerRelays starts one TCP loopback relay per pooled server whose
// socket exists on this host, returning the relays (for teardown) and a
// name -> dial-endpoint map to inject into the container's MCP config. A
// server whose relay cannot be started is skipped when fallback_to_stdio is
// set, and fails the whole call otherwise.
func StartContainerRelays(cfg config.PoolConfig, catalog *Catalog) ([]*Relay, map[string]string, error) {
	var relays []*Relay
	endpoints := make(map[string]string)

	cleanup := func() {
		for _, r := range relays {
			_ = r.Stop()
		}
	}

	for _, spec := range catalog.Servers {
		if eligible, _ := spec.Eligible(cfg.ShouldPool(spec.Name)); !eligible {
			continue
		}
		socketPath, err := cfg.GetSocketPath(spec.Name)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		if _, err := os.Stat(socketPath); err != nil {
			// No live leader for this server on this host; the container
			// launches it in stdio mode itself.
			continue
		}
		relay, err := StartRelay(socketPath, cfg.TCPRelayPortRangeLo, cfg.TCPRelayPortRangeHi)
		if err != nil {
			if ShouldFallbackToStdio(cfg, err) {
				log.WarningLog.Printf("mcppool: relay for %s unavailable, falling back to stdio: %v", spec.Name, err)
				continue
			}
			cleanup()
			return nil, nil, err
		}
		relays = append(relays, relay)
		endpoints[spec.Name] = Endpoint(relay)
	}
	return relays, endpoints, nil
}
