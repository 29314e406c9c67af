package mcppool

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ainb/config"

	"github.com/stretchr/testify/require"
)

func testPoolConfig(t *testing.T) config.PoolConfig {
	t.Helper()
	cfg := config.DefaultPoolConfig()
	cfg.SocketDir = filepath.Join(t.TempDir(), "sockets")
	cfg.RequestTimeout = 2 * time.Second
	cfg.IdleClientTimeout = 0 // no reaper during tests
	cfg.HealthCheckInterval = 0
	return cfg
}

// startTestServer brings up a leader Server whose child is the given
// command, and returns it with its socket path. `cat` makes a usable fake
// tool-server: it echoes each rewritten request line back, which the
// broker routes as the response to that request.
func startTestServer(t *testing.T, cfg config.PoolConfig, command string, args ...string) (*Server, string) {
	t.Helper()

	spec := ServerSpec{Name: "echo", Command: command, Args: args, Enabled: true}
	socketPath, err := cfg.GetSocketPath(spec.Name)
	require.NoError(t, err)
	lockPath, err := cfg.GetLockPath(spec.Name)
	require.NoError(t, err)

	lock := config.NewFileLockAtPath(lockPath)
	acquired, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, acquired)

	srv := NewServer(spec, cfg, lock, socketPath, lockPath)
	go func() {
		_ = srv.RunLeader()
	}()
	t.Cleanup(srv.Stop)

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "socket never appeared")

	return srv, socketPath
}

func dialAndSend(t *testing.T, socketPath string, msgs ...string) (net.Conn, *bufio.Scanner) {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	for _, m := range msgs {
		_, err := conn.Write([]byte(m + "\n"))
		require.NoError(t, err)
	}
	return conn, newLineScanner(conn)
}

func readResponse(t *testing.T, scanner *bufio.Scanner) rpcMessage {
	t.Helper()
	require.True(t, scanner.Scan(), "no response line: %v", scanner.Err())
	var msg rpcMessage
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
	return msg
}

func TestServerRoundTripsOriginalRequestID(t *testing.T) {
	cfg := testPoolConfig(t)
	_, socketPath := startTestServer(t, cfg, "cat")

	_, scanner := dialAndSend(t, socketPath, `{"jsonrpc":"2.0","id":"client-7","method":"tools/list"}`)
	resp := readResponse(t, scanner)
	require.Equal(t, json.RawMessage(`"client-7"`), resp.ID)
}

func TestServerInterleavesClientsByRewrittenID(t *testing.T) {
	cfg := testPoolConfig(t)
	_, socketPath := startTestServer(t, cfg, "cat")

	_, scanA := dialAndSend(t, socketPath, `{"jsonrpc":"2.0","id":1,"method":"a"}`)
	_, scanB := dialAndSend(t, socketPath, `{"jsonrpc":"2.0","id":1,"method":"b"}`)

	respA := readResponse(t, scanA)
	respB := readResponse(t, scanB)
	require.Equal(t, json.RawMessage("1"), respA.ID)
	require.Equal(t, json.RawMessage("1"), respB.ID)
	require.Equal(t, "a", respA.Method)
	require.Equal(t, "b", respB.Method)
}

func TestServerBackpressureRejectsThirdPendingRequest(t *testing.T) {
	cfg := testPoolConfig(t)
	cfg.MaxPendingRequestsPerClient = 2
	cfg.RequestTimeout = time.Hour
	// A child that never answers keeps every request pending.
	_, socketPath := startTestServer(t, cfg, "sleep", "60")

	_, scanner := dialAndSend(t, socketPath,
		`{"jsonrpc":"2.0","id":1,"method":"x"}`,
		`{"jsonrpc":"2.0","id":2,"method":"x"}`,
		`{"jsonrpc":"2.0","id":3,"method":"x"}`)

	resp := readResponse(t, scanner)
	require.NotNil(t, resp.Error)
	require.Equal(t, -32000, resp.Error.Code)
	require.Equal(t, json.RawMessage("3"), resp.ID)
}

func TestServerSynthesizesRequestTimeout(t *testing.T) {
	cfg := testPoolConfig(t)
	cfg.RequestTimeout = 100 * time.Millisecond
	_, socketPath := startTestServer(t, cfg, "sleep", "60")

	_, scanner := dialAndSend(t, socketPath, `{"jsonrpc":"2.0","id":9,"method":"x"}`)
	resp := readResponse(t, scanner)
	require.NotNil(t, resp.Error)
	require.Equal(t, -32002, resp.Error.Code)
	require.Equal(t, json.RawMessage("9"), resp.ID)
}

func TestServerCircuitOpensAfterConsecutiveTimeouts(t *testing.T) {
	cfg := testPoolConfig(t)
	cfg.RequestTimeout = 50 * time.Millisecond
	cfg.CircuitBreakerThreshold = 1
	cfg.CircuitBreakerReset = time.Hour
	srv, socketPath := startTestServer(t, cfg, "sleep", "60")

	_, scanner := dialAndSend(t, socketPath, `{"jsonrpc":"2.0","id":1,"method":"x"}`)
	resp := readResponse(t, scanner)
	require.Equal(t, -32002, resp.Error.Code)
	require.Equal(t, CircuitOpen, srv.breaker.State())

	_, scanner2 := dialAndSend(t, socketPath, `{"jsonrpc":"2.0","id":2,"method":"x"}`)
	resp2 := readResponse(t, scanner2)
	require.Equal(t, -32001, resp2.Error.Code)
}

func TestServerRejectsClientsOverCap(t *testing.T) {
	cfg := testPoolConfig(t)
	cfg.MaxClientsPerMCP = 1
	_, socketPath := startTestServer(t, cfg, "cat")

	first, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer first.Close()
	// The first client is registered asynchronously by the accept loop.
	time.Sleep(50 * time.Millisecond)

	_, scanner := dialAndSend(t, socketPath)
	resp := readResponse(t, scanner)
	require.NotNil(t, resp.Error)
	require.Equal(t, -32000, resp.Error.Code)
}

func TestServerSocketPermissions(t *testing.T) {
	cfg := testPoolConfig(t)
	_, socketPath := startTestServer(t, cfg, "cat")

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(socketPath))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())
}

func TestServerStopRemovesSocketAndLock(t *testing.T) {
	cfg := testPoolConfig(t)
	srv, socketPath := startTestServer(t, cfg, "cat")
	lockPath, err := cfg.GetLockPath("echo")
	require.NoError(t, err)

	srv.Stop()
	require.NoFileExists(t, socketPath)
	require.NoFileExists(t, lockPath)
}

func TestPoolSecondStartBecomesFollower(t *testing.T) {
	cfg := testPoolConfig(t)
	catalog := &Catalog{Servers: []ServerSpec{{Name: "ctx", Command: "cat", Enabled: true}}}

	leader := NewPool(cfg)
	require.NoError(t, leader.Start(catalog))
	defer leader.Stop()

	h1, ok := leader.Handle("ctx")
	require.True(t, ok)
	require.Equal(t, RoleLeader, h1.Role)

	require.Eventually(t, func() bool {
		_, err := os.Stat(h1.SocketPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	follower := NewPool(cfg)
	require.NoError(t, follower.Start(catalog))
	defer follower.Stop()

	h2, ok := follower.Handle("ctx")
	require.True(t, ok)
	require.Equal(t, RoleFollower, h2.Role)
	require.Equal(t, h1.SocketPath, h2.SocketPath)

	// The follower's traffic succeeds by dialing the leader's socket.
	_, scanner := dialAndSend(t, h2.SocketPath, `{"jsonrpc":"2.0","id":"f1","method":"ping"}`)
	resp := readResponse(t, scanner)
	require.Equal(t, json.RawMessage(`"f1"`), resp.ID)
}
