package mcppool

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"ainb/config"
	"ainb/log"
)

// Server is the leader-side broker for a single tool-server: it owns the
// supervised child, the Unix socket listener, every connected client, and
// the circuit breaker guarding dispatch. Many concurrent clients fan into
// the one child's stdin; responses fan back out by rewritten request id.
type Server struct {
	spec ServerSpec
	pool config.PoolConfig

	lock       *config.FileLock
	socketPath string
	lockPath   string

	child   *child
	breaker *CircuitBreaker

	listener net.Listener
	done     chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	clients    map[uint64]*clientSession
	nextClient uint64
	pending    map[uint64]*pendingEntry
	nextReqID  uint64
}

// NewServer constructs a Server for spec, holding the already-acquired
// leader lock.
func NewServer(spec ServerSpec, poolCfg config.PoolConfig, lock *config.FileLock, socketPath, lockPath string) *Server {
	return &Server{
		spec:       spec,
		pool:       poolCfg,
		lock:       lock,
		socketPath: socketPath,
		lockPath:   lockPath,
		breaker:    NewCircuitBreaker(poolCfg.CircuitBreakerThreshold, poolCfg.CircuitBreakerReset, poolCfg.CircuitBreakerProbes),
		done:       make(chan struct{}),
		clients:    make(map[uint64]*clientSession),
		pending:    make(map[uint64]*pendingEntry),
	}
}

// RunLeader spawns the child and serves the Unix socket until Stop is
// called. It blocks; callers should run it in a goroutine.
func (s *Server) RunLeader() error {
	// A crashed prior leader leaves its socket file behind; remove it
	// before bind.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", s.socketPath, err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		log.WarningLog.Printf("mcppool: chmod socket %s: %v", s.socketPath, err)
	}
	s.listener = ln

	if err := s.spec.Install(); err != nil {
		_ = ln.Close()
		return err
	}

	s.child = newChild(s.spec, s.pool.MaxRestarts, s.pool.RestartBackoffBase, s.pool.RestartBackoffMax,
		s.onChildLine, s.onChildExit)
	if err := s.child.start(); err != nil {
		_ = ln.Close()
		return fmt.Errorf("start child for %s: %w", s.spec.Name, err)
	}

	log.InfoLog.Printf("mcppool: leader for %s listening on %s", s.spec.Name, s.socketPath)

	go s.reapIdleClients()
	go s.watchLiveness()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil // listener closed by Stop
		}
		s.acceptClient(conn)
	}
}

func (s *Server) acceptClient(conn net.Conn) {
	s.mu.Lock()
	if len(s.clients) >= s.pool.MaxClientsPerMCP {
		s.mu.Unlock()
		_ = writeLine(conn, errorResponse(nil, codeOverloaded, "Server overloaded: max clients reached"))
		_ = conn.Close()
		return
	}
	s.nextClient++
	id := s.nextClient
	cs := newClientSession(id, conn)
	s.clients[id] = cs
	s.mu.Unlock()

	go s.serveClient(cs)
}

func (s *Server) serveClient(cs *clientSession) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, cs.id)
		s.mu.Unlock()
		cs.markClosed()
		_ = cs.conn.Close()
	}()

	scanner := newLineScanner(cs.conn)
	for scanner.Scan() {
		cs.touch()
		var msg rpcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			_ = cs.writeLine(errorResponse(nil, codeParseError, "malformed request"))
			continue
		}
		s.dispatch(cs, msg)
	}
}

// dispatch implements backpressure, the circuit breaker gate, id rewriting,
// and the request timeout.
func (s *Server) dispatch(cs *clientSession, msg rpcMessage) {
	if msg.isNotification() {
		// Notifications carry no id and get no response; pass them to the
		// child untouched, dropping them while it is down.
		if data, err := json.Marshal(msg); err == nil {
			_ = s.child.write(data)
		}
		return
	}

	if s.child.permanentlyFailed() {
		_ = cs.writeLine(errorResponse(msg.ID, codeInternalError, fmt.Sprintf("tool-server %s permanently failed", s.spec.Name)))
		return
	}

	if !s.breaker.CanExecute() {
		_ = cs.writeLine(errorResponse(msg.ID, codeCircuitOpen, "Circuit open"))
		return
	}

	if !cs.tryReserve(s.pool.MaxPendingRequestsPerClient) {
		_ = cs.writeLine(errorResponse(msg.ID, codeOverloaded, "Server overloaded"))
		return
	}

	globalID := atomic.AddUint64(&s.nextReqID, 1)
	entry := &pendingEntry{client: cs, originalID: msg.ID}

	s.mu.Lock()
	s.pending[globalID] = entry
	s.mu.Unlock()

	entry.timer = time.AfterFunc(s.pool.RequestTimeout, func() {
		s.timeoutRequest(globalID)
	})

	rewritten := msg
	rewritten.JSONRPC = "2.0"
	rewritten.ID = json.RawMessage(strconv.FormatUint(globalID, 10))
	data, err := json.Marshal(rewritten)
	if err != nil {
		s.completeRequest(globalID, false)
		_ = cs.writeLine(errorResponse(msg.ID, codeInternalError, "failed to encode request"))
		return
	}
	if err := s.child.write(data); err != nil {
		s.completeRequest(globalID, false)
		_ = cs.writeLine(errorResponse(msg.ID, codeInternalError, err.Error()))
	}
}

func (s *Server) timeoutRequest(globalID uint64) {
	s.mu.Lock()
	entry, ok := s.pending[globalID]
	if ok {
		delete(s.pending, globalID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.breaker.RecordFailure()
	entry.client.release()
	_ = entry.client.writeLine(errorResponse(entry.originalID, codeRequestTimeout, "Request timeout"))
}

// completeRequest removes a pending entry (used on a dispatch-time failure
// before any response can arrive) and records the outcome.
func (s *Server) completeRequest(globalID uint64, success bool) {
	s.mu.Lock()
	entry, ok := s.pending[globalID]
	if ok {
		delete(s.pending, globalID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()
	entry.client.release()
	if success {
		s.breaker.RecordSuccess()
	} else {
		s.breaker.RecordFailure()
	}
}

// onChildLine is the child's stdout callback: demultiplex a response by its
// rewritten id, or broadcast a notification (no id) to every client.
func (s *Server) onChildLine(line []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		log.WarningLog.Printf("mcppool: malformed line from %s: %v", s.spec.Name, err)
		return
	}

	if msg.isNotification() {
		s.broadcast(msg)
		return
	}

	globalID, err := strconv.ParseUint(string(msg.ID), 10, 64)
	if err != nil {
		log.WarningLog.Printf("mcppool: response from %s with unrecognized id %s", s.spec.Name, msg.ID)
		return
	}

	s.mu.Lock()
	entry, ok := s.pending[globalID]
	if ok {
		delete(s.pending, globalID)
	}
	s.mu.Unlock()
	if !ok {
		return // already timed out and reported
	}
	entry.timer.Stop()
	entry.client.release()

	if msg.Error != nil {
		s.breaker.RecordFailure()
	} else {
		s.breaker.RecordSuccess()
	}

	msg.ID = entry.originalID
	_ = entry.client.writeLine(msg)
}

func (s *Server) broadcast(msg rpcMessage) {
	s.mu.Lock()
	clients := make([]*clientSession, 0, len(s.clients))
	for _, cs := range s.clients {
		clients = append(clients, cs)
	}
	s.mu.Unlock()
	for _, cs := range clients {
		_ = cs.writeLine(msg)
	}
}

func (s *Server) onChildExit(err error) {
	s.mu.Lock()
	pending := make([]*pendingEntry, 0, len(s.pending))
	for id, e := range s.pending {
		pending = append(pending, e)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	for _, e := range pending {
		e.timer.Stop()
		e.client.release()
		_ = e.client.writeLine(errorResponse(e.originalID, codeRequestTimeout, "tool-server restarting"))
	}
}

// reapIdleClients periodically disconnects clients that have been silent
// longer than the configured idle timeout. Clients with requests in flight
// are left alone.
func (s *Server) reapIdleClients() {
	timeout := s.pool.IdleClientTimeout
	if timeout <= 0 {
		return
	}
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		var evict []*clientSession
		for _, cs := range s.clients {
			if idle, inFlight := cs.idleFor(); idle > timeout && !inFlight {
				evict = append(evict, cs)
			}
		}
		s.mu.Unlock()

		for _, cs := range evict {
			log.InfoLog.Printf("mcppool: evicting idle client %d of %s", cs.id, s.spec.Name)
			_ = cs.conn.Close() // unblocks serveClient, which removes it
		}
	}
}

// watchLiveness periodically checks the child process and logs transitions,
// so a wedged tool-server is visible before the next request fails.
func (s *Server) watchLiveness() {
	interval := s.pool.HealthCheckInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wasAlive := true
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		alive := s.child.isAlive()
		if alive != wasAlive {
			if alive {
				log.InfoLog.Printf("mcppool: tool-server %s is healthy again", s.spec.Name)
			} else {
				log.WarningLog.Printf("mcppool: tool-server %s is down", s.spec.Name)
			}
			wasAlive = alive
		}
	}
}

// Stop drains in-flight requests, gracefully terminates the child, and
// removes the socket and lock files.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		if s.child != nil {
			s.child.stop()
		}
		_ = os.Remove(s.socketPath)
		_ = s.lock.Unlock()
		_ = os.Remove(s.lockPath)
	})
}

// Healthy reports whether the child is alive and the breaker is not open.
func (s *Server) Healthy() bool {
	return s.child != nil && s.child.isAlive() && s.breaker.State() != CircuitOpen
}
