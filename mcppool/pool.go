package mcppool

import (
	"fmt"
	"sync"

	"ainb/config"
	"ainb/log"
)

// Role reports whether this process won or lost a tool-server's leader
// election.
type Role int

const (
	RoleLeader Role = iota
	RoleFollower
)

// Handle is what callers get back for one tool-server: where to dial, and
// whether this process is serving it or merely proxying to another leader.
type Handle struct {
	Name       string
	SocketPath string
	Role       Role
}

// Pool manages leader election and lifecycle for every eligible tool-server
// in a catalog. One process may be leader for some servers and follower for
// others, depending on which locks it won.
type Pool struct {
	cfg config.PoolConfig

	mu      sync.Mutex
	servers map[string]*Server // only entries this process leads
	handles map[string]Handle
}

// NewPool constructs an empty Pool against the given config.
func NewPool(cfg config.PoolConfig) *Pool {
	return &Pool{
		cfg:     cfg,
		servers: make(map[string]*Server),
		handles: make(map[string]Handle),
	}
}

// Start brings up every eligible server in the catalog: attempts the leader
// lock for each, spawning a child+listener for the ones it wins, and simply
// recording the socket path for the ones it loses, where another process's
// leader is already serving.
func (p *Pool) Start(catalog *Catalog) error {
	if !config.PlatformSupported() {
		return fmt.Errorf("mcp pool: unix sockets unsupported on this platform")
	}

	for _, spec := range catalog.Servers {
		eligible, reason := spec.Eligible(p.cfg.ShouldPool(spec.Name))
		if !eligible {
			log.InfoLog.Printf("mcppool: %s not eligible for pooling: %s", spec.Name, reason)
			continue
		}
		if err := p.acquire(spec); err != nil {
			log.ErrorLog.Printf("mcppool: failed to bring up %s: %v", spec.Name, err)
		}
	}
	return nil
}

func (p *Pool) acquire(spec ServerSpec) error {
	socketPath, err := p.cfg.GetSocketPath(spec.Name)
	if err != nil {
		return err
	}
	lockPath, err := p.cfg.GetLockPath(spec.Name)
	if err != nil {
		return err
	}

	lock := config.NewFileLockAtPath(lockPath)
	acquired, err := lock.TryLock()
	if err != nil {
		return err
	}

	if !acquired {
		p.mu.Lock()
		p.handles[spec.Name] = Handle{Name: spec.Name, SocketPath: socketPath, Role: RoleFollower}
		p.mu.Unlock()
		log.InfoLog.Printf("mcppool: follower for %s at %s", spec.Name, socketPath)
		return nil
	}

	srv := NewServer(spec, p.cfg, lock, socketPath, lockPath)
	p.mu.Lock()
	p.servers[spec.Name] = srv
	p.handles[spec.Name] = Handle{Name: spec.Name, SocketPath: socketPath, Role: RoleLeader}
	p.mu.Unlock()

	go func() {
		if err := srv.RunLeader(); err != nil {
			log.ErrorLog.Printf("mcppool: leader for %s exited: %v", spec.Name, err)
		}
	}()
	return nil
}

// Handle returns the dial target for a named server, if this Pool started it.
func (p *Pool) Handle(name string) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[name]
	return h, ok
}

// Stop gracefully tears down every server this process leads. Followers hold
// no state to release.
func (p *Pool) Stop() {
	p.mu.Lock()
	servers := make([]*Server, 0, len(p.servers))
	for _, s := range p.servers {
		servers = append(servers, s)
	}
	p.mu.Unlock()

	for _, s := range servers {
		s.Stop()
	}
}

// Healthy reports, per leader-role server this process owns, whether it is
// currently healthy. Surfaced by `ainb pool`.
func (p *Pool) Healthy() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool, len(p.servers))
	for name, s := range p.servers {
		out[name] = s.Healthy()
	}
	return out
}
