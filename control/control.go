// Package control exposes the orchestrator's operations to external
// callers: run, list, status, attach, kill. It resolves user-supplied
// selectors against the persisted session store and maps every error onto
// the process exit-code contract (0 success, 1 user error, 2 environment
// failure, 3 internal failure).
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"ainb/config"
	"ainb/container"
	"ainb/multiplexer"
	"ainb/pipeline"
	"ainb/reconcile"
	"ainb/reposrc"
	"ainb/session"
	"ainb/store"
	"ainb/worktree"
)

// Environment preconditions, reported before any state changes.
var (
	ErrNoMultiplexer      = errors.New("tmux is not installed or not runnable")
	ErrNoContainerRuntime = errors.New("docker is not installed or the daemon is unreachable")
)

// ErrAborted is returned when the user declines a confirmation prompt.
var ErrAborted = errors.New("aborted")

// Exit codes for the CLI surface.
const (
	ExitOK       = 0
	ExitUserErr  = 1
	ExitEnvErr   = 2
	ExitInternal = 3
)

// ExitCodeFor maps an error onto the CLI exit-code contract.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	var ambiguous *AmbiguousError
	switch {
	case errors.As(err, &ambiguous),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAborted),
		errors.Is(err, reposrc.ErrInvalidURL),
		errors.Is(err, reposrc.ErrPathNotFound),
		errors.Is(err, worktree.ErrBranchExists),
		errors.Is(err, worktree.ErrWorktreeExists),
		errors.Is(err, worktree.ErrRepoNotFound):
		return ExitUserErr
	case errors.Is(err, ErrNoMultiplexer),
		errors.Is(err, ErrNoContainerRuntime):
		return ExitEnvErr
	default:
		return ExitInternal
	}
}

// Controller wires the creation pipeline, the reconciler, and the store
// behind the caller-facing operations.
type Controller struct {
	Config     *config.Config
	Pipeline   *pipeline.Pipeline
	Containers *container.Adapter
	Worktrees  *worktree.Manager
}

// New constructs a Controller from loaded config, rooting worktrees and the
// repo cache under the per-user brand directory.
func New(cfg *config.Config) (*Controller, error) {
	dir, err := config.GetConfigDir()
	if err != nil {
		return nil, err
	}
	worktreeBase := filepath.Join(dir, config.WorktreeDirName)
	repoCache := filepath.Join(dir, config.RepoCacheDirName)
	p := pipeline.New(cfg, worktreeBase, repoCache)
	return &Controller{
		Config:     cfg,
		Pipeline:   p,
		Containers: p.Containers,
		Worktrees:  p.Worktrees,
	}, nil
}

// Run validates environment preconditions and executes the creation
// pipeline.
func (c *Controller) Run(opts pipeline.Options) (*pipeline.Result, error) {
	if !multiplexer.IsAvailable() {
		return nil, ErrNoMultiplexer
	}
	mode := opts.Mode
	if mode == "" {
		mode = c.Config.DefaultMode
	}
	if mode == config.SessionModeBoss && !c.Containers.IsAvailable() {
		return nil, ErrNoContainerRuntime
	}
	return c.Pipeline.Run(opts)
}

// List runs the reconciler and returns the live workspaces.
func (c *Controller) List() ([]session.Workspace, error) {
	st, err := store.Load()
	if err != nil {
		return nil, err
	}
	r := reconcile.New(c.Containers, c.Worktrees, st)
	return r.Reconcile()
}

// StatusReport is the enriched view of one session rendered by Status.
type StatusReport struct {
	SessionID       string    `json:"session_id"`
	MultiplexerName string    `json:"multiplexer_session_name"`
	WorktreePath    string    `json:"worktree_path"`
	WorkspaceName   string    `json:"workspace_name"`
	CreatedAt       time.Time `json:"created_at"`
	SessionAlive    bool      `json:"session_alive"`
	AgentRunning    bool      `json:"agent_running"`

	// DiffAdded/DiffRemoved count the worktree's changed lines against HEAD
	// (a worktree located by directory scan has no recorded base commit).
	// Absent when the worktree is gone or git fails.
	DiffAdded   *int `json:"diff_added,omitempty"`
	DiffRemoved *int `json:"diff_removed,omitempty"`
}

// Status resolves selector and enriches the persisted record with liveness:
// does the multiplexer session still exist, and is the agent process inside
// it still running.
func (c *Controller) Status(selector string) (*StatusReport, error) {
	st, err := store.Load()
	if err != nil {
		return nil, err
	}
	m, err := ResolveSelector(st, selector)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		SessionID:       m.SessionID.String(),
		MultiplexerName: m.MultiplexerSessionName,
		WorktreePath:    m.WorktreePath,
		WorkspaceName:   m.WorkspaceName,
		CreatedAt:       m.CreatedAt,
	}
	if multiplexer.Exists(m.MultiplexerSessionName) {
		report.SessionAlive = true
		report.AgentRunning = multiplexer.Attached(m.MultiplexerSessionName).AgentRunning()
	}
	if info, err := c.Worktrees.GetWorktreeInfo(m.SessionID); err == nil {
		if stats := info.Diff(); stats.Error == nil {
			report.DiffAdded = &stats.Added
			report.DiffRemoved = &stats.Removed
		}
	}
	return report, nil
}

// RenderStatus writes a report as text or JSON.
func RenderStatus(w io.Writer, r *StatusReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	alive := "dead"
	if r.SessionAlive {
		alive = "alive"
	}
	agent := "stopped"
	if r.AgentRunning {
		agent = "running"
	}
	fmt.Fprintf(w, "session:    %s\n", r.SessionID)
	fmt.Fprintf(w, "workspace:  %s\n", r.WorkspaceName)
	fmt.Fprintf(w, "worktree:   %s\n", r.WorktreePath)
	fmt.Fprintf(w, "tmux:       %s (%s)\n", r.MultiplexerName, alive)
	fmt.Fprintf(w, "agent:      %s\n", agent)
	if r.DiffAdded != nil && r.DiffRemoved != nil {
		fmt.Fprintf(w, "diff:       +%d -%d\n", *r.DiffAdded, *r.DiffRemoved)
	}
	fmt.Fprintf(w, "created:    %s\n", r.CreatedAt.Format(time.RFC3339))
	return nil
}

// ConfirmFunc asks the user to confirm killing a live session. It is
// injected so tests (and --force) can bypass the prompt.
type ConfirmFunc func(prompt string) bool

// Kill resolves selector, kills the multiplexer session if alive (prompting
// via confirm unless force), and removes the metadata entry. The worktree
// is intentionally left behind and returned so the caller can report it for
// manual cleanup.
func (c *Controller) Kill(selector string, force bool, confirm ConfirmFunc) (worktreePath string, err error) {
	st, err := store.Load()
	if err != nil {
		return "", err
	}
	m, err := ResolveSelector(st, selector)
	if err != nil {
		return "", err
	}

	if multiplexer.Exists(m.MultiplexerSessionName) {
		if !force && confirm != nil {
			if !confirm(fmt.Sprintf("session %s is alive; kill it?", m.MultiplexerSessionName)) {
				return "", ErrAborted
			}
		}
		if err := multiplexer.Attached(m.MultiplexerSessionName).Cleanup(); err != nil {
			return "", fmt.Errorf("kill multiplexer session %s: %w", m.MultiplexerSessionName, err)
		}
	}

	if err := store.WithLock(func(s *store.Store) error {
		s.RemoveByKey(m.MultiplexerSessionName)
		return nil
	}); err != nil {
		return "", fmt.Errorf("remove session metadata: %w", err)
	}
	return m.WorktreePath, nil
}

// ResolveForAttach resolves selector and verifies the target session is
// alive, returning its multiplexer name. The actual attach is
// platform-specific (see Attach).
func (c *Controller) ResolveForAttach(selector string) (string, error) {
	st, err := store.Load()
	if err != nil {
		return "", err
	}
	m, err := ResolveSelector(st, selector)
	if err != nil {
		return "", err
	}
	if !multiplexer.Exists(m.MultiplexerSessionName) {
		return "", fmt.Errorf("%w: session %s is not running", ErrNotFound, m.MultiplexerSessionName)
	}
	return m.MultiplexerSessionName, nil
}
