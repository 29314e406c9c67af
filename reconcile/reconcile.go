// Package reconcile merges evidence from the worktree manager, the
// multiplexer, the session store, and the container adapter into the
// caller-facing view of live sessions grouped by source repository:
// containers first, worktrees second, label-driven session-id lookup,
// synthetic workspace for orphans.
package reconcile

import (
	"path/filepath"
	"sort"
	"strings"

	"ainb/container"
	"ainb/multiplexer"
	"ainb/session"
	"ainb/store"
	"ainb/worktree"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ContainerLister is the subset of container.Adapter the reconciler needs.
type ContainerLister interface {
	ListManaged() ([]container.Summary, error)
}

// WorktreeLister is the subset of worktree.Manager the reconciler needs.
type WorktreeLister interface {
	GetWorktreeInfo(sessionID uuid.UUID) (*worktree.Info, error)
	ListAllWorktrees() ([]*worktree.Info, error)
}

// MultiplexerProbe reports whether a tmux session of the given sanitized
// name exists. multiplexer.Exists satisfies this.
type MultiplexerProbe func(sanitizedName string) bool

// Reconciler composes the four evidence sources into []session.Workspace.
type Reconciler struct {
	Containers  ContainerLister
	Worktrees   WorktreeLister
	Multiplexer MultiplexerProbe
	Store       *store.Store
}

// New constructs a Reconciler wired to the real container adapter, worktree
// manager, tmux, and an already-loaded session store.
func New(containers ContainerLister, worktrees WorktreeLister, st *store.Store) *Reconciler {
	return &Reconciler{
		Containers:  containers,
		Worktrees:   worktrees,
		Multiplexer: multiplexer.Exists,
		Store:       st,
	}
}

// Reconcile builds the current workspace view from external evidence. It is
// idempotent: with no external change, two successive runs yield equal
// results.
func (r *Reconciler) Reconcile() ([]session.Workspace, error) {
	var containers []container.Summary
	var worktrees []*worktree.Info

	var g errgroup.Group
	g.Go(func() error {
		var err error
		containers, err = r.Containers.ListManaged()
		return err
	})
	g.Go(func() error {
		var err error
		worktrees, err = r.Worktrees.ListAllWorktrees()
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	workspaces := make(map[string]*session.Workspace)
	claimedPaths := make(map[string]bool)

	for _, c := range containers {
		sid, ok := c.SessionID()
		if !ok {
			continue // no session-id label: not ours to report
		}

		info, err := r.Worktrees.GetWorktreeInfo(sid)
		if err != nil {
			// Orphaned container: worktree deleted out-of-band.
			name := orphanWorkspaceName(c)
			key := "/unknown/" + name
			ws := workspaces[key]
			if ws == nil {
				ws = &session.Workspace{Name: name, SourceRepository: key}
				workspaces[key] = ws
			}
			ws.Sessions = append(ws.Sessions, session.Session{
				ID:          sid,
				ContainerID: c.ID,
				Mode:        session.ModeBoss,
				Status:      session.StatusError,
				ErrorDetail: "Worktree missing — container orphaned",
			})
			continue
		}

		claimedPaths[info.Path] = true

		status, detail := container.DeriveStatus(c.State)
		key := info.SourceRepository
		ws := workspaces[key]
		if ws == nil {
			ws = &session.Workspace{Name: filepath.Base(key), SourceRepository: key}
			workspaces[key] = ws
		}
		ws.Sessions = append(ws.Sessions, session.Session{
			ID:           sid,
			ContainerID:  c.ID,
			BranchName:   info.BranchName,
			WorktreePath: info.Path,
			Mode:         session.ModeBoss,
			Status:       status,
			ErrorDetail:  detail,
		})
	}

	for _, wt := range worktrees {
		if claimedPaths[wt.Path] {
			continue
		}

		tmuxName := multiplexer.SanitizedName(wt.BranchName)
		probe := r.Multiplexer
		if probe == nil {
			probe = multiplexer.Exists
		}
		if !probe(tmuxName) {
			// Orphaned worktree: no container, no multiplexer session.
			// Candidate for cleanup, not surfaced as a running session.
			continue
		}

		sess := session.Session{
			BranchName:      wt.BranchName,
			WorktreePath:    wt.Path,
			Mode:            session.ModeInteractive,
			Status:          session.StatusRunning,
			MultiplexerName: tmuxName,
		}
		if r.Store != nil {
			if m, ok := r.Store.Get(tmuxName); ok {
				sess.ID = m.SessionID
				sess.CreatedAt = m.CreatedAt
			}
		}

		key := wt.SourceRepository
		ws := workspaces[key]
		if ws == nil {
			ws = &session.Workspace{Name: filepath.Base(key), SourceRepository: key}
			workspaces[key] = ws
		}
		ws.Sessions = append(ws.Sessions, sess)
	}

	out := make([]session.Workspace, 0, len(workspaces))
	for _, ws := range workspaces {
		out = append(out, *ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// orphanWorkspaceName derives a best-effort display name from an orphaned
// container's name: the first dash-separated token. Heuristic only.
func orphanWorkspaceName(c container.Summary) string {
	if len(c.Names) == 0 || c.Names[0] == "" {
		return "unknown"
	}
	name := strings.TrimPrefix(c.Names[0], "/")
	parts := strings.SplitN(name, "-", 2)
	if parts[0] == "" {
		return "unknown"
	}
	return parts[0]
}
