package reconcile

import (
	"testing"
	"time"

	"ainb/container"
	"ainb/session"
	"ainb/store"
	"ainb/worktree"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeContainers struct {
	summaries []container.Summary
	err       error
}

func (f *fakeContainers) ListManaged() ([]container.Summary, error) {
	return f.summaries, f.err
}

type fakeWorktrees struct {
	byID map[uuid.UUID]*worktree.Info
	all  []*worktree.Info
	err  error
}

func (f *fakeWorktrees) GetWorktreeInfo(id uuid.UUID) (*worktree.Info, error) {
	if info, ok := f.byID[id]; ok {
		return info, nil
	}
	return nil, worktree.ErrWorktreeNotFound
}

func (f *fakeWorktrees) ListAllWorktrees() ([]*worktree.Info, error) {
	return f.all, f.err
}

func labelFor(id uuid.UUID) map[string]string {
	return map[string]string{container.SessionLabelKey: id.String()}
}

func TestReconcileBossSessionHit(t *testing.T) {
	sid := uuid.New()
	info := &worktree.Info{SessionID: sid, SourceRepository: "/repos/demo", Path: "/wt/demo--a--b", BranchName: "agents/x"}

	r := &Reconciler{
		Containers:  &fakeContainers{summaries: []container.Summary{{ID: "c1", State: "running", Labels: labelFor(sid)}}},
		Worktrees:   &fakeWorktrees{byID: map[uuid.UUID]*worktree.Info{sid: info}},
		Multiplexer: func(string) bool { return false },
	}

	workspaces, err := r.Reconcile()
	require.NoError(t, err)
	require.Len(t, workspaces, 1)
	require.Equal(t, "demo", workspaces[0].Name)
	require.Len(t, workspaces[0].Sessions, 1)
	require.Equal(t, session.StatusRunning, workspaces[0].Sessions[0].Status)
	require.Equal(t, session.ModeBoss, workspaces[0].Sessions[0].Mode)
}

func TestReconcileOrphanedContainer(t *testing.T) {
	sid := uuid.New()

	r := &Reconciler{
		Containers: &fakeContainers{summaries: []container.Summary{
			{ID: "c1", State: "running", Names: []string{"/demo-abcd1234"}, Labels: labelFor(sid)},
		}},
		Worktrees:   &fakeWorktrees{byID: map[uuid.UUID]*worktree.Info{}},
		Multiplexer: func(string) bool { return false },
	}

	workspaces, err := r.Reconcile()
	require.NoError(t, err)
	require.Len(t, workspaces, 1)
	require.Equal(t, "demo", workspaces[0].Name)
	require.Equal(t, session.StatusError, workspaces[0].Sessions[0].Status)
	require.Equal(t, "Worktree missing — container orphaned", workspaces[0].Sessions[0].ErrorDetail)
}

func TestReconcileInteractiveSessionFromWorktreeAndMultiplexer(t *testing.T) {
	wt := &worktree.Info{SourceRepository: "/repos/demo", Path: "/wt/demo--a--b", BranchName: "agents/y"}
	sid := uuid.New()

	st, err := store.LoadFrom(t.TempDir() + "/sessions.json")
	require.NoError(t, err)
	st.Upsert(store.Metadata{SessionID: sid, MultiplexerSessionName: "tmux_agents_y", CreatedAt: time.Now()})

	r := &Reconciler{
		Containers:  &fakeContainers{},
		Worktrees:   &fakeWorktrees{byID: map[uuid.UUID]*worktree.Info{}, all: []*worktree.Info{wt}},
		Multiplexer: func(name string) bool { return name == "tmux_agents_y" },
		Store:       st,
	}

	workspaces, err := r.Reconcile()
	require.NoError(t, err)
	require.Len(t, workspaces, 1)
	require.Len(t, workspaces[0].Sessions, 1)
	sess := workspaces[0].Sessions[0]
	require.Equal(t, session.ModeInteractive, sess.Mode)
	require.Equal(t, sid, sess.ID)
}

func TestReconcileOrphanedWorktreeIsNotSurfaced(t *testing.T) {
	wt := &worktree.Info{SourceRepository: "/repos/demo", Path: "/wt/demo--a--b", BranchName: "agents/z"}

	r := &Reconciler{
		Containers:  &fakeContainers{},
		Worktrees:   &fakeWorktrees{byID: map[uuid.UUID]*worktree.Info{}, all: []*worktree.Info{wt}},
		Multiplexer: func(string) bool { return false },
	}

	workspaces, err := r.Reconcile()
	require.NoError(t, err)
	require.Empty(t, workspaces)
}

func TestReconcileIsIdempotent(t *testing.T) {
	sid := uuid.New()
	info := &worktree.Info{SessionID: sid, SourceRepository: "/repos/demo", Path: "/wt/demo--a--b", BranchName: "agents/x"}

	r := &Reconciler{
		Containers:  &fakeContainers{summaries: []container.Summary{{ID: "c1", State: "running", Labels: labelFor(sid)}}},
		Worktrees:   &fakeWorktrees{byID: map[uuid.UUID]*worktree.Info{sid: info}},
		Multiplexer: func(string) bool { return false },
	}

	first, err := r.Reconcile()
	require.NoError(t, err)
	second, err := r.Reconcile()
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestReconcileSortsWorkspacesByName(t *testing.T) {
	sidA, sidB := uuid.New(), uuid.New()
	infoA := &worktree.Info{SessionID: sidA, SourceRepository: "/repos/zeta", Path: "/wt/zeta"}
	infoB := &worktree.Info{SessionID: sidB, SourceRepository: "/repos/alpha", Path: "/wt/alpha"}

	r := &Reconciler{
		Containers: &fakeContainers{summaries: []container.Summary{
			{ID: "c1", State: "running", Labels: labelFor(sidA)},
			{ID: "c2", State: "running", Labels: labelFor(sidB)},
		}},
		Worktrees:   &fakeWorktrees{byID: map[uuid.UUID]*worktree.Info{sidA: infoA, sidB: infoB}},
		Multiplexer: func(string) bool { return false },
	}

	workspaces, err := r.Reconcile()
	require.NoError(t, err)
	require.Len(t, workspaces, 2)
	require.Equal(t, "alpha", workspaces[0].Name)
	require.Equal(t, "zeta", workspaces[1].Name)
}
