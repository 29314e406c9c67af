package worktree

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDiffCountsAddedAndRemovedLines(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(t.TempDir())

	info, err := m.Create(uuid.New(), repo, "agents/diff", "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(info.Path, "README.md"), []byte("changed\nlines\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(info.Path, "new.txt"), []byte("fresh\n"), 0644))

	stats := info.Diff()
	require.NoError(t, stats.Error)
	require.False(t, stats.IsEmpty())
	require.Equal(t, 3, stats.Added)   // changed + lines + fresh
	require.Equal(t, 1, stats.Removed) // hello
}

func TestDiffEmptyWorktree(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(t.TempDir())

	info, err := m.Create(uuid.New(), repo, "agents/clean", "")
	require.NoError(t, err)

	stats := info.Diff()
	require.NoError(t, stats.Error)
	require.True(t, stats.IsEmpty())
}

func TestDiffFallsBackToHEADWithoutBaseCommit(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(t.TempDir())

	created, err := m.Create(uuid.New(), repo, "agents/recovered", "")
	require.NoError(t, err)

	// A scan-recovered Info has no base commit recorded.
	recovered, err := m.GetWorktreeInfo(created.SessionID)
	require.NoError(t, err)
	require.Empty(t, recovered.BaseCommitSHA)

	require.NoError(t, os.WriteFile(filepath.Join(recovered.Path, "new.txt"), []byte("fresh\n"), 0644))
	stats := recovered.Diff()
	require.NoError(t, stats.Error)
	require.Equal(t, 1, stats.Added)
}

func TestDiffCachesUntilInvalidated(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(t.TempDir())

	info, err := m.Create(uuid.New(), repo, "agents/cache", "")
	require.NoError(t, err)
	info.diffCacheDuration = time.Hour

	require.NoError(t, os.WriteFile(filepath.Join(info.Path, "new.txt"), []byte("fresh\n"), 0644))
	first := info.Diff()
	require.NoError(t, first.Error)
	require.Equal(t, 1, first.Added)

	require.NoError(t, os.WriteFile(filepath.Join(info.Path, "more.txt"), []byte("extra\n"), 0644))
	cached := info.Diff()
	require.Equal(t, 1, cached.Added) // still the cached result

	info.InvalidateDiffCache()
	fresh := info.Diff()
	require.Equal(t, 2, fresh.Added)
}
