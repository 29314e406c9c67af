package control

import (
	"errors"
	"path/filepath"
	"testing"

	"ainb/reposrc"
	"ainb/store"
	"ainb/worktree"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func storeWith(t *testing.T, entries ...store.Metadata) *store.Store {
	t.Helper()
	s, err := store.LoadFrom(filepath.Join(t.TempDir(), "sessions.json"))
	require.NoError(t, err)
	for _, m := range entries {
		s.Upsert(m)
	}
	return s
}

func TestResolveSelectorFullUUID(t *testing.T) {
	id := uuid.New()
	s := storeWith(t, store.Metadata{SessionID: id, MultiplexerSessionName: "tmux_a", WorkspaceName: "demo"})

	m, err := ResolveSelector(s, id.String())
	require.NoError(t, err)
	require.Equal(t, id, m.SessionID)
}

func TestResolveSelectorUUIDPrefix(t *testing.T) {
	idA := uuid.MustParse("11112222-0000-4000-8000-000000000001")
	idB := uuid.MustParse("1111aaaa-0000-4000-8000-000000000002")
	s := storeWith(t,
		store.Metadata{SessionID: idA, MultiplexerSessionName: "tmux_a", WorkspaceName: "one"},
		store.Metadata{SessionID: idB, MultiplexerSessionName: "tmux_b", WorkspaceName: "two"},
	)

	_, err := ResolveSelector(s, "1111")
	var ambiguous *AmbiguousError
	require.ErrorAs(t, err, &ambiguous)
	require.Len(t, ambiguous.Candidates, 2)

	m, err := ResolveSelector(s, "11112")
	require.NoError(t, err)
	require.Equal(t, idA, m.SessionID)
}

func TestResolveSelectorWorkspaceNameCaseInsensitive(t *testing.T) {
	id := uuid.New()
	s := storeWith(t, store.Metadata{SessionID: id, MultiplexerSessionName: "tmux_a", WorkspaceName: "Demo"})

	m, err := ResolveSelector(s, "demo")
	require.NoError(t, err)
	require.Equal(t, id, m.SessionID)
}

func TestResolveSelectorDuplicateWorkspaceNameIsAmbiguous(t *testing.T) {
	s := storeWith(t,
		store.Metadata{SessionID: uuid.New(), MultiplexerSessionName: "tmux_a", WorkspaceName: "demo"},
		store.Metadata{SessionID: uuid.New(), MultiplexerSessionName: "tmux_b", WorkspaceName: "demo"},
	)

	_, err := ResolveSelector(s, "demo")
	var ambiguous *AmbiguousError
	require.ErrorAs(t, err, &ambiguous)
}

func TestResolveSelectorNotFound(t *testing.T) {
	s := storeWith(t)
	_, err := ResolveSelector(s, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveSelectorUUIDPrefixBeatsWorkspaceName(t *testing.T) {
	idA := uuid.MustParse("abcd0000-0000-4000-8000-000000000001")
	idB := uuid.New()
	s := storeWith(t,
		store.Metadata{SessionID: idA, MultiplexerSessionName: "tmux_a", WorkspaceName: "x"},
		store.Metadata{SessionID: idB, MultiplexerSessionName: "tmux_b", WorkspaceName: "abcd0000"},
	)

	m, err := ResolveSelector(s, "abcd0000")
	require.NoError(t, err)
	require.Equal(t, idA, m.SessionID)
}

func TestExitCodeMapping(t *testing.T) {
	require.Equal(t, ExitOK, ExitCodeFor(nil))
	require.Equal(t, ExitUserErr, ExitCodeFor(ErrNotFound))
	require.Equal(t, ExitUserErr, ExitCodeFor(&AmbiguousError{Selector: "x"}))
	require.Equal(t, ExitUserErr, ExitCodeFor(reposrc.ErrInvalidURL))
	require.Equal(t, ExitUserErr, ExitCodeFor(worktree.ErrBranchExists))
	require.Equal(t, ExitEnvErr, ExitCodeFor(ErrNoMultiplexer))
	require.Equal(t, ExitEnvErr, ExitCodeFor(ErrNoContainerRuntime))
	require.Equal(t, ExitInternal, ExitCodeFor(errors.New("boom")))
}
