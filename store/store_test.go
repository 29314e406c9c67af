package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestLoadFromMissingFileIsEmpty(t *testing.T) {
	s, err := LoadFrom(filepath.Join(t.TempDir(), "sessions.json"))
	require.NoError(t, err)
	require.Empty(t, s.Sessions)
}

func TestUpsertSameKeyNeverIncreasesCount(t *testing.T) {
	s, err := LoadFrom(filepath.Join(t.TempDir(), "sessions.json"))
	require.NoError(t, err)

	m := Metadata{SessionID: uuid.New(), MultiplexerSessionName: "tmux_foo", CreatedAt: time.Now()}
	s.Upsert(m)
	require.Len(t, s.Sessions, 1)

	m.WorktreePath = "/changed"
	s.Upsert(m)
	require.Len(t, s.Sessions, 1)
	require.Equal(t, "/changed", s.Sessions["tmux_foo"].WorktreePath)
}

func TestUpsertNewKeyIncreasesCountByOne(t *testing.T) {
	s, err := LoadFrom(filepath.Join(t.TempDir(), "sessions.json"))
	require.NoError(t, err)

	s.Upsert(Metadata{SessionID: uuid.New(), MultiplexerSessionName: "tmux_a"})
	s.Upsert(Metadata{SessionID: uuid.New(), MultiplexerSessionName: "tmux_b"})
	require.Len(t, s.Sessions, 2)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s, err := LoadFrom(path)
	require.NoError(t, err)

	id := uuid.New()
	s.Upsert(Metadata{
		SessionID:              id,
		MultiplexerSessionName: "tmux_roundtrip",
		WorktreePath:           "/tmp/wt",
		WorkspaceName:          "demo",
		CreatedAt:              time.Now().UTC().Truncate(time.Second),
	})
	require.NoError(t, s.Save())

	reloaded, err := LoadFrom(path)
	require.NoError(t, err)
	require.Equal(t, s.Sessions, reloaded.Sessions)
}

func TestRemoveByKeyIdempotent(t *testing.T) {
	s, err := LoadFrom(filepath.Join(t.TempDir(), "sessions.json"))
	require.NoError(t, err)

	s.Upsert(Metadata{SessionID: uuid.New(), MultiplexerSessionName: "tmux_x"})
	s.RemoveByKey("tmux_x")
	require.Empty(t, s.Sessions)
	s.RemoveByKey("tmux_x")
	require.Empty(t, s.Sessions)
}

func TestRemoveBySessionIDFindsAcrossKeys(t *testing.T) {
	s, err := LoadFrom(filepath.Join(t.TempDir(), "sessions.json"))
	require.NoError(t, err)

	id := uuid.New()
	s.Upsert(Metadata{SessionID: id, MultiplexerSessionName: "tmux_y"})
	s.RemoveBySessionID(id)
	require.Empty(t, s.Sessions)
}

func TestWithLockAtPersistsMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.json")
	id := uuid.New()

	err := WithLockAt(path, func(s *Store) error {
		s.Upsert(Metadata{SessionID: id, MultiplexerSessionName: "tmux_locked"})
		return nil
	})
	require.NoError(t, err)

	reloaded, err := LoadFrom(path)
	require.NoError(t, err)
	m, ok := reloaded.Get("tmux_locked")
	require.True(t, ok)
	require.Equal(t, id, m.SessionID)
}

func TestCorruptFileLoadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s, err := LoadFrom(path)
	require.NoError(t, err)
	require.Empty(t, s.Sessions)
}
