package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verayang01/chatd/config"
	"github.com/verayang01/chatd/consts"
	"github.com/verayang01/chatd/pkg/circuitbreaker"
	"github.com/verayang01/chatd/store"
)

// allBytes returns every byte value once, which is not valid UTF-8.
func allBytes() string {
	b := make([]byte, 256)
	for i := range b {
		b[i] = byte(i)
	}
	return string(b)
}

func sampleStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New()
	_, err := s.Login("alice", "pw")
	require.NoError(t, err)
	_, err = s.Login("bob", "pw2")
	require.NoError(t, err)
	_, err = s.Login("carol", "pw3")
	require.NoError(t, err)
	_, err = s.SendMessage("alice", "bob", "hi\x00there\n")
	require.NoError(t, err)
	_, err = s.SendMessage("carol", "bob", "")
	require.NoError(t, err)
	_, err = s.SendMessage("bob", "alice", "ünïcödé")
	require.NoError(t, err)
	_, err = s.SendMessage("\xff\xfeeve", "carol", allBytes())
	require.NoError(t, err)
	_, err = s.Login("d\xc3\x28ve", allBytes())
	require.NoError(t, err)
	_, err = s.ReadUnreadMessages("bob", 1)
	require.NoError(t, err)
	return s
}

// roundTrip saves a snapshot of s through p, loads it back and restores it
// into a fresh store, which must verify and match the original.
func roundTrip(t *testing.T, p store.Persister, s *store.Store) {
	t.Helper()
	ctx := context.Background()

	snap := s.Snapshot()
	require.NoError(t, p.Save(ctx, snap))

	loaded, err := p.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, loaded.Verify())
	assert.Equal(t, snap.Checksum, loaded.Checksum)

	restored := store.New()
	require.NoError(t, restored.Restore(loaded))
	for _, name := range s.ListAccounts("") {
		want, err := s.ReadMessages(name)
		require.NoError(t, err)
		got, err := restored.ReadMessages(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, "mailbox %s", name)
	}
	assert.Equal(t, s.ListAccounts(""), restored.ListAccounts(""))
}

func TestFilePersisterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chatd.json")
	p, err := NewFilePersister(path)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Load(context.Background())
	assert.ErrorIs(t, err, consts.ErrSnapshotNotFound)

	roundTrip(t, p, sampleStore(t))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
	assert.Equal(t, "chatd.json", entries[0].Name())
}

func TestFilePersisterOverwrites(t *testing.T) {
	p, err := NewFilePersister(filepath.Join(t.TempDir(), "chatd.json"))
	require.NoError(t, err)

	s := sampleStore(t)
	roundTrip(t, p, s)
	require.NoError(t, s.DeleteAccount("carol"))
	roundTrip(t, p, s)

	loaded, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, loaded.Accounts, "carol")
}

func TestFilePersisterCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatd.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	p, err := NewFilePersister(path)
	require.NoError(t, err)

	_, err = p.Load(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, consts.ErrSnapshotNotFound)
}

func TestFilePersisterRejectsEmptyPath(t *testing.T) {
	_, err := NewFilePersister("")
	assert.Error(t, err)
}

func TestSQLitePersisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chatd.db")
	p, err := NewSQLitePersister(ctx, path)
	require.NoError(t, err)

	_, err = p.Load(ctx)
	assert.ErrorIs(t, err, consts.ErrSnapshotNotFound)

	s := sampleStore(t)
	roundTrip(t, p, s)

	require.NoError(t, s.DeleteMessage("bob", "alice", "hi\x00there\n", 0))
	require.NoError(t, s.DeleteAccount("carol"))
	roundTrip(t, p, s)
	require.NoError(t, p.Close())

	// Data survives reopening the database.
	reopened, err := NewSQLitePersister(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()
	loaded, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, loaded.Verify())
	assert.Len(t, loaded.Accounts, 2)
	assert.Len(t, loaded.Accounts["bob"].Messages, 1)
}

func TestSQLitePersisterEmptyAccounts(t *testing.T) {
	ctx := context.Background()
	p, err := NewSQLitePersister(ctx, filepath.Join(t.TempDir(), "chatd.db"))
	require.NoError(t, err)
	defer p.Close()

	s := store.New()
	require.NoError(t, s.CreateAccount("lonely", "pw"))
	roundTrip(t, p, s)
}

func TestStoreOpenWithFileBackend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chatd.json")

	p, err := New(ctx, config.StorageConfig{Backend: config.BackendFile, File: config.FileStorageConfig{Path: path}})
	require.NoError(t, err)
	s, err := store.Open(ctx, p, store.Options{})
	require.NoError(t, err)
	_, err = s.Login("alice", "pw")
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	p2, err := NewFilePersister(path)
	require.NoError(t, err)
	s2, err := store.Open(ctx, p2, store.Options{})
	require.NoError(t, err)
	defer s2.Close(ctx)
	assert.NoError(t, s2.Authenticate("alice", "pw"))
}

func TestStoreReopensWithBinaryContent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chatd.json")

	p, err := NewFilePersister(path)
	require.NoError(t, err)
	s, err := store.Open(ctx, p, store.Options{})
	require.NoError(t, err)
	_, err = s.Login("bob", "pw")
	require.NoError(t, err)
	_, err = s.Login("m\xe9lanie", "\x80pw")
	require.NoError(t, err)
	_, err = s.SendMessage("\xffalice", "bob", allBytes())
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	p2, err := NewFilePersister(path)
	require.NoError(t, err)
	s2, err := store.Open(ctx, p2, store.Options{})
	require.NoError(t, err)
	defer s2.Close(ctx)

	assert.NoError(t, s2.Authenticate("m\xe9lanie", "\x80pw"))
	msgs, err := s2.ReadMessages("bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "\xffalice", msgs[0].Sender)
	assert.Equal(t, allBytes(), msgs[0].Content)
}

func TestNewBackendSelection(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, config.StorageConfig{Backend: config.BackendMemory})
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = New(ctx, config.StorageConfig{Backend: config.BackendSQLite, SQLite: config.SQLiteStorageConfig{Path: filepath.Join(t.TempDir(), "x.db")}})
	require.NoError(t, err)
	assert.IsType(t, &SQLitePersister{}, p)
	require.NoError(t, p.Close())

	_, err = New(ctx, config.StorageConfig{Backend: "tape"})
	assert.Error(t, err)
}

// failingPersister fails every call with err.
type failingPersister struct {
	err   error
	calls int
}

func (f *failingPersister) Load(context.Context) (*store.Snapshot, error) {
	f.calls++
	return nil, f.err
}

func (f *failingPersister) Save(context.Context, *store.Snapshot) error {
	f.calls++
	return f.err
}

func (f *failingPersister) Close() error { return nil }

func TestGuardOpensAfterFailures(t *testing.T) {
	inner := &failingPersister{err: errors.New("connection refused")}
	g := Guard(inner, circuitbreaker.Settings{
		Name:        "test",
		Timeout:     time.Hour,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	ctx := context.Background()
	snap := store.New().Snapshot()

	assert.Error(t, g.Save(ctx, snap))
	assert.Error(t, g.Save(ctx, snap))
	assert.Equal(t, circuitbreaker.StateOpen, g.State())

	assert.ErrorIs(t, g.Save(ctx, snap), circuitbreaker.ErrOpen)
	_, err := g.Load(ctx)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, inner.calls)
}

func TestGuardPassesThrough(t *testing.T) {
	p, err := NewFilePersister(filepath.Join(t.TempDir(), "chatd.json"))
	require.NoError(t, err)
	g := Guard(p, circuitbreaker.DefaultSettings("file"))

	_, err = g.Load(context.Background())
	assert.ErrorIs(t, err, consts.ErrSnapshotNotFound)
	roundTrip(t, g, sampleStore(t))
	assert.NoError(t, g.Close())
}
