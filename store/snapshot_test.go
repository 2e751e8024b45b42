package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verayang01/chatd/consts"
)

// mockPersister keeps the last saved snapshot in memory. Func fields override
// the default behaviour.
type mockPersister struct {
	mu    sync.Mutex
	snap  *Snapshot
	saves int

	LoadFunc  func(ctx context.Context) (*Snapshot, error)
	SaveFunc  func(ctx context.Context, snap *Snapshot) error
	CloseFunc func() error
}

func (m *mockPersister) Load(ctx context.Context) (*Snapshot, error) {
	if m.LoadFunc != nil {
		return m.LoadFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil, consts.ErrSnapshotNotFound
	}
	return m.snap, nil
}

func (m *mockPersister) Save(ctx context.Context, snap *Snapshot) error {
	if m.SaveFunc != nil {
		if err := m.SaveFunc(ctx, snap); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	m.saves++
	return nil
}

func (m *mockPersister) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *mockPersister) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.Login("alice", "pw")
	require.NoError(t, err)
	_, err = s.Login("bob", "pw2")
	require.NoError(t, err)
	_, err = s.SendMessage("alice", "bob", "hi")
	require.NoError(t, err)
	_, err = s.SendMessage("alice", "bob", "there")
	require.NoError(t, err)
	_, err = s.ReadUnreadMessages("bob", 1)
	require.NoError(t, err)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	src := New()
	seed(t, src)

	snap := src.Snapshot()
	require.NoError(t, snap.Verify())
	assert.Equal(t, SnapshotFormat, snap.Format)
	assert.Len(t, snap.Accounts, 2)

	dst := New()
	require.NoError(t, dst.Restore(snap))

	want, err := src.ReadMessages("bob")
	require.NoError(t, err)
	got, err := dst.ReadMessages("bob")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NoError(t, dst.Authenticate("alice", "pw"))
}

func TestSnapshotChecksumTamper(t *testing.T) {
	s := New()
	seed(t, s)
	snap := s.Snapshot()

	rec := snap.Accounts["bob"]
	rec.Messages[0].Content = "forged"
	snap.Accounts["bob"] = rec

	err := New().Restore(snap)
	assert.ErrorIs(t, err, consts.ErrSnapshotChecksum)
}

func TestSnapshotChecksumIgnoresTimeZone(t *testing.T) {
	s := New()
	seed(t, s)
	snap := s.Snapshot()

	rec := snap.Accounts["bob"]
	loc := time.FixedZone("UTC+3", 3*3600)
	for i := range rec.Messages {
		rec.Messages[i].SentAt = rec.Messages[i].SentAt.In(loc)
	}
	assert.NoError(t, snap.Verify())
}

func TestSnapshotJSONKeepsInvalidUTF8(t *testing.T) {
	raw := make([]byte, 256)
	for i := range raw {
		raw[i] = byte(i)
	}
	name := "b\xffo\xfeb"
	sender := "\xc3\x28alice"

	s := New()
	require.NoError(t, s.CreateAccount(name, string(raw)))
	require.NoError(t, s.CreateAccount(sender, "pw"))
	_, err := s.SendMessage(sender, name, string(raw))
	require.NoError(t, err)

	data, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NoError(t, decoded.Verify())

	restored := New()
	require.NoError(t, restored.Restore(&decoded))
	require.NoError(t, restored.Authenticate(name, string(raw)))
	msgs, err := restored.ReadMessages(name)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, sender, msgs[0].Sender)
	assert.Equal(t, string(raw), msgs[0].Content)
}

func TestSnapshotJSONRejectsDuplicateAccounts(t *testing.T) {
	data := []byte(`{"format":2,"accounts":[{"username":"Ym9i","password":""},{"username":"Ym9i","password":""}]}`)
	var snap Snapshot
	assert.ErrorContains(t, json.Unmarshal(data, &snap), "duplicate account")
}

func TestSnapshotJSONUpgradesTextLayout(t *testing.T) {
	data := []byte(`{
		"format": 1,
		"saved_at": "2024-03-01T12:00:00Z",
		"checksum": "stale",
		"accounts": {
			"bob": {"password": "pw", "messages": [
				{"id": "", "sender": "alice", "content": "hi", "read": false, "sent_at": "2024-03-01T11:00:00Z"}
			]}
		}
	}`)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, SnapshotFormat, snap.Format)
	require.NoError(t, snap.Verify())

	s := New()
	require.NoError(t, s.Restore(&snap))
	msgs, err := s.GetUnreadMessages("bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice:hi"}, contents(msgs))
}

func TestRestoreRejectsUnknownFormat(t *testing.T) {
	snap := New().Snapshot()
	snap.Format = SnapshotFormat + 1
	assert.Error(t, New().Restore(snap))
}

func TestRestoreAssignsMissingIDs(t *testing.T) {
	snap := &Snapshot{
		Format: SnapshotFormat,
		Accounts: map[string]AccountRecord{
			"bob": {Password: "pw", Messages: []MessageRecord{{Sender: "alice", Content: "legacy"}}},
		},
	}
	snap.Seal()

	s := New()
	require.NoError(t, s.Restore(snap))
	msgs, err := s.ReadMessages("bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.NotEmpty(t, msgs[0].ID)
}

func TestOpenRestoresAndCloseFlushes(t *testing.T) {
	ctx := context.Background()
	p := &mockPersister{}

	s, err := Open(ctx, p, Options{})
	require.NoError(t, err)
	seed(t, s)
	require.NoError(t, s.Close(ctx))
	require.Equal(t, 1, p.saveCount())

	// Closing twice is harmless.
	require.NoError(t, s.Close(ctx))
	assert.ErrorIs(t, s.Flush(ctx), consts.ErrStoreClosed)

	reopened, err := Open(ctx, p, Options{})
	require.NoError(t, err)
	msgs, err := reopened.GetUnreadMessages("bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice:there"}, contents(msgs))

	// Nothing changed, so closing does not write again.
	require.NoError(t, reopened.Close(ctx))
	assert.Equal(t, 1, p.saveCount())
}

func TestOpenLoadFailure(t *testing.T) {
	p := &mockPersister{LoadFunc: func(context.Context) (*Snapshot, error) {
		return nil, errors.New("disk on fire")
	}}
	_, err := Open(context.Background(), p, Options{})
	assert.ErrorContains(t, err, "disk on fire")
}

func TestFlushSkipsUnchangedState(t *testing.T) {
	ctx := context.Background()
	p := &mockPersister{}
	s, err := Open(ctx, p, Options{})
	require.NoError(t, err)

	require.NoError(t, s.CreateAccount("bob", "pw"))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 1, p.saveCount())

	// A read that marks nothing does not change the checksum.
	_, err = s.ReadUnreadMessages("bob", 0)
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 1, p.saveCount())

	// A create followed by a delete bumps the version but leaves the same data.
	require.NoError(t, s.CreateAccount("tmp", "pw"))
	require.NoError(t, s.DeleteAccount("tmp"))
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 1, p.saveCount())
}

func TestFlushFailureIsRetriedOnNextFlush(t *testing.T) {
	ctx := context.Background()
	fail := true
	p := &mockPersister{}
	p.SaveFunc = func(context.Context, *Snapshot) error {
		if fail {
			return errors.New("backend unavailable")
		}
		return nil
	}
	s, err := Open(ctx, p, Options{})
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount("bob", "pw"))

	assert.Error(t, s.Flush(ctx))
	assert.Equal(t, 0, p.saveCount())

	fail = false
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 1, p.saveCount())
}

func TestMemoryStoreFlushIsNoop(t *testing.T) {
	s := New()
	require.NoError(t, s.CreateAccount("bob", "pw"))
	assert.NoError(t, s.Flush(context.Background()))
	assert.NoError(t, s.Close(context.Background()))
}
