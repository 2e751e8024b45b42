package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/verayang01/chatd/consts"
	"github.com/verayang01/chatd/pkg/metrics"
	"lukechampine.com/blake3"
)

// SnapshotFormat is bumped whenever the persisted layout changes.
// Format 2 stores every user-supplied string as raw bytes.
const SnapshotFormat = 2

// Snapshot is the persisted form of the whole store: a mapping from
// username to password and ordered mailbox.
//
// Usernames, passwords, senders and contents may hold any byte value, so
// the JSON form carries them as base64 byte strings rather than JSON text,
// which would replace invalid UTF-8.
type Snapshot struct {
	Format   int
	SavedAt  time.Time
	Checksum string
	Accounts map[string]AccountRecord
}

type AccountRecord struct {
	Password string
	Messages []MessageRecord
}

type MessageRecord struct {
	ID      string
	Sender  string
	Content string
	Read    bool
	SentAt  time.Time
}

// legacyFormat is the text layout, where accounts were a JSON object keyed
// by username and every field was a JSON string.
const legacyFormat = 1

type snapshotJSON struct {
	Format   int           `json:"format"`
	SavedAt  time.Time     `json:"saved_at"`
	Checksum string        `json:"checksum"`
	Accounts []accountJSON `json:"accounts"`
}

type legacySnapshotJSON struct {
	SavedAt  time.Time `json:"saved_at"`
	Accounts map[string]struct {
		Password string `json:"password"`
		Messages []struct {
			ID      string    `json:"id"`
			Sender  string    `json:"sender"`
			Content string    `json:"content"`
			Read    bool      `json:"read"`
			SentAt  time.Time `json:"sent_at"`
		} `json:"messages"`
	} `json:"accounts"`
}

type accountJSON struct {
	Username []byte        `json:"username"`
	Password []byte        `json:"password"`
	Messages []messageJSON `json:"messages"`
}

type messageJSON struct {
	ID      string    `json:"id"`
	Sender  []byte    `json:"sender"`
	Content []byte    `json:"content"`
	Read    bool      `json:"read"`
	SentAt  time.Time `json:"sent_at"`
}

// accountList returns the accounts sorted by username in their byte form.
// Timestamps are normalized when normalize is set.
func (snap Snapshot) accountList(normalize bool) []accountJSON {
	names := make([]string, 0, len(snap.Accounts))
	for name := range snap.Accounts {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]accountJSON, len(names))
	for i, name := range names {
		rec := snap.Accounts[name]
		msgs := make([]messageJSON, len(rec.Messages))
		for j, m := range rec.Messages {
			sentAt := m.SentAt
			if normalize {
				sentAt = normalizeTime(sentAt)
			}
			msgs[j] = messageJSON{ID: m.ID, Sender: []byte(m.Sender), Content: []byte(m.Content), Read: m.Read, SentAt: sentAt}
		}
		out[i] = accountJSON{Username: []byte(name), Password: []byte(rec.Password), Messages: msgs}
	}
	return out
}

func (snap Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		Format:   snap.Format,
		SavedAt:  snap.SavedAt,
		Checksum: snap.Checksum,
		Accounts: snap.accountList(false),
	})
}

func (snap *Snapshot) UnmarshalJSON(data []byte) error {
	var head struct {
		Format int `json:"format"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	if head.Format == legacyFormat {
		return snap.unmarshalLegacy(data)
	}

	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	snap.Format = raw.Format
	snap.SavedAt = raw.SavedAt
	snap.Checksum = raw.Checksum
	snap.Accounts = make(map[string]AccountRecord, len(raw.Accounts))
	for _, a := range raw.Accounts {
		name := string(a.Username)
		if _, dup := snap.Accounts[name]; dup {
			return fmt.Errorf("duplicate account %q in snapshot", name)
		}
		rec := AccountRecord{Password: string(a.Password), Messages: make([]MessageRecord, len(a.Messages))}
		for i, m := range a.Messages {
			rec.Messages[i] = MessageRecord{ID: m.ID, Sender: string(m.Sender), Content: string(m.Content), Read: m.Read, SentAt: m.SentAt}
		}
		snap.Accounts[name] = rec
	}
	return nil
}

// unmarshalLegacy reads the text layout and upgrades it in place. Its
// strings are already valid UTF-8, so the upgraded snapshot is resealed.
func (snap *Snapshot) unmarshalLegacy(data []byte) error {
	var raw legacySnapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	snap.Format = legacyFormat
	snap.SavedAt = raw.SavedAt
	snap.Accounts = make(map[string]AccountRecord, len(raw.Accounts))
	for name, a := range raw.Accounts {
		rec := AccountRecord{Password: a.Password, Messages: make([]MessageRecord, len(a.Messages))}
		for i, m := range a.Messages {
			rec.Messages[i] = MessageRecord{ID: m.ID, Sender: m.Sender, Content: m.Content, Read: m.Read, SentAt: m.SentAt}
		}
		snap.Accounts[name] = rec
	}
	snap.Upgrade()
	return nil
}

// Upgrade moves a snapshot read in an older format to the current one.
// Backends that store rows rather than a sealed blob call it after Load.
func (snap *Snapshot) Upgrade() {
	if snap.Format >= SnapshotFormat {
		return
	}
	snap.Format = SnapshotFormat
	snap.Seal()
}

// Snapshot copies the current state. Accounts are locked one at a time, so
// the result is consistent per mailbox but not across mailboxes.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	snap := &Snapshot{
		Format:   SnapshotFormat,
		SavedAt:  s.now().UTC(),
		Accounts: make(map[string]AccountRecord, len(s.accounts)),
	}
	for name, a := range s.accounts {
		a.mu.Lock()
		rec := AccountRecord{Password: a.password, Messages: make([]MessageRecord, len(a.mailbox))}
		for i, m := range a.mailbox {
			rec.Messages[i] = MessageRecord{ID: m.id, Sender: m.sender, Content: m.content, Read: m.read, SentAt: m.sentAt}
		}
		a.mu.Unlock()
		snap.Accounts[name] = rec
	}
	s.mu.RUnlock()

	snap.Seal()
	return snap
}

// Restore replaces the store contents with snap after verifying its
// checksum. Messages saved without an id are given one.
func (s *Store) Restore(snap *Snapshot) error {
	if snap.Format != SnapshotFormat {
		return fmt.Errorf("unsupported snapshot format %d", snap.Format)
	}
	if err := snap.Verify(); err != nil {
		return err
	}

	accounts := make(map[string]*account, len(snap.Accounts))
	for name, rec := range snap.Accounts {
		a := &account{username: name, password: rec.Password, mailbox: make([]message, len(rec.Messages))}
		for i, m := range rec.Messages {
			id := m.ID
			if id == "" {
				id = uuid.NewString()
			}
			a.mailbox[i] = message{id: id, sender: m.Sender, content: m.Content, read: m.Read, sentAt: normalizeTime(m.SentAt)}
		}
		accounts[name] = a
	}

	s.mu.Lock()
	s.accounts = accounts
	s.mu.Unlock()

	metrics.AccountsCurrent.Set(float64(len(accounts)))
	return nil
}

// Seal computes and stores the checksum.
func (snap *Snapshot) Seal() {
	snap.Checksum = snap.computeChecksum()
}

// Verify checks the stored checksum against the contents.
func (snap *Snapshot) Verify() error {
	if got := snap.computeChecksum(); got != snap.Checksum {
		return fmt.Errorf("%w: have %s, computed %s", consts.ErrSnapshotChecksum, snap.Checksum, got)
	}
	return nil
}

// computeChecksum hashes the canonical JSON of the accounts: sorted by
// username, byte fields in base64. Timestamps are normalized first so
// backends that round them to microseconds or return them in another zone
// still verify.
func (snap *Snapshot) computeChecksum() string {
	data, err := json.Marshal(snap.accountList(true))
	if err != nil {
		// Only byte slices, strings, bools and times are marshalled.
		panic(fmt.Sprintf("snapshot checksum: %v", err))
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
