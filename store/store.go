// Package store holds the chatd accounts and mailboxes.
//
// The Store is the only mutator of account and message state. Every
// operation works on in-memory data and returns copies, so no caller keeps a
// live reference to a mailbox across calls.
//
// # Locking
//
// A table RWMutex guards the username to account map and each account has
// its own mutex guarding its mailbox. The table lock is always taken before
// an account lock, never the other way round. No operation needs two
// account locks at once: SendMessage only touches the recipient.
//
// # Persistence
//
// A Store opened with a Persister loads the last snapshot at startup. Every
// mutation bumps a version counter and pokes the Flusher, which writes a new
// snapshot outside of all store locks. Close performs a final flush.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/verayang01/chatd/consts"
	"github.com/verayang01/chatd/logger"
	"github.com/verayang01/chatd/pkg/metrics"
	"github.com/verayang01/chatd/pkg/retry"
	"golang.org/x/text/cases"
)

// Message is a copy of one mailbox entry. Position is its index in the
// recipient's full mailbox at the time the copy was taken.
type Message struct {
	ID        string
	Sender    string
	Recipient string
	Content   string
	Read      bool
	SentAt    time.Time
	Position  int
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Accounts int `json:"accounts"`
	Messages int `json:"messages"`
	Unread   int `json:"unread"`
}

type message struct {
	id      string
	sender  string
	content string
	read    bool
	sentAt  time.Time
}

type account struct {
	mu       sync.Mutex
	username string
	password string
	mailbox  []message
	deleted  bool
}

// Persister saves and loads whole-store snapshots. Load returns
// consts.ErrSnapshotNotFound when nothing has been saved yet.
type Persister interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}

// Options tunes a Store opened with a Persister.
type Options struct {
	// FlushInterval is how often the flusher checks for unsaved changes.
	// Zero disables the background flusher; Flush and Close still save.
	FlushInterval time.Duration
	// FlushDebounce delays a flush triggered by a mutation so bursts of
	// writes produce a single snapshot.
	FlushDebounce time.Duration
	// Retry controls how a failed save is retried before it is logged.
	Retry retry.BackoffConfig
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

type Store struct {
	mu       sync.RWMutex
	accounts map[string]*account

	version  atomic.Uint64
	notifyCh chan struct{}
	now      func() time.Time

	persister       Persister
	flusher         *Flusher
	flushMu         sync.Mutex
	flushedVersion  uint64
	flushedChecksum string
	closed          atomic.Bool
}

// New returns an empty, memory-only store.
func New() *Store {
	return &Store{
		accounts: make(map[string]*account),
		notifyCh: make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Open creates a store backed by p, restoring the last saved snapshot if
// there is one, and starts the background flusher.
func Open(ctx context.Context, p Persister, opts Options) (*Store, error) {
	s := New()
	if opts.Clock != nil {
		s.now = opts.Clock
	}
	s.persister = p

	snap, err := p.Load(ctx)
	switch {
	case errors.Is(err, consts.ErrSnapshotNotFound):
		logger.Info("Store: no snapshot found, starting empty")
	case err != nil:
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	default:
		if err := s.Restore(snap); err != nil {
			return nil, err
		}
		s.flushedChecksum = snap.Checksum
		logger.Info("Store: snapshot restored", "accounts", len(snap.Accounts), "checksum", snap.Checksum)
	}

	if opts.FlushInterval > 0 {
		backoff := opts.Retry
		if backoff.MaxRetries == 0 && backoff.InitialInterval == 0 {
			backoff = retry.DefaultBackoffConfig()
		}
		s.flusher = NewFlusher(s, opts.FlushInterval, opts.FlushDebounce, s.notifyCh, backoff)
		s.flusher.Start(ctx)
	}
	return s, nil
}

// Notify returns the channel that receives a signal after mutations.
func (s *Store) Notify() <-chan struct{} {
	return s.notifyCh
}

// Version counts mutations since the store was created.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

func (s *Store) changed() {
	s.version.Add(1)
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

func (s *Store) lookup(username string) *account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[username]
}

// withAccount runs fn with the account lock held. A deleted account is
// reported as missing.
func (s *Store) withAccount(username string, missing error, fn func(a *account) error) error {
	a := s.lookup(username)
	if a == nil {
		return missing
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleted {
		return missing
	}
	return fn(a)
}

// HasAccount reports whether username currently has an account.
func (s *Store) HasAccount(username string) bool {
	return s.withAccount(username, consts.ErrAccountNotFound, func(*account) error { return nil }) == nil
}

func validUsername(username string) error {
	if username == "" {
		return fmt.Errorf("%w: username must not be empty", consts.ErrInvalidUsername)
	}
	return nil
}

// Login authenticates username, creating the account on first use. created
// reports whether a new account was made.
func (s *Store) Login(username, password string) (created bool, err error) {
	if err := validUsername(username); err != nil {
		return false, err
	}
	for {
		a := s.lookup(username)
		if a == nil {
			s.mu.Lock()
			if _, exists := s.accounts[username]; !exists {
				s.accounts[username] = &account{username: username, password: password}
				n := len(s.accounts)
				s.mu.Unlock()
				metrics.AccountsCurrent.Set(float64(n))
				s.changed()
				return true, nil
			}
			s.mu.Unlock()
			continue
		}

		a.mu.Lock()
		deleted, match := a.deleted, a.password == password
		a.mu.Unlock()
		if deleted {
			// Lost a race with DeleteAccount; the next lookup will not see it.
			continue
		}
		if !match {
			return false, consts.ErrAuthenticationFailed
		}
		return false, nil
	}
}

// CreateAccount adds a new account and fails if the name is taken.
func (s *Store) CreateAccount(username, password string) error {
	if err := validUsername(username); err != nil {
		return err
	}
	s.mu.Lock()
	if _, exists := s.accounts[username]; exists {
		s.mu.Unlock()
		return consts.ErrAccountExists
	}
	s.accounts[username] = &account{username: username, password: password}
	n := len(s.accounts)
	s.mu.Unlock()

	metrics.AccountsCurrent.Set(float64(n))
	s.changed()
	return nil
}

// Authenticate checks credentials without creating anything.
func (s *Store) Authenticate(username, password string) error {
	return s.withAccount(username, consts.ErrAuthenticationFailed, func(a *account) error {
		if a.password != password {
			return consts.ErrAuthenticationFailed
		}
		return nil
	})
}

// SendMessage appends an unread message to the recipient's mailbox. The
// sender is not required to have an account.
func (s *Store) SendMessage(sender, recipient, text string) (Message, error) {
	var out Message
	err := s.withAccount(recipient, consts.ErrRecipientNotFound, func(a *account) error {
		m := message{
			id:      uuid.NewString(),
			sender:  sender,
			content: text,
			sentAt:  s.now().UTC().Truncate(time.Microsecond),
		}
		a.mailbox = append(a.mailbox, m)
		out = m.export(recipient, len(a.mailbox)-1)
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	metrics.MessagesSent.Inc()
	s.changed()
	return out, nil
}

// GetUnreadMessages lists unread messages in mailbox order without marking
// them read.
func (s *Store) GetUnreadMessages(username string) ([]Message, error) {
	var out []Message
	err := s.withAccount(username, consts.ErrAccountNotFound, func(a *account) error {
		out = make([]Message, 0)
		for i, m := range a.mailbox {
			if !m.read {
				out = append(out, m.export(username, i))
			}
		}
		return nil
	})
	return out, err
}

// ReadUnreadMessages returns up to perPage of the oldest unread messages
// and marks them read in the same critical section. perPage <= 0 drains
// every unread message.
func (s *Store) ReadUnreadMessages(username string, perPage int) ([]Message, error) {
	return s.ReadUnreadMessagesWhile(username, perPage, nil)
}

// ReadUnreadMessagesWhile is ReadUnreadMessages that also stops at the
// first unread message keep rejects. That message and everything after it
// stay unread. A nil keep accepts everything.
func (s *Store) ReadUnreadMessagesWhile(username string, perPage int, keep func(Message) bool) ([]Message, error) {
	var out []Message
	err := s.withAccount(username, consts.ErrAccountNotFound, func(a *account) error {
		out = make([]Message, 0)
		for i := range a.mailbox {
			if perPage > 0 && len(out) >= perPage {
				break
			}
			if a.mailbox[i].read {
				continue
			}
			m := a.mailbox[i].export(username, i)
			if keep != nil && !keep(m) {
				break
			}
			a.mailbox[i].read = true
			m.Read = true
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		metrics.MessagesRead.Add(float64(len(out)))
		s.changed()
	}
	return out, nil
}

// ReadMessages returns the whole mailbox, read and unread, in order.
func (s *Store) ReadMessages(username string) ([]Message, error) {
	var out []Message
	err := s.withAccount(username, consts.ErrAccountNotFound, func(a *account) error {
		out = make([]Message, len(a.mailbox))
		for i, m := range a.mailbox {
			out[i] = m.export(username, i)
		}
		return nil
	})
	return out, err
}

// ListAccounts returns the sorted usernames containing query, compared
// under Unicode case folding. An empty query matches every account.
func (s *Store) ListAccounts(query string) []string {
	folder := cases.Fold()
	q := folder.String(query)

	s.mu.RLock()
	out := make([]string, 0, len(s.accounts))
	for name := range s.accounts {
		if q == "" || strings.Contains(folder.String(name), q) {
			out = append(out, name)
		}
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

// DeleteMessage removes the message at idx in the full mailbox, provided
// its sender and content still match. Later messages shift down by one.
func (s *Store) DeleteMessage(username, sender, text string, idx int) error {
	err := s.withAccount(username, consts.ErrAccountNotFound, func(a *account) error {
		if idx < 0 || idx >= len(a.mailbox) {
			return fmt.Errorf("%w: position %d out of range", consts.ErrMessageNotFound, idx)
		}
		m := a.mailbox[idx]
		if m.sender != sender || m.content != text {
			return fmt.Errorf("%w: position %d holds a different message", consts.ErrMessageNotFound, idx)
		}
		a.mailbox = append(a.mailbox[:idx], a.mailbox[idx+1:]...)
		return nil
	})
	if err != nil {
		return err
	}
	s.changed()
	return nil
}

// DeleteAccount removes the account and its mailbox. Messages it sent to
// other accounts stay where they are.
func (s *Store) DeleteAccount(username string) error {
	s.mu.Lock()
	a, ok := s.accounts[username]
	if !ok {
		s.mu.Unlock()
		return consts.ErrAccountNotFound
	}
	delete(s.accounts, username)
	n := len(s.accounts)
	a.mu.Lock()
	a.deleted = true
	a.mailbox = nil
	a.mu.Unlock()
	s.mu.Unlock()

	metrics.AccountsCurrent.Set(float64(n))
	s.changed()
	return nil
}

// Stats counts accounts, messages and unread messages.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Accounts: len(s.accounts)}
	for _, a := range s.accounts {
		a.mu.Lock()
		st.Messages += len(a.mailbox)
		for _, m := range a.mailbox {
			if !m.read {
				st.Unread++
			}
		}
		a.mu.Unlock()
	}
	return st
}

// MetricsStats adapts Stats for the metrics collector.
func (s *Store) MetricsStats() metrics.StoreStats {
	st := s.Stats()
	return metrics.StoreStats{Accounts: st.Accounts, Messages: st.Messages, Unread: st.Unread}
}

// Flush saves a snapshot if anything changed since the last successful
// save. It is safe to call concurrently with every other operation.
func (s *Store) Flush(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	if s.closed.Load() {
		return consts.ErrStoreClosed
	}
	return s.flush(ctx)
}

func (s *Store) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	v := s.version.Load()
	if v == s.flushedVersion {
		return nil
	}
	snap := s.Snapshot()
	if snap.Checksum == s.flushedChecksum {
		s.flushedVersion = v
		return nil
	}

	start := time.Now()
	if err := s.persister.Save(ctx, snap); err != nil {
		metrics.SnapshotFlushes.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	metrics.SnapshotFlushes.WithLabelValues("success").Inc()
	metrics.SnapshotFlushDuration.Observe(time.Since(start).Seconds())

	s.flushedVersion = v
	s.flushedChecksum = snap.Checksum
	logger.Debug("Store: snapshot saved", "version", v, "accounts", len(snap.Accounts), "checksum", snap.Checksum)
	return nil
}

// Close stops the flusher, writes a final snapshot and releases the
// persister. The in-memory data stays readable.
func (s *Store) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.flusher != nil {
		s.flusher.Stop()
	}
	if s.persister == nil {
		return nil
	}
	flushErr := s.flush(ctx)
	if err := s.persister.Close(); err != nil && flushErr == nil {
		return fmt.Errorf("failed to close persister: %w", err)
	}
	return flushErr
}

func (m message) export(recipient string, pos int) Message {
	return Message{
		ID:        m.id,
		Sender:    m.sender,
		Recipient: recipient,
		Content:   m.content,
		Read:      m.read,
		SentAt:    m.sentAt,
		Position:  pos,
	}
}
