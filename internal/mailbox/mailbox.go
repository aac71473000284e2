// Package mailbox tracks the mailboxes known to this process and the live
// sessions watching them. The database rows are authoritative; the registry
// is a cache that injection and cluster notifications keep current.
package mailbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Mailbox is one mailboxes row plus the sessions currently watching it.
type Mailbox struct {
	ID   int
	Name string

	mu          sync.Mutex
	uidnext     int
	nextModSeq  int64
	firstRecent int
	sessions    []*Session
}

// UIDNext returns the cached uidnext value.
func (m *Mailbox) UIDNext() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uidnext
}

// NextModSeq returns the cached nextmodseq value.
func (m *Mailbox) NextModSeq() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextModSeq
}

// Update raises the cached uidnext and nextmodseq. Values lower than the
// cached ones are ignored, so stale cluster notifications cannot move the
// mailbox backwards.
func (m *Mailbox) Update(uidnext int, nextModSeq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uidnext > m.uidnext {
		m.uidnext = uidnext
	}
	if nextModSeq > m.nextModSeq {
		m.nextModSeq = nextModSeq
	}
}

// Sessions returns a snapshot of the live sessions on this mailbox.
func (m *Mailbox) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, len(m.sessions))
	copy(out, m.sessions)
	return out
}

// HasSessions reports whether any live session watches this mailbox.
func (m *Mailbox) HasSessions() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions) > 0
}

// NewSession attaches a live session to the mailbox.
func (m *Mailbox) NewSession() *Session {
	s := &Session{
		mailbox: m,
		recent:  make(map[uint32]struct{}),
	}
	m.mu.Lock()
	m.sessions = append(m.sessions, s)
	m.mu.Unlock()
	return s
}

func (m *Mailbox) removeSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.sessions {
		if x == s {
			m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
			return
		}
	}
}

// Session is one live view of a mailbox. It remembers which UIDs it has seen
// as \Recent and which new UIDs it has not yet announced to its client.
type Session struct {
	mailbox *Mailbox

	mu          sync.Mutex
	recent      map[uint32]struct{}
	unannounced []uint32
}

// Mailbox returns the mailbox this session watches.
func (s *Session) Mailbox() *Mailbox { return s.mailbox }

// Close detaches the session from its mailbox.
func (s *Session) Close() { s.mailbox.removeSession(s) }

// AddRecent records that this session owns \Recent for the given UID.
func (s *Session) AddRecent(uid uint32) {
	s.mu.Lock()
	s.recent[uid] = struct{}{}
	s.mu.Unlock()
}

// IsRecent reports whether this session owns \Recent for the given UID.
func (s *Session) IsRecent(uid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recent[uid]
	return ok
}

// AddUnannounced queues a new UID for announcement to the session's client.
func (s *Session) AddUnannounced(uid uint32) {
	s.mu.Lock()
	s.unannounced = append(s.unannounced, uid)
	s.mu.Unlock()
}

// TakeUnannounced drains and returns the queued UIDs.
func (s *Session) TakeUnannounced() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.unannounced
	s.unannounced = nil
	return out
}

// Registry is the process-wide mailbox cache.
type Registry struct {
	mu     sync.RWMutex
	byID   map[int]*Mailbox
	byName map[string]*Mailbox
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[int]*Mailbox),
		byName: make(map[string]*Mailbox),
	}
}

// Load fills the registry from the mailboxes table.
func (r *Registry) Load(ctx context.Context, pool *pgxpool.Pool) error {
	rows, err := pool.Query(ctx,
		`SELECT id, name, uidnext, nextmodseq, first_recent FROM mailboxes`)
	if err != nil {
		return fmt.Errorf("failed to load mailboxes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m := &Mailbox{}
		if err := rows.Scan(&m.ID, &m.Name, &m.uidnext, &m.nextModSeq, &m.firstRecent); err != nil {
			return fmt.Errorf("failed to scan mailbox: %w", err)
		}
		r.add(m)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to load mailboxes: %w", err)
	}
	return nil
}

func (r *Registry) add(m *Mailbox) {
	r.mu.Lock()
	r.byID[m.ID] = m
	r.byName[m.Name] = m
	r.mu.Unlock()
}

// ByID returns the mailbox with the given id, or nil.
func (r *Registry) ByID(id int) *Mailbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// ByName returns the mailbox with the given name, or nil.
func (r *Registry) ByName(name string) *Mailbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// All returns a snapshot of all known mailboxes.
func (r *Registry) All() []*Mailbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Mailbox, 0, len(r.byID))
	for _, m := range r.byID {
		out = append(out, m)
	}
	return out
}

// Create inserts a mailbox row if one with the name does not exist yet and
// returns the registry entry for it.
func (r *Registry) Create(ctx context.Context, pool *pgxpool.Pool, name string) (*Mailbox, error) {
	if m := r.ByName(name); m != nil {
		return m, nil
	}
	_, err := pool.Exec(ctx,
		`INSERT INTO mailboxes (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create mailbox %q: %w", name, err)
	}
	m := &Mailbox{}
	err = pool.QueryRow(ctx,
		`SELECT id, name, uidnext, nextmodseq, first_recent FROM mailboxes WHERE name = $1`,
		name).Scan(&m.ID, &m.Name, &m.uidnext, &m.nextModSeq, &m.firstRecent)
	if err != nil {
		return nil, fmt.Errorf("failed to read back mailbox %q: %w", name, err)
	}
	r.add(m)
	return m, nil
}

// Apply folds a cluster notification into the registry. Unknown mailbox
// names are ignored; the next Load or Create will pick them up.
func (r *Registry) Apply(name string, uidnext int, nextModSeq int64) {
	if m := r.ByName(name); m != nil {
		m.Update(uidnext, nextModSeq)
	}
}
