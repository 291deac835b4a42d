// Package presence keeps the in-memory record of who is online and which
// live connection reaches them.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Conn is the handle the registry hands out. Handles are compared by
// identity, so implementations must be pointer types.
type Conn interface {
	Send(payload []byte) bool
	Close(reason string)
}

type Entry struct {
	UserID      string
	Email       string
	Conn        Conn
	ConnectedAt time.Time
}

// Registry maps a user id to exactly one live connection. Every method
// takes the lock for its whole body, so each call is a single atomic step.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		now:     time.Now,
		logger:  logger.With(slog.String("component", "presence")),
	}
}

// Register makes conn the live connection for userID and returns the
// connection it replaced, if any.
func (r *Registry) Register(userID, email string, conn Conn) (previous Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[userID]; ok && old.Conn != conn {
		previous = old.Conn
	}
	r.entries[userID] = Entry{
		UserID:      userID,
		Email:       email,
		Conn:        conn,
		ConnectedAt: r.now(),
	}
	r.logger.Debug("User registered", slog.String("userID", userID), slog.Int("online", len(r.entries)))
	return previous
}

// Unregister removes userID. Removing an absent user is a no-op.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[userID]; !ok {
		return
	}
	delete(r.entries, userID)
	r.logger.Debug("User unregistered", slog.String("userID", userID), slog.Int("online", len(r.entries)))
}

// Release removes userID only while its entry still points at conn and
// reports whether it did. A connection that was replaced by a newer one
// must not take the newer one offline when it goes away.
func (r *Registry) Release(userID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[userID]
	if !ok || entry.Conn != conn {
		return false
	}
	delete(r.entries, userID)
	r.logger.Debug("User released", slog.String("userID", userID), slog.Int("online", len(r.entries)))
	return true
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	return entry.Conn, true
}

func (r *Registry) Get(userID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[userID]
	return entry, ok
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// UserIDs returns the online user ids in ascending order.
func (r *Registry) UserIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Snapshot copies every entry so callers can fan out without holding the lock.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	return entries
}
