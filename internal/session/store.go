package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Backend is the durable sender -> last activity mapping.
type Backend interface {
	UpsertSession(ctx context.Context, sender string, lastActive time.Time) error
	DeleteSession(ctx context.Context, sender string) error
	ListSessions(ctx context.Context) (map[string]time.Time, error)
}

// Store tracks sender liveness. Writes go straight to the backend; failed
// writes stay pending in memory until Flush succeeds.
type Store struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	loaded   bool
	sessions map[string]time.Time
	dirty    map[string]time.Time
	deleted  map[string]struct{}
}

// New creates a Store over backend.
func New(backend Backend, logger *slog.Logger) *Store {
	return &Store{
		backend:  backend,
		logger:   logger.With("component", "session"),
		now:      time.Now,
		sessions: make(map[string]time.Time),
		dirty:    make(map[string]time.Time),
		deleted:  make(map[string]struct{}),
	}
}

// Touch creates or refreshes the sender's record with the current time.
func (s *Store) Touch(ctx context.Context, sender string) {
	s.ensureLoaded(ctx)
	at := s.now().UTC()

	s.mu.Lock()
	s.sessions[sender] = at
	delete(s.deleted, sender)
	s.mu.Unlock()

	if err := s.backend.UpsertSession(ctx, sender, at); err != nil {
		s.logger.Warn("persist session failed, will retry", "sender", sender, "error", err)
		s.mu.Lock()
		s.dirty[sender] = at
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if pending, ok := s.dirty[sender]; ok && !pending.After(at) {
		delete(s.dirty, sender)
	}
	s.mu.Unlock()
}

// LastActive returns the sender's last activity time.
func (s *Store) LastActive(ctx context.Context, sender string) (time.Time, bool) {
	s.ensureLoaded(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.sessions[sender]
	return at, ok
}

// Remove deletes the sender's record.
func (s *Store) Remove(ctx context.Context, sender string) {
	s.mu.Lock()
	delete(s.sessions, sender)
	delete(s.dirty, sender)
	s.mu.Unlock()

	if err := s.backend.DeleteSession(ctx, sender); err != nil {
		s.logger.Warn("delete session failed, will retry", "sender", sender, "error", err)
		s.mu.Lock()
		if _, touched := s.sessions[sender]; !touched {
			s.deleted[sender] = struct{}{}
		}
		s.mu.Unlock()
	}
}

// ListExpired reloads from the backend and returns the senders idle longer
// than timeout, sorted. A backend read failure yields no senders.
func (s *Store) ListExpired(ctx context.Context, now time.Time, timeout time.Duration) []string {
	if err := s.reload(ctx); err != nil {
		s.logger.Warn("load sessions failed, skipping expiry check", "error", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for sender, at := range s.sessions {
		if now.Sub(at) > timeout {
			expired = append(expired, sender)
		}
	}
	sort.Strings(expired)
	return expired
}

// Flush retries pending writes and deletes. It returns the number still pending.
func (s *Store) Flush(ctx context.Context) int {
	s.mu.Lock()
	writes := make(map[string]time.Time, len(s.dirty))
	for k, v := range s.dirty {
		writes[k] = v
	}
	deletes := make([]string, 0, len(s.deleted))
	for k := range s.deleted {
		deletes = append(deletes, k)
	}
	s.mu.Unlock()

	for sender, at := range writes {
		if err := s.backend.UpsertSession(ctx, sender, at); err != nil {
			s.logger.Warn("retry session write failed", "sender", sender, "error", err)
			continue
		}
		s.mu.Lock()
		if pending, ok := s.dirty[sender]; ok && pending.Equal(at) {
			delete(s.dirty, sender)
		}
		s.mu.Unlock()
	}
	for _, sender := range deletes {
		if err := s.backend.DeleteSession(ctx, sender); err != nil {
			s.logger.Warn("retry session delete failed", "sender", sender, "error", err)
			continue
		}
		s.mu.Lock()
		delete(s.deleted, sender)
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty) + len(s.deleted)
}

func (s *Store) ensureLoaded(ctx context.Context) {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if loaded {
		return
	}
	if err := s.reload(ctx); err != nil {
		s.logger.Warn("load sessions failed, treating as empty", "error", err)
	}
}

// reload replaces the in-memory view with the backend's, keeping pending local changes.
func (s *Store) reload(ctx context.Context) error {
	stored, err := s.backend.ListSessions(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make(map[string]time.Time, len(stored)+len(s.dirty))
	for sender, at := range stored {
		if _, gone := s.deleted[sender]; gone {
			continue
		}
		sessions[sender] = at
	}
	for sender, at := range s.dirty {
		sessions[sender] = at
	}
	// Touches racing the read are newer than what was stored.
	for sender, at := range s.sessions {
		if prev, ok := sessions[sender]; !ok || at.After(prev) {
			sessions[sender] = at
		}
	}
	s.sessions = sessions
	s.loaded = true
	return nil
}
