// Package tokenstore holds single-use email-verification tokens with a
// bounded lifetime. Tokens that are never consumed are evicted by a
// background janitor, so the store cannot grow without limit.
package tokenstore

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrTokenNotFound = errors.New("tokenstore: token unknown or expired")

type entry struct {
	username  string
	expiresAt time.Time
}

// Store maps verification tokens to usernames for at most the configured
// TTL. Consume removes the token, so each token authorizes exactly one
// verification.
type Store struct {
	mu              sync.Mutex
	entries         map[string]entry
	ttl             time.Duration
	janitorInterval time.Duration
	logger          *slog.Logger
	done            chan struct{}
	once            sync.Once
}

// StoreOption configures the Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithJanitorInterval overrides how often expired tokens are swept.
func WithJanitorInterval(interval time.Duration) StoreOption {
	return func(s *Store) {
		s.janitorInterval = interval
	}
}

// New creates a store whose tokens live for ttl. Close must be called to
// stop the janitor.
func New(ttl time.Duration, options ...StoreOption) *Store {
	s := &Store{
		entries:         make(map[string]entry),
		ttl:             ttl,
		logger:          slog.Default(),
		done:            make(chan struct{}),
		janitorInterval: time.Minute,
	}
	for _, opt := range options {
		opt(s)
	}

	go s.janitor()
	return s
}

// Put stores a token for its full TTL, replacing any previous entry.
func (s *Store) Put(token, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = entry{username: username, expiresAt: time.Now().Add(s.ttl)}
}

// Consume removes the token and returns the username it was stored for.
// Expired and unknown tokens both report ErrTokenNotFound.
func (s *Store) Consume(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return "", ErrTokenNotFound
	}
	delete(s.entries, token)

	if time.Now().After(e.expiresAt) {
		return "", ErrTokenNotFound
	}
	return e.username, nil
}

// Len returns the number of live entries, expired ones included until the
// next sweep.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the janitor goroutine.
func (s *Store) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Store) janitor() {
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()

	s.mu.Lock()
	var evicted int
	for token, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, token)
			evicted++
		}
	}
	s.mu.Unlock()

	if evicted > 0 {
		s.logger.Debug("evicted expired verification tokens", "count", evicted)
	}
}
