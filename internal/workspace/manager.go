// Package workspace composes the per-user pieces (document store, shared
// field bus, mounted pages and their pull links) and owns their lifecycle
// from sign-in to sign-out.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/formsync/internal/apperr"
	"github.com/starford/formsync/internal/controller"
	"github.com/starford/formsync/internal/docstore"
	"github.com/starford/formsync/internal/fieldgraph"
	"github.com/starford/formsync/internal/forms"
	"github.com/starford/formsync/internal/pull"
	"github.com/starford/formsync/internal/sharedbus"
	"github.com/starford/formsync/internal/sse"
	"github.com/starford/formsync/internal/storage"
)

// Config holds the timing knobs of a workspace.
type Config struct {
	PageDelay         time.Duration
	QuickDelay        time.Duration
	Debounce          time.Duration
	FanoutConcurrency int
	PullInterval      time.Duration
	Retry             docstore.RetryPolicy
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		PageDelay:         controller.DefaultPageDelay,
		QuickDelay:        controller.DefaultQuickDelay,
		Debounce:          sharedbus.DefaultDebounce,
		FanoutConcurrency: sharedbus.DefaultConcurrency,
		PullInterval:      pull.DefaultInterval,
		Retry:             docstore.DefaultRetryPolicy(),
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithBroker publishes workspace events to b.
func WithBroker(b *sse.Broker) Option {
	return func(m *Manager) { m.broker = b }
}

// WithCatalog replaces the built-in page catalogue.
func WithCatalog(c *forms.Catalog) Option {
	return func(m *Manager) {
		if c != nil {
			m.catalog.Store(c)
		}
	}
}

// Manager hands out one Session per signed-in user.
type Manager struct {
	backend storage.Backend
	cfg     Config
	logger  *slog.Logger
	broker  *sse.Broker
	catalog atomic.Pointer[forms.Catalog]
	base    *forms.Catalog

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a manager over backend.
func New(backend storage.Backend, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		backend:  backend,
		cfg:      cfg,
		logger:   slog.Default(),
		sessions: map[string]*Session{},
	}
	m.catalog.Store(forms.Default())
	for _, opt := range opts {
		opt(m)
	}
	m.base = m.catalog.Load()
	return m
}

// Catalog returns the current page catalogue.
func (m *Manager) Catalog() *forms.Catalog {
	return m.catalog.Load()
}

// ApplyRules rebuilds the catalogue from the base pages plus extra rules.
// Pages opened afterwards use the new rules; pages already open keep theirs.
func (m *Manager) ApplyRules(extra map[string][]fieldgraph.Rule) error {
	next, err := m.base.Extend(extra)
	if err != nil {
		return fmt.Errorf("workspace: apply rules: %w", err)
	}
	m.catalog.Store(next)
	m.logger.Info("workspace: rules applied", slog.Int("forms", len(extra)))
	m.publish(sse.Event{Type: sse.RulesReloaded, Data: map[string]int{"forms": len(extra)}})
	return nil
}

// Session returns the user's session, creating it on first use. A new
// session reads the shared fields once from their source documents; every
// caller waits for that read before the session is handed out.
func (m *Manager) Session(ctx context.Context, userID string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.ErrNotAuthenticated
	}
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		s = newSession(m, userID)
		m.sessions[userID] = s
	}
	m.mu.Unlock()

	if ok {
		select {
		case <-s.ready:
			return s, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("workspace: session %s: %w", userID, ctx.Err())
		}
	}

	if err := s.bus.Load(ctx); err != nil {
		m.logger.Warn("workspace: shared fields partially loaded",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
	}
	close(s.ready)
	m.logger.Info("workspace: session started",
		slog.String("user_id", userID),
		slog.String("session_id", s.ID()))
	return s, nil
}

// SignOut flushes and tears down the user's session. Unknown users are a no-op.
func (m *Manager) SignOut(ctx context.Context, userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	err := s.close(ctx)
	m.logger.Info("workspace: session ended", slog.String("user_id", userID))
	return err
}

// Close signs every user out.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	users := make([]string, 0, len(m.sessions))
	for u := range m.sessions {
		users = append(users, u)
	}
	m.mu.Unlock()

	var errs []error
	for _, u := range users {
		if err := m.SignOut(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ActiveSessions returns the number of signed-in users.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) publish(evt sse.Event) {
	if m.broker != nil {
		m.broker.Publish(evt)
	}
}
