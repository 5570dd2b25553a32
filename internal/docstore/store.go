// Package docstore is the persistence layer pages talk to: it resolves the
// session user, retries remote calls with backoff and keeps a read-through
// cache that serves as fallback when the remote store keeps failing.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/starford/formsync/internal/apperr"
	"github.com/starford/formsync/internal/models"
	"github.com/starford/formsync/internal/session"
	"github.com/starford/formsync/internal/storage"
)

// Option configures a Store.
type Option func(*Store)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now for document timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the session-scoped persistence store. It is created at session
// start and discarded (or cleared) at sign-out.
type Store struct {
	backend  storage.Backend
	sessions session.Provider
	policy   RetryPolicy
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	byID   map[string]*models.Document
	byForm map[string]*models.Document
}

// New creates a Store over backend for the sessions provider.
func New(backend storage.Backend, sessions session.Provider, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		sessions: sessions,
		policy:   DefaultRetryPolicy(),
		logger:   slog.Default(),
		now:      time.Now,
		byID:     make(map[string]*models.Document),
		byForm:   make(map[string]*models.Document),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) user() (string, error) {
	if s.sessions == nil {
		return "", apperr.ErrNotAuthenticated
	}
	sess, ok := s.sessions.Current()
	if !ok {
		return "", apperr.ErrNotAuthenticated
	}
	return sess.UserID, nil
}

func cacheKey(userID, key string) string {
	return userID + "\x00" + key
}

func (s *Store) remember(doc *models.Document) {
	cp := doc.Clone()
	s.mu.Lock()
	s.byID[cacheKey(doc.UserID, doc.ID)] = cp
	s.byForm[cacheKey(doc.UserID, doc.FormID)] = cp
	s.mu.Unlock()
}

func (s *Store) cachedByID(userID, id string) *models.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[cacheKey(userID, id)].Clone()
}

func (s *Store) cachedByForm(userID, formID string) *models.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byForm[cacheKey(userID, formID)].Clone()
}

// Save creates a new document for formID and returns its generated id.
func (s *Store) Save(ctx context.Context, formID string, fields models.Fields) (string, error) {
	userID, err := s.user()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(formID) == "" {
		return "", fmt.Errorf("docstore: save: form id is required: %w", apperr.ErrInvalidInput)
	}
	now := s.now().UTC()
	doc := &models.Document{
		ID:        ulid.Make().String(),
		UserID:    userID,
		FormID:    formID,
		Fields:    fields.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = retry(ctx, s.policy, s.logger, "save", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.backend.Create(ctx, doc)
	})
	if err != nil {
		return "", fmt.Errorf("docstore: save %s: %w", formID, err)
	}
	s.remember(doc)
	s.logger.Debug("docstore: saved", slog.String("form_id", formID), slog.String("doc_id", doc.ID))
	return doc.ID, nil
}

// Update overwrites the fields of a document previously loaded or saved
// through this store. Unknown ids fail with apperr.ErrNotFound.
func (s *Store) Update(ctx context.Context, docID string, fields models.Fields) error {
	userID, err := s.user()
	if err != nil {
		return err
	}
	cached := s.cachedByID(userID, docID)
	if cached == nil {
		return fmt.Errorf("docstore: update %s: %w", docID, apperr.ErrNotFound)
	}
	cached.Fields = fields.Clone()
	cached.UpdatedAt = s.now().UTC()
	_, err = retry(ctx, s.policy, s.logger, "update", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.backend.Replace(ctx, cached)
	})
	if err != nil {
		return fmt.Errorf("docstore: update %s: %w", docID, err)
	}
	s.remember(cached)
	return nil
}

// LoadByFormID returns the user's current document for formID, or nil when
// none exists. After exhausted retries the cached copy is returned instead of the error.
func (s *Store) LoadByFormID(ctx context.Context, formID string) (*models.Document, error) {
	userID, err := s.user()
	if err != nil {
		return nil, err
	}
	doc, err := retry(ctx, s.policy, s.logger, "load_by_form", func(ctx context.Context) (*models.Document, error) {
		return s.backend.FindByForm(ctx, userID, formID)
	})
	return s.resolveLoad(doc, err, s.cachedByForm(userID, formID), "form_id", formID)
}

// LoadByID returns the user's document with docID, or nil when it does not exist.
func (s *Store) LoadByID(ctx context.Context, docID string) (*models.Document, error) {
	userID, err := s.user()
	if err != nil {
		return nil, err
	}
	doc, err := retry(ctx, s.policy, s.logger, "load_by_id", func(ctx context.Context) (*models.Document, error) {
		return s.backend.Get(ctx, userID, docID)
	})
	return s.resolveLoad(doc, err, s.cachedByID(userID, docID), "doc_id", docID)
}

func (s *Store) resolveLoad(doc *models.Document, err error, cached *models.Document, keyName, key string) (*models.Document, error) {
	switch {
	case err == nil:
		s.remember(doc)
		return doc, nil
	case errors.Is(err, apperr.ErrNotFound):
		return nil, nil
	case cached != nil:
		s.logger.Warn("docstore: load failed, serving cached copy",
			slog.String(keyName, key),
			slog.String("error", err.Error()))
		return cached, nil
	default:
		return nil, fmt.Errorf("docstore: load %s: %w", key, err)
	}
}

// ClearCache drops every cached document.
func (s *Store) ClearCache() {
	s.mu.Lock()
	s.byID = make(map[string]*models.Document)
	s.byForm = make(map[string]*models.Document)
	s.mu.Unlock()
}
