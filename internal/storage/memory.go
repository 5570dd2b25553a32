package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/starford/formsync/internal/apperr"
	"github.com/starford/formsync/internal/models"
)

// Memory is an in-process Backend. Documents are cloned on the way in and
// out so callers never share maps with the store.
type Memory struct {
	mu     sync.RWMutex
	docs   map[string]*models.Document
	byForm map[string]string // user + "\x00" + form -> id
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		docs:   make(map[string]*models.Document),
		byForm: make(map[string]string),
	}
}

func formKey(userID, formID string) string {
	return userID + "\x00" + formID
}

// Create implements Backend.
func (m *Memory) Create(_ context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := formKey(doc.UserID, doc.FormID)
	if _, ok := m.byForm[key]; ok {
		return fmt.Errorf("storage: create %s: %w", doc.FormID, apperr.ErrAlreadyExists)
	}
	if _, ok := m.docs[doc.ID]; ok {
		return fmt.Errorf("storage: create id %s: %w", doc.ID, apperr.ErrAlreadyExists)
	}
	m.docs[doc.ID] = doc.Clone()
	m.byForm[key] = doc.ID
	return nil
}

// Replace implements Backend.
func (m *Memory) Replace(_ context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.docs[doc.ID]
	if !ok || cur.UserID != doc.UserID {
		return fmt.Errorf("storage: replace %s: %w", doc.ID, apperr.ErrNotFound)
	}
	cur.Fields = doc.Fields.Clone()
	cur.UpdatedAt = doc.UpdatedAt
	return nil
}

// Get implements Backend.
func (m *Memory) Get(_ context.Context, userID, id string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok || doc.UserID != userID {
		return nil, fmt.Errorf("storage: get %s: %w", id, apperr.ErrNotFound)
	}
	return doc.Clone(), nil
}

// FindByForm implements Backend.
func (m *Memory) FindByForm(_ context.Context, userID, formID string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byForm[formKey(userID, formID)]
	if !ok {
		return nil, fmt.Errorf("storage: find %s: %w", formID, apperr.ErrNotFound)
	}
	return m.docs[id].Clone(), nil
}

// Close implements Backend.
func (m *Memory) Close() error { return nil }

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}
