// Package storage defines the remote document store abstraction and its backends.
package storage

import (
	"context"

	"github.com/starford/formsync/internal/models"
)

// Backend is the remote key-value document store. Implementations are safe
// for concurrent use and hold at most one document per (user, form) pair.
type Backend interface {
	// Create stores a new document. It fails with apperr.ErrAlreadyExists
	// when the user already has a document for doc.FormID.
	Create(ctx context.Context, doc *models.Document) error
	// Replace overwrites the fields and UpdatedAt of an existing document.
	// It fails with apperr.ErrNotFound when doc.ID is unknown for the user.
	Replace(ctx context.Context, doc *models.Document) error
	// Get returns the user's document with the given id or apperr.ErrNotFound.
	Get(ctx context.Context, userID, id string) (*models.Document, error)
	// FindByForm returns the user's most recently updated document for
	// formID or apperr.ErrNotFound.
	FindByForm(ctx context.Context, userID, formID string) (*models.Document, error)
	// Close releases backend resources.
	Close() error
}
