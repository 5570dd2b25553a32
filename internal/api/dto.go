package api

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/formsync/internal/models"
	"github.com/starford/formsync/internal/workspace"
)

// CreateDocumentRequest is the request body for creating a document.
type CreateDocumentRequest struct {
	FormID string        `json:"formId" example:"form-d" validate:"required"`
	Fields models.Fields `json:"fields"`
}

// Validate implements validation.Validatable.
func (r CreateDocumentRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.FormID, validation.Required, validation.Length(1, 64)),
	)
}

// UpdateDocumentRequest is the request body for replacing a document's fields.
type UpdateDocumentRequest struct {
	Fields models.Fields `json:"fields" validate:"required"`
}

// Validate implements validation.Validatable.
func (r UpdateDocumentRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Fields, validation.NotNil),
	)
}

// ComputeRequest is the request body for evaluating a form's derived fields.
type ComputeRequest struct {
	Fields models.Fields `json:"fields"`
}

// Validate implements validation.Validatable.
func (r ComputeRequest) Validate() error { return nil }

// WriteSharedRequest sets a canonical shared field.
type WriteSharedRequest struct {
	Value *string `json:"value" example:"Acme Ltd" validate:"required"`
}

// Validate implements validation.Validatable.
func (r WriteSharedRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Value, validation.NotNil),
	)
}

// OpenPageRequest mounts a page.
type OpenPageRequest struct {
	Defaults models.Fields `json:"defaults"`
	Autosave string        `json:"autosave" example:"page"`
}

// Validate implements validation.Validatable.
func (r OpenPageRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Autosave, validation.In("", "page", "quick")),
	)
}

func (r OpenPageRequest) mode() workspace.Autosave {
	if r.Autosave == "quick" {
		return workspace.QuickAutosave
	}
	return workspace.PageAutosave
}

// EditFieldsRequest applies user edits to a mounted page.
type EditFieldsRequest struct {
	Fields models.Fields `json:"fields" validate:"required"`
}

// Validate implements validation.Validatable.
func (r EditFieldsRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Fields, validation.Required),
	)
}

// PullModeRequest switches a pulled field between auto and manual.
type PullModeRequest struct {
	Auto *bool `json:"auto" validate:"required"`
}

// Validate implements validation.Validatable.
func (r PullModeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Auto, validation.NotNil),
	)
}

// DocumentDetail is the document response type (aliased from the domain layer).
type DocumentDetail = workspace.DocumentDetail

// PageView is the mounted page response type (aliased from the domain layer).
type PageView = workspace.PageView

// OpenPageResponse carries the page and, when loading failed, a warning.
type OpenPageResponse struct {
	Page    PageView `json:"page"`
	Warning string   `json:"warning,omitempty"`
}

// ComputeResponse returns inputs merged with derived values.
type ComputeResponse struct {
	Fields models.Fields `json:"fields"`
}

// FormsResponse lists the catalogue's form ids.
type FormsResponse struct {
	Forms []string `json:"forms"`
}

// SessionResponse describes the caller's workspace session.
type SessionResponse struct {
	ID     string   `json:"id"`
	UserID string   `json:"userId"`
	Pages  []string `json:"pages"`
}
