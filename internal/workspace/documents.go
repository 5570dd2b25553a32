package workspace

import (
	"context"
	"fmt"
	"time"

	"github.com/starford/formsync/internal/apperr"
	"github.com/starford/formsync/internal/checksum"
	"github.com/starford/formsync/internal/forms"
	"github.com/starford/formsync/internal/models"
)

// DocumentDetail is the full representation of a stored document.
type DocumentDetail struct {
	ID        string        `json:"id"`
	FormID    string        `json:"formId"`
	Fields    models.Fields `json:"fields"`
	Checksum  string        `json:"checksum"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func detail(doc *models.Document) *DocumentDetail {
	return &DocumentDetail{
		ID:        doc.ID,
		FormID:    doc.FormID,
		Fields:    doc.Fields,
		Checksum:  checksum.Fields(doc.Fields),
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

// GetDocument loads a document by id.
func (s *Session) GetDocument(ctx context.Context, id string) (*DocumentDetail, error) {
	doc, err := s.store.LoadByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apperr.ErrNotFound
	}
	return detail(doc), nil
}

// FindDocument loads the current document of formID.
func (s *Session) FindDocument(ctx context.Context, formID string) (*DocumentDetail, error) {
	doc, err := s.store.LoadByFormID(ctx, formID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apperr.ErrNotFound
	}
	return detail(doc), nil
}

// CreateDocument stores the first document of formID. Derived fields are
// computed from the inputs and the form's owned shared fields are published.
func (s *Session) CreateDocument(ctx context.Context, formID string, fields models.Fields) (*DocumentDetail, error) {
	fields, err := s.prepare(formID, fields)
	if err != nil {
		return nil, err
	}
	id, err := s.store.Save(ctx, formID, fields)
	if err != nil {
		return nil, err
	}
	s.rememberDoc(formID, id)
	s.publishOwned(formID, fields)
	return s.GetDocument(ctx, id)
}

// UpdateDocument replaces the fields of document id. A non-empty ifMatch
// must equal the stored checksum.
func (s *Session) UpdateDocument(ctx context.Context, id string, fields models.Fields, ifMatch string) (*DocumentDetail, error) {
	existing, err := s.store.LoadByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, apperr.ErrNotFound
	}
	if ifMatch != "" && ifMatch != checksum.Fields(existing.Fields) {
		return nil, apperr.ErrConflict
	}
	fields, err = s.prepare(existing.FormID, fields)
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, id, fields); err != nil {
		return nil, err
	}
	s.rememberDoc(existing.FormID, id)
	s.publishOwned(existing.FormID, fields)
	return s.GetDocument(ctx, id)
}

// prepare validates a direct document write and fills in derived fields.
// Mounted pages own their document, so direct writes to them conflict.
func (s *Session) prepare(formID string, fields models.Fields) (models.Fields, error) {
	if _, ok := s.Page(formID); ok {
		return nil, fmt.Errorf("workspace: %s is open for editing: %w", formID, apperr.ErrConflict)
	}
	return s.Compute(formID, fields)
}

// Compute evaluates formID's derived fields over fields without storing
// anything and returns the inputs merged with the results.
func (s *Session) Compute(formID string, fields models.Fields) (models.Fields, error) {
	engine, err := s.m.Catalog().Engine(formID, s.logger)
	if err != nil {
		return nil, fmt.Errorf("workspace: %v: %w", err, apperr.ErrInvalidInput)
	}
	out, err := fields.Normalize()
	if err != nil {
		return nil, fmt.Errorf("workspace: %s: %v: %w", formID, err, apperr.ErrInvalidInput)
	}
	derived, err := engine.Evaluate(out)
	if err != nil {
		return nil, fmt.Errorf("workspace: compute %s: %w", formID, err)
	}
	for k, v := range derived {
		out[k] = v
	}
	return out, nil
}

// SharedFields returns the canonical shared-field snapshot.
func (s *Session) SharedFields() map[forms.Canonical]string {
	return s.bus.Read()
}

// WriteShared sets a canonical field: the source page (mounted or stored)
// is updated and the value fans out to every mirror. Fields computed on
// their source page cannot be written directly.
func (s *Session) WriteShared(ctx context.Context, field forms.Canonical, value string) error {
	if !field.Valid() {
		return fmt.Errorf("workspace: unknown shared field %q: %w", field, apperr.ErrInvalidInput)
	}
	src := forms.Mappings[field].Source
	engine, err := s.m.Catalog().Engine(src.FormID, s.logger)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	if engine.IsDerived(src.Field) {
		return fmt.Errorf("workspace: %s is computed on %s: %w", field, src.FormID, apperr.ErrReadOnly)
	}

	if p, ok := s.Page(src.FormID); ok {
		// The page publishes the change to the bus itself.
		return p.ctrl.UpdateField(src.Field, value)
	}

	doc, err := s.store.LoadByFormID(ctx, src.FormID)
	if err != nil {
		return err
	}
	if doc == nil {
		id, err := s.store.Save(ctx, src.FormID, models.Fields{src.Field: value})
		if err != nil {
			return err
		}
		s.rememberDoc(src.FormID, id)
	} else if !models.ValueEqual(doc.Fields[src.Field], value) {
		fields := doc.Fields.Clone()
		fields[src.Field] = value
		if err := s.store.Update(ctx, doc.ID, fields); err != nil {
			return err
		}
	}
	s.bus.Write(field, value)
	return nil
}

func (s *Session) rememberDoc(formID, id string) {
	s.mu.Lock()
	s.docIDs[formID] = id
	s.mu.Unlock()
	if s.m.broker != nil {
		s.m.broker.PublishDocumentSaved(s.user, formID, id)
	}
}

func (s *Session) publishOwned(formID string, fields models.Fields) {
	for name, c := range forms.Published(formID) {
		if v, ok := fields[name]; ok {
			s.bus.Write(c, models.String(v))
		}
	}
}
