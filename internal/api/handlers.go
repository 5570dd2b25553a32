package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/formsync/internal/apperr"
	"github.com/starford/formsync/internal/forms"
	"github.com/starford/formsync/internal/session"
	"github.com/starford/formsync/internal/workspace"
)

const maxBody = 1 << 20

// Handler holds API route handlers.
type Handler struct {
	ws     *workspace.Manager
	logger *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(ws *workspace.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ws: ws, logger: logger}
}

func (h *Handler) session(r *http.Request) (*workspace.Session, error) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		return nil, apperr.ErrNotAuthenticated
	}
	return h.ws.Session(r.Context(), s.UserID)
}

// decode reads a JSON body into v and validates it.
func decode(w http.ResponseWriter, r *http.Request, v validation.Validatable) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	if err := v.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return false
	}
	return true
}

func etag(checksum string) string {
	return fmt.Sprintf("%q", checksum)
}

// FindDocument handles GET /api/documents?formId=.
//
//	@Summary		Load the current document of a form
//	@Tags			documents
//	@Produce		json
//	@Param			formId	query		string	true	"Form id"
//	@Success		200		{object}	DocumentDetail
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents [get]
func (h *Handler) FindDocument(w http.ResponseWriter, r *http.Request) {
	formID := r.URL.Query().Get("formId")
	if formID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'formId' is required"))
		return
	}
	s, err := h.session(r)
	if err != nil {
		h.writeError(w, "find document", err)
		return
	}
	doc, err := s.FindDocument(r.Context(), formID)
	if err != nil {
		h.writeError(w, "find document", err)
		return
	}
	w.Header().Set("ETag", etag(doc.Checksum))
	writeJSON(w, http.StatusOK, doc)
}

// GetDocument handles GET /api/documents/{id}.
//
//	@Summary		Load a document by id
//	@Tags			documents
//	@Produce		json
//	@Param			id	path		string	true	"Document id"
//	@Success		200	{object}	DocumentDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id} [get]
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.writeError(w, "get document", err)
		return
	}
	doc, err := s.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "get document", err)
		return
	}
	w.Header().Set("ETag", etag(doc.Checksum))
	writeJSON(w, http.StatusOK, doc)
}

// CreateDocument handles POST /api/documents.
//
//	@Summary		Create a form's document
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateDocumentRequest	true	"Document to create"
//	@Success		201		{object}	DocumentDetail
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents [post]
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.session(r)
	if err != nil {
		h.writeError(w, "create document", err)
		return
	}
	doc, err := s.CreateDocument(r.Context(), req.FormID, req.Fields)
	if err != nil {
		h.writeError(w, "create document", err)
		return
	}
	w.Header().Set("ETag", etag(doc.Checksum))
	writeJSON(w, http.StatusCreated, doc)
}

// UpdateDocument handles PUT /api/documents/{id}.
//
//	@Summary		Replace a document's fields with optimistic concurrency
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			id			path		string					true	"Document id"
//	@Param			If-Match	header		string					false	"Field checksum for optimistic concurrency"
//	@Param			body		body		UpdateDocumentRequest	true	"New fields"
//	@Success		200			{object}	DocumentDetail
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id} [put]
func (h *Handler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	var req UpdateDocumentRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.session(r)
	if err != nil {
		h.writeError(w, "update document", err)
		return
	}
	// Strip surrounding quotes if present (standard ETag format).
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)
	doc, err := s.UpdateDocument(r.Context(), chi.URLParam(r, "id"), req.Fields, ifMatch)
	if err != nil {
		h.writeError(w, "update document", err)
		return
	}
	w.Header().Set("ETag", etag(doc.Checksum))
	writeJSON(w, http.StatusOK, doc)
}

// ListForms handles GET /api/forms.
func (h *Handler) ListForms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, FormsResponse{Forms: h.ws.Catalog().FormIDs()})
}

// Compute handles POST /api/forms/{formId}/compute.
//
//	@Summary		Evaluate a form's derived fields without saving
//	@Tags			forms
//	@Accept			json
//	@Produce		json
//	@Param			formId	path		string			true	"Form id"
//	@Param			body	body		ComputeRequest	true	"Input fields"
//	@Success		200		{object}	ComputeResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/forms/{formId}/compute [post]
func (h *Handler) Compute(w http.ResponseWriter, r *http.Request) {
	var req ComputeRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.session(r)
	if err != nil {
		h.writeError(w, "compute", err)
		return
	}
	fields, err := s.Compute(chi.URLParam(r, "formId"), req.Fields)
	if err != nil {
		h.writeError(w, "compute", err)
		return
	}
	writeJSON(w, http.StatusOK, ComputeResponse{Fields: fields})
}

// SharedFields handles GET /api/shared.
func (h *Handler) SharedFields(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.writeError(w, "read shared", err)
		return
	}
	writeJSON(w, http.StatusOK, s.SharedFields())
}

// WriteShared handles PUT /api/shared/{field}.
func (h *Handler) WriteShared(w http.ResponseWriter, r *http.Request) {
	var req WriteSharedRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.session(r)
	if err != nil {
		h.writeError(w, "write shared", err)
		return
	}
	field := forms.Canonical(chi.URLParam(r, "field"))
	if err := s.WriteShared(r.Context(), field, *req.Value); err != nil {
		h.writeError(w, "write shared", err)
		return
	}
	writeJSON(w, http.StatusOK, s.SharedFields())
}

// GetSession handles GET /api/session. It signs the user in if needed.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.writeError(w, "get session", err)
		return
	}
	pages := s.OpenPages()
	if pages == nil {
		pages = []string{}
	}
	writeJSON(w, http.StatusOK, SessionResponse{ID: s.ID(), UserID: s.User(), Pages: pages})
}

// SignOut handles DELETE /api/session.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		h.writeError(w, "sign out", apperr.ErrNotAuthenticated)
		return
	}
	if err := h.ws.SignOut(r.Context(), s.UserID); err != nil {
		h.writeError(w, "sign out", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OpenPage handles POST /api/pages/{formId}.
func (h *Handler) OpenPage(w http.ResponseWriter, r *http.Request) {
	var req OpenPageRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	s, err := h.session(r)
	if err != nil {
		h.writeError(w, "open page", err)
		return
	}
	page, err := s.Open(r.Context(), chi.URLParam(r, "formId"), req.Defaults, req.mode())
	if page == nil {
		h.writeError(w, "open page", err)
		return
	}
	resp := OpenPageResponse{Page: page.View()}
	if err != nil {
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) page(w http.ResponseWriter, r *http.Request, op string) (*workspace.Session, *workspace.Page, bool) {
	s, err := h.session(r)
	if err != nil {
		h.writeError(w, op, err)
		return nil, nil, false
	}
	formID := chi.URLParam(r, "formId")
	p, ok := s.Page(formID)
	if !ok {
		h.writeError(w, op, fmt.Errorf("page %s is not open: %w", formID, apperr.ErrNotFound))
		return nil, nil, false
	}
	return s, p, true
}

// GetPage handles GET /api/pages/{formId}.
func (h *Handler) GetPage(w http.ResponseWriter, r *http.Request) {
	_, p, ok := h.page(w, r, "get page")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.View())
}

// EditFields handles PATCH /api/pages/{formId}/fields. Edits are applied in
// field-name order and stop at the first rejected field.
func (h *Handler) EditFields(w http.ResponseWriter, r *http.Request) {
	var req EditFieldsRequest
	if !decode(w, r, &req) {
		return
	}
	_, p, ok := h.page(w, r, "edit fields")
	if !ok {
		return
	}
	names := make([]string, 0, len(req.Fields))
	for name := range req.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := p.Controller().UpdateField(name, req.Fields[name]); err != nil {
			h.writeError(w, "edit fields", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, p.View())
}

// SavePage handles POST /api/pages/{formId}/save.
func (h *Handler) SavePage(w http.ResponseWriter, r *http.Request) {
	_, p, ok := h.page(w, r, "save page")
	if !ok {
		return
	}
	if err := p.Controller().SaveNow(r.Context()); err != nil {
		h.writeError(w, "save page", err)
		return
	}
	writeJSON(w, http.StatusOK, p.View())
}

// ResetPage handles POST /api/pages/{formId}/reset.
func (h *Handler) ResetPage(w http.ResponseWriter, r *http.Request) {
	_, p, ok := h.page(w, r, "reset page")
	if !ok {
		return
	}
	if err := p.Controller().Reset(); err != nil {
		h.writeError(w, "reset page", err)
		return
	}
	writeJSON(w, http.StatusOK, p.View())
}

// SetPullMode handles PUT /api/pages/{formId}/pull/{field}.
func (h *Handler) SetPullMode(w http.ResponseWriter, r *http.Request) {
	var req PullModeRequest
	if !decode(w, r, &req) {
		return
	}
	_, p, ok := h.page(w, r, "set pull mode")
	if !ok {
		return
	}
	if p.Puller() == nil {
		h.writeError(w, "set pull mode", fmt.Errorf("form has no pulled fields: %w", apperr.ErrInvalidInput))
		return
	}
	if err := p.Puller().SetAuto(r.Context(), chi.URLParam(r, "field"), *req.Auto); err != nil {
		h.writeError(w, "set pull mode", err)
		return
	}
	writeJSON(w, http.StatusOK, p.View())
}

// ClosePage handles DELETE /api/pages/{formId}.
func (h *Handler) ClosePage(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.writeError(w, "close page", err)
		return
	}
	if err := s.ClosePage(r.Context(), chi.URLParam(r, "formId")); err != nil {
		h.writeError(w, "close page", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
