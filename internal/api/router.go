package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/formsync/internal/workspace"
)

// NewRouter creates a chi router with all API routes mounted.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(ws *workspace.Manager, auth Auth, sseHandler http.Handler, logger *slog.Logger) chi.Router {
	h := NewHandler(ws, logger)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(auth))

	// Documents.
	r.Get("/documents", h.FindDocument)
	r.Post("/documents", h.CreateDocument)
	r.Get("/documents/{id}", h.GetDocument)
	r.Put("/documents/{id}", h.UpdateDocument)

	// Forms.
	r.Get("/forms", h.ListForms)
	r.Post("/forms/{formId}/compute", h.Compute)

	// Shared fields.
	r.Get("/shared", h.SharedFields)
	r.Put("/shared/{field}", h.WriteShared)

	// Mounted pages.
	r.Route("/pages/{formId}", func(r chi.Router) {
		r.Post("/", h.OpenPage)
		r.Get("/", h.GetPage)
		r.Delete("/", h.ClosePage)
		r.Patch("/fields", h.EditFields)
		r.Post("/save", h.SavePage)
		r.Post("/reset", h.ResetPage)
		r.Put("/pull/{field}", h.SetPullMode)
	})

	r.Get("/session", h.GetSession)
	r.Delete("/session", h.SignOut)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
