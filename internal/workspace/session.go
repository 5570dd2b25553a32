package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/starford/formsync/internal/apperr"
	"github.com/starford/formsync/internal/controller"
	"github.com/starford/formsync/internal/docstore"
	"github.com/starford/formsync/internal/forms"
	"github.com/starford/formsync/internal/models"
	"github.com/starford/formsync/internal/pull"
	"github.com/starford/formsync/internal/session"
	"github.com/starford/formsync/internal/sharedbus"
	"github.com/starford/formsync/internal/sse"
)

// Autosave selects a page's auto-save delay.
type Autosave int

const (
	// PageAutosave uses Config.PageDelay.
	PageAutosave Autosave = iota
	// QuickAutosave uses Config.QuickDelay.
	QuickAutosave
)

// Session is one signed-in user's workspace.
type Session struct {
	m      *Manager
	id     string
	user   string
	holder *session.Holder
	store  *docstore.Store
	bus    *sharedbus.Bus
	logger *slog.Logger
	ready  chan struct{} // closed once the shared fields are loaded

	mu     sync.Mutex
	pages  map[string]*Page
	docIDs map[string]string
	closed bool
}

// Page is a mounted form.
type Page struct {
	ctrl   *controller.Controller
	puller *pull.Puller
	cancel context.CancelFunc
}

// Controller returns the page's document controller.
func (p *Page) Controller() *controller.Controller { return p.ctrl }

// Puller returns the page's pull links, or nil when the form has none.
func (p *Page) Puller() *pull.Puller { return p.puller }

// PageView is a point-in-time description of a mounted page.
type PageView struct {
	FormID     string            `json:"formId"`
	DocumentID string            `json:"documentId,omitempty"`
	State      string            `json:"state"`
	Dirty      bool              `json:"dirty"`
	Fields     models.Fields     `json:"fields"`
	Pull       map[string]string `json:"pull,omitempty"`
}

// View describes the page.
func (p *Page) View() PageView {
	v := PageView{
		FormID:     p.ctrl.FormID(),
		DocumentID: p.ctrl.DocumentID(),
		State:      p.ctrl.State().String(),
		Dirty:      p.ctrl.HasUnsavedChanges(),
		Fields:     p.ctrl.Fields(),
	}
	if p.puller != nil {
		v.Pull = map[string]string{}
		for f, mode := range p.puller.Modes() {
			v.Pull[f] = mode.String()
		}
	}
	return v
}

func newSession(m *Manager, userID string) *Session {
	holder := session.NewHolder()
	holder.SignIn(userID)
	id := uuid.NewString()
	logger := m.logger.With(slog.String("user_id", userID), slog.String("session_id", id))
	s := &Session{
		m:      m,
		id:     id,
		user:   userID,
		holder: holder,
		logger: logger,
		ready:  make(chan struct{}),
		pages:  map[string]*Page{},
		docIDs: map[string]string{},
	}
	s.store = docstore.New(m.backend, holder,
		docstore.WithRetryPolicy(m.cfg.Retry),
		docstore.WithLogger(logger))
	s.bus = sharedbus.New(s.store,
		sharedbus.WithDebounce(m.cfg.Debounce),
		sharedbus.WithConcurrency(m.cfg.FanoutConcurrency),
		sharedbus.WithCatalog(m.Catalog),
		sharedbus.WithLogger(logger),
		sharedbus.WithObserver(func(field forms.Canonical, value string) {
			m.publish(sse.Event{Type: sse.SharedUpdated, User: userID,
				Data: map[string]string{"field": string(field), "value": value}})
		}),
		sharedbus.WithOnFailure(func(field forms.Canonical, target forms.FieldRef, err error) {
			m.publish(sse.Event{Type: sse.FanoutFailed, User: userID,
				Data: map[string]string{"field": string(field), "formId": target.FormID, "error": err.Error()}})
		}))
	return s
}

// ID identifies this sign-in; a user signing in again gets a new id.
func (s *Session) ID() string { return s.id }

// User returns the session's user id.
func (s *Session) User() string { return s.user }

// Store returns the session's document store.
func (s *Session) Store() *docstore.Store { return s.store }

// Bus returns the session's shared-field bus.
func (s *Session) Bus() *sharedbus.Bus { return s.bus }

// Open mounts formID, or returns the page if it is already mounted. The
// page is returned even when loading failed; it then starts from defaults
// and the load error is returned alongside.
func (s *Session) Open(ctx context.Context, formID string, defaults models.Fields, mode Autosave) (*Page, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperr.ErrNotAuthenticated
	}
	if p, ok := s.pages[formID]; ok {
		s.mu.Unlock()
		return p, nil
	}
	priorID := s.docIDs[formID]
	s.mu.Unlock()

	engine, err := s.m.Catalog().Engine(formID, s.logger)
	if err != nil {
		return nil, fmt.Errorf("workspace: open: %v: %w", err, apperr.ErrInvalidInput)
	}
	defaults, err = defaults.Normalize()
	if err != nil {
		return nil, fmt.Errorf("workspace: open %s: %v: %w", formID, err, apperr.ErrInvalidInput)
	}

	delay := s.m.cfg.PageDelay
	if mode == QuickAutosave {
		delay = s.m.cfg.QuickDelay
	}
	ctrl := controller.New(formID, s.store, engine,
		controller.WithSaveDelay(delay),
		controller.WithBus(s.bus),
		controller.WithLogger(s.logger),
		controller.WithOnSaved(func(doc models.Document) {
			s.mu.Lock()
			s.docIDs[formID] = doc.ID
			s.mu.Unlock()
			if s.m.broker != nil {
				s.m.broker.PublishDocumentSaved(s.user, formID, doc.ID)
			}
		}),
		controller.WithOnSaveError(func(err error) {
			s.logger.Warn("workspace: save failed", slog.String("form_id", formID), slog.String("error", err.Error()))
		}))
	loadErr := ctrl.Load(ctx, priorID, defaults)

	page := &Page{ctrl: ctrl}
	if links := forms.PullLinks[formID]; len(links) > 0 {
		page.puller = pull.New(ctrl, s.store, links,
			pull.WithLogger(s.logger),
			pull.WithOnPulled(func(field string, value any) {
				s.m.publish(sse.Event{Type: sse.FieldPulled, User: s.user,
					Data: map[string]string{"formId": formID, "field": field, "value": models.String(value)}})
			}))
		if err := page.puller.Pull(ctx); err != nil {
			s.logger.Warn("workspace: initial pull failed", slog.String("form_id", formID), slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	if existing, ok := s.pages[formID]; ok || s.closed {
		s.mu.Unlock()
		ctrl.Close()
		if ok {
			return existing, nil
		}
		return nil, apperr.ErrNotAuthenticated
	}
	if page.puller != nil {
		pctx, cancel := context.WithCancel(context.Background())
		page.cancel = cancel
		go page.puller.Run(pctx, s.m.cfg.PullInterval)
	}
	s.pages[formID] = page
	s.mu.Unlock()

	s.logger.Debug("workspace: page opened", slog.String("form_id", formID))
	return page, loadErr
}

// Page returns the mounted page for formID.
func (s *Session) Page(formID string) (*Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[formID]
	return p, ok
}

// OpenPages returns the ids of mounted forms, sorted.
func (s *Session) OpenPages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pages))
	for id := range s.pages {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ClosePage saves pending edits and unmounts formID. The page is unmounted
// even when the final save fails.
func (s *Session) ClosePage(ctx context.Context, formID string) error {
	s.mu.Lock()
	p, ok := s.pages[formID]
	delete(s.pages, formID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("workspace: page %s is not open: %w", formID, apperr.ErrNotFound)
	}
	return s.unmount(ctx, p)
}

func (s *Session) unmount(ctx context.Context, p *Page) error {
	if p.cancel != nil {
		p.cancel()
	}
	err := p.ctrl.Unmount(ctx)
	if err != nil {
		return fmt.Errorf("workspace: close %s: %w", p.ctrl.FormID(), err)
	}
	return nil
}

func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	pages := s.pages
	s.pages = map[string]*Page{}
	s.mu.Unlock()

	var errs []error
	for _, p := range pages {
		if err := s.unmount(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.bus.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("workspace: flush shared fields: %w", err))
	}
	s.bus.Close()
	s.store.ClearCache()
	s.holder.SignOut()
	return errors.Join(errs...)
}
