package workspace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/starford/formsync/internal/apperr"
	"github.com/starford/formsync/internal/fieldgraph"
	"github.com/starford/formsync/internal/forms"
	"github.com/starford/formsync/internal/models"
	"github.com/starford/formsync/internal/storage"
	"github.com/starford/formsync/internal/testutil"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PageDelay = 20 * time.Millisecond
	cfg.QuickDelay = 10 * time.Millisecond
	cfg.Debounce = 10 * time.Millisecond
	cfg.PullInterval = time.Hour
	cfg.Retry = testutil.FastRetry()
	return cfg
}

func newManager(t *testing.T, cfg Config) (*Manager, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	m := New(mem, cfg, WithLogger(testutil.QuietLogger()))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, mem
}

func newSessionFor(t *testing.T, m *Manager) *Session {
	t.Helper()
	s, err := m.Session(context.Background(), testutil.User)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func storedField(t *testing.T, s *Session, formID, name string) any {
	t.Helper()
	doc, err := s.Store().LoadByFormID(context.Background(), formID)
	if err != nil {
		t.Fatal(err)
	}
	if doc == nil {
		return nil
	}
	return doc.Fields[name]
}

func TestSessionRequiresUser(t *testing.T) {
	m, _ := newManager(t, testConfig())
	if _, err := m.Session(context.Background(), " "); !errors.Is(err, apperr.ErrNotAuthenticated) {
		t.Errorf("err = %v", err)
	}
}

func TestSessionIsReused(t *testing.T) {
	m, _ := newManager(t, testConfig())
	a := newSessionFor(t, m)
	b := newSessionFor(t, m)
	if a != b || m.ActiveSessions() != 1 {
		t.Error("one session per user expected")
	}
}

func TestEditOnSourcePageReachesMirrors(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, testConfig())
	s := newSessionFor(t, m)

	page, err := s.Open(ctx, forms.FormA, nil, PageAutosave)
	if err != nil {
		t.Fatal(err)
	}
	if err := page.Controller().UpdateField("A1", "Acme"); err != nil {
		t.Fatal(err)
	}
	if got := s.SharedFields()[forms.OrganizationName]; got != "Acme" {
		t.Errorf("snapshot = %q", got)
	}
	testutil.Eventually(t, 2*time.Second, func() bool {
		return storedField(t, s, forms.FormJ, "J1") == "Acme"
	})
	testutil.Eventually(t, 2*time.Second, func() bool {
		return storedField(t, s, forms.FormA, "A1") == "Acme"
	})
}

func TestOpenPageReceivesSharedWrite(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, testConfig())
	s := newSessionFor(t, m)

	page, err := s.Open(ctx, forms.FormB, nil, QuickAutosave)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteShared(ctx, forms.OrganizationName, "Acme"); err != nil {
		t.Fatal(err)
	}
	if v := storedField(t, s, forms.FormA, "A1"); v != "Acme" {
		t.Errorf("source A1 = %v", v)
	}
	testutil.Eventually(t, 2*time.Second, func() bool {
		v, _ := page.Controller().Field("B1")
		return v == "Acme"
	})
	// The open page saves the mirrored value itself.
	testutil.Eventually(t, 2*time.Second, func() bool {
		return storedField(t, s, forms.FormB, "B1") == "Acme"
	})
}

func TestWriteSharedRejectsComputedField(t *testing.T) {
	m, _ := newManager(t, testConfig())
	s := newSessionFor(t, m)
	err := s.WriteShared(context.Background(), forms.TotalPersonnelCosts, "1")
	if !errors.Is(err, apperr.ErrReadOnly) {
		t.Errorf("err = %v", err)
	}
	if err := s.WriteShared(context.Background(), "bogus", "1"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("err = %v", err)
	}
}

func TestOpenPullsLinkedValue(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, testConfig())
	s := newSessionFor(t, m)

	d, err := s.CreateDocument(ctx, forms.FormD, models.Fields{"D1": "20000", "D2": "30", "D4": "5", "D5": "12", "D7": "10"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Fields["D9"] != "1716000" {
		t.Fatalf("D9 = %v", d.Fields["D9"])
	}

	page, err := s.Open(ctx, forms.FormC, models.Fields{"C3": "1716"}, PageAutosave)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := page.Controller().Field("C4"); v != "1716000" {
		t.Errorf("C4 = %v", v)
	}
	if v, _ := page.Controller().Field("C5"); v != "1000.00" {
		t.Errorf("C5 = %v", v)
	}
	view := page.View()
	if view.Pull["C4"] != "auto" {
		t.Errorf("pull modes = %v", view.Pull)
	}
}

func TestUpdateDocumentChecksIfMatch(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, testConfig())
	s := newSessionFor(t, m)

	d, err := s.CreateDocument(ctx, forms.FormG, models.Fields{"G1": "3", "G2": "2"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Fields["G3"] != "33.3" {
		t.Errorf("G3 = %v", d.Fields["G3"])
	}
	if _, err := s.UpdateDocument(ctx, d.ID, models.Fields{"G1": "4"}, "stale"); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("stale if-match: err = %v", err)
	}
	up, err := s.UpdateDocument(ctx, d.ID, models.Fields{"G1": "4", "G2": "2"}, d.Checksum)
	if err != nil {
		t.Fatal(err)
	}
	if up.Fields["G3"] != "50.0" || up.Checksum == d.Checksum {
		t.Errorf("updated = %+v", up)
	}
	if _, err := s.UpdateDocument(ctx, "missing", models.Fields{}, ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}
	if _, err := s.CreateDocument(ctx, forms.FormG, models.Fields{}); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("duplicate: err = %v", err)
	}
}

func TestDirectWriteToOpenPageConflicts(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, testConfig())
	s := newSessionFor(t, m)
	if _, err := s.Open(ctx, forms.FormG, nil, PageAutosave); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateDocument(ctx, forms.FormG, models.Fields{}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("err = %v", err)
	}
}

func TestSignOutSavesPagesAndFlushesBus(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PageDelay = time.Hour
	cfg.Debounce = time.Hour
	m, _ := newManager(t, cfg)
	s := newSessionFor(t, m)

	page, err := s.Open(ctx, forms.FormA, nil, PageAutosave)
	if err != nil {
		t.Fatal(err)
	}
	_ = page.Controller().UpdateField("A2", "Jane")
	if err := m.SignOut(ctx, testutil.User); err != nil {
		t.Fatal(err)
	}
	if m.ActiveSessions() != 0 {
		t.Error("session should be gone")
	}
	if _, err := s.Store().LoadByFormID(ctx, forms.FormA); !errors.Is(err, apperr.ErrNotAuthenticated) {
		t.Errorf("store after sign-out: err = %v", err)
	}

	next := newSessionFor(t, m)
	if v := storedField(t, next, forms.FormA, "A2"); v != "Jane" {
		t.Errorf("A2 = %v", v)
	}
	if v := storedField(t, next, forms.FormJ, "J2"); v != "Jane" {
		t.Errorf("J2 = %v", v)
	}
	if got := next.SharedFields()[forms.ContactPerson]; got != "Jane" {
		t.Errorf("reloaded snapshot = %q", got)
	}
}

func TestClosePage(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PageDelay = time.Hour
	m, _ := newManager(t, cfg)
	s := newSessionFor(t, m)

	page, _ := s.Open(ctx, forms.FormG, nil, PageAutosave)
	_ = page.Controller().UpdateField("G1", "10")
	if err := s.ClosePage(ctx, forms.FormG); err != nil {
		t.Fatal(err)
	}
	if v := storedField(t, s, forms.FormG, "G1"); v != "10" {
		t.Errorf("G1 = %v", v)
	}
	if len(s.OpenPages()) != 0 {
		t.Errorf("open pages = %v", s.OpenPages())
	}
	if err := s.ClosePage(ctx, forms.FormG); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second close: err = %v", err)
	}

	// Reopening finds the saved document.
	again, _ := s.Open(ctx, forms.FormG, nil, PageAutosave)
	if again.Controller().DocumentID() == "" {
		t.Error("reopened page should load the saved document")
	}
}

func TestApplyRules(t *testing.T) {
	m, _ := newManager(t, testConfig())
	s := newSessionFor(t, m)

	err := m.ApplyRules(map[string][]fieldgraph.Rule{
		forms.FormG: {{Target: "G11", Sources: []string{"G10"}, Decimals: 1,
			Compute: fieldgraph.Func(func(in fieldgraph.Inputs) float64 { return in.Get("G10") / 2 })}},
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := s.Compute(forms.FormG, models.Fields{"G1": "3", "G2": "1", "G4": "10", "G9_external": "5"})
	if err != nil {
		t.Fatal(err)
	}
	if out["G10"] != "25" || out["G11"] != "12.5" {
		t.Errorf("computed = %v", out)
	}

	err = m.ApplyRules(map[string][]fieldgraph.Rule{
		forms.FormG: {{Target: "G1", Sources: []string{"G3"}, Compute: fieldgraph.Func(func(in fieldgraph.Inputs) float64 { return 0 })}},
	})
	if err == nil {
		t.Error("cyclic rules should be rejected")
	}
	if _, err := s.Compute("form-x", nil); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("unknown form: err = %v", err)
	}
}

// gatedBackend holds form lookups until release is closed.
type gatedBackend struct {
	*storage.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedBackend) FindByForm(ctx context.Context, userID, formID string) (*models.Document, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Memory.FindByForm(ctx, userID, formID)
}

func TestConcurrentSessionWaitsForSharedFields(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	now := time.Now().UTC()
	if err := mem.Create(ctx, &models.Document{ID: "a", UserID: testutil.User, FormID: forms.FormA,
		Fields: models.Fields{"A1": "Acme"}, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	gb := &gatedBackend{Memory: mem, entered: make(chan struct{}), release: make(chan struct{})}
	m := New(gb, testConfig(), WithLogger(testutil.QuietLogger()))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	first := make(chan *Session, 1)
	go func() {
		s, _ := m.Session(ctx, testutil.User)
		first <- s
	}()
	<-gb.entered

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := m.Session(short, testutil.User); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want the caller to wait for the load", err)
	}

	second := make(chan *Session, 1)
	go func() {
		s, _ := m.Session(ctx, testutil.User)
		second <- s
	}()
	close(gb.release)

	a, b := <-first, <-second
	if a == nil || a != b {
		t.Fatal("both callers should get the same session")
	}
	if got := b.SharedFields()[forms.OrganizationName]; got != "Acme" {
		t.Errorf("organization name = %q, want the loaded value", got)
	}
}
