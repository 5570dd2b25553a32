// Package controller owns one mounted page: its field map, dirty tracking
// against the last saved baseline, derived-field recomputation and the
// debounced auto-save.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/formsync/internal/apperr"
	"github.com/starford/formsync/internal/fieldgraph"
	"github.com/starford/formsync/internal/forms"
	"github.com/starford/formsync/internal/models"
)

// Default auto-save delays.
const (
	DefaultPageDelay  = 30 * time.Second
	DefaultQuickDelay = 5 * time.Second
)

// ErrUnmounted is returned by operations on a closed controller.
var ErrUnmounted = errors.New("controller: page is unmounted")

// State is the controller lifecycle state.
type State int

const (
	StateLoading State = iota
	StateClean
	StateDirty
	StateSaving
	StateUnmounted
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateSaving:
		return "saving"
	case StateUnmounted:
		return "unmounted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Store is the persistence the controller saves through.
type Store interface {
	Save(ctx context.Context, formID string, fields models.Fields) (string, error)
	Update(ctx context.Context, docID string, fields models.Fields) error
	LoadByID(ctx context.Context, docID string) (*models.Document, error)
	LoadByFormID(ctx context.Context, formID string) (*models.Document, error)
}

// Bus is the shared-field channel a mounted page publishes to and receives
// mirrored canonical values from.
type Bus interface {
	Write(field forms.Canonical, value string)
	Attach(formID string, sink func(field, value string) error) (detach func())
}

// Option configures a Controller.
type Option func(*Controller)

// WithSaveDelay sets the auto-save debounce delay.
func WithSaveDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.saveDelay = d
		}
	}
}

// WithBus connects the controller to the shared-field bus.
func WithBus(b Bus) Option {
	return func(c *Controller) { c.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithOnSaveError registers a callback for failed saves (auto or explicit).
func WithOnSaveError(fn func(error)) Option {
	return func(c *Controller) { c.onSaveError = fn }
}

// WithOnSaved registers a callback invoked after each successful save.
func WithOnSaved(fn func(doc models.Document)) Option {
	return func(c *Controller) { c.onSaved = fn }
}

// Controller is safe for concurrent use.
type Controller struct {
	formID    string
	store     Store
	engine    *fieldgraph.Engine
	bus       Bus
	logger    *slog.Logger
	saveDelay time.Duration

	published map[string]forms.Canonical
	mirrored  map[string]forms.Canonical

	onSaveError func(error)
	onSaved     func(models.Document)

	saveMu sync.Mutex // serializes store writes

	mu       sync.Mutex
	state    State
	fields   models.Fields
	baseline models.Fields
	defaults models.Fields
	docID    string
	saving   bool
	closed   bool
	timer    *time.Timer
	locked   map[string]struct{}
	detach   func()
}

// New creates a controller for formID. engine evaluates the page's rules.
func New(formID string, store Store, engine *fieldgraph.Engine, opts ...Option) *Controller {
	c := &Controller{
		formID:    formID,
		store:     store,
		engine:    engine,
		logger:    slog.Default(),
		saveDelay: DefaultPageDelay,
		published: forms.Published(formID),
		mirrored:  forms.Mirrored(formID),
		state:     StateLoading,
		fields:    models.Fields{},
		baseline:  models.Fields{},
		defaults:  models.Fields{},
		locked:    map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FormID returns the page's form id.
func (c *Controller) FormID() string { return c.formID }

// Load fetches the page document (by priorID when known, else by form id)
// and becomes Ready. When nothing is stored, or the load fails, the page
// starts from defaults; a load failure is still returned to the caller.
func (c *Controller) Load(ctx context.Context, priorID string, defaults models.Fields) error {
	var (
		doc *models.Document
		err error
	)
	if priorID != "" {
		doc, err = c.store.LoadByID(ctx, priorID)
	}
	if err == nil && doc == nil {
		doc, err = c.store.LoadByFormID(ctx, c.formID)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrUnmounted
	}
	c.defaults = defaults.Clone()
	if err == nil && doc != nil {
		c.docID = doc.ID
		c.fields = doc.Fields.Clone()
		c.baseline = doc.Fields.Clone()
	} else {
		c.fields = defaults.Clone()
		c.baseline = defaults.Clone()
	}
	c.engine.Reset()
	c.recomputeLocked()
	if doc == nil {
		// Nothing stored yet: the derived defaults are the baseline.
		c.baseline = c.fields.Clone()
	}
	c.settleLocked()
	c.mu.Unlock()

	if c.bus != nil {
		detach := c.bus.Attach(c.formID, func(field, value string) error {
			return c.ApplyExternal(field, value)
		})
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			detach()
		} else {
			c.detach = detach
			c.mu.Unlock()
		}
	}

	if err != nil {
		c.logger.Warn("controller: load failed, using defaults",
			slog.String("form_id", c.formID),
			slog.String("error", err.Error()))
		return fmt.Errorf("controller: load %s: %w", c.formID, err)
	}
	return nil
}

// UpdateField sets a user-editable field. Setting a field to its current
// value is a no-op. Derived fields, mirrored canonical fields and
// auto-pulled fields are read-only.
func (c *Controller) UpdateField(name string, value any) error {
	if c.engine.IsDerived(name) {
		return fmt.Errorf("controller: %s is derived: %w", name, apperr.ErrReadOnly)
	}
	if _, ok := c.mirrored[name]; ok {
		return fmt.Errorf("controller: %s mirrors a shared field: %w", name, apperr.ErrReadOnly)
	}
	c.mu.Lock()
	_, isLocked := c.locked[name]
	c.mu.Unlock()
	if isLocked {
		return fmt.Errorf("controller: %s is pulled automatically: %w", name, apperr.ErrReadOnly)
	}
	return c.set(name, value)
}

// ApplyExternal writes a value delivered by the bus or a pull link,
// bypassing the read-only checks that guard user edits.
func (c *Controller) ApplyExternal(name string, value any) error {
	return c.set(name, value)
}

func (c *Controller) set(name string, value any) error {
	v, err := models.NormalizeValue(value)
	if err != nil {
		return fmt.Errorf("controller: %s: %v: %w", name, err, apperr.ErrInvalidInput)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrUnmounted
	}
	if cur, ok := c.fields[name]; ok && models.ValueEqual(cur, v) {
		c.mu.Unlock()
		return nil
	}
	c.fields[name] = v
	changed := append([]string{name}, c.recomputeLocked()...)
	c.settleLocked()
	publish := c.publishableLocked(changed)
	c.mu.Unlock()

	c.publish(publish)
	return nil
}

// recomputeLocked applies the engine delta and returns the changed targets.
func (c *Controller) recomputeLocked() []string {
	delta := c.engine.Recompute(c.fields)
	var changed []string
	for k, v := range delta {
		if cur, ok := c.fields[k]; ok && models.ValueEqual(cur, v) {
			continue
		}
		c.fields[k] = v
		changed = append(changed, k)
	}
	return changed
}

// settleLocked updates the state from the dirty check and (re)arms or
// cancels the auto-save timer.
func (c *Controller) settleLocked() {
	dirty := !c.fields.Equal(c.baseline)
	switch {
	case c.saving:
		c.state = StateSaving
	case dirty:
		c.state = StateDirty
	default:
		c.state = StateClean
	}
	if dirty {
		c.armLocked()
	} else if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) armLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.saveDelay, c.autoSave)
}

type publication struct {
	field forms.Canonical
	value string
}

func (c *Controller) publishableLocked(changed []string) []publication {
	if c.bus == nil {
		return nil
	}
	var out []publication
	for _, name := range changed {
		if canon, ok := c.published[name]; ok {
			out = append(out, publication{field: canon, value: models.String(c.fields[name])})
		}
	}
	return out
}

func (c *Controller) publish(pubs []publication) {
	for _, p := range pubs {
		c.bus.Write(p.field, p.value)
	}
}

func (c *Controller) autoSave() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := c.SaveNow(ctx); err != nil && !errors.Is(err, ErrUnmounted) {
		c.logger.Warn("controller: auto-save failed",
			slog.String("form_id", c.formID),
			slog.String("error", err.Error()))
	}
}

// SaveNow writes the current field map if it differs from the last saved
// baseline. It is a no-op when there is nothing to save.
func (c *Controller) SaveNow(ctx context.Context) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrUnmounted
	}
	if c.fields.Equal(c.baseline) {
		c.mu.Unlock()
		return nil
	}
	snapshot := c.fields.Clone()
	docID := c.docID
	c.saving = true
	c.state = StateSaving
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	baseline := c.baseline.Clone()
	c.mu.Unlock()

	docID, written, err := c.write(ctx, docID, snapshot, baseline)

	c.mu.Lock()
	c.saving = false
	if c.closed {
		c.mu.Unlock()
		return err
	}
	if err != nil {
		c.settleLocked()
		c.mu.Unlock()
		if c.onSaveError != nil {
			c.onSaveError(err)
		}
		return err
	}
	c.docID = docID
	c.baseline = written
	var publish []publication
	if !written.Equal(snapshot) {
		publish = c.adoptLocked(snapshot, written)
	}
	c.settleLocked()
	saved := models.Document{ID: docID, FormID: c.formID, Fields: written.Clone()}
	c.mu.Unlock()

	c.publish(publish)
	c.logger.Debug("controller: saved", slog.String("form_id", c.formID), slog.String("doc_id", docID))
	if c.onSaved != nil {
		c.onSaved(saved)
	}
	return nil
}

func (c *Controller) write(ctx context.Context, docID string, snapshot, baseline models.Fields) (string, models.Fields, error) {
	if docID != "" {
		if err := c.store.Update(ctx, docID, snapshot); err != nil {
			return "", nil, fmt.Errorf("controller: update %s: %w", c.formID, err)
		}
		return docID, snapshot, nil
	}
	id, err := c.store.Save(ctx, c.formID, snapshot)
	if err == nil {
		return id, snapshot, nil
	}
	if !errors.Is(err, apperr.ErrAlreadyExists) {
		return "", nil, fmt.Errorf("controller: save %s: %w", c.formID, err)
	}
	// Someone (usually the bus) created the document first: adopt it.
	doc, lerr := c.store.LoadByFormID(ctx, c.formID)
	if lerr != nil || doc == nil {
		return "", nil, fmt.Errorf("controller: save %s: %w", c.formID, err)
	}
	merged := c.merge(doc.Fields, snapshot, baseline)
	if err := c.store.Update(ctx, doc.ID, merged); err != nil {
		return "", nil, fmt.Errorf("controller: update %s: %w", c.formID, err)
	}
	c.logger.Info("controller: adopted stored document",
		slog.String("form_id", c.formID),
		slog.String("doc_id", doc.ID))
	return doc.ID, merged, nil
}

// merge overlays the page's edits on a stored document. Stored values win
// for every input the page did not change since its baseline; derived
// fields are recomputed from the result.
func (c *Controller) merge(stored, snapshot, baseline models.Fields) models.Fields {
	merged := snapshot.Clone()
	for k, v := range stored {
		if c.engine.IsDerived(k) {
			continue
		}
		if cur, ok := snapshot[k]; ok && !models.ValueEqual(cur, baseline[k]) {
			continue
		}
		merged[k] = v
	}
	derived, err := c.engine.Evaluate(merged)
	if err != nil {
		c.logger.Warn("controller: merge recompute failed",
			slog.String("form_id", c.formID),
			slog.String("error", err.Error()))
		return merged
	}
	for k, v := range derived {
		merged[k] = v
	}
	return merged
}

// adoptLocked replaces the field map with the adopted document, keeps
// edits made while the save was in flight and returns what to publish.
func (c *Controller) adoptLocked(snapshot, written models.Fields) []publication {
	prev := c.fields
	c.fields = written.Clone()
	for k, v := range prev {
		if !models.ValueEqual(v, snapshot[k]) && !c.engine.IsDerived(k) {
			c.fields[k] = v
		}
	}
	c.engine.Reset()
	c.recomputeLocked()
	var changed []string
	for k, v := range c.fields {
		if !models.ValueEqual(prev[k], v) {
			changed = append(changed, k)
		}
	}
	return c.publishableLocked(changed)
}

// Reset restores the defaults the page was loaded with.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrUnmounted
	}
	prev := c.fields
	c.fields = c.defaults.Clone()
	c.engine.Reset()
	c.recomputeLocked()
	var changed []string
	for k, v := range c.fields {
		if !models.ValueEqual(prev[k], v) {
			changed = append(changed, k)
		}
	}
	c.settleLocked()
	publish := c.publishableLocked(changed)
	c.mu.Unlock()

	c.publish(publish)
	return nil
}

// Lock marks a field as read-only for UpdateField.
func (c *Controller) Lock(name string) {
	c.mu.Lock()
	c.locked[name] = struct{}{}
	c.mu.Unlock()
}

// Unlock makes a locked field editable again.
func (c *Controller) Unlock(name string) {
	c.mu.Lock()
	delete(c.locked, name)
	c.mu.Unlock()
}

// Unmount saves pending edits, detaches from the bus and closes the page.
// Values delivered before the detach completes are saved with the page;
// later ones are written to the stored document by the bus.
func (c *Controller) Unmount(ctx context.Context) error {
	err := c.SaveNow(ctx)
	c.mu.Lock()
	detach := c.detach
	c.detach = nil
	c.mu.Unlock()
	if detach != nil {
		detach()
		if serr := c.SaveNow(ctx); err == nil {
			err = serr
		}
	}
	c.Close()
	return err
}

// Close unmounts the page: timers stop, the bus detaches and later results
// of in-flight saves are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateUnmounted
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	detach := c.detach
	c.detach = nil
	c.mu.Unlock()

	if detach != nil {
		detach()
	}
}

// Field returns the current value of name.
func (c *Controller) Field(name string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.fields[name]
	return v, ok
}

// Fields returns a copy of the field map.
func (c *Controller) Fields() models.Fields {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fields.Clone()
}

// HasUnsavedChanges reports whether the field map differs from the last
// successfully saved baseline.
func (c *Controller) HasUnsavedChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.fields.Equal(c.baseline)
}

// DocumentID returns the id of the backing document, empty before the first save.
func (c *Controller) DocumentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docID
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// autoSavePending reports whether the debounce timer is armed.
func (c *Controller) autoSavePending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}
