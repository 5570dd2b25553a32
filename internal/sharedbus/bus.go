// Package sharedbus keeps the canonical shared fields in one snapshot and
// fans each change out to every page that mirrors it.
package sharedbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/formsync/internal/apperr"
	"github.com/starford/formsync/internal/forms"
	"github.com/starford/formsync/internal/models"
)

// Defaults.
const (
	DefaultDebounce    = time.Second
	DefaultConcurrency = 4
)

// Store is the persistence the bus writes mirrored values through.
type Store interface {
	Save(ctx context.Context, formID string, fields models.Fields) (string, error)
	Update(ctx context.Context, docID string, fields models.Fields) error
	LoadByFormID(ctx context.Context, formID string) (*models.Document, error)
}

// Sink receives mirrored values for a page that is currently open. A sink
// that returns an error hands the value back to the bus, which writes it
// to the stored document instead.
type Sink = func(field, value string) error

// Option configures a Bus.
type Option func(*Bus)

// WithDebounce sets the per-field fan-out delay.
func WithDebounce(d time.Duration) Option {
	return func(b *Bus) {
		if d >= 0 {
			b.debounce = d
		}
	}
}

// WithConcurrency bounds the number of target documents written at once.
func WithConcurrency(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithCatalog recomputes the derived fields of target documents that are
// not open when a mirrored value lands in them.
func WithCatalog(c func() *forms.Catalog) Option {
	return func(b *Bus) { b.catalog = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithObserver registers a callback for every accepted write.
func WithObserver(fn func(field forms.Canonical, value string)) Option {
	return func(b *Bus) { b.observer = fn }
}

// WithOnFailure registers a callback for target deliveries that failed.
func WithOnFailure(fn func(field forms.Canonical, target forms.FieldRef, err error)) Option {
	return func(b *Bus) { b.onFailure = fn }
}

type pending struct {
	timer *time.Timer
}

type attachment struct {
	sink Sink
}

// Bus is safe for concurrent use.
type Bus struct {
	store       Store
	logger      *slog.Logger
	debounce    time.Duration
	concurrency int
	catalog     func() *forms.Catalog
	observer    func(forms.Canonical, string)
	onFailure   func(forms.Canonical, forms.FieldRef, error)

	mu       sync.Mutex
	snapshot map[forms.Canonical]string
	pending  map[forms.Canonical]*pending
	written  map[forms.Canonical]struct{}
	sinks    map[string]*attachment
	closed   bool

	formMu sync.Mutex
	forms  map[string]*sync.Mutex

	inflight sync.WaitGroup
}

// New creates a bus writing through store.
func New(store Store, opts ...Option) *Bus {
	b := &Bus{
		store:       store,
		logger:      slog.Default(),
		debounce:    DefaultDebounce,
		concurrency: DefaultConcurrency,
		snapshot:    map[forms.Canonical]string{},
		pending:     map[forms.Canonical]*pending{},
		written:     map[forms.Canonical]struct{}{},
		sinks:       map[string]*attachment{},
		forms:       map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Read returns a copy of the canonical snapshot.
func (b *Bus) Read() map[forms.Canonical]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[forms.Canonical]string, len(b.snapshot))
	for k, v := range b.snapshot {
		out[k] = v
	}
	return out
}

// Load fills the snapshot from the canonical source documents. Missing
// documents and fields read as empty strings. Fields already written on
// this bus keep their in-memory value: the source page may not have saved
// it yet, and its fan-out may still be in flight.
func (b *Bus) Load(ctx context.Context) error {
	docs := map[string]*models.Document{}
	var errs []error
	for _, formID := range forms.SourceDocuments() {
		doc, err := b.store.LoadByFormID(ctx, formID)
		if err != nil {
			errs = append(errs, fmt.Errorf("sharedbus: load %s: %w", formID, err))
			continue
		}
		docs[formID] = doc
	}

	b.mu.Lock()
	for _, c := range forms.AllCanonical {
		if _, ok := b.written[c]; ok {
			continue
		}
		src := forms.Mappings[c].Source
		value := ""
		if doc := docs[src.FormID]; doc != nil {
			value = models.String(doc.Fields[src.Field])
		}
		b.snapshot[c] = value
	}
	b.mu.Unlock()
	return errors.Join(errs...)
}

// Write records value for field and schedules the fan-out to its targets.
// Repeated writes to the same field within the debounce window coalesce
// into one fan-out of the last value; writes to different fields are
// debounced independently.
func (b *Bus) Write(field forms.Canonical, value string) {
	if !field.Valid() {
		b.logger.Warn("sharedbus: unknown field", slog.String("field", string(field)))
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.snapshot[field] = value
	b.written[field] = struct{}{}
	if p, ok := b.pending[field]; ok {
		p.timer.Stop()
	}
	p := &pending{}
	b.pending[field] = p
	p.timer = time.AfterFunc(b.debounce, func() { b.fire(field, p) })
	b.mu.Unlock()

	if b.observer != nil {
		b.observer(field, value)
	}
}

func (b *Bus) fire(field forms.Canonical, p *pending) {
	b.mu.Lock()
	if b.closed || b.pending[field] != p {
		b.mu.Unlock()
		return
	}
	delete(b.pending, field)
	value := b.snapshot[field]
	b.inflight.Add(1)
	b.mu.Unlock()

	defer b.inflight.Done()
	b.deliver(context.Background(), field, value)
}

// Flush delivers every pending write now and waits for in-flight fan-outs.
func (b *Bus) Flush(ctx context.Context) error {
	b.mu.Lock()
	type item struct {
		field forms.Canonical
		value string
	}
	var items []item
	for field, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, field)
		items = append(items, item{field, b.snapshot[field]})
	}
	b.inflight.Add(1)
	b.mu.Unlock()

	for _, it := range items {
		b.deliver(ctx, it.field, it.value)
	}
	b.inflight.Done()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops pending writes and waits for in-flight fan-outs. Call Flush
// first to deliver them.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	for field, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, field)
	}
	b.mu.Unlock()
	b.inflight.Wait()
}

// Attach routes deliveries for formID to sink instead of the store while
// the page is open, and replays the non-empty snapshot values the page
// mirrors.
// The returned func detaches the sink; once it returns no delivery is
// running through the sink and later ones go to the store.
func (b *Bus) Attach(formID string, sink Sink) (detach func()) {
	a := &attachment{sink: sink}
	b.mu.Lock()
	b.sinks[formID] = a
	replay := map[string]string{}
	for field, c := range forms.Mirrored(formID) {
		if v := b.snapshot[c]; v != "" {
			replay[field] = v
		}
	}
	b.mu.Unlock()

	unlock := b.lockForm(formID)
	for field, v := range replay {
		if err := sink(field, v); err != nil {
			b.logger.Warn("sharedbus: replay rejected",
				slog.String("form_id", formID),
				slog.String("target", field),
				slog.String("error", err.Error()))
		}
	}
	unlock()

	return func() {
		unlock := b.lockForm(formID)
		defer unlock()
		b.mu.Lock()
		if b.sinks[formID] == a {
			delete(b.sinks, formID)
		}
		b.mu.Unlock()
	}
}

func (b *Bus) sink(formID string) Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a := b.sinks[formID]; a != nil {
		return a.sink
	}
	return nil
}

// lockForm serializes writes to one target document so that two fields
// landing in the same page do not overwrite each other.
func (b *Bus) lockForm(formID string) func() {
	b.formMu.Lock()
	m, ok := b.forms[formID]
	if !ok {
		m = &sync.Mutex{}
		b.forms[formID] = m
	}
	b.formMu.Unlock()
	m.Lock()
	return m.Unlock
}

func (b *Bus) deliver(ctx context.Context, field forms.Canonical, value string) {
	targets := forms.Mappings[field].Targets
	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for _, target := range targets {
		g.Go(func() error {
			if err := b.deliverTarget(ctx, target, value); err != nil {
				b.logger.Warn("sharedbus: delivery failed",
					slog.String("field", string(field)),
					slog.String("form_id", target.FormID),
					slog.String("target", target.Field),
					slog.String("error", err.Error()))
				if b.onFailure != nil {
					b.onFailure(field, target, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	b.logger.Debug("sharedbus: fanned out",
		slog.String("field", string(field)),
		slog.Int("targets", len(targets)))
}

// deliverTarget writes one mirrored value. Each target runs in its own
// error boundary: failures and panics stay local to it.
func (b *Bus) deliverTarget(ctx context.Context, target forms.FieldRef, value string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sharedbus: panic: %v", r)
		}
	}()

	unlock := b.lockForm(target.FormID)
	defer unlock()

	if sink := b.sink(target.FormID); sink != nil {
		serr := sink(target.Field, value)
		if serr == nil {
			return nil
		}
		b.logger.Warn("sharedbus: open page rejected value, writing to store",
			slog.String("form_id", target.FormID),
			slog.String("target", target.Field),
			slog.String("error", serr.Error()))
	}

	doc, err := b.store.LoadByFormID(ctx, target.FormID)
	if err != nil {
		return err
	}
	if doc == nil {
		fields := b.derive(target.FormID, models.Fields{target.Field: value})
		_, err := b.store.Save(ctx, target.FormID, fields)
		if !errors.Is(err, apperr.ErrAlreadyExists) {
			return err
		}
		// Created concurrently by an open page: merge into it instead.
		if doc, err = b.store.LoadByFormID(ctx, target.FormID); err != nil || doc == nil {
			return fmt.Errorf("sharedbus: reload %s: %w", target.FormID, errors.Join(err, apperr.ErrNotFound))
		}
	}
	if models.ValueEqual(doc.Fields[target.Field], value) {
		return nil
	}
	fields := doc.Fields.Clone()
	fields[target.Field] = value
	return b.store.Update(ctx, doc.ID, b.derive(target.FormID, fields))
}

// derive refreshes the derived fields of a closed page. A faulting rule
// leaves the stored derived values as they are.
func (b *Bus) derive(formID string, fields models.Fields) models.Fields {
	if b.catalog == nil {
		return fields
	}
	engine, err := b.catalog().Engine(formID, b.logger)
	if err != nil {
		return fields
	}
	derived, err := engine.Evaluate(fields)
	if err != nil {
		b.logger.Warn("sharedbus: derive skipped", slog.String("form_id", formID), slog.String("error", err.Error()))
		return fields
	}
	for k, v := range derived {
		fields[k] = v
	}
	return fields
}
