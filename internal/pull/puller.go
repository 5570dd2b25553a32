// Package pull copies values computed in other pages' saved documents into
// a mounted page, per field, while that field is in Auto mode.
package pull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/starford/formsync/internal/apperr"
	"github.com/starford/formsync/internal/forms"
	"github.com/starford/formsync/internal/models"
)

// DefaultInterval is the re-pull period used by Run.
const DefaultInterval = time.Minute

// Mode is the per-field pull state.
type Mode int

const (
	// Auto fields follow their source and are read-only on the page.
	Auto Mode = iota
	// Manual fields are edited locally and ignored by pulls.
	Manual
)

func (m Mode) String() string {
	if m == Manual {
		return "manual"
	}
	return "auto"
}

// Loader reads source documents.
type Loader interface {
	LoadByFormID(ctx context.Context, formID string) (*models.Document, error)
}

// Target is the page the pulled values land in.
type Target interface {
	ApplyExternal(name string, value any) error
	Lock(name string)
	Unlock(name string)
}

// Option configures a Puller.
type Option func(*Puller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Puller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithOnPulled registers a callback for every value copied into the page.
func WithOnPulled(fn func(field string, value any)) Option {
	return func(p *Puller) { p.onPulled = fn }
}

// Puller is safe for concurrent use.
type Puller struct {
	target   Target
	loader   Loader
	logger   *slog.Logger
	links    map[string]forms.PullLink
	onPulled func(string, any)

	mu    sync.Mutex
	modes map[string]Mode
}

// New creates a puller for links with every field in Auto mode.
func New(target Target, loader Loader, links []forms.PullLink, opts ...Option) *Puller {
	p := &Puller{
		target: target,
		loader: loader,
		logger: slog.Default(),
		links:  make(map[string]forms.PullLink, len(links)),
		modes:  make(map[string]Mode, len(links)),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, l := range links {
		p.links[l.Field] = l
		p.modes[l.Field] = Auto
		target.Lock(l.Field)
	}
	return p
}

// Fields returns the pulled field names, sorted.
func (p *Puller) Fields() []string {
	out := make([]string, 0, len(p.links))
	for f := range p.links {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Mode returns the mode of field.
func (p *Puller) Mode(field string) (Mode, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.modes[field]
	return m, ok
}

// Modes returns a copy of every field's mode.
func (p *Puller) Modes() map[string]Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Mode, len(p.modes))
	for k, v := range p.modes {
		out[k] = v
	}
	return out
}

// Pull refreshes every Auto field once.
func (p *Puller) Pull(ctx context.Context) error {
	var errs []error
	for _, field := range p.Fields() {
		if err := p.pullField(ctx, field); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetAuto switches field between Auto and Manual. Switching to Auto locks
// the field and re-pulls it immediately.
func (p *Puller) SetAuto(ctx context.Context, field string, auto bool) error {
	if _, ok := p.links[field]; !ok {
		return fmt.Errorf("pull: %s is not a pulled field: %w", field, apperr.ErrInvalidInput)
	}
	p.mu.Lock()
	if auto {
		p.modes[field] = Auto
		p.target.Lock(field)
	} else {
		p.modes[field] = Manual
		p.target.Unlock(field)
	}
	p.mu.Unlock()

	if !auto {
		return nil
	}
	return p.pullField(ctx, field)
}

func (p *Puller) pullField(ctx context.Context, field string) error {
	if m, _ := p.Mode(field); m != Auto {
		return nil
	}
	link := p.links[field]
	doc, err := p.loader.LoadByFormID(ctx, link.Source.FormID)
	if err != nil {
		return fmt.Errorf("pull: %s from %s: %w", field, link.Source.FormID, err)
	}
	if doc == nil {
		return nil
	}
	value, ok := doc.Fields[link.Source.Field]
	if !ok {
		return nil
	}
	// The user may have switched to Manual while the load was in flight.
	if m, _ := p.Mode(field); m != Auto {
		return nil
	}
	if err := p.target.ApplyExternal(field, value); err != nil {
		return fmt.Errorf("pull: apply %s: %w", field, err)
	}
	if p.onPulled != nil {
		p.onPulled(field, value)
	}
	return nil
}

// Run re-pulls every interval until ctx is done. Callers pull once
// themselves on mount.
func (p *Puller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pullLogged(ctx)
		}
	}
}

func (p *Puller) pullLogged(ctx context.Context) {
	if err := p.Pull(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("pull: refresh failed", slog.String("error", err.Error()))
	}
}
