// Package session tracks the authenticated user a store acts for.
package session

import (
	"context"
	"strings"
	"sync"
)

// Session identifies the signed-in user.
type Session struct {
	UserID string
}

// Provider reports the active session, if any.
type Provider interface {
	Current() (Session, bool)
}

// Holder is a Provider whose session is set at sign-in and cleared at sign-out.
type Holder struct {
	mu  sync.RWMutex
	cur *Session
}

// NewHolder returns a Holder with no active session.
func NewHolder() *Holder {
	return &Holder{}
}

// SignIn activates a session for userID. Blank ids are ignored.
func (h *Holder) SignIn(userID string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	h.mu.Lock()
	h.cur = &Session{UserID: userID}
	h.mu.Unlock()
}

// SignOut clears the active session.
func (h *Holder) SignOut() {
	h.mu.Lock()
	h.cur = nil
	h.mu.Unlock()
}

// Current implements Provider.
func (h *Holder) Current() (Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cur == nil {
		return Session{}, false
	}
	return *h.cur, true
}

// Static is a Provider pinned to one user.
type Static string

// Current implements Provider.
func (s Static) Current() (Session, bool) {
	if strings.TrimSpace(string(s)) == "" {
		return Session{}, false
	}
	return Session{UserID: string(s)}, true
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session stored in ctx by NewContext.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	if !ok || s.UserID == "" {
		return Session{}, false
	}
	return s, true
}
