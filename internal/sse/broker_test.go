package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/formsync/internal/session"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe("")
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishDelivery(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe("")
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: SharedUpdated, Data: map[string]string{"field": "organizationName"}})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: shared.updated") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"field":"organizationName"`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestEventsScopedToUser(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	alice := b.Subscribe("alice")
	defer b.Unsubscribe(alice)
	bob := b.Subscribe("bob")
	defer b.Unsubscribe(bob)

	b.Publish(Event{Type: SharedUpdated, User: "alice", Data: map[string]string{}})

	select {
	case <-alice:
	case <-time.After(time.Second):
		t.Fatal("alice did not receive her event")
	}
	select {
	case msg := <-bob:
		t.Fatalf("bob received %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDocumentSaved_WorkspaceThrottle(t *testing.T) {
	b := NewBroker(500 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe("u1")
	defer b.Unsubscribe(ch)

	// First event should trigger workspace.updated.
	b.PublishDocumentSaved("u1", "form-a", "1")
	// Second event immediately should NOT trigger another one.
	b.PublishDocumentSaved("u1", "form-b", "2")

	time.Sleep(50 * time.Millisecond)
	workspaceCount := 0
	savedCount := 0
loop:
	for {
		select {
		case msg := <-ch:
			s := string(msg)
			if strings.Contains(s, WorkspaceUpdated) {
				workspaceCount++
			} else {
				savedCount++
			}
		default:
			break loop
		}
	}

	if savedCount != 2 {
		t.Errorf("saved events = %d, want 2", savedCount)
	}
	if workspaceCount != 1 {
		t.Errorf("workspace events = %d, want 1 (throttled)", workspaceCount)
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req = req.WithContext(session.NewContext(ctx, session.Session{UserID: "u1"}))
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	// Give handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.Publish(Event{Type: SharedUpdated, User: "u2", Data: map[string]string{"field": "other"}})
	b.Publish(Event{Type: SharedUpdated, User: "u1", Data: map[string]string{"field": "mine"}})
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, `"field":"mine"`) {
		t.Errorf("handler output missing event: %q", body)
	}
	if strings.Contains(body, `"field":"other"`) {
		t.Errorf("handler leaked another user's event: %q", body)
	}

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe("")
	defer b.Unsubscribe(ch)

	// Fill buffer (capacity 64) and then one more should not block.
	for i := 0; i < 70; i++ {
		b.Publish(Event{Type: "test", Data: map[string]string{"i": "x"}})
	}
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	ch := b.Subscribe("")
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	// Should be safe no-op after close.
	b.Publish(Event{Type: SharedUpdated, Data: map[string]string{}})
	b.PublishDocumentSaved("u1", "form-a", "x")
}
