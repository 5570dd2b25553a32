// Package testutil provides shared test helpers for building stores,
// engines and waiting on asynchronous work.
package testutil

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/formsync/internal/docstore"
	"github.com/starford/formsync/internal/fieldgraph"
	"github.com/starford/formsync/internal/forms"
	"github.com/starford/formsync/internal/session"
	"github.com/starford/formsync/internal/storage"
)

// User is the signed-in user used by Store.
const User = "user-1"

// QuietLogger discards all output.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FastRetry keeps retry tests quick.
func FastRetry() docstore.RetryPolicy {
	return docstore.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxJitter: time.Millisecond}
}

// Store returns a document store over an in-memory backend for User.
func Store(t *testing.T) (*docstore.Store, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	return docstore.New(mem, session.Static(User),
		docstore.WithLogger(QuietLogger()),
		docstore.WithRetryPolicy(FastRetry())), mem
}

// SQLiteBackend opens a temporary SQLite backend that is closed on cleanup.
func SQLiteBackend(t *testing.T) *storage.SQL {
	t.Helper()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "formsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Engine builds the default catalogue's engine for formID.
func Engine(t *testing.T, formID string) *fieldgraph.Engine {
	t.Helper()
	e, err := forms.Default().Engine(formID, QuietLogger())
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// Eventually polls cond until it returns true or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
