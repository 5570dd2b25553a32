package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestTransientStoreErrorMatchesKind(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("docstore: save: %w", &TransientStoreError{Op: "save", Err: cause})

	if !errors.Is(err, ErrTransient) {
		t.Error("expected ErrTransient match")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
	var tse *TransientStoreError
	if !errors.As(err, &tse) || tse.Op != "save" {
		t.Errorf("errors.As = %+v", tse)
	}
}

func TestPermanent(t *testing.T) {
	if !Permanent(fmt.Errorf("x: %w", ErrNotAuthenticated)) {
		t.Error("NotAuthenticated should be permanent")
	}
	if !Permanent(ErrNotFound) {
		t.Error("NotFound should be permanent")
	}
	if Permanent(errors.New("timeout")) {
		t.Error("plain error should be retryable")
	}
	if Permanent(&TransientStoreError{Op: "get"}) {
		t.Error("transient error should be retryable")
	}
}
