package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapKeepsInnerKind(t *testing.T) {
	inner := New(KindValidation, "parse hash", "bad hash %q", "0x1")
	outer := Wrap(KindSystem, "run", fmt.Errorf("fetch: %w", inner))

	if KindOf(outer) != KindValidation {
		t.Fatalf("kind mismatch: %s", KindOf(outer))
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindNetwork, "dial", nil) != nil {
		t.Fatalf("expected nil")
	}
}

func TestKindOfPlainError(t *testing.T) {
	err := errors.New("boom")
	if KindOf(err) != KindSystem {
		t.Fatalf("expected system kind")
	}
	if Is(nil, KindSystem) {
		t.Fatalf("nil error should not match any kind")
	}
}

func TestUnwrap(t *testing.T) {
	sentinel := errors.New("missing")
	err := Wrap(KindIndexing, "get receipt", sentinel)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected errors.Is to find sentinel")
	}
	if err.Error() != "indexing_service: get receipt: missing" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}
