package apierr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfThroughWrapping(t *testing.T) {
	base := New(RateLimited, "slow down")
	wrapped := fmt.Errorf("handler: %w", base)

	kind, ok := KindOf(wrapped)
	if !ok || kind != RateLimited {
		t.Fatalf("KindOf = %v, %v", kind, ok)
	}
	if !Is(wrapped, RateLimited) || Is(wrapped, NotFound) {
		t.Fatal("Is misclassified the wrapped error")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(UpstreamTransient, "persist failed", cause)
	if !errors.Is(err, cause) {
		t.Fatal("cause lost through Wrap")
	}
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatal("plain error classified")
	}
}

func TestKindStrings(t *testing.T) {
	for kind, want := range map[Kind]string{
		Unauthenticated:    "unauthenticated",
		Validation:         "validation",
		RateLimited:        "rate_limited",
		Conflict:           "conflict",
		NotFound:           "not_found",
		UpstreamTransient:  "upstream_transient",
		InvariantViolation: "invariant_violation",
	} {
		if kind.String() != want {
			t.Errorf("%d.String() = %q, want %q", kind, kind.String(), want)
		}
	}
}
