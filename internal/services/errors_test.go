package services_test

import (
	"errors"
	"strings"
	"testing"

	"conveyor/internal/services"
)

func TestWrapTagsMarker(t *testing.T) {
	err := services.Wrap(services.ErrPermanent, "safety", "scan", "input rejected", nil)
	if !errors.Is(err, services.ErrPermanent) {
		t.Fatalf("expected permanent marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "safety: scan: input rejected") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := services.Wrap(services.ErrTransient, "classifier", "invoke", "", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient default, got %v", err)
	}
}

func TestIsTransientClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"tagged transient", services.Wrap(services.ErrTransient, "s", "op", "", nil), true},
		{"tagged permanent", services.Wrap(services.ErrPermanent, "s", "op", "", nil), false},
		{"configuration", services.Wrap(services.ErrConfiguration, "s", "op", "", nil), false},
		{"untagged", errors.New("dial tcp: timeout"), true},
	}
	for _, tc := range cases {
		if got := services.IsTransient(tc.err); got != tc.want {
			t.Fatalf("%s: IsTransient = %v, want %v", tc.name, got, tc.want)
		}
	}
}
