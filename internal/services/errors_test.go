package services_test

import (
	"errors"
	"testing"

	"folio/internal/services"
)

func TestWrapTagsMarker(t *testing.T) {
	cause := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "merge", "trim", "part 2", cause)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("marker lost: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost: %v", err)
	}
	want := "external tool error: merge: trim: part 2: boom"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
}

func TestWrapDefaultsMarker(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if err.Error() != "transient failure: service failure" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestRequiresReauth(t *testing.T) {
	err := services.Wrap(services.ErrAuth, "session", "refresh", "", nil)
	if !services.RequiresReauth(err) {
		t.Fatal("auth-tagged error should require reauth")
	}
	if services.RequiresReauth(errors.New("other")) {
		t.Fatal("untagged error should not require reauth")
	}
}
