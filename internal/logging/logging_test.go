package logging

import (
	"errors"
	"testing"
)

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	logger, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("expected debug level to be accepted: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Fatal("expected debug entries to be enabled")
	}
}

func TestOperationErrorFormatting(t *testing.T) {
	base := errors.New("boom")

	err := NewOperationError("transport.verify_frame", "42", base)
	if got, want := err.Error(), "transport.verify_frame (request_id=42): boom"; got != want {
		t.Fatalf("unexpected message %q, want %q", got, want)
	}
	if !errors.Is(err, base) {
		t.Fatal("expected wrapped error to match base")
	}

	if got := NewOperationError("camera.start", "", base).Error(); got != "camera.start: boom" {
		t.Fatalf("unexpected message %q", got)
	}
	if NewOperationError("noop", "", nil) != nil {
		t.Fatal("expected nil error to stay nil")
	}
}
