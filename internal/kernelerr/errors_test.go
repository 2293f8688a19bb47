package kernelerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := Newf(CodeSetupFailed, "setup", "extension %q never became ready", "auth")
	wrapped := fmt.Errorf("bootstrap unit-a: %w", err)

	if !errors.Is(wrapped, ErrSetupFailed) {
		t.Fatalf("expected wrapped error to match ErrSetupFailed")
	}
	if errors.Is(wrapped, ErrApplyFailed) {
		t.Fatalf("did not expect match against ErrApplyFailed")
	}
	if CodeOf(wrapped) != CodeSetupFailed {
		t.Fatalf("expected code %d, got %d", CodeSetupFailed, CodeOf(wrapped))
	}
}

func TestErrorMessageIncludesCodeAndOp(t *testing.T) {
	err := New(CodeDependencyCycle, "topo batches", errors.New("stuck: a@1.0.0, b@1.0.0"))
	msg := err.Error()
	for _, want := range []string{"topo batches", "4003", "DependencyCycle", "stuck: a@1.0.0"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if CodeOf(errors.New("plain")) != 0 {
		t.Fatalf("expected zero code for uncoded error")
	}
	if Code(9999).String() != "Code(9999)" {
		t.Fatalf("unexpected name for unknown code: %s", Code(9999))
	}
}
