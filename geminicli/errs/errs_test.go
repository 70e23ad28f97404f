package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestExecutionErrorMessageWithExitCode(t *testing.T) {
	err := &ExecutionError{ExitCode: 2, HasExit: true, Stderr: "oops"}
	msg := err.Error()
	if msg != "Command failed with code 2: oops" {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestExecutionErrorMessageOverride(t *testing.T) {
	err := &ExecutionError{Message: "spawn failed: permission denied"}
	if err.Error() != "spawn failed: permission denied" {
		t.Fatalf("override message not used: %q", err.Error())
	}
}

func TestInstallErrorUnwraps(t *testing.T) {
	inner := errors.New("network unreachable")
	err := &InstallError{Message: "install failed", Err: inner}
	if !errors.Is(err, inner) {
		t.Fatalf("expected errors.Is to find wrapped inner error")
	}
}

func TestAsExecutionError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", &ExecutionError{ExitCode: 1, HasExit: true})
	ee, ok := AsExecutionError(wrapped)
	if !ok || ee.ExitCode != 1 {
		t.Fatalf("AsExecutionError failed to unwrap: %v, %v", ee, ok)
	}
}

func TestAsRateLimitError(t *testing.T) {
	err := &RateLimitError{RetryAfter: 5 * time.Second}
	re, ok := AsRateLimitError(err)
	if !ok || re.RetryAfter != 5*time.Second {
		t.Fatalf("AsRateLimitError failed: %v, %v", re, ok)
	}
}

func TestAsConfigErrorFalseForUnrelatedError(t *testing.T) {
	_, ok := AsConfigError(errors.New("unrelated"))
	if ok {
		t.Fatalf("expected ok=false for an unrelated error")
	}
}
