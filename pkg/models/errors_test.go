package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrTimeoutExceeded_IsExecutorFailure(t *testing.T) {
	if !errors.Is(ErrTimeoutExceeded, ErrExecutorFailure) {
		t.Fatal("ErrTimeoutExceeded should wrap ErrExecutorFailure")
	}

	wrapped := fmt.Errorf("task fetch: %w", ErrTimeoutExceeded)
	if !errors.Is(wrapped, ErrExecutorFailure) || !errors.Is(wrapped, ErrTimeoutExceeded) {
		t.Errorf("wrapped timeout lost its chain: %v", wrapped)
	}
	if errors.Is(ErrExecutorFailure, ErrTimeoutExceeded) {
		t.Error("a plain executor failure is not a timeout")
	}
}
