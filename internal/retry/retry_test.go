package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	v, err := Do(context.Background(), 5, time.Millisecond, nil, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), 3, time.Millisecond, nil, func() (int, error) {
		attempts++
		return 0, errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestDoPermanentErrorAbortsImmediately(t *testing.T) {
	permanent := errors.New("credentials rejected")
	attempts := 0
	_, err := Do(context.Background(), 5, time.Millisecond,
		func(err error) bool { return !errors.Is(err, permanent) },
		func() (int, error) {
			attempts++
			return 0, permanent
		})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}
