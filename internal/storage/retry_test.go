package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWithRetry(t *testing.T) {
	orig := retryBase
	retryBase = time.Millisecond
	t.Cleanup(func() { retryBase = orig })

	transient := errors.New("connection reset")

	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   error
	}{
		{"succeeds first time", 0, nil, 1, nil},
		{"recovers after transient failures", 2, transient, 3, nil},
		{"gives up after max retries", 10, transient, maxWriteRetries + 1, transient},
		{"not running is permanent", 10, ErrNotRunning, 1, ErrNotRunning},
		{"not found is permanent", 10, ErrNotFound, 1, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := WithRetry(context.Background(), "exec-1", func(ctx context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if !errors.Is(err, tt.wantErr) && !(err == nil && tt.wantErr == nil) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	orig := retryBase
	retryBase = time.Hour
	t.Cleanup(func() { retryBase = orig })

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WithRetry(ctx, "exec-1", func(ctx context.Context) error {
		calls++
		return errors.New("db down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestScriptInputValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      ScriptInput
		wantErr bool
	}{
		{"valid", ScriptInput{Name: "a", Content: "echo"}, false},
		{"blank name", ScriptInput{Name: "   ", Content: "echo"}, true},
		{"name too long", ScriptInput{Name: strings.Repeat("n", 256), Content: "echo"}, true},
		{"name at limit", ScriptInput{Name: strings.Repeat("n", 255), Content: "echo"}, false},
		{"empty content", ScriptInput{Name: "a", Content: "\n\t"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidScript) {
				t.Errorf("error %v does not wrap ErrInvalidScript", err)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusRunning.Terminal() {
		t.Error("running must not be terminal")
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if Status("paused").Valid() {
		t.Error("unknown status reported valid")
	}
}
