package opsnotifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keepsake-labs/keepsake/internal/observability/notify"
)

func TestServiceNotifyJobFailure(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var received []notify.EventPayload
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{
				Name: "capture",
				Sink: notify.SinkFunc(func(ctx context.Context, payload notify.EventPayload) error {
					mu.Lock()
					defer mu.Unlock()
					received = append(received, payload)
					return nil
				}),
			},
		},
	})

	svc.Notify(ctx, notify.EventPayload{
		Kind:    notify.KindJobFailure,
		JobID:   "123",
		JobKind: "generation",
	})

	if len(received) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(received))
	}
	if received[0].Severity != notify.SeverityCritical {
		t.Fatalf("expected severity to default to critical, got %s", received[0].Severity)
	}
	if received[0].OccurredAt.IsZero() {
		t.Fatal("expected occurred-at to be stamped")
	}
}

func TestServiceNotifyCircuitOpenDefaultsToWarning(t *testing.T) {
	var received []notify.EventPayload
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{
				Name: "capture",
				Sink: notify.SinkFunc(func(ctx context.Context, payload notify.EventPayload) error {
					received = append(received, payload)
					return nil
				}),
			},
		},
	})

	svc.Notify(context.Background(), notify.EventPayload{
		Kind:     notify.KindCircuitOpen,
		Provider: "primary",
	})

	if len(received) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(received))
	}
	if received[0].Severity != notify.SeverityWarning {
		t.Fatalf("expected severity to default to warning, got %s", received[0].Severity)
	}
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(Options{})
	if svc.Enabled() {
		t.Fatal("expected Enabled() to be false when no sinks registered")
	}
}

func TestServiceLogsErrors(t *testing.T) {
	// Ensure we don't panic when sink returns an error.
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{
				Name: "fail",
				Sink: notify.SinkFunc(func(ctx context.Context, payload notify.EventPayload) error {
					return errors.New("boom")
				}),
			},
		},
	})

	svc.Notify(context.Background(), notify.EventPayload{Kind: notify.KindJobFailure, JobID: "123"})
}

func TestServiceSuppressesRepeatCircuitOpen(t *testing.T) {
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var calls int
	svc := NewService(Options{
		SuppressWindow: time.Minute,
		Now:            func() time.Time { return current },
		Sinks: []SinkRegistration{
			{
				Name: "capture",
				Sink: notify.SinkFunc(func(ctx context.Context, payload notify.EventPayload) error {
					calls++
					return nil
				}),
			},
		},
	})

	open := notify.EventPayload{Kind: notify.KindCircuitOpen, Provider: "primary"}

	svc.Notify(context.Background(), open)
	svc.Notify(context.Background(), open)
	if calls != 1 {
		t.Fatalf("expected repeat within window to be suppressed, got %d calls", calls)
	}

	// A different provider is not suppressed.
	svc.Notify(context.Background(), notify.EventPayload{Kind: notify.KindCircuitOpen, Provider: "fallback"})
	if calls != 2 {
		t.Fatalf("expected other provider to pass, got %d calls", calls)
	}

	// Past the window the same provider fires again.
	current = current.Add(2 * time.Minute)
	svc.Notify(context.Background(), open)
	if calls != 3 {
		t.Fatalf("expected notification after window, got %d calls", calls)
	}

	// Job failures are never suppressed.
	svc.Notify(context.Background(), notify.EventPayload{Kind: notify.KindJobFailure, JobID: "123"})
	if calls != 4 {
		t.Fatalf("expected job failure to pass, got %d calls", calls)
	}
}
