package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"rockfall/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewServer_RequiresConfigAndLogger(t *testing.T) {
	if _, err := NewServer(nil, discardLogger()); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(&config.Config{}, nil); err == nil {
		t.Error("expected error for nil logger")
	}

	srv, err := NewServer(&config.Config{Environment: "local"}, discardLogger())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if srv.Validator == nil {
		t.Error("expected Validator to be initialized")
	}
	if srv.Handler() == nil || srv.Router() == nil {
		t.Error("expected router to be initialized")
	}
}

func TestShutdown_RunsAllClosers(t *testing.T) {
	srv, _ := NewServer(&config.Config{}, discardLogger())

	var calls []string
	boom := errors.New("boom")
	srv.Closers = []func() error{
		func() error { calls = append(calls, "db"); return boom },
		func() error { calls = append(calls, "redis"); return nil },
	}

	err := srv.Shutdown(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("expected first closer error, got %v", err)
	}
	if len(calls) != 2 {
		t.Errorf("expected both closers to run, got %v", calls)
	}
}

func TestShutdown_NoClosers(t *testing.T) {
	srv, _ := NewServer(&config.Config{}, discardLogger())
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
