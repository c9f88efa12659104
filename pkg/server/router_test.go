package server

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/logstream/internal/metrics"
	"github.com/wayneeseguin/logstream/pkg/backends"
	"github.com/wayneeseguin/logstream/pkg/types"
)

// fakeBackend records writes and fails on demand.
type fakeBackend struct {
	name    string
	err     error
	entries []*types.LogEntry
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Write(entry *types.LogEntry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeBackend) Flush() error { return nil }
func (f *fakeBackend) Close() error { return nil }

func TestRouterFansOutToAllBackends(t *testing.T) {
	durable := &fakeBackend{name: "file"}
	journald := &fakeBackend{name: "journald"}
	syslog := &fakeBackend{name: "syslog"}
	router := NewRouter(durable, []backends.Backend{journald, syslog}, SilentErrorHandler, metrics.NewCollector())

	entry := types.NewEntry(types.LevelInfo, "svc", "hello")
	if err := router.Route(entry); err != nil {
		t.Fatalf("Route() error = %v", err)
	}

	for _, backend := range []*fakeBackend{durable, journald, syslog} {
		if len(backend.entries) != 1 {
			t.Errorf("backend %s got %d entries, want 1", backend.name, len(backend.entries))
		}
	}
}

func TestRouterDurableFailureSurfaces(t *testing.T) {
	durable := &fakeBackend{name: "file", err: errors.New("disk full")}
	journald := &fakeBackend{name: "journald"}
	collector := metrics.NewCollector()
	router := NewRouter(durable, []backends.Backend{journald}, SilentErrorHandler, collector)

	err := router.Route(types.NewEntry(types.LevelError, "svc", "boom"))
	if err == nil {
		t.Fatal("Route() should surface the durable backend failure")
	}
	// The failure must not suppress delivery to the other backends.
	if len(journald.entries) != 1 {
		t.Errorf("journald got %d entries, want 1", len(journald.entries))
	}
	if got := collector.Snapshot().BackendErrors; got != 1 {
		t.Errorf("BackendErrors = %d, want 1", got)
	}
}

func TestRouterBestEffortFailureIsolated(t *testing.T) {
	durable := &fakeBackend{name: "file"}
	bad := &fakeBackend{name: "syslog", err: errors.New("connection refused")}
	good := &fakeBackend{name: "journald"}
	collector := metrics.NewCollector()
	router := NewRouter(durable, []backends.Backend{bad, good}, SilentErrorHandler, collector)

	if err := router.Route(types.NewEntry(types.LevelWarning, "svc", "hmm")); err != nil {
		t.Fatalf("best-effort failure must not surface to the caller: %v", err)
	}
	if len(durable.entries) != 1 {
		t.Errorf("durable got %d entries, want 1", len(durable.entries))
	}
	if len(good.entries) != 1 {
		t.Errorf("healthy best-effort backend got %d entries, want 1", len(good.entries))
	}
	if got := collector.Snapshot().BackendErrors; got != 1 {
		t.Errorf("BackendErrors = %d, want 1", got)
	}
}

func TestRouterNilDurable(t *testing.T) {
	sink := &fakeBackend{name: "journald"}
	router := NewRouter(nil, []backends.Backend{sink}, SilentErrorHandler, metrics.NewCollector())
	if err := router.Route(types.NewEntry(types.LevelDebug, "svc", "ok")); err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if len(sink.entries) != 1 {
		t.Errorf("sink got %d entries, want 1", len(sink.entries))
	}
}
