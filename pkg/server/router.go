package server

import (
	"github.com/pkg/errors"

	"github.com/wayneeseguin/logstream/internal/metrics"
	"github.com/wayneeseguin/logstream/pkg/backends"
	"github.com/wayneeseguin/logstream/pkg/features"
	"github.com/wayneeseguin/logstream/pkg/types"
)

// Router fans validated entries out to the enabled backends. The backend
// set is fixed at construction. Delivery is asymmetric: the file backend
// is the durability backbone and its failure is returned to the caller;
// the best-effort backends (journald, syslog, NATS) have failures logged
// and isolated so one bad sink never affects the others.
type Router struct {
	durable      backends.Backend
	bestEffort   []backends.Backend
	errorHandler features.ErrorHandler
	collector    *metrics.Collector
}

// NewRouter creates a router. durable may be nil when the file backend is
// disabled.
func NewRouter(durable backends.Backend, bestEffort []backends.Backend, errorHandler features.ErrorHandler, collector *metrics.Collector) *Router {
	return &Router{
		durable:      durable,
		bestEffort:   bestEffort,
		errorHandler: errorHandler,
		collector:    collector,
	}
}

// Route submits one entry to every enabled backend. Each backend gets an
// independent write; entries from a single session arrive here in socket
// order and are submitted to each backend in that order.
func (r *Router) Route(entry *types.LogEntry) error {
	var durableErr error
	if r.durable != nil {
		if err := r.durable.Write(entry); err != nil {
			durableErr = errors.Wrap(err, "file backend write")
			r.reportError(r.durable.Name(), entry, err)
		}
	}

	for _, backend := range r.bestEffort {
		if err := backend.Write(entry); err != nil {
			r.reportError(backend.Name(), entry, err)
		}
	}
	return durableErr
}

func (r *Router) reportError(backend string, entry *types.LogEntry, err error) {
	if r.collector != nil {
		r.collector.BackendError()
	}
	if r.errorHandler != nil {
		r.errorHandler("route", backend, "Backend write failed for entry "+entry.ID.String(), err)
	}
}
