package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"agrilend/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

func eventCounters() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lending",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of domain events emitted, segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// MeteredEmitter wraps an event emitter and counts every emitted event by
// type.
type MeteredEmitter struct {
	next events.Emitter
}

// NewMeteredEmitter wraps next; a nil next counts without forwarding.
func NewMeteredEmitter(next events.Emitter) *MeteredEmitter {
	return &MeteredEmitter{next: next}
}

// Emit implements events.Emitter.
func (m *MeteredEmitter) Emit(ev events.Event) {
	if ev == nil {
		return
	}
	kind := strings.TrimSpace(ev.EventType())
	if kind == "" {
		kind = "unknown"
	}
	eventCounters().emitted.WithLabelValues(kind).Inc()
	if m != nil && m.next != nil {
		m.next.Emit(ev)
	}
}
