package events

// Event represents a structured state change emitted by an engine after its
// commit point.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (gateway, metrics,
// indexers). Emission is fire-and-forget; emitters must never influence the
// outcome of the operation that produced the event.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default wired into engines until a subscriber is attached.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// MultiEmitter fans a single event out to several subscribers in order.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(evt Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(evt)
		}
	}
}
