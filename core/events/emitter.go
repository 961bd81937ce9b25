package events

import "matrixcore/core/types"

// TypedEvent is implemented by every structured event payload emitted by the
// native modules.
type TypedEvent interface {
	EventType() string
	Event() *types.Event
}

// Emitter receives events produced during state transitions.
type Emitter interface {
	Emit(TypedEvent)
}

// NoopEmitter discards every event. Engines default to it until the host
// installs a real sink.
type NoopEmitter struct{}

func (NoopEmitter) Emit(TypedEvent) {}

// MemoryEmitter records every emitted event in order. Intended for tests and
// for hosts that drain events after each transition.
type MemoryEmitter struct {
	Events []TypedEvent
}

func (m *MemoryEmitter) Emit(evt TypedEvent) {
	if m == nil || evt == nil {
		return
	}
	m.Events = append(m.Events, evt)
}

// ByType returns the recorded events matching the supplied type.
func (m *MemoryEmitter) ByType(eventType string) []TypedEvent {
	if m == nil {
		return nil
	}
	var matched []TypedEvent
	for _, evt := range m.Events {
		if evt.EventType() == eventType {
			matched = append(matched, evt)
		}
	}
	return matched
}
