package types

// Event is the structured record a module emits after a state transition
// settles. Attributes carry addresses as 0x-prefixed hex and amounts as
// decimal strings so hosts can index them without re-encoding.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// NewEvent builds an event, copying the attribute map so the emitting module
// cannot mutate the record after handing it off.
func NewEvent(eventType string, attributes map[string]string) *Event {
	copied := make(map[string]string, len(attributes))
	for key, value := range attributes {
		copied[key] = value
	}
	return &Event{Type: eventType, Attributes: copied}
}
