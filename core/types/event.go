package types

// Event is a typed record of a state transition. Attribute values are plain
// strings so events can be handed to monitors without extra codecs.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Attribute returns the named attribute value, or the empty string when the
// event carries no such attribute.
func (e *Event) Attribute(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}
