package stream

import "encoding/json"

// Event kinds recognized in the upstream stream. Unrecognized kinds are
// still forwarded and persisted verbatim, like any other non-token event.
const (
	EventStart       = "start"
	EventToken       = "token"
	EventSessionID   = "session_id"
	EventMetadata    = "metadata"
	EventFileUpload  = "file_upload"
	EventEnd         = "end"
	EventError       = "error"
)

// Event is one parsed {"event": <kind>, "data": <payload>} object from the
// upstream stream, or a synthetic event emitted by the relay itself.
type Event struct {
	EventKind string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

// MetadataPayload is the shape of a "metadata" event's data field.
type MetadataPayload struct {
	SessionID     string `json:"sessionId,omitempty"`
	ChatID        string `json:"chatId,omitempty"`
	ChatMessageID string `json:"chatMessageId,omitempty"`
	MemoryType    string `json:"memoryType,omitempty"`
}

// newEvent builds an Event with data marshaled from a Go value.
func newEvent(kind string, data interface{}) Event {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = json.RawMessage(`null`)
	}
	return Event{EventKind: kind, Data: raw}
}

// newStringEvent builds an Event whose data is a bare JSON string.
func newStringEvent(kind, data string) Event {
	return newEvent(kind, data)
}

// TokenText reports whether an event's data is the incremental text chunk
// that should be concatenated into the assistant content preview.
func TokenText(e Event) (string, bool) {
	if e.EventKind != EventToken {
		return "", false
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return "", false
	}
	return s, true
}
