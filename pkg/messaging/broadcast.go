package messaging

import (
	"encoding/json"
	"sync"
	"time"

	"callpilot/pkg/metrics"

	"github.com/google/uuid"
)

// Broadcast message types
const (
	TypeInstantSuggestions  = "instant_suggestions"
	TypeEnhancedSuggestions = "enhanced_suggestions"
	TypeAnalysisComplete    = "end_of_call_analysis_complete"
	TypeCallStatus          = "call_status"
)

// Message is one event pushed to agent-facing subscribers. Fields are
// serialized at the top level next to type and call_id.
type Message struct {
	ID        string
	Type      string
	CallID    string
	Timestamp time.Time
	Fields    map[string]interface{}
	Metadata  map[string]interface{}
}

// NewMessage creates a message stamped with a fresh id and the current time
func NewMessage(msgType, callID string, fields, metadata map[string]interface{}) Message {
	now := time.Now().UTC()
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	if _, ok := metadata["timestamp"]; !ok {
		metadata["timestamp"] = now.Format(time.RFC3339Nano)
	}
	return Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		CallID:    callID,
		Timestamp: now,
		Fields:    fields,
		Metadata:  metadata,
	}
}

// MarshalJSON flattens Fields into the top-level object
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(m.Fields)+4)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["id"] = m.ID
	out["type"] = m.Type
	out["call_id"] = m.CallID
	if len(m.Metadata) > 0 {
		out["metadata"] = m.Metadata
	}
	return json.Marshal(out)
}

// Broadcaster pushes messages to everyone following a call
type Broadcaster interface {
	Broadcast(callID string, msg Message)
}

// BroadcasterFunc adapts a function to Broadcaster
type BroadcasterFunc func(callID string, msg Message)

// Broadcast implements Broadcaster
func (f BroadcasterFunc) Broadcast(callID string, msg Message) {
	f(callID, msg)
}

// MultiBroadcaster sends every message to each of its sinks
type MultiBroadcaster []Broadcaster

// Broadcast implements Broadcaster
func (m MultiBroadcaster) Broadcast(callID string, msg Message) {
	for _, b := range m {
		if b != nil {
			b.Broadcast(callID, msg)
		}
	}
}

// Recorder keeps broadcast messages in memory
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Broadcast implements Broadcaster
func (r *Recorder) Broadcast(callID string, msg Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	metrics.RecordBroadcast("memory", msg.Type)
}

// Messages returns the recorded messages, optionally filtered by type
func (r *Recorder) Messages(types ...string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(types) == 0 {
		return append([]Message(nil), r.messages...)
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []Message
	for _, m := range r.messages {
		if want[m.Type] {
			out = append(out, m)
		}
	}
	return out
}
