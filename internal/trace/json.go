package trace

import (
	"encoding/hex"
	"encoding/json"
)

// wireContext is the JSON shape used for the stream-message trace_context
// field (§6): hex ids rather than raw byte arrays, so the wire format
// matches the traceparent header's encoding.
type wireContext struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Flags        byte              `json:"flags"`
	State        map[string]string `json:"state,omitempty"`
	Attributes   map[string]any    `json:"attributes,omitempty"`
	Baggage      map[string]string `json:"baggage,omitempty"`
}

// MarshalJSON implements json.Marshaler with hex-encoded ids.
func (c *Context) MarshalJSON() ([]byte, error) {
	w := wireContext{
		TraceID:    hex.EncodeToString(c.TraceID[:]),
		SpanID:     hex.EncodeToString(c.SpanID[:]),
		Flags:      c.Flags,
		State:      c.State,
		Attributes: c.Attributes,
		Baggage:    c.Baggage,
	}
	if c.ParentSpanID != nil {
		w.ParentSpanID = hex.EncodeToString(c.ParentSpanID[:])
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler, the inverse of MarshalJSON.
func (c *Context) UnmarshalJSON(data []byte) error {
	var w wireContext
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	traceBytes, err := hex.DecodeString(w.TraceID)
	if err != nil {
		return err
	}
	copy(c.TraceID[:], traceBytes)
	spanBytes, err := hex.DecodeString(w.SpanID)
	if err != nil {
		return err
	}
	copy(c.SpanID[:], spanBytes)
	if w.ParentSpanID != "" {
		parentBytes, err := hex.DecodeString(w.ParentSpanID)
		if err != nil {
			return err
		}
		var parent [8]byte
		copy(parent[:], parentBytes)
		c.ParentSpanID = &parent
	}
	c.Flags = w.Flags
	c.State = w.State
	c.Attributes = w.Attributes
	c.Baggage = w.Baggage
	return nil
}
