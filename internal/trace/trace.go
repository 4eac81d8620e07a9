// Package trace implements the W3C-shaped distributed trace context that is
// woven through every hop of the frame pipeline (§3, §6 Trace propagation).
package trace

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// MaxBaggageItems and MaxBaggageBytes enforce the semantic (not advisory)
// cap from §3/§9 on every child-span derivation.
const (
	MaxBaggageItems = 32
	MaxBaggageBytes = 8192

	flagSampled = byte(0x01)
)

// Context is the immutable-except-for-additions trace context carried with
// every frame and span (§3). TraceID/SpanID are fixed-size byte arrays,
// matching the wire-format idiom used across the pack's tracer
// implementations (e.g. a 128-bit trace id, 64-bit span id stored as raw
// bytes and hex-encoded only at the boundary).
type Context struct {
	TraceID       [16]byte
	SpanID        [8]byte
	ParentSpanID  *[8]byte
	Flags         byte
	State         map[string]string
	Attributes    map[string]any
	Baggage       map[string]string
}

// New creates a root trace context. sampled controls the W3C sampled flag.
func New(sampled bool) *Context {
	ctx := &Context{
		State:      map[string]string{},
		Attributes: map[string]any{},
		Baggage:    map[string]string{},
	}
	mustRandom(ctx.TraceID[:])
	mustRandom(ctx.SpanID[:])
	if sampled {
		ctx.Flags = flagSampled
	}
	return ctx
}

func mustRandom(b []byte) {
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read on the standard reader does not fail in practice;
		// a panic here would indicate a broken entropy source.
		panic(fmt.Errorf("trace: read random bytes: %w", err))
	}
}

// IsSampled reports the W3C sampled bit.
func (c *Context) IsSampled() bool { return c.Flags&flagSampled != 0 }

// Child derives a new span under the same trace: new span id, parent set to
// this span's id, trace id/flags copied, state deep-copied, and baggage
// copied under the §3/§9 size cap.
func (c *Context) Child() *Context {
	child := &Context{
		TraceID: c.TraceID,
		Flags:   c.Flags,
		State:   make(map[string]string, len(c.State)),
		Attributes: map[string]any{},
		Baggage: cappedBaggage(c.Baggage),
	}
	mustRandom(child.SpanID[:])
	parent := c.SpanID
	child.ParentSpanID = &parent
	for k, v := range c.State {
		child.State[k] = v
	}
	return child
}

// cappedBaggage returns a copy of src bounded by MaxBaggageItems entries and
// MaxBaggageBytes total key+value size, preserving iteration order up to
// the cap (deterministic only insofar as Go map iteration isn't, which is
// acceptable: the cap is about bounding size, not about which items win).
func cappedBaggage(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	total := 0
	n := 0
	for k, v := range src {
		if n >= MaxBaggageItems {
			break
		}
		size := len(k) + len(v)
		if total+size > MaxBaggageBytes {
			continue
		}
		out[k] = v
		total += size
		n++
	}
	return out
}

// AddAttribute records a span attribute (add-only on the live span, §3).
func (c *Context) AddAttribute(key string, value any) {
	if c.Attributes == nil {
		c.Attributes = map[string]any{}
	}
	c.Attributes[key] = value
}

// SetBaggage sets a baggage item, applying the cap immediately so baggage
// never silently grows past the limit between derivations.
func (c *Context) SetBaggage(key, value string) {
	if c.Baggage == nil {
		c.Baggage = map[string]string{}
	}
	if len(c.Baggage) >= MaxBaggageItems {
		if _, exists := c.Baggage[key]; !exists {
			return
		}
	}
	c.Baggage[key] = value
	c.Baggage = cappedBaggage(c.Baggage)
}

// GetBaggage reads a baggage item.
func (c *Context) GetBaggage(key string) (string, bool) {
	v, ok := c.Baggage[key]
	return v, ok
}

// Traceparent renders the W3C traceparent header: 00-<trace_id hex32>-<span_id hex16>-<flags hex2>.
func (c *Context) Traceparent() string {
	return fmt.Sprintf("00-%s-%s-%02x", hex.EncodeToString(c.TraceID[:]), hex.EncodeToString(c.SpanID[:]), c.Flags)
}

// ParseTraceparent parses a W3C traceparent header into a Context.
func ParseTraceparent(header string) (*Context, error) {
	parts := strings.Split(header, "-")
	if len(parts) != 4 {
		return nil, fmt.Errorf("trace: invalid traceparent format: %q", header)
	}
	version, traceHex, spanHex, flagsHex := parts[0], parts[1], parts[2], parts[3]
	if version != "00" {
		return nil, fmt.Errorf("trace: unsupported trace version: %q", version)
	}
	traceBytes, err := hex.DecodeString(traceHex)
	if err != nil || len(traceBytes) != 16 {
		return nil, fmt.Errorf("trace: invalid trace id: %q", traceHex)
	}
	spanBytes, err := hex.DecodeString(spanHex)
	if err != nil || len(spanBytes) != 8 {
		return nil, fmt.Errorf("trace: invalid span id: %q", spanHex)
	}
	flagBytes, err := hex.DecodeString(flagsHex)
	if err != nil || len(flagBytes) != 1 {
		return nil, fmt.Errorf("trace: invalid flags: %q", flagsHex)
	}
	ctx := &Context{State: map[string]string{}, Attributes: map[string]any{}, Baggage: map[string]string{}}
	copy(ctx.TraceID[:], traceBytes)
	copy(ctx.SpanID[:], spanBytes)
	ctx.Flags = flagBytes[0]
	return ctx, nil
}

// Tracestate renders the optional tracestate header as comma-separated k=v.
func (c *Context) Tracestate() string {
	if len(c.State) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c.State))
	for k, v := range c.State {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

// ApplyTracestate parses a tracestate header into the context's state map.
func (c *Context) ApplyTracestate(header string) {
	if header == "" {
		return
	}
	if c.State == nil {
		c.State = map[string]string{}
	}
	for _, item := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		c.State[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
}

// BaggageHeader renders the optional baggage header as comma-separated k=v.
func (c *Context) BaggageHeader() string {
	if len(c.Baggage) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c.Baggage))
	for k, v := range c.Baggage {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

// ApplyBaggageHeader parses a baggage header into the context's baggage map,
// under the usual cap.
func (c *Context) ApplyBaggageHeader(header string) {
	if header == "" {
		return
	}
	for _, item := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		c.SetBaggage(strings.TrimSpace(k), strings.TrimSpace(v))
	}
}

// TraceIDHex and SpanIDHex expose the hex forms for logging.
func (c *Context) TraceIDHex() string { return hex.EncodeToString(c.TraceID[:]) }
func (c *Context) SpanIDHex() string  { return hex.EncodeToString(c.SpanID[:]) }
