package frame

import (
	"fmt"
	"strings"

	"github.com/frameworks-oss/frameorchestrator/internal/errs"
)

// DefaultQueuePrefix is prepended to a processor id to derive its default
// queue name when the descriptor does not set one explicitly.
const DefaultQueuePrefix = "frames:ready:"

// Processor is the authoritative description of a registered processor
// (§3 Processor descriptor). Capabilities and Capacity are invariants
// enforced by Validate; Queue defaults to DefaultQueuePrefix+ID.
type Processor struct {
	ID             string            `json:"id"`
	Capabilities   []string          `json:"capabilities"`
	Capacity       int               `json:"capacity"`
	Queue          string            `json:"queue"`
	Endpoint       string            `json:"endpoint,omitempty"`
	HealthEndpoint string            `json:"health_endpoint,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Normalize fills derived fields (queue name) and trims the id.
func (p *Processor) Normalize() {
	p.ID = strings.TrimSpace(p.ID)
	if p.Queue == "" {
		p.Queue = DefaultQueuePrefix + p.ID
	}
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
}

// Validate enforces the descriptor invariants from §3: non-empty id,
// non-empty capability set, positive capacity.
func (p *Processor) Validate() error {
	if p.ID == "" {
		return errs.New(errs.KindValidation, "processor.Validate", fmt.Errorf("id cannot be empty"))
	}
	if len(p.Capabilities) == 0 {
		return errs.New(errs.KindValidation, "processor.Validate", fmt.Errorf("at least one capability is required"))
	}
	for _, c := range p.Capabilities {
		if strings.TrimSpace(c) == "" {
			return errs.New(errs.KindValidation, "processor.Validate", fmt.Errorf("capability cannot be blank"))
		}
	}
	if p.Capacity <= 0 {
		return errs.New(errs.KindValidation, "processor.Validate", fmt.Errorf("capacity must be positive"))
	}
	return nil
}

// HasCapability reports whether the descriptor advertises capability c.
func (p *Processor) HasCapability(c string) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// QueueMaxLen reads the metadata override for the bounded queue length,
// returning 0 when unset (caller applies the system default).
func (p *Processor) QueueMaxLen() int {
	if p.Metadata == nil {
		return 0
	}
	v, ok := p.Metadata[MetadataQueueMaxLen]
	if !ok {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return 0
	}
	return n
}

// Clone returns a deep-enough copy so callers mutating the result never
// affect the stored descriptor (registry diffing relies on this).
func (p *Processor) Clone() *Processor {
	if p == nil {
		return nil
	}
	out := *p
	out.Capabilities = append([]string(nil), p.Capabilities...)
	out.Metadata = make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		out.Metadata[k] = v
	}
	return &out
}
