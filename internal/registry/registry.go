// Package registry implements the authoritative processor registry and its
// derived capability index (§3, §4.2 C3).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/frameworks-oss/frameorchestrator/internal/errs"
	"github.com/frameworks-oss/frameorchestrator/internal/frame"
	"github.com/frameworks-oss/frameorchestrator/internal/store"
)

const (
	registryKey        = "processors:registry"
	capabilityKeyPrefix = "processors:capabilities:"
)

func capabilityKey(capability string) string {
	return capabilityKeyPrefix + capability
}

// Registry is the authoritative processor id -> descriptor map, backed by
// the Store, with a capability -> set<processor_id> secondary index
// maintained transactionally with every mutation (§3 invariants I1/I2).
type Registry struct {
	store  store.Client
	logger *slog.Logger
}

// New constructs a Registry. A nil logger defaults to slog.Default().
func New(s store.Client, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: s, logger: logger}
}

// Register atomically writes the descriptor and adds its id to each
// capability's set. Rejects if the id already exists (§4.2).
func (r *Registry) Register(ctx context.Context, p *frame.Processor) error {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}

	exists, err := r.store.HExists(ctx, registryKey, p.ID)
	if err != nil {
		return err
	}
	if exists {
		return errs.New(errs.KindValidation, "registry.Register", errs.ErrConflict)
	}

	encoded, err := encode(p)
	if err != nil {
		return errs.New(errs.KindProtocol, "registry.Register", err)
	}

	return r.store.Pipeline(ctx, func(pipe store.Pipeliner) error {
		pipe.HSet(registryKey, map[string]string{p.ID: encoded})
		for _, c := range p.Capabilities {
			pipe.SAdd(capabilityKey(c), p.ID)
		}
		return nil
	})
}

// Unregister prunes every capability index entry derived from the *stored*
// descriptor, not the caller's claim (§4.2, §9 open question on diffing
// against the stored copy), in one pipelined batch, then deletes the
// descriptor in a second call. The two steps are not atomic: if the delete
// fails, the descriptor remains while its index entries are already gone.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	stored, ok, err := r.lookup(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.KindValidation, "registry.Unregister", errs.ErrNotFound)
	}

	if err := r.store.Pipeline(ctx, func(pipe store.Pipeliner) error {
		for _, c := range stored.Capabilities {
			pipe.SRem(capabilityKey(c), stored.ID)
		}
		return nil
	}); err != nil {
		return err
	}
	return r.store.HDel(ctx, registryKey, id)
}

// Update diffs old vs new capabilities, performs precise add/remove on the
// index, then overwrites the descriptor. Only persists if the id already
// exists (§4.2).
func (r *Registry) Update(ctx context.Context, p *frame.Processor) error {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}

	old, ok, err := r.lookup(ctx, p.ID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.KindValidation, "registry.Update", errs.ErrNotFound)
	}

	added, removed := diffCapabilities(old.Capabilities, p.Capabilities)

	encoded, err := encode(p)
	if err != nil {
		return errs.New(errs.KindProtocol, "registry.Update", err)
	}

	return r.store.Pipeline(ctx, func(pipe store.Pipeliner) error {
		for _, c := range removed {
			pipe.SRem(capabilityKey(c), p.ID)
		}
		for _, c := range added {
			pipe.SAdd(capabilityKey(c), p.ID)
		}
		pipe.HSet(registryKey, map[string]string{p.ID: encoded})
		return nil
	})
}

func diffCapabilities(oldCaps, newCaps []string) (added, removed []string) {
	oldSet := make(map[string]struct{}, len(oldCaps))
	for _, c := range oldCaps {
		oldSet[c] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(newCaps))
	for _, c := range newCaps {
		newSet[c] = struct{}{}
	}
	for c := range newSet {
		if _, ok := oldSet[c]; !ok {
			added = append(added, c)
		}
	}
	for c := range oldSet {
		if _, ok := newSet[c]; !ok {
			removed = append(removed, c)
		}
	}
	return added, removed
}

// Get returns the descriptor for id, or ok=false if absent.
func (r *Registry) Get(ctx context.Context, id string) (*frame.Processor, bool, error) {
	return r.lookup(ctx, id)
}

func (r *Registry) lookup(ctx context.Context, id string) (*frame.Processor, bool, error) {
	raw, ok, err := r.store.HGet(ctx, registryKey, id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	p, err := decode(raw)
	if err != nil {
		r.logger.Warn("registry: skipping corrupt descriptor", "processor_id", id, "error", err)
		return nil, false, nil
	}
	return p, true, nil
}

// ListAll returns every descriptor, skipping and warning on any corrupt
// stored value rather than failing the whole call (§4.2).
func (r *Registry) ListAll(ctx context.Context) ([]*frame.Processor, error) {
	all, err := r.store.HGetAll(ctx, registryKey)
	if err != nil {
		return nil, err
	}
	out := make([]*frame.Processor, 0, len(all))
	for id, raw := range all {
		p, err := decode(raw)
		if err != nil {
			r.logger.Warn("registry: skipping corrupt descriptor", "processor_id", id, "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// FindByCapability returns every registered descriptor advertising c, read
// from the secondary index and hydrated from the primary map. A member
// whose descriptor went missing or decodes corrupt is skipped with a
// warning (§4.2).
func (r *Registry) FindByCapability(ctx context.Context, c string) ([]*frame.Processor, error) {
	ids, err := r.store.SMembers(ctx, capabilityKey(c))
	if err != nil {
		return nil, err
	}
	out := make([]*frame.Processor, 0, len(ids))
	for _, id := range ids {
		p, ok, err := r.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.logger.Warn("registry: capability index references missing descriptor", "processor_id", id, "capability", c)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func encode(p *frame.Processor) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(raw string) (*frame.Processor, error) {
	var p frame.Processor
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode processor descriptor: %w", err)
	}
	return &p, nil
}
