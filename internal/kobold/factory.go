package kobold

import (
	"fmt"
	"sync"

	"brood/internal/id"
)

// Factory owns every live kobold. Drakes hold only task→koboldId mappings
// and resolve them through the factory.
type Factory struct {
	mu      sync.RWMutex
	kobolds map[string]*Kobold
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{kobolds: make(map[string]*Kobold)}
}

// Summon creates and registers a new kobold.
func (f *Factory) Summon(deps Deps) *Kobold {
	k := New(id.NewKoboldID(), deps)
	f.mu.Lock()
	f.kobolds[k.ID] = k
	f.mu.Unlock()
	return k
}

// Get resolves a kobold by id.
func (f *Factory) Get(koboldID string) (*Kobold, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	k, ok := f.kobolds[koboldID]
	if !ok {
		return nil, fmt.Errorf("kobold not found: %s", koboldID)
	}
	return k, nil
}

// Unsummon removes a kobold from the factory. The kobold itself is never
// forced into a state change.
func (f *Factory) Unsummon(koboldID string) {
	f.mu.Lock()
	delete(f.kobolds, koboldID)
	f.mu.Unlock()
}

// Snapshots returns point-in-time views of every live kobold.
func (f *Factory) Snapshots() []Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Snapshot, 0, len(f.kobolds))
	for _, k := range f.kobolds {
		out = append(out, k.Snapshot())
	}
	return out
}

// Count reports how many kobolds are live.
func (f *Factory) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.kobolds)
}
