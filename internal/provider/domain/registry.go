package domain

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps provider ids to their processors.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

func NewRegistry(processors ...Processor) (*Registry, error) {
	r := &Registry{processors: make(map[string]Processor, len(processors))}
	for _, p := range processors {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(p Processor) error {
	if p == nil {
		return ErrInvalidProvider
	}
	id := strings.ToLower(strings.TrimSpace(p.ID()))
	if id == "" || !p.Family().Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidProvider, p.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processors[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, id)
	}
	r.processors[id] = p
	return nil
}

func (r *Registry) Get(id string) (Processor, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return p, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.processors))
	for id := range r.processors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
