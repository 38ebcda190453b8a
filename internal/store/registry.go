package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/emergent-labs/emergence/internal/domain"
	"github.com/google/uuid"
)

// Registry is the in-memory entity registry. It is the one handle
// shared by every core component, so it guards its maps even though
// the core itself is driver-stepped and single-threaded.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*domain.Entity
	byName map[string]uuid.UUID
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uuid.UUID]*domain.Entity),
		byName: make(map[string]uuid.UUID),
	}
}

func (r *Registry) Register(ctx context.Context, e *domain.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if _, exists := r.byID[e.ID]; exists {
		return fmt.Errorf("entity %s already registered", e.ID)
	}
	if other, exists := r.byName[e.Name]; exists && other != e.ID {
		return fmt.Errorf("entity name %q already taken", e.Name)
	}

	r.byID[e.ID] = e
	r.byName[e.Name] = e.ID
	return nil
}

func (r *Registry) GetByID(ctx context.Context, id uuid.UUID) (*domain.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (r *Registry) GetByName(ctx context.Context, name string) (*domain.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[name]
	if !ok {
		return nil, ErrNotFound
	}
	return r.byID[id], nil
}

func (r *Registry) ExistsByName(ctx context.Context, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byName[name]
	return ok, nil
}

func (r *Registry) List(ctx context.Context) ([]*domain.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Entity, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	return out, nil
}
