package domain

import (
	"context"

	"github.com/google/uuid"
)

// EntityRegistry is the external collaborator holding all entities.
// Implementations return the store's not-found sentinel for missing
// ids and names; callers treat that as a warning, never a fatal error.
type EntityRegistry interface {
	Register(ctx context.Context, e *Entity) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entity, error)
	GetByName(ctx context.Context, name string) (*Entity, error)
	ExistsByName(ctx context.Context, name string) (bool, error)
	List(ctx context.Context) ([]*Entity, error)
}

// SnapshotStore persists whole named documents. Writes overwrite the
// previous document; atomicity is whatever the host storage provides,
// and concurrent save/load must be serialized by the caller.
type SnapshotStore interface {
	Save(ctx context.Context, name string, doc any) error
	Load(ctx context.Context, name string, out any) error
}
