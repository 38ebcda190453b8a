package store

import (
	"context"
	"errors"
	"testing"

	"github.com/emergent-labs/emergence/internal/domain"
	"github.com/google/uuid"
)

func newEntity(name string) *domain.Entity {
	return &domain.Entity{
		ID:   uuid.New(),
		Name: name,
		Type: domain.EntityTypeFounding,
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	e := newEntity("azur")
	if err := r.Register(ctx, e); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	byID, err := r.GetByID(ctx, e.ID)
	if err != nil || byID != e {
		t.Errorf("GetByID = %v, %v", byID, err)
	}
	byName, err := r.GetByName(ctx, "azur")
	if err != nil || byName != e {
		t.Errorf("GetByName = %v, %v", byName, err)
	}
	exists, err := r.ExistsByName(ctx, "azur")
	if err != nil || !exists {
		t.Errorf("ExistsByName = %v, %v", exists, err)
	}
}

func TestRegistry_AssignsMissingID(t *testing.T) {
	r := NewRegistry()
	e := &domain.Entity{Name: "verdant"}

	if err := r.Register(context.Background(), e); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if e.ID == uuid.Nil {
		t.Error("expected Register to assign an id")
	}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	e := newEntity("onyx")
	if err := r.Register(ctx, e); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := r.Register(ctx, e); err == nil {
		t.Error("expected error on duplicate id")
	}
	if err := r.Register(ctx, newEntity("onyx")); err == nil {
		t.Error("expected error on duplicate name")
	}
}

func TestRegistry_NotFound(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	if _, err := r.GetByID(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID error = %v, want ErrNotFound", err)
	}
	if _, err := r.GetByName(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByName error = %v, want ErrNotFound", err)
	}
	exists, err := r.ExistsByName(ctx, "ghost")
	if err != nil || exists {
		t.Errorf("ExistsByName = %v, %v, want false", exists, err)
	}
}

func TestRegistry_ListReturnsAll(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	for _, name := range []string{"coral", "slate", "ochre"} {
		if err := r.Register(ctx, newEntity(name)); err != nil {
			t.Fatalf("Register(%s) failed: %v", name, err)
		}
	}

	entities, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entities) != 3 {
		t.Errorf("List returned %d entities, want 3", len(entities))
	}
}
