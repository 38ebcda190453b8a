package domain

import (
	"time"

	"github.com/google/uuid"
)

type EntityType string

const (
	EntityTypeFounding  EntityType = "founding"
	EntityTypeOffspring EntityType = "offspring"
)

func ValidEntityType(t string) bool {
	switch EntityType(t) {
	case EntityTypeFounding, EntityTypeOffspring:
		return true
	}
	return false
}

// Entity is a simulated agent. Knowledge, capability and trait maps only
// accrete; entities are never deleted from the registry.
type Entity struct {
	ID               uuid.UUID          `json:"id"`
	Name             string             `json:"name"`
	Type             EntityType         `json:"type"`
	Specialization   string             `json:"specialization"`
	ParentID         *uuid.UUID         `json:"parent_id,omitempty"`
	KnowledgeDomains map[string]float64 `json:"knowledge_domains"`
	Capabilities     map[string]float64 `json:"capabilities"`
	Traits           map[string]float64 `json:"traits"`
	Generation       int                `json:"generation"`
	Resources        map[string]float64 `json:"resources,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}
