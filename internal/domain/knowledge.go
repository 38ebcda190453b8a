package domain

import (
	"time"

	"github.com/google/uuid"
)

// Proficiency is one entity's standing in one knowledge domain.
// Level is replaced, not accumulated, on every update.
type Proficiency struct {
	Level            float64   `json:"level"`
	InteractionCount int       `json:"interaction_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// KnowledgeDomain is one entry in the domain catalogue. Domains are
// lazily created on first update with category "unknown".
type KnowledgeDomain struct {
	Name        string                     `json:"name"`
	Category    string                     `json:"category"`
	Description string                     `json:"description"`
	Proficiency map[uuid.UUID]*Proficiency `json:"proficiency"`
}

// ThresholdEvent signals that an entity's knowledge in a domain has
// crossed the category threshold with enough interactions behind it.
// Events stay queued until explicitly cleared.
type ThresholdEvent struct {
	EntityID         uuid.UUID `json:"entity_id"`
	Domain           string    `json:"domain"`
	Level            float64   `json:"level"`
	ThresholdUsed    float64   `json:"threshold_used"`
	InteractionCount int       `json:"interaction_count"`
	Timestamp        time.Time `json:"timestamp"`
}

// KnowledgeDistribution summarizes the catalogue across all entities.
type KnowledgeDistribution struct {
	TotalDomains   int                `json:"total_domains"`
	TotalEntities  int                `json:"total_entities"`
	AverageLevel   float64            `json:"average_level"`
	DomainAverages map[string]float64 `json:"domain_averages"`
	CategoryTotals map[string]float64 `json:"category_totals"`
}
