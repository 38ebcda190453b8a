package domain

import (
	"time"

	"github.com/google/uuid"
)

// BirthRecord is one append-only lineage entry.
type BirthRecord struct {
	ParentID  uuid.UUID      `json:"parent_id"`
	EntityID  uuid.UUID      `json:"entity_id"`
	Domain    string         `json:"domain"`
	Timestamp time.Time      `json:"timestamp"`
	Source    ThresholdEvent `json:"source"`
}
