package domain

import (
	"time"

	"github.com/google/uuid"
)

type CrystalKind string

const (
	CrystalKnowledge   CrystalKind = "knowledge"
	CrystalInteraction CrystalKind = "interaction"
	CrystalMerged      CrystalKind = "merged"
)

// InteractionPattern is extracted when an interaction crystal forms:
// the modal interaction type and the most frequent shared domains.
type InteractionPattern struct {
	DominantType string   `json:"dominant_type"`
	TopDomains   []string `json:"top_domains"`
	Frequency    int      `json:"frequency"`
}

// MemoryCrystal condenses a repeated access or interaction pattern.
// Size and stability stay within the crystallizer's configured bounds
// through any sequence of accesses and decay passes.
type MemoryCrystal struct {
	ID             uuid.UUID           `json:"id"`
	Kind           CrystalKind         `json:"kind"`
	Domains        []string            `json:"domains"`
	Contributors   []uuid.UUID         `json:"contributors"`
	Size           float64             `json:"size"`
	Stability      float64             `json:"stability"`
	CreatedAt      time.Time           `json:"created_at"`
	LastAccessedAt time.Time           `json:"last_accessed_at"`
	AccessCount    int                 `json:"access_count"`
	InheritedBy    []uuid.UUID         `json:"inherited_by,omitempty"`
	Pattern        *InteractionPattern `json:"pattern,omitempty"`
	MergedFrom     []uuid.UUID         `json:"merged_from,omitempty"`
}
