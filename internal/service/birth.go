package service

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/emergent-labs/emergence/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// BirthHistorySnapshotName keys the persisted lineage document.
	BirthHistorySnapshotName = "birth_history"

	// Inheritance model. The specialization is boosted, everything else
	// is inherited at a random fraction of the parent's level.
	SpecializationBoost   = 1.5
	CapabilityBoost       = 1.3
	DomainInheritMin      = 0.3
	DomainInheritMax      = 0.7
	CapabilityInheritMin  = 0.4
	CapabilityInheritMax  = 0.8
	DefaultParentLevel    = 0.5
	NameCollisionSuffixes = 999
)

// BirthConfig holds the engine's tunables.
type BirthConfig struct {
	Cooldown       time.Duration `json:"cooldown"`
	TraitVariation float64       `json:"trait_variation"`
}

func DefaultBirthConfig() BirthConfig {
	return BirthConfig{
		Cooldown:       24 * time.Hour,
		TraitVariation: 0.2,
	}
}

// namePrefixes maps a domain category to its offspring name pool.
// Unknown categories fall back to the technical pool.
var namePrefixes = map[string][]string{
	"technical":  {"Cog", "Flux", "Vex", "Axiom", "Quark"},
	"creative":   {"Lyric", "Muse", "Iris", "Prism", "Echo"},
	"analytical": {"Logic", "Vector", "Theta", "Cipher", "Delta"},
	"emotional":  {"Ember", "Sol", "Haven", "Tide", "Aura"},
	"strategic":  {"Gambit", "Vanguard", "Pivot", "Atlas", "Ridge"},
}

// BirthService spawns offspring from queued threshold events and keeps
// the append-only lineage plus per-parent cooldown bookkeeping.
type BirthService struct {
	registry domain.EntityRegistry
	tracker  *KnowledgeService
	rng      *rand.Rand
	cfg      BirthConfig
	logger   *zap.Logger

	lastBirth map[uuid.UUID]time.Time
	history   []domain.BirthRecord
}

func NewBirthService(registry domain.EntityRegistry, tracker *KnowledgeService, rng *rand.Rand, cfg BirthConfig, logger *zap.Logger) *BirthService {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBirthConfig().Cooldown
	}
	if cfg.TraitVariation <= 0 {
		cfg.TraitVariation = DefaultBirthConfig().TraitVariation
	}
	return &BirthService{
		registry:  registry,
		tracker:   tracker,
		rng:       rng,
		cfg:       cfg,
		logger:    logger,
		lastBirth: make(map[uuid.UUID]time.Time),
	}
}

// CheckPendingBirths returns the queued threshold events whose owning
// entity is outside its cooldown window. Read-only.
func (s *BirthService) CheckPendingBirths() []domain.ThresholdEvent {
	now := time.Now()
	var ready []domain.ThresholdEvent
	for _, ev := range s.tracker.PendingEvents() {
		if last, ok := s.lastBirth[ev.EntityID]; ok && now.Sub(last) < s.cfg.Cooldown {
			continue
		}
		ready = append(ready, ev)
	}
	return ready
}

// ProcessBirthEvent synthesizes and registers an offspring for one
// threshold event. Any failure is logged and returns nil; the event
// stays queued so the driver can retry.
func (s *BirthService) ProcessBirthEvent(ctx context.Context, ev domain.ThresholdEvent) *domain.Entity {
	parent, err := s.registry.GetByID(ctx, ev.EntityID)
	if err != nil {
		s.logger.Warn("birth event for unknown parent",
			zap.String("entity_id", ev.EntityID.String()),
			zap.String("domain", ev.Domain),
			zap.Error(err))
		return nil
	}

	offspring, err := s.synthesize(ctx, parent, ev)
	if err != nil {
		s.logger.Warn("offspring synthesis failed",
			zap.String("parent_id", parent.ID.String()),
			zap.String("domain", ev.Domain),
			zap.Error(err))
		return nil
	}

	if err := s.registry.Register(ctx, offspring); err != nil {
		s.logger.Warn("failed to register offspring",
			zap.String("name", offspring.Name),
			zap.Error(err))
		return nil
	}

	now := time.Now()
	s.history = append(s.history, domain.BirthRecord{
		ParentID:  parent.ID,
		EntityID:  offspring.ID,
		Domain:    ev.Domain,
		Timestamp: now,
		Source:    ev,
	})
	s.lastBirth[parent.ID] = now
	s.tracker.ClearPending(ev.EntityID, ev.Domain)

	s.logger.Info("offspring born",
		zap.String("parent", parent.Name),
		zap.String("offspring", offspring.Name),
		zap.String("specialization", ev.Domain),
		zap.Int("generation", offspring.Generation))
	return offspring
}

func (s *BirthService) synthesize(ctx context.Context, parent *domain.Entity, ev domain.ThresholdEvent) (*domain.Entity, error) {
	category := unknownCategory
	if d, ok := s.tracker.domains[ev.Domain]; ok {
		category = d.Category
	}

	name, err := s.generateName(ctx, parent.Name, category)
	if err != nil {
		return nil, err
	}

	parentID := parent.ID
	offspring := &domain.Entity{
		ID:               uuid.New(),
		Name:             name,
		Type:             domain.EntityTypeOffspring,
		Specialization:   ev.Domain,
		ParentID:         &parentID,
		KnowledgeDomains: s.inheritKnowledge(parent, ev.Domain),
		Capabilities:     s.inheritCapabilities(parent, ev.Domain),
		Traits:           s.varyTraits(parent),
		Generation:       parent.Generation + 1,
		Resources:        map[string]float64{"energy": 0.2, "influence": 0.1},
		CreatedAt:        time.Now(),
	}
	return offspring, nil
}

func (s *BirthService) generateName(ctx context.Context, parentName, category string) (string, error) {
	pool, ok := namePrefixes[category]
	if !ok {
		pool = namePrefixes["technical"]
	}
	prefix := pool[s.rng.Intn(len(pool))]

	first, last := nameFragments(parentName)
	var name string
	switch s.rng.Intn(3) {
	case 0:
		name = prefix + "-" + first
	case 1:
		name = prefix + "-" + last
	default:
		name = first + "-" + prefix
	}

	exists, err := s.registry.ExistsByName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("name check: %w", err)
	}
	if exists {
		name = fmt.Sprintf("%s-%d", name, s.rng.Intn(NameCollisionSuffixes)+1)
	}
	return name, nil
}

// nameFragments returns the first and last three characters of a name,
// tolerating names shorter than three runes.
func nameFragments(name string) (string, string) {
	runes := []rune(name)
	if len(runes) <= 3 {
		return name, name
	}
	return string(runes[:3]), string(runes[len(runes)-3:])
}

func (s *BirthService) inheritKnowledge(parent *domain.Entity, specialization string) map[string]float64 {
	out := make(map[string]float64)

	parentLevels := s.tracker.EntityKnowledge(parent.ID)
	specLevel, ok := parentLevels[specialization]
	if !ok {
		specLevel = DefaultParentLevel
	}
	boosted := specLevel * SpecializationBoost
	if boosted > 1 {
		boosted = 1
	}
	out[specialization] = boosted

	for name, level := range parentLevels {
		if name == specialization {
			continue
		}
		fraction := DomainInheritMin + s.rng.Float64()*(DomainInheritMax-DomainInheritMin)
		out[name] = level * fraction
	}
	return out
}

func (s *BirthService) inheritCapabilities(parent *domain.Entity, specialization string) map[string]float64 {
	out := make(map[string]float64)
	for name, level := range parent.Capabilities {
		if strings.HasPrefix(name, specialization) {
			boosted := level * CapabilityBoost
			if boosted > 1 {
				boosted = 1
			}
			out[name] = boosted
			continue
		}
		fraction := CapabilityInheritMin + s.rng.Float64()*(CapabilityInheritMax-CapabilityInheritMin)
		out[name] = level * fraction
	}
	return out
}

func (s *BirthService) varyTraits(parent *domain.Entity) map[string]float64 {
	out := make(map[string]float64)
	for name, strength := range parent.Traits {
		noise := (s.rng.Float64()*2 - 1) * s.cfg.TraitVariation
		v := strength + noise
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		out[name] = v
	}
	return out
}

// History returns a copy of the lineage.
func (s *BirthService) History() []domain.BirthRecord {
	out := make([]domain.BirthRecord, len(s.history))
	copy(out, s.history)
	return out
}

// OffspringOf returns the ids of every offspring born to a parent.
func (s *BirthService) OffspringOf(parentID uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	for _, rec := range s.history {
		if rec.ParentID == parentID {
			out = append(out, rec.EntityID)
		}
	}
	return out
}

// ReplayHistory rebuilds the per-parent last-birth map from an
// externally loaded lineage.
func (s *BirthService) ReplayHistory(records []domain.BirthRecord) {
	s.history = make([]domain.BirthRecord, len(records))
	copy(s.history, records)
	for _, rec := range records {
		if last, ok := s.lastBirth[rec.ParentID]; !ok || rec.Timestamp.After(last) {
			s.lastBirth[rec.ParentID] = rec.Timestamp
		}
	}
}

// SaveHistory persists the lineage as one document.
func (s *BirthService) SaveHistory(ctx context.Context, snapshots domain.SnapshotStore) error {
	if err := snapshots.Save(ctx, BirthHistorySnapshotName, s.history); err != nil {
		s.logger.Error("failed to save birth history", zap.Error(err))
		return err
	}
	return nil
}

// LoadHistory loads and replays the persisted lineage. A failed load
// leaves the current state untouched.
func (s *BirthService) LoadHistory(ctx context.Context, snapshots domain.SnapshotStore) error {
	var records []domain.BirthRecord
	if err := snapshots.Load(ctx, BirthHistorySnapshotName, &records); err != nil {
		s.logger.Error("failed to load birth history, keeping current state", zap.Error(err))
		return err
	}
	s.ReplayHistory(records)
	s.logger.Info("birth history loaded", zap.Int("records", len(records)))
	return nil
}
