package service

import (
	"context"
	"sort"
	"time"

	"github.com/emergent-labs/emergence/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// TrackerSnapshotName keys the tracker's persisted document.
	TrackerSnapshotName = "knowledge_tracker"

	unknownCategory = "unknown"
	generalDomain   = "general"
)

// KnowledgeConfig holds the tracker's threshold tuning. Zero values are
// replaced by defaults so a partially filled config stays usable.
type KnowledgeConfig struct {
	GeneralThreshold     float64 `json:"general_threshold"`
	SpecializedThreshold float64 `json:"specialized_threshold"`
	MinInteractions      int     `json:"min_interactions"`
}

func DefaultKnowledgeConfig() KnowledgeConfig {
	return KnowledgeConfig{
		GeneralThreshold:     0.75,
		SpecializedThreshold: 0.6,
		MinInteractions:      10,
	}
}

type pendingKey struct {
	EntityID uuid.UUID
	Domain   string
}

// KnowledgeService owns the domain catalogue and per-entity proficiency.
// Pending threshold events are keyed by (entity, domain): a re-trigger
// overwrites the queued event instead of stacking duplicates.
type KnowledgeService struct {
	cfg     KnowledgeConfig
	domains map[string]*domain.KnowledgeDomain
	pending map[pendingKey]domain.ThresholdEvent
	logger  *zap.Logger
}

func NewKnowledgeService(cfg KnowledgeConfig, logger *zap.Logger) *KnowledgeService {
	def := DefaultKnowledgeConfig()
	if cfg.GeneralThreshold <= 0 {
		cfg.GeneralThreshold = def.GeneralThreshold
	}
	if cfg.SpecializedThreshold <= 0 {
		cfg.SpecializedThreshold = def.SpecializedThreshold
	}
	if cfg.MinInteractions <= 0 {
		cfg.MinInteractions = def.MinInteractions
	}
	return &KnowledgeService{
		cfg:     cfg,
		domains: make(map[string]*domain.KnowledgeDomain),
		pending: make(map[pendingKey]domain.ThresholdEvent),
		logger:  logger,
	}
}

func (s *KnowledgeService) Config() KnowledgeConfig {
	return s.cfg
}

// RegisterDomain upserts a catalogue entry. Re-registering keeps the
// existing proficiency map and only replaces the metadata.
func (s *KnowledgeService) RegisterDomain(name, category, description string) {
	if existing, ok := s.domains[name]; ok {
		s.logger.Warn("overwriting registered domain",
			zap.String("domain", name),
			zap.String("old_category", existing.Category),
			zap.String("new_category", category))
		existing.Category = category
		existing.Description = description
		return
	}
	s.domains[name] = &domain.KnowledgeDomain{
		Name:        name,
		Category:    category,
		Description: description,
		Proficiency: make(map[uuid.UUID]*domain.Proficiency),
	}
}

// UpdateKnowledge replaces the stored level and interaction count for
// one entity in one domain, clamping level to [0,1]. Unknown domains
// are auto-registered. Returns true when the update queued a threshold
// event.
func (s *KnowledgeService) UpdateKnowledge(entityID uuid.UUID, domainName string, level float64, interactions int) bool {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	if interactions < 0 {
		interactions = 0
	}

	d, ok := s.domains[domainName]
	if !ok {
		s.logger.Warn("auto-registering unknown domain", zap.String("domain", domainName))
		s.RegisterDomain(domainName, unknownCategory, "")
		d = s.domains[domainName]
	}

	d.Proficiency[entityID] = &domain.Proficiency{
		Level:            level,
		InteractionCount: interactions,
		UpdatedAt:        time.Now(),
	}

	return s.checkThreshold(entityID, domainName, level, interactions)
}

func (s *KnowledgeService) checkThreshold(entityID uuid.UUID, domainName string, level float64, interactions int) bool {
	if interactions < s.cfg.MinInteractions {
		return false
	}

	threshold := s.cfg.SpecializedThreshold
	if domainName == generalDomain {
		threshold = s.cfg.GeneralThreshold
	}
	if level < threshold {
		return false
	}

	key := pendingKey{EntityID: entityID, Domain: domainName}
	if _, exists := s.pending[key]; exists {
		s.logger.Debug("threshold re-triggered, overwriting pending event",
			zap.String("entity_id", entityID.String()),
			zap.String("domain", domainName))
	}
	s.pending[key] = domain.ThresholdEvent{
		EntityID:         entityID,
		Domain:           domainName,
		Level:            level,
		ThresholdUsed:    threshold,
		InteractionCount: interactions,
		Timestamp:        time.Now(),
	}
	return true
}

// Level returns the entity's proficiency in a domain, 0.0 when absent.
func (s *KnowledgeService) Level(entityID uuid.UUID, domainName string) float64 {
	d, ok := s.domains[domainName]
	if !ok {
		return 0
	}
	p, ok := d.Proficiency[entityID]
	if !ok {
		return 0
	}
	return p.Level
}

// EntityKnowledge returns every domain the entity has proficiency in.
func (s *KnowledgeService) EntityKnowledge(entityID uuid.UUID) map[string]float64 {
	out := make(map[string]float64)
	for name, d := range s.domains {
		if p, ok := d.Proficiency[entityID]; ok {
			out[name] = p.Level
		}
	}
	return out
}

// DomainKnowledge returns every entity's proficiency in one domain.
func (s *KnowledgeService) DomainKnowledge(domainName string) map[uuid.UUID]float64 {
	out := make(map[uuid.UUID]float64)
	d, ok := s.domains[domainName]
	if !ok {
		s.logger.Warn("domain knowledge requested for unknown domain", zap.String("domain", domainName))
		return out
	}
	for id, p := range d.Proficiency {
		out[id] = p.Level
	}
	return out
}

// PrimaryDomain returns the entity's highest-level domain. Ties resolve
// to the lexicographically first domain name so the result is stable.
func (s *KnowledgeService) PrimaryDomain(entityID uuid.UUID) (string, float64, bool) {
	names := make([]string, 0, len(s.domains))
	for name := range s.domains {
		names = append(names, name)
	}
	sort.Strings(names)

	best := ""
	bestLevel := -1.0
	for _, name := range names {
		if p, ok := s.domains[name].Proficiency[entityID]; ok && p.Level > bestLevel {
			best = name
			bestLevel = p.Level
		}
	}
	if best == "" {
		return "", 0, false
	}
	return best, bestLevel, true
}

// Distribution summarizes the catalogue: per-domain averages, per-category
// level sums and the grand average over all stored proficiencies.
func (s *KnowledgeService) Distribution() domain.KnowledgeDistribution {
	dist := domain.KnowledgeDistribution{
		TotalDomains:   len(s.domains),
		DomainAverages: make(map[string]float64),
		CategoryTotals: make(map[string]float64),
	}

	entities := make(map[uuid.UUID]struct{})
	var sum float64
	var count int

	for name, d := range s.domains {
		var domainSum float64
		for id, p := range d.Proficiency {
			entities[id] = struct{}{}
			domainSum += p.Level
			sum += p.Level
			count++
		}
		if n := len(d.Proficiency); n > 0 {
			dist.DomainAverages[name] = domainSum / float64(n)
		}
		dist.CategoryTotals[d.Category] += domainSum
	}

	dist.TotalEntities = len(entities)
	if count > 0 {
		dist.AverageLevel = sum / float64(count)
	}
	return dist
}

// PendingEvents returns a timestamp-ordered copy of the queue.
func (s *KnowledgeService) PendingEvents() []domain.ThresholdEvent {
	out := make([]domain.ThresholdEvent, 0, len(s.pending))
	for _, ev := range s.pending {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			if out[i].EntityID == out[j].EntityID {
				return out[i].Domain < out[j].Domain
			}
			return out[i].EntityID.String() < out[j].EntityID.String()
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// ClearPending removes the queued event for (entity, domain), if any.
func (s *KnowledgeService) ClearPending(entityID uuid.UUID, domainName string) {
	delete(s.pending, pendingKey{EntityID: entityID, Domain: domainName})
}

type trackerState struct {
	Config  KnowledgeConfig                    `json:"config"`
	Domains map[string]*domain.KnowledgeDomain `json:"domains"`
	Pending []domain.ThresholdEvent            `json:"pending_events"`
}

// Save writes the whole tracker state as one document.
func (s *KnowledgeService) Save(ctx context.Context, snapshots domain.SnapshotStore) error {
	state := trackerState{
		Config:  s.cfg,
		Domains: s.domains,
		Pending: s.PendingEvents(),
	}
	if err := snapshots.Save(ctx, TrackerSnapshotName, &state); err != nil {
		s.logger.Error("failed to save tracker state", zap.Error(err))
		return err
	}
	return nil
}

// Load replaces the in-memory state with the persisted document. A
// failed load logs and leaves the current state untouched.
func (s *KnowledgeService) Load(ctx context.Context, snapshots domain.SnapshotStore) error {
	var state trackerState
	if err := snapshots.Load(ctx, TrackerSnapshotName, &state); err != nil {
		s.logger.Error("failed to load tracker state, keeping current state", zap.Error(err))
		return err
	}

	s.cfg = state.Config
	s.domains = state.Domains
	if s.domains == nil {
		s.domains = make(map[string]*domain.KnowledgeDomain)
	}
	for _, d := range s.domains {
		if d.Proficiency == nil {
			d.Proficiency = make(map[uuid.UUID]*domain.Proficiency)
		}
	}
	s.pending = make(map[pendingKey]domain.ThresholdEvent, len(state.Pending))
	for _, ev := range state.Pending {
		s.pending[pendingKey{EntityID: ev.EntityID, Domain: ev.Domain}] = ev
	}

	s.logger.Info("tracker state loaded",
		zap.Int("domains", len(s.domains)),
		zap.Int("pending_events", len(s.pending)))
	return nil
}
