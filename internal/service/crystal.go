package service

import (
	"sort"
	"time"

	"github.com/emergent-labs/emergence/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// Formation and merge model.
	KnowledgeCrystalMinEntities = 3
	KnowledgeCrystalLevelWeight = 0.2
	KnowledgeCrystalStability   = 0.5
	InteractionCountWeight      = 0.6
	InteractionLevelWeight      = 0.4
	InteractionCountScale       = 20
	InteractionCrystalStability = 0.6
	PatternTopDomains           = 3

	AccessStabilityGain = 0.05
	AccessDamping       = 0.1

	MergeSizeFactor      = 0.8
	MergeStabilityFactor = 0.9
	AutoMergeMaxGroup    = 3

	SimilarityDomainWeight      = 0.4
	SimilarityContributorWeight = 0.4
	SimilarityKindWeight        = 0.2
	SimilarityKindMismatch      = 0.5

	DecayIdleWindow        = 24 * time.Hour
	DecayStabilityFactor   = 0.5
	DecayStabilityFloor    = 0.1
	CrystalStabilityCutoff = 0.2
)

// CrystalConfig holds the crystallizer's tunables.
type CrystalConfig struct {
	FormationThreshold  int     `json:"formation_threshold"`
	MaxPerDomain        int     `json:"max_per_domain"`
	MinSize             float64 `json:"min_size"`
	MaxSize             float64 `json:"max_size"`
	GrowthRate          float64 `json:"growth_rate"`
	DecayRate           float64 `json:"decay_rate"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	AutoMergeSimilarity float64 `json:"auto_merge_similarity"`
}

func DefaultCrystalConfig() CrystalConfig {
	return CrystalConfig{
		FormationThreshold:  5,
		MaxPerDomain:        10,
		MinSize:             0.1,
		MaxSize:             1.0,
		GrowthRate:          0.05,
		DecayRate:           0.05,
		SimilarityThreshold: 0.7,
		AutoMergeSimilarity: 0.9,
	}
}

// MaintenanceResult reports one maintenance pass.
type MaintenanceResult struct {
	Decayed     int           `json:"decayed"`
	Removed     int           `json:"removed"`
	MergeGroups [][]uuid.UUID `json:"merge_groups"`
	AutoMerged  int           `json:"auto_merged"`
}

// pairLog accumulates interactions for one canonical entity pair.
type pairLog struct {
	first, second uuid.UUID
	count         int
	types         map[string]int
	domains       map[string]int
}

// CrystalService condenses repeated access and interaction patterns
// into crystals, grows them on access, decays idle ones and merges
// near-duplicates.
type CrystalService struct {
	registry  domain.EntityRegistry
	tracker   *KnowledgeService
	cfg       CrystalConfig
	clusterer Clusterer
	logger    *zap.Logger

	crystals     map[uuid.UUID]*domain.MemoryCrystal
	accesses     map[string]map[uuid.UUID]int
	interactions map[string]*pairLog
}

func NewCrystalService(registry domain.EntityRegistry, tracker *KnowledgeService, cfg CrystalConfig, logger *zap.Logger) *CrystalService {
	def := DefaultCrystalConfig()
	if cfg.FormationThreshold <= 0 {
		cfg.FormationThreshold = def.FormationThreshold
	}
	if cfg.MaxPerDomain <= 0 {
		cfg.MaxPerDomain = def.MaxPerDomain
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = def.MinSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.GrowthRate <= 0 {
		cfg.GrowthRate = def.GrowthRate
	}
	if cfg.DecayRate <= 0 {
		cfg.DecayRate = def.DecayRate
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.AutoMergeSimilarity <= 0 {
		cfg.AutoMergeSimilarity = def.AutoMergeSimilarity
	}
	return &CrystalService{
		registry:     registry,
		tracker:      tracker,
		cfg:          cfg,
		clusterer:    CliqueClusterer{},
		logger:       logger,
		crystals:     make(map[uuid.UUID]*domain.MemoryCrystal),
		accesses:     make(map[string]map[uuid.UUID]int),
		interactions: make(map[string]*pairLog),
	}
}

// SetClusterer swaps the merge-candidate grouping algorithm.
func (s *CrystalService) SetClusterer(c Clusterer) {
	s.clusterer = c
}

// RecordKnowledgeAccess counts one entity's access to a domain and
// forms a knowledge crystal once enough distinct entities have each
// crossed the formation threshold. Returns the new crystal or nil.
func (s *CrystalService) RecordKnowledgeAccess(entityID uuid.UUID, domainName string) *domain.MemoryCrystal {
	counts, ok := s.accesses[domainName]
	if !ok {
		counts = make(map[uuid.UUID]int)
		s.accesses[domainName] = counts
	}
	counts[entityID]++

	var qualifying []uuid.UUID
	total := 0
	for id, n := range counts {
		total += n
		if n >= s.cfg.FormationThreshold {
			qualifying = append(qualifying, id)
		}
	}
	if len(qualifying) < KnowledgeCrystalMinEntities || total < s.cfg.FormationThreshold {
		return nil
	}
	if s.crystalsForDomain(domainName) >= s.cfg.MaxPerDomain {
		s.logger.Warn("crystal cap reached for domain", zap.String("domain", domainName))
		return nil
	}

	sort.Slice(qualifying, func(i, j int) bool {
		return qualifying[i].String() < qualifying[j].String()
	})

	var size float64
	for _, id := range qualifying {
		size += s.tracker.Level(id, domainName) * KnowledgeCrystalLevelWeight
	}

	now := time.Now()
	crystal := &domain.MemoryCrystal{
		ID:             uuid.New(),
		Kind:           domain.CrystalKnowledge,
		Domains:        []string{domainName},
		Contributors:   qualifying,
		Size:           s.clampSize(size),
		Stability:      KnowledgeCrystalStability,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	s.crystals[crystal.ID] = crystal

	// Start a fresh accumulation window for the domain.
	delete(s.accesses, domainName)

	s.logger.Info("knowledge crystal formed",
		zap.String("crystal_id", crystal.ID.String()),
		zap.String("domain", domainName),
		zap.Int("contributors", len(qualifying)),
		zap.Float64("size", crystal.Size))
	return crystal
}

// RecordInteraction logs one interaction between a canonical entity
// pair and forms an interaction crystal once some shared domain has
// recurred often enough. Returns the new crystal or nil.
func (s *CrystalService) RecordInteraction(e1, e2 uuid.UUID, kind string, domains []string, content string) *domain.MemoryCrystal {
	first, second := e1, e2
	if second.String() < first.String() {
		first, second = second, first
	}
	key := first.String() + "|" + second.String()

	log, ok := s.interactions[key]
	if !ok {
		log = &pairLog{
			first:   first,
			second:  second,
			types:   make(map[string]int),
			domains: make(map[string]int),
		}
		s.interactions[key] = log
	}
	log.count++
	log.types[kind]++
	for _, d := range domains {
		log.domains[d]++
	}
	_ = content // interaction content is not condensed into the pattern

	dominant, freq := topCount(log.domains)
	if dominant == "" || freq < s.cfg.FormationThreshold {
		return nil
	}
	if s.crystalsForDomain(dominant) >= s.cfg.MaxPerDomain {
		s.logger.Warn("crystal cap reached for domain", zap.String("domain", dominant))
		return nil
	}

	meanLevel := (s.tracker.Level(log.first, dominant) + s.tracker.Level(log.second, dominant)) / 2
	countRatio := float64(log.count) / InteractionCountScale
	if countRatio > 1 {
		countRatio = 1
	}
	size := InteractionCountWeight*countRatio + InteractionLevelWeight*meanLevel

	dominantType, _ := topCount(log.types)
	now := time.Now()
	crystal := &domain.MemoryCrystal{
		ID:             uuid.New(),
		Kind:           domain.CrystalInteraction,
		Domains:        topDomains(log.domains, PatternTopDomains),
		Contributors:   []uuid.UUID{log.first, log.second},
		Size:           s.clampSize(size),
		Stability:      InteractionCrystalStability,
		CreatedAt:      now,
		LastAccessedAt: now,
		Pattern: &domain.InteractionPattern{
			DominantType: dominantType,
			TopDomains:   topDomains(log.domains, PatternTopDomains),
			Frequency:    log.count,
		},
	}
	s.crystals[crystal.ID] = crystal

	delete(s.interactions, key)

	s.logger.Info("interaction crystal formed",
		zap.String("crystal_id", crystal.ID.String()),
		zap.String("dominant_domain", dominant),
		zap.String("dominant_type", dominantType),
		zap.Int("frequency", crystal.Pattern.Frequency))
	return crystal
}

// AccessCrystal records an access and grows the crystal, with both
// gains damped by how often it has already been accessed. Growth uses
// the access count prior to this access.
func (s *CrystalService) AccessCrystal(id uuid.UUID, entityID uuid.UUID) *domain.MemoryCrystal {
	crystal, ok := s.crystals[id]
	if !ok {
		s.logger.Warn("access to unknown crystal",
			zap.String("crystal_id", id.String()),
			zap.String("entity_id", entityID.String()))
		return nil
	}

	damping := 1 + float64(crystal.AccessCount)*AccessDamping
	crystal.Size += s.cfg.GrowthRate / damping
	if crystal.Size > s.cfg.MaxSize {
		crystal.Size = s.cfg.MaxSize
	}
	crystal.Stability += AccessStabilityGain / damping
	if crystal.Stability > 1 {
		crystal.Stability = 1
	}

	crystal.AccessCount++
	crystal.LastAccessedAt = time.Now()
	return crystal
}

// InheritCrystals marks every crystal the parent contributed to as
// inherited by the offspring, returning how many were marked.
func (s *CrystalService) InheritCrystals(parentID, offspringID uuid.UUID) int {
	marked := 0
	for _, crystal := range s.crystals {
		for _, id := range crystal.Contributors {
			if id == parentID {
				crystal.InheritedBy = append(crystal.InheritedBy, offspringID)
				marked++
				break
			}
		}
	}
	if marked > 0 {
		s.logger.Info("crystals inherited",
			zap.String("parent_id", parentID.String()),
			zap.String("offspring_id", offspringID.String()),
			zap.Int("crystals", marked))
	}
	return marked
}

// Crystal returns one crystal by id, nil when absent.
func (s *CrystalService) Crystal(id uuid.UUID) *domain.MemoryCrystal {
	crystal, ok := s.crystals[id]
	if !ok {
		s.logger.Warn("unknown crystal", zap.String("crystal_id", id.String()))
		return nil
	}
	return crystal
}

// Crystals returns every crystal, ordered by id for stable iteration.
func (s *CrystalService) Crystals() []*domain.MemoryCrystal {
	out := make([]*domain.MemoryCrystal, 0, len(s.crystals))
	for _, c := range s.crystals {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Similarity scores two crystals for pairwise lookup. Set overlaps are
// taken relative to the first crystal's sets.
func (s *CrystalService) Similarity(a, b *domain.MemoryCrystal) float64 {
	domainOverlap := firstSetOverlap(a.Domains, b.Domains)
	contributorOverlap := firstSetOverlap(idStrings(a.Contributors), idStrings(b.Contributors))
	return s.blendSimilarity(a, b, domainOverlap, contributorOverlap)
}

// mergeSimilarity scores two crystals for merge detection, using
// Jaccard overlaps so the score is symmetric.
func (s *CrystalService) mergeSimilarity(a, b *domain.MemoryCrystal) float64 {
	domainOverlap := jaccard(a.Domains, b.Domains)
	contributorOverlap := jaccard(idStrings(a.Contributors), idStrings(b.Contributors))
	return s.blendSimilarity(a, b, domainOverlap, contributorOverlap)
}

func (s *CrystalService) blendSimilarity(a, b *domain.MemoryCrystal, domainOverlap, contributorOverlap float64) float64 {
	kindScore := SimilarityKindMismatch
	if a.Kind == b.Kind {
		kindScore = 1.0
	}
	return SimilarityDomainWeight*domainOverlap +
		SimilarityContributorWeight*contributorOverlap +
		SimilarityKindWeight*kindScore
}

// MergeCrystals unions the given crystals into one merged crystal,
// removing the sources and recording them as provenance. Needs at
// least two resolvable ids; returns nil otherwise.
func (s *CrystalService) MergeCrystals(ids []uuid.UUID) *domain.MemoryCrystal {
	var sources []*domain.MemoryCrystal
	for _, id := range ids {
		if c, ok := s.crystals[id]; ok {
			sources = append(sources, c)
		} else {
			s.logger.Warn("merge skipping unknown crystal", zap.String("crystal_id", id.String()))
		}
	}
	if len(sources) < 2 {
		s.logger.Warn("merge needs at least two resolvable crystals", zap.Int("resolved", len(sources)))
		return nil
	}

	domainSet := make(map[string]struct{})
	contributorSet := make(map[uuid.UUID]struct{})
	var sizeSum, stabilitySum float64
	lineage := make([]uuid.UUID, 0, len(sources))
	for _, c := range sources {
		for _, d := range c.Domains {
			domainSet[d] = struct{}{}
		}
		for _, id := range c.Contributors {
			contributorSet[id] = struct{}{}
		}
		sizeSum += c.Size
		stabilitySum += c.Stability
		lineage = append(lineage, c.ID)
	}

	mergedDomains := make([]string, 0, len(domainSet))
	for d := range domainSet {
		mergedDomains = append(mergedDomains, d)
	}
	sort.Strings(mergedDomains)

	mergedContributors := make([]uuid.UUID, 0, len(contributorSet))
	for id := range contributorSet {
		mergedContributors = append(mergedContributors, id)
	}
	sort.Slice(mergedContributors, func(i, j int) bool {
		return mergedContributors[i].String() < mergedContributors[j].String()
	})

	now := time.Now()
	merged := &domain.MemoryCrystal{
		ID:             uuid.New(),
		Kind:           domain.CrystalMerged,
		Domains:        mergedDomains,
		Contributors:   mergedContributors,
		Size:           s.clampSize(sizeSum * MergeSizeFactor),
		Stability:      stabilitySum / float64(len(sources)) * MergeStabilityFactor,
		CreatedAt:      now,
		LastAccessedAt: now,
		MergedFrom:     lineage,
	}

	for _, c := range sources {
		delete(s.crystals, c.ID)
	}
	s.crystals[merged.ID] = merged

	s.logger.Info("crystals merged",
		zap.String("crystal_id", merged.ID.String()),
		zap.Int("sources", len(sources)),
		zap.Float64("size", merged.Size),
		zap.Float64("stability", merged.Stability))
	return merged
}

// RunMaintenance decays idle crystals, removes the ones that fell
// below the floors, then reports clique-validated merge groups and
// auto-merges the small near-identical ones.
func (s *CrystalService) RunMaintenance() MaintenanceResult {
	result := MaintenanceResult{}
	now := time.Now()

	var doomed []uuid.UUID
	for _, crystal := range s.crystals {
		idle := now.Sub(crystal.LastAccessedAt)
		if idle > DecayIdleWindow {
			days := idle.Hours() / 24
			crystal.Size -= s.cfg.DecayRate * days
			crystal.Stability -= DecayStabilityFactor * s.cfg.DecayRate * days
			if crystal.Stability < DecayStabilityFloor {
				crystal.Stability = DecayStabilityFloor
			}
			result.Decayed++
		}
		if crystal.Size < s.cfg.MinSize || crystal.Stability < CrystalStabilityCutoff {
			doomed = append(doomed, crystal.ID)
		}
	}
	for _, id := range doomed {
		delete(s.crystals, id)
		result.Removed++
	}

	remaining := s.Crystals()
	sim := func(i, j int) float64 {
		return s.mergeSimilarity(remaining[i], remaining[j])
	}
	groups := s.clusterer.Groups(len(remaining), sim, s.cfg.SimilarityThreshold)

	// Groups can overlap. A group that lost a member to an earlier merge
	// in this pass is still reported but no longer auto-merged.
	consumed := make(map[uuid.UUID]struct{})
	for _, group := range groups {
		ids := make([]uuid.UUID, len(group))
		intact := true
		for i, idx := range group {
			ids[i] = remaining[idx].ID
			if _, gone := consumed[ids[i]]; gone {
				intact = false
			}
		}
		result.MergeGroups = append(result.MergeGroups, ids)

		if !intact {
			continue
		}
		if len(group) <= AutoMergeMaxGroup && meanPairSimilarity(group, sim) > s.cfg.AutoMergeSimilarity {
			if merged := s.MergeCrystals(ids); merged != nil {
				result.AutoMerged++
				for _, id := range ids {
					consumed[id] = struct{}{}
				}
			}
		}
	}

	if result.Decayed > 0 || result.Removed > 0 || result.AutoMerged > 0 {
		s.logger.Info("crystal maintenance complete",
			zap.Int("decayed", result.Decayed),
			zap.Int("removed", result.Removed),
			zap.Int("merge_groups", len(result.MergeGroups)),
			zap.Int("auto_merged", result.AutoMerged))
	}
	return result
}

func (s *CrystalService) clampSize(size float64) float64 {
	if size < s.cfg.MinSize {
		return s.cfg.MinSize
	}
	if size > s.cfg.MaxSize {
		return s.cfg.MaxSize
	}
	return size
}

func (s *CrystalService) crystalsForDomain(domainName string) int {
	count := 0
	for _, crystal := range s.crystals {
		for _, d := range crystal.Domains {
			if d == domainName {
				count++
				break
			}
		}
	}
	return count
}

func meanPairSimilarity(group []int, sim func(i, j int) float64) float64 {
	var sum float64
	var pairs int
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			sum += sim(group[i], group[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}

// topCount returns the most frequent key, breaking ties by key order.
func topCount(counts map[string]int) (string, int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best, bestN := "", 0
	for _, k := range keys {
		if counts[k] > bestN {
			best, bestN = k, counts[k]
		}
	}
	return best, bestN
}

// topDomains returns up to n domains by descending frequency.
func topDomains(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] == counts[keys[j]] {
			return keys[i] < keys[j]
		}
		return counts[keys[i]] > counts[keys[j]]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

func firstSetOverlap(first, second []string) float64 {
	inter := intersectionSize(first, second)
	denom := len(first)
	if denom < 1 {
		denom = 1
	}
	return float64(inter) / float64(denom)
}

func jaccard(a, b []string) float64 {
	inter := intersectionSize(a, b)
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func intersectionSize(a, b []string) int {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	n := 0
	seen := make(map[string]struct{}, len(b))
	for _, v := range b {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		if _, ok := set[v]; ok {
			n++
		}
	}
	return n
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
