package service

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"time"

	"github.com/emergent-labs/emergence/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Spreading-activation model. These weights are part of the protocol,
// not tuning knobs.
const (
	ContributionKnowledgeWeight = 0.7
	ContributionInspirationMax  = 0.3
	ContributionActivationGain  = 0.5
	ContributionWeightGate      = 0.2
	SynergyQualityBonus         = 0.1
	SynergyActivationGate       = 0.5

	PropagationTransfer = 0.3
	ActivationDecay     = 0.95

	BreakthroughQuality     = 0.8
	BreakthroughActivation  = 0.7
	BreakthroughMinCount    = 3
	BreakthroughValueBonus  = 0.2
	ConsensusActivationPart = 0.3
	ConsensusCoveragePart   = 0.3
	ConsensusQualityPart    = 0.3

	ComplementaryGap        = 0.2
	ComplementaryBonus      = 0.3
	UniqueDomainBonus       = 0.1
	SignificantLevel        = 0.6
	DifferentSpecBonus      = 0.2
	SolutionTopContributors = 5
)

var ErrInsufficientParticipants = errors.New("not enough participants for consensus session")

// ConsensusConfig holds the protocol's tunables.
type ConsensusConfig struct {
	MinParticipants       int     `json:"min_participants"`
	MaxParticipants       int     `json:"max_participants"`
	MinConnectionStrength float64 `json:"min_connection_strength"`
	SynergyThreshold      float64 `json:"synergy_threshold"`
	ConsensusThreshold    float64 `json:"consensus_threshold"`
	MaxIterations         int     `json:"max_iterations"`
	ContributionDecay     float64 `json:"contribution_decay"`
}

func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		MinParticipants:       3,
		MaxParticipants:       12,
		MinConnectionStrength: 0.3,
		SynergyThreshold:      0.6,
		ConsensusThreshold:    0.7,
		MaxIterations:         20,
		ContributionDecay:     0.9,
	}
}

// ConsensusService forms ad-hoc entity networks and steps them through
// spreading-activation iterations until consensus or the iteration cap.
// Sessions are driver-stepped; the service never runs on its own.
type ConsensusService struct {
	registry domain.EntityRegistry
	tracker  *KnowledgeService
	rng      *rand.Rand
	cfg      ConsensusConfig
	logger   *zap.Logger

	active        map[uuid.UUID]*domain.ConsensusSession
	historical    map[uuid.UUID]*domain.ConsensusSession
	breakthroughs []domain.Breakthrough
}

func NewConsensusService(registry domain.EntityRegistry, tracker *KnowledgeService, rng *rand.Rand, cfg ConsensusConfig, logger *zap.Logger) *ConsensusService {
	def := DefaultConsensusConfig()
	if cfg.MinParticipants <= 0 {
		cfg.MinParticipants = def.MinParticipants
	}
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = def.MaxParticipants
	}
	if cfg.MinConnectionStrength <= 0 {
		cfg.MinConnectionStrength = def.MinConnectionStrength
	}
	if cfg.SynergyThreshold <= 0 {
		cfg.SynergyThreshold = def.SynergyThreshold
	}
	if cfg.ConsensusThreshold <= 0 {
		cfg.ConsensusThreshold = def.ConsensusThreshold
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.ContributionDecay <= 0 {
		cfg.ContributionDecay = def.ContributionDecay
	}
	return &ConsensusService{
		registry:   registry,
		tracker:    tracker,
		rng:        rng,
		cfg:        cfg,
		logger:     logger,
		active:     make(map[uuid.UUID]*domain.ConsensusSession),
		historical: make(map[uuid.UUID]*domain.ConsensusSession),
	}
}

// CreateSession builds a session network for a problem domain. With no
// explicit entities the participants are selected from the tracker:
// level > 0.4 in the problem domain, falling back to entities with
// >= 0.6 in any domain when that yields too few. Participants are
// capped by descending problem-domain knowledge.
func (s *ConsensusService) CreateSession(ctx context.Context, problemDomain, description string, entityIDs []uuid.UUID) (*domain.ConsensusSession, error) {
	var participants []uuid.UUID
	if len(entityIDs) > 0 {
		participants = s.validateParticipants(ctx, entityIDs)
	} else {
		participants = s.selectParticipants(problemDomain)
	}

	if len(participants) < s.cfg.MinParticipants {
		s.logger.Warn("consensus session rejected",
			zap.String("problem_domain", problemDomain),
			zap.Int("participants", len(participants)),
			zap.Int("minimum", s.cfg.MinParticipants))
		return nil, ErrInsufficientParticipants
	}

	// Rank by problem-domain knowledge before applying the cap.
	sort.SliceStable(participants, func(i, j int) bool {
		li := s.tracker.Level(participants[i], problemDomain)
		lj := s.tracker.Level(participants[j], problemDomain)
		if li == lj {
			return participants[i].String() < participants[j].String()
		}
		return li > lj
	})
	if len(participants) > s.cfg.MaxParticipants {
		participants = participants[:s.cfg.MaxParticipants]
	}

	sess := &domain.ConsensusSession{
		ID:            uuid.New(),
		ProblemDomain: problemDomain,
		Description:   description,
		Participants:  participants,
		Nodes:         make(map[uuid.UUID]*domain.ConsensusNode, len(participants)),
		State:         domain.SessionInitialized,
		Contributions: make(map[uuid.UUID][]domain.Contribution),
		CreatedAt:     time.Now(),
	}

	for _, id := range participants {
		sess.Nodes[id] = &domain.ConsensusNode{
			EntityID:           id,
			DomainKnowledge:    s.tracker.Level(id, problemDomain),
			Activation:         0,
			ContributionWeight: 1,
		}
	}

	sess.Edges = s.buildEdges(ctx, sess)
	s.active[sess.ID] = sess

	s.logger.Info("consensus session created",
		zap.String("session_id", sess.ID.String()),
		zap.String("problem_domain", problemDomain),
		zap.Int("participants", len(participants)),
		zap.Int("edges", len(sess.Edges)))
	return sess, nil
}

func (s *ConsensusService) selectParticipants(problemDomain string) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var participants []uuid.UUID
	for id, level := range s.tracker.DomainKnowledge(problemDomain) {
		if level > 0.4 {
			seen[id] = struct{}{}
			participants = append(participants, id)
		}
	}

	if len(participants) < s.cfg.MinParticipants {
		for name := range s.tracker.domains {
			for id, level := range s.tracker.DomainKnowledge(name) {
				if _, ok := seen[id]; ok {
					continue
				}
				if level >= SignificantLevel {
					seen[id] = struct{}{}
					participants = append(participants, id)
				}
			}
		}
	}
	return participants
}

func (s *ConsensusService) validateParticipants(ctx context.Context, entityIDs []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var participants []uuid.UUID
	for _, id := range entityIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		if _, err := s.registry.GetByID(ctx, id); err != nil {
			s.logger.Warn("skipping unknown session participant",
				zap.String("entity_id", id.String()), zap.Error(err))
			continue
		}
		seen[id] = struct{}{}
		participants = append(participants, id)
	}
	return participants
}

// buildEdges creates an edge per unordered pair with connection strength
// at or above the minimum.
func (s *ConsensusService) buildEdges(ctx context.Context, sess *domain.ConsensusSession) []*domain.ConsensusEdge {
	var edges []*domain.ConsensusEdge
	for i := 0; i < len(sess.Participants); i++ {
		for j := i + 1; j < len(sess.Participants); j++ {
			a, b := sess.Participants[i], sess.Participants[j]
			strength := s.connectionStrength(ctx, a, b, sess.ProblemDomain)
			if strength < s.cfg.MinConnectionStrength {
				continue
			}
			edges = append(edges, &domain.ConsensusEdge{
				Source:   a,
				Target:   b,
				Strength: strength,
				Synergy:  strength > s.cfg.SynergyThreshold,
			})
		}
	}
	return edges
}

// connectionStrength scores a pair: complementary levels in the problem
// domain, significant domains held by only one side, and differing
// specializations all add strength.
func (s *ConsensusService) connectionStrength(ctx context.Context, a, b uuid.UUID, problemDomain string) float64 {
	ka := s.tracker.EntityKnowledge(a)
	kb := s.tracker.EntityKnowledge(b)

	var strength float64
	la, aHas := ka[problemDomain]
	lb, bHas := kb[problemDomain]
	if aHas && bHas {
		gap := la - lb
		if gap < 0 {
			gap = -gap
		}
		if gap > ComplementaryGap {
			strength += ComplementaryBonus
		}
	}

	for name, level := range ka {
		if level > SignificantLevel {
			if _, ok := kb[name]; !ok {
				strength += UniqueDomainBonus
			}
		}
	}
	for name, level := range kb {
		if level > SignificantLevel {
			if _, ok := ka[name]; !ok {
				strength += UniqueDomainBonus
			}
		}
	}

	ea, errA := s.registry.GetByID(ctx, a)
	eb, errB := s.registry.GetByID(ctx, b)
	if errA == nil && errB == nil && ea.Specialization != eb.Specialization {
		strength += DifferentSpecBonus
	}

	if strength > 1 {
		strength = 1
	}
	return strength
}

// RunIteration advances one active session by a single iteration:
// contributions, snapshot-then-apply propagation, breakthrough
// detection, consensus evaluation. Returns nil for unknown or already
// finalized sessions.
func (s *ConsensusService) RunIteration(sessionID uuid.UUID) *domain.ConsensusSession {
	sess, ok := s.active[sessionID]
	if !ok {
		s.logger.Warn("iteration requested for inactive session",
			zap.String("session_id", sessionID.String()))
		return nil
	}

	sess.State = domain.SessionInProgress
	sess.Iteration++

	qualities := s.contributionPhase(sess)
	s.propagationPhase(sess)
	s.detectBreakthrough(sess, qualities)

	sess.ConsensusValue = s.consensusValue(sess)

	switch {
	case sess.ConsensusValue >= s.cfg.ConsensusThreshold:
		s.finalize(sess, domain.SessionConsensusReached)
	case sess.Iteration >= s.cfg.MaxIterations:
		s.finalize(sess, domain.SessionCompleted)
	}
	return sess
}

// contributionPhase lets every node above the weight gate contribute,
// returning this iteration's qualities keyed by contributor.
func (s *ConsensusService) contributionPhase(sess *domain.ConsensusSession) map[uuid.UUID]float64 {
	qualities := make(map[uuid.UUID]float64)
	now := time.Now()

	for _, id := range sess.Participants {
		node := sess.Nodes[id]
		if node.ContributionWeight < ContributionWeightGate {
			continue
		}

		quality := (node.DomainKnowledge*ContributionKnowledgeWeight +
			s.rng.Float64()*ContributionInspirationMax) * node.ContributionWeight

		for _, edge := range sess.Edges {
			if !edge.Synergy {
				continue
			}
			var other *domain.ConsensusNode
			switch id {
			case edge.Source:
				other = sess.Nodes[edge.Target]
			case edge.Target:
				other = sess.Nodes[edge.Source]
			default:
				continue
			}
			if other.Activation > SynergyActivationGate {
				quality += SynergyQualityBonus * edge.Strength
			}
		}
		if quality > 1 {
			quality = 1
		}

		sess.Contributions[id] = append(sess.Contributions[id], domain.Contribution{
			Quality:   quality,
			Iteration: sess.Iteration,
			Timestamp: now,
		})
		qualities[id] = quality

		node.ContributionWeight *= s.cfg.ContributionDecay
		node.Activation += quality * ContributionActivationGain
		if node.Activation > 1 {
			node.Activation = 1
		}
	}
	return qualities
}

// propagationPhase transfers activation along every edge in both
// directions. All deltas come from one snapshot and are applied
// afterwards, so edge order cannot change the result. Every activation
// then decays uniformly.
func (s *ConsensusService) propagationPhase(sess *domain.ConsensusSession) {
	snapshot := make(map[uuid.UUID]float64, len(sess.Nodes))
	for id, node := range sess.Nodes {
		snapshot[id] = node.Activation
	}

	deltas := make(map[uuid.UUID]float64, len(sess.Nodes))
	for _, edge := range sess.Edges {
		deltas[edge.Target] += snapshot[edge.Source] * edge.Strength * PropagationTransfer
		deltas[edge.Source] += snapshot[edge.Target] * edge.Strength * PropagationTransfer
	}

	for id, node := range sess.Nodes {
		node.Activation += deltas[id]
		if node.Activation > 1 {
			node.Activation = 1
		}
		node.Activation *= ActivationDecay
	}
}

func (s *ConsensusService) detectBreakthrough(sess *domain.ConsensusSession, qualities map[uuid.UUID]float64) {
	var contributors []uuid.UUID
	var sum float64
	for _, id := range sess.Participants {
		if q, ok := qualities[id]; ok && q > BreakthroughQuality {
			contributors = append(contributors, id)
			sum += q
		}
	}
	if len(contributors) < BreakthroughMinCount {
		return
	}

	highActivation := 0
	for _, node := range sess.Nodes {
		if node.Activation > BreakthroughActivation {
			highActivation++
		}
	}
	if highActivation < BreakthroughMinCount {
		return
	}

	bt := domain.Breakthrough{
		SessionID:    sess.ID,
		Type:         domain.BreakthroughCollectiveInsight,
		Iteration:    sess.Iteration,
		Magnitude:    sum / float64(len(contributors)),
		Contributors: contributors,
		Timestamp:    time.Now(),
	}
	sess.Breakthroughs = append(sess.Breakthroughs, bt)
	s.breakthroughs = append(s.breakthroughs, bt)

	s.logger.Info("breakthrough detected",
		zap.String("session_id", sess.ID.String()),
		zap.Int("iteration", sess.Iteration),
		zap.Float64("magnitude", bt.Magnitude),
		zap.Int("contributors", len(contributors)))
}

// consensusValue blends activation, participation coverage and overall
// contribution quality, with a bonus when any breakthrough occurred.
// Zero until the first contribution exists.
func (s *ConsensusService) consensusValue(sess *domain.ConsensusSession) float64 {
	var totalQuality float64
	var contributionCount int
	for _, contributions := range sess.Contributions {
		for _, c := range contributions {
			totalQuality += c.Quality
			contributionCount++
		}
	}
	if contributionCount == 0 {
		return 0
	}

	var activationSum float64
	for _, node := range sess.Nodes {
		activationSum += node.Activation
	}
	meanActivation := activationSum / float64(len(sess.Nodes))
	coverage := float64(len(sess.Contributions)) / float64(len(sess.Participants))
	meanQuality := totalQuality / float64(contributionCount)

	value := ConsensusActivationPart*meanActivation +
		ConsensusCoveragePart*coverage +
		ConsensusQualityPart*meanQuality
	if len(sess.Breakthroughs) > 0 {
		value += BreakthroughValueBonus
	}
	if value > 1 {
		value = 1
	}
	return value
}

// finalize builds the solution from each contributor's best contribution
// and moves the session to the historical table. Runs exactly once per
// session.
func (s *ConsensusService) finalize(sess *domain.ConsensusSession, state domain.SessionState) {
	sess.State = state

	type ranked struct {
		id      uuid.UUID
		quality float64
	}
	var best []ranked
	for id, contributions := range sess.Contributions {
		top := 0.0
		for _, c := range contributions {
			if c.Quality > top {
				top = c.Quality
			}
		}
		best = append(best, ranked{id: id, quality: top})
	}
	sort.Slice(best, func(i, j int) bool {
		if best[i].quality == best[j].quality {
			return best[i].id.String() < best[j].id.String()
		}
		return best[i].quality > best[j].quality
	})

	top := make([]uuid.UUID, 0, SolutionTopContributors)
	for _, r := range best {
		if len(top) == SolutionTopContributors {
			break
		}
		top = append(top, r.id)
	}

	sess.Solution = &domain.Solution{
		ConsensusValue:   sess.ConsensusValue,
		TopContributors:  top,
		BreakthroughHits: len(sess.Breakthroughs),
		Timestamp:        time.Now(),
	}

	delete(s.active, sess.ID)
	s.historical[sess.ID] = sess

	s.logger.Info("consensus session finalized",
		zap.String("session_id", sess.ID.String()),
		zap.String("state", string(state)),
		zap.Int("iterations", sess.Iteration),
		zap.Float64("consensus_value", sess.ConsensusValue))
}

// ActiveSessions returns the sessions still accepting iterations.
func (s *ConsensusService) ActiveSessions() []*domain.ConsensusSession {
	out := make([]*domain.ConsensusSession, 0, len(s.active))
	for _, sess := range s.active {
		out = append(out, sess)
	}
	return out
}

// HistoricalSessions returns every finalized session.
func (s *ConsensusService) HistoricalSessions() []*domain.ConsensusSession {
	out := make([]*domain.ConsensusSession, 0, len(s.historical))
	for _, sess := range s.historical {
		out = append(out, sess)
	}
	return out
}

// SessionsForEntity returns every session, active or historical, the
// entity participated in.
func (s *ConsensusService) SessionsForEntity(entityID uuid.UUID) []*domain.ConsensusSession {
	var out []*domain.ConsensusSession
	for _, table := range []map[uuid.UUID]*domain.ConsensusSession{s.active, s.historical} {
		for _, sess := range table {
			for _, id := range sess.Participants {
				if id == entityID {
					out = append(out, sess)
					break
				}
			}
		}
	}
	return out
}

// Breakthroughs returns a copy of the global breakthrough log.
func (s *ConsensusService) Breakthroughs() []domain.Breakthrough {
	out := make([]domain.Breakthrough, len(s.breakthroughs))
	copy(out, s.breakthroughs)
	return out
}
