package service

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/emergent-labs/emergence/internal/domain"
	"github.com/emergent-labs/emergence/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newConsensusFixture(cfg ConsensusConfig) (*store.Registry, *KnowledgeService, *ConsensusService) {
	registry := store.NewRegistry()
	tracker := NewKnowledgeService(DefaultKnowledgeConfig(), zap.NewNop())
	rng := rand.New(rand.NewSource(1))
	svc := NewConsensusService(registry, tracker, rng, cfg, zap.NewNop())
	return registry, tracker, svc
}

func addParticipant(t *testing.T, registry *store.Registry, tracker *KnowledgeService, name, specialization, problemDomain string, level float64) uuid.UUID {
	t.Helper()
	e := &domain.Entity{
		ID:             uuid.New(),
		Name:           name,
		Type:           domain.EntityTypeFounding,
		Specialization: specialization,
	}
	if err := registry.Register(context.Background(), e); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	tracker.UpdateKnowledge(e.ID, problemDomain, level, 0)
	return e.ID
}

func TestConsensus_RejectsTooFewParticipants(t *testing.T) {
	registry, tracker, svc := newConsensusFixture(DefaultConsensusConfig())
	addParticipant(t, registry, tracker, "a", "research", "research", 0.8)
	addParticipant(t, registry, tracker, "b", "research", "research", 0.5)

	_, err := svc.CreateSession(context.Background(), "research", "too small", nil)
	if err != ErrInsufficientParticipants {
		t.Fatalf("expected ErrInsufficientParticipants, got %v", err)
	}
	if len(svc.ActiveSessions()) != 0 {
		t.Error("rejected session must not be tracked")
	}
}

func TestConsensus_WeakSessionCompletesAtIterationCap(t *testing.T) {
	cfg := DefaultConsensusConfig()
	cfg.MaxIterations = 10
	registry, tracker, svc := newConsensusFixture(cfg)

	// Same specialization, pairwise level gaps all > 0.2: every edge is
	// exactly the complementary bonus (0.3), below the synergy threshold.
	ids := []uuid.UUID{
		addParticipant(t, registry, tracker, "a", "research", "research", 0.50),
		addParticipant(t, registry, tracker, "b", "research", "research", 0.25),
		addParticipant(t, registry, tracker, "c", "research", "research", 0.02),
	}

	sess, err := svc.CreateSession(context.Background(), "research", "weak network", ids)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if len(sess.Edges) != 3 {
		t.Fatalf("expected 3 edges, got %d", len(sess.Edges))
	}
	for _, edge := range sess.Edges {
		if math.Abs(edge.Strength-0.3) > 1e-9 {
			t.Errorf("edge strength = %v, want 0.3", edge.Strength)
		}
		if edge.Synergy {
			t.Error("0.3 edges must not be synergy edges")
		}
	}

	for i := 1; i <= 10; i++ {
		got := svc.RunIteration(sess.ID)
		if got == nil {
			t.Fatalf("iteration %d returned nil", i)
		}
		if got.ConsensusValue < 0 || got.ConsensusValue > 1 {
			t.Fatalf("consensus value %v out of [0,1] at iteration %d", got.ConsensusValue, i)
		}
		if i < 10 && got.State != domain.SessionInProgress {
			t.Fatalf("state = %v at iteration %d, want in_progress", got.State, i)
		}
	}

	if sess.State != domain.SessionCompleted {
		t.Errorf("state = %v, want completed", sess.State)
	}
	if sess.Iteration != 10 {
		t.Errorf("iteration = %d, want 10", sess.Iteration)
	}
	if sess.Solution == nil {
		t.Fatal("finalized session must carry a solution")
	}
	if len(sess.Solution.TopContributors) == 0 || len(sess.Solution.TopContributors) > SolutionTopContributors {
		t.Errorf("unexpected top contributor count %d", len(sess.Solution.TopContributors))
	}

	// Finalization is terminal: the session left the active table.
	if svc.RunIteration(sess.ID) != nil {
		t.Error("iterating a finalized session must return nil")
	}
	if len(svc.ActiveSessions()) != 0 || len(svc.HistoricalSessions()) != 1 {
		t.Error("finalized session should move active -> historical")
	}
}

func TestConsensus_ThresholdFinalizesSession(t *testing.T) {
	cfg := DefaultConsensusConfig()
	cfg.ConsensusThreshold = 0.1
	registry, tracker, svc := newConsensusFixture(cfg)

	ids := []uuid.UUID{
		addParticipant(t, registry, tracker, "a", "x", "logic", 0.9),
		addParticipant(t, registry, tracker, "b", "y", "logic", 0.6),
		addParticipant(t, registry, tracker, "c", "z", "logic", 0.3),
	}
	sess, err := svc.CreateSession(context.Background(), "logic", "easy win", ids)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got := svc.RunIteration(sess.ID)
	if got.State != domain.SessionConsensusReached {
		t.Fatalf("state = %v, want consensus_reached", got.State)
	}
	if got.ConsensusValue < cfg.ConsensusThreshold {
		t.Errorf("consensus value %v below threshold", got.ConsensusValue)
	}
	if got.Solution == nil {
		t.Fatal("expected a solution")
	}
	if len(svc.SessionsForEntity(ids[0])) != 1 {
		t.Error("historical session should still be reachable per entity")
	}
}

func TestConsensus_DefaultSelectionRanksAndCaps(t *testing.T) {
	cfg := DefaultConsensusConfig()
	registry, tracker, svc := newConsensusFixture(cfg)

	for i := 0; i < 15; i++ {
		level := 0.41 + float64(i)*0.035
		addParticipant(t, registry, tracker, fmt.Sprintf("e%d", i), "research", "research", level)
	}

	sess, err := svc.CreateSession(context.Background(), "research", "crowded", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if len(sess.Participants) != cfg.MaxParticipants {
		t.Fatalf("participants = %d, want cap %d", len(sess.Participants), cfg.MaxParticipants)
	}
	for i := 1; i < len(sess.Participants); i++ {
		prev := tracker.Level(sess.Participants[i-1], "research")
		cur := tracker.Level(sess.Participants[i], "research")
		if cur > prev {
			t.Fatalf("participants not ranked by descending knowledge: %v then %v", prev, cur)
		}
	}
	// The three weakest candidates were cut by the cap.
	if got := tracker.Level(sess.Participants[len(sess.Participants)-1], "research"); got < 0.41+2*0.035 {
		t.Errorf("cap kept a weak participant with level %v", got)
	}
}

func TestConsensus_FallbackSelection(t *testing.T) {
	registry, tracker, svc := newConsensusFixture(DefaultConsensusConfig())

	addParticipant(t, registry, tracker, "primary", "research", "research", 0.8)
	// Too few problem-domain holders: fall back to strong entities in
	// any domain.
	addParticipant(t, registry, tracker, "adjacent1", "math", "math", 0.7)
	addParticipant(t, registry, tracker, "adjacent2", "physics", "physics", 0.65)

	sess, err := svc.CreateSession(context.Background(), "research", "fallback", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if len(sess.Participants) != 3 {
		t.Errorf("participants = %d, want 3 via fallback", len(sess.Participants))
	}
}

func TestConsensus_ConnectionStrength(t *testing.T) {
	registry, tracker, svc := newConsensusFixture(DefaultConsensusConfig())
	ctx := context.Background()

	a := addParticipant(t, registry, tracker, "a", "research", "research", 0.9)
	b := addParticipant(t, registry, tracker, "b", "research", "research", 0.5)
	if got := svc.connectionStrength(ctx, a, b, "research"); math.Abs(got-0.3) > 1e-9 {
		t.Errorf("complementary pair strength = %v, want 0.3", got)
	}

	// A significant domain only one side holds adds 0.1.
	tracker.UpdateKnowledge(a, "cryptography", 0.8, 0)
	if got := svc.connectionStrength(ctx, a, b, "research"); math.Abs(got-0.4) > 1e-9 {
		t.Errorf("strength with unique domain = %v, want 0.4", got)
	}

	// Differing specializations add 0.2.
	c := addParticipant(t, registry, tracker, "c", "biology", "research", 0.5)
	if got := svc.connectionStrength(ctx, a, c, "research"); math.Abs(got-0.6) > 1e-9 {
		t.Errorf("strength with different specialization = %v, want 0.6", got)
	}

	// Strength saturates at 1.0.
	for i := 0; i < 8; i++ {
		tracker.UpdateKnowledge(a, fmt.Sprintf("unique%d", i), 0.9, 0)
	}
	if got := svc.connectionStrength(ctx, a, c, "research"); got != 1.0 {
		t.Errorf("strength = %v, want cap 1.0", got)
	}
}

func TestConsensus_ZeroContributionsMeansZeroValue(t *testing.T) {
	_, _, svc := newConsensusFixture(DefaultConsensusConfig())

	sess := &domain.ConsensusSession{
		ID:            uuid.New(),
		Participants:  []uuid.UUID{uuid.New()},
		Nodes:         map[uuid.UUID]*domain.ConsensusNode{},
		Contributions: map[uuid.UUID][]domain.Contribution{},
	}
	if got := svc.consensusValue(sess); got != 0 {
		t.Errorf("consensus value = %v, want 0 with no contributions", got)
	}
}

func TestConsensus_PropagationIsSnapshotBased(t *testing.T) {
	_, _, svc := newConsensusFixture(DefaultConsensusConfig())

	src, dst := uuid.New(), uuid.New()
	sess := &domain.ConsensusSession{
		Participants: []uuid.UUID{src, dst},
		Nodes: map[uuid.UUID]*domain.ConsensusNode{
			src: {EntityID: src, Activation: 1.0},
			dst: {EntityID: dst, Activation: 0.0},
		},
		Edges: []*domain.ConsensusEdge{
			{Source: src, Target: dst, Strength: 1.0},
		},
	}

	svc.propagationPhase(sess)

	// dst receives only from the pre-propagation snapshot: 1.0*1.0*0.3,
	// then the uniform 5% decay. src transfers out without losing
	// activation, then decays.
	if got := sess.Nodes[dst].Activation; math.Abs(got-0.285) > 1e-9 {
		t.Errorf("dst activation = %v, want 0.285", got)
	}
	if got := sess.Nodes[src].Activation; math.Abs(got-0.95) > 1e-9 {
		t.Errorf("src activation = %v, want 0.95", got)
	}
}

func TestConsensus_BreakthroughDetection(t *testing.T) {
	_, _, svc := newConsensusFixture(DefaultConsensusConfig())

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	sess := &domain.ConsensusSession{
		ID:           uuid.New(),
		Participants: ids,
		Iteration:    4,
		Nodes: map[uuid.UUID]*domain.ConsensusNode{
			ids[0]: {EntityID: ids[0], Activation: 0.8},
			ids[1]: {EntityID: ids[1], Activation: 0.75},
			ids[2]: {EntityID: ids[2], Activation: 0.9},
		},
	}

	// Two strong qualities are not enough.
	svc.detectBreakthrough(sess, map[uuid.UUID]float64{ids[0]: 0.9, ids[1]: 0.85})
	if len(sess.Breakthroughs) != 0 {
		t.Fatal("two qualifying contributions must not trigger a breakthrough")
	}

	svc.detectBreakthrough(sess, map[uuid.UUID]float64{ids[0]: 0.9, ids[1]: 0.85, ids[2]: 0.95})
	if len(sess.Breakthroughs) != 1 {
		t.Fatal("expected a breakthrough")
	}
	bt := sess.Breakthroughs[0]
	if bt.Type != domain.BreakthroughCollectiveInsight {
		t.Errorf("type = %q", bt.Type)
	}
	if bt.Iteration != 4 {
		t.Errorf("iteration = %d, want 4", bt.Iteration)
	}
	if math.Abs(bt.Magnitude-0.9) > 1e-9 {
		t.Errorf("magnitude = %v, want 0.9", bt.Magnitude)
	}
	if len(svc.Breakthroughs()) != 1 {
		t.Error("breakthrough missing from the global log")
	}
}

func TestConsensus_LowActivationBlocksBreakthrough(t *testing.T) {
	_, _, svc := newConsensusFixture(DefaultConsensusConfig())

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	sess := &domain.ConsensusSession{
		ID:           uuid.New(),
		Participants: ids,
		Nodes: map[uuid.UUID]*domain.ConsensusNode{
			ids[0]: {EntityID: ids[0], Activation: 0.8},
			ids[1]: {EntityID: ids[1], Activation: 0.2},
			ids[2]: {EntityID: ids[2], Activation: 0.9},
		},
	}
	svc.detectBreakthrough(sess, map[uuid.UUID]float64{ids[0]: 0.9, ids[1]: 0.85, ids[2]: 0.95})
	if len(sess.Breakthroughs) != 0 {
		t.Error("breakthrough needs three highly activated nodes")
	}
}

func TestConsensus_UnknownSessionReturnsNil(t *testing.T) {
	_, _, svc := newConsensusFixture(DefaultConsensusConfig())
	if svc.RunIteration(uuid.New()) != nil {
		t.Error("unknown session must return nil")
	}
}
