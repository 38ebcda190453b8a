package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emergent-labs/emergence/internal/config"
	"github.com/emergent-labs/emergence/internal/domain"
	"github.com/emergent-labs/emergence/internal/service"
	"github.com/emergent-labs/emergence/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// seedSpecs defines the founding population: one specialization per
// category so sessions and births exercise every prefix pool.
var seedSpecs = []struct {
	name, domain, category string
}{
	{"azur", "technical", "technical"},
	{"verdant", "creative", "creative"},
	{"onyx", "analytical", "analytical"},
	{"coral", "emotional", "emotional"},
	{"slate", "strategic", "strategic"},
	{"ochre", "general", "technical"},
}

func main() {
	if err := config.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger := newLogger(config.LogLevel())
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	snapshots, cleanup, err := newSnapshotStore(ctx, logger)
	if err != nil {
		logger.Fatal("failed to set up snapshot store", zap.Error(err))
	}
	defer cleanup()

	seed := config.RandomSeed()
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	logger.Info("simulation starting", zap.Int64("seed", seed))

	registry := store.NewRegistry()
	tracker := service.NewKnowledgeService(service.DefaultKnowledgeConfig(), logger)
	births := service.NewBirthService(registry, tracker, rng, service.DefaultBirthConfig(), logger)
	consensus := service.NewConsensusService(registry, tracker, rng, service.DefaultConsensusConfig(), logger)
	crystals := service.NewCrystalService(registry, tracker, service.DefaultCrystalConfig(), logger)

	if err := tracker.Load(ctx, snapshots); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("starting with empty tracker state")
	}
	if err := births.LoadHistory(ctx, snapshots); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("starting with empty birth history")
	}

	founders := seedPopulation(ctx, registry, tracker, rng, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	limiter := rate.NewLimiter(rate.Limit(config.TicksPerSecond()), 1)
	maintenanceEvery := config.MaintenanceEveryTicks()
	snapshotEvery := config.SnapshotEveryTicks()

	interactions := make(map[uuid.UUID]int)
	tick := 0
loop:
	for {
		select {
		case <-quit:
			break loop
		default:
		}
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		tick++

		step(ctx, founders, registry, tracker, births, consensus, crystals, interactions, rng, logger)

		if tick%maintenanceEvery == 0 {
			crystals.RunMaintenance()
		}
		if tick%snapshotEvery == 0 {
			_ = tracker.Save(ctx, snapshots)
			_ = births.SaveHistory(ctx, snapshots)
		}
	}

	logger.Info("shutting down", zap.Int("ticks", tick))
	_ = tracker.Save(ctx, snapshots)
	_ = births.SaveHistory(ctx, snapshots)
}

// step runs one driver tick: knowledge updates, birth processing, a
// session step, and access/interaction observations. Everything is
// strictly sequential; the core never spawns its own goroutines.
func step(
	ctx context.Context,
	founders []*domain.Entity,
	registry domain.EntityRegistry,
	tracker *service.KnowledgeService,
	births *service.BirthService,
	consensus *service.ConsensusService,
	crystals *service.CrystalService,
	interactions map[uuid.UUID]int,
	rng *rand.Rand,
	logger *zap.Logger,
) {
	entities, err := registry.List(ctx)
	if err != nil || len(entities) == 0 || len(founders) == 0 {
		return
	}

	// Knowledge drifts upward with interaction volume. Interaction
	// counts accumulate per entity, not per tick.
	subject := entities[rng.Intn(len(entities))]
	domainName := subject.Specialization
	if rng.Float64() < 0.2 {
		domainName = founders[rng.Intn(len(founders))].Specialization
	}
	interactions[subject.ID]++
	level := tracker.Level(subject.ID, domainName) + rng.Float64()*0.05
	tracker.UpdateKnowledge(subject.ID, domainName, level, interactions[subject.ID])

	// Births are processed only after the triggering update so the
	// cooldown bookkeeping stays accurate.
	for _, ev := range births.CheckPendingBirths() {
		if offspring := births.ProcessBirthEvent(ctx, ev); offspring != nil {
			for name, lvl := range offspring.KnowledgeDomains {
				tracker.UpdateKnowledge(offspring.ID, name, lvl, 0)
			}
			crystals.InheritCrystals(ev.EntityID, offspring.ID)
		}
	}

	// Keep one session in flight per problem domain cycle.
	active := consensus.ActiveSessions()
	if len(active) == 0 {
		problem := founders[rng.Intn(len(founders))].Specialization
		if _, err := consensus.CreateSession(ctx, problem, "periodic problem-solving round", nil); err != nil {
			logger.Debug("no session this tick", zap.String("problem_domain", problem), zap.Error(err))
		}
	} else {
		consensus.RunIteration(active[0].ID)
	}

	// Access and interaction observations feed the crystallizer.
	crystals.RecordKnowledgeAccess(subject.ID, domainName)
	if len(entities) > 1 {
		other := entities[rng.Intn(len(entities))]
		if other.ID != subject.ID {
			crystals.RecordInteraction(subject.ID, other.ID, "collaboration",
				[]string{domainName}, "tick exchange")
		}
	}
}

func seedPopulation(ctx context.Context, registry domain.EntityRegistry, tracker *service.KnowledgeService, rng *rand.Rand, logger *zap.Logger) []*domain.Entity {
	limit := config.FoundingEntities()
	var founders []*domain.Entity

	for i, spec := range seedSpecs {
		if i >= limit {
			break
		}
		tracker.RegisterDomain(spec.domain, spec.category, "seeded domain")

		if existing, err := registry.GetByName(ctx, spec.name); err == nil {
			founders = append(founders, existing)
			continue
		}

		e := &domain.Entity{
			ID:             uuid.New(),
			Name:           spec.name,
			Type:           domain.EntityTypeFounding,
			Specialization: spec.domain,
			KnowledgeDomains: map[string]float64{
				spec.domain: 0.5 + rng.Float64()*0.3,
			},
			Capabilities: map[string]float64{
				spec.domain + "_analysis": 0.4 + rng.Float64()*0.3,
			},
			Traits: map[string]float64{
				"curiosity":   rng.Float64(),
				"persistence": rng.Float64(),
			},
			Generation: 0,
			Resources:  map[string]float64{"energy": 1, "influence": 0.5},
			CreatedAt:  time.Now(),
		}
		if err := registry.Register(ctx, e); err != nil {
			logger.Warn("failed to seed entity", zap.String("name", spec.name), zap.Error(err))
			continue
		}
		tracker.UpdateKnowledge(e.ID, spec.domain, e.KnowledgeDomains[spec.domain], 0)
		founders = append(founders, e)
	}

	logger.Info("population seeded", zap.Int("founders", len(founders)))
	return founders
}

func newSnapshotStore(ctx context.Context, logger *zap.Logger) (domain.SnapshotStore, func(), error) {
	if dbURL := config.DatabaseURL(); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		pg := store.NewPostgresSnapshotStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("using postgres snapshot store")
		return pg, pool.Close, nil
	}

	fs, err := store.NewFileSnapshotStore(config.SnapshotDir())
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using file snapshot store", zap.String("dir", config.SnapshotDir()))
	return fs, func() {}, nil
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
