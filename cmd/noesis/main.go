package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fmt"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mollendorff-ai/noesis/internal/api"
	"github.com/mollendorff-ai/noesis/internal/assoc"
	"github.com/mollendorff-ai/noesis/internal/checkpoint"
	"github.com/mollendorff-ai/noesis/internal/config"
	"github.com/mollendorff-ai/noesis/internal/consolidate"
	"github.com/mollendorff-ai/noesis/internal/embedding"
	"github.com/mollendorff-ai/noesis/internal/engine"
	"github.com/mollendorff-ai/noesis/internal/gate"
	"github.com/mollendorff-ai/noesis/internal/memory"
	"github.com/mollendorff-ai/noesis/internal/replay"
	"github.com/mollendorff-ai/noesis/internal/salience"
	"github.com/mollendorff-ai/noesis/internal/stream"
	"github.com/mollendorff-ai/noesis/internal/supervise"
)

// Janitor pacing: how often old checkpoints are pruned and how many
// survive each pass.
const (
	checkpointKeep  = 100
	janitorInterval = 10 * time.Minute
)

// crashRecorder adapts the checkpoint store to the supervisor's crash
// log, stamping each record with the cycle counter and weight vector at
// crash time so a post-mortem can see what the engine was scoring with.
type crashRecorder struct {
	store *checkpoint.Store
	eng   *engine.Engine
}

func (c crashRecorder) RecordCrash(ctx context.Context, cr supervise.Crash) error {
	snap := c.eng.Snapshot()
	return c.store.RecordCrash(ctx, &checkpoint.CrashRecord{
		Component: cr.Component,
		Message:   cr.Message,
		Cycle:     snap.Cycle,
		Weights:   snap.Weights,
		CreatedAt: cr.At,
	})
}

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/noesis.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config %s: %v", cfgPath, err))
	}

	var logger *zap.Logger
	if cfg.Server.LogLevel == "debug" {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	logger.Info("Starting noesis...", zap.String("config", cfgPath))

	// Scoring state. An invalid weight vector in config is fatal: the
	// engine refuses to run without the connection invariant.
	weights := salience.Weights{
		Emotional:  cfg.Salience.Emotional,
		Semantic:   cfg.Salience.Semantic,
		Connection: cfg.Salience.Connection,
	}
	drive, err := salience.NewDrive(weights, cfg.Salience.DriveLevel)
	if err != nil {
		logger.Fatal("invalid salience config", zap.Error(err))
	}

	vetoGate := gate.New(cfg.Engine.GateFloor, logger)

	// Thought streams require Redis; there is no waking pipeline without
	// them.
	bus, err := stream.NewBus(cfg.Database.Redis.URL, "noesis-engine", logger)
	if err != nil {
		logger.Fatal("Redis unavailable", zap.Error(err))
	}
	if err := bus.EnsureGroups(context.Background()); err != nil {
		logger.Fatal("stream group setup failed", zap.Error(err))
	}

	// Checkpoint store. Degrades to no persistence.
	var ckpt *checkpoint.Store
	if cfg.Database.Postgres.DSN != "" {
		cs, pgErr := checkpoint.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without checkpoints", zap.Error(pgErr))
		} else {
			if mErr := cs.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			ckpt = cs
		}
	}

	// Vector memory. Degrades to no consolidation or replay.
	var memStore *memory.Store
	ms, memErr := memory.NewStore(memory.Config{
		Host:      cfg.Database.Qdrant.Host,
		Port:      cfg.Database.Qdrant.Port,
		Dimension: uint64(cfg.Embedding.Dimension),
	})
	if memErr != nil {
		logger.Warn("Qdrant unavailable, running without memory", zap.Error(memErr))
	} else if err := ms.EnsureCollection(context.Background()); err != nil {
		logger.Warn("Qdrant collection setup failed, running without memory", zap.Error(err))
		ms.Close()
	} else {
		memStore = ms
	}

	// Association graph. Degrades to unlinked memories.
	var graph *assoc.Graph
	ag, graphErr := assoc.NewGraph(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
	if graphErr != nil {
		logger.Warn("Neo4j unavailable, running without associations", zap.Error(graphErr))
	} else if err := ag.Ping(context.Background()); err != nil {
		logger.Warn("Neo4j unreachable, running without associations", zap.Error(err))
		ag.Close(context.Background())
	} else {
		graph = ag
	}

	embedder := embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	})

	var consolidator *consolidate.Consolidator
	var replayer *replay.Replayer
	if memStore != nil {
		opts := consolidate.DefaultOptions()
		if cfg.Sleep.ConsolidateThreshold > 0 {
			opts.TagThreshold = cfg.Sleep.ConsolidateThreshold
		}
		var gw consolidate.GraphWriter
		var rg replay.Graph
		if graph != nil {
			gw = graph
			rg = graph
		}
		consolidator = consolidate.New(memStore, gw, embedder, opts, logger)
		replayer = replay.NewReplayer(memStore, rg, replay.Tuning{
			StrengthDelta:  cfg.Sleep.ReplayStrengthDelta,
			NovelFraction:  cfg.Sleep.ReplayNovelFraction,
			DecayFactor:    cfg.Sleep.DecayFactor,
			PruneThreshold: cfg.Sleep.PruneThreshold,
			MaxRecords:     cfg.Sleep.MaxMemoryRecords,
		}, logger)
	}

	scheduler := replay.NewScheduler(replay.Config{
		IdleThreshold:    time.Duration(cfg.Sleep.IdleThresholdMillis) * time.Millisecond,
		MinAwakeDuration: time.Duration(cfg.Sleep.MinAwakeMillis) * time.Millisecond,
		MinQueue:         cfg.Sleep.MinQueue,
		LightSleepPct:    cfg.Sleep.LightSleepPct,
		MaxCycles:        cfg.Sleep.MaxCycles,
	})

	var checkpointer engine.Checkpointer
	if ckpt != nil {
		checkpointer = ckpt
	}
	eng := engine.New(engine.Options{
		Cycle:              cfg.Engine.Cycle(),
		InterventionWindow: cfg.Engine.InterventionWindow(),
		SleepCycle:         time.Duration(cfg.Sleep.SleepCycleMillis) * time.Millisecond,
		ForgetThreshold:    cfg.Engine.ForgetThreshold,
		CheckpointEvery:    cfg.Engine.CheckpointEveryCycle,
		ReplayBatchSize:    cfg.Sleep.ReplayBatchSize,
		ReplayPoolLimit:    cfg.Sleep.ReplayPoolLimit,
		Seed:               cfg.Engine.Seed,
	}, bus, drive, vetoGate, consolidator, replayer, scheduler, checkpointer, logger)

	// Memory-driven recall on the retrieval channel, when the stores
	// backing it survived boot.
	if memStore != nil {
		var rel engine.RelevanceSource
		if graph != nil {
			rel = graph
		}
		eng.AttachRecall(memStore, rel)
	}

	// Restore from the last checkpoint, if any. A checkpoint carrying an
	// invalid weight vector is fatal rather than silently discarded.
	if ckpt != nil {
		cp, cpErr := ckpt.Latest(context.Background())
		if cpErr != nil {
			logger.Fatal("checkpoint restore failed", zap.Error(cpErr))
		}
		if err := eng.Restore(cp); err != nil {
			logger.Fatal("checkpoint violates scoring invariant", zap.Error(err))
		}
		if crash, crashErr := ckpt.LastCrash(context.Background()); crashErr == nil && crash != nil {
			logger.Warn("previous run crashed",
				zap.String("component", crash.Component),
				zap.String("message", crash.Message),
				zap.Time("at", crash.CreatedAt))
		}
	}

	// HTTP observation surface
	var exporter api.GraphExporter
	if graph != nil {
		exporter = graph
	}
	handler := api.NewHandler(eng, bus, exporter, vetoGate, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8090"
	}

	// Supervision. The cognitive loop, the observation server, and the
	// checkpoint janitor run as separate supervised units: a crash in
	// one is recorded and restarted without taking down the others.
	var recorder supervise.Recorder
	if ckpt != nil {
		recorder = crashRecorder{store: ckpt, eng: eng}
	}
	sup := supervise.New(supervise.OneForOne, recorder, logger)
	sup.Add("engine", eng.Run)
	sup.Add("api", func(ctx context.Context) error {
		srv := &http.Server{Addr: ":" + port, Handler: handler.Router()}
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		logger.Info("noesis listening", zap.String("port", port))
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
			return nil
		case err := <-errc:
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	})
	if ckpt != nil {
		sup.Add("janitor", func(ctx context.Context) error {
			ticker := time.NewTicker(janitorInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := ckpt.Prune(ctx, checkpointKeep); err != nil {
						logger.Warn("checkpoint prune failed", zap.Error(err))
					}
				}
			}
		})
	}

	supCtx, supCancel := context.WithCancel(context.Background())
	escalations := sup.Start(supCtx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("Shutting down noesis...")
	case component, ok := <-escalations:
		if ok {
			logger.Error("component escalated beyond restart budget", zap.String("component", component))
		}
	}

	supCancel()
	sup.Stop()
	ctx := context.Background()
	bus.Close()
	if memStore != nil {
		memStore.Close()
	}
	if graph != nil {
		graph.Close(ctx)
	}
	if ckpt != nil {
		ckpt.Close()
	}
}
