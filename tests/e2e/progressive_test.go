package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mollendorff-ai/noesis/internal/assoc"
	"github.com/mollendorff-ai/noesis/internal/checkpoint"
	"github.com/mollendorff-ai/noesis/internal/engine"
	"github.com/mollendorff-ai/noesis/internal/gate"
	"github.com/mollendorff-ai/noesis/internal/replay"
	"github.com/mollendorff-ai/noesis/internal/salience"
	"github.com/mollendorff-ai/noesis/internal/stream"
	"github.com/mollendorff-ai/noesis/internal/thought"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	// 1. Start Neo4j
	neo4jURI, neo4jCleanup, err := startNeo4j(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "neo4j: %v\n", err)
		os.Exit(1)
	}
	defer neo4jCleanup()

	testGraph, err = assoc.NewGraph(neo4jURI, "", "", testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "association graph: %v\n", err)
		os.Exit(1)
	}
	defer testGraph.Close(ctx)

	// 2. Start PostgreSQL
	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testCkpt, err = checkpoint.New(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "checkpoint store: %v\n", err)
		os.Exit(1)
	}
	defer testCkpt.Close()

	if err := testCkpt.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	// 3. Start Redis
	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

func findEntry(entries []stream.Entry, id uuid.UUID) *stream.Entry {
	for i := range entries {
		if entries[i].Candidate.ID == id {
			return &entries[i]
		}
	}
	return nil
}

func TestProgressiveFlow(t *testing.T) {
	ctx := context.Background()

	bus, err := stream.NewBus(testRedisURL, "e2e-consumer", testLogger)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	if err := bus.EnsureGroups(ctx); err != nil {
		t.Fatalf("ensure groups: %v", err)
	}

	t.Run("L1_Streams", func(t *testing.T) {
		cand := thought.NewCandidate("river sound", thought.ChannelSensory,
			salience.Signals{Valence: 0.3, Arousal: 0.6, Novelty: 0.7, Connection: 0.4}, 10*time.Second)
		if _, err := bus.Publish(ctx, *cand); err != nil {
			t.Fatalf("publish: %v", err)
		}

		entries, err := bus.ReadCandidates(ctx, 10, 2*time.Second)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("got %d entries, want 1", len(entries))
		}
		if entries[0].Candidate.ID != cand.ID {
			t.Errorf("round-trip ID mismatch: %s != %s", entries[0].Candidate.ID, cand.ID)
		}
		if err := bus.Ack(ctx, entries[0]); err != nil {
			t.Fatalf("ack: %v", err)
		}

		pending, err := bus.PendingTotal(ctx)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if pending != 0 {
			t.Errorf("pending after ack = %d, want 0", pending)
		}

		t.Run("Injection", func(t *testing.T) {
			stimulus := thought.NewCandidate("phone ringing", thought.ChannelSensory,
				salience.Signals{Arousal: 0.9, Novelty: 0.8}, 10*time.Second)
			if _, err := bus.Inject(ctx, *stimulus); err != nil {
				t.Fatalf("inject: %v", err)
			}
			drained, err := bus.DrainInjected(ctx)
			if err != nil {
				t.Fatalf("drain: %v", err)
			}
			if len(drained) != 1 || drained[0].Content != "phone ringing" {
				t.Fatalf("drained = %+v, want the injected stimulus", drained)
			}
			// Drain consumes: a second drain finds nothing.
			drained, err = bus.DrainInjected(ctx)
			if err != nil {
				t.Fatalf("second drain: %v", err)
			}
			if len(drained) != 0 {
				t.Errorf("second drain returned %d stimuli", len(drained))
			}
		})

		t.Run("LosersRecompete", func(t *testing.T) {
			loser := thought.NewCandidate("faint hum", thought.ChannelEmotion,
				salience.Signals{Arousal: 0.3, Novelty: 0.2, Connection: 0.35}, 10*time.Second)
			if _, err := bus.Publish(ctx, *loser); err != nil {
				t.Fatalf("publish: %v", err)
			}

			first, err := bus.ReadCandidates(ctx, 10, 2*time.Second)
			if err != nil {
				t.Fatalf("first read: %v", err)
			}
			found := findEntry(first, loser.ID)
			if found == nil {
				t.Fatalf("loser not delivered on first read: %+v", first)
			}

			// Not acked: the next read must deliver it again from the
			// pending list, so unresolved losers keep competing.
			second, err := bus.ReadCandidates(ctx, 10, -1)
			if err != nil {
				t.Fatalf("second read: %v", err)
			}
			found = findEntry(second, loser.ID)
			if found == nil {
				t.Fatalf("unacked loser not redelivered: %+v", second)
			}

			if err := bus.Forget(ctx, *found); err != nil {
				t.Fatalf("forget: %v", err)
			}
			third, err := bus.ReadCandidates(ctx, 10, -1)
			if err != nil {
				t.Fatalf("third read: %v", err)
			}
			if findEntry(third, loser.ID) != nil {
				t.Error("forgotten candidate still delivered")
			}
			pending, err := bus.PendingTotal(ctx)
			if err != nil {
				t.Fatalf("pending: %v", err)
			}
			if pending != 0 {
				t.Errorf("pending after forget = %d, want 0", pending)
			}
		})
	})

	t.Run("L2_Checkpoints", func(t *testing.T) {
		cp := &checkpoint.Checkpoint{
			Cycle:      1200,
			Weights:    salience.DefaultWeights(),
			DriveLevel: 0.6,
			VetoCount:  3,
			EpisodeID:  uuid.New(),
		}
		if err := testCkpt.Save(ctx, cp); err != nil {
			t.Fatalf("save: %v", err)
		}

		latest, err := testCkpt.Latest(ctx)
		if err != nil {
			t.Fatalf("latest: %v", err)
		}
		if latest == nil || latest.Cycle != 1200 {
			t.Fatalf("latest = %+v, want cycle 1200", latest)
		}
		if latest.Weights.Connection != cp.Weights.Connection {
			t.Errorf("weights not preserved: %+v", latest.Weights)
		}

		t.Run("Prune", func(t *testing.T) {
			for cycle := uint64(1300); cycle <= 1500; cycle += 100 {
				cp := &checkpoint.Checkpoint{
					Cycle:      cycle,
					Weights:    salience.DefaultWeights(),
					DriveLevel: 0.6,
					EpisodeID:  uuid.New(),
				}
				if err := testCkpt.Save(ctx, cp); err != nil {
					t.Fatalf("save cycle %d: %v", cycle, err)
				}
			}
			if err := testCkpt.Prune(ctx, 1); err != nil {
				t.Fatalf("prune: %v", err)
			}
			latest, err := testCkpt.Latest(ctx)
			if err != nil {
				t.Fatalf("latest after prune: %v", err)
			}
			if latest == nil || latest.Cycle != 1500 {
				t.Fatalf("latest after prune = %+v, want cycle 1500", latest)
			}
		})

		t.Run("CrashRecords", func(t *testing.T) {
			if err := testCkpt.RecordCrash(ctx, &checkpoint.CrashRecord{
				Component: "engine",
				Message:   "induced for test",
				Cycle:     1200,
				Weights:   salience.DefaultWeights(),
			}); err != nil {
				t.Fatalf("record crash: %v", err)
			}
			crash, err := testCkpt.LastCrash(ctx)
			if err != nil {
				t.Fatalf("last crash: %v", err)
			}
			if crash == nil || crash.Component != "engine" {
				t.Fatalf("last crash = %+v", crash)
			}
		})
	})

	t.Run("L3_Associations", func(t *testing.T) {
		a, b := uuid.New(), uuid.New()
		if err := testGraph.EnsureNode(ctx, a, "memory of rain"); err != nil {
			t.Fatalf("ensure node: %v", err)
		}
		if err := testGraph.EnsureNode(ctx, b, "memory of thunder"); err != nil {
			t.Fatalf("ensure node: %v", err)
		}
		if err := testGraph.Strengthen(ctx, a, b, assoc.Temporal, 0.4); err != nil {
			t.Fatalf("strengthen: %v", err)
		}

		neighbors, err := testGraph.Neighbors(ctx, a, 10)
		if err != nil {
			t.Fatalf("neighbors: %v", err)
		}
		if len(neighbors) == 0 {
			t.Fatal("no outgoing association after strengthen")
		}
		if neighbors[0].Weight != 0.4 {
			t.Errorf("forward weight = %v, want 0.4", neighbors[0].Weight)
		}

		// Reverse edge created at half weight
		reverse, err := testGraph.Neighbors(ctx, b, 10)
		if err != nil {
			t.Fatalf("reverse neighbors: %v", err)
		}
		if len(reverse) == 0 || reverse[0].Weight != 0.2 {
			t.Errorf("reverse = %+v, want weight 0.2", reverse)
		}

		// A second co-activation reinforces both directions; the reverse
		// edge converges instead of freezing at its bootstrap weight.
		if err := testGraph.Strengthen(ctx, a, b, assoc.Temporal, 0.4); err != nil {
			t.Fatalf("second strengthen: %v", err)
		}
		neighbors, err = testGraph.Neighbors(ctx, a, 10)
		if err != nil {
			t.Fatalf("neighbors: %v", err)
		}
		if len(neighbors) == 0 || neighbors[0].Weight != 0.8 {
			t.Errorf("forward after repeat = %+v, want weight 0.8", neighbors)
		}
		reverse, err = testGraph.Neighbors(ctx, b, 10)
		if err != nil {
			t.Fatalf("reverse neighbors: %v", err)
		}
		if len(reverse) == 0 || reverse[0].Weight != 0.4 {
			t.Errorf("reverse after repeat = %+v, want weight 0.4", reverse)
		}

		t.Run("DecayAndPrune", func(t *testing.T) {
			decayed, err := testGraph.Decay(ctx, 0.1, time.Now().Add(time.Minute))
			if err != nil {
				t.Fatalf("decay: %v", err)
			}
			if decayed == 0 {
				t.Error("expected decayed edges")
			}
			pruned, err := testGraph.Prune(ctx, 0.05, 100)
			if err != nil {
				t.Fatalf("prune: %v", err)
			}
			if pruned == 0 {
				t.Error("expected weak edges pruned after heavy decay")
			}
		})

		t.Run("Export", func(t *testing.T) {
			export, err := testGraph.ExportGraph(ctx, 100, 100)
			if err != nil {
				t.Fatalf("export: %v", err)
			}
			if len(export.Nodes) < 2 {
				t.Errorf("exported %d nodes, want at least the two created", len(export.Nodes))
			}
		})
	})

	t.Run("L4_EngineLoop", func(t *testing.T) {
		drive, err := salience.NewDrive(salience.DefaultWeights(), 0.5)
		if err != nil {
			t.Fatalf("drive: %v", err)
		}
		sched := replay.NewScheduler(replay.DefaultConfig())
		eng := engine.New(engine.Options{
			Cycle:              20 * time.Millisecond,
			InterventionWindow: 5 * time.Second,
			ForgetThreshold:    0.3,
			CheckpointEvery:    50,
			Seed:               42,
		}, bus, drive, gate.New(0.1, testLogger), nil, nil, sched, testCkpt, testLogger)

		runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- eng.Run(runCtx) }()

		// Let a few cycles pass, then verify the waking pipeline emits.
		time.Sleep(2 * time.Second)
		thoughts, err := bus.RecentAssembled(ctx, 10)
		if err != nil {
			t.Fatalf("recent assembled: %v", err)
		}
		if len(thoughts) == 0 {
			t.Error("no assembled thoughts after 2s of cycles")
		}

		snap := eng.Snapshot()
		if snap.Cycle == 0 {
			t.Error("cycle counter did not advance")
		}

		<-runCtx.Done()
		if err := <-done; err != nil {
			t.Fatalf("engine run: %v", err)
		}
	})
}
