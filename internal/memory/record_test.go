package memory

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestReplayPriorityOrdering(t *testing.T) {
	now := time.Now().UTC()

	hot := &Record{
		ID:                 uuid.New(),
		EmotionalIntensity: 0.9,
		Connection:         0.8,
		Tagged:             true,
		CreatedAt:          now.Add(-time.Hour),
	}
	cold := &Record{
		ID:                 uuid.New(),
		EmotionalIntensity: 0.1,
		Connection:         0.1,
		CreatedAt:          now.Add(-30 * 24 * time.Hour),
	}

	hp, cp := hot.ReplayPriority(now), cold.ReplayPriority(now)
	if hp <= cp {
		t.Fatalf("hot record priority %f should exceed cold %f", hp, cp)
	}
	if hp <= 0.5 {
		t.Errorf("emotional tagged recent record should score above 0.5, got %f", hp)
	}
	if hp > 1 || cp < 0 {
		t.Errorf("priorities out of range: %f, %f", hp, cp)
	}
}

func TestReplayPriorityRecencyDecay(t *testing.T) {
	now := time.Now().UTC()
	fresh := &Record{EmotionalIntensity: 0.5, Connection: 0.5, CreatedAt: now}
	stale := &Record{EmotionalIntensity: 0.5, Connection: 0.5, CreatedAt: now.Add(-48 * time.Hour)}

	if fresh.ReplayPriority(now) <= stale.ReplayPriority(now) {
		t.Error("recency should raise priority for the fresher record")
	}
}

func TestReinforceCapsStrength(t *testing.T) {
	now := time.Now().UTC()
	r := &Record{Strength: 0.95}

	r.Reinforce(0.2, now)
	if r.Strength != 1.0 {
		t.Errorf("strength should cap at 1.0, got %f", r.Strength)
	}
	if r.ReplayCount != 1 {
		t.Errorf("replay count should be 1, got %d", r.ReplayCount)
	}
	if !r.LastReplayed.Equal(now) {
		t.Error("last replayed timestamp not set")
	}

	if r.Permanent() != true {
		t.Error("record at full strength should be permanent")
	}
	weak := &Record{Strength: 0.5}
	if weak.Permanent() {
		t.Error("half-strength record should not be permanent")
	}
}

func TestEpisodeCloseIsOneWay(t *testing.T) {
	e := NewEpisode("morning walk", BoundaryExplicit)
	if !e.Open() {
		t.Fatal("new episode should be open")
	}

	e.Close()
	if e.Open() {
		t.Fatal("closed episode should not be open")
	}
	first := *e.EndedAt

	time.Sleep(time.Millisecond)
	e.Close()
	if !e.EndedAt.Equal(first) {
		t.Error("second close must not move the end time")
	}
}

func TestEpisodeAbsorb(t *testing.T) {
	e := NewEpisode("argument", BoundarySurprise)
	e.Absorb(&Record{EmotionalIntensity: 0.4})
	e.Absorb(&Record{EmotionalIntensity: 0.8})
	e.Absorb(&Record{EmotionalIntensity: 0.6})

	if e.RecordCount != 3 {
		t.Errorf("record count %d, want 3", e.RecordCount)
	}
	if e.PeakEmotion != 0.8 {
		t.Errorf("peak emotion %f, want 0.8", e.PeakEmotion)
	}
	if mean := e.MeanEmotion(); mean < 0.59 || mean > 0.61 {
		t.Errorf("mean emotion %f, want 0.6", mean)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	r := &Record{
		ID:                 uuid.New(),
		Content:            "the smell of rain",
		Channel:            "sensory",
		EmotionalIntensity: 0.7,
		Connection:         0.4,
		Strength:           0.55,
		ReplayCount:        2,
		Tagged:             true,
		EpisodeID:          uuid.New(),
		CreatedAt:          now,
		LastReplayed:       now.Add(time.Minute),
	}

	decoded, ok := decodePayload(r.ID.String(), encodePayload(r))
	if !ok {
		t.Fatal("decode failed")
	}
	if decoded.ID != r.ID || decoded.Content != r.Content || decoded.EpisodeID != r.EpisodeID {
		t.Errorf("identity fields lost: %+v", decoded)
	}
	if decoded.Strength != r.Strength || decoded.ReplayCount != r.ReplayCount || !decoded.Tagged {
		t.Errorf("consolidation fields lost: %+v", decoded)
	}
	if !decoded.CreatedAt.Equal(r.CreatedAt) || !decoded.LastReplayed.Equal(r.LastReplayed) {
		t.Errorf("timestamps lost: %+v", decoded)
	}
}
