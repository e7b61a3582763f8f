package thought

import (
	"testing"
	"time"

	"github.com/mollendorff-ai/noesis/internal/salience"
)

func TestNewCandidateDeadline(t *testing.T) {
	window := 5 * time.Second
	before := time.Now().UTC()
	c := NewCandidate("a passing thought", ChannelSensory, salience.Signals{}, window)
	after := time.Now().UTC()

	if c.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Fatal("expected non-zero candidate ID")
	}
	if c.Deadline.Before(before.Add(window)) || c.Deadline.After(after.Add(window)) {
		t.Errorf("deadline %v outside expected window", c.Deadline)
	}
	if c.Expired(before) {
		t.Error("candidate should not be expired before its deadline")
	}
	if !c.Expired(after.Add(window + time.Millisecond)) {
		t.Error("candidate should be expired after its deadline")
	}
}

func TestChannelValidity(t *testing.T) {
	for _, ch := range []Channel{ChannelSensory, ChannelMemoryRetrieval, ChannelEmotion, ChannelReasoning, ChannelDreamReplay} {
		if !ch.Valid() {
			t.Errorf("channel %q should be valid", ch)
		}
	}
	if Channel("intuition").Valid() {
		t.Error("unknown channel should be invalid")
	}
	if Channel("").Valid() {
		t.Error("empty channel should be invalid")
	}
}

func TestWakingChannelsExcludeDream(t *testing.T) {
	for _, ch := range Channels() {
		if ch == ChannelDreamReplay {
			t.Fatal("dream channel must not appear in the waking set")
		}
	}
	if len(Channels()) != 4 {
		t.Errorf("expected 4 waking channels, got %d", len(Channels()))
	}
}
