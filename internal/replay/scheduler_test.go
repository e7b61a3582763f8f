package replay

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		IdleThreshold:    time.Second,
		MinAwakeDuration: time.Minute,
		MinQueue:         10,
		LightSleepPct:    0.3,
		MaxCycles:        3,
	}
}

func TestShouldSleepRequiresIdle(t *testing.T) {
	s := NewScheduler(testConfig())
	now := time.Now().UTC()
	s.awakeSince = now.Add(-2 * time.Minute)

	s.RecordActivity(now)
	if s.ShouldSleep(now) {
		t.Error("active engine must not sleep")
	}

	s.lastActivity = now.Add(-2 * time.Second)
	if !s.ShouldSleep(now) {
		t.Error("idle engine awake past minimum should sleep")
	}
}

func TestQueuePressureOverridesShortWaking(t *testing.T) {
	s := NewScheduler(testConfig())
	now := time.Now().UTC()
	s.lastActivity = now.Add(-2 * time.Second)
	// Awake only briefly.
	s.awakeSince = now.Add(-5 * time.Second)

	if s.ShouldSleep(now) {
		t.Fatal("short waking without backlog should stay awake")
	}
	for i := 0; i < 10; i++ {
		s.NoteConsolidation()
	}
	if !s.ShouldSleep(now) {
		t.Error("large backlog should force sleep despite short waking")
	}
}

func TestPhaseAdvancement(t *testing.T) {
	s := NewScheduler(testConfig())
	now := time.Now().UTC()
	s.lastActivity = now.Add(-2 * time.Second)
	s.awakeSince = now.Add(-2 * time.Minute)

	if !s.EnterSleep(now) {
		t.Fatal("enter sleep should succeed")
	}
	if s.State() != StateEnteringSleep {
		t.Fatalf("state %s, want entering_sleep", s.State())
	}

	cases := []struct {
		pct  float64
		want State
	}{
		{0.0, StateLightSleep},
		{0.29, StateLightSleep},
		{0.3, StateDeepSleep},
		{0.69, StateDeepSleep},
		{0.7, StateDreaming},
		{0.99, StateDreaming},
	}
	for _, tc := range cases {
		s.AdvancePhase(tc.pct)
		if s.State() != tc.want {
			t.Errorf("AdvancePhase(%f) = %s, want %s", tc.pct, s.State(), tc.want)
		}
	}
}

func TestLightSleepInterruptibleDeepSleepProtected(t *testing.T) {
	s := NewScheduler(testConfig())
	now := time.Now().UTC()
	s.lastActivity = now.Add(-2 * time.Second)
	s.awakeSince = now.Add(-2 * time.Minute)
	s.EnterSleep(now)

	s.AdvancePhase(0.1)
	if !s.Interruptible() {
		t.Fatal("light sleep should be interruptible")
	}
	if !s.Stimulus(now, false) {
		t.Error("ordinary stimulus should wake light sleep")
	}
	s.Wake(now)
	if s.State() != StateAwake {
		t.Fatalf("state %s after interruption, want awake", s.State())
	}

	// Back to sleep, into deep sleep.
	s.lastActivity = now.Add(-2 * time.Second)
	s.awakeSince = now.Add(-2 * time.Minute)
	s.EnterSleep(now)
	s.AdvancePhase(0.5)

	if s.Stimulus(now, false) {
		t.Error("ordinary stimulus must not wake deep sleep")
	}
	if s.State() != StateDeepSleep {
		t.Fatalf("state %s, want deep_sleep", s.State())
	}
	if !s.Stimulus(now, true) {
		t.Error("urgent stimulus must wake deep sleep")
	}
	s.Wake(now)
	if s.State() != StateAwake {
		t.Errorf("state %s after urgent wake, want awake", s.State())
	}
}

func TestSessionEndsOnMaxCyclesOrDrain(t *testing.T) {
	s := NewScheduler(testConfig())
	now := time.Now().UTC()
	s.lastActivity = now.Add(-2 * time.Second)
	s.awakeSince = now.Add(-2 * time.Minute)
	s.EnterSleep(now)

	if s.AddCycle(10, 1, 9, 5, 0) {
		t.Error("first productive cycle should not end the session")
	}
	if s.AddCycle(0, 0, 0, 0, 0) {
		// Empty cycle drains the session.
	} else {
		t.Error("empty cycle should end the session")
	}

	summary := s.Wake(now)
	if summary.Cycles != 2 || summary.Replayed != 10 {
		t.Errorf("summary %+v, want 2 cycles and 10 replayed", summary)
	}
	if s.State() != StateAwake {
		t.Error("wake should return to awake")
	}
	if s.QueueSize() != 0 {
		t.Error("wake should clear the backlog estimate")
	}

	// Max cycles path.
	s.lastActivity = now.Add(-2 * time.Second)
	s.awakeSince = now.Add(-2 * time.Minute)
	s.EnterSleep(now)
	s.AddCycle(5, 0, 0, 0, 0)
	s.AddCycle(5, 0, 0, 0, 0)
	if !s.AddCycle(5, 0, 0, 0, 0) {
		t.Error("session should end at max cycles")
	}
}

func TestEnterSleepRejectedWhileSleeping(t *testing.T) {
	s := NewScheduler(testConfig())
	now := time.Now().UTC()
	s.lastActivity = now.Add(-2 * time.Second)
	s.awakeSince = now.Add(-2 * time.Minute)

	if !s.EnterSleep(now) {
		t.Fatal("first entry should succeed")
	}
	if s.EnterSleep(now) {
		t.Error("re-entry while sleeping must fail")
	}
}
