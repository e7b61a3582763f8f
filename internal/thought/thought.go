package thought

import (
	"time"

	"github.com/google/uuid"
	"github.com/mollendorff-ai/noesis/internal/salience"
)

// Channel identifies which parallel stream produced a candidate. The set is
// closed by design; new sources do not appear at runtime.
type Channel string

const (
	ChannelSensory         Channel = "sensory"
	ChannelMemoryRetrieval Channel = "memory"
	ChannelEmotion         Channel = "emotion"
	ChannelReasoning       Channel = "reasoning"
	ChannelDreamReplay     Channel = "dream"
)

// Channels lists every waking channel in stream order. DreamReplay is
// excluded: it only carries entries during sleep-mode replay.
func Channels() []Channel {
	return []Channel{
		ChannelSensory,
		ChannelMemoryRetrieval,
		ChannelEmotion,
		ChannelReasoning,
	}
}

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelSensory, ChannelMemoryRetrieval, ChannelEmotion,
		ChannelReasoning, ChannelDreamReplay:
		return true
	}
	return false
}

// Candidate is an ephemeral thought competing for attention. It lives at
// most until its Deadline; resolution (commit or discard) destroys it.
type Candidate struct {
	ID        uuid.UUID        `json:"id"`
	Content   string           `json:"content"`
	Channel   Channel          `json:"channel"`
	Signals   salience.Signals `json:"signals"`
	CreatedAt time.Time        `json:"created_at"`
	Deadline  time.Time        `json:"deadline"`
	// Urgent marks an external stimulus that may break through
	// protected sleep phases. Generated candidates never set it.
	Urgent bool `json:"urgent,omitempty"`
}

// NewCandidate creates a candidate with its intervention deadline set to
// creation plus window.
func NewCandidate(content string, ch Channel, sig salience.Signals, window time.Duration) *Candidate {
	now := time.Now().UTC()
	return &Candidate{
		ID:        uuid.New(),
		Content:   content,
		Channel:   ch,
		Signals:   sig.Clamped(),
		CreatedAt: now,
		Deadline:  now.Add(window),
	}
}

// Expired reports whether the intervention deadline has elapsed. An expired
// candidate must be cancelled wherever it sits in the pipeline.
func (c *Candidate) Expired(now time.Time) bool {
	return now.After(c.Deadline)
}
