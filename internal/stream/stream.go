package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mollendorff-ai/noesis/internal/thought"
)

// Stream keys. Each waking channel writes to its own stream; winners are
// appended to the assembled stream; external callers push into the
// injection stream.
const (
	keyPrefix    = "thought:"
	AssembledKey = "thought:assembled"
	InjectKey    = "thought:inject"
	ReplayKey    = "thought:replay"

	// ConsumerGroup is the single group competing over all channel streams.
	ConsumerGroup = "attention"

	// MaxLen bounds each working stream. Trimming is approximate, which
	// is what keeps XADD O(1).
	MaxLen = 1000
)

// KeyFor returns the Redis stream key for a channel.
func KeyFor(ch thought.Channel) string {
	return keyPrefix + string(ch)
}

// ChannelFor is the inverse of KeyFor. The bool is false for keys outside
// the channel family.
func ChannelFor(key string) (thought.Channel, bool) {
	name, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return "", false
	}
	ch := thought.Channel(name)
	if !ch.Valid() {
		return "", false
	}
	return ch, true
}

// Entry is a candidate as it sits in a stream, tagged with the Redis
// entry ID needed for ack and deletion.
type Entry struct {
	StreamID  string
	Key       string
	Candidate thought.Candidate
}

// Bus is the Redis Streams transport for thought candidates.
type Bus struct {
	rdb      *redis.Client
	logger   *zap.Logger
	consumer string
}

// NewBus connects to Redis and verifies the connection. The consumer name
// distinguishes this process inside the attention group.
func NewBus(redisURL, consumer string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger, consumer: consumer}, nil
}

// EnsureGroups creates the attention consumer group on every channel
// stream, tolerating groups that already exist.
func (b *Bus) EnsureGroups(ctx context.Context) error {
	for _, ch := range thought.Channels() {
		key := KeyFor(ch)
		err := b.rdb.XGroupCreateMkStream(ctx, key, ConsumerGroup, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group on %s: %w", key, err)
		}
	}
	return nil
}

// Publish appends a candidate to its channel stream, trimming the stream
// to MaxLen as a side effect.
func (b *Bus) Publish(ctx context.Context, c thought.Candidate) (string, error) {
	return b.append(ctx, KeyFor(c.Channel), c)
}

// PublishAssembled records a winning candidate on the output stream.
func (b *Bus) PublishAssembled(ctx context.Context, c thought.Candidate) (string, error) {
	return b.append(ctx, AssembledKey, c)
}

func (b *Bus) append(ctx context.Context, key string, c thought.Candidate) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: MaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", key, err)
	}
	b.logger.Debug("published candidate",
		zap.String("stream", key),
		zap.String("id", c.ID.String()))
	return id, nil
}

// ReadCandidates pulls up to count entries per channel stream for this
// consumer: first its own pending entries, then unread ones. Losers from
// earlier cycles sit in the pending list, and re-reading it is what puts
// them back into competition until they win, drop below threshold, or
// expire. Malformed entries are acknowledged and skipped so they cannot
// wedge the group.
func (b *Bus) ReadCandidates(ctx context.Context, count int64, block time.Duration) ([]Entry, error) {
	keys := make([]string, 0, len(thought.Channels()))
	for _, ch := range thought.Channels() {
		keys = append(keys, KeyFor(ch))
	}
	pending, err := b.readGroup(ctx, keys, "0", count, -1)
	if err != nil {
		return nil, err
	}
	fresh, err := b.readGroup(ctx, keys, ">", count, block)
	if err != nil {
		return nil, err
	}
	return append(pending, fresh...), nil
}

func (b *Bus) readGroup(ctx context.Context, keys []string, cursor string, count int64, block time.Duration) ([]Entry, error) {
	streams := make([]string, 0, len(keys)*2)
	streams = append(streams, keys...)
	for range keys {
		streams = append(streams, cursor)
	}

	results, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: b.consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read group: %w", err)
	}

	var entries []Entry
	for _, r := range results {
		for _, msg := range r.Messages {
			data, ok := msg.Values["data"].(string)
			if !ok {
				b.ack(ctx, r.Stream, msg.ID)
				continue
			}
			var c thought.Candidate
			if err := json.Unmarshal([]byte(data), &c); err != nil || !c.Channel.Valid() {
				b.logger.Warn("dropping malformed stream entry",
					zap.String("stream", r.Stream),
					zap.String("entry", msg.ID))
				b.ack(ctx, r.Stream, msg.ID)
				continue
			}
			entries = append(entries, Entry{StreamID: msg.ID, Key: r.Stream, Candidate: c})
		}
	}
	return entries, nil
}

// Ack resolves an entry: acknowledged in the attention group and removed
// from its channel stream. Winning is resolution, so the entry must not
// linger in either the stream or the pending list.
func (b *Bus) Ack(ctx context.Context, e Entry) error {
	if err := b.rdb.XAck(ctx, e.Key, ConsumerGroup, e.StreamID).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", e.StreamID, e.Key, err)
	}
	if err := b.rdb.XDel(ctx, e.Key, e.StreamID).Err(); err != nil {
		return fmt.Errorf("resolve %s from %s: %w", e.StreamID, e.Key, err)
	}
	return nil
}

func (b *Bus) ack(ctx context.Context, key, id string) {
	if err := b.rdb.XAck(ctx, key, ConsumerGroup, id).Err(); err != nil {
		b.logger.Debug("ack failed", zap.String("stream", key), zap.Error(err))
	}
}

// Forget acks and deletes a losing entry from its stream. This is how
// low-salience candidates leave working memory without ever touching
// durable storage. The ack comes first: deleting without it would leave
// a tombstone in the group's pending list forever.
func (b *Bus) Forget(ctx context.Context, e Entry) error {
	if err := b.rdb.XAck(ctx, e.Key, ConsumerGroup, e.StreamID).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", e.StreamID, e.Key, err)
	}
	if err := b.rdb.XDel(ctx, e.Key, e.StreamID).Err(); err != nil {
		return fmt.Errorf("forget %s from %s: %w", e.StreamID, e.Key, err)
	}
	return nil
}

// Inject pushes an external stimulus into the injection stream. Injected
// candidates compete like any other; nothing bypasses the competition.
func (b *Bus) Inject(ctx context.Context, c thought.Candidate) (string, error) {
	return b.append(ctx, InjectKey, c)
}

// DrainInjected reads and deletes all pending external stimuli. Parse
// failures are logged and deleted with the rest.
func (b *Bus) DrainInjected(ctx context.Context) ([]thought.Candidate, error) {
	results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{InjectKey, "0"},
		Count:   100,
		Block:   -1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read injection stream: %w", err)
	}

	var out []thought.Candidate
	var consumed []string
	for _, r := range results {
		for _, msg := range r.Messages {
			consumed = append(consumed, msg.ID)
			data, ok := msg.Values["data"].(string)
			if !ok {
				continue
			}
			var c thought.Candidate
			if err := json.Unmarshal([]byte(data), &c); err != nil {
				b.logger.Warn("malformed injected stimulus", zap.String("entry", msg.ID))
				continue
			}
			out = append(out, c)
		}
	}
	if len(consumed) > 0 {
		if err := b.rdb.XDel(ctx, InjectKey, consumed...).Err(); err != nil {
			b.logger.Warn("delete injected entries", zap.Error(err))
		}
	}
	return out, nil
}

// RecentAssembled returns the newest emitted thoughts, newest first.
func (b *Bus) RecentAssembled(ctx context.Context, count int64) ([]thought.Candidate, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, AssembledKey, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read assembled stream: %w", err)
	}
	out := make([]thought.Candidate, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var c thought.Candidate
		if json.Unmarshal([]byte(data), &c) == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// PublishReplay records a replayed memory on the replay stream so dream
// output is observable without mixing into the waking assembled stream.
func (b *Bus) PublishReplay(ctx context.Context, c thought.Candidate) (string, error) {
	return b.append(ctx, ReplayKey, c)
}

// Len reports the current length of a channel stream.
func (b *Bus) Len(ctx context.Context, ch thought.Channel) (int64, error) {
	n, err := b.rdb.XLen(ctx, KeyFor(ch)).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", KeyFor(ch), err)
	}
	return n, nil
}

// PendingTotal sums the stream lengths across all waking channels. The
// sleep logic uses this as its backlog measure.
func (b *Bus) PendingTotal(ctx context.Context) (int64, error) {
	var total int64
	for _, ch := range thought.Channels() {
		n, err := b.Len(ctx, ch)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
