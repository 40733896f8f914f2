package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mazstick/marketlib/internal/domain"
)

const (
	// signalChannel carries ephemeral Pub/Sub delivery, signalStream the
	// durable ordered copy.
	signalChannel = "signals:live"
	signalStream  = "signals:stream"
)

// SignalBus implements domain.SignalBus using Redis Pub/Sub for
// ephemeral delivery and a Redis Stream for durable, ordered replay.
type SignalBus struct {
	rdb    *redis.Client
	maxLen int64
}

// NewSignalBus creates a SignalBus backed by the given Client. maxLen
// bounds the durable stream via XADD MAXLEN ~; values <= 0 fall back to
// 10,000 entries.
func NewSignalBus(c *Client, maxLen int) *SignalBus {
	if maxLen <= 0 {
		maxLen = 10_000
	}
	return &SignalBus{rdb: c.Underlying(), maxLen: int64(maxLen)}
}

// Publish ships a signal event to subscribers and appends it to the
// durable stream, trimming the stream approximately to maxLen.
func (sb *SignalBus) Publish(ctx context.Context, ev domain.SignalEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal signal %s: %w", ev.ID, err)
	}

	pipe := sb.rdb.TxPipeline()
	pipe.Publish(ctx, signalChannel, payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: signalStream,
		MaxLen: sb.maxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish signal %s: %w", ev.ID, err)
	}
	return nil
}

// Subscribe returns a read-only channel of live signal events. The
// subscription closes when the context is cancelled; the returned
// channel is closed at that point as well. Payloads that fail to decode
// are dropped.
func (sb *SignalBus) Subscribe(ctx context.Context) (<-chan domain.SignalEvent, error) {
	pubsub := sb.rdb.Subscribe(ctx, signalChannel)

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", signalChannel, err)
	}

	out := make(chan domain.SignalEvent, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev domain.SignalEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// ReadSince reads up to count events from the durable stream starting
// after lastID. Use "0" to read from the beginning or "$" for only new
// entries. It returns an empty slice (not an error) when nothing is
// available.
func (sb *SignalBus) ReadSince(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error) {
	if lastID == "" {
		lastID = "0"
	}
	if count <= 0 {
		count = 100
	}

	results, err := sb.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{signalStream, lastID},
		Count:   int64(count),
		Block:   -1, // do not block, return what exists
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: read signal stream: %w", err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			payload, ok := msg.Values["payload"]
			if !ok {
				continue
			}

			var data []byte
			switch v := payload.(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}

			var ev domain.SignalEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			messages = append(messages, domain.StreamMessage{ID: msg.ID, Event: ev})
		}
	}

	return messages, nil
}

// Compile-time interface check.
var _ domain.SignalBus = (*SignalBus)(nil)
