package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/natebag/trenchtools/internal/domain"
	"github.com/natebag/trenchtools/internal/metrics"
)

// Channel and stream names shared by the engine processes.
const (
	// ChannelPrices carries JSON PriceObservation payloads into the engine.
	ChannelPrices = "trench:prices"
	// ChannelEvents carries JSON engine events out of the engine.
	ChannelEvents = "trench:events"
	// StreamEvents is the durable copy of ChannelEvents.
	StreamEvents = "trench:events:stream"
)

const (
	defaultStreamMaxLen int64 = 10000
	defaultBuffer             = 256
	payloadField              = "payload"
)

// SignalBus carries price observations in and engine events out over Redis
// pub/sub, and journals events to a capped stream so a restarted dashboard
// can replay recent history.
//
// Subscribers never block the Redis reader: when a consumer's buffer is
// full the newest message is dropped and counted in metrics.BusDropped.
// Price ticks are superseded by the next tick and events have the stream
// copy.
type SignalBus struct {
	rdb          *redis.Client
	streamMaxLen int64
	buffer       int
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{
		rdb:          c.rdb,
		streamMaxLen: defaultStreamMaxLen,
		buffer:       defaultBuffer,
	}
}

// Publish sends payload to channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on channel, or on every matching channel when it holds
// a glob. The returned channel closes once ctx is done or the
// subscription drops.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var ps *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		ps = sb.rdb.PSubscribe(ctx, channel)
	} else {
		ps = sb.rdb.Subscribe(ctx, channel)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, sb.buffer)
	go sb.pump(ctx, ps, channel, out)
	return out, nil
}

func (sb *SignalBus) pump(ctx context.Context, ps *redis.PubSub, channel string, out chan<- []byte) {
	defer close(out)
	defer ps.Close()

	dropped := metrics.BusDropped.WithLabelValues(channel)
	in := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			default:
				dropped.Inc()
			}
		}
	}
}

// StreamAppend journals payload to stream, trimming it to roughly the
// newest ten thousand entries.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: sb.streamMaxLen,
		Approx: true,
		Values: []any{payloadField, payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries of stream after lastID without
// blocking. "0" reads from the start. Entries lacking a payload are skipped.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	res, err := sb.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var msgs []domain.StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			if payload, ok := payloadOf(m); ok {
				msgs = append(msgs, domain.StreamMessage{ID: m.ID, Payload: payload})
			}
		}
	}
	return msgs, nil
}

func payloadOf(m redis.XMessage) ([]byte, bool) {
	switch v := m.Values[payloadField].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

var _ domain.SignalBus = (*SignalBus)(nil)
