package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chorus-chat/chorus/internal/bus"
	"github.com/chorus-chat/chorus/internal/config"
	"github.com/chorus-chat/chorus/internal/observe"
	"github.com/chorus-chat/chorus/internal/protocol"
)

const (
	readBatch = 50
	readBlock = time.Second
)

// Consumer is the gateway's ingest loop: it validates, sanitizes and
// moderates every entry, hands survivors to the fan-out hub and re-emits
// them on the firehose stream. Every entry is acknowledged, good or bad.
type Consumer struct {
	Bus     config.BusConfig
	Safety  *Safety
	Hub     *Hub
	Stats   *Stats
	Metrics *observe.Metrics
	Log     *slog.Logger
}

func (c *Consumer) metrics() *observe.Metrics {
	if c.Metrics != nil {
		return c.Metrics
	}
	return observe.DefaultMetrics()
}

// Run blocks until the context is cancelled, reconnecting on bus failures.
func (c *Consumer) Run(ctx context.Context) error {
	loop := &bus.Loop{
		Name: "gateway",
		URL:  c.Bus.RedisURL,
		Log:  c.Log,
		Init: func(ctx context.Context, client *bus.Client) error {
			return client.EnsureGroup(ctx, c.Bus.IngestStream, c.Bus.ConsumerGroup)
		},
		Step: c.step,
	}
	return loop.Run(ctx)
}

func (c *Consumer) step(ctx context.Context, client *bus.Client) error {
	entries, err := client.ReadGroup(ctx, c.Bus.ConsumerGroup, c.Bus.ConsumerName,
		[]string{c.Bus.IngestStream}, readBatch, readBlock)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		c.handle(ctx, client, entry)
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, client *bus.Client, entry bus.Entry) {
	defer client.Ack(ctx, c.Bus.IngestStream, c.Bus.ConsumerGroup, entry.ID)
	c.Stats.Mutate(func(s *Stats) { s.MessagesConsumed++ })
	c.metrics().RecordConsumed(ctx, "gateway", c.Bus.IngestStream)

	drop := func(reason string) {
		c.Stats.Mutate(func(s *Stats) { s.MessagesDropped++ })
		c.metrics().RecordDropped(ctx, "gateway", reason)
	}

	var msg protocol.ChatMessage
	if err := json.Unmarshal(entry.Data, &msg); err != nil {
		c.Log.Warn("failed to decode ingest entry", "id", entry.ID, "err", err)
		drop("decode")
		return
	}
	if err := protocol.ValidateChatMessage(&msg); err != nil {
		c.Log.Warn("invalid chat message", "id", entry.ID, "err", err)
		drop("invalid")
		return
	}
	if !c.Safety.Process(&msg) {
		drop("safety")
		return
	}

	if c.Hub.TryEnqueue(msg.RoomID, &msg) {
		c.Stats.Mutate(func(s *Stats) { s.MessagesBroadcast++ })
	} else {
		drop("queue_full")
	}

	raw, err := protocol.Encode(&msg)
	if err != nil {
		c.Log.Error("failed to encode sanitized message", "id", msg.ID, "err", err)
		drop("encode")
		return
	}
	if _, err := client.Append(ctx, c.Bus.FirehoseStream, raw); err != nil {
		c.Log.Warn("failed to append to firehose", "id", msg.ID, "err", err)
		drop("firehose_append")
	}
}
