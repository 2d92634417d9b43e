// Package bus wraps Redis Streams for the chorus services. Every entry on
// every stream is a single "data" field holding a UTF-8 JSON payload;
// consumers read through consumer groups and acknowledge explicitly.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DataField is the only field an entry carries.
const DataField = "data"

// Entry is one stream entry as seen by a group consumer.
type Entry struct {
	Stream string
	ID     string
	Data   []byte
}

// Client is a thin wrapper over a go-redis connection scoped to the stream
// operations the services need.
type Client struct {
	rdb *redis.Client
	log *slog.Logger
}

// Connect dials the Redis URL (redis://host:port/db) and verifies the
// connection with a ping.
func Connect(ctx context.Context, url string, log *slog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("bus: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("bus: ping: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{rdb: rdb, log: log}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// EnsureGroup creates the consumer group at id "0" with MKSTREAM, treating
// an already-existing group as success.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Append adds a payload to a stream and returns the assigned entry id.
func (c *Client) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{DataField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("bus: append to %s: %w", stream, err)
	}
	return id, nil
}

// ReadGroup blocks up to block for new entries on the given streams.
// Entries without a data field are acknowledged and dropped here so callers
// only ever see decodable payloads. A timeout yields an empty batch.
func (c *Client) ReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]Entry, error) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bus: read group %s: %w", group, err)
	}
	var out []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values[DataField]
			if !ok {
				c.log.Warn("stream entry missing data field", "stream", stream.Stream, "id", msg.ID)
				c.Ack(ctx, stream.Stream, group, msg.ID)
				continue
			}
			data, ok := raw.(string)
			if !ok {
				c.log.Warn("stream entry data not a string", "stream", stream.Stream, "id", msg.ID)
				c.Ack(ctx, stream.Stream, group, msg.ID)
				continue
			}
			out = append(out, Entry{Stream: stream.Stream, ID: msg.ID, Data: []byte(data)})
		}
	}
	return out, nil
}

// Ack acknowledges an entry. Failures are logged, never returned: a lost
// ack means at-least-once redelivery, which every consumer already handles
// via dedupe.
func (c *Client) Ack(ctx context.Context, stream, group, id string) {
	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("ack failed", "stream", stream, "group", group, "id", id, "err", err)
	}
}

// EntryMS extracts the millisecond prefix of a stream entry id
// ("1700000000000-0" -> 1700000000000). Returns 0 when the id has no
// numeric prefix.
func EntryMS(id string) int64 {
	head, _, _ := strings.Cut(id, "-")
	var ms int64
	for _, r := range head {
		if r < '0' || r > '9' {
			return 0
		}
		ms = ms*10 + int64(r-'0')
	}
	return ms
}
