package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	stepPause      = time.Second
)

// Loop supervises a stream consumer. It dials Redis, runs Init once per
// connection (group creation) and then Step repeatedly. Connection errors
// drop the client and reconnect with exponential backoff; any other Step
// error pauses briefly and retries on the same connection.
type Loop struct {
	Name string
	URL  string
	Log  *slog.Logger
	Init func(ctx context.Context, c *Client) error
	Step func(ctx context.Context, c *Client) error
}

// Run blocks until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		client, err := Connect(ctx, l.URL, log)
		if err != nil {
			log.Warn("bus connect failed", "loop", l.Name, "backoff", backoff, "err", err)
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff)
			continue
		}
		if l.Init != nil {
			if err := l.Init(ctx, client); err != nil {
				log.Warn("bus init failed", "loop", l.Name, "backoff", backoff, "err", err)
				_ = client.Close()
				if err := sleep(ctx, backoff); err != nil {
					return err
				}
				backoff = nextBackoff(backoff)
				continue
			}
		}
		backoff = initialBackoff
		if err := l.pump(ctx, log, client); err != nil {
			_ = client.Close()
			return err
		}
		_ = client.Close()
		log.Warn("bus connection lost, reconnecting", "loop", l.Name, "backoff", backoff)
		if err := sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff)
	}
}

// pump runs Step until the context ends (returned) or the connection drops
// (nil return, caller reconnects).
func (l *Loop) pump(ctx context.Context, log *slog.Logger, client *Client) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := l.Step(ctx, client)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if IsConnError(err) {
			return nil
		}
		log.Error("bus step failed", "loop", l.Name, "err", err)
		if err := sleep(ctx, stepPause); err != nil {
			return err
		}
	}
}

// IsConnError reports whether an error indicates a broken connection rather
// than a bad payload or handler bug.
func IsConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "client is closed")
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
