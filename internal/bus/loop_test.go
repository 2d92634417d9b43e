package bus

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

func TestNextBackoff(t *testing.T) {
	t.Parallel()

	got := initialBackoff
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		got = nextBackoff(got)
		if got != w {
			t.Fatalf("step %d: got %v, want %v", i, got, w)
		}
	}
}

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "dial tcp: broken" }
func (fakeNetErr) Timeout() bool   { return false }
func (fakeNetErr) Temporary() bool { return true }

func TestIsConnError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("bad payload"), false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("bus: read group g: %w", io.EOF), true},
		{"net error", fakeNetErr{}, true},
		{"net closed", net.ErrClosed, true},
		{"refused text", errors.New("dial tcp 127.0.0.1:6379: connect: connection refused"), true},
		{"closed client", errors.New("redis: client is closed"), true},
	}
	for _, tt := range tests {
		if got := IsConnError(tt.err); got != tt.want {
			t.Errorf("%s: IsConnError = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEntryMS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want int64
	}{
		{"1700000000000-0", 1700000000000},
		{"1700000000123-7", 1700000000123},
		{"0-1", 0},
		{"garbage", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := EntryMS(tt.id); got != tt.want {
			t.Errorf("EntryMS(%q) = %d, want %d", tt.id, got, tt.want)
		}
	}
}
