package protocol_test

import (
	"strings"
	"testing"

	"github.com/chorus-chat/chorus/internal/protocol"
)

func TestParseTS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		wantMS int64
	}{
		{"2026-01-02T03:04:05Z", 1767323045000},
		{"2026-01-02T03:04:05.250Z", 1767323045250},
		{"2026-01-02T03:04:05+00:00", 1767323045000},
		{"2026-01-02T04:04:05+01:00", 1767323045000},
		{"2026-01-02T03:04:05", 1767323045000},
	}
	for _, tt := range tests {
		ms, err := protocol.TimestampMS(tt.in)
		if err != nil {
			t.Errorf("TimestampMS(%q): %v", tt.in, err)
			continue
		}
		if ms != tt.wantMS {
			t.Errorf("TimestampMS(%q) = %d, want %d", tt.in, ms, tt.wantMS)
		}
	}

	if _, err := protocol.TimestampMS("not-a-time"); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestNowTSShape(t *testing.T) {
	t.Parallel()

	ts := protocol.NowTS()
	if !strings.HasSuffix(ts, "Z") || len(ts) != len("2006-01-02T15:04:05Z") {
		t.Fatalf("unexpected NowTS shape: %q", ts)
	}
	if _, err := protocol.ParseTS(ts); err != nil {
		t.Fatalf("NowTS not parseable: %v", err)
	}
}
