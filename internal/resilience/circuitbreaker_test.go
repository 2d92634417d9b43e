package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "t", MaxFailures: 3, ResetTimeout: time.Hour}, nil)
	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if b.State() != Open {
		t.Fatalf("state = %v", b.State())
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 2}, nil)
	_ = b.Do(func() error { return errBoom })
	_ = b.Do(func() error { return nil })
	_ = b.Do(func() error { return errBoom })
	if b.State() != Closed {
		t.Fatalf("state = %v", b.State())
	}
}

func TestBreakerHalfOpenClosesAfterProbes(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Millisecond, HalfOpenMax: 2}, nil)
	_ = b.Do(func() error { return errBoom })
	if b.State() != Open {
		t.Fatalf("state = %v", b.State())
	}
	time.Sleep(5 * time.Millisecond)
	if b.State() != HalfOpen {
		t.Fatalf("state = %v", b.State())
	}
	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != Closed {
		t.Fatalf("state = %v", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Millisecond}, nil)
	_ = b.Do(func() error { return errBoom })
	time.Sleep(5 * time.Millisecond)
	_ = b.Do(func() error { return errBoom })
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}, nil)
	_ = b.Do(func() error { return errBoom })
	b.Reset()
	if b.State() != Closed {
		t.Fatalf("state = %v", b.State())
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
}
