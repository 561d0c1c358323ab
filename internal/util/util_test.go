package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"brokerstore/internal/domain"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanent(t *testing.T) {
	sentinel := errors.New("bad credentials")
	attempts := 0
	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Retry error = %v, want %v", err, sentinel)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
}

func TestRetryZeroAttempts(t *testing.T) {
	attempts := 0
	_ = Retry(context.Background(), 0, 0, func() error {
		attempts++
		return errors.New("fail")
	})
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 3, time.Second, func() error {
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry error = %v, want context.Canceled", err)
	}
}

func TestThrottleSpacing(t *testing.T) {
	th := NewThrottle(30*time.Millisecond, 4)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := th.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		release()
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("3 acquisitions took %v, want >= 60ms", elapsed)
	}
}

func TestThrottleConcurrency(t *testing.T) {
	th := NewThrottle(0, 2)
	ctx := context.Background()

	r1, _ := th.Acquire(ctx)
	r2, _ := th.Acquire(ctx)
	if th.InFlight() != 2 {
		t.Errorf("InFlight() = %d, want 2", th.InFlight())
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := th.Acquire(short); err == nil {
		t.Error("third Acquire should block until the context expires")
	}

	r1()
	r3, err := th.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	r2()
	r3()
	if th.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", th.InFlight())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "info", "json").Info("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("json output = %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "info", "text").Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text output = %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "warn", "json").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info record logged at warn level: %q", buf.String())
	}
}

func TestTradingCalendar(t *testing.T) {
	tc := NewTradingCalendar(domain.MarketUS)
	ny := tc.Location()

	tuesday := time.Date(2024, 6, 4, 14, 0, 0, 0, ny)
	saturday := time.Date(2024, 6, 8, 14, 0, 0, 0, ny)
	if !tc.IsTradingDay(tuesday) {
		t.Errorf("IsTradingDay(%v) = false", tuesday)
	}
	if tc.IsTradingDay(saturday) {
		t.Errorf("IsTradingDay(%v) = true", saturday)
	}
	if !tc.IsMarketOpen(tuesday) {
		t.Errorf("IsMarketOpen(%v) = false", tuesday)
	}
	if tc.IsMarketOpen(time.Date(2024, 6, 4, 20, 0, 0, 0, ny)) {
		t.Error("market open at 20:00")
	}

	// 02:00 UTC on the 5th is still the 4th in New York.
	got := tc.SessionDate(time.Date(2024, 6, 5, 2, 0, 0, 0, time.UTC))
	if got.Year() != 2024 || got.Month() != time.June || got.Day() != 4 {
		t.Errorf("SessionDate = %v, want 2024-06-04", got)
	}
}
