package clock

import (
	"testing"
	"time"
)

func TestNextMidnightUsesLocalCalendar(t *testing.T) {
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// 16:00 UTC is 23:00 in Jakarta.
	now := time.Date(2025, 3, 10, 16, 0, 0, 0, time.UTC)
	got := NextMidnight(now, jakarta)

	want := time.Date(2025, 3, 11, 0, 0, 0, 0, jakarta)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if remaining := got.Sub(now); remaining != time.Hour {
		t.Fatalf("expected one hour remaining, got %s", remaining)
	}
}

func TestNextMidnightAcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// 2025-03-09 is a 23 hour day in New York.
	now := time.Date(2025, 3, 9, 0, 30, 0, 0, ny)
	got := NextMidnight(now, ny)
	if got.Sub(now) != 22*time.Hour+30*time.Minute {
		t.Fatalf("unexpected remaining duration %s", got.Sub(now))
	}
}

func TestStartOfMonth(t *testing.T) {
	now := time.Date(2025, 7, 31, 23, 59, 0, 0, time.UTC)
	if got := StartOfMonth(now, nil); !got.Equal(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected month start %s", got)
	}
}

func TestFakeClockAdvance(t *testing.T) {
	c := NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c.Advance(90 * time.Minute)
	if got := c.Now(); got.Hour() != 1 || got.Minute() != 30 {
		t.Fatalf("unexpected time %s", got)
	}
}
