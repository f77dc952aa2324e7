package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"digest_server/pkg/clock"
)

func TestEmailBudgetCountsPayloadNotRequests(t *testing.T) {
	clk := clock.At("2025-11-10T12:00:00Z")
	l := New(Config{
		RequestsPerMinute: 60,
		EmailsPerMinute:   500,
		EmailsPerHour:     50000,
		MaxTrackedIdents:  100,
	}, clk)

	// 5 requests of 200 emails each: first two pass (400 emails), third trips
	// the per-minute email budget.
	for i := 0; i < 2; i++ {
		d := l.Admit("caller-1", 200)
		if !d.Allowed {
			t.Fatalf("batch %d rejected: %+v", i, d)
		}
	}
	d := l.Admit("caller-1", 200)
	if d.Allowed {
		t.Fatalf("third batch should be rejected")
	}
	if d.Limit != "emails_per_minute" {
		t.Errorf("Limit = %q, want emails_per_minute", d.Limit)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want (0, 1m]", d.RetryAfter)
	}
}

func TestRejectionHasNoSideEffect(t *testing.T) {
	clk := clock.At("2025-11-10T12:00:00Z")
	l := New(Config{RequestsPerMinute: 100, EmailsPerMinute: 100, EmailsPerHour: 1000, MaxTrackedIdents: 10}, clk)

	if d := l.Admit("c", 90); !d.Allowed {
		t.Fatalf("first admit rejected: %+v", d)
	}
	// Oversized batch rejected; the 90 already used must not grow.
	if d := l.Admit("c", 50); d.Allowed {
		t.Fatalf("oversized batch admitted")
	}
	// A batch that fits the remaining 10 must still pass.
	if d := l.Admit("c", 10); !d.Allowed {
		t.Fatalf("remaining budget was consumed by a rejected request: %+v", d)
	}
}

func TestRequestBudgetIndependentOfEmails(t *testing.T) {
	clk := clock.At("2025-11-10T12:00:00Z")
	l := New(Config{RequestsPerMinute: 3, EmailsPerMinute: 1000, EmailsPerHour: 10000, MaxTrackedIdents: 10}, clk)

	for i := 0; i < 3; i++ {
		if d := l.Admit("c", 1); !d.Allowed {
			t.Fatalf("request %d rejected", i)
		}
	}
	d := l.Admit("c", 1)
	if d.Allowed || d.Limit != "requests_per_minute" {
		t.Fatalf("want requests_per_minute trip, got %+v", d)
	}
}

func TestWindowResets(t *testing.T) {
	base := clock.At("2025-11-10T12:00:00Z")
	fc := &stepClock{t: base.T}
	l := New(Config{RequestsPerMinute: 1, EmailsPerMinute: 10, EmailsPerHour: 100, MaxTrackedIdents: 10}, fc)

	if d := l.Admit("c", 1); !d.Allowed {
		t.Fatal("first rejected")
	}
	if d := l.Admit("c", 1); d.Allowed {
		t.Fatal("second admitted inside window")
	}
	fc.t = fc.t.Add(61 * time.Second)
	if d := l.Admit("c", 1); !d.Allowed {
		t.Fatal("not admitted after window reset")
	}
}

func TestLRUEvictionOnBoundedCap(t *testing.T) {
	clk := clock.At("2025-11-10T12:00:00Z")
	l := New(Config{RequestsPerMinute: 100, EmailsPerMinute: 100, EmailsPerHour: 1000, MaxTrackedIdents: 3}, clk)

	for i := 0; i < 5; i++ {
		l.Admit(fmt.Sprintf("ident-%d", i), 1)
	}
	if got := l.TrackedIdentities(); got != 3 {
		t.Errorf("TrackedIdentities = %d, want hard cap 3", got)
	}
	// ident-4 is the most recent and must have retained its usage.
	for i := 0; i < 99; i++ {
		l.Admit("ident-4", 0)
	}
	if d := l.Admit("ident-4", 0); d.Allowed {
		t.Errorf("ident-4 counters were reset by eviction of others")
	}
}

type stepClock struct{ t time.Time }

func (s *stepClock) Now() time.Time { return s.t }
