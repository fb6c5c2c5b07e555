package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllowsUpToCount(t *testing.T) {
	l := New(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("attempt %d denied inside the budget", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("attempt over the budget admitted")
	}
}

func TestLimiterIsPerOrigin(t *testing.T) {
	l := New(1, time.Minute)
	if !l.Allow("10.0.0.1") {
		t.Fatal("first origin denied")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("second origin throttled by the first")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("first origin admitted over budget")
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := New(2, time.Minute)
	l.now = func() time.Time { return now }

	if !l.Allow("o") || !l.Allow("o") {
		t.Fatal("budget denied")
	}
	if l.Allow("o") {
		t.Fatal("over budget admitted")
	}

	// 30s later one attempt is still inside the window.
	now = now.Add(30 * time.Second)
	if l.Allow("o") {
		t.Fatal("admitted while window still full")
	}

	// The window is continuous: once the first attempts age out the
	// origin gets budget back without any bucket boundary.
	now = now.Add(31 * time.Second)
	if !l.Allow("o") {
		t.Fatal("denied after window elapsed")
	}
}

func TestLimiterDeniedAttemptsDoNotExtendWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := New(1, time.Minute)
	l.now = func() time.Time { return now }

	if !l.Allow("o") {
		t.Fatal("first attempt denied")
	}
	// Hammering while denied must not push recovery further out.
	for i := 0; i < 10; i++ {
		now = now.Add(5 * time.Second)
		l.Allow("o")
	}
	now = now.Add(15 * time.Second) // 65s after the admitted attempt
	if !l.Allow("o") {
		t.Fatal("denied attempts extended the window")
	}
}

func TestLimiterPrune(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := New(1, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	now = now.Add(2 * time.Minute)
	l.Prune()
	if len(l.history) != 0 {
		t.Fatalf("prune left %d origins", len(l.history))
	}
}
