package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinCapacity(t *testing.T) {
	l := New(3, time.Second)
	base := time.Now()

	for i := 0; i < 3; i++ {
		if !l.Allow(base) {
			t.Fatalf("event %d should be admitted", i)
		}
	}
	if l.Allow(base) {
		t.Fatal("4th event within window should be denied")
	}
}

func TestAllowAfterWindowElapses(t *testing.T) {
	l := New(2, time.Second)
	base := time.Now()

	if !l.Allow(base) || !l.Allow(base) {
		t.Fatal("first two events should be admitted")
	}
	if l.Allow(base) {
		t.Fatal("3rd event should be denied before window elapses")
	}

	later := base.Add(time.Second + time.Millisecond)
	if !l.Allow(later) || !l.Allow(later) {
		t.Fatal("fresh N events should be admitted once the window has elapsed")
	}
}

func TestRemainingTracksAdmissions(t *testing.T) {
	l := New(5, time.Minute)
	base := time.Now()

	if got := l.Remaining(base); got != 5 {
		t.Fatalf("remaining = %d, want 5", got)
	}

	admitted := 0
	for i := 0; i < 3; i++ {
		if l.Allow(base.Add(time.Duration(i) * time.Millisecond)) {
			admitted++
		}
	}

	if got := l.Remaining(base); got+admitted != 5 {
		t.Fatalf("remaining(%d) + admitted(%d) != 5", got, admitted)
	}
}

func TestSessionLimitsIndependentWindows(t *testing.T) {
	limits := NewSessionLimits(3, 2)
	base := time.Now()

	for i := 0; i < 3; i++ {
		if !limits.Messages.Allow(base) {
			t.Fatalf("message %d should be admitted", i)
		}
	}
	if limits.Messages.Allow(base) {
		t.Fatal("4th message should be denied")
	}

	if !limits.Submits.Allow(base) || !limits.Submits.Allow(base) {
		t.Fatal("first two submits should be admitted")
	}
	if limits.Submits.Allow(base) {
		t.Fatal("3rd submit should be denied")
	}
}
