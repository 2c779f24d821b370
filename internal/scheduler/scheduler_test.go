package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: time.Hour, AlignToStart: true}, zerolog.Nop())

	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	next := s.nextTick(now)

	want := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next tick = %s, want %s", next, want)
	}
}

func TestNextTickAlignedOnBoundary(t *testing.T) {
	s := New(Options{Interval: time.Hour, AlignToStart: true}, zerolog.Nop())

	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	next := s.nextTick(now)

	want := now.Add(time.Hour)
	if !next.Equal(want) {
		t.Fatalf("a tick exactly on the boundary must schedule the next one, got %s want %s", next, want)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Hour, AlignToStart: false}, zerolog.Nop())

	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	next := s.nextTick(now)

	want := now.Add(time.Hour)
	if !next.Equal(want) {
		t.Fatalf("unaligned next tick = %s, want %s", next, want)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour, StartupDelay: time.Minute}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx, func(ctx context.Context, tick time.Time) error {
		t.Fatal("tick must not run after cancellation")
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("Run should return context.Canceled, got %v", err)
	}
}
