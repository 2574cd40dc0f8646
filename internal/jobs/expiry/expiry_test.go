package expiry

import (
	"context"
	"errors"
	"testing"
)

type stubSweeper struct {
	transitioned int
	err          error
	calls        int
}

func (s *stubSweeper) ProcessExpired(_ context.Context) (int, error) {
	s.calls++
	return s.transitioned, s.err
}

func TestRunSweeps(t *testing.T) {
	sweeper := &stubSweeper{transitioned: 3}
	job := New(sweeper, 0, nil)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sweeper.calls != 1 {
		t.Fatalf("sweeper invoked %d times, want 1", sweeper.calls)
	}
}

func TestRunWrapsSweepError(t *testing.T) {
	cause := errors.New("store unavailable")
	job := New(&stubSweeper{err: cause}, 0, nil)

	err := job.Run(context.Background())
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped sweep error, got %v", err)
	}
}

func TestRunWithoutSweeperIsNoop(t *testing.T) {
	job := New(nil, 0, nil)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run without sweeper: %v", err)
	}
}
