package governance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type countingRunner struct {
	calls int32
	err   error
}

func (r *countingRunner) Run(context.Context) (Result, error) {
	atomic.AddInt32(&r.calls, 1)
	return Result{OK: r.err == nil}, r.err
}

func TestScheduler_TriggersOnStartAndEachBoundary(t *testing.T) {
	runner := &countingRunner{}
	s := NewScheduler(runner, zerolog.Nop())
	s.interval = 20 * time.Millisecond
	s.offset = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runner.calls) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_KeepsRunningAfterErrors(t *testing.T) {
	runner := &countingRunner{err: errors.New("audit store down")}
	s := NewScheduler(runner, zerolog.Nop())
	s.interval = 10 * time.Millisecond
	s.offset = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runner.calls) >= 2 }, 2*time.Second, 5*time.Millisecond)
}
