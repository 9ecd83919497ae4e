package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	calls atomic.Int32
	block chan struct{}
	err   error
}

func (r *countingRunner) RunAll(ctx context.Context) error {
	r.calls.Add(1)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	return r.err
}

func TestNew_RejectsBadSpec(t *testing.T) {
	_, err := New("every now and then", &countingRunner{}, 0, nil)
	assert.Error(t, err)
}

func TestScheduler_Fires(t *testing.T) {
	runner := &countingRunner{err: errors.New("one company failed")}
	s, err := New("@every 1s", runner, time.Second, nil)
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()
	assert.False(t, s.Next().IsZero())

	assert.Eventually(t, func() bool { return runner.calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestScheduler_SkipsOverlappingTicks(t *testing.T) {
	runner := &countingRunner{block: make(chan struct{})}
	s, err := New("@every 1s", runner, 0, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.tick()
		close(done)
	}()
	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.tick()
	assert.Equal(t, int32(1), runner.calls.Load())

	close(runner.block)
	<-done
	s.tick()
	assert.Equal(t, int32(2), runner.calls.Load())
}
