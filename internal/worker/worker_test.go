package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGroupDrainsBacklogEagerly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var backlog atomic.Int32
	backlog.Store(5)
	done := make(chan struct{})

	g := NewGroup(zap.NewNop())
	g.Add("drain", time.Hour, func(context.Context) (bool, error) {
		if backlog.Add(-1) <= 0 {
			close(done)
			return false, nil
		}
		return true, nil
	})

	errc := make(chan error, 1)
	go func() { errc <- g.Run(ctx) }()

	// The hour-long interval never elapses: all five items must drain
	// through eager re-polls.
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("backlog not drained")
	}

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
}

func TestGroupSurvivesTickErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	g := NewGroup(zap.NewNop())
	g.Add("flaky", time.Millisecond, func(context.Context) (bool, error) {
		if calls.Add(1) >= 3 {
			cancel()
		}
		return false, errors.New("transient")
	})

	err := g.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestCounted(t *testing.T) {
	fn := Counted(func(context.Context) (int, error) { return 2, nil })
	worked, err := fn(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	fn = Counted(func(context.Context) (int, error) { return 0, nil })
	worked, err = fn(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}
