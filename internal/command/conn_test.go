package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldrig/internal/model"
	"fieldrig/internal/reliable"
)

func waitResolved(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("handle for %s never resolved", h.Verb())
	}
}

func TestConnResolvesAck(t *testing.T) {
	send := func(ctx context.Context, cmd model.Command) error { return nil }
	c := NewConn("coil", send, nil, nil)
	defer c.Stop()

	h, err := c.Submit(VerbManualActuate, "3000")
	require.NoError(t, err)
	require.NotEmpty(t, h.Corr())
	assert.Equal(t, VerbManualActuate, h.Verb())

	waitResolved(t, h)
	assert.Equal(t, Acked, h.State())
	assert.NoError(t, h.Err())
}

func TestConnResolvesNack(t *testing.T) {
	send := func(ctx context.Context, cmd model.Command) error {
		return errors.Wrap(reliable.ErrRejected, "manual-actuate: regulation loop engaged")
	}
	c := NewConn("coil", send, nil, nil)
	defer c.Stop()

	h, err := c.Submit(VerbManualActuate, "500")
	require.NoError(t, err)
	waitResolved(t, h)
	assert.Equal(t, Nacked, h.State())
	assert.ErrorIs(t, h.Err(), reliable.ErrRejected)
}

func TestConnResolvesTimeout(t *testing.T) {
	send := func(ctx context.Context, cmd model.Command) error {
		return errors.Wrap(reliable.ErrCommandTimeout, "query-status")
	}
	c := NewConn("solenoid", send, nil, nil)
	defer c.Stop()

	h, err := c.Submit(VerbQueryStatus)
	require.NoError(t, err)
	waitResolved(t, h)
	assert.Equal(t, Failed, h.State())
	assert.ErrorIs(t, h.Err(), reliable.ErrCommandTimeout)
}

func TestConnRejectsBadArgsBeforeQueueing(t *testing.T) {
	sent := 0
	send := func(ctx context.Context, cmd model.Command) error { sent++; return nil }
	c := NewConn("coil", send, nil, nil)
	defer c.Stop()

	_, err := c.Submit(VerbManualActuate, "-5")
	require.ErrorIs(t, err, ErrBadArgs)
	_, err = c.Submit(VerbManualActuate, "abc")
	require.ErrorIs(t, err, ErrBadArgs)
	assert.Zero(t, sent)
}

func TestConnPreservesSubmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	send := func(ctx context.Context, cmd model.Command) error {
		mu.Lock()
		order = append(order, cmd.Args[0])
		mu.Unlock()
		return nil
	}
	c := NewConn("coil", send, nil, nil)
	defer c.Stop()

	var handles []*Handle
	for _, ms := range []string{"100", "200", "300"} {
		h, err := c.Submit(VerbManualActuate, ms)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		waitResolved(t, h)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"100", "200", "300"}, order)
}

func TestConnObserverSeesEveryResolution(t *testing.T) {
	var mu sync.Mutex
	var seen []HandleState
	observe := func(h *Handle) {
		mu.Lock()
		seen = append(seen, h.State())
		mu.Unlock()
	}
	fail := errors.Wrap(reliable.ErrRejected, "no")
	replies := []error{nil, fail}
	i := 0
	send := func(ctx context.Context, cmd model.Command) error {
		err := replies[i%len(replies)]
		i++
		return err
	}
	c := NewConn("coil", send, observe, nil)
	defer c.Stop()

	h1, err := c.Submit(VerbQueryStatus)
	require.NoError(t, err)
	h2, err := c.Submit(VerbQueryStatus)
	require.NoError(t, err)
	waitResolved(t, h1)
	waitResolved(t, h2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []HandleState{Acked, Nacked}, seen)
}

func TestConnBusyWhenQueueFull(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	send := func(ctx context.Context, cmd model.Command) error {
		once.Do(func() { close(started) })
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil
	}
	c := NewConn("coil", send, nil, nil)
	defer c.Stop()

	// First submission occupies the worker, the rest fill the queue.
	_, err := c.Submit(VerbQueryStatus)
	require.NoError(t, err)
	<-started
	for i := 0; i < queueDepth; i++ {
		_, err := c.Submit(VerbQueryStatus)
		require.NoError(t, err)
	}
	_, err = c.Submit(VerbQueryStatus)
	require.ErrorIs(t, err, ErrBusy)
	close(gate)
}

func TestConnStopFailsQueued(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	send := func(ctx context.Context, cmd model.Command) error {
		once.Do(func() { close(started) })
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c := NewConn("coil", send, nil, nil)

	first, err := c.Submit(VerbQueryStatus)
	require.NoError(t, err)
	<-started
	queued, err := c.Submit(VerbQueryStatus)
	require.NoError(t, err)

	c.Stop()
	waitResolved(t, first)
	waitResolved(t, queued)
	assert.Equal(t, Failed, first.State())
	assert.Equal(t, Failed, queued.State())
	assert.ErrorIs(t, queued.Err(), ErrClosed)

	_, err = c.Submit(VerbQueryStatus)
	require.ErrorIs(t, err, ErrClosed)
}

func TestHandleWaitHonorsContext(t *testing.T) {
	h := newHandle(VerbQueryStatus, "abc", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	h.resolve(Acked, nil)
	require.NoError(t, h.Wait(context.Background()))
}
