package reliable

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldrig/internal/channel"
	"fieldrig/internal/model"
	"fieldrig/internal/wire"
)

// nodeScript decides how the fake node reacts to the n-th received command.
// reply sends an ack back to the command's source.
type nodeScript func(n int, cmd model.Command, reply func(model.Ack))

// fakeNode receives command datagrams on a loopback endpoint and replies
// per script.
type fakeNode struct {
	ep   *channel.Endpoint
	done chan struct{}

	mu       sync.Mutex
	script   nodeScript
	received int
	lastFrom net.Addr
}

func startFakeNode(t *testing.T, script nodeScript) *fakeNode {
	t.Helper()
	ep, err := channel.Open(channel.Config{Name: "node-cmd", Bind: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	f := &fakeNode{ep: ep, script: script, done: make(chan struct{})}
	go f.loop()
	t.Cleanup(func() {
		_ = ep.Close()
		<-f.done
	})
	return f
}

func (f *fakeNode) loop() {
	defer close(f.done)
	for {
		payload, from, err := f.ep.Receive(100 * time.Millisecond)
		if errors.Is(err, channel.ErrClosed) {
			return
		}
		if err != nil {
			continue
		}
		cmd, err := wire.DecodeCommand(payload)
		if err != nil {
			continue
		}
		f.mu.Lock()
		f.received++
		n := f.received
		script := f.script
		f.lastFrom = from
		f.mu.Unlock()
		script(n, cmd, func(a model.Ack) {
			if b, err := wire.EncodeAck(a); err == nil {
				_ = f.ep.SendTo(from, b)
			}
		})
	}
}

func (f *fakeNode) setScript(s nodeScript) {
	f.mu.Lock()
	f.script = s
	f.mu.Unlock()
}

// sendRaw sends an arbitrary payload to the most recent command source.
func (f *fakeNode) sendRaw(b []byte) {
	f.mu.Lock()
	from := f.lastFrom
	f.mu.Unlock()
	if from != nil {
		_ = f.ep.SendTo(from, b)
	}
}

func (f *fakeNode) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received
}

func ackAlways(n int, cmd model.Command, reply func(model.Ack)) {
	reply(model.Ack{Corr: cmd.Corr, OK: true})
}

func silent(int, model.Command, func(model.Ack)) {}

func newTestSupervisor(t *testing.T, node *fakeNode, threshold int) (*Supervisor, *Health) {
	t.Helper()
	ep, err := channel.Open(channel.Config{
		Name: "cmd",
		Bind: "127.0.0.1:0",
		Peer: node.ep.LocalAddr().String(),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })

	health := NewHealth("coil", threshold, nil)
	sup := NewSupervisor("coil", ep, Config{
		Timeout:     80 * time.Millisecond,
		MaxRetries:  3,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
	}, health, nil)
	return sup, health
}

func cmdFor(verb string, args ...string) model.Command {
	return model.Command{Verb: verb, Corr: "corr-" + verb, Args: args}
}

func TestAckOnFirstAttempt(t *testing.T) {
	node := startFakeNode(t, ackAlways)
	sup, health := newTestSupervisor(t, node, 5)

	err := sup.SendCommand(context.Background(), cmdFor("query-status"))
	require.NoError(t, err)
	assert.Equal(t, 1, node.count())
	assert.Equal(t, Connected, health.State())
}

func TestSilentNodeExhaustsExactlyMaxRetries(t *testing.T) {
	node := startFakeNode(t, silent)
	sup, _ := newTestSupervisor(t, node, 50)

	err := sup.SendCommand(context.Background(), cmdFor("manual-actuate", "3000"))
	require.ErrorIs(t, err, ErrCommandTimeout)
	// the initial send plus MaxRetries retransmissions, not one more
	assert.Equal(t, 4, node.count())
}

func TestAckOnSecondAttempt(t *testing.T) {
	node := startFakeNode(t, func(n int, cmd model.Command, reply func(model.Ack)) {
		if n >= 2 {
			reply(model.Ack{Corr: cmd.Corr, OK: true})
		}
	})
	sup, health := newTestSupervisor(t, node, 5)

	err := sup.SendCommand(context.Background(), cmdFor("query-status"))
	require.NoError(t, err)
	assert.Equal(t, 2, node.count())
	assert.Equal(t, Connected, health.State())
}

func TestNackResolvesImmediatelyWithoutRetry(t *testing.T) {
	node := startFakeNode(t, func(n int, cmd model.Command, reply func(model.Ack)) {
		reply(model.Ack{Corr: cmd.Corr, Reason: "duration must be a positive integer"})
	})
	sup, _ := newTestSupervisor(t, node, 5)

	err := sup.SendCommand(context.Background(), cmdFor("manual-actuate", "-5"))
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "positive integer")
	assert.Equal(t, 1, node.count())
}

func TestStaleAckIgnoredUntilMatchArrives(t *testing.T) {
	node := startFakeNode(t, func(n int, cmd model.Command, reply func(model.Ack)) {
		reply(model.Ack{Corr: "long-gone", OK: true})
		reply(model.Ack{Corr: cmd.Corr, OK: true})
	})
	sup, _ := newTestSupervisor(t, node, 5)

	err := sup.SendCommand(context.Background(), cmdFor("query-status"))
	require.NoError(t, err)
	assert.Equal(t, 1, node.count())
}

func TestStatusInterleavedBeforeAckReachesSink(t *testing.T) {
	var node *fakeNode
	node = startFakeNode(t, func(n int, cmd model.Command, reply func(model.Ack)) {
		if line, err := wire.EncodeLegacyStatus(97.5, true); err == nil {
			node.sendRaw(line)
		}
		reply(model.Ack{Corr: cmd.Corr, OK: true})
	})
	sup, health := newTestSupervisor(t, node, 5)

	var mu sync.Mutex
	var got []model.Status
	sup.SetStatusSink(func(st model.Status) {
		mu.Lock()
		got = append(got, st)
		mu.Unlock()
	})

	err := sup.SendCommand(context.Background(), cmdFor("query-status"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "97.50", got[0].Fields["pressure"])
	assert.Equal(t, "OPEN", got[0].Fields["valve"])
	assert.Equal(t, Connected, health.State())
}

func TestThresholdCrossingDeclaresLostAndRecovers(t *testing.T) {
	node := startFakeNode(t, silent)
	sup, health := newTestSupervisor(t, node, 2)

	var mu sync.Mutex
	var transitions []State
	health.AddChangeHook(func(_, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	err := sup.SendCommand(context.Background(), cmdFor("query-status"))
	require.ErrorIs(t, err, ErrCommandTimeout)
	assert.Equal(t, Lost, health.State())

	mu.Lock()
	assert.Contains(t, transitions, Degraded)
	assert.Contains(t, transitions, Lost)
	mu.Unlock()

	// the node comes back: one heard ack restores Connected
	node.setScript(ackAlways)
	err = sup.SendCommand(context.Background(), cmdFor("query-status"))
	require.NoError(t, err)
	assert.Equal(t, Connected, health.State())
}

func TestContextCancelAbortsBetweenAttempts(t *testing.T) {
	node := startFakeNode(t, silent)
	sup, _ := newTestSupervisor(t, node, 50)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	err := sup.SendCommand(ctx, cmdFor("query-status"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, node.count(), 4)
}
