package command

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"fieldrig/internal/metrics"
	"fieldrig/internal/model"
	"fieldrig/internal/reliable"
)

var (
	// ErrBusy is returned by Submit when the outbound queue is full.
	ErrBusy = errors.New("command queue full")
	// ErrClosed is returned by Submit after Stop.
	ErrClosed = errors.New("command conn closed")
)

// SendFunc delivers one command and blocks until it is acknowledged,
// rejected, or delivery gives up.
type SendFunc func(ctx context.Context, cmd model.Command) error

const queueDepth = 32

type pending struct {
	cmd model.Command
	h   *Handle
}

// Conn owns the controller side of one node's command channel. Commands are
// validated, queued and sent strictly one at a time so acknowledgements stay
// unambiguous and submission order is preserved on the wire.
type Conn struct {
	node      string
	send      SendFunc
	onResolve func(*Handle)
	mx        *metrics.Set

	queue  chan pending
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConn starts the worker for one node. send is typically a reliable
// supervisor's SendCommand. onResolve, if non-nil, observes every resolved
// handle and must not block.
func NewConn(node string, send SendFunc, onResolve func(*Handle), mx *metrics.Set) *Conn {
	if mx == nil {
		mx = metrics.New(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		node:      node,
		send:      send,
		onResolve: onResolve,
		mx:        mx,
		queue:     make(chan pending, queueDepth),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go c.worker()
	return c
}

// Node returns the peer node name this conn serves.
func (c *Conn) Node() string { return c.node }

// Submit validates the command, assigns a correlation id and queues it.
// The returned handle resolves when the node answers or delivery gives up.
func (c *Conn) Submit(verb string, args ...string) (*Handle, error) {
	if err := Validate(verb, args); err != nil {
		return nil, err
	}
	argv := append([]string(nil), args...)
	h := newHandle(verb, uuid.NewString(), argv)
	cmd := model.Command{Verb: verb, Corr: h.corr, Args: argv}
	select {
	case <-c.ctx.Done():
		return nil, ErrClosed
	default:
	}
	select {
	case c.queue <- pending{cmd: cmd, h: h}:
		return h, nil
	case <-c.ctx.Done():
		return nil, ErrClosed
	default:
		return nil, ErrBusy
	}
}

// Stop cancels the in-flight command, fails everything still queued and
// waits for the worker to exit.
func (c *Conn) Stop() {
	c.cancel()
	<-c.done
}

func (c *Conn) worker() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			c.drain()
			return
		case p := <-c.queue:
			c.dispatch(p)
		}
	}
}

func (c *Conn) dispatch(p pending) {
	err := c.send(c.ctx, p.cmd)
	var state HandleState
	var outcome string
	switch {
	case err == nil:
		state, outcome = Acked, "acked"
	case errors.Is(err, reliable.ErrRejected):
		state, outcome = Nacked, "nacked"
	case errors.Is(err, reliable.ErrCommandTimeout):
		state, outcome = Failed, "timeout"
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		state, outcome = Failed, "canceled"
	default:
		state, outcome = Failed, "failed"
	}
	c.mx.CommandsTotal.WithLabelValues(p.cmd.Verb, outcome).Inc()
	p.h.resolve(state, err)
	if c.onResolve != nil {
		c.onResolve(p.h)
	}
}

func (c *Conn) drain() {
	for {
		select {
		case p := <-c.queue:
			c.mx.CommandsTotal.WithLabelValues(p.cmd.Verb, "canceled").Inc()
			p.h.resolve(Failed, ErrClosed)
			if c.onResolve != nil {
				c.onResolve(p.h)
			}
		default:
			return
		}
	}
}
