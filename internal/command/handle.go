package command

import (
	"context"
	"sync"
)

// HandleState tracks a submitted command through its lifecycle.
type HandleState int

const (
	// Pending means the command is queued or in flight.
	Pending HandleState = iota
	// Acked means the node acknowledged execution.
	Acked
	// Nacked means the node rejected the command.
	Nacked
	// Failed means delivery gave up before any acknowledgement arrived.
	Failed
)

func (s HandleState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Acked:
		return "acked"
	case Nacked:
		return "nacked"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handle is the caller's view of one submitted command. It resolves exactly
// once; Done is closed on resolution and Err reports the outcome.
type Handle struct {
	verb string
	corr string
	args []string

	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	state HandleState
	err   error
}

func newHandle(verb, corr string, args []string) *Handle {
	return &Handle{
		verb: verb,
		corr: corr,
		args: args,
		done: make(chan struct{}),
	}
}

// Verb returns the command verb this handle tracks.
func (h *Handle) Verb() string { return h.verb }

// Corr returns the correlation id assigned at submission.
func (h *Handle) Corr() string { return h.corr }

// Args returns the submitted arguments.
func (h *Handle) Args() []string { return h.args }

// Done is closed when the command resolves.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the current lifecycle state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the resolution error. It is nil while pending and after an ack.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the command resolves or the context ends, returning the
// resolution error in the former case.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) resolve(state HandleState, err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.state = state
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}
