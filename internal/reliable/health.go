// Package reliable implements the ack/retry layer over a command endpoint
// and the per-node link health tracking that drives reconnection.
package reliable

import (
	"sync"
	"time"

	"fieldrig/internal/metrics"
)

// State is the coarse link health of one node.
type State int

const (
	// Connected means traffic arrived recently.
	Connected State = iota
	// Degraded means at least one receive window expired with nothing heard.
	Degraded
	// Lost means the consecutive timeout threshold was crossed; endpoints
	// are reopened and the node stays Lost until it is heard again.
	Lost
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// Info is a read-only health snapshot for the monitor surface.
type Info struct {
	Node                string    `json:"node"`
	State               string    `json:"state"`
	LastSeen            time.Time `json:"last_seen"`
	ConsecutiveTimeouts int       `json:"consecutive_timeouts"`
}

// Health tracks one node's liveness across every channel that talks to it.
// All the node's receive loops and its command supervisor share one Health:
// any arrival marks the node seen, any expired window counts against it.
type Health struct {
	node      string
	threshold int
	mx        *metrics.Set

	mu          sync.Mutex
	consecutive int
	lastSeen    time.Time
	state       State
	changeHooks []func(from, to State)
	lostHooks   []func()
}

// NewHealth starts a node in Connected state.
func NewHealth(node string, threshold int, mx *metrics.Set) *Health {
	if threshold <= 0 {
		threshold = 5
	}
	if mx == nil {
		mx = metrics.New(nil)
	}
	h := &Health{node: node, threshold: threshold, mx: mx}
	h.mx.HealthState.WithLabelValues(node).Set(float64(Connected))
	return h
}

// Node returns the node name this Health tracks.
func (h *Health) Node() string { return h.node }

// AddChangeHook registers a callback for state transitions. Register before
// traffic starts; hooks run outside the lock, in registration order.
func (h *Health) AddChangeHook(fn func(from, to State)) {
	h.mu.Lock()
	h.changeHooks = append(h.changeHooks, fn)
	h.mu.Unlock()
}

// AddLostHook registers a callback fired each time the consecutive timeout
// counter crosses the threshold. Reconnection procedures hang off this.
func (h *Health) AddLostHook(fn func()) {
	h.mu.Lock()
	h.lostHooks = append(h.lostHooks, fn)
	h.mu.Unlock()
}

// Seen records an arrival from the node: the timeout streak ends and the
// node returns to Connected.
func (h *Health) Seen() {
	h.mu.Lock()
	h.consecutive = 0
	h.lastSeen = time.Now()
	hooks := h.transitionLocked(Connected)
	h.mu.Unlock()
	runChangeHooks(hooks)
}

// Timeout records an expired receive window. Crossing the threshold moves
// the node to Lost and fires the lost hooks; a node already Lost stays Lost.
func (h *Health) Timeout() State {
	h.mu.Lock()
	h.consecutive++
	crossed := h.consecutive == h.threshold
	var to State
	switch {
	case h.state == Lost || h.consecutive >= h.threshold:
		to = Lost
	default:
		to = Degraded
	}
	changes := h.transitionLocked(to)
	lost := h.lostHooks
	state := h.state
	h.mu.Unlock()

	runChangeHooks(changes)
	if crossed {
		for _, fn := range lost {
			fn()
		}
	}
	return state
}

// ResetCounter zeroes the timeout streak without touching the state. The
// reconnect procedure calls this so the next streak is counted from scratch.
func (h *Health) ResetCounter() {
	h.mu.Lock()
	h.consecutive = 0
	h.mu.Unlock()
}

// State returns the current health state.
func (h *Health) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Snapshot returns the monitor view.
func (h *Health) Snapshot() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Info{
		Node:                h.node,
		State:               h.state.String(),
		LastSeen:            h.lastSeen,
		ConsecutiveTimeouts: h.consecutive,
	}
}

type changeCall struct {
	fn       func(from, to State)
	from, to State
}

func (h *Health) transitionLocked(to State) []changeCall {
	if to == h.state {
		return nil
	}
	from := h.state
	h.state = to
	h.mx.HealthState.WithLabelValues(h.node).Set(float64(to))
	calls := make([]changeCall, 0, len(h.changeHooks))
	for _, fn := range h.changeHooks {
		calls = append(calls, changeCall{fn: fn, from: from, to: to})
	}
	return calls
}

func runChangeHooks(calls []changeCall) {
	for _, c := range calls {
		c.fn(c.from, c.to)
	}
}
