package command

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"fieldrig/internal/model"
	"fieldrig/internal/util"
	"fieldrig/internal/wire"
)

// HandlerFunc executes one validated command on a node. A non-nil error
// becomes the NACK reason.
type HandlerFunc func(cmd model.Command) error

const ackCacheDepth = 64

// ackCache remembers recently answered correlation ids so a retransmitted
// command is answered again without re-executing its handler.
type ackCache struct {
	order []string
	byID  map[string]model.Ack
	next  int
}

func newAckCache(depth int) *ackCache {
	return &ackCache{
		order: make([]string, depth),
		byID:  make(map[string]model.Ack, depth),
	}
}

func (c *ackCache) get(corr string) (model.Ack, bool) {
	a, ok := c.byID[corr]
	return a, ok
}

func (c *ackCache) put(corr string, a model.Ack) {
	if old := c.order[c.next]; old != "" {
		delete(c.byID, old)
	}
	c.order[c.next] = corr
	c.byID[corr] = a
	c.next = (c.next + 1) % len(c.order)
}

// Registry is a node's dispatch table. Dispatch decodes, validates and
// executes one datagram's command and answers through the supplied reply
// function.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	seen     *ackCache
}

// NewRegistry returns an empty dispatch table.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		seen:     newAckCache(ackCacheDepth),
	}
}

// Handle registers fn for verb, replacing any previous registration.
func (r *Registry) Handle(verb string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[verb] = fn
}

// Verbs returns the registered verbs in sorted order.
func (r *Registry) Verbs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	verbs := make([]string, 0, len(r.handlers))
	for v := range r.handlers {
		verbs = append(verbs, v)
	}
	sort.Strings(verbs)
	return verbs
}

// Dispatch processes one received datagram. Undecodable payloads are logged
// and dropped without a reply; everything decodable is answered with an ACK
// or a reasoned NACK. Retransmissions of an already-answered command get the
// original answer without running the handler again.
func (r *Registry) Dispatch(payload []byte, reply func(model.Ack) error) {
	cmd, err := wire.DecodeCommand(payload)
	if err != nil {
		util.Warn("dropping undecodable command: %v", err)
		return
	}
	r.mu.Lock()
	prev, dup := r.seen.get(cmd.Corr)
	r.mu.Unlock()
	if dup {
		if err := reply(prev); err != nil {
			util.Error("re-ack %s failed: %v", cmd.Corr, err)
		}
		return
	}

	ack := r.execute(cmd)
	r.mu.Lock()
	r.seen.put(cmd.Corr, ack)
	r.mu.Unlock()
	if err := reply(ack); err != nil {
		util.Error("ack %s failed: %v", cmd.Corr, err)
	}
}

func (r *Registry) execute(cmd model.Command) model.Ack {
	r.mu.RLock()
	fn, ok := r.handlers[cmd.Verb]
	r.mu.RUnlock()
	if !ok {
		util.Warn("rejecting %s: unknown verb", cmd.Verb)
		return model.Ack{Corr: cmd.Corr, Reason: "unknown verb " + cmd.Verb}
	}
	// Handlers for verbs outside the standard set carry their own checks.
	if err := Validate(cmd.Verb, cmd.Args); err != nil && !errors.Is(err, ErrUnknownVerb) {
		util.Warn("rejecting %s: %v", cmd.Verb, err)
		return model.Ack{Corr: cmd.Corr, Reason: err.Error()}
	}
	if err := fn(cmd); err != nil {
		util.Warn("rejecting %s: %v", cmd.Verb, err)
		return model.Ack{Corr: cmd.Corr, Reason: err.Error()}
	}
	return model.Ack{Corr: cmd.Corr, OK: true}
}
