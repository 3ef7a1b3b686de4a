package reliable

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"fieldrig/internal/channel"
	"fieldrig/internal/metrics"
	"fieldrig/internal/model"
	"fieldrig/internal/util"
	"fieldrig/internal/wire"
)

var (
	// ErrCommandTimeout reports that every retransmission went unanswered.
	ErrCommandTimeout = errors.New("command timed out after retries")
	// ErrRejected reports a NACK; the node saw the command and refused it,
	// so retrying cannot help.
	ErrRejected = errors.New("command rejected by node")
)

// Config tunes the retry and backoff policy.
type Config struct {
	Timeout     time.Duration // per-attempt ack wait
	MaxRetries  int           // retransmissions after the initial send
	BackoffBase time.Duration // doubled per retransmission
	BackoffCap  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Second
	}
}

// Supervisor gives one command endpoint at-least-once delivery with
// correlated acks. Sends are serialized: one command is in flight at a
// time, so a channel's commands resolve in submission order.
type Supervisor struct {
	node   string
	ep     *channel.Endpoint
	cfg    Config
	health *Health
	mx     *metrics.Set
	sendMu sync.Mutex

	statusMu sync.Mutex
	onStatus func(model.Status)
}

// NewSupervisor wraps ep. The supervisor registers its own reconnect
// procedure on health: when the node is declared lost, the endpoint is
// reopened and the streak counter cleared.
func NewSupervisor(node string, ep *channel.Endpoint, cfg Config, health *Health, mx *metrics.Set) *Supervisor {
	cfg.applyDefaults()
	if mx == nil {
		mx = metrics.New(nil)
	}
	if health == nil {
		health = NewHealth(node, 5, mx)
	}
	s := &Supervisor{node: node, ep: ep, cfg: cfg, health: health, mx: mx}
	health.AddLostHook(s.reconnect)
	return s
}

// Health exposes the shared link health this supervisor reports into.
func (s *Supervisor) Health() *Health { return s.health }

// SetStatusSink registers fn for status reports the node interleaves on the
// command channel, such as the reply to a status query. fn must not block.
func (s *Supervisor) SetStatusSink(fn func(model.Status)) {
	s.statusMu.Lock()
	s.onStatus = fn
	s.statusMu.Unlock()
}

func (s *Supervisor) deliverStatus(st model.Status) {
	s.statusMu.Lock()
	fn := s.onStatus
	s.statusMu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// SendCommand encodes cmd, transmits it and waits for the matching ack.
// On an expired wait it retransmits with exponential backoff up to
// MaxRetries times, then fails with ErrCommandTimeout. A NACK resolves
// immediately with ErrRejected. Context cancellation aborts between
// attempts.
func (s *Supervisor) SendCommand(ctx context.Context, cmd model.Command) error {
	payload, err := wire.EncodeCommand(cmd)
	if err != nil {
		return errors.Wrap(err, "encode command")
	}

	// one command in flight at a time keeps ack correlation unambiguous
	// and preserves submission order on the channel
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	attempts := s.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			s.mx.Retransmissions.Inc()
			if err := s.sleep(ctx, s.backoff(attempt)); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.ep.Send(payload); err != nil {
			if errors.Is(err, channel.ErrClosed) {
				return err
			}
			util.Warn("node %s: send %s attempt %d: %v", s.node, cmd.Verb, attempt, err)
			continue
		}

		ack, err := s.awaitAck(cmd.Corr)
		switch {
		case err == nil:
			s.health.Seen()
			if ack.OK {
				return nil
			}
			return errors.Wrapf(ErrRejected, "%s: %s", cmd.Verb, ack.Reason)
		case errors.Is(err, channel.ErrTimeout):
			s.health.Timeout()
		case errors.Is(err, channel.ErrClosed):
			// a reconnect may have swapped the socket under us; the next
			// attempt sends on the fresh one, and a genuinely closed
			// endpoint fails that send
			continue
		default:
			util.Warn("node %s: await ack for %s: %v", s.node, cmd.Verb, err)
		}
	}

	s.mx.CommandTimeouts.Inc()
	return errors.Wrapf(ErrCommandTimeout, "%s %s after %d retransmissions", cmd.Verb, cmd.Corr, s.cfg.MaxRetries)
}

// awaitAck consumes datagrams until the window closes or an ack with the
// wanted correlation id arrives. Status reports interleaved on the channel
// go to the status sink; undecodable payloads and acks for other commands
// burn window time but are otherwise ignored.
func (s *Supervisor) awaitAck(corr string) (model.Ack, error) {
	deadline := time.Now().Add(s.cfg.Timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return model.Ack{}, channel.ErrTimeout
		}
		payload, _, err := s.ep.Receive(remain)
		if err != nil {
			return model.Ack{}, err
		}
		ack, err := wire.DecodeAck(payload)
		if err == nil {
			if ack.Corr != corr {
				s.mx.StaleAcks.Inc()
				util.Debug("node %s: stale ack %s ignored", s.node, ack.Corr)
				continue
			}
			return ack, nil
		}
		if st, serr := wire.DecodeStatus(payload); serr == nil {
			s.deliverStatus(st)
			continue
		}
		s.mx.DecodeErrors.WithLabelValues(s.ep.Name()).Inc()
		util.Warn("node %s: dropping undecodable ack payload: %v", s.node, err)
		continue
	}
}

func (s *Supervisor) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase << (attempt - 1)
	if d > s.cfg.BackoffCap || d <= 0 {
		d = s.cfg.BackoffCap
	}
	return d
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// reconnect reopens the endpoint after the node was declared lost. Sends
// keep going out afterwards; the node stays Lost until it is heard again.
func (s *Supervisor) reconnect() {
	util.Warn("node %s declared lost, reopening command endpoint", s.node)
	s.mx.Reconnects.WithLabelValues(s.node).Inc()
	if err := s.ep.Reopen(); err != nil {
		util.Error("node %s: reopen command endpoint: %v", s.node, err)
		return
	}
	s.health.ResetCounter()
}
