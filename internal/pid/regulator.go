package pid

import (
	"errors"
	"sync"
	"time"

	"fieldrig/internal/metrics"
	"fieldrig/internal/util"
)

// ErrRegulating reports an operation that cannot run while the regulation
// loop is engaged, such as a manual actuation.
var ErrRegulating = errors.New("regulation loop engaged")

// Regulator ticks a Controller against a measurement source and hands the
// drive value to a sink. Engage and Disengage are idempotent and safe from
// any goroutine.
type Regulator struct {
	ctrl   *Controller
	period time.Duration
	source func() (float64, bool)
	sink   func(float64) error
	mx     *metrics.Set

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewRegulator wires a controller to its telemetry source and drive sink.
// The source returns false when no measurement is available yet.
func NewRegulator(ctrl *Controller, period time.Duration, source func() (float64, bool), sink func(float64) error, mx *metrics.Set) *Regulator {
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	if mx == nil {
		mx = metrics.New(nil)
	}
	return &Regulator{ctrl: ctrl, period: period, source: source, sink: sink, mx: mx}
}

// Engage resets the controller and starts ticking. Already engaged is a no-op.
func (r *Regulator) Engage() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.ctrl.Reset()
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.running = true
	r.mx.PIDEngaged.Set(1)
	go r.loop(r.stop, r.done)
	util.Info("regulator engaged, period %s", r.period)
}

// Disengage stops the loop and waits for the tick goroutine to exit.
// Not engaged is a no-op.
func (r *Regulator) Disengage() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	done := r.done
	close(r.stop)
	r.mu.Unlock()

	<-done
	r.mx.PIDEngaged.Set(0)
	util.Info("regulator disengaged")
}

// Engaged reports whether the loop is currently running.
func (r *Regulator) Engaged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Snapshot exposes the underlying controller state.
func (r *Regulator) Snapshot() State {
	return r.ctrl.Snapshot()
}

func (r *Regulator) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	last := time.Now()
	starved := false
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			measured, ok := r.source()
			if !ok {
				if !starved {
					util.Warn("regulator: no measurement yet, holding output")
					starved = true
				}
				continue
			}
			out := r.ctrl.Update(measured, dt)
			r.mx.PIDOutput.Set(out)
			if err := r.sink(out); err != nil {
				util.Error("regulator: drive submit failed: %v", err)
			}
		}
	}
}
