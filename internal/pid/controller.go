// Package pid implements the coil current regulation loop: a clamped PID
// controller and the ticker-driven regulator that runs it against live
// telemetry.
package pid

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Gains holds the three PID coefficients.
type Gains struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

// Config describes one controller.
type Config struct {
	Gains
	Setpoint      float64
	OutMin        float64
	OutMax        float64
	IntegralLimit float64 // absolute clamp on the accumulated integral; 0 disables
}

// State is a read-only view of the controller for the monitor surface.
type State struct {
	Gains
	Setpoint   float64 `json:"setpoint"`
	Integral   float64 `json:"integral"`
	LastErr    float64 `json:"last_err"`
	LastOutput float64 `json:"last_output"`
}

// Controller is a textbook PID with output clamping and integral
// anti-windup. Safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	cfg      Config
	integral float64
	prevErr  float64
	primed   bool // prevErr holds a real error from a previous update
	lastOut  float64
}

// NewController validates cfg and returns a zeroed controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.OutMin >= cfg.OutMax {
		return nil, fmt.Errorf("pid output bounds inverted: [%g,%g]", cfg.OutMin, cfg.OutMax)
	}
	if cfg.IntegralLimit < 0 {
		return nil, fmt.Errorf("pid integral limit must not be negative, got %g", cfg.IntegralLimit)
	}
	for _, v := range []float64{cfg.Kp, cfg.Ki, cfg.Kd, cfg.Setpoint} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("pid config contains a non-finite value")
		}
	}
	return &Controller{cfg: cfg}, nil
}

// Update advances the loop by dt with a new measurement and returns the
// clamped drive value. A non-positive dt contributes no integral or
// derivative action.
func (c *Controller) Update(measured float64, dt time.Duration) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.cfg.Setpoint - measured
	deriv := 0.0
	if sec := dt.Seconds(); sec > 0 {
		c.integral += err * sec
		if lim := c.cfg.IntegralLimit; lim > 0 {
			if c.integral > lim {
				c.integral = lim
			} else if c.integral < -lim {
				c.integral = -lim
			}
		}
		if c.primed {
			deriv = (err - c.prevErr) / sec
		}
	}

	out := c.cfg.Kp*err + c.cfg.Ki*c.integral + c.cfg.Kd*deriv
	if out > c.cfg.OutMax {
		out = c.cfg.OutMax
	} else if out < c.cfg.OutMin {
		out = c.cfg.OutMin
	}

	c.prevErr = err
	c.primed = true
	c.lastOut = out
	return out
}

// Reset clears the integral and derivative memory. The regulator calls this
// on every engagement so a new run never inherits stale state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.integral = 0
	c.prevErr = 0
	c.primed = false
	c.lastOut = 0
}

// SetSetpoint retargets the loop. Takes effect on the next update.
func (c *Controller) SetSetpoint(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("setpoint must be finite")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Setpoint = v
	return nil
}

// SetGains swaps the coefficients. Takes effect on the next update.
func (c *Controller) SetGains(g Gains) error {
	for _, v := range []float64{g.Kp, g.Ki, g.Kd} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("gains must be finite")
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Gains = g
	return nil
}

// Snapshot returns the current loop state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Gains:      c.cfg.Gains,
		Setpoint:   c.cfg.Setpoint,
		Integral:   c.integral,
		LastErr:    c.prevErr,
		LastOutput: c.lastOut,
	}
}
