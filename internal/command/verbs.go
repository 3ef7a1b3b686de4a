// Package command implements both halves of the command protocol: the
// controller-side submission queue resolving async handles, and the
// node-side dispatch table that validates, executes and acknowledges.
package command

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Verbs every node agent understands.
const (
	VerbManualActuate = "manual-actuate"
	VerbQueryStatus   = "query-status"
	VerbSetParameter  = "set-parameter"
	VerbLoadWaveform  = "load-waveform"
	VerbStartStream   = "start-stream"
	VerbStopStream    = "stop-stream"
)

var (
	// ErrBadArgs marks arguments that fail structural or range validation.
	ErrBadArgs = errors.New("invalid command arguments")
	// ErrUnknownVerb marks a verb outside the dispatch table.
	ErrUnknownVerb = errors.New("unknown verb")
)

type paramRange struct {
	lo, hi float64
}

// Settable runtime parameters and their accepted ranges. Setpoint, drive
// and current limit are amps on the coil drive scale; gains are unitless.
// Drive is the regulator's write target: the held output level between
// pulses and waveform replay.
var paramRanges = map[string]paramRange{
	"setpoint":      {0, 100},
	"drive":         {0, 100},
	"current-limit": {0, 100},
	"kp":            {0, 1000},
	"ki":            {0, 1000},
	"kd":            {0, 1000},
}

// Streams a node can be told to start or stop.
var streamNames = map[string]bool{
	"current":     true,
	"temperature": true,
	"pressure":    true,
}

// Validate checks a verb and its arguments before transmission. Node agents
// run the same check on receipt to defend against foreign senders.
func Validate(verb string, args []string) error {
	switch verb {
	case VerbManualActuate:
		if len(args) != 1 {
			return fmt.Errorf("%w: manual-actuate takes exactly one duration argument", ErrBadArgs)
		}
		ms, err := strconv.Atoi(args[0])
		if err != nil || ms <= 0 {
			return fmt.Errorf("%w: duration %q must be a positive integer of milliseconds", ErrBadArgs, args[0])
		}
		return nil
	case VerbQueryStatus:
		if len(args) != 0 {
			return fmt.Errorf("%w: query-status takes no arguments", ErrBadArgs)
		}
		return nil
	case VerbSetParameter:
		if len(args) != 2 {
			return fmt.Errorf("%w: set-parameter takes a name and a value", ErrBadArgs)
		}
		rng, ok := paramRanges[args[0]]
		if !ok {
			return fmt.Errorf("%w: unknown parameter %q", ErrBadArgs, args[0])
		}
		v, err := strconv.ParseFloat(args[1], 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: value %q for %s is not a finite number", ErrBadArgs, args[1], args[0])
		}
		if v < rng.lo || v > rng.hi {
			return fmt.Errorf("%w: %s=%g outside [%g..%g]", ErrBadArgs, args[0], v, rng.lo, rng.hi)
		}
		return nil
	case VerbLoadWaveform:
		if len(args) != 1 {
			return fmt.Errorf("%w: load-waveform takes the uploaded point count", ErrBadArgs)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 2 {
			return fmt.Errorf("%w: point count %q must be an integer of at least 2", ErrBadArgs, args[0])
		}
		return nil
	case VerbStartStream, VerbStopStream:
		if len(args) != 1 || !streamNames[args[0]] {
			return fmt.Errorf("%w: %s takes one of current, temperature, pressure", ErrBadArgs, verb)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownVerb, verb)
	}
}
