package device

import (
	"math"
	"strconv"
	"strings"
	"time"

	"fieldrig/internal/util"
)

// SensorBridge adapts a line-oriented pressure transducer into the solenoid
// agent's reading loop. The transducer prints one reading per line, either a
// bare number or a "P=<value>" pair; the valve driver on the same port takes
// OPEN and CLOSE words.
type SensorBridge struct {
	dev Device
}

// NewSensorBridge wraps an already-open device.
func NewSensorBridge(dev Device) *SensorBridge {
	return &SensorBridge{dev: dev}
}

// ReadPressure blocks up to timeout for the next parseable reading, skipping
// noise lines. timeout <= 0 blocks until a reading or the port closes.
func (b *SensorBridge) ReadPressure(timeout time.Duration) (float64, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		wait := timeout
		if !deadline.IsZero() {
			wait = time.Until(deadline)
			if wait <= 0 {
				return 0, ErrReadTimeout
			}
		}
		line, err := b.dev.ReadLine(wait)
		if err != nil {
			return 0, err
		}
		v, ok := parseReading(line)
		if !ok {
			util.Debug("skipping unparseable sensor line %q", line)
			continue
		}
		return v, nil
	}
}

// parseReading accepts "97.4" and key=value forms like "P=97.4".
func parseReading(line string) (float64, bool) {
	s := strings.TrimSpace(line)
	if i := strings.IndexByte(s, '='); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// SetValve drives the hardware valve open or closed.
func (b *SensorBridge) SetValve(open bool) error {
	word := "CLOSE"
	if open {
		word = "OPEN"
	}
	return b.dev.WriteLine(word)
}

// Close releases the underlying device.
func (b *SensorBridge) Close() error {
	return b.dev.Close()
}
