package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice feeds scripted lines and records writes.
type fakeDevice struct {
	lines  chan string
	writes []string
	closed bool
}

func newFakeDevice(lines ...string) *fakeDevice {
	f := &fakeDevice{lines: make(chan string, 16)}
	for _, l := range lines {
		f.lines <- l
	}
	return f
}

func (f *fakeDevice) ReadLine(timeout time.Duration) (string, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case l := <-f.lines:
		return l, nil
	case <-expired:
		return "", ErrReadTimeout
	}
}

func (f *fakeDevice) WriteLine(s string) error {
	f.writes = append(f.writes, s)
	return nil
}

func (f *fakeDevice) Close() error {
	f.closed = true
	return nil
}

func TestBridgeParsesBareAndKeyedReadings(t *testing.T) {
	b := NewSensorBridge(newFakeDevice("97.4", "P=101.25", "pressure = 88"))

	v, err := b.ReadPressure(time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 97.4, v, 1e-9)

	v, err = b.ReadPressure(time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 101.25, v, 1e-9)

	v, err = b.ReadPressure(time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 88, v, 1e-9)
}

func TestBridgeSkipsNoiseLines(t *testing.T) {
	b := NewSensorBridge(newFakeDevice("boot v1.2", "", "P=NaN", "99.5"))
	v, err := b.ReadPressure(time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 99.5, v, 1e-9)
}

func TestBridgeReadTimesOut(t *testing.T) {
	b := NewSensorBridge(newFakeDevice())
	start := time.Now()
	_, err := b.ReadPressure(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrReadTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestBridgeTimeoutSpansNoiseLines(t *testing.T) {
	// Noise must not restart the clock; the whole call stays bounded.
	f := newFakeDevice("noise", "more noise", "junk")
	b := NewSensorBridge(f)
	start := time.Now()
	_, err := b.ReadPressure(80 * time.Millisecond)
	require.ErrorIs(t, err, ErrReadTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBridgeSetValve(t *testing.T) {
	f := newFakeDevice()
	b := NewSensorBridge(f)
	require.NoError(t, b.SetValve(true))
	require.NoError(t, b.SetValve(false))
	assert.Equal(t, []string{"OPEN", "CLOSE"}, f.writes)

	require.NoError(t, b.Close())
	assert.True(t, f.closed)
}
