// Package node carries the reference node-side agents: a bench simulator
// for the coil drive board and a solenoid valve agent that runs against
// real serial hardware or simulates it. Both answer the standard command
// verbs and feed the controller's telemetry ports.
package node

import (
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"fieldrig/internal/channel"
	"fieldrig/internal/command"
	"fieldrig/internal/model"
	"fieldrig/internal/util"
	"fieldrig/internal/wire"
)

// Drive output range of the coil board's DAC.
const (
	driveMin = 1.0
	driveMax = 99.0
)

const replayTick = 10 * time.Millisecond

// CoilConfig addresses the agent's listen ports and the controller's
// telemetry sinks.
type CoilConfig struct {
	CommandBind     string // e.g. ":1300"
	WaveformBind    string // e.g. ":1400"
	CurrentPeer     string // controller's current port, e.g. "127.0.0.1:1200"
	TemperaturePeer string
	PressurePeer    string
	ReadTimeout     time.Duration
}

func (c *CoilConfig) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Second
	}
}

// CoilAgent simulates the coil drive board: it accepts commands and
// waveform uploads, replays the loaded waveform as the current stream and
// emits test temperature and pressure streams.
type CoilAgent struct {
	cfg      CoilConfig
	registry *command.Registry

	cmdEP  *channel.Endpoint
	wfEP   *channel.Endpoint
	curEP  *channel.Endpoint
	tempEP *channel.Endpoint
	presEP *channel.Endpoint

	mu         sync.Mutex
	params     map[string]float64
	streaming  map[string]bool
	pending    []model.WaveformPoint
	active     []float64
	wfIndex    int
	driveUntil time.Time
	replyTo    net.Addr
	curSeq     uint32
	presSeq    uint32

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewCoilAgent builds the agent and its dispatch table. Start opens the
// sockets.
func NewCoilAgent(cfg CoilConfig) *CoilAgent {
	cfg.applyDefaults()
	a := &CoilAgent{
		cfg: cfg,
		params: map[string]float64{
			"setpoint":      0,
			"drive":         0,
			"current-limit": driveMax,
			"kp":            0,
			"ki":            0,
			"kd":            0,
		},
		streaming: map[string]bool{},
		stop:      make(chan struct{}),
	}
	r := command.NewRegistry()
	r.Handle(command.VerbManualActuate, a.handleActuate)
	r.Handle(command.VerbQueryStatus, a.handleQueryStatus)
	r.Handle(command.VerbSetParameter, a.handleSetParameter)
	r.Handle(command.VerbLoadWaveform, a.handleLoadWaveform)
	r.Handle(command.VerbStartStream, a.handleStartStream)
	r.Handle(command.VerbStopStream, a.handleStopStream)
	a.registry = r
	return a
}

// Start opens every endpoint and launches the receive and stream loops.
// Partial failure closes what opened.
func (a *CoilAgent) Start() error {
	endpoints := []struct {
		ep  **channel.Endpoint
		cfg channel.Config
	}{
		{&a.cmdEP, channel.Config{Name: "coil-cmd", Bind: a.cfg.CommandBind}},
		{&a.wfEP, channel.Config{Name: "coil-waveform", Bind: a.cfg.WaveformBind, Cap: wire.MaxWaveformDatagram}},
		{&a.curEP, channel.Config{Name: "coil-current", Peer: a.cfg.CurrentPeer}},
		{&a.tempEP, channel.Config{Name: "coil-temperature", Peer: a.cfg.TemperaturePeer}},
		{&a.presEP, channel.Config{Name: "coil-pressure", Peer: a.cfg.PressurePeer}},
	}
	for _, e := range endpoints {
		ep, err := channel.Open(e.cfg, nil)
		if err != nil {
			a.closeEndpoints()
			return errors.Wrapf(err, "coil agent open %s", e.cfg.Name)
		}
		*e.ep = ep
	}

	a.wg.Add(4)
	go a.commandLoop()
	go a.waveformLoop()
	go a.currentLoop()
	go a.testStreamLoop()
	util.Info("coil agent up: commands on %s, waveform on %s", a.cmdEP.LocalAddr(), a.wfEP.LocalAddr())
	return nil
}

// Stop signals every loop, closes the sockets and waits for the loops.
func (a *CoilAgent) Stop() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	a.closeEndpoints()
	a.wg.Wait()
}

func (a *CoilAgent) closeEndpoints() {
	for _, ep := range []*channel.Endpoint{a.cmdEP, a.wfEP, a.curEP, a.tempEP, a.presEP} {
		if ep != nil {
			_ = ep.Close()
		}
	}
}

// CommandAddr returns the bound command address, useful with port 0.
func (a *CoilAgent) CommandAddr() string { return a.cmdEP.LocalAddr().String() }

// WaveformAddr returns the bound waveform address.
func (a *CoilAgent) WaveformAddr() string { return a.wfEP.LocalAddr().String() }

func (a *CoilAgent) commandLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			return
		default:
		}
		payload, from, err := a.cmdEP.Receive(a.cfg.ReadTimeout)
		if errors.Is(err, channel.ErrClosed) {
			return
		}
		if errors.Is(err, channel.ErrTimeout) {
			continue
		}
		if err != nil {
			util.Warn("coil agent receive command: %v", err)
			continue
		}
		// The loop is the only dispatcher, so handlers running inside
		// Dispatch can read replyTo for the status reply path.
		a.mu.Lock()
		a.replyTo = from
		a.mu.Unlock()
		a.registry.Dispatch(payload, func(ack model.Ack) error {
			b, err := wire.EncodeAck(ack)
			if err != nil {
				return err
			}
			return a.cmdEP.SendTo(from, b)
		})
	}
}

func (a *CoilAgent) waveformLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			return
		default:
		}
		payload, _, err := a.wfEP.Receive(a.cfg.ReadTimeout)
		if errors.Is(err, channel.ErrClosed) {
			return
		}
		if errors.Is(err, channel.ErrTimeout) {
			continue
		}
		if err != nil {
			util.Warn("coil agent receive waveform: %v", err)
			continue
		}
		points, err := wire.DecodeWaveform(payload)
		if err != nil {
			util.Warn("coil agent dropping undecodable waveform: %v", err)
			continue
		}
		a.mu.Lock()
		a.pending = points
		a.mu.Unlock()
		util.Info("coil agent staged waveform: %d points", len(points))
	}
}

// currentLoop emits the coil current stream: the pulse level while a manual
// pulse is active, otherwise the loaded waveform at one point per tick,
// otherwise the held drive parameter.
func (a *CoilAgent) currentLoop() {
	defer a.wg.Done()
	tick := time.NewTicker(replayTick)
	defer tick.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-tick.C:
		}
		a.mu.Lock()
		if !a.streaming["current"] {
			a.mu.Unlock()
			continue
		}
		var v float64
		switch {
		case time.Now().Before(a.driveUntil):
			v = clampDrive(a.params["current-limit"])
		case len(a.active) > 0:
			v = a.active[a.wfIndex]
			a.wfIndex = (a.wfIndex + 1) % len(a.active)
		case a.params["drive"] > 0:
			// Held drive level, written by the controller's regulation loop.
			v = clampDrive(a.params["drive"])
		default:
			v = 0
		}
		seq := a.curSeq
		a.curSeq++
		a.mu.Unlock()
		// Readback jitter, as the real board's ADC would show.
		v += (rand.Float64() - 0.5) * 0.1
		if err := a.curEP.Send(wire.EncodeSample(model.Sample{Value: v, Seq: seq})); err != nil {
			if errors.Is(err, channel.ErrClosed) {
				return
			}
			util.Debug("coil agent send current: %v", err)
		}
	}
}

// testStreamLoop emits the temperature and pressure test streams every
// 500 ms while started: uniform random readings in [50,100). Temperature
// goes out as bare ASCII, pressure as binary frames, matching the mixed
// firmware on the real board.
func (a *CoilAgent) testStreamLoop() {
	defer a.wg.Done()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-tick.C:
		}
		a.mu.Lock()
		sendTemp := a.streaming["temperature"]
		sendPres := a.streaming["pressure"]
		seq := a.presSeq
		if sendPres {
			a.presSeq++
		}
		a.mu.Unlock()

		if sendTemp {
			v := 50 + rand.Float64()*50
			line := strconv.FormatFloat(v, 'f', 2, 64)
			if err := a.tempEP.Send([]byte(line)); err != nil && !errors.Is(err, channel.ErrClosed) {
				util.Debug("coil agent send temperature: %v", err)
			}
		}
		if sendPres {
			v := 50 + rand.Float64()*50
			if err := a.presEP.Send(wire.EncodeSample(model.Sample{Value: v, Seq: seq})); err != nil && !errors.Is(err, channel.ErrClosed) {
				util.Debug("coil agent send pressure: %v", err)
			}
		}
	}
}

func (a *CoilAgent) handleActuate(cmd model.Command) error {
	ms, err := strconv.Atoi(cmd.Args[0])
	if err != nil {
		return errors.Wrap(err, "parse duration")
	}
	d := time.Duration(ms) * time.Millisecond
	a.mu.Lock()
	a.driveUntil = time.Now().Add(d)
	a.mu.Unlock()
	util.Info("coil agent pulsing drive for %s", d)
	return nil
}

func (a *CoilAgent) handleSetParameter(cmd model.Command) error {
	v, err := strconv.ParseFloat(cmd.Args[1], 64)
	if err != nil {
		return errors.Wrap(err, "parse value")
	}
	a.mu.Lock()
	a.params[cmd.Args[0]] = v
	a.mu.Unlock()
	util.Info("coil agent parameter %s=%g", cmd.Args[0], v)
	return nil
}

// handleLoadWaveform commits the staged upload once the point count the
// controller announces matches what arrived on the waveform channel. The
// points datagram races the command on a separate socket, so the handler
// waits briefly for it before rejecting.
func (a *CoilAgent) handleLoadWaveform(cmd model.Command) error {
	want, err := strconv.Atoi(cmd.Args[0])
	if err != nil {
		return errors.Wrap(err, "parse point count")
	}
	deadline := time.Now().Add(250 * time.Millisecond)
	for {
		a.mu.Lock()
		have := len(a.pending)
		if have == want {
			a.active = scaleToDrive(a.pending)
			a.wfIndex = 0
			a.pending = nil
			a.mu.Unlock()
			util.Info("coil agent waveform loaded: %d points", want)
			return nil
		}
		a.mu.Unlock()
		if time.Now().After(deadline) {
			return fmt.Errorf("waveform incomplete: have %d of %d points", have, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (a *CoilAgent) handleStartStream(cmd model.Command) error {
	a.mu.Lock()
	a.streaming[cmd.Args[0]] = true
	a.mu.Unlock()
	util.Info("coil agent stream %s started", cmd.Args[0])
	return nil
}

func (a *CoilAgent) handleStopStream(cmd model.Command) error {
	a.mu.Lock()
	a.streaming[cmd.Args[0]] = false
	a.mu.Unlock()
	util.Info("coil agent stream %s stopped", cmd.Args[0])
	return nil
}

// handleQueryStatus sends a status report to the requester on the command
// channel, then the dispatcher's ack follows.
func (a *CoilAgent) handleQueryStatus(cmd model.Command) error {
	a.mu.Lock()
	fields := map[string]string{
		"waveform": strconv.Itoa(len(a.active)),
	}
	for k, v := range a.params {
		fields[k] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	var active []string
	for name, on := range a.streaming {
		if on {
			active = append(active, name)
		}
	}
	sort.Strings(active)
	fields["streams"] = strings.Join(active, " ")
	to := a.replyTo
	a.mu.Unlock()

	payload, err := wire.EncodeStatus(model.Status{Fields: fields})
	if err != nil {
		return errors.Wrap(err, "encode status")
	}
	if to == nil {
		return errors.New("no requester address")
	}
	return a.cmdEP.SendTo(to, payload)
}

func clampDrive(v float64) float64 {
	if v < driveMin {
		return driveMin
	}
	if v > driveMax {
		return driveMax
	}
	return v
}

// scaleToDrive maps uploaded values linearly onto the DAC range. A flat
// waveform lands mid-range.
func scaleToDrive(points []model.WaveformPoint) []float64 {
	min, max := points[0].Value, points[0].Value
	for _, p := range points[1:] {
		if p.Value < min {
			min = p.Value
		}
		if p.Value > max {
			max = p.Value
		}
	}
	out := make([]float64, len(points))
	if max == min {
		for i := range out {
			out[i] = (driveMin + driveMax) / 2
		}
		return out
	}
	span := max - min
	for i, p := range points {
		out[i] = driveMin + (p.Value-min)/span*(driveMax-driveMin)
	}
	return out
}
