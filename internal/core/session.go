package core

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"fieldrig/internal/buffer"
	"fieldrig/internal/channel"
	"fieldrig/internal/command"
	"fieldrig/internal/history"
	"fieldrig/internal/metrics"
	"fieldrig/internal/model"
	"fieldrig/internal/monitor"
	"fieldrig/internal/pid"
	"fieldrig/internal/reliable"
	"fieldrig/internal/sigproc"
	"fieldrig/internal/util"
	"fieldrig/internal/wire"
)

// ErrNotStarted reports an operation that needs a running session.
var ErrNotStarted = errors.New("session not started")

const (
	// stopJoinTimeout bounds Stop's wait for the receive loops.
	stopJoinTimeout = 2 * time.Second
	// sourceStaleAfter is how old the newest current sample may be before
	// the regulator is told no measurement is available.
	sourceStaleAfter = time.Second
)

// Option adjusts session construction.
type Option func(*Session)

// WithRecorder subscribes r to every sample the session buffers.
func WithRecorder(r model.Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithRegistry registers the session's collectors on reg instead of a
// private registry. The monitor's /metrics serves whichever registry the
// session ended up with.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Session) { s.reg = reg }
}

// Session composes the controller side of the rig: one ring per telemetry
// stream, a reliable command path per node, the coil current regulator and
// the optional history store and monitor server.
type Session struct {
	cfg *model.Config
	mx  *metrics.Set
	reg *prometheus.Registry

	recorder model.Recorder

	rings map[string]*buffer.Ring[model.Sample]

	coilHealth *reliable.Health
	solHealth  *reliable.Health

	ctrl      *pid.Controller
	regulator *pid.Regulator

	coil *CoilNode
	sol  *SolenoidNode

	// solSeq synthesizes sequence numbers for the derived solenoid
	// pressure stream; only the status loop touches it.
	solSeq uint32

	mu        sync.Mutex
	started   bool
	stopped   bool
	streamEPs map[string]*channel.Endpoint
	statusEP  *channel.Endpoint
	wfEP      *channel.Endpoint
	cmdEPs    []*channel.Endpoint
	coilSup   *reliable.Supervisor
	solSup    *reliable.Supervisor
	hist      *history.Store
	mon       *monitor.Server

	stop   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession wires the full controller side from cfg. Nothing is opened
// until Start; a nil cfg gets the bench defaults.
func NewSession(cfg *model.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = model.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "session config")
	}
	s := &Session{
		cfg:   cfg,
		rings: make(map[string]*buffer.Ring[model.Sample], 4),
		stop:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.reg == nil {
		s.reg = prometheus.NewRegistry()
	}
	s.mx = metrics.New(s.reg)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, name := range []string{StreamCurrent, StreamTemperature, StreamPressure, StreamSolenoidPressure} {
		r, err := buffer.NewRing[model.Sample](cfg.BufferSize)
		if err != nil {
			return nil, errors.Wrapf(err, "%s ring", name)
		}
		s.rings[name] = r
	}

	ctrl, err := pid.NewController(pid.Config{
		Gains:         pid.Gains{Kp: cfg.PID.Kp, Ki: cfg.PID.Ki, Kd: cfg.PID.Kd},
		Setpoint:      cfg.PID.Setpoint,
		OutMin:        cfg.PID.OutMin,
		OutMax:        cfg.PID.OutMax,
		IntegralLimit: cfg.PID.IntegralLimit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "regulator controller")
	}
	s.ctrl = ctrl
	s.regulator = pid.NewRegulator(ctrl, time.Duration(cfg.PID.PeriodMs)*time.Millisecond,
		s.measureCurrent, s.writeDrive, s.mx)

	s.coilHealth = reliable.NewHealth(NodeCoil, cfg.Reliability.LostThreshold, s.mx)
	s.solHealth = reliable.NewHealth(NodeSolenoid, cfg.Reliability.LostThreshold, s.mx)
	for _, h := range []*reliable.Health{s.coilHealth, s.solHealth} {
		node := h.Node()
		h.AddChangeHook(func(from, to reliable.State) {
			if m := s.monitorServer(); m != nil {
				m.PublishHealth(node, to)
			}
		})
	}

	s.coil = newCoilNode(command.NewConn(NodeCoil, s.sendCoil, s.logOutcome(NodeCoil), s.mx), s.coilHealth)
	s.sol = newSolenoidNode(command.NewConn(NodeSolenoid, s.sendSolenoid, s.logOutcome(NodeSolenoid), s.mx), s.solHealth)
	return s, nil
}

// Start opens every channel, wires the supervisors and launches the
// receive loops plus the optional history store and monitor. Partial
// failure closes whatever opened and returns the error. Starting twice is
// a no-op; a stopped session cannot be restarted.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.stopped {
		return errors.New("session is stopped")
	}
	cfg := s.cfg

	var opened []*channel.Endpoint
	open := func(name, bind, peer string, capBytes int) (*channel.Endpoint, error) {
		ep, err := channel.Open(channel.Config{Name: name, Bind: bind, Peer: peer, Cap: capBytes}, s.mx)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s channel", name)
		}
		opened = append(opened, ep)
		return ep, nil
	}
	fail := func(err error) error {
		for _, ep := range opened {
			ep.Close()
		}
		return err
	}
	listen := func(port int) string { return fmt.Sprintf("%s:%d", cfg.ListenHost, port) }

	s.streamEPs = make(map[string]*channel.Endpoint, 3)
	for _, c := range []struct {
		name string
		port int
	}{
		{StreamCurrent, cfg.Channels.Current},
		{StreamTemperature, cfg.Channels.Temperature},
		{StreamPressure, cfg.Channels.Pressure},
	} {
		ep, err := open(c.name, listen(c.port), "", 0)
		if err != nil {
			return fail(err)
		}
		s.streamEPs[c.name] = ep
	}
	var err error
	if s.statusEP, err = open("solenoid-status", listen(cfg.Channels.SolenoidStatus), "", 0); err != nil {
		return fail(err)
	}
	if s.wfEP, err = open("waveform", "", fmt.Sprintf("%s:%d", cfg.CoilHost, cfg.Channels.Waveform), wire.MaxWaveformDatagram); err != nil {
		return fail(err)
	}
	coilCmd, err := open("coil-command", "", fmt.Sprintf("%s:%d", cfg.CoilHost, cfg.Channels.Command), 0)
	if err != nil {
		return fail(err)
	}
	solCmd, err := open("solenoid-command", "", fmt.Sprintf("%s:%d", cfg.SolenoidHost, cfg.Channels.SolenoidCommand), 0)
	if err != nil {
		return fail(err)
	}
	s.cmdEPs = []*channel.Endpoint{coilCmd, solCmd}

	rcfg := reliable.Config{
		Timeout:     time.Duration(cfg.Reliability.TimeoutMs) * time.Millisecond,
		MaxRetries:  cfg.Reliability.MaxRetries,
		BackoffBase: time.Duration(cfg.Reliability.BackoffBaseMs) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.Reliability.BackoffCapMs) * time.Millisecond,
	}
	s.coilSup = reliable.NewSupervisor(NodeCoil, coilCmd, rcfg, s.coilHealth, s.mx)
	s.coilSup.SetStatusSink(s.coil.setStatus)
	s.solSup = reliable.NewSupervisor(NodeSolenoid, solCmd, rcfg, s.solHealth, s.mx)
	s.solSup.SetStatusSink(s.sol.setStatus)

	if cfg.History.Path != "" {
		h, err := history.Open(cfg.History.Path)
		if err != nil {
			return fail(errors.Wrap(err, "command history"))
		}
		s.hist = h
	}
	if cfg.Monitor.Addr != "" {
		m := monitor.NewServer(monitor.Config{
			Addr:     cfg.Monitor.Addr,
			Latest:   s.latest,
			Recent:   s.recentHistory,
			Gatherer: s.reg,
		})
		if err := m.Start(); err != nil {
			if s.hist != nil {
				s.hist.Close()
				s.hist = nil
			}
			return fail(errors.Wrap(err, "monitor"))
		}
		s.mon = m
	}

	for name, ep := range s.streamEPs {
		s.wg.Add(1)
		go s.sampleLoop(name, ep, s.coilHealth)
	}
	s.wg.Add(1)
	go s.solenoidStatusLoop()

	s.started = true
	util.Info("session started: coil at %s, solenoid at %s", cfg.CoilHost, cfg.SolenoidHost)
	return nil
}

// Stop shuts the session down: loops are signaled, the regulator
// disengages, channels close and goroutines are joined with a bounded
// wait. Safe to call more than once and before Start.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	wasStarted := s.started
	eps := s.endpointsLocked()
	mon, hist := s.mon, s.hist
	s.mu.Unlock()

	close(s.stop)
	s.cancel()
	// Closing the sockets first aborts any in-flight send or ack wait, so
	// the regulator and conn workers wind down fast.
	for _, ep := range eps {
		ep.Close()
	}
	s.regulator.Disengage()
	s.coil.conn.Stop()
	s.sol.conn.Stop()

	if wasStarted {
		joined := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(joined)
		}()
		select {
		case <-joined:
		case <-time.After(stopJoinTimeout):
			util.Warn("abandoning receive loops still running after %s", stopJoinTimeout)
		}
	}
	if mon != nil {
		mon.Stop()
	}
	if hist != nil {
		hist.Close()
	}
	if wasStarted {
		util.Info("session stopped")
	}
}

func (s *Session) endpointsLocked() []*channel.Endpoint {
	var eps []*channel.Endpoint
	for _, ep := range s.streamEPs {
		eps = append(eps, ep)
	}
	for _, ep := range []*channel.Endpoint{s.statusEP, s.wfEP} {
		if ep != nil {
			eps = append(eps, ep)
		}
	}
	return append(eps, s.cmdEPs...)
}

// sampleLoop drains one telemetry channel into its ring. Malformed
// datagrams are dropped with a warning; the channel stays up.
func (s *Session) sampleLoop(stream string, ep *channel.Endpoint, h *reliable.Health) {
	defer s.wg.Done()
	timeout := time.Duration(s.cfg.SocketTimeoutMs) * time.Millisecond
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		b, _, err := ep.Receive(timeout)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) {
				return
			}
			if !errors.Is(err, channel.ErrTimeout) {
				util.Warn("%s receive: %v", stream, err)
			}
			continue
		}
		smp, err := wire.DecodeSample(b)
		if err != nil {
			s.mx.DecodeErrors.WithLabelValues(stream).Inc()
			util.Warn("%s: dropping malformed sample: %v", stream, err)
			continue
		}
		smp.At = time.Now()
		s.ingest(stream, smp, h)
	}
}

// solenoidStatusLoop drains the valve's status channel. Every report
// updates the node status and yields one derived pressure sample; the
// sequence number is synthesized because the status line carries none.
func (s *Session) solenoidStatusLoop() {
	defer s.wg.Done()
	timeout := time.Duration(s.cfg.SocketTimeoutMs) * time.Millisecond
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		b, _, err := s.statusEP.Receive(timeout)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) {
				return
			}
			if !errors.Is(err, channel.ErrTimeout) {
				util.Warn("solenoid-status receive: %v", err)
			}
			continue
		}
		st, err := wire.DecodeStatus(b)
		if err != nil {
			s.mx.DecodeErrors.WithLabelValues("solenoid-status").Inc()
			util.Warn("solenoid-status: dropping malformed report: %v", err)
			continue
		}
		s.sol.setStatus(st)
		if p, perr := strconv.ParseFloat(st.Fields["pressure"], 64); perr == nil {
			s.solSeq++
			s.ingest(StreamSolenoidPressure, model.Sample{Value: p, Seq: s.solSeq, At: time.Now()}, s.solHealth)
		} else {
			s.solHealth.Seen()
		}
	}
}

// ingest buffers one sample and fans it out to the recorder, the monitor
// and the node's health tracker.
func (s *Session) ingest(stream string, smp model.Sample, h *reliable.Health) {
	ring := s.rings[stream]
	ring.Push(smp)
	s.mx.BufferDepth.WithLabelValues(stream).Set(float64(ring.Len()))
	if s.recorder != nil {
		s.recorder.Record(stream, smp)
	}
	if m := s.monitorServer(); m != nil {
		m.PublishSample(stream, smp)
	}
	h.Seen()
}

// measureCurrent feeds the regulator: the newest coil current reading,
// smoothed over the filter window once enough samples are in. Stale or
// missing data reports no measurement so the loop holds its output.
func (s *Session) measureCurrent() (float64, bool) {
	snap := s.rings[StreamCurrent].Snapshot()
	if len(snap) == 0 {
		return 0, false
	}
	last := snap[len(snap)-1]
	if time.Since(last.At) > sourceStaleAfter {
		return 0, false
	}
	w := s.cfg.Filter.Window
	if len(snap) >= w {
		tail := make([]float64, w)
		for i, smp := range snap[len(snap)-w:] {
			tail[i] = smp.Value
		}
		if smoothed, err := sigproc.Smooth(tail, w, s.cfg.Filter.Order); err == nil {
			return smoothed[len(smoothed)-1], true
		}
	}
	return last.Value, true
}

// writeDrive hands the regulator output to the coil as a drive parameter
// update. It rides the reliable command path so drive writes serialize
// with operator commands, but it bypasses the conn queue: per-tick writes
// need no handle, no history entry and no queue slot.
func (s *Session) writeDrive(out float64) error {
	return s.sendCoil(s.ctx, model.Command{
		Verb: command.VerbSetParameter,
		Corr: "drive-" + uuid.NewString()[:8],
		Args: []string{"drive", strconv.FormatFloat(out, 'f', 3, 64)},
	})
}

// sendCoil is the coil conn's transmit function; it fails fast when the
// session is not running.
func (s *Session) sendCoil(ctx context.Context, cmd model.Command) error {
	sup := s.coilSupervisor()
	if sup == nil {
		return ErrNotStarted
	}
	return sup.SendCommand(ctx, cmd)
}

func (s *Session) sendSolenoid(ctx context.Context, cmd model.Command) error {
	sup := s.solSupervisor()
	if sup == nil {
		return ErrNotStarted
	}
	return sup.SendCommand(ctx, cmd)
}

// logOutcome builds the conn resolution hook for one node: every command
// lands in the history store with its final outcome.
func (s *Session) logOutcome(node string) func(*command.Handle) {
	return func(h *command.Handle) {
		st := s.historyStore()
		if st == nil {
			return
		}
		e := history.Entry{
			Node:    node,
			Verb:    h.Verb(),
			Args:    h.Args(),
			Corr:    h.Corr(),
			Outcome: outcomeOf(h),
		}
		if err := st.Append(e); err != nil {
			util.Error("history append: %v", err)
		}
	}
}

func outcomeOf(h *command.Handle) string {
	switch h.State() {
	case command.Acked:
		return "acked"
	case command.Nacked:
		return "nacked: " + h.Err().Error()
	default:
		if errors.Is(h.Err(), reliable.ErrCommandTimeout) {
			return "timeout"
		}
		return "failed: " + h.Err().Error()
	}
}

// ManualActuate pulses a node's actuator for d: the coil drives at its
// current limit, the solenoid opens its valve. Refused for the coil while
// the regulation loop owns the drive; disengage first.
func (s *Session) ManualActuate(node string, d time.Duration) (*command.Handle, error) {
	if node == NodeCoil && s.regulator.Engaged() {
		return nil, pid.ErrRegulating
	}
	n, err := s.node(node)
	if err != nil {
		return nil, err
	}
	return n.Submit(command.VerbManualActuate, strconv.Itoa(int(d/time.Millisecond)))
}

// QueryStatus asks a node for an immediate status report. The reply lands
// in the node's Status snapshot when it arrives.
func (s *Session) QueryStatus(node string) (*command.Handle, error) {
	n, err := s.node(node)
	if err != nil {
		return nil, err
	}
	return n.Submit(command.VerbQueryStatus)
}

// SetParameter updates a named coil parameter. Regulation gains and the
// setpoint also retune the local controller so a running loop follows.
// The drive level belongs to the regulator while it is engaged.
func (s *Session) SetParameter(name, value string) (*command.Handle, error) {
	if name == "drive" && s.regulator.Engaged() {
		return nil, pid.ErrRegulating
	}
	if err := command.Validate(command.VerbSetParameter, []string{name, value}); err != nil {
		return nil, err
	}
	v, _ := strconv.ParseFloat(value, 64)
	if err := s.applyLocal(name, v); err != nil {
		return nil, err
	}
	return s.coil.Submit(command.VerbSetParameter, name, value)
}

func (s *Session) applyLocal(name string, v float64) error {
	switch name {
	case "setpoint":
		return s.ctrl.SetSetpoint(v)
	case "kp", "ki", "kd":
		g := s.ctrl.Snapshot().Gains
		switch name {
		case "kp":
			g.Kp = v
		case "ki":
			g.Ki = v
		default:
			g.Kd = v
		}
		return s.ctrl.SetGains(g)
	}
	return nil
}

// LoadWaveform uploads a drive waveform to the coil: the points go out on
// the waveform channel, then the load command names the count so the node
// can verify it staged every point. Uploads beyond the node budget are
// resampled down first.
func (s *Session) LoadWaveform(points []model.WaveformPoint) (*command.Handle, error) {
	pts := points
	if len(points) > s.cfg.Waveform.Points {
		in, err := sigproc.NewInterpolant(points)
		if err != nil {
			return nil, err
		}
		if pts, err = in.ResamplePoints(s.cfg.Waveform.Points); err != nil {
			return nil, err
		}
	}
	payload, err := wire.EncodeWaveform(pts)
	if err != nil {
		return nil, err
	}
	ep := s.waveformEndpoint()
	if ep == nil {
		return nil, ErrNotStarted
	}
	if err := ep.Send(payload); err != nil {
		return nil, errors.Wrap(err, "waveform upload")
	}
	return s.coil.Submit(command.VerbLoadWaveform, strconv.Itoa(len(pts)))
}

// StartStream tells the coil to begin emitting the named stream.
func (s *Session) StartStream(name string) (*command.Handle, error) {
	return s.coil.Submit(command.VerbStartStream, name)
}

// StopStream tells the coil to stop the named stream.
func (s *Session) StopStream(name string) (*command.Handle, error) {
	return s.coil.Submit(command.VerbStopStream, name)
}

// Engage starts closed-loop current regulation. While engaged the manual
// drive surface is locked out. Serialized with Stop on the session lock:
// a stopped session never has a running loop.
func (s *Session) Engage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return ErrNotStarted
	}
	s.regulator.Engage()
	return nil
}

// Disengage stops the regulation loop. No-op when not engaged.
func (s *Session) Disengage() {
	s.regulator.Disengage()
}

// Engaged reports whether the regulation loop is running.
func (s *Session) Engaged() bool { return s.regulator.Engaged() }

// RegulatorState snapshots the controller for display.
func (s *Session) RegulatorState() pid.State { return s.regulator.Snapshot() }

// Latest returns the newest sample of a stream.
func (s *Session) Latest(stream string) (model.Sample, bool) {
	r, ok := s.rings[stream]
	if !ok {
		return model.Sample{}, false
	}
	return r.Latest()
}

// Snapshot copies a stream's buffered samples, oldest first.
func (s *Session) Snapshot(stream string) []model.Sample {
	r, ok := s.rings[stream]
	if !ok {
		return nil
	}
	return r.Snapshot()
}

// Current returns the newest coil current sample.
func (s *Session) Current() (model.Sample, bool) { return s.Latest(StreamCurrent) }

// Temperature returns the newest coil temperature sample.
func (s *Session) Temperature() (model.Sample, bool) { return s.Latest(StreamTemperature) }

// Pressure returns the newest coil pressure sample.
func (s *Session) Pressure() (model.Sample, bool) { return s.Latest(StreamPressure) }

// SolenoidStatus returns the valve's last status report.
func (s *Session) SolenoidStatus() model.Status { return s.sol.Status() }

// Nodes lists both boards behind their capability interface.
func (s *Session) Nodes() []Node { return []Node{s.coil, s.sol} }

// Health reports every node's link state.
func (s *Session) Health() map[string]reliable.State {
	return map[string]reliable.State{
		NodeCoil:     s.coilHealth.State(),
		NodeSolenoid: s.solHealth.State(),
	}
}

func (s *Session) node(name string) (Node, error) {
	switch name {
	case NodeCoil:
		return s.coil, nil
	case NodeSolenoid:
		return s.sol, nil
	}
	return nil, errors.Errorf("unknown node %q", name)
}

type nodeView struct {
	Health  string            `json:"health"`
	Streams []string          `json:"streams"`
	Status  map[string]string `json:"status,omitempty"`
}

type regulatorView struct {
	Engaged bool      `json:"engaged"`
	State   pid.State `json:"state"`
}

type liveView struct {
	Streams   map[string]model.Sample `json:"streams"`
	Nodes     map[string]nodeView     `json:"nodes"`
	Regulator regulatorView           `json:"regulator"`
}

// latest assembles the /api/latest document.
func (s *Session) latest() any {
	v := liveView{
		Streams: make(map[string]model.Sample, len(s.rings)),
		Nodes:   make(map[string]nodeView, 2),
		Regulator: regulatorView{
			Engaged: s.regulator.Engaged(),
			State:   s.regulator.Snapshot(),
		},
	}
	for name, r := range s.rings {
		if smp, ok := r.Latest(); ok {
			v.Streams[name] = smp
		}
	}
	for _, n := range s.Nodes() {
		v.Nodes[n.Name()] = nodeView{
			Health:  n.Health().String(),
			Streams: n.Streams(),
			Status:  n.Status().Fields,
		}
	}
	return v
}

// MonitorAddr returns the monitor's bound address, empty when disabled
// or not started.
func (s *Session) MonitorAddr() string {
	if m := s.monitorServer(); m != nil {
		return m.Addr()
	}
	return ""
}

func (s *Session) recentHistory(n int) ([]history.Entry, error) {
	st := s.historyStore()
	if st == nil {
		return nil, nil
	}
	return st.Recent(n)
}

func (s *Session) monitorServer() *monitor.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mon
}

func (s *Session) historyStore() *history.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist
}

func (s *Session) coilSupervisor() *reliable.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coilSup
}

func (s *Session) solSupervisor() *reliable.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.solSup
}

func (s *Session) waveformEndpoint() *channel.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wfEP
}
