package node

import (
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"fieldrig/internal/channel"
	"fieldrig/internal/command"
	"fieldrig/internal/device"
	"fieldrig/internal/model"
	"fieldrig/internal/util"
	"fieldrig/internal/wire"
)

// Simulated pressure band when no transducer is attached.
const (
	simPressureMin  = 80.0
	simPressureMax  = 120.0
	simPressureStep = 4.0
)

// SolenoidConfig addresses the agent and optionally attaches real hardware.
// With a nil Bridge the pressure random-walks inside the simulation band.
type SolenoidConfig struct {
	CommandBind    string // e.g. ":2390"
	StatusPeer     string // controller's status port, e.g. "127.0.0.1:2391"
	StatusInterval time.Duration
	ReadTimeout    time.Duration
	Bridge         *device.SensorBridge
}

func (c *SolenoidConfig) applyDefaults() {
	if c.StatusInterval <= 0 {
		c.StatusInterval = time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Second
	}
}

// SolenoidAgent drives the gas valve: it executes actuation commands and
// pushes "value,OPEN|CLOSED" status lines at a fixed cadence.
type SolenoidAgent struct {
	cfg      SolenoidConfig
	registry *command.Registry

	cmdEP  *channel.Endpoint
	statEP *channel.Endpoint

	mu         sync.Mutex
	valveOpen  bool
	pressure   float64
	closeTimer *time.Timer

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSolenoidAgent builds the agent and its dispatch table.
func NewSolenoidAgent(cfg SolenoidConfig) *SolenoidAgent {
	cfg.applyDefaults()
	a := &SolenoidAgent{
		cfg:      cfg,
		pressure: (simPressureMin + simPressureMax) / 2,
		stop:     make(chan struct{}),
	}
	r := command.NewRegistry()
	r.Handle(command.VerbManualActuate, a.handleActuate)
	r.Handle(command.VerbQueryStatus, a.handleQueryStatus)
	a.registry = r
	return a
}

// Start opens the sockets and launches the command and status loops.
func (a *SolenoidAgent) Start() error {
	cmdEP, err := channel.Open(channel.Config{Name: "solenoid-cmd", Bind: a.cfg.CommandBind}, nil)
	if err != nil {
		return errors.Wrap(err, "solenoid agent open command endpoint")
	}
	statEP, err := channel.Open(channel.Config{Name: "solenoid-status", Peer: a.cfg.StatusPeer}, nil)
	if err != nil {
		_ = cmdEP.Close()
		return errors.Wrap(err, "solenoid agent open status endpoint")
	}
	a.cmdEP, a.statEP = cmdEP, statEP

	a.wg.Add(2)
	go a.commandLoop()
	go a.statusLoop()
	util.Info("solenoid agent up: commands on %s", a.cmdEP.LocalAddr())
	return nil
}

// Stop closes the valve, the sockets and waits for the loops.
func (a *SolenoidAgent) Stop() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	a.mu.Lock()
	if a.closeTimer != nil {
		a.closeTimer.Stop()
		a.closeTimer = nil
	}
	a.mu.Unlock()
	// Never leave gas flowing on shutdown.
	a.setValve(false)
	if a.cmdEP != nil {
		_ = a.cmdEP.Close()
	}
	if a.statEP != nil {
		_ = a.statEP.Close()
	}
	a.wg.Wait()
	if a.cfg.Bridge != nil {
		_ = a.cfg.Bridge.Close()
	}
}

// CommandAddr returns the bound command address, useful with port 0.
func (a *SolenoidAgent) CommandAddr() string { return a.cmdEP.LocalAddr().String() }

func (a *SolenoidAgent) commandLoop() {
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
			util.Warn("solenoid agent receive command: %v", err)
			continue
		}
		a.registry.Dispatch(payload, func(ack model.Ack) error {
			b, err := wire.EncodeAck(ack)
			if err != nil {
				return err
			}
			return a.cmdEP.SendTo(from, b)
		})
	}
}

func (a *SolenoidAgent) statusLoop() {
	defer a.wg.Done()
	tick := time.NewTicker(a.cfg.StatusInterval)
	defer tick.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-tick.C:
			a.pushStatus()
		}
	}
}

// pushStatus samples the pressure and sends one firmware-format status line.
func (a *SolenoidAgent) pushStatus() {
	p := a.samplePressure()
	a.mu.Lock()
	open := a.valveOpen
	a.mu.Unlock()

	line, err := wire.EncodeLegacyStatus(p, open)
	if err != nil {
		util.Error("solenoid agent encode status: %v", err)
		return
	}
	if err := a.statEP.Send(line); err != nil && !errors.Is(err, channel.ErrClosed) {
		util.Debug("solenoid agent send status: %v", err)
	}
}

// samplePressure reads the transducer when bridged, otherwise random-walks
// inside the simulation band. Hardware read failures hold the last value.
func (a *SolenoidAgent) samplePressure() float64 {
	if a.cfg.Bridge != nil {
		v, err := a.cfg.Bridge.ReadPressure(a.cfg.ReadTimeout)
		if err != nil {
			util.Debug("solenoid agent pressure read: %v", err)
			a.mu.Lock()
			defer a.mu.Unlock()
			return a.pressure
		}
		a.mu.Lock()
		a.pressure = v
		a.mu.Unlock()
		return v
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pressure += (rand.Float64() - 0.5) * simPressureStep
	if a.pressure < simPressureMin {
		a.pressure = simPressureMin
	}
	if a.pressure > simPressureMax {
		a.pressure = simPressureMax
	}
	return a.pressure
}

// handleActuate opens the valve for the commanded duration. A pulse that
// lands while one is running restarts the close timer.
func (a *SolenoidAgent) handleActuate(cmd model.Command) error {
	ms, err := strconv.Atoi(cmd.Args[0])
	if err != nil {
		return errors.Wrap(err, "parse duration")
	}
	d := time.Duration(ms) * time.Millisecond

	if err := a.setValve(true); err != nil {
		return err
	}
	a.mu.Lock()
	if a.closeTimer != nil {
		a.closeTimer.Stop()
	}
	a.closeTimer = time.AfterFunc(d, func() {
		if err := a.setValve(false); err != nil {
			util.Error("solenoid agent close valve: %v", err)
		}
	})
	a.mu.Unlock()
	util.Info("solenoid agent valve open for %s", d)
	return nil
}

// handleQueryStatus pushes a status line immediately; the ack follows on
// the command channel.
func (a *SolenoidAgent) handleQueryStatus(cmd model.Command) error {
	a.pushStatus()
	return nil
}

func (a *SolenoidAgent) setValve(open bool) error {
	if a.cfg.Bridge != nil {
		if err := a.cfg.Bridge.SetValve(open); err != nil {
			return errors.Wrap(err, "drive valve")
		}
	}
	a.mu.Lock()
	a.valveOpen = open
	a.mu.Unlock()
	return nil
}

// Valve reports the current valve state.
func (a *SolenoidAgent) Valve() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.valveOpen
}
