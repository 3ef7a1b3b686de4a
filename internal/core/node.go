// Package core composes the controller side of the rig: per-stream receive
// loops feeding ring buffers, one reliable command path per node, the coil
// current regulation loop and the optional history and monitor surfaces.
package core

import (
	"sync"

	"fieldrig/internal/command"
	"fieldrig/internal/model"
	"fieldrig/internal/reliable"
)

// Telemetry stream names as they appear in buffers, metrics and the
// monitor API. The first three are coil streams a node can be told to
// start and stop; solenoid pressure is derived from the status push.
const (
	StreamCurrent          = "current"
	StreamTemperature      = "temperature"
	StreamPressure         = "pressure"
	StreamSolenoidPressure = "solenoid-pressure"
)

// Node names used for health tracking, history entries and the monitor.
const (
	NodeCoil     = "coil"
	NodeSolenoid = "solenoid"
)

// Node is one rig board as the session sees it: a command target with
// telemetry streams and tracked link health. The session and everything
// above it work against this interface; nothing in the protocol path
// branches on the board type.
type Node interface {
	Name() string
	Streams() []string
	Submit(verb string, args ...string) (*command.Handle, error)
	Status() model.Status
	Health() reliable.State
}

// remoteNode carries the plumbing both boards share: the command conn,
// the link health and the last status report.
type remoteNode struct {
	name    string
	streams []string
	conn    *command.Conn
	health  *reliable.Health

	mu     sync.Mutex
	status model.Status
}

func (n *remoteNode) Name() string { return n.name }

func (n *remoteNode) Streams() []string {
	return append([]string(nil), n.streams...)
}

// Submit queues verb on the node's command conn and returns the async
// handle. Validation failures surface here, before anything hits the wire.
func (n *remoteNode) Submit(verb string, args ...string) (*command.Handle, error) {
	return n.conn.Submit(verb, args...)
}

func (n *remoteNode) Health() reliable.State {
	return n.health.State()
}

// Status returns a copy of the node's last status report. Empty until the
// first report arrives.
func (n *remoteNode) Status() model.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := model.Status{Fields: make(map[string]string, len(n.status.Fields))}
	for k, v := range n.status.Fields {
		cp.Fields[k] = v
	}
	return cp
}

func (n *remoteNode) setStatus(st model.Status) {
	n.mu.Lock()
	n.status = st
	n.mu.Unlock()
}

// CoilNode is the drive coil board: current, temperature and pressure
// streams, waveform replay and the regulation target.
type CoilNode struct {
	remoteNode
}

func newCoilNode(conn *command.Conn, health *reliable.Health) *CoilNode {
	return &CoilNode{remoteNode{
		name:    NodeCoil,
		streams: []string{StreamCurrent, StreamTemperature, StreamPressure},
		conn:    conn,
		health:  health,
	}}
}

// SolenoidNode is the gas valve board: actuation pulses and a pressure
// status push the session derives a stream from.
type SolenoidNode struct {
	remoteNode
}

func newSolenoidNode(conn *command.Conn, health *reliable.Health) *SolenoidNode {
	return &SolenoidNode{remoteNode{
		name:    NodeSolenoid,
		streams: []string{StreamSolenoidPressure},
		conn:    conn,
		health:  health,
	}}
}
