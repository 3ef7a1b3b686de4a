// Package metrics collects Prometheus instrumentation for the rig session.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set holds every collector the session exports. Pass a nil Registerer to
// get working collectors that are not exported anywhere (tests, simulators).
type Set struct {
	DatagramsIn  *prometheus.CounterVec
	DatagramsOut *prometheus.CounterVec
	BytesIn      *prometheus.CounterVec
	BytesOut     *prometheus.CounterVec
	RecvTimeouts *prometheus.CounterVec
	SendErrors   *prometheus.CounterVec
	DecodeErrors *prometheus.CounterVec

	Retransmissions prometheus.Counter
	CommandTimeouts prometheus.Counter
	StaleAcks       prometheus.Counter
	Reconnects      *prometheus.CounterVec
	HealthState     *prometheus.GaugeVec

	BufferDepth   *prometheus.GaugeVec
	CommandsTotal *prometheus.CounterVec

	PIDOutput  prometheus.Gauge
	PIDEngaged prometheus.Gauge
}

// New builds the collector set and registers it when reg is not nil.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		DatagramsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldrig", Subsystem: "channel", Name: "datagrams_in_total",
			Help: "Datagrams received per channel.",
		}, []string{"channel"}),
		DatagramsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldrig", Subsystem: "channel", Name: "datagrams_out_total",
			Help: "Datagrams sent per channel.",
		}, []string{"channel"}),
		BytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldrig", Subsystem: "channel", Name: "bytes_in_total",
			Help: "Payload bytes received per channel.",
		}, []string{"channel"}),
		BytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldrig", Subsystem: "channel", Name: "bytes_out_total",
			Help: "Payload bytes sent per channel.",
		}, []string{"channel"}),
		RecvTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldrig", Subsystem: "channel", Name: "recv_timeouts_total",
			Help: "Receive deadlines that expired with no datagram.",
		}, []string{"channel"}),
		SendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldrig", Subsystem: "channel", Name: "send_errors_total",
			Help: "Datagram send failures per channel.",
		}, []string{"channel"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldrig", Subsystem: "channel", Name: "decode_errors_total",
			Help: "Payloads the codec rejected per channel.",
		}, []string{"channel"}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldrig", Subsystem: "reliable", Name: "retransmissions_total",
			Help: "Command retransmissions after an ack wait expired.",
		}),
		CommandTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldrig", Subsystem: "reliable", Name: "command_timeouts_total",
			Help: "Commands that exhausted every retransmission.",
		}),
		StaleAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldrig", Subsystem: "reliable", Name: "stale_acks_total",
			Help: "Acks that matched no in-flight command.",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldrig", Subsystem: "reliable", Name: "reconnects_total",
			Help: "Endpoint reconnections after a node was declared lost.",
		}, []string{"node"}),
		HealthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fieldrig", Subsystem: "node", Name: "health_state",
			Help: "Node link health: 0 connected, 1 degraded, 2 lost.",
		}, []string{"node"}),
		BufferDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fieldrig", Subsystem: "buffer", Name: "depth",
			Help: "Samples currently held per telemetry stream.",
		}, []string{"stream"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldrig", Subsystem: "command", Name: "total",
			Help: "Commands submitted, labeled by verb and final outcome.",
		}, []string{"verb", "outcome"}),
		PIDOutput: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldrig", Subsystem: "pid", Name: "output",
			Help: "Last drive value the regulator produced.",
		}),
		PIDEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldrig", Subsystem: "pid", Name: "engaged",
			Help: "1 while the regulation loop is engaged.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			s.DatagramsIn, s.DatagramsOut, s.BytesIn, s.BytesOut,
			s.RecvTimeouts, s.SendErrors, s.DecodeErrors,
			s.Retransmissions, s.CommandTimeouts, s.StaleAcks, s.Reconnects,
			s.HealthState, s.BufferDepth, s.CommandsTotal,
			s.PIDOutput, s.PIDEngaged,
		)
	}
	return s
}
