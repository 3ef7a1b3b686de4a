// Package model defines shared message structures and configuration for fieldrig.
package model

import "time"

// Sample is one telemetry reading from a node stream. At is not part of the
// wire format; the session stamps it when the datagram arrives.
type Sample struct {
	Value float64   `json:"value"`
	Seq   uint32    `json:"seq"`
	At    time.Time `json:"at,omitempty"`
}

// Command is a control instruction sent to a node. Corr correlates the
// eventual Ack back to the issuing call.
type Command struct {
	Verb string   `json:"verb"`
	Corr string   `json:"corr"`
	Args []string `json:"args,omitempty"`
}

// Ack is a node's reply to a Command. OK false carries the rejection reason.
type Ack struct {
	Corr   string `json:"corr"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Status is a key/value report of a node's current state.
type Status struct {
	Fields map[string]string `json:"fields"`
}

// WaveformPoint is one point of a drive waveform (time in ms, value in amps).
type WaveformPoint struct {
	Time  float64 `json:"t"`
	Value float64 `json:"v"`
}

// Recorder receives every sample the session buffers. Implementations live
// outside this module (archival, export); the session only calls Record.
type Recorder interface {
	Record(stream string, s Sample)
}
