// Package wire implements the datagram codec for every rig channel:
// binary sample frames, comma-separated command/ack/status text, and
// waveform point lists.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"fieldrig/internal/model"
)

// MaxDatagram is the largest payload accepted on sample, command, ack and
// status channels.
const MaxDatagram = 1024

// MaxWaveformDatagram bounds the waveform channel, which carries a full
// point list (up to the node budget) in one datagram.
const MaxWaveformDatagram = 4096

// sampleFrameLen is the fixed binary sample layout: big-endian float64
// value followed by big-endian uint32 sequence number.
const sampleFrameLen = 12

// ErrMalformed marks any payload the codec refuses to decode.
var ErrMalformed = errors.New("malformed message")

// EncodeSample packs a sample into the 12-byte binary frame.
func EncodeSample(s model.Sample) []byte {
	buf := make([]byte, sampleFrameLen)
	binary.BigEndian.PutUint64(buf[0:8], math.Float64bits(s.Value))
	binary.BigEndian.PutUint32(buf[8:12], s.Seq)
	return buf
}

// DecodeSample accepts either the binary frame or a bare ASCII float
// (legacy node firmware sends readings as text; those carry Seq 0).
// A 12-byte payload is always treated as binary, so ASCII senders must
// keep readings shorter than the frame length.
func DecodeSample(b []byte) (model.Sample, error) {
	if len(b) > MaxDatagram {
		return model.Sample{}, fmt.Errorf("%w: sample payload %d bytes exceeds %d", ErrMalformed, len(b), MaxDatagram)
	}
	if len(b) == sampleFrameLen {
		v := math.Float64frombits(binary.BigEndian.Uint64(b[0:8]))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return model.Sample{}, fmt.Errorf("%w: sample value not finite", ErrMalformed)
		}
		return model.Sample{Value: v, Seq: binary.BigEndian.Uint32(b[8:12])}, nil
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		return model.Sample{}, fmt.Errorf("%w: empty sample payload", ErrMalformed)
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return model.Sample{}, fmt.Errorf("%w: sample %q is not a number", ErrMalformed, text)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return model.Sample{}, fmt.Errorf("%w: sample value not finite", ErrMalformed)
	}
	return model.Sample{Value: v}, nil
}

// EncodeCommand renders a command as "verb,corr,arg1,...". Verbs, ids and
// args must be comma-free; the framing has no escape mechanism.
func EncodeCommand(c model.Command) ([]byte, error) {
	if c.Verb == "" || c.Corr == "" {
		return nil, errors.New("command needs a verb and a correlation id")
	}
	fields := make([]string, 0, 2+len(c.Args))
	fields = append(fields, c.Verb, c.Corr)
	fields = append(fields, c.Args...)
	for _, f := range fields {
		if f == "" {
			return nil, errors.New("command field must not be empty")
		}
		if strings.Contains(f, ",") {
			return nil, fmt.Errorf("command field %q contains a comma", f)
		}
	}
	return []byte(strings.Join(fields, ",")), nil
}

// DecodeCommand parses a command line produced by EncodeCommand.
func DecodeCommand(b []byte) (model.Command, error) {
	if len(b) > MaxDatagram {
		return model.Command{}, fmt.Errorf("%w: command payload %d bytes exceeds %d", ErrMalformed, len(b), MaxDatagram)
	}
	fields := strings.Split(strings.TrimSpace(string(b)), ",")
	if len(fields) < 2 {
		return model.Command{}, fmt.Errorf("%w: command needs at least verb and corr, got %d fields", ErrMalformed, len(fields))
	}
	for _, f := range fields {
		if f == "" {
			return model.Command{}, fmt.Errorf("%w: empty command field", ErrMalformed)
		}
	}
	cmd := model.Command{Verb: fields[0], Corr: fields[1]}
	if len(fields) > 2 {
		cmd.Args = append([]string(nil), fields[2:]...)
	}
	return cmd, nil
}

// EncodeAck renders "ACK,corr" or "NACK,corr,reason". A positive ack
// carries no reason.
func EncodeAck(a model.Ack) ([]byte, error) {
	if a.Corr == "" {
		return nil, errors.New("ack needs a correlation id")
	}
	if strings.Contains(a.Corr, ",") {
		return nil, fmt.Errorf("ack corr %q contains a comma", a.Corr)
	}
	if a.OK {
		if a.Reason != "" {
			return nil, errors.New("positive ack must not carry a reason")
		}
		return []byte("ACK," + a.Corr), nil
	}
	if a.Reason == "" {
		return []byte("NACK," + a.Corr), nil
	}
	return []byte("NACK," + a.Corr + "," + a.Reason), nil
}

// DecodeAck parses an ack line. The rejection reason may itself contain
// commas; everything after the corr is the reason.
func DecodeAck(b []byte) (model.Ack, error) {
	if len(b) > MaxDatagram {
		return model.Ack{}, fmt.Errorf("%w: ack payload %d bytes exceeds %d", ErrMalformed, len(b), MaxDatagram)
	}
	fields := strings.Split(strings.TrimSpace(string(b)), ",")
	if len(fields) < 2 || fields[1] == "" {
		return model.Ack{}, fmt.Errorf("%w: ack needs a kind and a corr", ErrMalformed)
	}
	switch fields[0] {
	case "ACK":
		if len(fields) != 2 {
			return model.Ack{}, fmt.Errorf("%w: positive ack carries no extra fields", ErrMalformed)
		}
		return model.Ack{Corr: fields[1], OK: true}, nil
	case "NACK":
		return model.Ack{Corr: fields[1], Reason: strings.Join(fields[2:], ",")}, nil
	default:
		return model.Ack{}, fmt.Errorf("%w: unknown ack kind %q", ErrMalformed, fields[0])
	}
}

// EncodeStatus renders "STATUS,k=v,..." with keys sorted so equal reports
// encode identically. Keys must be comma- and equals-free, values comma-free.
func EncodeStatus(s model.Status) ([]byte, error) {
	keys := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, 1+len(keys))
	parts = append(parts, "STATUS")
	for _, k := range keys {
		v := s.Fields[k]
		if k == "" || strings.ContainsAny(k, ",=") {
			return nil, fmt.Errorf("status key %q not encodable", k)
		}
		if strings.Contains(v, ",") {
			return nil, fmt.Errorf("status value %q contains a comma", v)
		}
		parts = append(parts, k+"="+v)
	}
	return []byte(strings.Join(parts, ",")), nil
}

// EncodeLegacyStatus renders the solenoid firmware's native status line,
// "value,OPEN|CLOSED" with two decimals.
func EncodeLegacyStatus(pressure float64, open bool) ([]byte, error) {
	if !finite(pressure) {
		return nil, errors.New("status pressure not finite")
	}
	word := "CLOSED"
	if open {
		word = "OPEN"
	}
	return []byte(strconv.FormatFloat(pressure, 'f', 2, 64) + "," + word), nil
}

// DecodeStatus parses a status report. Besides the canonical form it
// accepts the legacy solenoid line "value,OPEN|CLOSED" and maps it to
// pressure and valve fields.
func DecodeStatus(b []byte) (model.Status, error) {
	if len(b) > MaxDatagram {
		return model.Status{}, fmt.Errorf("%w: status payload %d bytes exceeds %d", ErrMalformed, len(b), MaxDatagram)
	}
	line := strings.TrimSpace(string(b))
	fields := strings.Split(line, ",")
	if fields[0] == "STATUS" {
		st := model.Status{Fields: make(map[string]string, len(fields)-1)}
		for _, f := range fields[1:] {
			k, v, ok := strings.Cut(f, "=")
			if !ok || k == "" {
				return model.Status{}, fmt.Errorf("%w: status field %q is not k=v", ErrMalformed, f)
			}
			st.Fields[k] = v
		}
		return st, nil
	}
	if len(fields) == 2 && (fields[1] == "OPEN" || fields[1] == "CLOSED") {
		if _, err := strconv.ParseFloat(fields[0], 64); err != nil {
			return model.Status{}, fmt.Errorf("%w: solenoid pressure %q is not a number", ErrMalformed, fields[0])
		}
		return model.Status{Fields: map[string]string{
			"pressure": fields[0],
			"valve":    fields[1],
		}}, nil
	}
	return model.Status{}, fmt.Errorf("%w: unrecognized status line %q", ErrMalformed, line)
}

// EncodeWaveform renders points as space-separated "time:value" tokens.
// Times must be strictly increasing. Floats use the shortest exact form
// so the line decodes back to the same points.
func EncodeWaveform(points []model.WaveformPoint) ([]byte, error) {
	if len(points) == 0 {
		return nil, errors.New("waveform needs at least one point")
	}
	tokens := make([]string, len(points))
	for i, p := range points {
		if i > 0 && p.Time <= points[i-1].Time {
			return nil, fmt.Errorf("waveform times must strictly increase, point %d repeats or goes back", i)
		}
		if !finite(p.Time) || !finite(p.Value) {
			return nil, fmt.Errorf("waveform point %d not finite", i)
		}
		tokens[i] = strconv.FormatFloat(p.Time, 'g', -1, 64) + ":" + strconv.FormatFloat(p.Value, 'g', -1, 64)
	}
	out := []byte(strings.Join(tokens, " "))
	if len(out) > MaxWaveformDatagram {
		return nil, fmt.Errorf("waveform of %d points encodes to %d bytes, over the %d budget", len(points), len(out), MaxWaveformDatagram)
	}
	return out, nil
}

// DecodeWaveform parses a waveform line back into points.
func DecodeWaveform(b []byte) ([]model.WaveformPoint, error) {
	if len(b) > MaxWaveformDatagram {
		return nil, fmt.Errorf("%w: waveform payload %d bytes exceeds %d", ErrMalformed, len(b), MaxWaveformDatagram)
	}
	tokens := strings.Fields(strings.TrimSpace(string(b)))
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty waveform payload", ErrMalformed)
	}
	points := make([]model.WaveformPoint, len(tokens))
	for i, tok := range tokens {
		ts, vs, ok := strings.Cut(tok, ":")
		if !ok {
			return nil, fmt.Errorf("%w: waveform token %q is not time:value", ErrMalformed, tok)
		}
		t, err := strconv.ParseFloat(ts, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: waveform time %q is not a number", ErrMalformed, ts)
		}
		v, err := strconv.ParseFloat(vs, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: waveform value %q is not a number", ErrMalformed, vs)
		}
		if i > 0 && t <= points[i-1].Time {
			return nil, fmt.Errorf("%w: waveform times must strictly increase", ErrMalformed)
		}
		points[i] = model.WaveformPoint{Time: t, Value: v}
	}
	return points, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
