package command

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateAccepts(t *testing.T) {
	cases := []struct {
		verb string
		args []string
	}{
		{VerbManualActuate, []string{"3000"}},
		{VerbManualActuate, []string{"1"}},
		{VerbQueryStatus, nil},
		{VerbSetParameter, []string{"setpoint", "42.5"}},
		{VerbSetParameter, []string{"drive", "67.125"}},
		{VerbSetParameter, []string{"current-limit", "0"}},
		{VerbSetParameter, []string{"current-limit", "100"}},
		{VerbSetParameter, []string{"kp", "0.8"}},
		{VerbLoadWaveform, []string{"2"}},
		{VerbLoadWaveform, []string{"100"}},
		{VerbStartStream, []string{"current"}},
		{VerbStartStream, []string{"temperature"}},
		{VerbStopStream, []string{"pressure"}},
	}
	for _, c := range cases {
		require.NoError(t, Validate(c.verb, c.args), "%s %v", c.verb, c.args)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		verb string
		args []string
	}{
		{"negative duration", VerbManualActuate, []string{"-5"}},
		{"non-numeric duration", VerbManualActuate, []string{"abc"}},
		{"zero duration", VerbManualActuate, []string{"0"}},
		{"missing duration", VerbManualActuate, nil},
		{"extra args", VerbQueryStatus, []string{"x"}},
		{"unknown parameter", VerbSetParameter, []string{"voltage", "5"}},
		{"setpoint above range", VerbSetParameter, []string{"setpoint", "100.1"}},
		{"setpoint below range", VerbSetParameter, []string{"setpoint", "-1"}},
		{"non-numeric value", VerbSetParameter, []string{"kp", "fast"}},
		{"nan value", VerbSetParameter, []string{"ki", "NaN"}},
		{"single point waveform", VerbLoadWaveform, []string{"1"}},
		{"non-numeric count", VerbLoadWaveform, []string{"many"}},
		{"unknown stream", VerbStartStream, []string{"voltage"}},
		{"missing stream", VerbStopStream, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.ErrorIs(t, Validate(c.verb, c.args), ErrBadArgs)
		})
	}
}

func TestValidateUnknownVerb(t *testing.T) {
	require.ErrorIs(t, Validate("self-destruct", nil), ErrUnknownVerb)
}
