package sigproc

import (
	"fmt"
	"math"
	"sort"

	"fieldrig/internal/model"
)

// Interpolant evaluates a piecewise-linear curve through fixed control
// points. Queries outside the control point range are refused rather than
// extrapolated.
type Interpolant struct {
	points []model.WaveformPoint
}

// NewInterpolant validates and captures the control points: at least two,
// times strictly increasing, everything finite.
func NewInterpolant(points []model.WaveformPoint) (*Interpolant, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 control points, got %d", ErrFilterParams, len(points))
	}
	for i, p := range points {
		if math.IsNaN(p.Time) || math.IsInf(p.Time, 0) || math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return nil, fmt.Errorf("%w: control point %d not finite", ErrFilterParams, i)
		}
		if i > 0 && p.Time <= points[i-1].Time {
			return nil, fmt.Errorf("%w: control point times must strictly increase", ErrFilterParams)
		}
	}
	return &Interpolant{points: append([]model.WaveformPoint(nil), points...)}, nil
}

// Domain returns the first and last control point times.
func (in *Interpolant) Domain() (float64, float64) {
	return in.points[0].Time, in.points[len(in.points)-1].Time
}

// At evaluates the curve at time t. Times outside the control point range
// return ErrOutOfRange.
func (in *Interpolant) At(t float64) (float64, error) {
	first, last := in.Domain()
	if t < first || t > last {
		return 0, fmt.Errorf("%w: t=%g outside [%g,%g]", ErrOutOfRange, t, first, last)
	}
	// first segment whose end time reaches t
	i := sort.Search(len(in.points)-1, func(i int) bool {
		return in.points[i+1].Time >= t
	})
	p0, p1 := in.points[i], in.points[i+1]
	if t == p0.Time {
		return p0.Value, nil
	}
	if t == p1.Time {
		return p1.Value, nil
	}
	frac := (t - p0.Time) / (p1.Time - p0.Time)
	return p0.Value + frac*(p1.Value-p0.Value), nil
}

// Resample evaluates the curve at n evenly spaced times spanning the whole
// domain, both endpoints included.
func (in *Interpolant) Resample(n int) ([]float64, error) {
	if n < 2 {
		return nil, fmt.Errorf("%w: resample needs at least 2 samples, got %d", ErrFilterParams, n)
	}
	first, last := in.Domain()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		t := first + (last-first)*float64(i)/float64(n-1)
		if i == n-1 {
			t = last
		}
		v, err := in.At(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ResamplePoints is Resample keeping the evaluation times, producing a
// densified point list for upload.
func (in *Interpolant) ResamplePoints(n int) ([]model.WaveformPoint, error) {
	if n < 2 {
		return nil, fmt.Errorf("%w: resample needs at least 2 samples, got %d", ErrFilterParams, n)
	}
	first, last := in.Domain()
	out := make([]model.WaveformPoint, n)
	for i := 0; i < n; i++ {
		t := first + (last-first)*float64(i)/float64(n-1)
		if i == n-1 {
			t = last
		}
		v, err := in.At(t)
		if err != nil {
			return nil, err
		}
		out[i] = model.WaveformPoint{Time: t, Value: v}
	}
	return out, nil
}
