// Package sigproc implements the telemetry conditioning math: local
// polynomial (Savitzky-Golay) smoothing and piecewise-linear waveform
// interpolation. Everything here is pure; no I/O, no shared state.
package sigproc

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrFilterParams marks smoothing or interpolation parameters the math
	// cannot run with.
	ErrFilterParams = errors.New("invalid filter parameters")
	// ErrOutOfRange marks an interpolation query outside the fitted domain.
	ErrOutOfRange = errors.New("query outside interpolation range")
)

// Smooth runs a local least-squares polynomial fit of the given order over
// a sliding window and returns the fitted center values. The window must be
// odd, larger than the order and no longer than the series. Edge points are
// taken from the first and last full window's fit, so the output has the
// same length as the input. The input slice is not modified.
func Smooth(values []float64, window, order int) ([]float64, error) {
	if order < 0 || window < 1 || window%2 == 0 || window <= order || window > len(values) {
		return nil, fmt.Errorf("%w: window %d, order %d, %d values", ErrFilterParams, window, order, len(values))
	}
	n := len(values)
	h := window / 2
	out := make([]float64, n)

	centered := make([]float64, window)
	indexed := make([]float64, window)
	for i := 0; i < window; i++ {
		centered[i] = float64(i - h)
		indexed[i] = float64(i)
	}

	head, err := polyfit(indexed, values[:window], order)
	if err != nil {
		return nil, err
	}
	for i := 0; i < h; i++ {
		out[i] = polyval(head, float64(i))
	}

	for i := h; i < n-h; i++ {
		coef, err := polyfit(centered, values[i-h:i+h+1], order)
		if err != nil {
			return nil, err
		}
		// the fit is evaluated at offset 0, which is the constant term
		out[i] = coef[0]
	}

	tail, err := polyfit(indexed, values[n-window:], order)
	if err != nil {
		return nil, err
	}
	for i := n - h; i < n; i++ {
		out[i] = polyval(tail, float64(i-(n-window)))
	}
	return out, nil
}

// polyfit solves the least-squares polynomial of the given order through
// (xs, ys) via the normal equations.
func polyfit(xs, ys []float64, order int) ([]float64, error) {
	m := order + 1
	powSums := make([]float64, 2*order+1)
	for _, x := range xs {
		p := 1.0
		for k := range powSums {
			powSums[k] += p
			p *= x
		}
	}
	rhs := make([]float64, m)
	for i, x := range xs {
		p := 1.0
		for k := 0; k < m; k++ {
			rhs[k] += ys[i] * p
			p *= x
		}
	}
	mat := make([][]float64, m)
	for r := 0; r < m; r++ {
		mat[r] = make([]float64, m)
		for c := 0; c < m; c++ {
			mat[r][c] = powSums[r+c]
		}
	}
	return solve(mat, rhs)
}

// solve runs Gaussian elimination with partial pivoting on mat·x = rhs.
// Both arguments are consumed.
func solve(mat [][]float64, rhs []float64) ([]float64, error) {
	n := len(rhs)
	for col := 0; col < n; col++ {
		piv := col
		for r := col + 1; r < n; r++ {
			if math.Abs(mat[r][col]) > math.Abs(mat[piv][col]) {
				piv = r
			}
		}
		if math.Abs(mat[piv][col]) < 1e-12 {
			return nil, fmt.Errorf("%w: singular fit matrix", ErrFilterParams)
		}
		mat[col], mat[piv] = mat[piv], mat[col]
		rhs[col], rhs[piv] = rhs[piv], rhs[col]
		for r := col + 1; r < n; r++ {
			f := mat[r][col] / mat[col][col]
			for c := col; c < n; c++ {
				mat[r][c] -= f * mat[col][c]
			}
			rhs[r] -= f * rhs[col]
		}
	}
	out := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		s := rhs[r]
		for c := r + 1; c < n; c++ {
			s -= mat[r][c] * out[c]
		}
		out[r] = s / mat[r][r]
	}
	return out, nil
}

func polyval(coef []float64, x float64) float64 {
	v := 0.0
	for i := len(coef) - 1; i >= 0; i-- {
		v = v*x + coef[i]
	}
	return v
}
