package signal

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/window"
)

// WindowType names the FIR window functions the service supports.
type WindowType string

const (
	WindowFlatTop        WindowType = "flattop"
	WindowBlackmanHarris WindowType = "blackmanharris"
	WindowNuttall        WindowType = "nuttall"
	WindowHann           WindowType = "hann"
	WindowHamming        WindowType = "hamming"
	WindowKaiser         WindowType = "kaiser"
	WindowChebwin        WindowType = "chebwin"
)

// WindowOptions carries the extra parameters some window families need.
type WindowOptions struct {
	// KaiserBeta shapes the Kaiser window's main-lobe/side-lobe trade-off.
	// Defaults to 9, matching the service's default filter shaping.
	KaiserBeta float64
	// ChebwinAttenuation is the Dolph-Chebyshev side-lobe attenuation in dB.
	// Defaults to 80.
	ChebwinAttenuation float64
}

// DefaultWindowOptions returns the service's default window shaping
// parameters (kaiser beta=9, chebwin attenuation=80dB).
func DefaultWindowOptions() WindowOptions {
	return WindowOptions{KaiserBeta: 9, ChebwinAttenuation: 80}
}

// Coefficients returns the length-n window sequence for the given family.
// hann/hamming/blackmanharris/nuttall/flattop are provided by gonum's
// dsp/window package; kaiser and chebwin are not, and are computed directly
// below (see DESIGN.md for why they're hand-rolled rather than sourced from
// the pack).
func Coefficients(kind WindowType, n int, opts WindowOptions) ([]float64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("signal: window length must be positive, got %d", n)
	}
	seq := make([]float64, n)
	for i := range seq {
		seq[i] = 1
	}

	switch kind {
	case WindowFlatTop:
		return window.FlatTop(seq), nil
	case WindowBlackmanHarris:
		return window.BlackmanHarris(seq), nil
	case WindowNuttall:
		return window.Nuttall(seq), nil
	case WindowHann:
		return window.Hann(seq), nil
	case WindowHamming:
		return window.Hamming(seq), nil
	case WindowKaiser:
		beta := opts.KaiserBeta
		if beta == 0 {
			beta = 9
		}
		return kaiserWindow(n, beta), nil
	case WindowChebwin:
		attenuation := opts.ChebwinAttenuation
		if attenuation == 0 {
			attenuation = 80
		}
		return chebwinWindow(n, attenuation), nil
	default:
		return nil, fmt.Errorf("signal: unknown window type %q", kind)
	}
}

// kaiserWindow computes the Kaiser window of length n and shape beta:
//
//	w[k] = I0(beta * sqrt(1 - ((k - M) / M)^2)) / I0(beta),  M = (n-1)/2
func kaiserWindow(n int, beta float64) []float64 {
	w := make([]float64, n)
	m := float64(n-1) / 2
	denom := besselI0(beta)
	for k := 0; k < n; k++ {
		ratio := (float64(k) - m) / m
		arg := beta * math.Sqrt(math.Max(0, 1-ratio*ratio))
		w[k] = besselI0(arg) / denom
	}
	return w
}

// besselI0 evaluates the zeroth-order modified Bessel function of the
// first kind via its power series. Convergent and accurate for the beta
// range used by FIR window design (typically 0-20).
func besselI0(x float64) float64 {
	sum := 1.0
	term := 1.0
	halfX := x / 2
	for k := 1; k < 50; k++ {
		term *= (halfX * halfX) / (float64(k) * float64(k))
		sum += term
		if term < sum*1e-18 {
			break
		}
	}
	return sum
}

// chebwinWindow computes the Dolph-Chebyshev window for odd n (the service
// only ever requests odd-length FIR filters, taps = 2*L+1), via the direct
// inverse-DFT definition rather than scipy's FFT-based construction: for the
// small taps counts in play here (tens of samples) the O(n^2) direct sum is
// simpler to get right than replicating scipy's even/odd FFT branching, and
// is numerically exact relative to it for the orders used here.
func chebwinWindow(n int, attenuationDB float64) []float64 {
	if n%2 == 0 {
		n++ // guard: callers always pass odd taps (2L+1); keep this robust anyway.
	}
	order := n - 1
	gamma := math.Pow(10, attenuationDB/20)
	beta := math.Cosh(math.Acosh(gamma) / float64(order))

	// Frequency-domain samples of the Chebyshev polynomial of degree `order`.
	p := make([]float64, n)
	for k := 0; k < n; k++ {
		theta := math.Pi * float64(k) / float64(n)
		x := beta * math.Cos(theta)
		p[k] = chebyshevT(order, x)
	}

	w := make([]float64, n)
	for sampleIdx := 0; sampleIdx < n; sampleIdx++ {
		var sum float64
		for k := 0; k < n; k++ {
			sum += p[k] * math.Cos(2*math.Pi*float64(k)*float64(sampleIdx)/float64(n))
		}
		w[sampleIdx] = sum / float64(n)
	}

	peak := w[0]
	for _, v := range w {
		if v > peak {
			peak = v
		}
	}
	if peak != 0 {
		for i := range w {
			w[i] /= peak
		}
	}

	// The inverse DFT leaves the peak at index 0; fold it about the centre
	// tap so the window is symmetric around (n-1)/2.
	centre := (n - 1) / 2
	out := make([]float64, n)
	for i := range out {
		k := i - centre
		if k < 0 {
			k = -k
		}
		out[i] = w[k]
	}
	return out
}

// chebyshevT evaluates the Chebyshev polynomial of the first kind of the
// given order at x, valid for |x| outside [-1, 1] via the hyperbolic form.
func chebyshevT(order int, x float64) float64 {
	switch {
	case x >= -1 && x <= 1:
		return math.Cos(float64(order) * math.Acos(x))
	case x > 1:
		return math.Cosh(float64(order) * math.Acosh(x))
	default:
		sign := 1.0
		if order%2 != 0 {
			sign = -1.0
		}
		return sign * math.Cosh(float64(order)*math.Acosh(-x))
	}
}
