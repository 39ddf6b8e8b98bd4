package signal

import (
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Spectrum computes the single-sided FFT magnitude spectrum of a real
// waveform, matching 2*|rfft(x)|/len(x), with the bin width
// samplingFrequency/len(x).
func Spectrum(samplingFrequency float64, waveform []float64) (float64, []float64) {
	n := len(waveform)
	if n == 0 {
		return 0, nil
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, waveform)

	magnitude := make([]float64, len(coeffs))
	for i, c := range coeffs {
		magnitude[i] = 2 * cmplx.Abs(c) / float64(n)
	}

	return samplingFrequency / float64(n), magnitude
}
