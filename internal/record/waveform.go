package record

import (
	"fmt"
	"math"

	"github.com/tlcfem/motion-base-go/internal/signal"
	"github.com/tlcfem/motion-base-go/internal/units"
)

// Waveform returns the sampling interval and the physical acceleration
// samples, in unit, derived from the raw fixed-point data:
//
//	physical = (raw_data + offset) * scale_factor
//
// If normalised is true the result is additionally rescaled so its largest
// magnitude sample is exactly 1.
func (r *Record) Waveform(normalised bool, unit string) (float64, []float64, error) {
	if r.SamplingFrequency <= 0 {
		return 0, nil, fmt.Errorf("record: invalid sampling frequency %g", r.SamplingFrequency)
	}
	interval := 1.0 / r.SamplingFrequency

	physical := make([]float64, len(r.RawData))
	for i, raw := range r.RawData {
		physical[i] = (float64(raw) + r.Offset) * r.ScaleFactor
	}

	converted, err := convertSeries(physical, r.RawDataUnit, unit)
	if err != nil {
		return 0, nil, err
	}

	if normalised {
		normaliseInPlace(converted)
	}

	return interval, converted, nil
}

// Spectrum returns the frequency bin width and the single-sided FFT
// magnitude spectrum of the physical waveform in cm/s/s (Gal).
func (r *Record) Spectrum() (float64, []float64, error) {
	_, waveform, err := r.Waveform(false, "Gal")
	if err != nil {
		return 0, nil, err
	}
	freqStep, magnitude := signal.Spectrum(r.SamplingFrequency, waveform)
	return freqStep, magnitude, nil
}

func convertSeries(samples []float64, from, to string) ([]float64, error) {
	if from == to || to == "" {
		return samples, nil
	}
	out := make([]float64, len(samples))
	for i, v := range samples {
		gal, err := units.AccelerationToGal(v, from)
		if err != nil {
			return nil, err
		}
		converted, err := units.AccelerationFromGal(gal, to)
		if err != nil {
			return nil, err
		}
		out[i] = converted
	}
	return out, nil
}

// normaliseInPlace rescales samples so the largest-magnitude entry is 1,
// matching the original's convention of dividing by whichever of max/min
// has the greater absolute value.
func normaliseInPlace(samples []float64) {
	if len(samples) == 0 {
		return
	}
	maxV, minV := samples[0], samples[0]
	for _, v := range samples {
		if v > maxV {
			maxV = v
		}
		if v < minV {
			minV = v
		}
	}
	divisor := math.Abs(maxV)
	if math.Abs(minV) > divisor {
		divisor = math.Abs(minV)
	}
	if divisor == 0 {
		return
	}
	for i := range samples {
		samples[i] /= divisor
	}
}

// MaxAbs returns the largest absolute sample value, used to validate the PGA
// round-trip invariant (|max(waveform)| ≈ maximum_acceleration).
func MaxAbs(samples []float64) float64 {
	var max float64
	for _, v := range samples {
		if a := math.Abs(v); a > max {
			max = a
		}
	}
	return max
}
