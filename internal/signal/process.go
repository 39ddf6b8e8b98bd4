package signal

import (
	"fmt"
	"math"
)

// epsilon is the single-precision machine epsilon used to clamp normalized
// cutoff frequencies away from 0 and 1, per §4.7's filter cutoff derivation.
const epsilon = 1.1920929e-7

// ProcessConfig mirrors the service's processing request shape: resampling
// ratios, FIR filter parameters, response-spectrum parameters, and stage
// toggles.
type ProcessConfig struct {
	UpRatio   int
	DownRatio int

	FilterLength int
	FilterType   FilterType
	WindowType   WindowType
	LowCut       float64
	HighCut      float64

	DampingRatio float64
	PeriodEnd    float64
	PeriodStep   float64

	Normalised bool

	WithFilter          bool
	WithSpectrum        bool
	WithResponseSpectrum bool

	RemoveHead float64
}

// ProcessedResult holds the outputs of each enabled stage, alongside the
// configuration that produced them so a caller can audit the run.
type ProcessedResult struct {
	Config ProcessConfig

	Interval float64
	Waveform []float64

	FrequencyStep float64
	Spectrum      []float64

	Periods          []float64
	ResponseSpectrum []ResponseRow
}

// Process runs the full §4.7 pipeline over a physical waveform sampled at
// samplingFrequency.
func Process(samplingFrequency float64, waveform []float64, cfg ProcessConfig) (ProcessedResult, error) {
	if samplingFrequency <= 0 {
		return ProcessedResult{}, fmt.Errorf("signal: sampling frequency must be positive")
	}

	interval := 1.0 / samplingFrequency
	data := append([]float64(nil), waveform...)

	if cfg.RemoveHead > 0 {
		drop := int(cfg.RemoveHead / interval)
		if drop > len(data) {
			drop = len(data)
		}
		data = data[drop:]
	}

	if cfg.Normalised {
		normaliseInPlace(data)
	}

	result := ProcessedResult{Config: cfg, Interval: interval, Waveform: data}

	if cfg.WithFilter {
		filtered, newInterval, err := applyResampledFilter(interval, data, cfg)
		if err != nil {
			return ProcessedResult{}, err
		}
		result.Interval = newInterval
		result.Waveform = filtered
		data = filtered
		interval = newInterval
	}

	if cfg.WithSpectrum {
		freqStep, magnitude := Spectrum(1/interval, data)
		result.FrequencyStep = freqStep
		result.Spectrum = magnitude
	}

	if cfg.WithResponseSpectrum {
		periods, err := periodRange(cfg.PeriodStep, cfg.PeriodEnd)
		if err != nil {
			return ProcessedResult{}, err
		}
		result.Periods = periods
		result.ResponseSpectrum = ResponseSpectrum(cfg.DampingRatio, interval, data, periods)
	}

	return result, nil
}

func periodRange(step, end float64) ([]float64, error) {
	if step <= 0 {
		return nil, fmt.Errorf("signal: period_step must be positive")
	}
	n := int(end/step) + 1
	periods := make([]float64, n)
	for i := range periods {
		periods[i] = float64(i) * step
	}
	return periods, nil
}

// applyResampledFilter implements §4.7 step 3: derive normalized cutoffs at
// the up-sampled rate, synthesize the windowed FIR, zero-stuff, convolve,
// and scale by up_ratio. Down-sampling is expressed purely through the
// caller's choice of up_ratio/down_ratio cutoffs, per the spec.
func applyResampledFilter(interval float64, waveform []float64, cfg ProcessConfig) ([]float64, float64, error) {
	if cfg.LowCut >= cfg.HighCut {
		return nil, 0, fmt.Errorf("signal: low_cut must be less than high_cut")
	}
	upRatio := cfg.UpRatio
	if upRatio < 1 {
		upRatio = 1
	}

	newInterval := interval / float64(upRatio)

	f0 := clamp(2*cfg.LowCut*newInterval, epsilon, 1-epsilon)
	f1 := clamp(2*cfg.HighCut*newInterval, f0+epsilon, 1-epsilon)

	var cutoff []float64
	switch cfg.FilterType {
	case FilterLowpass:
		cutoff = []float64{f1}
	case FilterHighpass:
		cutoff = []float64{f0}
	case FilterBandpass, FilterBandstop:
		cutoff = []float64{f0, f1}
	default:
		return nil, 0, fmt.Errorf("signal: unknown filter type %q", cfg.FilterType)
	}

	opts := DefaultWindowOptions()
	taps, err := DesignFIR(cfg.FilterType, cfg.WindowType, cfg.FilterLength, cutoff, opts, float64(upRatio))
	if err != nil {
		return nil, 0, err
	}

	stuffed := ZeroStuff(upRatio, waveform)
	filtered := ApplyFIR(taps, stuffed)

	return filtered, newInterval, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
