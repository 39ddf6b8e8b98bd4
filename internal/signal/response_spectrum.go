package signal

import (
	"math"
	"runtime"
	"sync"
)

// oscillator holds the per-period Duhamel recursion coefficients for a
// damped SDOF system driven by a ground motion, ported directly from the
// explicit single-pass recursion: at each step the state depends only on
// the previous two displacements and the previous input sample, so the
// inner loop stays branch-free.
type oscillator struct {
	omega, zeta   float64
	alpha, beta   float64
	gamma, a, b, c float64
}

func newOscillator(omega, zeta float64) *oscillator {
	return &oscillator{
		omega: omega,
		zeta:  zeta,
		alpha: omega * zeta,
		beta:  omega * math.Sqrt(1-zeta*zeta),
	}
}

func (o *oscillator) computeParameters(interval float64) {
	exp := math.Exp(-o.alpha * interval)
	o.a = exp * math.Sin(o.beta*interval) / o.beta
	o.b = 2 * exp * math.Cos(o.beta*interval)
	o.c = exp * exp
	o.gamma = (1 - o.b + o.c) / o.a / interval / (o.omega * o.omega)
}

func (o *oscillator) factor() float64 {
	return o.gamma * o.a
}

// maximumResponse runs the Duhamel recursion over motion and returns the
// peak absolute displacement, velocity, and (relative + input) acceleration
// response, scaled per the original formulation.
func (o *oscillator) maximumResponse(interval float64, motion []float64) (sd, sv, sa float64) {
	o.computeParameters(interval)

	n := len(motion)
	displacement := make([]float64, n)
	if n > 1 {
		displacement[1] = o.b*displacement[0] - motion[0]
	}
	for i := 2; i < n; i++ {
		displacement[i] = o.b*displacement[i-1] - o.c*displacement[i-2] - motion[i-1]
	}

	velocity := make([]float64, n)
	for i := 1; i < n; i++ {
		velocity[i] = displacement[i] - displacement[i-1]
	}

	acceleration := make([]float64, n)
	for i := 1; i < n; i++ {
		acceleration[i] = velocity[i] - velocity[i-1]
	}

	f := o.factor()
	sd = maxAbs(displacement) * f * interval
	sv = maxAbs(velocity) * f

	combined := make([]float64, n)
	for i := range combined {
		combined[i] = acceleration[i]*f/interval + motion[i]
	}
	sa = maxAbs(combined)
	return sd, sv, sa
}

func maxAbs(v []float64) float64 {
	var max float64
	for _, x := range v {
		if a := math.Abs(x); a > max {
			max = a
		}
	}
	return max
}

// ResponseRow holds (Sd, Sv, Sa) for one natural period.
type ResponseRow struct {
	Sd, Sv, Sa float64
}

// ResponseSpectrum computes the SDOF response spectrum of motion for the
// given damping ratio, sample interval, and period set. A zero period at
// index 0 special-cases to (0, 0, max|x|) to avoid dividing by the natural
// frequency; a zero period at any later index is converted to a natural
// frequency as if it were 1e-6 s.
//
// Computation is parallelized across periods, since each period's recursion
// is independent.
func ResponseSpectrum(dampingRatio, interval float64, motion []float64, periods []float64) []ResponseRow {
	n := len(periods)
	results := make([]ResponseRow, n)
	if n == 0 {
		return results
	}

	start := 0
	if periods[0] == 0 {
		results[0] = ResponseRow{Sd: 0, Sv: 0, Sa: maxAbs(motion)}
		start = 1
	}

	frequencies := make([]float64, n)
	for i := start; i < n; i++ {
		period := periods[i]
		if period == 0 {
			period = 1e-6
		}
		frequencies[i] = 2 * math.Pi / period
	}

	parallelFor(start, n, func(i int) {
		osc := newOscillator(frequencies[i], dampingRatio)
		sd, sv, sa := osc.maximumResponse(interval, motion)
		results[i] = ResponseRow{Sd: sd, Sv: sv, Sa: sa}
	})

	return results
}

// parallelFor runs fn(i) for i in [start, end) across a worker pool sized to
// the available CPUs, used to parallelize the response-spectrum computation
// across periods as required by the per-call performance contract.
func parallelFor(start, end int, fn func(i int)) {
	if end <= start {
		return
	}
	workers := runtime.GOMAXPROCS(0)
	if workers > end-start {
		workers = end - start
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	next := make(chan int)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				fn(i)
			}
		}()
	}

	for i := start; i < end; i++ {
		next <- i
	}
	close(next)
	wg.Wait()
}
