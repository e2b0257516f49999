package enhance

import (
	"fmt"
	"math"
)

// BS1770Meter measures integrated loudness per ITU-R BS.1770-4 for a mono
// signal: K-weighting, 400ms blocks with 75% overlap, an absolute gate at
// -70 LUFS and a relative gate 10 LU below the absolute-gated loudness.
//
// Signals shorter than one block are measured as a single block.
type BS1770Meter struct{}

var _ LoudnessMeter = BS1770Meter{}

const (
	blockSeconds   = 0.4
	stepSeconds    = 0.1
	absoluteGate   = -70.0
	relativeGateLU = -10.0
)

// Integrated implements [LoudnessMeter].
func (BS1770Meter) Integrated(samples []float64, rate int) (float64, error) {
	if rate <= 0 {
		return 0, fmt.Errorf("enhance: invalid sample rate %d", rate)
	}
	if len(samples) == 0 {
		return math.Inf(-1), nil
	}

	weighted := kWeight(samples, float64(rate))

	block := int(blockSeconds * float64(rate))
	step := int(stepSeconds * float64(rate))
	var powers []float64
	if len(weighted) < block || step <= 0 {
		powers = append(powers, meanSquare(weighted))
	} else {
		for start := 0; start+block <= len(weighted); start += step {
			powers = append(powers, meanSquare(weighted[start:start+block]))
		}
	}

	var gated []float64
	for _, z := range powers {
		if blockLoudness(z) > absoluteGate {
			gated = append(gated, z)
		}
	}
	if len(gated) == 0 {
		return math.Inf(-1), nil
	}

	relative := blockLoudness(mean(gated)) + relativeGateLU
	var final []float64
	for _, z := range gated {
		if blockLoudness(z) > relative {
			final = append(final, z)
		}
	}
	if len(final) == 0 {
		return math.Inf(-1), nil
	}
	return blockLoudness(mean(final)), nil
}

func blockLoudness(z float64) float64 {
	if z <= 0 {
		return math.Inf(-1)
	}
	return -0.691 + 10*math.Log10(z)
}

func meanSquare(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum / float64(len(x))
}

func mean(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v
	}
	return sum / float64(len(x))
}

// biquad is a direct form I second order IIR filter with a0 normalized to 1.
type biquad struct {
	b0, b1, b2, a1, a2 float64
}

func (f biquad) apply(x []float64) []float64 {
	y := make([]float64, len(x))
	var x1, x2, y1, y2 float64
	for i, in := range x {
		out := f.b0*in + f.b1*x1 + f.b2*x2 - f.a1*y1 - f.a2*y2
		x2, x1 = x1, in
		y2, y1 = y1, out
		y[i] = out
	}
	return y
}

// kWeight applies the two stage K-weighting filter with coefficients
// derived for fs, so that any model sample rate is measured correctly.
func kWeight(x []float64, fs float64) []float64 {
	return highPass(fs).apply(preFilter(fs).apply(x))
}

// preFilter is the high shelf modelling the acoustic effect of the head.
func preFilter(fs float64) biquad {
	const (
		f0 = 1681.974450955533
		g  = 3.999843853973347
		q  = 0.7071752369554196
	)
	k := math.Tan(math.Pi * f0 / fs)
	vh := math.Pow(10, g/20)
	vb := math.Pow(vh, 0.4996667741545416)
	a0 := 1 + k/q + k*k
	return biquad{
		b0: (vh + vb*k/q + k*k) / a0,
		b1: 2 * (k*k - vh) / a0,
		b2: (vh - vb*k/q + k*k) / a0,
		a1: 2 * (k*k - 1) / a0,
		a2: (1 - k/q + k*k) / a0,
	}
}

// highPass is the revised low-frequency B-curve.
func highPass(fs float64) biquad {
	const (
		f0 = 38.13547087602444
		q  = 0.5003270373238773
	)
	k := math.Tan(math.Pi * f0 / fs)
	a0 := 1 + k/q + k*k
	return biquad{
		b0: 1,
		b1: -2,
		b2: 1,
		a1: 2 * (k*k - 1) / a0,
		a2: (1 - k/q + k*k) / a0,
	}
}
