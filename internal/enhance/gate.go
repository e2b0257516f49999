package enhance

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// NoiseGate is a frame-based noise gate. The noise floor is estimated as the
// mean RMS of the quietest fraction of frames; frames whose RMS stays within
// Threshold times that floor are treated as noise and attenuated by the
// requested proportion. Gains are ramped linearly across each frame to avoid
// clicks at frame edges.
type NoiseGate struct {
	// Frame is the analysis window. Default: 20ms.
	Frame time.Duration

	// FloorFraction is the share of quietest frames used to estimate the
	// noise floor. Default: 0.1.
	FloorFraction float64

	// Threshold is the factor above the noise floor under which a frame is
	// gated. Default: 2 (about 6 dB).
	Threshold float64
}

var _ NoiseReducer = (*NoiseGate)(nil)

// NewNoiseGate returns a gate with default tuning.
func NewNoiseGate() *NoiseGate {
	return &NoiseGate{Frame: 20 * time.Millisecond, FloorFraction: 0.1, Threshold: 2}
}

// Reduce implements [NoiseReducer]. Input without a discernible noise floor
// (too short, or no frame quieter than the loudest by the threshold factor)
// is returned unchanged.
func (g *NoiseGate) Reduce(samples []float64, rate int, propDecrease float64) ([]float64, error) {
	if propDecrease < 0 || propDecrease > 1 {
		return nil, fmt.Errorf("enhance: prop_decrease %v out of range [0, 1]", propDecrease)
	}
	out := slices.Clone(samples)
	frame := int(int64(rate) * int64(g.Frame) / int64(time.Second))
	if frame <= 0 || len(samples) < 2*frame {
		return out, nil
	}

	nFrames := (len(samples) + frame - 1) / frame
	rms := make([]float64, nFrames)
	for f := range nFrames {
		end := min((f+1)*frame, len(samples))
		var sum float64
		for _, s := range samples[f*frame : end] {
			sum += s * s
		}
		rms[f] = math.Sqrt(sum / float64(end-f*frame))
	}

	sorted := slices.Clone(rms)
	slices.Sort(sorted)
	quiet := max(1, int(float64(nFrames)*g.FloorFraction))
	var floor float64
	for _, v := range sorted[:quiet] {
		floor += v
	}
	floor /= float64(quiet)
	threshold := floor * g.Threshold
	if threshold >= sorted[len(sorted)-1] {
		return out, nil
	}

	attenuated := 1 - propDecrease
	prevGain := 1.0
	if rms[0] <= threshold {
		prevGain = attenuated
	}
	for f := range nFrames {
		gain := 1.0
		if rms[f] <= threshold {
			gain = attenuated
		}
		start := f * frame
		end := min(start+frame, len(samples))
		n := end - start
		for i := range n {
			ramp := prevGain + (gain-prevGain)*float64(i+1)/float64(n)
			out[start+i] = samples[start+i] * ramp
		}
		prevGain = gain
	}
	return out, nil
}
