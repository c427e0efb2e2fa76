package voice

import "math"

// Mix sums every decoded contribution of tick into one frame. Samples are
// added without gain or normalization; sums outside the int16 range are
// saturated and counted in Clipped. A tick without contributions yields a
// zeroed frame.
func Mix(tick Tick) MixedFrame {
	var acc [FrameSamples]int32
	contributors := 0
	for _, c := range tick.Speaking {
		if c.Decoded == nil {
			continue
		}
		contributors++
		n := len(c.Decoded)
		if n > FrameSamples {
			n = FrameSamples
		}
		for i := 0; i < n; i++ {
			acc[i] += int32(c.Decoded[i])
		}
	}

	out := MixedFrame{Samples: make([]int16, FrameSamples), Contributors: contributors}
	if contributors == 0 {
		return out
	}
	for i, v := range acc {
		s, clipped := saturateInt16(v)
		out.Samples[i] = s
		if clipped {
			out.Clipped++
		}
	}
	return out
}

func saturateInt16(v int32) (int16, bool) {
	if v > math.MaxInt16 {
		return math.MaxInt16, true
	}
	if v < math.MinInt16 {
		return math.MinInt16, true
	}
	return int16(v), false
}
