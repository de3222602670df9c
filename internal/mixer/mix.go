package mixer

import (
	"encoding/binary"
	"fmt"
	"math"
)

// GainProfile holds the per-source scale factors applied before summing.
type GainProfile struct {
	Mic float64 `json:"mic"`
	App float64 `json:"app"`
}

func DefaultGains() GainProfile {
	return GainProfile{Mic: 0.7, App: 0.7}
}

func (g GainProfile) Validate() error {
	if g.Mic < 0 || g.Mic > 1 {
		return fmt.Errorf("mic gain must be within [0, 1], got: %.2f", g.Mic)
	}
	if g.App < 0 || g.App > 1 {
		return fmt.Errorf("app gain must be within [0, 1], got: %.2f", g.App)
	}
	return nil
}

// clamp16 rounds half away from zero and saturates to the int16 range.
func clamp16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func sample(b []byte, i int) float64 {
	return float64(int16(binary.LittleEndian.Uint16(b[2*i:])))
}

func putSample(b []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
}

// Mix writes clamp(mic*g.Mic + app*g.App) for the first n bytes of mic and
// app into dst and returns the number of bytes written. n is truncated to a
// whole number of samples.
func Mix(dst, mic, app []byte, n int, g GainProfile) int {
	samples := n / 2
	for i := 0; i < samples; i++ {
		putSample(dst, i, clamp16(sample(mic, i)*g.Mic+sample(app, i)*g.App))
	}
	return samples * 2
}

// ApplyGain scales the first n bytes of buf in place and returns the number
// of bytes processed.
func ApplyGain(buf []byte, n int, gain float64) int {
	samples := n / 2
	for i := 0; i < samples; i++ {
		putSample(buf, i, clamp16(sample(buf, i)*gain))
	}
	return samples * 2
}

// Peak returns max(|s|)/32767 over the first n bytes, clamped to [0, 1].
func Peak(buf []byte, n int) float64 {
	var peak float64
	for i := 0; i < n/2; i++ {
		if v := math.Abs(sample(buf, i)); v > peak {
			peak = v
		}
	}
	peak /= math.MaxInt16
	if peak > 1 {
		return 1
	}
	return peak
}
