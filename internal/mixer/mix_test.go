package mixer

import (
	"encoding/binary"
	"math"
	"testing"
)

func pcm(samples ...int16) []byte {
	b := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

func samplesOf(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

func TestMix(t *testing.T) {
	tests := []struct {
		name  string
		mic   []int16
		app   []int16
		gains GainProfile
		want  []int16
	}{
		{"weighted sum", []int16{1000, -1000}, []int16{-500, 500}, GainProfile{0.7, 0.7}, []int16{350, -350}},
		{"clamps high", []int16{30000}, []int16{30000}, GainProfile{1, 1}, []int16{math.MaxInt16}},
		{"clamps low", []int16{-30000}, []int16{-30000}, GainProfile{1, 1}, []int16{math.MinInt16}},
		{"rounds half away from zero", []int16{1}, []int16{0}, GainProfile{0.5, 0}, []int16{1}},
		{"silence", []int16{0, 0}, []int16{0, 0}, DefaultGains(), []int16{0, 0}},
		{"zero app gain", []int16{100}, []int16{32767}, GainProfile{1, 0}, []int16{100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mic, app := pcm(tt.mic...), pcm(tt.app...)
			dst := make([]byte, len(mic))
			n := Mix(dst, mic, app, len(mic), tt.gains)
			if n != len(mic) {
				t.Fatalf("Mix returned %d bytes, want %d", n, len(mic))
			}
			got := samplesOf(dst[:n])
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestMix_TruncatesOddByteCount(t *testing.T) {
	mic, app := pcm(10, 20, 30), pcm(10, 20, 30)
	dst := make([]byte, len(mic))
	if n := Mix(dst, mic, app, 5, GainProfile{1, 0}); n != 4 {
		t.Errorf("Mix over 5 bytes returned %d, want 4", n)
	}
}

func TestMix_NeverOverflows(t *testing.T) {
	extremes := []int16{math.MinInt16, -1, 0, 1, math.MaxInt16}
	dst := make([]byte, 2)
	for _, m := range extremes {
		for _, a := range extremes {
			Mix(dst, pcm(m), pcm(a), 2, GainProfile{1, 1})
			want := int(m) + int(a)
			if want > math.MaxInt16 {
				want = math.MaxInt16
			}
			if want < math.MinInt16 {
				want = math.MinInt16
			}
			if got := samplesOf(dst)[0]; int(got) != want {
				t.Errorf("Mix(%d, %d) = %d, want %d", m, a, got, want)
			}
		}
	}
}

func TestApplyGain(t *testing.T) {
	buf := pcm(1001, -1001, 32767)
	n := ApplyGain(buf, len(buf), 0.7)
	if n != len(buf) {
		t.Fatalf("ApplyGain returned %d, want %d", n, len(buf))
	}
	got := samplesOf(buf)
	want := []int16{701, -701, 22937}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPeak(t *testing.T) {
	if got := Peak(pcm(0, 0), 4); got != 0 {
		t.Errorf("Peak of silence = %f, want 0", got)
	}
	if got := Peak(pcm(100, math.MaxInt16), 4); got != 1 {
		t.Errorf("Peak of full scale = %f, want 1", got)
	}
	if got := Peak(pcm(math.MinInt16), 2); got != 1 {
		t.Errorf("Peak of negative full scale = %f, want clamped 1", got)
	}
}

func TestGainProfile_Validate(t *testing.T) {
	if err := DefaultGains().Validate(); err != nil {
		t.Errorf("Default gains invalid: %v", err)
	}
	if err := (GainProfile{Mic: 1.2}).Validate(); err == nil {
		t.Error("Expected error for mic gain above 1")
	}
	if err := (GainProfile{App: -0.5}).Validate(); err == nil {
		t.Error("Expected error for negative app gain")
	}
}
