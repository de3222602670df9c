package encoder

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
)

// 200-byte AAC-LC frame header, 44.1 kHz mono, no CRC
var lcMonoHeader = []byte{0xFF, 0xF1, 0x50, 0x40, 0x19, 0x1F, 0xFC}

func TestParseADTSHeader(t *testing.T) {
	hdr, err := parseADTSHeader(lcMonoHeader)
	if err != nil {
		t.Fatalf("parseADTSHeader: %v", err)
	}
	if hdr.objectType != aacObjectTypeLC {
		t.Errorf("objectType = %d, want %d", hdr.objectType, aacObjectTypeLC)
	}
	if hdr.sampleRate() != 44100 {
		t.Errorf("sampleRate = %d, want 44100", hdr.sampleRate())
	}
	if hdr.channelConfig != 1 {
		t.Errorf("channelConfig = %d, want 1", hdr.channelConfig)
	}
	if hdr.frameLength != 200 {
		t.Errorf("frameLength = %d, want 200", hdr.frameLength)
	}
	if hdr.headerLength != adtsHeaderSize {
		t.Errorf("headerLength = %d, want %d", hdr.headerLength, adtsHeaderSize)
	}
	if asc := hdr.audioSpecificConfig(); !bytes.Equal(asc, []byte{0x12, 0x08}) {
		t.Errorf("audioSpecificConfig = %x, want 1208", asc)
	}
}

func TestParseADTSHeader_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
	}{
		{"short", lcMonoHeader[:5]},
		{"no sync word", []byte{0x00, 0xF1, 0x50, 0x40, 0x19, 0x1F, 0xFC}},
		{"bad frequency index", []byte{0xFF, 0xF1, 0x7C, 0x40, 0x19, 0x1F, 0xFC}},
		{"frame shorter than header", []byte{0xFF, 0xF1, 0x50, 0x40, 0x00, 0x1F, 0xFC}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseADTSHeader(tt.header); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestReadADTSFrame(t *testing.T) {
	frame := make([]byte, 200)
	copy(frame, lcMonoHeader)
	for i := adtsHeaderSize; i < len(frame); i++ {
		frame[i] = byte(i)
	}
	stream := append(append([]byte(nil), frame...), frame...)
	r := bufio.NewReader(bytes.NewReader(stream))

	for i := 0; i < 2; i++ {
		got, hdr, err := readADTSFrame(r)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, frame) {
			t.Errorf("frame %d content mismatch", i)
		}
		if hdr.frameLength != 200 {
			t.Errorf("frame %d length = %d", i, hdr.frameLength)
		}
	}
	if _, _, err := readADTSFrame(r); !errors.Is(err, io.EOF) {
		t.Errorf("after last frame err = %v, want io.EOF", err)
	}
}

func TestReadADTSFrame_Truncated(t *testing.T) {
	stream := append(append([]byte(nil), lcMonoHeader...), 1, 2, 3)
	if _, _, err := readADTSFrame(bufio.NewReader(bytes.NewReader(stream))); err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestSampleRateIndex(t *testing.T) {
	if i, ok := sampleRateIndex(44100); !ok || i != 4 {
		t.Errorf("sampleRateIndex(44100) = %d, %v, want 4, true", i, ok)
	}
	if _, ok := sampleRateIndex(44000); ok {
		t.Error("sampleRateIndex(44000) should not be supported")
	}
}
