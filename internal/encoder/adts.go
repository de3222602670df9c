package encoder

import (
	"bufio"
	"fmt"
	"io"
)

const (
	adtsHeaderSize   = 7
	aacFrameSamples  = 1024
	aacObjectTypeLC  = 2
	adtsMaxFrameSize = 1<<13 - 1
)

var adtsSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

type adtsHeader struct {
	objectType    int
	freqIndex     int
	channelConfig int
	frameLength   int // including header
	headerLength  int
}

func parseADTSHeader(h []byte) (adtsHeader, error) {
	if len(h) < adtsHeaderSize {
		return adtsHeader{}, fmt.Errorf("short ADTS header: %d bytes", len(h))
	}
	if h[0] != 0xFF || h[1]&0xF0 != 0xF0 {
		return adtsHeader{}, fmt.Errorf("ADTS sync word not found")
	}

	hdr := adtsHeader{
		objectType:    int(h[2]>>6) + 1,
		freqIndex:     int(h[2]>>2) & 0x0F,
		channelConfig: int(h[2]&0x01)<<2 | int(h[3]>>6),
		frameLength:   int(h[3]&0x03)<<11 | int(h[4])<<3 | int(h[5]>>5),
		headerLength:  adtsHeaderSize,
	}
	if h[1]&0x01 == 0 {
		hdr.headerLength += 2 // CRC present
	}
	if hdr.freqIndex >= len(adtsSampleRates) {
		return adtsHeader{}, fmt.Errorf("invalid ADTS sampling frequency index %d", hdr.freqIndex)
	}
	if hdr.frameLength < hdr.headerLength {
		return adtsHeader{}, fmt.Errorf("invalid ADTS frame length %d", hdr.frameLength)
	}
	return hdr, nil
}

func (h adtsHeader) sampleRate() int {
	return adtsSampleRates[h.freqIndex]
}

// audioSpecificConfig returns the two-byte MPEG-4 AudioSpecificConfig.
func (h adtsHeader) audioSpecificConfig() []byte {
	v := h.objectType<<11 | h.freqIndex<<7 | h.channelConfig<<3
	return []byte{byte(v >> 8), byte(v)}
}

// readADTSFrame reads one complete frame, header included.
func readADTSFrame(r *bufio.Reader) ([]byte, adtsHeader, error) {
	head := make([]byte, adtsHeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, adtsHeader{}, err
	}
	hdr, err := parseADTSHeader(head)
	if err != nil {
		return nil, adtsHeader{}, err
	}

	frame := make([]byte, hdr.frameLength)
	copy(frame, head)
	if _, err := io.ReadFull(r, frame[adtsHeaderSize:]); err != nil {
		return nil, adtsHeader{}, fmt.Errorf("truncated ADTS frame: %w", err)
	}
	return frame, hdr, nil
}

func sampleRateIndex(rate int) (int, bool) {
	for i, r := range adtsSampleRates {
		if r == rate {
			return i, true
		}
	}
	return 0, false
}
