package encoder

import "sync"

// PCMFrameEncoder passes PCM through unchanged, for uncompressed containers.
type PCMFrameEncoder struct {
	mu   sync.Mutex
	in   Format
	emit func(Packet)
}

func (e *PCMFrameEncoder) Open(in Format, emit func(Packet)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.in = in
	e.emit = emit
	return nil
}

func (e *PCMFrameEncoder) Encode(pcm []byte, ptsUs int64) error {
	e.emit(Packet{Data: append([]byte(nil), pcm...), PtsUs: ptsUs})
	return nil
}

func (e *PCMFrameEncoder) Flush() error { return nil }
func (e *PCMFrameEncoder) Close() error { return nil }

func (e *PCMFrameEncoder) OutputFormat() Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Format{
		MimeType:   MimeRaw,
		SampleRate: e.in.SampleRate,
		Channels:   e.in.Channels,
		BitRate:    e.in.SampleRate * e.in.Channels * 16,
	}
}
