package encoder

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
)

// WAVMuxer stores raw 16-bit PCM in a RIFF/WAVE container.
type WAVMuxer struct {
	fs   afero.Fs
	path string
	file afero.File
	enc  *wav.Encoder
	buf  *audio.IntBuffer

	trackAdded bool
	started    bool
	stopped    bool
	released   bool
}

// NewWAVMuxer creates the output file. The muxer is not started.
func NewWAVMuxer(fs afero.Fs, path string) (*WAVMuxer, error) {
	file, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return &WAVMuxer{fs: fs, path: path, file: file}, nil
}

func (m *WAVMuxer) AddTrack(f Format) (int, error) {
	if m.trackAdded {
		return -1, fmt.Errorf("wav muxer supports a single track")
	}
	if m.started {
		return -1, fmt.Errorf("cannot add track after start")
	}
	if f.MimeType != MimeRaw {
		return -1, fmt.Errorf("wav muxer cannot store %s", f.MimeType)
	}

	m.enc = wav.NewEncoder(m.file, f.SampleRate, 16, f.Channels, 1)
	m.buf = &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: f.SampleRate, NumChannels: f.Channels},
		SourceBitDepth: 16,
	}
	m.trackAdded = true
	return 0, nil
}

func (m *WAVMuxer) Start() error {
	if !m.trackAdded {
		return fmt.Errorf("no track added")
	}
	if m.started {
		return nil
	}
	// An empty write emits the RIFF header so a session without samples
	// still finalizes to a valid file.
	if err := m.enc.Write(&audio.IntBuffer{Format: m.buf.Format, SourceBitDepth: 16}); err != nil {
		return fmt.Errorf("failed to write wav header: %w", err)
	}
	m.started = true
	return nil
}

func (m *WAVMuxer) WriteSampleData(track int, data []byte, info BufferInfo) error {
	if !m.started || m.stopped {
		return fmt.Errorf("muxer not started")
	}
	if track != 0 {
		return fmt.Errorf("unknown track %d", track)
	}

	samples := len(data) / 2
	if cap(m.buf.Data) < samples {
		m.buf.Data = make([]int, samples)
	}
	m.buf.Data = m.buf.Data[:samples]
	for i := range m.buf.Data {
		m.buf.Data[i] = int(int16(binary.LittleEndian.Uint16(data[2*i:])))
	}
	return m.enc.Write(m.buf)
}

// Stop rewrites the header sizes and closes the file.
func (m *WAVMuxer) Stop() error {
	if !m.started {
		return fmt.Errorf("muxer not started")
	}
	if m.stopped {
		return nil
	}
	m.stopped = true
	return errors.Join(m.enc.Close(), m.file.Close())
}

func (m *WAVMuxer) Release() error {
	if m.released {
		return nil
	}
	m.released = true
	if m.stopped {
		return nil
	}
	m.stopped = true
	return m.file.Close()
}
