package encoder

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// M4AMuxer remuxes the ADTS stream of an AAC track into an MPEG-4 audio
// file using ffmpeg stream copy. The ffmpeg child is started by Start.
type M4AMuxer struct {
	path        string
	ffmpeg      string
	stopTimeout time.Duration

	proc  *process
	stdin io.WriteCloser

	trackAdded bool
	started    bool
	stopped    bool
	released   bool
}

func NewM4AMuxer(path string) (*M4AMuxer, error) {
	ffmpeg, err := ffmpegPath()
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(filepath.Dir(path)); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("output directory for %s is not accessible", path)
	}
	return &M4AMuxer{path: path, ffmpeg: ffmpeg, stopTimeout: processStopTimeout}, nil
}

func (m *M4AMuxer) AddTrack(f Format) (int, error) {
	if m.trackAdded {
		return -1, fmt.Errorf("m4a muxer supports a single track")
	}
	if m.started {
		return -1, fmt.Errorf("cannot add track after start")
	}
	if f.MimeType != MimeAAC {
		return -1, fmt.Errorf("m4a muxer cannot store %s", f.MimeType)
	}
	m.trackAdded = true
	return 0, nil
}

func (m *M4AMuxer) Start() error {
	if !m.trackAdded {
		return fmt.Errorf("no track added")
	}
	if m.started {
		return nil
	}

	cmd := exec.Command(m.ffmpeg,
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "aac", "-i", "pipe:0",
		"-c:a", "copy",
		"-movflags", "+faststart",
		"-f", "mp4", m.path,
	)
	slog.Debug("Starting M4A muxer", "command", cmd.String())

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create ffmpeg stdin pipe: %w", err)
	}
	proc, err := startProcess(cmd, nil)
	if err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	m.proc = proc
	m.stdin = stdin
	m.started = true
	return nil
}

func (m *M4AMuxer) WriteSampleData(track int, data []byte, info BufferInfo) error {
	if !m.started || m.stopped {
		return fmt.Errorf("muxer not started")
	}
	if track != 0 {
		return fmt.Errorf("unknown track %d", track)
	}
	if _, err := m.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write sample to ffmpeg: %w", err)
	}
	return nil
}

// Stop closes the input stream and waits for ffmpeg to write the moov atom.
func (m *M4AMuxer) Stop() error {
	if !m.started {
		return fmt.Errorf("muxer not started")
	}
	if m.stopped {
		return nil
	}
	m.stopped = true
	m.stdin.Close()
	return m.proc.wait(m.stopTimeout)
}

func (m *M4AMuxer) Release() error {
	if m.released {
		return nil
	}
	m.released = true
	if m.started && !m.stopped {
		m.stopped = true
		m.stdin.Close()
		m.proc.kill()
	}
	return nil
}
