package encoder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
)

// AACFrameEncoder encodes PCM to AAC-LC through an ffmpeg child process
// producing ADTS. Emitted packets keep their ADTS header; presentation
// times advance by 1024 samples per frame from the first input timestamp.
type AACFrameEncoder struct {
	FFmpegPath string // empty resolves ffmpeg from PATH

	in    Format
	emit  func(Packet)
	proc  *process
	stdin io.WriteCloser

	mu      sync.Mutex
	out     Format
	basePts int64
	baseSet bool
	frames  int64
	readErr error

	readerDone chan struct{}
	closeOnce  sync.Once
}

func (e *AACFrameEncoder) Open(in Format, emit func(Packet)) error {
	if _, ok := sampleRateIndex(in.SampleRate); !ok {
		return fmt.Errorf("sample rate %d not supported by AAC", in.SampleRate)
	}
	path := e.FFmpegPath
	if path == "" {
		var err error
		if path, err = ffmpegPath(); err != nil {
			return err
		}
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(in.SampleRate),
		"-ac", strconv.Itoa(in.Channels),
		"-i", "pipe:0",
		"-c:a", "aac",
		"-profile:a", "aac_low",
		"-b:a", strconv.Itoa(in.BitRate),
		"-f", "adts",
		"pipe:1",
	}
	cmd := exec.Command(path, args...)
	slog.Debug("Starting AAC encoder", "command", cmd.String())

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create ffmpeg stdin pipe: %w", err)
	}
	// Wait must not race the reader, so stdout goes through an io.Pipe that
	// is closed only after ffmpeg's output has been fully copied.
	stdout, stdoutW := io.Pipe()
	cmd.Stdout = stdoutW
	proc, err := startProcess(cmd, func() { stdoutW.Close() })
	if err != nil {
		stdoutW.Close()
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	e.in = in
	e.emit = emit
	e.proc = proc
	e.stdin = stdin
	e.out = Format{MimeType: MimeAAC, SampleRate: in.SampleRate, Channels: in.Channels, BitRate: in.BitRate}
	e.readerDone = make(chan struct{})
	go e.readLoop(stdout)
	return nil
}

func (e *AACFrameEncoder) readLoop(stdout io.Reader) {
	defer close(e.readerDone)
	r := bufio.NewReader(stdout)
	for {
		frame, hdr, err := readADTSFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.mu.Lock()
				e.readErr = err
				e.mu.Unlock()
			}
			return
		}

		e.mu.Lock()
		if e.frames == 0 {
			e.out.SampleRate = hdr.sampleRate()
			e.out.CodecConfig = hdr.audioSpecificConfig()
		}
		pts := e.basePts + e.frames*aacFrameSamples*1_000_000/int64(e.in.SampleRate)
		e.frames++
		e.mu.Unlock()

		e.emit(Packet{Data: frame, PtsUs: pts})
	}
}

func (e *AACFrameEncoder) Encode(pcm []byte, ptsUs int64) error {
	e.mu.Lock()
	if !e.baseSet {
		e.basePts = ptsUs
		e.baseSet = true
	}
	e.mu.Unlock()

	if _, err := e.stdin.Write(pcm); err != nil {
		return fmt.Errorf("failed to write PCM to ffmpeg: %w", err)
	}
	return nil
}

// Flush closes ffmpeg's input and waits until every frame has been emitted.
func (e *AACFrameEncoder) Flush() error {
	if err := e.stdin.Close(); err != nil {
		slog.Debug("Closing ffmpeg stdin failed", "error", err)
	}
	<-e.readerDone
	err := e.proc.wait(processStopTimeout)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readErr != nil {
		return e.readErr
	}
	return err
}

func (e *AACFrameEncoder) OutputFormat() Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.out
	out.CodecConfig = append([]byte(nil), e.out.CodecConfig...)
	return out
}

func (e *AACFrameEncoder) Close() error {
	e.closeOnce.Do(func() {
		if e.proc == nil {
			return
		}
		e.stdin.Close()
		if !e.proc.exited() {
			e.proc.kill()
		}
	})
	return nil
}
