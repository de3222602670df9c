package audio

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	pipeWireChunk       = 4096
	pipeWireStopTimeout = 2 * time.Second
)

// PipeWireBackend captures through ffmpeg's PulseAudio input, served by
// pipewire-pulse. Loopback records the monitor of a playback sink.
type PipeWireBackend struct {
	pw       *PipeWire
	lookPath func(file string) (string, error)
}

func NewPipeWireBackend() (*PipeWireBackend, error) {
	return &PipeWireBackend{pw: NewPipeWire(), lookPath: exec.LookPath}, nil
}

// GetType returns the backend type
func (b *PipeWireBackend) GetType() BackendType {
	return BackendTypePipeWire
}

func (b *PipeWireBackend) SupportsLoopback() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	for _, tool := range []string{"ffmpeg", "pw-link"} {
		if _, err := b.lookPath(tool); err != nil {
			return false
		}
	}
	return true
}

func (b *PipeWireBackend) NewMicSource(opts SourceOptions) (Source, error) {
	if _, err := b.lookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", ErrCaptureUnavailable)
	}
	return newDeviceSource(KindMic, opts, b.openDevice), nil
}

func (b *PipeWireBackend) NewLoopbackSource(token *ConsentToken, opts SourceOptions) (Source, error) {
	if err := checkConsent(token); err != nil {
		return nil, err
	}
	if !b.SupportsLoopback() {
		return nil, fmt.Errorf("loopback capture needs PipeWire and ffmpeg on linux: %w", ErrCaptureUnavailable)
	}
	return newDeviceSource(KindLoopback, opts, b.openDevice), nil
}

// ListSources returns PipeWire node names for kind.
func (b *PipeWireBackend) ListSources(kind Kind) ([]string, error) {
	return b.pw.Nodes(kind)
}

func (b *PipeWireBackend) Close() error {
	return nil
}

func (b *PipeWireBackend) openDevice(kind Kind, opts SourceOptions, onData func([]byte)) (captureDevice, error) {
	path, err := b.lookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	if err := b.pw.ValidateNode(kind, opts.Device); err != nil {
		return nil, err
	}
	return &ffmpegDevice{
		path:   path,
		args:   captureArgs(kind, opts),
		onData: onData,
	}, nil
}

// captureArgs builds the ffmpeg command line that writes raw s16le PCM of
// the selected PulseAudio source to stdout.
func captureArgs(kind Kind, opts SourceOptions) []string {
	input := opts.Device
	if input == "" {
		input = "default"
		if kind == KindLoopback {
			input = "@DEFAULT_MONITOR@"
		}
	}
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "pulse",
		"-name", "callcapture-" + string(kind),
		"-i", input,
		"-ac", strconv.Itoa(opts.Channels),
		"-ar", strconv.Itoa(opts.SampleRate),
		"-f", "s16le",
		"pipe:1",
	}
}

// ffmpegDevice runs one capture process and forwards its stdout.
type ffmpegDevice struct {
	path   string
	args   []string
	onData func([]byte)

	mu       sync.Mutex
	cmd      *exec.Cmd
	stderr   bytes.Buffer
	done     chan struct{}
	stopping atomic.Bool
}

func (d *ffmpegDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cmd := exec.Command(d.path, d.args...)
	cmd.Stderr = &d.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	slog.Debug("Starting PipeWire capture", "args", d.args)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	d.cmd = cmd
	d.done = make(chan struct{})
	go d.pump(stdout)
	return nil
}

func (d *ffmpegDevice) pump(stdout io.Reader) {
	defer close(d.done)
	buf := make([]byte, pipeWireChunk)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			d.onData(buf[:n])
		}
		if err != nil {
			break
		}
	}
	err := d.cmd.Wait()
	if !d.stopping.Load() {
		slog.Warn("PipeWire capture process exited", "error", err, "stderr", d.stderr.String())
	}
}

// Stop interrupts the process and waits for it, killing it after
// pipeWireStopTimeout.
func (d *ffmpegDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil || d.stopping.Swap(true) {
		return nil
	}
	if err := d.cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to send interrupt to FFmpeg", "error", err)
		d.cmd.Process.Kill()
	}
	select {
	case <-d.done:
	case <-time.After(pipeWireStopTimeout):
		slog.Warn("FFmpeg did not exit within timeout, force killing")
		d.cmd.Process.Kill()
		<-d.done
	}
	return nil
}

func (d *ffmpegDevice) Uninit() {
	d.Stop()
}
