package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// captureDevice is the part of a backend device a source drives.
// *malgo.Device satisfies it.
type captureDevice interface {
	Start() error
	Stop() error
	Uninit()
}

// deviceOpener opens the device for kind and routes its PCM into onData.
type deviceOpener func(kind Kind, opts SourceOptions, onData func([]byte)) (captureDevice, error)

type sourceState int

const (
	sourceCreated sourceState = iota
	sourceStarted
	sourceStopped
	sourceReleased
)

// deviceSource adapts a callback-driven capture device to the pull-based
// Source interface.
type deviceSource struct {
	kind Kind
	opts SourceOptions
	open deviceOpener
	buf  *pcmBuffer

	mu     sync.Mutex
	state  sourceState
	device captureDevice
}

func newDeviceSource(kind Kind, opts SourceOptions, open deviceOpener) *deviceSource {
	opts = opts.withDefaults()
	return &deviceSource{
		kind: kind,
		opts: opts,
		open: open,
		buf:  newPCMBuffer(opts.bufferCapacity()),
	}
}

func (s *deviceSource) Kind() Kind {
	return s.kind
}

// Start opens the underlying device and begins capturing.
func (s *deviceSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case sourceStarted:
		return nil
	case sourceStopped, sourceReleased:
		return fmt.Errorf("%s source cannot be restarted: %w", s.kind, ErrCaptureUnavailable)
	}

	device, err := s.open(s.kind, s.opts, s.buf.write)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrCaptureUnavailable) {
			return fmt.Errorf("failed to open %s device: %w", s.kind, err)
		}
		return fmt.Errorf("failed to open %s device: %v: %w", s.kind, err, ErrCaptureUnavailable)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("failed to start %s device: %v: %w", s.kind, err, ErrCaptureUnavailable)
	}

	s.device = device
	s.state = sourceStarted
	slog.Debug("Capture source started", "kind", s.kind, "device", s.opts.Device, "sample_rate", s.opts.SampleRate)
	return nil
}

func (s *deviceSource) Read(p []byte) (int, error) {
	return s.ReadWithin(p, s.opts.ReadTimeout)
}

// ReadWithin is Read with a per-call wait bound.
func (s *deviceSource) ReadWithin(p []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	started := s.state == sourceStarted
	s.mu.Unlock()
	if !started {
		return 0, nil
	}
	return s.buf.read(p, timeout), nil
}

func (s *deviceSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *deviceSource) stopLocked() error {
	if s.state != sourceStarted {
		return nil
	}
	s.state = sourceStopped
	s.buf.close()
	if err := s.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop %s device: %w", s.kind, err)
	}
	return nil
}

func (s *deviceSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == sourceReleased {
		return nil
	}
	err := s.stopLocked()
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	s.state = sourceReleased
	if dropped := s.buf.droppedBytes(); dropped > 0 {
		slog.Debug("Capture buffer overflowed during session", "kind", s.kind, "dropped_bytes", dropped)
	}
	return err
}
