package audio

import (
	"errors"
	"time"
)

var (
	// ErrCaptureUnavailable is returned when a capture source cannot be
	// constructed or started: missing consent, unsupported platform, busy device.
	ErrCaptureUnavailable = errors.New("capture unavailable")

	// ErrPermissionDenied is returned when the OS refuses microphone access.
	ErrPermissionDenied = errors.New("permission denied")
)

// Kind identifies the capture endpoint of a Source.
type Kind string

const (
	KindMic      Kind = "mic"
	KindLoopback Kind = "loopback"
)

// Source is a producer of mono 16-bit little-endian PCM.
//
// Read copies up to len(p) bytes of captured audio into p and returns the
// number of bytes written. It may block for a bounded time and returns 0
// when nothing arrived. A non-nil error is a transient read condition; the
// caller treats it like a zero-byte read.
//
// Stop and Release are idempotent. Release after Stop is legal and must not
// fail on an already stopped source.
type Source interface {
	Start() error
	Read(p []byte) (int, error)
	Stop() error
	Release() error
	Kind() Kind
}

// TimedReader is implemented by sources whose Read wait can be bounded per
// call. A timeout <= 0 returns only what is already buffered.
type TimedReader interface {
	ReadWithin(p []byte, timeout time.Duration) (int, error)
}

// SourceOptions describes the PCM format and device a source captures.
type SourceOptions struct {
	Device      string // empty selects the system default
	SampleRate  int
	Channels    int
	ReadTimeout time.Duration
}

func (o SourceOptions) withDefaults() SourceOptions {
	if o.SampleRate == 0 {
		o.SampleRate = 44100
	}
	if o.Channels == 0 {
		o.Channels = 1
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 20 * time.Millisecond
	}
	return o
}

// bufferCapacity holds one second of audio.
func (o SourceOptions) bufferCapacity() int {
	return o.SampleRate * o.Channels * 2
}
