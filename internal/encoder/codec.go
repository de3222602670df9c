package encoder

import (
	"errors"
	"time"
)

var (
	// ErrEncoderSetupFailed wraps any failure to configure or start the
	// codec or open the container.
	ErrEncoderSetupFailed = errors.New("encoder setup failed")

	// ErrUnexpectedFormatChange is returned when the codec reports a second
	// output format change after the muxer has started.
	ErrUnexpectedFormatChange = errors.New("unexpected output format change")

	// ErrDrainTimeout is returned when the end-of-stream packet does not
	// appear within the drain deadline.
	ErrDrainTimeout = errors.New("end-of-stream drain timed out")
)

// Status codes returned by Codec.DequeueOutputBuffer and
// Codec.DequeueInputBuffer in place of a buffer index.
const (
	InfoTryAgainLater       = -1
	InfoOutputFormatChanged = -2
)

// BufferFlag marks properties of a queued or dequeued buffer.
type BufferFlag uint32

const (
	FlagCodecConfig BufferFlag = 1 << 1
	FlagEndOfStream BufferFlag = 1 << 2
)

// BufferInfo describes the payload of an output buffer.
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              BufferFlag
}

func (i BufferInfo) EndOfStream() bool {
	return i.Flags&FlagEndOfStream != 0
}

const (
	MimeRaw = "audio/raw"
	MimeAAC = "audio/mp4a-latm"
)

// Format describes a codec's input or output stream.
type Format struct {
	MimeType     string `json:"mime_type"`
	SampleRate   int    `json:"sample_rate"`
	Channels     int    `json:"channels"`
	BitRate      int    `json:"bit_rate"`
	MaxInputSize int    `json:"max_input_size,omitempty"`
	CodecConfig  []byte `json:"codec_config,omitempty"` // e.g. AudioSpecificConfig
}

// Codec is an asynchronous buffer-exchange encoder. Input buffers are
// borrowed with DequeueInputBuffer and returned filled with
// QueueInputBuffer. Output is polled with DequeueOutputBuffer, which yields
// a buffer index, InfoTryAgainLater, or InfoOutputFormatChanged. Every
// dequeued output buffer must be released.
type Codec interface {
	Configure(f Format) error
	Start() error

	DequeueInputBuffer(timeout time.Duration) int
	InputBuffer(index int) []byte
	QueueInputBuffer(index, offset, size int, ptsUs int64, flags BufferFlag) error

	DequeueOutputBuffer(info *BufferInfo, timeout time.Duration) int
	OutputBuffer(index int) []byte
	ReleaseOutputBuffer(index int) error
	OutputFormat() Format

	Stop() error
	Release() error
}

// Muxer writes encoded samples into a container file. AddTrack may be
// called at most once, before Start.
type Muxer interface {
	AddTrack(f Format) (int, error)
	Start() error
	WriteSampleData(track int, data []byte, info BufferInfo) error
	Stop() error
	Release() error
}
