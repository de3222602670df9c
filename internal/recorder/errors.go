package recorder

import (
	"errors"

	"github.com/audiolibrelab/callcapture/internal/audio"
	"github.com/audiolibrelab/callcapture/internal/encoder"
)

var (
	ErrAlreadyRecording = errors.New("a recording session is already active")
	ErrNoActiveSession  = errors.New("no active recording session")
	ErrFileNotFound     = errors.New("recording file not found after stop")
	ErrRecordingFailed  = errors.New("recording failed")
)

// Error codes reported to clients.
const (
	CodePermissionDenied       = "PERMISSION_DENIED"
	CodeCaptureUnavailable     = "CAPTURE_UNAVAILABLE"
	CodeEncoderSetupFailed     = "ENCODER_SETUP_FAILED"
	CodeUnexpectedFormatChange = "UNEXPECTED_FORMAT_CHANGE"
	CodeFileNotFound           = "FILE_NOT_FOUND"
	CodeAlreadyRecording       = "ALREADY_RECORDING"
	CodeNoActiveSession        = "NO_ACTIVE_SESSION"
	CodeRecordingFailed        = "RECORDING_FAILED"
)

// Code maps err to a stable error code. It returns "" for nil.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, audio.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrRecordingFailed):
		return CodeRecordingFailed
	case errors.Is(err, audio.ErrCaptureUnavailable):
		return CodeCaptureUnavailable
	case errors.Is(err, encoder.ErrEncoderSetupFailed):
		return CodeEncoderSetupFailed
	case errors.Is(err, encoder.ErrUnexpectedFormatChange):
		return CodeUnexpectedFormatChange
	case errors.Is(err, ErrFileNotFound):
		return CodeFileNotFound
	case errors.Is(err, ErrAlreadyRecording):
		return CodeAlreadyRecording
	case errors.Is(err, ErrNoActiveSession):
		return CodeNoActiveSession
	}
	return CodeRecordingFailed
}
