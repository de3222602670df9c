package audio

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/audiolibrelab/callcapture/internal/config"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypeMalgo    BackendType = "malgo"
	BackendTypePipeWire BackendType = "pipewire"
	BackendTypeAuto     BackendType = "auto"
)

// Backend creates capture sources for one audio subsystem.
type Backend interface {
	NewMicSource(opts SourceOptions) (Source, error)

	// NewLoopbackSource fails with ErrCaptureUnavailable unless token is
	// valid and the platform can capture playback audio.
	NewLoopbackSource(token *ConsentToken, opts SourceOptions) (Source, error)

	// ListSources returns the device names usable for kind.
	ListSources(kind Kind) ([]string, error)

	SupportsLoopback() bool

	GetType() BackendType

	Close() error
}

// NewBackend creates the backend selected by configuration
func NewBackend(cfg *config.Config) (Backend, error) {
	switch determineBackend(cfg, hasPipeWire) {
	case BackendTypeMalgo:
		return NewMalgoBackend()
	case BackendTypePipeWire:
		return NewPipeWireBackend()
	default:
		return nil, fmt.Errorf("unsupported audio backend: %s", cfg.Audio.Backend)
	}
}

// determineBackend resolves "auto": PipeWire on linux hosts that run it,
// since it is the only backend with loopback capture there, malgo elsewhere.
func determineBackend(cfg *config.Config, pipeWireAvailable func() bool) BackendType {
	switch strings.ToLower(cfg.Audio.Backend) {
	case "malgo":
		return BackendTypeMalgo
	case "pipewire":
		return BackendTypePipeWire
	case "auto", "":
		if pipeWireAvailable() {
			return BackendTypePipeWire
		}
		return BackendTypeMalgo
	}
	return BackendType(cfg.Audio.Backend)
}

func hasPipeWire() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := exec.LookPath("pw-link")
	return err == nil
}

// MicOptions builds mic source options from configuration.
func MicOptions(cfg *config.Config) SourceOptions {
	return SourceOptions{
		Device:      cfg.Audio.MicDevice,
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
		ReadTimeout: cfg.Audio.ReadTimeout,
	}
}

// LoopbackOptions builds loopback source options from configuration.
func LoopbackOptions(cfg *config.Config) SourceOptions {
	o := MicOptions(cfg)
	o.Device = cfg.Audio.LoopbackDevice
	return o
}

func checkConsent(token *ConsentToken) error {
	if !token.Valid(time.Now()) {
		return fmt.Errorf("loopback capture requires an active consent token: %w", ErrCaptureUnavailable)
	}
	return nil
}
