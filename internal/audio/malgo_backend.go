package audio

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// MalgoBackend captures through miniaudio. Loopback capture is only
// implemented by miniaudio's WASAPI backend.
type MalgoBackend struct {
	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

func NewMalgoBackend() (*MalgoBackend, error) {
	return &MalgoBackend{}, nil
}

func (b *MalgoBackend) GetType() BackendType {
	return BackendTypeMalgo
}

func (b *MalgoBackend) SupportsLoopback() bool {
	return runtime.GOOS == "windows"
}

func (b *MalgoBackend) NewMicSource(opts SourceOptions) (Source, error) {
	return newDeviceSource(KindMic, opts, b.openDevice), nil
}

func (b *MalgoBackend) NewLoopbackSource(token *ConsentToken, opts SourceOptions) (Source, error) {
	if err := checkConsent(token); err != nil {
		return nil, err
	}
	if !b.SupportsLoopback() {
		return nil, fmt.Errorf("loopback capture is not supported on %s: %w", runtime.GOOS, ErrCaptureUnavailable)
	}
	return newDeviceSource(KindLoopback, opts, b.openDevice), nil
}

// ListSources returns capture device names for KindMic and playback device
// names (the loopback targets) for KindLoopback.
func (b *MalgoBackend) ListSources(kind Kind) ([]string, error) {
	ctx, err := b.context()
	if err != nil {
		return nil, err
	}

	deviceType := malgo.Capture
	if kind == KindLoopback {
		deviceType = malgo.Playback
	}
	infos, err := ctx.Devices(deviceType)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate %s devices: %w", kind, err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if info.IsDefault != 0 {
			name += " (default)"
		}
		names = append(names, name)
	}
	return names, nil
}

func (b *MalgoBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	return err
}

func (b *MalgoBackend) context() (*malgo.AllocatedContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx != nil {
		return b.ctx, nil
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("cannot init malgo context: %w", err)
	}
	b.ctx = ctx
	return ctx, nil
}

func (b *MalgoBackend) openDevice(kind Kind, opts SourceOptions, onData func([]byte)) (captureDevice, error) {
	ctx, err := b.context()
	if err != nil {
		return nil, err
	}

	deviceType := malgo.Capture
	lookupType := malgo.Capture
	if kind == KindLoopback {
		deviceType = malgo.Loopback
		lookupType = malgo.Playback
	}

	deviceConfig := malgo.DefaultDeviceConfig(deviceType)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(opts.Channels)
	deviceConfig.SampleRate = uint32(opts.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if opts.Device != "" {
		infos, err := ctx.Devices(lookupType)
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate devices: %w", err)
		}
		found := false
		for _, info := range infos {
			if info.Name() == opts.Device {
				deviceConfig.Capture.DeviceID = info.ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("device not found: %s", opts.Device)
		}
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			onData(input)
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "access denied") {
			return nil, fmt.Errorf("%v: %w", err, ErrPermissionDenied)
		}
		return nil, fmt.Errorf("cannot init malgo device: %w", err)
	}
	return device, nil
}
