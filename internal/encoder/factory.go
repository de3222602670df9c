package encoder

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/audiolibrelab/callcapture/internal/config"
	"github.com/audiolibrelab/callcapture/internal/observe"
)

// New builds an unstarted pipeline for the configured output format,
// writing to path. WAV output goes through fs; M4A output is written by
// ffmpeg directly on the host filesystem.
func New(cfg *config.Config, fs afero.Fs, path string, metrics *observe.Metrics) (*Pipeline, error) {
	format := Format{
		SampleRate:   cfg.Audio.SampleRate,
		Channels:     cfg.Audio.Channels,
		BitRate:      cfg.Audio.BitRate,
		MaxInputSize: cfg.Audio.BufferSize * 2,
	}

	var (
		codec Codec
		muxer Muxer
		err   error
	)
	switch cfg.Output.Format {
	case config.FormatWAV:
		format.MimeType = MimeRaw
		codec = NewSoftCodec(&PCMFrameEncoder{}, 0)
		muxer, err = NewWAVMuxer(fs, path)
	case config.FormatM4A:
		format.MimeType = MimeAAC
		codec = NewSoftCodec(&AACFrameEncoder{}, 0)
		muxer, err = NewM4AMuxer(path)
	default:
		return nil, fmt.Errorf("%w: unsupported output format %q", ErrEncoderSetupFailed, cfg.Output.Format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoderSetupFailed, err)
	}

	return NewPipeline(codec, muxer, Options{
		Format:       format,
		InputTimeout: cfg.Audio.InputTimeout,
		DrainTimeout: cfg.Audio.DrainTimeout,
		Metrics:      metrics,
	}), nil
}
