package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/callcapture/internal/observe"
)

// PipelineState tracks the pipeline's progress through a session.
type PipelineState int

const (
	StateConfigured PipelineState = iota
	StateEncoding
	StateMuxerStarted
	StateDraining
	StateFinalized
	StateReleased
)

func (s PipelineState) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateEncoding:
		return "encoding"
	case StateMuxerStarted:
		return "muxer_started"
	case StateDraining:
		return "draining"
	case StateFinalized:
		return "finalized"
	case StateReleased:
		return "released"
	}
	return fmt.Sprintf("PipelineState(%d)", int(s))
}

// Options controls pipeline timing.
type Options struct {
	Format       Format
	InputTimeout time.Duration // wait for a free input slot
	DrainTimeout time.Duration // bound on the end-of-stream drain
	Clock        func() time.Time
	Metrics      *observe.Metrics
}

// Pipeline drives a Codec and a Muxer. Calls are serialized, so a Release
// issued while the worker is still draining waits for that drain to return
// and later calls fail on the released state.
type Pipeline struct {
	codec Codec
	muxer Muxer
	opts  Options

	mu           sync.Mutex
	state        PipelineState
	track        int
	muxerStarted bool
	eosQueued    bool
	startTime    time.Time
	lastPts      int64
	info         BufferInfo
}

func NewPipeline(codec Codec, muxer Muxer, opts Options) *Pipeline {
	if opts.InputTimeout <= 0 {
		opts.InputTimeout = 10 * time.Millisecond
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	return &Pipeline{codec: codec, muxer: muxer, opts: opts, track: -1}
}

func (p *Pipeline) State() PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Setup configures and starts the codec. The muxer stays unstarted until
// the codec reports its output format.
func (p *Pipeline) Setup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateConfigured {
		return fmt.Errorf("pipeline already set up")
	}
	if err := p.codec.Configure(p.opts.Format); err != nil {
		return fmt.Errorf("%w: configure: %v", ErrEncoderSetupFailed, err)
	}
	if err := p.codec.Start(); err != nil {
		return fmt.Errorf("%w: start: %v", ErrEncoderSetupFailed, err)
	}
	p.startTime = p.opts.Clock()
	p.state = StateEncoding
	return nil
}

// Feed submits pcm to the codec. When no input slot frees up within the
// input timeout the chunk is dropped.
func (p *Pipeline) Feed(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateEncoding && p.state != StateMuxerStarted {
		return fmt.Errorf("pipeline not accepting input in state %s", p.state)
	}

	for len(pcm) > 0 {
		index := p.codec.DequeueInputBuffer(p.opts.InputTimeout)
		if index < 0 {
			slog.Debug("No encoder input slot available, dropping chunk", "bytes", len(pcm))
			p.opts.Metrics.RecordDropped(context.Background(), observe.DropInputSlot, len(pcm))
			return nil
		}

		slot := p.codec.InputBuffer(index)
		n := copy(slot, pcm)
		if err := p.codec.QueueInputBuffer(index, 0, n, p.nextPts(), 0); err != nil {
			return fmt.Errorf("failed to queue input: %w", err)
		}
		pcm = pcm[n:]
	}
	return nil
}

// nextPts returns microseconds since Setup, never decreasing.
func (p *Pipeline) nextPts() int64 {
	pts := p.opts.Clock().Sub(p.startTime).Microseconds()
	if pts < p.lastPts {
		pts = p.lastPts
	}
	p.lastPts = pts
	return pts
}

// Drain moves available codec output into the muxer. With endOfStream it
// signals end of input and blocks until the codec emits its end-of-stream
// packet, which finalizes the pipeline.
func (p *Pipeline) Drain(endOfStream bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateEncoding, StateMuxerStarted:
	case StateFinalized:
		return nil
	default:
		return fmt.Errorf("cannot drain in state %s", p.state)
	}

	var (
		deadline time.Time
		started  time.Time
	)
	if endOfStream {
		started = p.opts.Clock()
		deadline = time.Now().Add(p.opts.DrainTimeout)
		p.state = StateDraining
		defer func() {
			p.opts.Metrics.DrainDuration.Record(context.Background(), p.opts.Clock().Sub(started).Seconds())
		}()
	}

	for {
		timeout := time.Duration(0)
		if endOfStream {
			timeout = p.opts.InputTimeout
		}
		index := p.codec.DequeueOutputBuffer(&p.info, timeout)

		switch {
		case index == InfoTryAgainLater:
			if !endOfStream {
				return nil
			}
			if !p.eosQueued {
				if err := p.queueEndOfStream(deadline); err != nil {
					return err
				}
				continue
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("%w after %s", ErrDrainTimeout, p.opts.DrainTimeout)
			}

		case index == InfoOutputFormatChanged:
			if err := p.startMuxer(); err != nil {
				return err
			}

		case index >= 0:
			eos, err := p.writeOutput(index)
			if err != nil {
				return err
			}
			if eos {
				p.state = StateFinalized
				return nil
			}

		default:
			slog.Debug("Ignoring unknown codec status", "status", index)
		}
	}
}

func (p *Pipeline) queueEndOfStream(deadline time.Time) error {
	for {
		index := p.codec.DequeueInputBuffer(p.opts.InputTimeout)
		if index >= 0 {
			if err := p.codec.QueueInputBuffer(index, 0, 0, p.nextPts(), FlagEndOfStream); err != nil {
				return fmt.Errorf("failed to queue end of stream: %w", err)
			}
			p.eosQueued = true
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: no input slot for end of stream", ErrDrainTimeout)
		}
	}
}

func (p *Pipeline) startMuxer() error {
	if p.muxerStarted {
		return ErrUnexpectedFormatChange
	}
	format := p.codec.OutputFormat()
	track, err := p.muxer.AddTrack(format)
	if err != nil {
		return fmt.Errorf("failed to add %s track: %w", format.MimeType, err)
	}
	if err := p.muxer.Start(); err != nil {
		return fmt.Errorf("failed to start muxer: %w", err)
	}
	p.track = track
	p.muxerStarted = true
	if p.state == StateEncoding {
		p.state = StateMuxerStarted
	}
	slog.Debug("Muxer started", "mime", format.MimeType, "sample_rate", format.SampleRate, "channels", format.Channels)
	return nil
}

func (p *Pipeline) writeOutput(index int) (bool, error) {
	info := p.info
	if p.muxerStarted && info.Size > 0 {
		data := p.codec.OutputBuffer(index)
		if err := p.muxer.WriteSampleData(p.track, data[info.Offset:info.Offset+info.Size], info); err != nil {
			p.codec.ReleaseOutputBuffer(index)
			return false, fmt.Errorf("failed to write sample: %w", err)
		}
		p.opts.Metrics.RecordPacket(context.Background(), info.Size)
	} else if info.Size > 0 {
		slog.Debug("Discarding packet before muxer start", "bytes", info.Size)
	}
	if err := p.codec.ReleaseOutputBuffer(index); err != nil {
		return false, fmt.Errorf("failed to release output buffer: %w", err)
	}
	return info.EndOfStream(), nil
}

// Release stops and releases the codec, then stops the muxer if it was
// started and releases it. It always runs every step and may be called
// more than once.
func (p *Pipeline) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateReleased {
		return nil
	}
	p.state = StateReleased

	var errs []error
	if err := p.codec.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("codec stop: %w", err))
	}
	if err := p.codec.Release(); err != nil {
		errs = append(errs, fmt.Errorf("codec release: %w", err))
	}
	if p.muxerStarted {
		if err := p.muxer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("muxer stop: %w", err))
		}
	}
	if err := p.muxer.Release(); err != nil {
		errs = append(errs, fmt.Errorf("muxer release: %w", err))
	}
	return errors.Join(errs...)
}
