package mixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/callcapture/internal/audio"
	"github.com/audiolibrelab/callcapture/internal/observe"
)

// ErrJoinTimeout is returned by Stop when the worker did not exit in time.
// The caller proceeds with teardown regardless.
var ErrJoinTimeout = errors.New("mixer worker did not stop in time")

// Encoder consumes mixed PCM. *encoder.Pipeline satisfies it.
type Encoder interface {
	Feed(pcm []byte) error
	Drain(endOfStream bool) error
}

type Config struct {
	BufferSize  int // bytes read per source per iteration
	Gains       GainProfile
	ReadTimeout time.Duration // wait for input per iteration, shared by both sources
	JoinTimeout time.Duration
	IdleBackoff time.Duration // wait after an iteration with no data
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 20 * time.Millisecond
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 2 * time.Second
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 10 * time.Millisecond
	}
	return c
}

// Engine pulls PCM from the mic and (optionally) loopback sources, mixes it
// and feeds the encoder from a single worker goroutine. A nil loopback
// source runs the engine in single-source mode.
type Engine struct {
	mic     audio.Source
	app     audio.Source
	enc     Encoder
	cfg     Config
	metrics *observe.Metrics

	recording atomic.Bool
	peak      atomic.Uint64 // math.Float64bits of the last buffer's peak

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	micBuf []byte
	appBuf []byte
	mixBuf []byte
}

func New(mic, app audio.Source, enc Encoder, cfg Config, metrics *observe.Metrics) *Engine {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	e := &Engine{
		mic:     mic,
		app:     app,
		enc:     enc,
		cfg:     cfg,
		metrics: metrics,
		done:    make(chan struct{}),
		micBuf:  make([]byte, cfg.BufferSize),
		mixBuf:  make([]byte, cfg.BufferSize),
	}
	if app != nil {
		e.appBuf = make([]byte, cfg.BufferSize)
	}
	return e
}

// Start launches the worker. An engine runs at most once.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("mixer already started")
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.recording.Store(true)
	go e.run(ctx)

	slog.Debug("Mixer started", "dual", e.app != nil, "buffer_size", e.cfg.BufferSize,
		"mic_gain", e.cfg.Gains.Mic, "app_gain", e.cfg.Gains.App)
	return nil
}

// Stop signals the worker and waits up to JoinTimeout for it to finish the
// end-of-stream drain. It returns the worker's fatal error, ErrJoinTimeout,
// or nil. Stop is idempotent.
func (e *Engine) Stop() error {
	e.mu.Lock()
	started := e.started
	cancel := e.cancel
	e.mu.Unlock()

	if !started {
		return nil
	}
	e.recording.Store(false)
	cancel()

	select {
	case <-e.done:
		return e.Err()
	case <-time.After(e.cfg.JoinTimeout):
		slog.Warn("Mixer worker did not exit within join timeout", "timeout", e.cfg.JoinTimeout)
		return ErrJoinTimeout
	}
}

// Done is closed when the worker exits.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the error that terminated the worker, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Engine) IsRecording() bool {
	return e.recording.Load()
}

// Peak returns the normalized peak amplitude of the most recent buffer
// handed to the encoder, or 0 after an iteration without input.
func (e *Engine) Peak() float64 {
	return math.Float64frombits(e.peak.Load())
}

func (e *Engine) run(ctx context.Context) {
	// Keep the real-time loop on one OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var err error
	defer func() {
		e.recording.Store(false)
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		close(e.done)
	}()

	for e.recording.Load() {
		out, stepErr := e.step(ctx)
		if stepErr != nil {
			err = stepErr
			slog.Error("Mixer worker aborted", "error", stepErr)
			return
		}
		if out == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.cfg.IdleBackoff):
			}
		}
	}

	// Flush whatever the encoder still holds.
	if drainErr := e.enc.Drain(true); drainErr != nil {
		err = fmt.Errorf("final drain failed: %w", drainErr)
		slog.Error("Mixer final drain failed", "error", drainErr)
	}
}

// step performs one iteration and returns the number of PCM bytes fed to
// the encoder. Both reads share one ReadTimeout deadline, so an iteration
// never waits longer than that for input.
func (e *Engine) step(ctx context.Context) (int, error) {
	deadline := time.Now().Add(e.cfg.ReadTimeout)
	micN := readSource(e.mic, e.micBuf, e.cfg.ReadTimeout)
	appN := 0
	if e.app != nil {
		appN = readSource(e.app, e.appBuf, time.Until(deadline))
	}

	var out []byte
	switch {
	case micN > 0 && appN > 0:
		n := min(micN, appN)
		written := Mix(e.mixBuf, e.micBuf, e.appBuf, n, e.cfg.Gains)
		out = e.mixBuf[:written]
		e.metrics.RecordIteration(ctx, observe.PathMixed)
		e.metrics.RecordDropped(ctx, observe.DropAsymmetric, max(micN, appN)-n)
		e.metrics.RecordDropped(ctx, observe.DropOddByte, n-written)
	case micN > 0:
		written := ApplyGain(e.micBuf, micN, e.cfg.Gains.Mic)
		out = e.micBuf[:written]
		e.metrics.RecordIteration(ctx, observe.PathMic)
		e.metrics.RecordDropped(ctx, observe.DropOddByte, micN-written)
	case appN > 0:
		written := ApplyGain(e.appBuf, appN, e.cfg.Gains.App)
		out = e.appBuf[:written]
		e.metrics.RecordIteration(ctx, observe.PathApp)
		e.metrics.RecordDropped(ctx, observe.DropOddByte, appN-written)
	default:
		e.peak.Store(0)
		e.metrics.RecordIteration(ctx, observe.PathIdle)
		return 0, nil
	}

	if len(out) == 0 {
		e.peak.Store(0)
		return 0, nil
	}
	e.peak.Store(math.Float64bits(Peak(out, len(out))))

	if err := e.enc.Feed(out); err != nil {
		return 0, fmt.Errorf("feed failed: %w", err)
	}
	if err := e.enc.Drain(false); err != nil {
		return 0, fmt.Errorf("drain failed: %w", err)
	}
	return len(out), nil
}

func readSource(src audio.Source, buf []byte, timeout time.Duration) int {
	var (
		n   int
		err error
	)
	if tr, ok := src.(audio.TimedReader); ok {
		n, err = tr.ReadWithin(buf, timeout)
	} else {
		n, err = src.Read(buf)
	}
	if err != nil {
		slog.Debug("Transient capture read error", "kind", src.Kind(), "error", err)
		return 0
	}
	if n < 0 {
		return 0
	}
	return n
}
