// Package recorder owns the recording session lifecycle: it acquires the
// capture sources, runs the mixer over the encoder pipeline and reports
// state transitions and amplitude to observers.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/callcapture/internal/audio"
	"github.com/audiolibrelab/callcapture/internal/config"
	"github.com/audiolibrelab/callcapture/internal/encoder"
	"github.com/audiolibrelab/callcapture/internal/library"
	"github.com/audiolibrelab/callcapture/internal/mixer"
	"github.com/audiolibrelab/callcapture/internal/observe"
)

// Pipeline is the encoder side of a session. *encoder.Pipeline satisfies it.
type Pipeline interface {
	mixer.Encoder
	Setup() error
	Release() error
}

// PipelineFactory builds an unstarted pipeline writing to path.
type PipelineFactory func(path string) (Pipeline, error)

type Options struct {
	Config  *config.Config
	Backend audio.Backend
	Consent *audio.ConsentStore
	Store   *library.Store

	// NewPipeline defaults to encoder.New over Store's filesystem.
	NewPipeline PipelineFactory
	Metrics     *observe.Metrics
	Clock       func() time.Time
}

// Status is a snapshot of the controller.
type Status struct {
	State     State      `json:"state"`
	Mode      Mode       `json:"mode,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	FileName  string     `json:"fileName,omitempty"`
}

type session struct {
	mode      Mode
	path      string
	startedAt time.Time

	mic      audio.Source
	loopback audio.Source
	pipeline Pipeline
	engine   *mixer.Engine
	meter    *meter
	stopping chan struct{}
}

// Controller runs at most one recording session at a time. Its mutex only
// guards state transitions; sources, encoder and worker are driven outside
// of it.
type Controller struct {
	cfg         *config.Config
	backend     audio.Backend
	consent     *audio.ConsentStore
	store       *library.Store
	newPipeline PipelineFactory
	metrics     *observe.Metrics
	clock       func() time.Time

	mu      sync.Mutex
	state   State
	session *session

	stateSink     atomic.Pointer[StateSink]
	amplitudeSink atomic.Pointer[AmplitudeSink]
}

func NewController(opts Options) *Controller {
	c := &Controller{
		cfg:         opts.Config,
		backend:     opts.Backend,
		consent:     opts.Consent,
		store:       opts.Store,
		newPipeline: opts.NewPipeline,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		state:       StateIdle,
	}
	if c.consent == nil {
		c.consent = audio.NewConsentStore()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.newPipeline == nil {
		c.newPipeline = func(path string) (Pipeline, error) {
			return encoder.New(c.cfg, c.store.Fs(), path, c.metrics)
		}
	}
	return c
}

// SetStateSink replaces the lifecycle event observer. nil disables it.
func (c *Controller) SetStateSink(sink StateSink) {
	if sink == nil {
		c.stateSink.Store(nil)
		return
	}
	c.stateSink.Store(&sink)
}

// SetAmplitudeSink replaces the amplitude observer. nil disables it.
func (c *Controller) SetAmplitudeSink(sink AmplitudeSink) {
	if sink == nil {
		c.amplitudeSink.Store(nil)
		return
	}
	c.amplitudeSink.Store(&sink)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{State: c.state}
	if s := c.session; s != nil {
		started := s.startedAt
		st.Mode = s.mode
		st.StartedAt = &started
		st.FileName = filepath.Base(s.path)
	}
	return st
}

// SupportsDualStream reports whether a dual-stream session could start now.
func (c *Controller) SupportsDualStream() bool {
	if !c.backend.SupportsLoopback() {
		return false
	}
	_, ok := c.consent.Active()
	return ok
}

func (c *Controller) emit(state State, reason error) {
	ev := Event{State: state, Timestamp: library.FormatTime(c.clock())}
	if reason != nil {
		msg := reason.Error()
		ev.Reason = &msg
	}
	if sink := c.stateSink.Load(); sink != nil {
		(*sink)(ev)
	}
}

func (c *Controller) emitAmplitude(v float64) {
	if sink := c.amplitudeSink.Load(); sink != nil {
		(*sink)(v)
	}
}

// Start begins a session in mode. Dual-stream requires loopback support
// and an active consent token; otherwise ErrCaptureUnavailable is returned
// before any state change.
func (c *Controller) Start(mode Mode) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateStopped, StateError:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrAlreadyRecording, c.state)
	}

	var token *audio.ConsentToken
	if mode == ModeDualStream {
		if !c.backend.SupportsLoopback() {
			c.mu.Unlock()
			return fmt.Errorf("dual-stream capture is not supported by the %s backend: %w",
				c.backend.GetType(), audio.ErrCaptureUnavailable)
		}
		t, ok := c.consent.Active()
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("dual-stream capture requires a consent grant: %w", audio.ErrCaptureUnavailable)
		}
		token = t
	}
	c.state = StateInitializing
	c.mu.Unlock()

	slog.Info("Starting recording session", "mode", mode)
	c.emit(StateInitializing, nil)

	s := &session{mode: mode, stopping: make(chan struct{})}

	if err := c.acquireSources(s, token); err != nil {
		err = fmt.Errorf("%w: %w", ErrRecordingFailed, err)
		slog.Error("Failed to acquire capture sources", "mode", mode, "error", err)
		c.metrics.RecordSessionError(context.Background(), Code(err))
		c.setState(StateIdle)
		c.emit(StateError, err)
		return err
	}

	if err := c.setupPipeline(s); err != nil {
		c.releaseSources(s)
		c.fail(err)
		return err
	}

	gains := mixer.GainProfile{Mic: c.cfg.Mix.MicGain, App: c.cfg.Mix.AppGain}
	if mode == ModeMicOnly {
		gains.Mic = 1
	}
	s.engine = mixer.New(s.mic, s.loopback, s.pipeline, mixer.Config{
		BufferSize:  c.cfg.Audio.BufferSize,
		Gains:       gains,
		ReadTimeout: c.cfg.Audio.ReadTimeout,
		JoinTimeout: c.cfg.Audio.JoinTimeout,
		IdleBackoff: c.cfg.Audio.InputTimeout,
	}, c.metrics)
	if err := s.engine.Start(context.Background()); err != nil {
		err = fmt.Errorf("%w: %w", ErrRecordingFailed, err)
		c.teardown(s)
		c.fail(err)
		return err
	}
	s.startedAt = c.clock()

	c.mu.Lock()
	c.session = s
	c.state = StateRecording
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(context.Background(), 1)
	c.emit(StateRecording, nil)
	s.meter = startMeter(s.engine, c.cfg.Audio.MeterInterval, c.emitAmplitude)
	go c.watch(s)

	slog.Info("Recording started", "mode", mode, "file", s.path)
	return nil
}

func (c *Controller) acquireSources(s *session, token *audio.ConsentToken) error {
	mic, err := c.backend.NewMicSource(audio.MicOptions(c.cfg))
	if err != nil {
		return fmt.Errorf("mic source: %w", err)
	}
	if err := mic.Start(); err != nil {
		releaseSource(mic)
		return err
	}
	s.mic = mic

	if s.mode != ModeDualStream {
		return nil
	}

	loopback, err := c.backend.NewLoopbackSource(token, audio.LoopbackOptions(c.cfg))
	if err != nil {
		c.releaseSources(s)
		return fmt.Errorf("loopback source: %w", err)
	}
	if err := loopback.Start(); err != nil {
		releaseSource(loopback)
		c.releaseSources(s)
		return err
	}
	s.loopback = loopback
	return nil
}

func (c *Controller) setupPipeline(s *session) error {
	path, err := c.store.NewRecordingPath()
	if err != nil {
		return fmt.Errorf("%w: %v", encoder.ErrEncoderSetupFailed, err)
	}
	p, err := c.newPipeline(path)
	if err != nil {
		return err
	}
	if err := p.Setup(); err != nil {
		if relErr := p.Release(); relErr != nil {
			slog.Warn("Failed to release pipeline after setup failure", "error", relErr)
		}
		return err
	}
	s.path = path
	s.pipeline = p
	return nil
}

// watch aborts the session if the mixer worker dies before Stop.
func (c *Controller) watch(s *session) {
	select {
	case <-s.stopping:
		return
	case <-s.engine.Done():
	}

	err := s.engine.Err()
	if err == nil {
		return
	}
	if !c.claim(s) {
		return
	}

	slog.Error("Recording aborted", "error", err, "file", s.path)
	s.meter.Stop()
	c.teardown(s)
	c.metrics.ActiveSessions.Add(context.Background(), -1)
	c.fail(err)
}

// claim moves s from Recording to Stopping. Only one of Stop and watch
// wins the session.
func (c *Controller) claim(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording || c.session != s {
		return false
	}
	c.state = StateStopping
	return true
}

// Stop ends the active session and returns the recording's metadata.
func (c *Controller) Stop() (*library.Recording, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil || !c.claim(s) {
		return nil, ErrNoActiveSession
	}
	close(s.stopping)

	c.emit(StateStopping, nil)
	s.meter.Stop()

	engineErr := s.engine.Stop()
	if errors.Is(engineErr, mixer.ErrJoinTimeout) {
		slog.Warn("Proceeding with teardown while mixer worker is still running", "file", s.path)
		engineErr = nil
	}
	c.teardown(s)
	c.metrics.ActiveSessions.Add(context.Background(), -1)

	if engineErr != nil {
		c.fail(engineErr)
		return nil, engineErr
	}

	rec, err := c.store.Describe(s.path)
	if err != nil {
		if errors.Is(err, library.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrFileNotFound, s.path)
		}
		c.fail(err)
		return nil, err
	}

	c.mu.Lock()
	c.session = nil
	c.state = StateStopped
	c.mu.Unlock()
	c.emit(StateStopped, nil)

	slog.Info("Recording stopped", "file", rec.FilePath, "duration_ms", rec.DurationMs, "size", rec.Size())
	return rec, nil
}

// teardown releases the pipeline, then the mic, then the loopback source.
// The mixer must already have stopped.
func (c *Controller) teardown(s *session) {
	c.releasePipeline(s)
	c.releaseSources(s)
}

func (c *Controller) releasePipeline(s *session) {
	if s.pipeline == nil {
		return
	}
	if err := s.pipeline.Release(); err != nil {
		slog.Warn("Failed to release encoder pipeline", "error", err)
	}
}

func (c *Controller) releaseSources(s *session) {
	if s.mic != nil {
		releaseSource(s.mic)
	}
	if s.loopback != nil {
		releaseSource(s.loopback)
	}
}

func releaseSource(src audio.Source) {
	if err := src.Stop(); err != nil {
		slog.Warn("Failed to stop capture source", "kind", src.Kind(), "error", err)
	}
	if err := src.Release(); err != nil {
		slog.Warn("Failed to release capture source", "kind", src.Kind(), "error", err)
	}
}

// fail moves the controller to Error and reports err.
func (c *Controller) fail(err error) {
	slog.Error("Recording session failed", "error", err, "code", Code(err))
	c.metrics.RecordSessionError(context.Background(), Code(err))

	c.mu.Lock()
	c.session = nil
	c.state = StateError
	c.mu.Unlock()
	c.emit(StateError, err)
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}
