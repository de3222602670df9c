package service

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/afero"

	"github.com/audiolibrelab/callcapture/internal/audio"
	"github.com/audiolibrelab/callcapture/internal/config"
	"github.com/audiolibrelab/callcapture/internal/library"
	"github.com/audiolibrelab/callcapture/internal/observe"
	"github.com/audiolibrelab/callcapture/internal/play"
	"github.com/audiolibrelab/callcapture/internal/recorder"
)

// Service is the capture control surface used by the CLI and the server.
type Service interface {
	// Session operations
	StartSession(mode recorder.Mode) error
	StopSession() (*library.Recording, error)
	GetStatus() recorder.Status

	// Recordings
	ListRecordings() ([]*library.Recording, error)
	ResolveRecording(fileName string) (string, error)
	Play(id string) error

	// Capture capabilities and consent
	GetCapabilities() Capabilities
	GrantConsent() audio.ConsentToken
	RevokeConsent()
	ListSources(kind audio.Kind) ([]string, error)

	// Event streams
	SubscribeState(buffer int) (<-chan recorder.Event, func())
	SubscribeAmplitude(buffer int) (<-chan float64, func())

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	GetLastError() string
	Close() error
}

var _ Service = (*CaptureService)(nil)

// Capabilities describes what the host can capture.
type Capabilities struct {
	Backend          string              `json:"backend"`
	SupportsLoopback bool                `json:"supportsLoopback"`
	ConsentActive    bool                `json:"consentActive"`
	Consent          *audio.ConsentToken `json:"consent,omitempty"`
	Format           string              `json:"format"`
	SampleRate       int                 `json:"sampleRate"`
	Channels         int                 `json:"channels"`
	BitRate          int                 `json:"bitRate"`
}

// CaptureService is the main service implementation.
type CaptureService struct {
	configFile string
	backend    audio.Backend
	fs         afero.Fs
	metrics    *observe.Metrics
	consent    *audio.ConsentStore

	states     *recorder.Broadcaster[recorder.Event]
	amplitudes *recorder.Broadcaster[float64]

	mu     sync.RWMutex
	cfg    *config.Config
	store  *library.Store
	ctrl   *recorder.Controller
	player *play.Player

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a capture service. fs holds the recordings; nil uses the
// host filesystem.
func New(cfg *config.Config, configFile string, backend audio.Backend, fs afero.Fs, metrics *observe.Metrics) *CaptureService {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	s := &CaptureService{
		configFile: configFile,
		backend:    backend,
		fs:         fs,
		metrics:    metrics,
		consent:    audio.NewConsentStore(),
		states:     recorder.NewOrderedBroadcaster[recorder.Event](),
		amplitudes: recorder.NewBroadcaster[float64](),
	}
	s.apply(cfg)
	return s
}

// apply rebuilds the configuration dependent components. The caller holds
// s.mu for writing unless s is not yet shared.
func (s *CaptureService) apply(cfg *config.Config) {
	store := library.NewStore(s.fs, cfg.Output.Directory, cfg.Extension())
	ctrl := recorder.NewController(recorder.Options{
		Config:  cfg,
		Backend: s.backend,
		Consent: s.consent,
		Store:   store,
		Metrics: s.metrics,
	})
	ctrl.SetStateSink(s.onState)
	ctrl.SetAmplitudeSink(s.amplitudes.Publish)

	s.cfg = cfg
	s.store = store
	s.ctrl = ctrl
	s.player = play.New(store)
}

func (s *CaptureService) onState(ev recorder.Event) {
	if ev.State == recorder.StateError && ev.Reason != nil {
		s.setLastError(*ev.Reason)
	}
	s.states.Publish(ev)
}

func (s *CaptureService) controller() *recorder.Controller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctrl
}

func (s *CaptureService) recordings() *library.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// StartSession begins a recording in mode.
func (s *CaptureService) StartSession(mode recorder.Mode) error {
	slog.Debug("Service.StartSession called", "mode", mode)
	s.clearLastError()

	// Holding the read lock keeps LoadProfile from swapping the controller
	// while this start is in flight.
	s.mu.RLock()
	err := s.ctrl.Start(mode)
	s.mu.RUnlock()
	if err != nil {
		slog.Error("Service.StartSession failed", "error", err, "code", recorder.Code(err))
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return err
	}
	return nil
}

// StopSession ends the active recording and returns its metadata.
func (s *CaptureService) StopSession() (*library.Recording, error) {
	rec, err := s.controller().Stop()
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return nil, err
	}
	s.clearLastError()
	return rec, nil
}

func (s *CaptureService) GetStatus() recorder.Status {
	return s.controller().Status()
}

// ListRecordings returns recordings newest first.
func (s *CaptureService) ListRecordings() ([]*library.Recording, error) {
	return s.recordings().List()
}

func (s *CaptureService) ResolveRecording(fileName string) (string, error) {
	return s.recordings().Resolve(fileName)
}

// Play plays a recording by id.
func (s *CaptureService) Play(id string) error {
	s.mu.RLock()
	player := s.player
	s.mu.RUnlock()
	return player.Play(id)
}

func (s *CaptureService) GetCapabilities() Capabilities {
	cfg := s.GetConfig()
	token, active := s.consent.Active()
	return Capabilities{
		Backend:          string(s.backend.GetType()),
		SupportsLoopback: s.backend.SupportsLoopback(),
		ConsentActive:    active,
		Consent:          token,
		Format:           cfg.Output.Format,
		SampleRate:       cfg.Audio.SampleRate,
		Channels:         cfg.Audio.Channels,
		BitRate:          cfg.Audio.BitRate,
	}
}

// GrantConsent records the user's permission to capture other
// applications' audio for the configured TTL.
func (s *CaptureService) GrantConsent() audio.ConsentToken {
	token := s.consent.Grant(s.GetConfig().Consent.TTL)
	slog.Info("Loopback capture consent granted", "id", token.ID, "expires_at", token.ExpiresAt)
	return token
}

func (s *CaptureService) RevokeConsent() {
	s.consent.Revoke()
	slog.Info("Loopback capture consent revoked")
}

func (s *CaptureService) ListSources(kind audio.Kind) ([]string, error) {
	return s.backend.ListSources(kind)
}

func (s *CaptureService) SubscribeState(buffer int) (<-chan recorder.Event, func()) {
	return s.states.Subscribe(buffer)
}

func (s *CaptureService) SubscribeAmplitude(buffer int) (<-chan float64, func()) {
	return s.amplitudes.Subscribe(buffer)
}

// LoadProfile reloads the configuration with profile. It is refused while
// a session is in progress.
func (s *CaptureService) LoadProfile(profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.ctrl.Status().State {
	case recorder.StateIdle, recorder.StateStopped, recorder.StateError:
	default:
		return fmt.Errorf("cannot change profile during a session: %w", recorder.ErrAlreadyRecording)
	}

	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}
	s.apply(newCfg)
	slog.Info("Configuration profile loaded", "profile", newCfg.ActiveProfile)
	return nil
}

// GetConfig returns the current configuration
func (s *CaptureService) GetConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// GetLastError returns the last error message
func (s *CaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// Close stops any active session and releases the backend.
func (s *CaptureService) Close() error {
	if _, err := s.controller().Stop(); err == nil {
		slog.Info("Active recording stopped on shutdown")
	}
	return s.backend.Close()
}

func (s *CaptureService) setLastError(msg string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = msg
}

func (s *CaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
