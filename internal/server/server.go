package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/audiolibrelab/callcapture/internal/audio"
	"github.com/audiolibrelab/callcapture/internal/library"
	"github.com/audiolibrelab/callcapture/internal/recorder"
	"github.com/audiolibrelab/callcapture/internal/service"
)

const (
	shutdownTimeout = 5 * time.Second
	wsWriteTimeout  = 2 * time.Second
	wsBuffer        = 64
)

// Server exposes the capture service over HTTP and WebSocket.
type Server struct {
	service service.Service
	fs      afero.Fs
	port    string

	metrics  http.Handler
	upgrader websocket.Upgrader
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Session      recorder.Status      `json:"session"`
	Capabilities service.Capabilities `json:"capabilities"`
	Profile      string               `json:"profile"`
	LastError    string               `json:"lastError,omitempty"`
}

// SourcesResponse lists the capture devices per kind.
type SourcesResponse struct {
	Mic      []string `json:"mic"`
	Loopback []string `json:"loopback"`
}

type startRequest struct {
	Mode string `json:"mode"`
}

type profileRequest struct {
	Profile string `json:"profile"`
}

// New creates a server for svc. fs must be the filesystem the service
// writes recordings to.
func New(svc service.Service, fs afero.Fs, port string) *Server {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Server{
		service: svc,
		fs:      fs,
		port:    port,
		metrics: promhttp.Handler(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/session/start", s.handleStartSession)
	mux.HandleFunc("/api/session/stop", s.handleStopSession)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/capabilities", s.handleCapabilities)
	mux.HandleFunc("/api/consent", s.handleConsent)
	mux.HandleFunc("/api/sources", s.handleSources)
	mux.HandleFunc("/api/profile", s.handleProfile)
	mux.HandleFunc("/api/recordings", s.handleRecordings)
	mux.HandleFunc("/api/recordings/stream/", s.handleRecordingStream)
	// Event streams
	mux.HandleFunc("/ws/state", s.handleStateStream)
	mux.HandleFunc("/ws/amplitude", s.handleAmplitudeStream)
	mux.Handle("/metrics", s.metrics)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	localIP := getLocalIP()
	slog.Info("Starting CallCapture Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("web server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down web server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok")
}

// handleStartSession starts a recording. An empty body records the mic only.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendErrorResponse(w, http.StatusBadRequest, "", fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	mode, err := recorder.ParseMode(req.Mode)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "", err.Error())
		return
	}

	if err := s.service.StartSession(mode); err != nil {
		s.sendServiceError(w, err, "operation", "start_session", "mode", mode)
		return
	}

	slog.Info("Recording started via web interface", "mode", mode)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"session": s.service.GetStatus(),
	})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}

	rec, err := s.service.StopSession()
	if err != nil {
		s.sendServiceError(w, err, "operation", "stop_session")
		return
	}

	slog.Info("Recording stopped via web interface", "file", rec.FileName, "duration_ms", rec.DurationMs)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"recording": rec,
	})
}

// handleStatus returns the session snapshot together with the host
// capabilities.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Session:      s.service.GetStatus(),
		Capabilities: s.service.GetCapabilities(),
		Profile:      s.service.GetConfig().ActiveProfile,
		LastError:    s.service.GetLastError(),
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.service.GetCapabilities())
}

// handleConsent grants (POST) or revokes (DELETE) loopback capture consent.
func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		token := s.service.GrantConsent()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"consent": token,
		})
	case http.MethodDelete:
		s.service.RevokeConsent()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
		})
	default:
		s.methodNotAllowed(w)
	}
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}

	var resp SourcesResponse
	mic, err := s.service.ListSources(audio.KindMic)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, recorder.CodeCaptureUnavailable,
			fmt.Sprintf("Failed to list sources: %v", err), "kind", audio.KindMic)
		return
	}
	resp.Mic = mic

	if s.service.GetCapabilities().SupportsLoopback {
		loopback, err := s.service.ListSources(audio.KindLoopback)
		if err != nil {
			slog.Warn("Failed to list loopback sources", "error", err)
		}
		resp.Loopback = loopback
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleProfile switches the active configuration profile.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}

	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "", fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if err := s.service.LoadProfile(req.Profile); err != nil {
		s.sendServiceError(w, err, "operation", "load_profile", "profile", req.Profile)
		return
	}

	slog.Info("Profile selected via web interface", "profile", req.Profile)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"profile": s.service.GetConfig().ActiveProfile,
	})
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}

	recordings, err := s.service.ListRecordings()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, "", fmt.Sprintf("Failed to list recordings: %v", err))
		return
	}
	if recordings == nil {
		recordings = []*library.Recording{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recordings": recordings,
	})
}

// handleRecordingStream serves a recording with range support.
func (s *Server) handleRecordingStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename := strings.TrimPrefix(r.URL.Path, "/api/recordings/stream/")
	if filename == "" {
		http.Error(w, "Filename required", http.StatusBadRequest)
		return
	}

	path, err := s.service.ResolveRecording(filename)
	if err != nil {
		if errors.Is(err, library.ErrNotFound) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}

	file, err := s.fs.Open(path)
	if err != nil {
		http.Error(w, "Error opening file", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType(filename))
	w.Header().Set("Accept-Ranges", "bytes")

	http.ServeContent(w, r, filename, info.ModTime(), file)
}

// handleStateStream pushes every lifecycle event as a JSON text message.
func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := s.service.SubscribeState(wsBuffer)
	defer unsubscribe()
	stream(s, w, r, "state", events, func(ev recorder.Event) interface{} {
		return ev
	})
}

// handleAmplitudeStream pushes amplitude samples as {"amplitude": v}.
func (s *Server) handleAmplitudeStream(w http.ResponseWriter, r *http.Request) {
	levels, unsubscribe := s.service.SubscribeAmplitude(wsBuffer)
	defer unsubscribe()
	stream(s, w, r, "amplitude", levels, func(v float64) interface{} {
		return map[string]float64{"amplitude": v}
	})
}

// stream upgrades the request and writes every value from values until the
// channel closes or the client goes away. Client messages are discarded.
// values only closes early when the subscriber fell behind; the client is
// told to reconnect.
func stream[T any](s *Server, w http.ResponseWriter, r *http.Request, name string, values <-chan T, encode func(T) interface{}) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "stream", name, "error", err)
		return
	}
	defer ws.Close()
	slog.Debug("WebSocket client connected", "stream", name, "remote", r.RemoteAddr)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case v, ok := <-values:
			if !ok {
				slog.Debug("WebSocket subscriber fell behind", "stream", name, "remote", r.RemoteAddr)
				msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber fell behind")
				ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(encode(v)); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Debug("WebSocket write failed", "stream", name, "error", err)
				}
				return
			}
		case <-gone:
			slog.Debug("WebSocket client disconnected", "stream", name)
			return
		}
	}
}

func (s *Server) methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
}

// sendServiceError maps a service error to its HTTP status and code.
func (s *Server) sendServiceError(w http.ResponseWriter, err error, logContext ...interface{}) {
	code := recorder.Code(err)
	s.sendErrorResponse(w, statusForCode(code), code, err.Error(), logContext...)
}

func statusForCode(code string) int {
	switch code {
	case recorder.CodeAlreadyRecording, recorder.CodeNoActiveSession, recorder.CodeCaptureUnavailable:
		return http.StatusConflict
	case recorder.CodePermissionDenied:
		return http.StatusForbidden
	case recorder.CodeFileNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, code, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	resp := map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	}
	if code != "" {
		resp["code"] = code
	}
	writeJSON(w, statusCode, resp)
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// contentType returns the MIME type of a recording. The system table is
// only consulted for formats the recorder does not write.
func contentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".wav":
		return "audio/wav"
	case ".m4a":
		return "audio/mp4"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
