// Package api serves the operator surface over HTTP: current state, the
// violation log and stored frames, the camera preview, and the manual
// phase override and camera swap controls.
package api

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/redlight/internal/camera"
	"github.com/banshee-data/redlight/internal/display"
	"github.com/banshee-data/redlight/internal/httputil"
	"github.com/banshee-data/redlight/internal/imagestore"
	"github.com/banshee-data/redlight/internal/monitoring"
	"github.com/banshee-data/redlight/internal/traffic"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultHistoryLimit = traffic.ViolationLogCap
	maxHistoryLimit     = 100
	previewQuality      = 80
	publishTimeout      = 5 * time.Second
)

// Overrider publishes manual phase overrides.
type Overrider interface {
	PublishOverride(ctx context.Context, phase traffic.Phase) error
}

// Camera is the part of camera.Source the operator controls.
type Camera interface {
	Live() bool
	Index() int
	Swap(index int) error
	LatestFrame() (image.Image, time.Time, bool)
}

// ImageReader returns stored violation frames by reference.
type ImageReader interface {
	Read(ref string) ([]byte, error)
}

// History queries the remote store for older violations.
type History interface {
	RecentViolations(ctx context.Context, n int) ([]traffic.Violation, error)
}

// Options wires a Server. State is required; handlers whose dependency is
// nil answer 503.
type Options struct {
	State   display.StateSource
	Health  display.Health
	Bus     Overrider
	Camera  Camera
	Images  ImageReader
	History History
}

type Server struct {
	opts Options
}

func NewServer(opts Options) *Server {
	return &Server{opts: opts}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/violations", s.listViolations)
	mux.HandleFunc("/api/violations/history", s.listHistory)
	mux.HandleFunc("/api/violations/image", s.showViolationImage)
	mux.HandleFunc("/api/override", s.overridePhase)
	mux.HandleFunc("/api/camera", s.camera)
	mux.HandleFunc("/api/preview.jpg", s.showPreview)
	return mux
}

func unavailable(w http.ResponseWriter, what string) {
	httputil.WriteJSONError(w, http.StatusServiceUnavailable, what+" unavailable")
}

func (s *Server) view() display.View {
	return display.Build(s.opts.State.Snapshot(), s.opts.Health)
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, s.view())
}

func (s *Server) listViolations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	vs := s.opts.State.Snapshot().Violations
	if vs == nil {
		vs = []traffic.Violation{}
	}
	httputil.WriteJSONOK(w, vs)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.opts.History == nil {
		unavailable(w, "violation store")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			httputil.BadRequest(w, "limit must be an integer between 1 and "+strconv.Itoa(maxHistoryLimit))
			return
		}
		limit = n
	}

	vs, err := s.opts.History.RecentViolations(r.Context(), limit)
	if err != nil {
		monitoring.Logf("api: violation history: %v", err)
		httputil.BadGateway(w, "violation store query failed")
		return
	}
	if vs == nil {
		vs = []traffic.Violation{}
	}
	httputil.WriteJSONOK(w, vs)
}

func (s *Server) showViolationImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.opts.Images == nil {
		unavailable(w, "image store")
		return
	}
	ref := strings.TrimSpace(r.URL.Query().Get("file"))
	if ref == "" {
		httputil.BadRequest(w, "missing file")
		return
	}

	data, err := s.opts.Images.Read(ref)
	switch {
	case errors.Is(err, imagestore.ErrOutsideStore):
		httputil.BadRequest(w, "invalid file")
		return
	case errors.Is(err, fs.ErrNotExist):
		httputil.NotFound(w, "image not found")
		return
	case err != nil:
		monitoring.Logf("api: read image %q: %v", ref, err)
		httputil.InternalServerError(w, "failed to read image")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (s *Server) overridePhase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if s.opts.Bus == nil {
		unavailable(w, "message bus")
		return
	}
	phase, ok := traffic.ParsePhase(strings.TrimSpace(r.FormValue("phase")))
	if !ok {
		httputil.BadRequest(w, "phase must be one of H_GREEN, H_YELLOW, V_GREEN, V_YELLOW")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), publishTimeout)
	defer cancel()
	if err := s.opts.Bus.PublishOverride(ctx, phase); err != nil {
		monitoring.Logf("api: override %s: %v", phase, err)
		httputil.BadGateway(w, "failed to publish override")
		return
	}
	monitoring.Logf("api: override %s requested", phase)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"phase": string(phase)})
}

type cameraStatus struct {
	Index int  `json:"index"`
	Live  bool `json:"live"`
}

func (s *Server) camera(w http.ResponseWriter, r *http.Request) {
	if s.opts.Camera == nil {
		unavailable(w, "camera")
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		index, err := strconv.Atoi(strings.TrimSpace(r.FormValue("index")))
		if err != nil || index < 0 {
			httputil.BadRequest(w, "index must be a non-negative integer")
			return
		}
		err = s.opts.Camera.Swap(index)
		switch {
		case errors.Is(err, camera.ErrAlreadyActive):
			httputil.Conflict(w, "camera already active")
			return
		case err != nil:
			monitoring.Logf("api: camera swap to %d: %v", index, err)
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		monitoring.Logf("api: camera swapped to %d", index)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	httputil.WriteJSONOK(w, cameraStatus{Index: s.opts.Camera.Index(), Live: s.opts.Camera.Live()})
}

func (s *Server) showPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.opts.Camera == nil {
		unavailable(w, "camera")
		return
	}
	frame, at, ok := s.opts.Camera.LatestFrame()
	if !ok {
		unavailable(w, "preview frame")
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: previewQuality}); err != nil {
		httputil.InternalServerError(w, "failed to encode preview")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	w.Write(buf.Bytes())
}
