package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/fault"
	"github.com/cjeanneret/GuideGo/internal/logic/calibration"
	"github.com/cjeanneret/GuideGo/internal/logic/state"
	"github.com/cjeanneret/GuideGo/internal/logic/tracking"
	"github.com/cjeanneret/GuideGo/internal/store"
)

// Guider is what the HTTP API drives.
type Guider interface {
	State() state.State
	Calibration() *calibration.Calibration
	Calibrations(ctx context.Context) ([]*calibration.Calibration, error)
	History(ctx context.Context, runID int64) ([]tracking.Point, error)
	Calibrate(ctx context.Context) (*calibration.Calibration, error)
	UseCalibration(ctx context.Context, id int64, flip bool) error
	Guide(ctx context.Context) (*tracking.Run, error)
}

// CalibrateRequest is the body of POST /calibrate. A positive ID reuses a
// stored calibration instead of scanning.
type CalibrateRequest struct {
	ID   int64 `json:"id"`
	Flip bool  `json:"flip"`
}

// GuideRequest is the body of POST /guide. A zero duration guides until
// stopped.
type GuideRequest struct {
	DurationS float64 `json:"duration_s"`
}

// maxGuideDuration bounds a timed session.
const maxGuideDuration = 24 * time.Hour

// Duration validates the requested duration.
func (r GuideRequest) Duration() (time.Duration, error) {
	d := r.DurationS
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		return 0, fmt.Errorf("duration_s must be a non-negative number, got %g", d)
	}
	if d > maxGuideDuration.Seconds() {
		return 0, fmt.Errorf("duration_s must be at most %g", maxGuideDuration.Seconds())
	}
	return time.Duration(d * float64(time.Second)), nil
}

// StateResponse is returned by GET /state.
type StateResponse struct {
	State       state.State         `json:"state"`
	Session     string              `json:"session,omitempty"` // "calibrate" or "guide" while one runs
	Calibration *calibrationSummary `json:"calibration,omitempty"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Guider      Guider
	staticFS    fs.FS

	base context.Context // parent of every session

	mu      sync.Mutex
	session string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHandlers creates handlers with the given dependencies.
// If guider is nil, the session endpoints return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, guider Guider, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Guider:      guider,
		staticFS:    staticFS,
		base:        context.Background(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusOf maps guider errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fault.ErrBadStateTransition):
		return http.StatusConflict
	case errors.Is(err, fault.ErrDegenerateCalibration), errors.Is(err, fault.ErrUncalibrated):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// decode reads an optional JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleState handles GET /state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	if h.Guider == nil {
		http.Error(w, "guider not configured", http.StatusServiceUnavailable)
		return
	}
	resp := StateResponse{State: h.Guider.State(), Session: h.Session()}
	if c := h.Guider.Calibration(); c != nil {
		s := summarize(c)
		resp.Calibration = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCalibrations handles GET /calibrations.
func (h *Handlers) HandleCalibrations(w http.ResponseWriter, r *http.Request) {
	if h.Guider == nil {
		http.Error(w, "guider not configured", http.StatusServiceUnavailable)
		return
	}
	list, err := h.Guider.Calibrations(r.Context())
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	out := make([]calibrationSummary, 0, len(list))
	for _, c := range list {
		out = append(out, summarize(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleHistory handles GET /runs/{id}/history.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.Guider == nil {
		http.Error(w, "guider not configured", http.StatusServiceUnavailable)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "run id must be a positive integer", http.StatusBadRequest)
		return
	}
	points, err := h.Guider.History(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	if points == nil {
		points = []tracking.Point{}
	}
	writeJSON(w, http.StatusOK, points)
}

// HandleCalibrate handles POST /calibrate: reuse a stored calibration, or
// start a calibration scan in the background.
func (h *Handlers) HandleCalibrate(w http.ResponseWriter, r *http.Request) {
	if h.Guider == nil {
		http.Error(w, "guider not configured", http.StatusServiceUnavailable)
		return
	}
	var req CalibrateRequest
	if err := decode(w, r, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ID < 0 {
		http.Error(w, "id must be positive", http.StatusBadRequest)
		return
	}

	if req.ID > 0 {
		if s := h.Session(); s != "" {
			http.Error(w, s+" in progress", http.StatusConflict)
			return
		}
		if err := h.Guider.UseCalibration(r.Context(), req.ID, req.Flip); err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "calibrated", "id": req.ID})
		return
	}

	err := h.start("calibrate", 0, func(ctx context.Context) error {
		cal, err := h.Guider.Calibrate(ctx)
		if err == nil {
			h.Broadcaster.Broadcast("info", fmt.Sprintf("Calibration %d complete: %s", cal.ID, cal))
		}
		return err
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleGuide handles POST /guide.
func (h *Handlers) HandleGuide(w http.ResponseWriter, r *http.Request) {
	if h.Guider == nil {
		http.Error(w, "guider not configured", http.StatusServiceUnavailable)
		return
	}
	var req GuideRequest
	if err := decode(w, r, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	d, err := req.Duration()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s := h.Guider.State(); s != state.Calibrated {
		http.Error(w, fmt.Sprintf("cannot guide in state %s", s), http.StatusConflict)
		return
	}

	err = h.start("guide", d, func(ctx context.Context) error {
		run, err := h.Guider.Guide(ctx)
		if run != nil {
			st := run.Stats()
			h.Broadcaster.Broadcast("info", fmt.Sprintf("Run %d ended: %d points, rms %.2f px", run.ID, st.Points, st.RMS))
		}
		return err
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleStop handles POST /guide/stop. It also interrupts a running
// calibration scan.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if !h.Stop() {
		http.Error(w, "no session in progress", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// start runs fn in the background unless a session is already running. A
// positive limit bounds the session's duration.
func (h *Handlers) start(name string, limit time.Duration, fn func(ctx context.Context) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session != "" {
		return fmt.Errorf("%s already in progress", h.session)
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if limit > 0 {
		ctx, cancel = context.WithTimeout(h.base, limit)
	} else {
		ctx, cancel = context.WithCancel(h.base)
	}
	h.session = name
	h.cancel = cancel
	h.wg.Add(1)

	go func() {
		defer h.wg.Done()
		defer func() {
			cancel()
			h.mu.Lock()
			h.session = ""
			h.cancel = nil
			h.mu.Unlock()
		}()

		if err := fn(ctx); err != nil {
			h.Broadcaster.Broadcast("error", name+" failed: "+err.Error())
			debug.Error(fmt.Errorf("%s: %w", name, err))
			return
		}
		h.Broadcaster.Broadcast("info", name+" complete")
	}()
	return nil
}

// Session returns the name of the running session, or "".
func (h *Handlers) Session() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Stop cancels the running session. It reports whether one was running.
func (h *Handlers) Stop() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel == nil {
		return false
	}
	h.cancel()
	return true
}

// Wait blocks until no session is running.
func (h *Handlers) Wait() {
	h.wg.Wait()
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
