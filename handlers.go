package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/kwv/pointalign/align"
	"github.com/kwv/pointalign/ransac"
)

// DefaultFitName is used for fits submitted without a name.
const DefaultFitName = "default"

// fitState is a stored fit with the data needed to redraw it.
type fitState struct {
	record *align.AlignmentRecord
	source align.PointSet
	target align.PointSet
}

// Server holds the fits received over HTTP or MQTT.
type Server struct {
	defaults  ransac.Config
	publisher *align.Publisher
	opts      []ransac.Option
	maxTrials int

	mu     sync.RWMutex
	fits   map[string]*fitState
	latest string
}

// NewServer creates a server fitting with defaults unless a request overrides
// them. publisher may be nil.
func NewServer(defaults ransac.Config, publisher *align.Publisher, opts ...ransac.Option) *Server {
	return &Server{
		defaults:  defaults,
		publisher: publisher,
		opts:      opts,
		maxTrials: align.DefaultMaxRequestTrials,
		fits:      make(map[string]*fitState),
	}
}

// SetTrialLimit caps maxTrials on incoming requests. Zero disables the cap;
// ransac.MaxTrialsLimit still applies.
func (s *Server) SetTrialLimit(n int) {
	s.maxTrials = n
}

// Fit runs a robust fit for req, stores it as the latest and publishes it
// when a publisher is configured. Publish failures are logged, not returned.
func (s *Server) Fit(req *align.FitRequest) (*align.AlignmentRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := req.CheckTrials(s.maxTrials); err != nil {
		return nil, err
	}
	name := req.Name
	if name == "" {
		name = DefaultFitName
	}
	cfg := s.defaults
	if req.RANSAC != nil {
		cfg = cfg.Merge(*req.RANSAC)
	}

	start := time.Now()
	res, err := align.RobustFit(req.Source, req.Target, cfg, s.opts...)
	if err != nil {
		return nil, err
	}
	rec := align.NewAlignmentRecord(name, res)
	log.Printf("[FIT] %s: %d/%d inliers, rmse=%.4g, scale=%.4g (%v)",
		name, rec.NumInliers, rec.NumPoints, rec.RMSE, rec.Scale, time.Since(start).Round(time.Millisecond))

	s.Store(rec, req.Source, req.Target)

	s.mu.RLock()
	publisher := s.publisher
	s.mu.RUnlock()
	if publisher != nil {
		if err := publisher.PublishRecord(rec); err != nil {
			log.Printf("[MQTT] Error publishing fit %s: %v", name, err)
		}
	}
	return rec, nil
}

// Store records rec as the latest fit under its name.
func (s *Server) Store(rec *align.AlignmentRecord, source, target align.PointSet) {
	name := rec.Name
	if name == "" {
		name = DefaultFitName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fits[name] = &fitState{record: rec, source: source, target: target}
	s.latest = name
}

// SetPublisher attaches a publisher once MQTT is up.
func (s *Server) SetPublisher(p *align.Publisher) {
	s.mu.Lock()
	s.publisher = p
	s.mu.Unlock()
}

// HandleRequest adapts Fit to the MQTT request callback.
func (s *Server) HandleRequest(name string, req *align.FitRequest, err error) {
	if err != nil {
		log.Printf("[MQTT] Rejected fit request for %s: %v", name, err)
		return
	}
	if _, err := s.Fit(req); err != nil {
		log.Printf("[FIT] %s failed: %v", name, err)
	}
}

// lookup returns the named fit, or the latest one when name is empty.
func (s *Server) lookup(name string) (*fitState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name == "" {
		name = s.latest
	}
	st, ok := s.fits[name]
	return st, ok
}

// Router returns the HTTP API.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/fit", s.handleFit).Methods(http.MethodPost)
	api.HandleFunc("/apply", s.handleApply).Methods(http.MethodPost)
	api.HandleFunc("/transform", s.handleTransform).Methods(http.MethodGet)
	api.HandleFunc("/transforms", s.handleTransforms).Methods(http.MethodGet)
	api.HandleFunc("/transforms/{name}", s.handleTransform).Methods(http.MethodGet)
	api.HandleFunc("/overlay.{format:svg|png}", s.handleOverlay).Methods(http.MethodGet)
	api.HandleFunc("/transforms/{name}/overlay.{format:svg|png}", s.handleOverlay).Methods(http.MethodGet)

	return r
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	count := len(s.fits)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
		Fits      int       `json:"fits"`
	}{
		Status:    "ok",
		Timestamp: time.Now(),
		Fits:      count,
	})
}

func (s *Server) handleFit(w http.ResponseWriter, r *http.Request) {
	var req align.FitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding fit request: %w", err))
		return
	}

	rec, err := s.Fit(&req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// applyRequest is the body of POST /api/v1/apply. Without a transform the
// named fit, or the latest fit, is used.
type applyRequest struct {
	Points    align.PointSet  `json:"points"`
	Transform json.RawMessage `json:"transform,omitempty"`
	Name      string          `json:"name,omitempty"`
	Inverse   bool            `json:"inverse,omitempty"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding apply request: %w", err))
		return
	}

	var out align.PointSet
	if len(req.Transform) > 0 {
		h, err := align.ParseTransform(req.Transform)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Inverse {
			if h, err = h.Inverse(); err != nil {
				writeError(w, http.StatusUnprocessableEntity, err)
				return
			}
		}
		out = h.Apply(req.Points)
	} else {
		st, ok := s.lookup(req.Name)
		if !ok {
			writeError(w, http.StatusNotFound, errors.New("no fit available"))
			return
		}
		sim := st.record.Similarity()
		if req.Inverse {
			sim = sim.Inverse()
		}
		out = sim.Apply(req.Points)
	}

	writeJSON(w, http.StatusOK, struct {
		Points align.PointSet `json:"points"`
	}{Points: out})
}

func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(mux.Vars(r)["name"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no fit available"))
		return
	}
	writeJSON(w, http.StatusOK, st.record)
}

func (s *Server) handleTransforms(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	out := make(map[string]*align.AlignmentRecord, len(s.fits))
	for name, st := range s.fits {
		out[name] = st.record
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	st, ok := s.lookup(vars["name"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no fit available"))
		return
	}
	if len(st.source) == 0 {
		writeError(w, http.StatusNotFound, errors.New("no point data stored for fit"))
		return
	}

	renderer := align.NewOverlayRenderer(st.source, st.target, st.record.FitResult())
	w.Header().Set("Cache-Control", "no-cache")

	var err error
	if vars["format"] == "png" {
		w.Header().Set("Content-Type", "image/png")
		err = renderer.RenderToPNG(w)
	} else {
		w.Header().Set("Content-Type", "image/svg+xml")
		err = renderer.RenderToSVG(w)
	}
	if err != nil {
		log.Printf("[HTTP] Error rendering overlay: %v", err)
	}
}

// statusFor maps fit errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ransac.ErrShapeMismatch),
		errors.Is(err, ransac.ErrDegenerate),
		errors.Is(err, ransac.ErrZeroThreshold),
		errors.Is(err, ransac.ErrNoData):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}
