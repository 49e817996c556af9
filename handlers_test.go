package main

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/pointalign/align"
	"github.com/kwv/pointalign/ransac"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// cubePair returns the unit cube corners and their image under scale 2 and
// translation (1, 2, 3).
func cubePair() (align.PointSet, align.PointSet) {
	var x, y align.PointSet
	for _, c := range [][3]float64{
		{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1},
		{1, 1, 0}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1},
	} {
		p := r3.Vector{X: c[0], Y: c[1], Z: c[2]}
		x = append(x, p)
		y = append(y, p.Mul(2).Add(r3.Vector{X: 1, Y: 2, Z: 3}))
	}
	return x, y
}

func testDefaults() ransac.Config {
	cfg := ransac.DefaultConfig()
	seed := int64(7)
	cfg.Seed = &seed
	cfg.MaxTrials = 20
	return cfg
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func fittedServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	s := NewServer(testDefaults(), nil)
	x, y := cubePair()
	_, err := s.Fit(&align.FitRequest{Name: "cube", Source: x, Target: y})
	require.NoError(t, err)
	return s, s.Router()
}

// ---------------------------------------------------------------------------
// /health
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	_, h := fittedServer(t)

	rr := get(h, "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body struct {
		Status string `json:"status"`
		Fits   int    `json:"fits"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Fits)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

// ---------------------------------------------------------------------------
// /api/v1/fit
// ---------------------------------------------------------------------------

func TestFitEndpoint(t *testing.T) {
	h := NewServer(testDefaults(), nil).Router()
	x, y := cubePair()

	rr := postJSON(t, h, "/api/v1/fit", align.FitRequest{Name: "cube", Source: x, Target: y})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var rec align.AlignmentRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, "cube", rec.Name)
	assert.Equal(t, 8, rec.NumInliers)
	assert.InDelta(t, 2.0, rec.Scale, 1e-9)
	assert.InDelta(t, 1.0, rec.Translation[0], 1e-9)
	assert.InDelta(t, 2.0, rec.Translation[1], 1e-9)
	assert.InDelta(t, 3.0, rec.Translation[2], 1e-9)
	assert.InDelta(t, 1.0, math.Abs(rec.Rotation[0]), 1e-9)
	assert.Equal(t, 20, rec.Trials)
}

func TestFitEndpoint_RequestConfigOverrides(t *testing.T) {
	h := NewServer(testDefaults(), nil).Router()
	x, y := cubePair()
	trials, minSamples := 5, 3
	body := align.FitRequest{
		Source: x,
		Target: y,
		RANSAC: &ransac.Config{MaxTrials: trials, MinSamples: &minSamples},
	}

	rr := postJSON(t, h, "/api/v1/fit", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var rec align.AlignmentRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, DefaultFitName, rec.Name)
	assert.Equal(t, 5, rec.Trials)
	assert.Equal(t, 3, rec.MinSamples)
}

func TestFitEndpoint_Errors(t *testing.T) {
	x, y := cubePair()
	same := make(align.PointSet, len(x))
	for i := range same {
		same[i] = r3.Vector{X: 5, Y: 5, Z: 5}
	}
	threshold := 0.5
	badSamples := 0
	overLimit := &ransac.Config{MaxTrials: align.DefaultMaxRequestTrials + 1}
	overCap := &ransac.Config{MaxTrials: 1 << 31}

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"invalid json", `{"source": [`, http.StatusBadRequest},
		{"bad point", `{"source": [[1, 2]], "target": [[1, 2, 3]]}`, http.StatusBadRequest},
		{"invalid ransac config", align.FitRequest{Source: x, Target: y, RANSAC: &ransac.Config{MinSamples: &badSamples}}, http.StatusBadRequest},
		{"trials over request limit", align.FitRequest{Source: x, Target: y, RANSAC: overLimit}, http.StatusBadRequest},
		{"trials over hard cap", align.FitRequest{Source: x, Target: y, RANSAC: overCap}, http.StatusBadRequest},
		{"topic-unsafe name", align.FitRequest{Name: "site/#", Source: x, Target: y}, http.StatusBadRequest},
		{"length mismatch", align.FitRequest{Source: x, Target: y[:4]}, http.StatusUnprocessableEntity},
		{"empty", align.FitRequest{}, http.StatusUnprocessableEntity},
		{"zero derived threshold", align.FitRequest{Source: x, Target: same}, http.StatusUnprocessableEntity},
		{"coincident source", align.FitRequest{Source: same, Target: y, RANSAC: &ransac.Config{ResidualThreshold: &threshold}}, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewServer(testDefaults(), nil).Router()
			rr := postJSON(t, h, "/api/v1/fit", tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())

			var body struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestServer_TrialLimit(t *testing.T) {
	x, y := cubePair()
	request := func(trials int) *align.FitRequest {
		return &align.FitRequest{Name: "cube", Source: x, Target: y, RANSAC: &ransac.Config{MaxTrials: trials}}
	}

	s := NewServer(testDefaults(), nil)
	s.SetTrialLimit(10)

	_, err := s.Fit(request(11))
	assert.ErrorIs(t, err, align.ErrTooManyTrials)
	_, ok := s.lookup("cube")
	assert.False(t, ok, "rejected request must not be stored")

	rec, err := s.Fit(request(10))
	require.NoError(t, err)
	assert.Equal(t, 10, rec.Trials)

	s.SetTrialLimit(0)
	rec, err = s.Fit(request(50))
	require.NoError(t, err)
	assert.Equal(t, 50, rec.Trials)
}

func TestFit_Publishes(t *testing.T) {
	mockClient := align.NewMockClient()
	mockClient.SetConnected(true)

	s := NewServer(testDefaults(), nil)
	s.SetPublisher(align.NewPublisher(mockClient, "site"))

	x, y := cubePair()
	_, err := s.Fit(&align.FitRequest{Name: "cube", Source: x, Target: y})
	require.NoError(t, err)

	msg, ok := mockClient.LastMessage("site/cube/transform")
	require.True(t, ok, "expected a retained transform message")
	var rec align.AlignmentRecord
	require.NoError(t, json.Unmarshal(msg.Payload, &rec))
	assert.Equal(t, 8, rec.NumInliers)
}

func TestFit_PublishFailureStillStores(t *testing.T) {
	mockClient := align.NewMockClient() // never connected

	s := NewServer(testDefaults(), nil)
	s.SetPublisher(align.NewPublisher(mockClient, ""))

	x, y := cubePair()
	_, err := s.Fit(&align.FitRequest{Name: "cube", Source: x, Target: y})
	require.NoError(t, err)

	_, ok := s.lookup("cube")
	assert.True(t, ok)
}

func TestHandleRequest(t *testing.T) {
	s := NewServer(testDefaults(), nil)

	s.HandleRequest("bad", nil, assert.AnError)
	_, ok := s.lookup("")
	assert.False(t, ok, "rejected request must not store a fit")

	x, y := cubePair()
	s.HandleRequest("cube", &align.FitRequest{Name: "cube", Source: x, Target: y[:3]}, nil)
	_, ok = s.lookup("")
	assert.False(t, ok, "failed fit must not store a fit")

	s.HandleRequest("cube", &align.FitRequest{Name: "cube", Source: x, Target: y}, nil)
	st, ok := s.lookup("")
	require.True(t, ok)
	assert.Equal(t, "cube", st.record.Name)
}

// ---------------------------------------------------------------------------
// /api/v1/transform(s)
// ---------------------------------------------------------------------------

func TestTransformEndpoints(t *testing.T) {
	t.Run("no fit yet", func(t *testing.T) {
		h := NewServer(testDefaults(), nil).Router()
		assert.Equal(t, http.StatusNotFound, get(h, "/api/v1/transform").Code)
	})

	s, h := fittedServer(t)
	x, y := cubePair()
	_, err := s.Fit(&align.FitRequest{Name: "second", Source: x, Target: y})
	require.NoError(t, err)

	rr := get(h, "/api/v1/transform")
	require.Equal(t, http.StatusOK, rr.Code)
	var rec align.AlignmentRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, "second", rec.Name, "latest fit wins")

	rr = get(h, "/api/v1/transforms/cube")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, "cube", rec.Name)

	assert.Equal(t, http.StatusNotFound, get(h, "/api/v1/transforms/missing").Code)

	rr = get(h, "/api/v1/transforms")
	require.Equal(t, http.StatusOK, rr.Code)
	var all map[string]align.AlignmentRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &all))
	assert.Len(t, all, 2)
}

// ---------------------------------------------------------------------------
// /api/v1/apply
// ---------------------------------------------------------------------------

func TestApplyEndpoint(t *testing.T) {
	_, h := fittedServer(t)
	pts := align.PointSet{{X: 1, Y: 1, Z: 1}}

	tests := []struct {
		name string
		body interface{}
		want r3.Vector
	}{
		{"latest fit", map[string]interface{}{"points": pts}, r3.Vector{X: 3, Y: 4, Z: 5}},
		{"named fit inverse", map[string]interface{}{"points": align.PointSet{{X: 3, Y: 4, Z: 5}}, "name": "cube", "inverse": true}, r3.Vector{X: 1, Y: 1, Z: 1}},
		{"raw transform", map[string]interface{}{
			"points":    pts,
			"transform": [][]float64{{1, 0, 0, 10}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}},
		}, r3.Vector{X: 11, Y: 1, Z: 1}},
		{"raw transform inverse", map[string]interface{}{
			"points":    pts,
			"transform": [][]float64{{1, 0, 0, 10}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}},
			"inverse":   true,
		}, r3.Vector{X: -9, Y: 1, Z: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postJSON(t, h, "/api/v1/apply", tt.body)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

			var body struct {
				Points align.PointSet `json:"points"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			require.Len(t, body.Points, 1)
			assert.InDelta(t, tt.want.X, body.Points[0].X, 1e-9)
			assert.InDelta(t, tt.want.Y, body.Points[0].Y, 1e-9)
			assert.InDelta(t, tt.want.Z, body.Points[0].Z, 1e-9)
		})
	}
}

func TestApplyEndpoint_Errors(t *testing.T) {
	_, h := fittedServer(t)
	empty := NewServer(testDefaults(), nil).Router()

	assert.Equal(t, http.StatusBadRequest, postJSON(t, h, "/api/v1/apply", `{"points":`).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(t, h, "/api/v1/apply", `{"points": [], "transform": [[1, 0], [0, 1]]}`).Code)
	assert.Equal(t, http.StatusNotFound, postJSON(t, h, "/api/v1/apply", `{"points": [], "name": "missing"}`).Code)
	assert.Equal(t, http.StatusNotFound, postJSON(t, empty, "/api/v1/apply", `{"points": []}`).Code)
}

// ---------------------------------------------------------------------------
// overlays
// ---------------------------------------------------------------------------

func TestOverlayEndpoints(t *testing.T) {
	s, h := fittedServer(t)

	rr := get(h, "/api/v1/overlay.svg")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/svg+xml", rr.Header().Get("Content-Type"))
	assert.True(t, strings.Contains(rr.Body.String(), "<svg"), "body should be an SVG document")

	rr = get(h, "/api/v1/transforms/cube/overlay.png")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rr.Body.Bytes(), []byte("\x89PNG")), "body should be a PNG")

	assert.Equal(t, http.StatusNotFound, get(h, "/api/v1/transforms/missing/overlay.svg").Code)
	assert.Equal(t, http.StatusNotFound, get(h, "/api/v1/overlay.gif").Code)

	// Restored records without point data cannot be drawn.
	rec, _ := s.lookup("cube")
	restored := *rec.record
	restored.Name = "restored"
	s.Store(&restored, nil, nil)
	assert.Equal(t, http.StatusNotFound, get(h, "/api/v1/overlay.svg").Code)
}
