package align

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// AlignmentRecord is the persisted and published form of a fit.
type AlignmentRecord struct {
	Name        string      `json:"name,omitempty"`
	Transform   Homogeneous `json:"transform"`
	Scale       float64     `json:"scale"`
	Rotation    [4]float64  `json:"rotation"`    // unit quaternion [w, x, y, z]
	Translation [3]float64  `json:"translation"` // [tx, ty, tz]
	Inliers     []bool      `json:"inliers"`
	NumInliers  int         `json:"numInliers"`
	NumPoints   int         `json:"numPoints"`
	RMSE        float64     `json:"rmse"`
	Threshold   float64     `json:"threshold"`
	MinSamples  int         `json:"minSamples"`
	Trials      int         `json:"trials"`
	Skipped     int         `json:"skipped,omitempty"`
	LastUpdated int64       `json:"lastUpdated"` // unix seconds
}

// NewAlignmentRecord summarises res under name.
func NewAlignmentRecord(name string, res FitResult) *AlignmentRecord {
	sim := res.Similarity()
	q := sim.Quaternion()
	t := sim.Translation()
	return &AlignmentRecord{
		Name:        name,
		Transform:   res.Params,
		Scale:       res.Scale,
		Rotation:    [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag},
		Translation: [3]float64{t.X, t.Y, t.Z},
		Inliers:     res.Inliers,
		NumInliers:  res.NumInliers,
		NumPoints:   len(res.Inliers),
		RMSE:        res.RMSE,
		Threshold:   res.Threshold,
		MinSamples:  res.MinSamples,
		Trials:      res.Trials,
		Skipped:     res.Skipped,
		LastUpdated: time.Now().Unix(),
	}
}

// Similarity rebuilds the transform from the stored matrix and scale.
func (r *AlignmentRecord) Similarity() Similarity {
	if r == nil {
		return IdentitySimilarity()
	}
	return Similarity{Matrix: r.Transform, Scale: r.Scale}
}

// FitResult rebuilds the fit summary stored in the record.
func (r *AlignmentRecord) FitResult() FitResult {
	return FitResult{
		Params:     r.Transform,
		Scale:      r.Scale,
		Inliers:    r.Inliers,
		NumInliers: r.NumInliers,
		RMSE:       r.RMSE,
		Threshold:  r.Threshold,
		MinSamples: r.MinSamples,
		Trials:     r.Trials,
		Skipped:    r.Skipped,
	}
}

// Quaternion returns the stored rotation.
func (r *AlignmentRecord) Quaternion() quat.Number {
	return quat.Number{Real: r.Rotation[0], Imag: r.Rotation[1], Jmag: r.Rotation[2], Kmag: r.Rotation[3]}
}

// TranslationVector returns the stored translation.
func (r *AlignmentRecord) TranslationVector() r3.Vector {
	return r3.Vector{X: r.Translation[0], Y: r.Translation[1], Z: r.Translation[2]}
}

// LoadAlignment reads a record written by SaveAlignment.
// A missing file is not an error: it returns nil, nil.
func LoadAlignment(path string) (*AlignmentRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // no fit saved yet
		}
		return nil, fmt.Errorf("reading alignment file: %w", err)
	}

	var rec AlignmentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing alignment file: %w", err)
	}
	return &rec, nil
}

// SaveAlignment writes rec as indented JSON, creating the directory if needed.
func SaveAlignment(path string, rec *AlignmentRecord) error {
	if rec == nil {
		return fmt.Errorf("nil alignment record")
	}
	if rec.LastUpdated == 0 {
		rec.LastUpdated = time.Now().Unix()
	}
	return writeJSON(path, rec, "alignment")
}

// LoadPointSet reads a JSON array of [x, y, z] triples.
func LoadPointSet(path string) (PointSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading point set %s: %w", path, err)
	}
	var ps PointSet
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("parsing point set %s: %w", path, err)
	}
	return ps, nil
}

// SavePointSet writes ps as a JSON array of [x, y, z] triples.
func SavePointSet(path string, ps PointSet) error {
	if ps == nil {
		ps = PointSet{}
	}
	return writeJSON(path, ps, "point set")
}

// LoadTransform reads a 4×4 nested JSON array.
func LoadTransform(path string) (Homogeneous, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Homogeneous{}, fmt.Errorf("reading transform %s: %w", path, err)
	}
	return ParseTransform(data)
}

// ParseTransform decodes a 4×4 nested JSON array, rejecting other shapes.
func ParseTransform(data []byte) (Homogeneous, error) {
	var rows [][]float64
	if err := json.Unmarshal(data, &rows); err != nil {
		return Homogeneous{}, fmt.Errorf("parsing transform: %w", err)
	}
	var h Homogeneous
	if len(rows) != 4 {
		return h, fmt.Errorf("%w: transform has %d rows, want 4", ErrShapeMismatch, len(rows))
	}
	for i, row := range rows {
		if len(row) != 4 {
			return Homogeneous{}, fmt.Errorf("%w: transform row %d has %d values, want 4", ErrShapeMismatch, i, len(row))
		}
		copy(h[i][:], row)
	}
	return h, nil
}

// SaveTransform writes h as a 4×4 nested JSON array.
func SaveTransform(path string, h Homogeneous) error {
	return writeJSON(path, h, "transform")
}

func writeJSON(path string, v any, what string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s directory: %w", what, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", what, err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s file: %w", what, err)
	}
	return nil
}
