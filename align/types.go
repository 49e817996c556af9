// Package align estimates similarity transforms between corresponding 3D
// point sets and provides the file, rendering and publishing plumbing around
// the fitted result.
package align

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/pointalign/ransac"
)

var (
	// ErrNotEstimated is returned by Solver methods that need a transform
	// before Estimate or Fit has succeeded.
	ErrNotEstimated = errors.New("align: no transform estimated yet")

	// Shared with the estimator so errors.Is works across both packages.
	ErrShapeMismatch = ransac.ErrShapeMismatch
	ErrDegenerate    = ransac.ErrDegenerate
	ErrTooManyTrials = ransac.ErrTooManyTrials
)

// PointSet is an ordered list of 3D points. Order defines correspondence
// with a matching set.
type PointSet []r3.Vector

// Dense returns the set as an N×3 matrix. An empty set gives an empty matrix.
func (ps PointSet) Dense() *mat.Dense {
	if len(ps) == 0 {
		return &mat.Dense{}
	}
	data := make([]float64, 0, 3*len(ps))
	for _, p := range ps {
		data = append(data, p.X, p.Y, p.Z)
	}
	return mat.NewDense(len(ps), 3, data)
}

// PointSetFromDense converts an N×3 matrix into a PointSet.
func PointSetFromDense(m mat.Matrix) (PointSet, error) {
	r, c := m.Dims()
	if c != 3 {
		return nil, fmt.Errorf("%w: want 3 columns, got %d", ErrShapeMismatch, c)
	}
	ps := make(PointSet, r)
	for i := range ps {
		ps[i] = r3.Vector{X: m.At(i, 0), Y: m.At(i, 1), Z: m.At(i, 2)}
	}
	return ps, nil
}

// Centroid returns the mean point. The centroid of an empty set is the origin.
func (ps PointSet) Centroid() r3.Vector {
	var sum r3.Vector
	if len(ps) == 0 {
		return sum
	}
	for _, p := range ps {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(ps)))
}

// Select returns the points whose mask entry is true.
func (ps PointSet) Select(mask []bool) PointSet {
	out := make(PointSet, 0, len(ps))
	for i, p := range ps {
		if i < len(mask) && mask[i] {
			out = append(out, p)
		}
	}
	return out
}

// MarshalJSON encodes the set as [[x, y, z], ...].
func (ps PointSet) MarshalJSON() ([]byte, error) {
	rows := make([][3]float64, len(ps))
	for i, p := range ps {
		rows[i] = [3]float64{p.X, p.Y, p.Z}
	}
	return json.Marshal(rows)
}

// UnmarshalJSON decodes [[x, y, z], ...]. Rows with other lengths are rejected.
func (ps *PointSet) UnmarshalJSON(data []byte) error {
	var rows [][]float64
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	out := make(PointSet, len(rows))
	for i, row := range rows {
		if len(row) != 3 {
			return fmt.Errorf("%w: point %d has %d coordinates", ErrShapeMismatch, i, len(row))
		}
		out[i] = r3.Vector{X: row[0], Y: row[1], Z: row[2]}
	}
	*ps = out
	return nil
}

// FitResult is the outcome of a robust similarity fit.
type FitResult struct {
	Params     Homogeneous // refit transform, c·R in the upper-left block
	Scale      float64     // uniform scale c
	Inliers    []bool      // best trial's inlier mask
	NumInliers int
	RMSE       float64 // root mean squared distance over inliers (all points when none)
	Threshold  float64 // residual threshold on squared distance
	MinSamples int
	Trials     int
	Skipped    int
}

// Similarity returns the fitted transform.
func (r FitResult) Similarity() Similarity {
	return Similarity{Matrix: r.Params, Scale: r.Scale}
}

// InlierFraction returns NumInliers / N, or 0 for an empty mask.
func (r FitResult) InlierFraction() float64 {
	if len(r.Inliers) == 0 {
		return 0
	}
	return float64(r.NumInliers) / float64(len(r.Inliers))
}

// FitRequest is the JSON body of a fit request received over HTTP or MQTT.
// A nil RANSAC config uses the caller's defaults.
type FitRequest struct {
	Name   string         `json:"name,omitempty"`
	Source PointSet       `json:"source"`
	Target PointSet       `json:"target"`
	RANSAC *ransac.Config `json:"ransac,omitempty"`
}

// Validate checks that the request carries paired, non-empty point sets and,
// when named, a name usable as an MQTT topic level.
func (r *FitRequest) Validate() error {
	if r.Name != "" {
		if err := ValidateName(r.Name); err != nil {
			return err
		}
	}
	if len(r.Source) == 0 {
		return fmt.Errorf("%w: source point set is empty", ErrShapeMismatch)
	}
	if len(r.Source) != len(r.Target) {
		return fmt.Errorf("%w: %d source points, %d target points", ErrShapeMismatch, len(r.Source), len(r.Target))
	}
	if r.RANSAC != nil {
		if err := r.RANSAC.Validate(); err != nil {
			return fmt.Errorf("ransac: %w", err)
		}
	}
	return nil
}

// CheckTrials rejects requests asking for more than limit trials. A limit of
// zero or less disables the check.
func (r *FitRequest) CheckTrials(limit int) error {
	if limit <= 0 || r.RANSAC == nil || r.RANSAC.MaxTrials <= limit {
		return nil
	}
	return fmt.Errorf("%w: request asks for %d, limit is %d", ErrTooManyTrials, r.RANSAC.MaxTrials, limit)
}
