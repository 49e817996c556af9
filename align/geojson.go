package align

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Feature roles written to the "role" property.
const (
	RoleSource   = "source"   // source point after the fitted transform
	RoleTarget   = "target"   // target point
	RoleResidual = "residual" // segment from transformed source to target
)

// projectXY drops the z coordinate. All exports are top-down views.
func projectXY(p r3.Vector) orb.Point {
	return orb.Point{p.X, p.Y}
}

// ExportGeoJSON builds a top-down FeatureCollection of a fit: one Point per
// transformed source point, one per target point and one LineString per
// correspondence. Each feature carries the pair index, its role, whether the
// pair is an inlier and the 3D residual distance.
func ExportGeoJSON(x, y PointSet, res FitResult) (*geojson.FeatureCollection, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("%w: %d source points, %d target points", ErrShapeMismatch, len(x), len(y))
	}
	if len(res.Inliers) != 0 && len(res.Inliers) != len(x) {
		return nil, fmt.Errorf("%w: inlier mask has %d entries for %d points", ErrShapeMismatch, len(res.Inliers), len(x))
	}

	moved := res.Similarity().Apply(x)
	fc := geojson.NewFeatureCollection()
	fc.ExtraMembers = geojson.Properties{
		"scale":      res.Scale,
		"rmse":       res.RMSE,
		"numInliers": res.NumInliers,
		"numPoints":  len(x),
	}

	for i := range moved {
		inlier := len(res.Inliers) > 0 && res.Inliers[i]
		residual := math.Sqrt(moved[i].Sub(y[i]).Norm2())

		add := func(geom orb.Geometry, role string, z float64) {
			f := geojson.NewFeature(geom)
			f.ID = fmt.Sprintf("%s-%d", role, i)
			f.Properties["index"] = i
			f.Properties["role"] = role
			f.Properties["inlier"] = inlier
			f.Properties["residual"] = residual
			if role != RoleResidual {
				f.Properties["z"] = z
			}
			fc.Append(f)
		}

		add(projectXY(moved[i]), RoleSource, moved[i].Z)
		add(projectXY(y[i]), RoleTarget, y[i].Z)
		add(orb.LineString{projectXY(moved[i]), projectXY(y[i])}, RoleResidual, 0)
	}
	return fc, nil
}

// SaveGeoJSON writes fc to path, creating the directory if needed.
func SaveGeoJSON(path string, fc *geojson.FeatureCollection) error {
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling GeoJSON: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating GeoJSON directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing GeoJSON file: %w", err)
	}
	return nil
}

// projectedBound returns the XY bounding box of every point in the sets.
func projectedBound(sets ...PointSet) orb.Bound {
	var mp orb.MultiPoint
	for _, ps := range sets {
		for _, p := range ps {
			mp = append(mp, projectXY(p))
		}
	}
	if len(mp) == 0 {
		return orb.Bound{}
	}
	return mp.Bound()
}
