package align

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gonum.org/v1/gonum/num/quat"
)

func geoFixture() (PointSet, PointSet, FitResult) {
	x := PointSet{{X: 0, Y: 0, Z: 1}, {X: 1, Y: 0, Z: 2}, {X: 0, Y: 1, Z: 3}}
	y := PointSet{{X: 10, Y: 0, Z: 1}, {X: 11, Y: 0, Z: 2}, {X: 10, Y: 4, Z: 3}}
	sim := NewSimilarity(quat.Number{Real: 1}, r3.Vector{X: 10}, 1)
	res := FitResult{
		Params:     sim.Matrix,
		Scale:      1,
		Inliers:    []bool{true, true, false},
		NumInliers: 2,
	}
	return x, y, res
}

func TestExportGeoJSON_Features(t *testing.T) {
	x, y, res := geoFixture()

	fc, err := ExportGeoJSON(x, y, res)
	if err != nil {
		t.Fatalf("ExportGeoJSON: %v", err)
	}
	if len(fc.Features) != 9 {
		t.Fatalf("len(Features) = %d, want 9 (3 per pair)", len(fc.Features))
	}

	roles := map[string]int{}
	for _, f := range fc.Features {
		roles[f.Properties.MustString("role")]++
	}
	for _, role := range []string{RoleSource, RoleTarget, RoleResidual} {
		if roles[role] != 3 {
			t.Errorf("role %s count = %d, want 3", role, roles[role])
		}
	}

	src := fc.Features[0]
	if p, ok := src.Geometry.(orb.Point); !ok || !p.Equal(orb.Point{10, 0}) {
		t.Errorf("transformed source geometry = %v, want Point(10 0)", src.Geometry)
	}
	if z := src.Properties.MustFloat64("z"); z != 1 {
		t.Errorf("source z = %g, want 1", z)
	}

	seg := fc.Features[8]
	ls, ok := seg.Geometry.(orb.LineString)
	if !ok || len(ls) != 2 {
		t.Fatalf("residual geometry = %v, want 2-point LineString", seg.Geometry)
	}
	if seg.Properties.MustBool("inlier") {
		t.Error("pair 2 must be an outlier")
	}
	if r := seg.Properties.MustFloat64("residual"); r != 3 {
		t.Errorf("residual = %g, want 3", r)
	}
	if _, has := seg.Properties["z"]; has {
		t.Error("residual segments carry no z property")
	}
}

func TestExportGeoJSON_ShapeErrors(t *testing.T) {
	x, y, res := geoFixture()

	if _, err := ExportGeoJSON(x, y[:2], res); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("length mismatch: err = %v, want ErrShapeMismatch", err)
	}
	res.Inliers = []bool{true}
	if _, err := ExportGeoJSON(x, y, res); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("mask mismatch: err = %v, want ErrShapeMismatch", err)
	}
}

func TestSaveGeoJSON_RoundTrip(t *testing.T) {
	x, y, res := geoFixture()
	fc, err := ExportGeoJSON(x, y, res)
	if err != nil {
		t.Fatalf("ExportGeoJSON: %v", err)
	}

	path := filepath.Join(t.TempDir(), "out", "fit.geojson")
	if err := SaveGeoJSON(path, fc); err != nil {
		t.Fatalf("SaveGeoJSON: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	back, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatalf("UnmarshalFeatureCollection: %v", err)
	}
	if len(back.Features) != len(fc.Features) {
		t.Errorf("len(Features) = %d, want %d", len(back.Features), len(fc.Features))
	}
	if n := back.ExtraMembers.MustInt("numInliers"); n != 2 {
		t.Errorf("numInliers member = %d, want 2", n)
	}
}

func TestProjectedBound(t *testing.T) {
	b := projectedBound(PointSet{{X: -1, Y: 2, Z: 9}}, PointSet{{X: 3, Y: -4}})
	want := orb.Bound{Min: orb.Point{-1, -4}, Max: orb.Point{3, 2}}
	if !b.Equal(want) {
		t.Errorf("bound = %v, want %v", b, want)
	}

	if empty := projectedBound(); !empty.Equal(orb.Bound{}) {
		t.Errorf("empty bound = %v", empty)
	}
}
