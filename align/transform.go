package align

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Homogeneous is a 4×4 transform acting on column vectors [x y z 1]ᵀ.
// It encodes as a nested JSON array, row major.
type Homogeneous [4][4]float64

// Identity returns the identity transform.
func Identity() Homogeneous {
	return Homogeneous{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// FromRotationTranslation builds a transform with block in the upper-left
// 3×3 and t in the last column. block may carry a scale factor.
func FromRotationTranslation(block [3][3]float64, t r3.Vector) Homogeneous {
	h := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h[i][j] = block[i][j]
		}
	}
	h[0][3], h[1][3], h[2][3] = t.X, t.Y, t.Z
	return h
}

// Dense returns the transform as a gonum matrix.
func (h Homogeneous) Dense() *mat.Dense {
	data := make([]float64, 0, 16)
	for _, row := range h {
		data = append(data, row[:]...)
	}
	return mat.NewDense(4, 4, data)
}

// HomogeneousFromDense copies a 4×4 matrix.
func HomogeneousFromDense(m mat.Matrix) (Homogeneous, error) {
	var h Homogeneous
	if r, c := m.Dims(); r != 4 || c != 4 {
		return h, fmt.Errorf("%w: want 4x4 transform, got %dx%d", ErrShapeMismatch, r, c)
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			h[i][j] = m.At(i, j)
		}
	}
	return h, nil
}

// ApplyPoint transforms a single point.
func (h Homogeneous) ApplyPoint(p r3.Vector) r3.Vector {
	x := h[0][0]*p.X + h[0][1]*p.Y + h[0][2]*p.Z + h[0][3]
	y := h[1][0]*p.X + h[1][1]*p.Y + h[1][2]*p.Z + h[1][3]
	z := h[2][0]*p.X + h[2][1]*p.Y + h[2][2]*p.Z + h[2][3]
	w := h[3][0]*p.X + h[3][1]*p.Y + h[3][2]*p.Z + h[3][3]
	if w != 1 && w != 0 {
		return r3.Vector{X: x / w, Y: y / w, Z: z / w}
	}
	return r3.Vector{X: x, Y: y, Z: z}
}

// Apply transforms an N×3 point cloud: the points are homogenised with
// w = 1, multiplied by h and de-homogenised.
func (h Homogeneous) Apply(xyz PointSet) PointSet {
	if len(xyz) == 0 {
		return PointSet{}
	}
	n := len(xyz)
	hom := mat.NewDense(n, 4, nil)
	for i, p := range xyz {
		hom.SetRow(i, []float64{p.X, p.Y, p.Z, 1})
	}

	// (H · Pᵀ)ᵀ = P · Hᵀ
	var out mat.Dense
	out.Mul(hom, h.Dense().T())

	result := make(PointSet, n)
	for i := range result {
		x, y, z, w := out.At(i, 0), out.At(i, 1), out.At(i, 2), out.At(i, 3)
		if w != 1 && w != 0 {
			x, y, z = x/w, y/w, z/w
		}
		result[i] = r3.Vector{X: x, Y: y, Z: z}
	}
	return result
}

// Compose returns h·other: applying the result equals applying other first,
// then h.
func (h Homogeneous) Compose(other Homogeneous) Homogeneous {
	var out Homogeneous
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += h[i][k] * other[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

// Inverse returns the general matrix inverse of h.
func (h Homogeneous) Inverse() (Homogeneous, error) {
	var inv mat.Dense
	if err := inv.Inverse(h.Dense()); err != nil {
		return Homogeneous{}, fmt.Errorf("inverting transform: %w", err)
	}
	return HomogeneousFromDense(&inv)
}

// Similarity is a rotation, translation and uniform scale. Matrix holds
// c·R in its upper-left block and t in its last column.
type Similarity struct {
	Matrix Homogeneous `json:"matrix"`
	Scale  float64     `json:"scale"`
}

// IdentitySimilarity returns the transform that leaves points unchanged.
func IdentitySimilarity() Similarity {
	return Similarity{Matrix: Identity(), Scale: 1}
}

// NewSimilarity builds a similarity from a rotation quaternion (normalised
// here), a translation and a scale.
func NewSimilarity(rotation quat.Number, translation r3.Vector, scale float64) Similarity {
	r := RotationFromQuat(rotation)
	var block [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			block[i][j] = scale * r[i][j]
		}
	}
	return Similarity{Matrix: FromRotationTranslation(block, translation), Scale: scale}
}

// Rotation returns the upper-left block with the scale factored out.
func (s Similarity) Rotation() [3][3]float64 {
	var r [3][3]float64
	if s.Scale == 0 {
		return r
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = s.Matrix[i][j] / s.Scale
		}
	}
	return r
}

// Translation returns the last column.
func (s Similarity) Translation() r3.Vector {
	return r3.Vector{X: s.Matrix[0][3], Y: s.Matrix[1][3], Z: s.Matrix[2][3]}
}

// Quaternion returns the rotation as a unit quaternion with a non-negative
// real part.
func (s Similarity) Quaternion() quat.Number {
	return QuatFromRotation(s.Rotation())
}

// Apply transforms xyz.
func (s Similarity) Apply(xyz PointSet) PointSet {
	return s.Matrix.Apply(xyz)
}

// Inverse returns the exact inverse similarity: R' = Rᵀ, c' = 1/c,
// t' = -Rᵀt/c. The inverse of a zero-scale transform is the identity.
func (s Similarity) Inverse() Similarity {
	if s.Scale == 0 {
		return IdentitySimilarity()
	}
	r := s.Rotation()
	t := s.Translation()
	inv := 1 / s.Scale

	var block [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			block[i][j] = inv * r[j][i]
		}
	}
	ti := r3.Vector{
		X: -inv * (r[0][0]*t.X + r[1][0]*t.Y + r[2][0]*t.Z),
		Y: -inv * (r[0][1]*t.X + r[1][1]*t.Y + r[2][1]*t.Z),
		Z: -inv * (r[0][2]*t.X + r[1][2]*t.Y + r[2][2]*t.Z),
	}
	return Similarity{Matrix: FromRotationTranslation(block, ti), Scale: inv}
}

// Compose returns the similarity applying other first, then s.
func (s Similarity) Compose(other Similarity) Similarity {
	return Similarity{Matrix: s.Matrix.Compose(other.Matrix), Scale: s.Scale * other.Scale}
}

// Residuals returns, per sample, the squared distance between the
// transformed x point and its y counterpart.
func (s Similarity) Residuals(x, y PointSet) ([]float64, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("%w: %d source points, %d target points", ErrShapeMismatch, len(x), len(y))
	}
	est := s.Apply(x)
	out := make([]float64, len(est))
	for i := range est {
		out[i] = est[i].Sub(y[i]).Norm2()
	}
	return out, nil
}

// RotationFromQuat converts a quaternion into a rotation matrix. q is
// normalised first; the zero quaternion gives the identity.
func RotationFromQuat(q quat.Number) [3][3]float64 {
	n := quat.Abs(q)
	if n == 0 {
		return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	}
	q = quat.Scale(1/n, q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// QuatFromRotation converts an orthonormal rotation matrix into a unit
// quaternion with a non-negative real part.
func QuatFromRotation(r [3][3]float64) quat.Number {
	var q quat.Number
	trace := r[0][0] + r[1][1] + r[2][2]
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = quat.Number{
			Real: 0.25 / s,
			Imag: (r[2][1] - r[1][2]) * s,
			Jmag: (r[0][2] - r[2][0]) * s,
			Kmag: (r[1][0] - r[0][1]) * s,
		}
	case r[0][0] > r[1][1] && r[0][0] > r[2][2]:
		s := 2 * math.Sqrt(1+r[0][0]-r[1][1]-r[2][2])
		q = quat.Number{
			Real: (r[2][1] - r[1][2]) / s,
			Imag: 0.25 * s,
			Jmag: (r[0][1] + r[1][0]) / s,
			Kmag: (r[0][2] + r[2][0]) / s,
		}
	case r[1][1] > r[2][2]:
		s := 2 * math.Sqrt(1+r[1][1]-r[0][0]-r[2][2])
		q = quat.Number{
			Real: (r[0][2] - r[2][0]) / s,
			Imag: (r[0][1] + r[1][0]) / s,
			Jmag: 0.25 * s,
			Kmag: (r[1][2] + r[2][1]) / s,
		}
	default:
		s := 2 * math.Sqrt(1+r[2][2]-r[0][0]-r[1][1])
		q = quat.Number{
			Real: (r[1][0] - r[0][1]) / s,
			Imag: (r[0][2] + r[2][0]) / s,
			Jmag: (r[1][2] + r[2][1]) / s,
			Kmag: 0.25 * s,
		}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	if n := quat.Abs(q); n > 0 {
		q = quat.Scale(1/n, q)
	}
	return q
}

// AxisAngle returns the quaternion rotating by angle radians about axis.
func AxisAngle(axis r3.Vector, angle float64) quat.Number {
	if axis.Norm() == 0 {
		return quat.Number{Real: 1}
	}
	a := axis.Normalize()
	s := math.Sin(angle / 2)
	return quat.Number{Real: math.Cos(angle / 2), Imag: a.X * s, Jmag: a.Y * s, Kmag: a.Z * s}
}
