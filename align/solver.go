package align

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/pointalign/ransac"
)

// collinearTol is the smallest ratio between the second and first singular
// values of the cross-covariance accepted as a well-conditioned sample.
const collinearTol = 1e-12

// EstimateSimilarity computes the similarity transform minimising
// Σ |c·R·xᵢ + t − yᵢ|² in closed form (Umeyama's method).
//
// At least 3 non-collinear pairs are required; ErrDegenerate is returned for
// fewer points, zero spread or collinear samples. RANSAC subsets default to
// 4 pairs since 3 are the bare minimum.
func EstimateSimilarity(x, y PointSet) (Similarity, error) {
	n := len(x)
	if n != len(y) {
		return Similarity{}, fmt.Errorf("%w: %d source points, %d target points", ErrShapeMismatch, n, len(y))
	}
	if n < 3 {
		return Similarity{}, fmt.Errorf("%w: need 3 point pairs, got %d", ErrDegenerate, n)
	}

	mx, my := x.Centroid(), y.Centroid()

	// Cross-covariance Σ = Σ (yᵢ - ȳ)(xᵢ - x̄)ᵀ and source spread.
	sigma := mat.NewDense(3, 3, nil)
	var varX float64
	for i := range x {
		dx := x[i].Sub(mx)
		dy := y[i].Sub(my)
		varX += dx.Norm2()
		a := [3]float64{dy.X, dy.Y, dy.Z}
		b := [3]float64{dx.X, dx.Y, dx.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				sigma.Set(r, c, sigma.At(r, c)+a[r]*b[c])
			}
		}
	}
	if varX == 0 {
		return Similarity{}, fmt.Errorf("%w: source points coincide", ErrDegenerate)
	}

	var svd mat.SVD
	if ok := svd.Factorize(sigma, mat.SVDFull); !ok {
		return Similarity{}, fmt.Errorf("%w: SVD factorization failed", ErrDegenerate)
	}
	d := svd.Values(nil)
	if d[0] == 0 || d[1] <= collinearTol*d[0] {
		return Similarity{}, fmt.Errorf("%w: collinear points", ErrDegenerate)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// Reflection guard: S = diag(1, 1, sign(det U · det V)).
	s := []float64{1, 1, 1}
	if mat.Det(&u)*mat.Det(&v) < 0 {
		s[2] = -1
	}

	var us, rot mat.Dense
	us.Mul(&u, mat.NewDiagDense(3, s))
	rot.Mul(&us, v.T())

	c := (d[0]*s[0] + d[1]*s[1] + d[2]*s[2]) / varX

	var block [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			block[i][j] = c * rot.At(i, j)
		}
	}
	rmx := r3.Vector{
		X: block[0][0]*mx.X + block[0][1]*mx.Y + block[0][2]*mx.Z,
		Y: block[1][0]*mx.X + block[1][1]*mx.Y + block[1][2]*mx.Z,
		Z: block[2][0]*mx.X + block[2][1]*mx.Y + block[2][2]*mx.Z,
	}
	return Similarity{Matrix: FromRotationTranslation(block, my.Sub(rmx)), Scale: c}, nil
}

// SimilarityModel adapts EstimateSimilarity to the ransac.Model interface.
// Data must be exactly two N×3 arrays: source X then target Y.
// It holds no state and is safe for concurrent use.
type SimilarityModel struct{}

var _ ransac.Model[Similarity] = SimilarityModel{}

// Estimate fits a similarity to the paired rows of data[0] and data[1].
func (SimilarityModel) Estimate(data ...*mat.Dense) (Similarity, error) {
	x, y, err := correspondences(data)
	if err != nil {
		return Similarity{}, err
	}
	return EstimateSimilarity(x, y)
}

// Residuals returns squared distances under s.
func (SimilarityModel) Residuals(s Similarity, data ...*mat.Dense) ([]float64, error) {
	x, y, err := correspondences(data)
	if err != nil {
		return nil, err
	}
	return s.Residuals(x, y)
}

func correspondences(data []*mat.Dense) (PointSet, PointSet, error) {
	if len(data) != 2 {
		return nil, nil, fmt.Errorf("%w: want source and target arrays, got %d", ErrShapeMismatch, len(data))
	}
	x, err := PointSetFromDense(data[0])
	if err != nil {
		return nil, nil, fmt.Errorf("source: %w", err)
	}
	y, err := PointSetFromDense(data[1])
	if err != nil {
		return nil, nil, fmt.Errorf("target: %w", err)
	}
	return x, y, nil
}

// RobustFit estimates the similarity mapping x onto y with RANSAC.
func RobustFit(x, y PointSet, cfg ransac.Config, opts ...ransac.Option) (FitResult, error) {
	if len(x) != len(y) {
		return FitResult{}, fmt.Errorf("%w: %d source points, %d target points", ErrShapeMismatch, len(x), len(y))
	}
	res, err := ransac.New[Similarity](cfg, opts...).Fit(SimilarityModel{}, x.Dense(), y.Dense())
	if err != nil {
		return FitResult{}, err
	}

	residuals, err := res.Params.Residuals(x, y)
	if err != nil {
		return FitResult{}, err
	}
	return FitResult{
		Params:     res.Params.Matrix,
		Scale:      res.Params.Scale,
		Inliers:    res.Inliers,
		NumInliers: res.NumInliers,
		RMSE:       rmse(residuals, res.Inliers, res.NumInliers),
		Threshold:  res.Threshold,
		MinSamples: res.MinSamples,
		Trials:     res.Trials,
		Skipped:    res.Skipped,
	}, nil
}

// rmse is the root of the mean squared residual over the masked samples,
// or over all samples when the mask is empty.
func rmse(squared []float64, mask []bool, count int) float64 {
	if len(squared) == 0 {
		return 0
	}
	if count == 0 {
		return math.Sqrt(floats.Sum(squared) / float64(len(squared)))
	}
	var sum float64
	for i, r := range squared {
		if mask[i] {
			sum += r
		}
	}
	return math.Sqrt(sum / float64(count))
}

// Solver holds the most recently estimated similarity transform.
// The zero value is ready to use and has scale 0.
type Solver struct {
	transform *Similarity
	opts      []ransac.Option
}

// NewSolver returns a solver; opts are passed to every RANSAC run in Fit.
func NewSolver(opts ...ransac.Option) *Solver {
	return &Solver{opts: opts}
}

// NewSolverWithTransform returns a solver already holding s.
func NewSolverWithTransform(s Similarity) *Solver {
	return &Solver{transform: &s}
}

// Estimate replaces the held transform with the fit of x onto y.
func (s *Solver) Estimate(x, y PointSet) error {
	sim, err := EstimateSimilarity(x, y)
	if err != nil {
		return err
	}
	s.transform = &sim
	return nil
}

// Fit runs RANSAC and leaves the solver holding the refit transform.
func (s *Solver) Fit(x, y PointSet, cfg ransac.Config) (FitResult, error) {
	res, err := RobustFit(x, y, cfg, s.opts...)
	if err != nil {
		return FitResult{}, err
	}
	sim := res.Similarity()
	s.transform = &sim
	return res, nil
}

// Residuals returns squared distances between the transformed x and y.
func (s *Solver) Residuals(x, y PointSet) ([]float64, error) {
	if s.transform == nil {
		return nil, ErrNotEstimated
	}
	return s.transform.Residuals(x, y)
}

// Apply transforms an arbitrary point cloud with the held transform.
func (s *Solver) Apply(xyz PointSet) (PointSet, error) {
	if s.transform == nil {
		return nil, ErrNotEstimated
	}
	return s.transform.Apply(xyz), nil
}

// Params returns the held 4×4 transform; ok is false before any estimate.
func (s *Solver) Params() (h Homogeneous, ok bool) {
	if s.transform == nil {
		return Homogeneous{}, false
	}
	return s.transform.Matrix, true
}

// Scale returns the held scale, 0 before any estimate.
func (s *Solver) Scale() float64 {
	if s.transform == nil {
		return 0
	}
	return s.transform.Scale
}

// Similarity returns the held transform.
func (s *Solver) Similarity() (Similarity, bool) {
	if s.transform == nil {
		return Similarity{}, false
	}
	return *s.transform, true
}
