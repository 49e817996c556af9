package ransac

import (
	"bytes"
	"errors"
	"log"
	"math"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type line struct{ a, b float64 }

// lineModel fits y = a*x + b to single-column x and y arrays.
type lineModel struct{}

func (lineModel) Estimate(data ...*mat.Dense) (line, error) {
	x, y := data[0], data[1]
	n, _ := x.Dims()
	var sx, sy, sxx, sxy float64
	for i := 0; i < n; i++ {
		xi, yi := x.At(i, 0), y.At(i, 0)
		sx += xi
		sy += yi
		sxx += xi * xi
		sxy += xi * yi
	}
	den := float64(n)*sxx - sx*sx
	if n < 2 || math.Abs(den) < 1e-12 {
		return line{}, ErrDegenerate
	}
	a := (float64(n)*sxy - sx*sy) / den
	return line{a: a, b: (sy - a*sx) / float64(n)}, nil
}

func (lineModel) Residuals(l line, data ...*mat.Dense) ([]float64, error) {
	x, y := data[0], data[1]
	n, _ := x.Dims()
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Abs(y.At(i, 0) - (l.a*x.At(i, 0) + l.b))
	}
	return out, nil
}

// recordingModel returns a constant residual and records subset sizes.
type recordingModel struct {
	mu       sync.Mutex
	sizes    []int
	residual float64
	degenRow int // subsets smaller than this are degenerate
	err      error
	short    bool
}

func (m *recordingModel) Estimate(data ...*mat.Dense) (int, error) {
	r, _ := data[0].Dims()
	m.mu.Lock()
	m.sizes = append(m.sizes, r)
	m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	if r < m.degenRow {
		return 0, ErrDegenerate
	}
	return r, nil
}

func (m *recordingModel) Residuals(_ int, data ...*mat.Dense) ([]float64, error) {
	r, _ := data[0].Dims()
	if m.short {
		r--
	}
	out := make([]float64, r)
	for i := range out {
		out[i] = m.residual
	}
	return out, nil
}

func (m *recordingModel) lastSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sizes[len(m.sizes)-1]
}

func column(values ...float64) *mat.Dense {
	return mat.NewDense(len(values), 1, values)
}

// lineData returns n noiseless samples of y = 2x + 1 with outliers
// displaced by +50 at the given indices.
func lineData(n int, outliers ...int) (*mat.Dense, *mat.Dense) {
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
		ys[i] = 2*float64(i) + 1
	}
	for _, i := range outliers {
		ys[i] += 50
	}
	return column(xs...), column(ys...)
}

func intPtr(v int) *int { return &v }
func floatPtr(v float64) *float64 { return &v }
func seedPtr(v int64) *int64 { return &v }
func seeded(seed int64) *rand.Rand { return rand.New(rand.NewSource(seed)) }

// ---------------------------------------------------------------------------
// Fit
// ---------------------------------------------------------------------------

func TestFit_RejectsOutliers(t *testing.T) {
	x, y := lineData(50, 5, 17, 33)
	cfg := Config{ResidualThreshold: floatPtr(0.5), MaxTrials: 100}

	res, err := New[line](cfg, WithRand(seeded(1))).Fit(lineModel{}, x, y)
	require.NoError(t, err)

	assert.Equal(t, 2, res.MinSamples, "default subset size is feature dimension + 1")
	assert.Equal(t, 47, res.NumInliers)
	for i, in := range res.Inliers {
		switch i {
		case 5, 17, 33:
			assert.False(t, in, "outlier %d marked inlier", i)
		default:
			assert.True(t, in, "inlier %d rejected", i)
		}
	}
	assert.InDelta(t, 2.0, res.Params.a, 1e-9)
	assert.InDelta(t, 1.0, res.Params.b, 1e-9)
}

func TestFit_DerivedThresholdIsMADOfTarget(t *testing.T) {
	x, y := lineData(9)
	res, err := New[line](Config{}, WithRand(seeded(3))).Fit(lineModel{}, x, y)
	require.NoError(t, err)

	// y = 1, 3, ..., 17: median 9, deviations 0, 2, 2, 4, 4, ... -> MAD 4
	assert.InDelta(t, 4.0, res.Threshold, 1e-12)
	assert.Equal(t, DefaultMaxTrials, res.Trials)
}

func TestFit_DefaultsResolvedPerCall(t *testing.T) {
	est := New[line](Config{MaxTrials: 5}, WithRand(seeded(7)))

	x1, y1 := lineData(9)
	first, err := est.Fit(lineModel{}, x1, y1)
	require.NoError(t, err)

	scaled := mat.NewDense(9, 1, nil)
	scaled.Scale(10, y1)
	second, err := est.Fit(lineModel{}, x1, scaled)
	require.NoError(t, err)

	assert.InDelta(t, 4.0, first.Threshold, 1e-12)
	assert.InDelta(t, 40.0, second.Threshold, 1e-12, "threshold must be derived from the new data")
	assert.Nil(t, est.Config().ResidualThreshold)
	assert.Nil(t, est.Config().MinSamples)
}

func TestFit_SingleArrayUsesItForThreshold(t *testing.T) {
	m := &recordingModel{residual: 0}
	data := column(1, 2, 3, 4, 5)

	res, err := New[int](Config{MaxTrials: 3}, WithRand(seeded(1))).Fit(m, data)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Threshold, 1e-12)
	assert.Equal(t, 2, res.MinSamples)
}

func TestFit_ShapeErrors(t *testing.T) {
	x, y := lineData(5)
	tests := []struct {
		name string
		cfg  Config
		data []*mat.Dense
		want error
	}{
		{
			name: "no data",
			cfg:  Config{},
			data: nil,
			want: ErrNoData,
		},
		{
			name: "empty array",
			cfg:  Config{},
			data: []*mat.Dense{x, {}},
			want: ErrNoData,
		},
		{
			name: "row count mismatch",
			cfg:  Config{},
			data: []*mat.Dense{x, column(1, 2, 3)},
			want: ErrShapeMismatch,
		},
		{
			name: "subset larger than data",
			cfg:  Config{MinSamples: intPtr(6), ResidualThreshold: floatPtr(1)},
			data: []*mat.Dense{x, y},
			want: ErrShapeMismatch,
		},
		{
			name: "too many trials",
			cfg:  Config{MaxTrials: 1 << 31, ResidualThreshold: floatPtr(1)},
			data: []*mat.Dense{x, y},
			want: ErrTooManyTrials,
		},
		{
			name: "zero derived threshold",
			cfg:  Config{},
			data: []*mat.Dense{x, column(3, 3, 3, 3, 3)},
			want: ErrZeroThreshold,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New[line](tt.cfg, WithRand(seeded(1))).Fit(lineModel{}, tt.data...)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFit_NoInliersRefitsOnAllData(t *testing.T) {
	m := &recordingModel{residual: 1}
	data := column(1, 2, 3, 4, 5, 6)
	cfg := Config{MinSamples: intPtr(2), ResidualThreshold: floatPtr(0.5), MaxTrials: 4}

	res, err := New[int](cfg, WithRand(seeded(1))).Fit(m, data)
	require.NoError(t, err)

	assert.Equal(t, 0, res.NumInliers)
	assert.Equal(t, 6, m.lastSize(), "refit must use every sample")
	assert.Equal(t, 6, res.Params)
	require.Len(t, res.Inliers, 6)
	for _, in := range res.Inliers {
		assert.False(t, in)
	}
}

func TestFit_DegenerateTrialsAreSkipped(t *testing.T) {
	m := &recordingModel{residual: 0, degenRow: 5}
	data := column(1, 2, 3, 4, 5)
	cfg := Config{MinSamples: intPtr(2), ResidualThreshold: floatPtr(1), MaxTrials: 8}

	res, err := New[int](cfg, WithRand(seeded(1))).Fit(m, data)
	require.NoError(t, err)

	assert.Equal(t, 8, res.Skipped)
	assert.Equal(t, 0, res.NumInliers)
	assert.Equal(t, 5, res.Params, "fallback refit on the full data")
	assert.Len(t, res.Inliers, 5)
}

func TestFit_ModelErrorsAbort(t *testing.T) {
	boom := errors.New("boom")
	data := column(1, 2, 3, 4)
	cfg := Config{ResidualThreshold: floatPtr(1), MaxTrials: 3}

	_, err := New[int](cfg, WithRand(seeded(1))).Fit(&recordingModel{err: boom}, data)
	assert.ErrorIs(t, err, boom)

	_, err = New[int](cfg, WithRand(seeded(1))).Fit(&recordingModel{short: true}, data)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestFit_MinSamplesEqualsN(t *testing.T) {
	x, y := lineData(6)
	cfg := Config{MinSamples: intPtr(6), ResidualThreshold: floatPtr(0.1), MaxTrials: 25}

	res, err := New[line](cfg, WithRand(seeded(11))).Fit(lineModel{}, x, y)
	require.NoError(t, err)

	assert.Equal(t, 25, res.Trials)
	assert.Equal(t, 6, res.NumInliers)
	assert.InDelta(t, 2.0, res.Params.a, 1e-9)
}

func TestFit_SeedReproducesResult(t *testing.T) {
	x, y := lineData(40, 1, 2, 3, 20, 21, 30)
	cfg := Config{ResidualThreshold: floatPtr(0.5), MaxTrials: 30, Seed: seedPtr(99)}

	a, err := New[line](cfg).Fit(lineModel{}, x, y)
	require.NoError(t, err)
	b, err := New[line](cfg).Fit(lineModel{}, x, y)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestFit_ParallelMatchesSequential(t *testing.T) {
	x, y := lineData(40, 4, 8, 15, 16, 23, 39)
	seq := Config{ResidualThreshold: floatPtr(0.5), MaxTrials: 64, Seed: seedPtr(5)}
	par := seq
	par.Workers = 8

	a, err := New[line](seq).Fit(lineModel{}, x, y)
	require.NoError(t, err)
	b, err := New[line](par).Fit(lineModel{}, x, y)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

// heapModel wraps lineModel and samples the live heap on the first and the
// last Residuals call of a sequential fit.
type heapModel struct {
	lineModel
	trials      int
	calls       int
	first, last uint64
}

func liveHeap() uint64 {
	runtime.GC()
	runtime.GC()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

func (m *heapModel) Residuals(l line, data ...*mat.Dense) ([]float64, error) {
	m.calls++
	switch m.calls {
	case 1:
		m.first = liveHeap()
	case m.trials:
		m.last = liveHeap()
	}
	return m.lineModel.Residuals(l, data...)
}

func TestFit_SequentialKeepsOnlyBestMask(t *testing.T) {
	const n, trials = 20000, 300
	x, y := lineData(n, 10, 20, 30)
	m := &heapModel{trials: trials}

	res, err := New[line](Config{ResidualThreshold: floatPtr(0.5), MaxTrials: trials}, WithRand(seeded(3))).Fit(m, x, y)
	require.NoError(t, err)
	require.Equal(t, trials, m.calls)
	assert.Equal(t, n-3, res.NumInliers)

	// Keeping every trial's mask would grow the heap by trials*n bytes (6 MB).
	var growth uint64
	if m.last > m.first {
		growth = m.last - m.first
	}
	assert.Less(t, growth, uint64(1<<20), "live heap grew %d bytes over %d trials", growth, trials)
}

func TestFit_ChunkedParallelMatchesSequential(t *testing.T) {
	x, y := lineData(30, 2, 9, 11, 25)
	seq := Config{ResidualThreshold: floatPtr(0.5), MaxTrials: 101, Seed: seedPtr(17)}

	want, err := New[line](seq).Fit(lineModel{}, x, y)
	require.NoError(t, err)

	// 101 trials span several chunks for every worker count here.
	for _, workers := range []int{2, 3, 5} {
		par := seq
		par.Workers = workers
		got, err := New[line](par).Fit(lineModel{}, x, y)
		require.NoError(t, err)
		assert.Equal(t, want, got, "workers=%d", workers)
	}
}

func TestFit_TrialLogging(t *testing.T) {
	x, y := lineData(20, 3)
	cfg := Config{ResidualThreshold: floatPtr(0.5), MaxTrials: 5}

	var summary bytes.Buffer
	_, err := New[line](cfg, WithRand(seeded(1)), WithLogger(log.New(&summary, "", 0))).Fit(lineModel{}, x, y)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(summary.String(), "[RANSAC]"), "summary only without trial logging")

	var trace bytes.Buffer
	_, err = New[line](cfg, WithRand(seeded(1)), WithLogger(log.New(&trace, "", 0)), WithTrialLogging()).Fit(lineModel{}, x, y)
	require.NoError(t, err)
	assert.Equal(t, 5, strings.Count(trace.String(), "[RANSAC] trial "))
}

// ---------------------------------------------------------------------------
// selection policy
// ---------------------------------------------------------------------------

func TestTrialBeats(t *testing.T) {
	tests := []struct {
		name     string
		trial    trial
		bestNum  int
		bestSum  float64
		wantWins bool
	}{
		{"first trial always wins", trial{numInliers: 0, residualSum: 10}, 0, math.Inf(1), true},
		{"more inliers wins", trial{numInliers: 5, residualSum: 100}, 4, 50, true},
		{"fewer inliers but lower sum wins", trial{numInliers: 2, residualSum: 10}, 8, 50, true},
		{"exact tie keeps incumbent", trial{numInliers: 8, residualSum: 50}, 8, 50, false},
		{"fewer inliers and higher sum loses", trial{numInliers: 3, residualSum: 60}, 8, 50, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantWins, tt.trial.beats(tt.bestNum, tt.bestSum))
		})
	}
}

func TestSampleIndices(t *testing.T) {
	rng := seeded(42)
	for _, k := range []int{1, 4, 10} {
		idx := sampleIndices(rng, 10, k)
		require.Len(t, idx, k)
		seen := make(map[int]bool)
		for _, i := range idx {
			assert.GreaterOrEqual(t, i, 0)
			assert.Less(t, i, 10)
			assert.False(t, seen[i], "index %d drawn twice", i)
			seen[i] = true
		}
	}
}

func TestSelectRowsKeepsPairing(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{0, 0, 1, 1, 2, 2, 3, 3})
	y := column(10, 11, 12, 13)

	sub := selectRows([]*mat.Dense{x, y}, []int{3, 1})
	assert.Equal(t, []float64{3, 3, 1, 1}, sub[0].RawMatrix().Data)
	assert.Equal(t, []float64{13, 11}, sub[1].RawMatrix().Data)
}
