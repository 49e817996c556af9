// Package ransac implements a generic Random Sample Consensus estimator.
//
// The estimator repeatedly fits a Model to random minimal subsets of the data,
// scores every candidate against the full data set and refits the best one on
// its consensus set.
//
// A trial replaces the incumbent when it has strictly more inliers OR a
// strictly smaller residual sum. This is an inclusive-or, not a lexicographic
// rule: a trial with fewer inliers but a lower total residual still wins.
// The policy is kept for output parity with existing pipelines and is
// surprising enough to be worth knowing about when reading results.
package ransac

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNoData is returned when Fit is called without any data array.
	ErrNoData = errors.New("ransac: no data")
	// ErrShapeMismatch is returned when data arrays disagree on sample count
	// or when the subset size cannot be drawn from the available samples.
	ErrShapeMismatch = errors.New("ransac: shape mismatch")
	// ErrDegenerate is returned by models that cannot produce a reliable
	// candidate from the given subset. Trials failing with it are skipped.
	ErrDegenerate = errors.New("ransac: degenerate model")
	// ErrZeroThreshold is returned when the derived residual threshold is
	// zero, which happens when most values tie at their median.
	ErrZeroThreshold = errors.New("ransac: derived residual threshold is zero")
	// ErrTooManyTrials is returned by Config.Validate when MaxTrials exceeds
	// MaxTrialsLimit.
	ErrTooManyTrials = errors.New("ransac: too many trials")
)

// chunkPerWorker is the number of trials queued per worker before the
// finished chunk is reduced.
const chunkPerWorker = 8

// Model is the capability set the estimator needs. Estimate must not retain
// or mutate its inputs; with Workers > 1 both methods are called concurrently.
type Model[P any] interface {
	// Estimate fits parameters to a subset of each data array.
	Estimate(data ...*mat.Dense) (P, error)
	// Residuals returns one non-negative error per sample of the full data.
	Residuals(params P, data ...*mat.Dense) ([]float64, error)
}

// Result is what Fit returns.
type Result[P any] struct {
	Params      P       // refit on the best trial's inliers
	Inliers     []bool  // best trial's inlier mask
	NumInliers  int     // inliers in the best trial
	ResidualSum float64 // residual sum of the best trial
	Threshold   float64 // residual threshold used for this call
	MinSamples  int     // subset size used for this call
	Trials      int     // trials evaluated
	Skipped     int     // trials skipped as degenerate
}

// Option configures an Estimator.
type Option func(*options)

type options struct {
	rng           *rand.Rand
	logger        *log.Logger
	verboseTrials bool
}

// WithRand injects the random source used to seed the trials.
// The source is only used from the goroutine calling Fit.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) { o.rng = rng }
}

// WithLogger enables a summary line per fit.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTrialLogging adds one line per trial to the WithLogger output.
func WithTrialLogging() Option {
	return func(o *options) { o.verboseTrials = true }
}

// Estimator runs RANSAC for models producing parameters of type P.
type Estimator[P any] struct {
	cfg           Config
	rng           *rand.Rand
	logger        *log.Logger
	verboseTrials bool
}

// New returns an estimator for cfg. Derived defaults are resolved on every
// Fit call and never stored back into the estimator.
func New[P any](cfg Config, opts ...Option) *Estimator[P] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	rng := o.rng
	if rng == nil {
		seed := time.Now().UnixNano()
		if cfg.Seed != nil {
			seed = *cfg.Seed
		}
		rng = rand.New(rand.NewSource(seed))
	}
	return &Estimator[P]{cfg: cfg, rng: rng, logger: o.logger, verboseTrials: o.verboseTrials}
}

// Config returns the configuration the estimator was built with.
func (e *Estimator[P]) Config() Config {
	return e.cfg
}

type trial struct {
	inliers     []bool
	numInliers  int
	residualSum float64
	skipped     bool
}

// Fit robustly fits model to data. data holds one or more arrays with the
// same number of rows, for example X and Y of a correspondence set.
func (e *Estimator[P]) Fit(model Model[P], data ...*mat.Dense) (Result[P], error) {
	var zero Result[P]

	if err := e.cfg.Validate(); err != nil {
		return zero, err
	}
	n, err := sampleCount(data)
	if err != nil {
		return zero, err
	}
	minSamples, threshold, err := e.cfg.resolve(data)
	if err != nil {
		return zero, err
	}
	if minSamples < 1 || minSamples > n {
		return zero, fmt.Errorf("%w: cannot draw %d samples from %d", ErrShapeMismatch, minSamples, n)
	}
	maxTrials := e.cfg.maxTrials()
	workers := e.cfg.workers()

	// Trials run in chunks so only one chunk of masks is alive at a time.
	// Seeds are still drawn in trial order, so every chunk size gives the
	// same result.
	chunk := 1
	if workers > 1 {
		chunk = min(workers*chunkPerWorker, maxTrials)
	}
	seeds := make([]int64, chunk)
	batch := make([]trial, chunk)

	bestNum := 0
	bestSum := math.Inf(1)
	var bestInliers []bool
	skipped := 0

	for start := 0; start < maxTrials; start += chunk {
		size := min(chunk, maxTrials-start)
		for i := 0; i < size; i++ {
			seeds[i] = e.rng.Int63()
		}
		if err := runBatch(model, data, n, minSamples, threshold, start, seeds[:size], batch[:size], workers); err != nil {
			return zero, err
		}

		for i := 0; i < size; i++ {
			t := batch[i]
			batch[i] = trial{}
			if t.skipped {
				skipped++
				continue
			}
			if t.beats(bestNum, bestSum) {
				bestNum = t.numInliers
				bestSum = t.residualSum
				bestInliers = t.inliers
			}
			if e.logger != nil && e.verboseTrials {
				e.logger.Printf("[RANSAC] trial %d: inliers=%d residualSum=%.6g best=%d", start+i, t.numInliers, t.residualSum, bestNum)
			}
		}
	}
	if bestInliers == nil {
		bestInliers = make([]bool, n)
	}

	refitData := data
	if bestNum > 0 {
		refitData = selectMask(data, bestInliers, bestNum)
	}
	params, err := model.Estimate(refitData...)
	if err != nil {
		return zero, fmt.Errorf("refit on %d samples: %w", rows(refitData[0]), err)
	}

	if e.logger != nil {
		e.logger.Printf("[RANSAC] trials=%d skipped=%d minSamples=%d threshold=%.6g inliers=%d/%d residualSum=%.6g",
			maxTrials, skipped, minSamples, threshold, bestNum, n, bestSum)
		if bestNum == 0 {
			e.logger.Printf("[RANSAC] no trial produced inliers, refit on all %d samples", n)
		}
	}

	return Result[P]{
		Params:      params,
		Inliers:     bestInliers,
		NumInliers:  bestNum,
		ResidualSum: bestSum,
		Threshold:   threshold,
		MinSamples:  minSamples,
		Trials:      maxTrials,
		Skipped:     skipped,
	}, nil
}

// runBatch evaluates one chunk of trials into out, concurrently when
// workers > 1. Each trial writes only its own slot.
func runBatch[P any](model Model[P], data []*mat.Dense, n, k int, threshold float64, first int, seeds []int64, out []trial, workers int) error {
	run := func(i int) error {
		t, err := runTrial(model, data, n, k, threshold, seeds[i])
		if err != nil {
			return fmt.Errorf("trial %d: %w", first+i, err)
		}
		out[i] = t
		return nil
	}

	if workers <= 1 {
		for i := range seeds {
			if err := run(i); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range seeds {
		g.Go(func() error { return run(i) })
	}
	return g.Wait()
}

func runTrial[P any](model Model[P], data []*mat.Dense, n, k int, threshold float64, seed int64) (trial, error) {
	idx := sampleIndices(rand.New(rand.NewSource(seed)), n, k)
	candidate, err := model.Estimate(selectRows(data, idx)...)
	if err != nil {
		if errors.Is(err, ErrDegenerate) {
			return trial{skipped: true}, nil
		}
		return trial{}, err
	}

	residuals, err := model.Residuals(candidate, data...)
	if err != nil {
		return trial{}, err
	}
	if len(residuals) != n {
		return trial{}, fmt.Errorf("%w: model returned %d residuals for %d samples", ErrShapeMismatch, len(residuals), n)
	}

	inliers := make([]bool, n)
	count := 0
	for i, r := range residuals {
		if r <= threshold {
			inliers[i] = true
			count++
		}
	}
	return trial{
		inliers:     inliers,
		numInliers:  count,
		residualSum: floats.Sum(residuals),
	}, nil
}

// beats reports whether t should replace an incumbent with the given score.
func (t trial) beats(numInliers int, residualSum float64) bool {
	return numInliers < t.numInliers || residualSum > t.residualSum
}

// sampleIndices draws k distinct indices from [0, n) with a partial
// Fisher-Yates shuffle.
func sampleIndices(rng *rand.Rand, n, k int) []int {
	pool := make([]int, n)
	for i := range pool {
		pool[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + rng.Intn(n-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:k]
}

func sampleCount(data []*mat.Dense) (int, error) {
	if len(data) == 0 {
		return 0, ErrNoData
	}
	n := -1
	for i, d := range data {
		if d == nil || d.IsEmpty() {
			return 0, fmt.Errorf("%w: data[%d] is empty", ErrNoData, i)
		}
		r, _ := d.Dims()
		if n == -1 {
			n = r
		} else if r != n {
			return 0, fmt.Errorf("%w: data[%d] has %d samples, want %d", ErrShapeMismatch, i, r, n)
		}
	}
	return n, nil
}

func rows(d *mat.Dense) int {
	r, _ := d.Dims()
	return r
}

func selectRows(data []*mat.Dense, idx []int) []*mat.Dense {
	out := make([]*mat.Dense, len(data))
	for i, d := range data {
		_, c := d.Dims()
		sub := mat.NewDense(len(idx), c, nil)
		for r, src := range idx {
			sub.SetRow(r, d.RawRowView(src))
		}
		out[i] = sub
	}
	return out
}

func selectMask(data []*mat.Dense, mask []bool, count int) []*mat.Dense {
	idx := make([]int, 0, count)
	for i, keep := range mask {
		if keep {
			idx = append(idx, i)
		}
	}
	return selectRows(data, idx)
}
