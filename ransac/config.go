package ransac

import (
	"fmt"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"
)

// DefaultMaxTrials is used when Config.MaxTrials is not positive.
const DefaultMaxTrials = 100

// MaxTrialsLimit is the largest MaxTrials Validate accepts.
const MaxTrialsLimit = 1_000_000

// Config holds the estimator options. Nil pointers mean "derive from data".
type Config struct {
	MinSamples        *int     `yaml:"minSamples,omitempty" json:"minSamples,omitempty"`               // Subset size; default feature dimension + 1
	ResidualThreshold *float64 `yaml:"residualThreshold,omitempty" json:"residualThreshold,omitempty"` // Inlier cut-off; default MAD of the target data
	MaxTrials         int      `yaml:"maxTrials,omitempty" json:"maxTrials,omitempty"`                 // Number of random subsets to test
	Workers           int      `yaml:"workers,omitempty" json:"workers,omitempty"`                     // Parallel trial evaluation; <= 1 runs sequentially
	Seed              *int64   `yaml:"seed,omitempty" json:"seed,omitempty"`                           // Seed for reproducible runs
}

// DefaultConfig returns a config with every derivable field left unset.
func DefaultConfig() Config {
	return Config{MaxTrials: DefaultMaxTrials, Workers: 1}
}

// Validate rejects values no data set could make sense of.
func (c Config) Validate() error {
	if c.MinSamples != nil && *c.MinSamples < 1 {
		return fmt.Errorf("minSamples must be positive, got %d", *c.MinSamples)
	}
	if c.ResidualThreshold != nil && *c.ResidualThreshold < 0 {
		return fmt.Errorf("residualThreshold must not be negative, got %g", *c.ResidualThreshold)
	}
	if c.MaxTrials < 0 {
		return fmt.Errorf("maxTrials must not be negative, got %d", c.MaxTrials)
	}
	if c.MaxTrials > MaxTrialsLimit {
		return fmt.Errorf("%w: maxTrials %d exceeds %d", ErrTooManyTrials, c.MaxTrials, MaxTrialsLimit)
	}
	return nil
}

// Merge returns c with every field set in o applied on top. Pointer fields
// count as set when non-nil, MaxTrials and Workers when positive.
func (c Config) Merge(o Config) Config {
	if o.MinSamples != nil {
		c.MinSamples = o.MinSamples
	}
	if o.ResidualThreshold != nil {
		c.ResidualThreshold = o.ResidualThreshold
	}
	if o.MaxTrials > 0 {
		c.MaxTrials = o.MaxTrials
	}
	if o.Workers > 0 {
		c.Workers = o.Workers
	}
	if o.Seed != nil {
		c.Seed = o.Seed
	}
	return c
}

func (c Config) maxTrials() int {
	if c.MaxTrials <= 0 {
		return DefaultMaxTrials
	}
	return c.MaxTrials
}

func (c Config) workers() int {
	if c.Workers < 1 {
		return 1
	}
	return c.Workers
}

// resolve computes the per-call subset size and threshold.
func (c Config) resolve(data []*mat.Dense) (int, float64, error) {
	var minSamples int
	if c.MinSamples != nil {
		minSamples = *c.MinSamples
	} else {
		_, feats := data[0].Dims()
		minSamples = feats + 1
	}

	if c.ResidualThreshold != nil {
		return minSamples, *c.ResidualThreshold, nil
	}
	target := data[0]
	if len(data) > 1 {
		target = data[1]
	}
	threshold := MedianAbsoluteDeviation(target)
	if threshold == 0 {
		return 0, 0, ErrZeroThreshold
	}
	return minSamples, threshold, nil
}

// MedianAbsoluteDeviation returns median(|v - median(v)|) over every element
// of m, treating the matrix as one flat sample.
func MedianAbsoluteDeviation(m mat.Matrix) float64 {
	r, c := m.Dims()
	values := make(stats.Float64Data, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			values = append(values, m.At(i, j))
		}
	}
	mad, err := stats.MedianAbsoluteDeviationPopulation(values)
	if err != nil {
		return 0
	}
	return mad
}

// Median returns the middle value of v, averaging the two middle values for
// even lengths. v is not modified. Median of an empty slice is 0.
func Median(v []float64) float64 {
	med, err := stats.Median(v)
	if err != nil {
		return 0
	}
	return med
}
