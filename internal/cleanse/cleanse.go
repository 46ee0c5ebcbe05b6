// Package cleanse flags warmup and cooldown samples in a utilization
// series so analysis can exclude them. Detection clusters each series in a
// two-dimensional feature space of log-scaled sample index and normalized
// value, then accepts the low-utilization cluster as outliers only when it
// is clearly separated from the rest.
package cleanse

import (
	"math"

	gperrors "github.com/gpusight/gpusight/internal/errors"
)

// Mode selects which portion of a series is eligible for flagging.
type Mode string

const (
	// ModeLeading flags only a contiguous run of outliers at the start of
	// the series, the typical warmup ramp.
	ModeLeading Mode = "leading"
	// ModeTrailing flags only a contiguous cooldown run at the end.
	ModeTrailing Mode = "trailing"
	// ModeAll flags outliers anywhere in the series.
	ModeAll Mode = "all"
	// ModeNone disables detection; no sample is flagged.
	ModeNone Mode = "none"
)

// minSeparation is the minimum relative gap between the cluster means,
// measured on raw values. Below it the series is considered uniform and no
// sample is flagged.
const minSeparation = 0.15

// minSamples is the fewest samples worth clustering. Shorter series are
// returned unflagged.
const minSamples = 4

// kMeansIterations bounds the Lloyd iterations; with two endpoint-seeded
// centroids convergence is reached in a handful of steps.
const kMeansIterations = 50

// ParseMode validates a mode string from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLeading, ModeTrailing, ModeAll, ModeNone:
		return Mode(s), nil
	}
	return "", gperrors.New(gperrors.ErrConfigInvalid, "cleanse",
		"unknown outlier detection mode %q (want leading, trailing, all, or none)", s)
}

// Detect returns one flag per sample; true marks an outlier to exclude.
// The result always has len(series) entries and flagging is conservative:
// when the series does not split into two well-separated utilization
// levels, nothing is flagged.
func Detect(series []float64, mode Mode) []bool {
	flags := make([]bool, len(series))
	if mode == ModeNone || len(series) < minSamples {
		return flags
	}

	low := lowCluster(series)
	if low == nil {
		return flags
	}

	switch mode {
	case ModeLeading:
		for i := 0; i < len(series) && low[i]; i++ {
			flags[i] = true
		}
	case ModeTrailing:
		for i := len(series) - 1; i >= 0 && low[i]; i-- {
			flags[i] = true
		}
	case ModeAll:
		copy(flags, low)
	}
	return flags
}

// lowCluster runs 2-means over (log index, value) features and returns
// membership of the cluster with the lower raw mean, or nil when the two
// clusters are not separated enough to call either one outlying.
func lowCluster(series []float64) []bool {
	n := len(series)

	// Index is log-scaled so early samples are spread apart and the bulk
	// of a long run compresses; that biases splits toward the edges where
	// warmup and cooldown live.
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = math.Log(float64(i + 1))
	}
	normalize(xs)

	ys := make([]float64, n)
	copy(ys, series)
	normalize(ys)

	// Seed the centroids at the first and last points. Deterministic, and
	// a natural fit for edge-heavy splits.
	c0x, c0y := xs[0], ys[0]
	c1x, c1y := xs[n-1], ys[n-1]

	assign := make([]int, n)
	for iter := 0; iter < kMeansIterations; iter++ {
		changed := false
		for i := range xs {
			d0 := sqDist(xs[i], ys[i], c0x, c0y)
			d1 := sqDist(xs[i], ys[i], c1x, c1y)
			cluster := 0
			if d1 < d0 {
				cluster = 1
			}
			if assign[i] != cluster {
				assign[i] = cluster
				changed = true
			}
		}
		if iter > 0 && !changed {
			break
		}

		var sx0, sy0, sx1, sy1 float64
		var n0, n1 int
		for i := range xs {
			if assign[i] == 0 {
				sx0 += xs[i]
				sy0 += ys[i]
				n0++
			} else {
				sx1 += xs[i]
				sy1 += ys[i]
				n1++
			}
		}
		if n0 == 0 || n1 == 0 {
			return nil
		}
		c0x, c0y = sx0/float64(n0), sy0/float64(n0)
		c1x, c1y = sx1/float64(n1), sy1/float64(n1)
	}

	// Separation is judged on raw values. Normalization stretches any
	// series to full scale, so it cannot tell a real warmup ramp from
	// steady-state noise; the raw means can.
	var raw0, raw1 float64
	var n0, n1 int
	for i, v := range series {
		if assign[i] == 0 {
			raw0 += v
			n0++
		} else {
			raw1 += v
			n1++
		}
	}
	mean0, mean1 := raw0/float64(n0), raw1/float64(n1)

	lowID := 0
	lowMean, highMean := mean0, mean1
	if mean1 < mean0 {
		lowID = 1
		lowMean, highMean = mean1, mean0
	}
	if highMean <= 0 || (highMean-lowMean)/highMean < minSeparation {
		return nil
	}

	low := make([]bool, n)
	for i := range low {
		low[i] = assign[i] == lowID
	}
	return low
}

// normalize min-max scales xs in place; a constant series becomes all
// zeros.
func normalize(xs []float64) {
	min, max := xs[0], xs[0]
	for _, v := range xs[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	span := max - min
	if span == 0 {
		for i := range xs {
			xs[i] = 0
		}
		return
	}
	for i := range xs {
		xs[i] = (xs[i] - min) / span
	}
}

func sqDist(ax, ay, bx, by float64) float64 {
	dx, dy := ax-bx, ay-by
	return dx*dx + dy*dy
}
