package cleanse

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gperrors "github.com/gpusight/gpusight/internal/errors"
)

// stepSeries is a warmup ramp caricature: low utilization for the first
// lowN ticks, then steady state.
func stepSeries(lowN, highN int) []float64 {
	s := make([]float64, 0, lowN+highN)
	for i := 0; i < lowN; i++ {
		s = append(s, 0.05)
	}
	for i := 0; i < highN; i++ {
		s = append(s, 0.9)
	}
	return s
}

func reversed(s []float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}

func countTrue(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"leading", "trailing", "all", "none"} {
		m, err := ParseMode(valid)
		require.NoError(t, err)
		assert.Equal(t, Mode(valid), m)
	}

	_, err := ParseMode("middle")
	require.Error(t, err)
	assert.Equal(t, gperrors.ErrConfigInvalid, gperrors.CodeOf(err))
}

func TestDetectLeadingStep(t *testing.T) {
	series := stepSeries(50, 150)
	flags := Detect(series, ModeLeading)

	require.Len(t, flags, 200)
	for i := 0; i < 50; i++ {
		assert.True(t, flags[i], "warmup sample %d should be flagged", i)
	}
	for i := 50; i < 200; i++ {
		assert.False(t, flags[i], "steady-state sample %d should not be flagged", i)
	}
}

func TestDetectTrailingIsLeadingReversed(t *testing.T) {
	series := reversed(stepSeries(50, 150))
	flags := Detect(series, ModeTrailing)

	require.Len(t, flags, 200)
	for i := 0; i < 150; i++ {
		assert.False(t, flags[i])
	}
	for i := 150; i < 200; i++ {
		assert.True(t, flags[i])
	}
}

func TestDetectAllFlagsBothTails(t *testing.T) {
	series := make([]float64, 0, 200)
	series = append(series, stepSeries(20, 160)...)
	for i := 0; i < 20; i++ {
		series = append(series, 0.05)
	}

	all := Detect(series, ModeAll)
	assert.Equal(t, 40, countTrue(all))

	// Leading and trailing each restrict to their contiguous edge run.
	leading := Detect(series, ModeLeading)
	assert.Equal(t, 20, countTrue(leading))
	assert.True(t, leading[0])
	assert.False(t, leading[199])

	trailing := Detect(series, ModeTrailing)
	assert.Equal(t, 20, countTrue(trailing))
	assert.False(t, trailing[0])
	assert.True(t, trailing[199])
}

func TestDetectUniformSeriesUnflagged(t *testing.T) {
	// Steady-state noise in a narrow band. Whatever split 2-means finds,
	// the cluster means cannot be separated enough to flag anything.
	rng := rand.New(rand.NewSource(1))
	series := make([]float64, 300)
	for i := range series {
		series[i] = 0.45 + 0.05*rng.Float64()
	}

	flags := Detect(series, ModeLeading)
	assert.Zero(t, countTrue(flags))

	flags = Detect(series, ModeAll)
	assert.Zero(t, countTrue(flags))
}

func TestDetectConstantSeriesUnflagged(t *testing.T) {
	series := []float64{0.8, 0.8, 0.8, 0.8, 0.8, 0.8}
	assert.Zero(t, countTrue(Detect(series, ModeAll)))
}

func TestDetectShortSeriesUnflagged(t *testing.T) {
	flags := Detect([]float64{0.05, 0.9, 0.9}, ModeLeading)
	assert.Equal(t, []bool{false, false, false}, flags)
}

func TestDetectModeNone(t *testing.T) {
	flags := Detect(stepSeries(50, 150), ModeNone)
	assert.Len(t, flags, 200)
	assert.Zero(t, countTrue(flags))
}

func TestDetectEmptySeries(t *testing.T) {
	assert.Empty(t, Detect(nil, ModeAll))
}
