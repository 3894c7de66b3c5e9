package matrix

import (
	"errors"
	"math"
	"testing"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSnapshot(t *testing.T, counts map[domain.State]map[domain.State]float64) *Snapshot {
	t.Helper()
	s, err := FromCounts(counts)
	require.NoError(t, err)
	return s
}

func TestSnapshot_ProbabilitiesScenario(t *testing.T) {
	parent := mustSnapshot(t, map[domain.State]map[domain.State]float64{
		"A": {"B": 3, "C": 1},
	})
	assert.Equal(t, 0.75, parent.Probability("A", "B"))
	assert.Equal(t, 0.25, parent.Probability("A", "C"))

	candidate, errs := parent.Apply([]domain.TransitionDelta{{Source: "A", Target: "B", Delta: 1.8}})
	require.Empty(t, errs)

	assert.InDelta(t, 4.8, candidate.Count("A", "B"), 1e-12)
	assert.Equal(t, 1.0, candidate.Count("A", "C"))
	assert.InDelta(t, 4.8/5.8, candidate.Probability("A", "B"), 1e-12)
	assert.InDelta(t, 1/5.8, candidate.Probability("A", "C"), 1e-12)
	assert.InDelta(t, 0.8276, candidate.Probability("A", "B"), 1e-4)
	assert.InDelta(t, 0.1724, candidate.Probability("A", "C"), 1e-4)

	// parent untouched
	assert.Equal(t, 3.0, parent.Count("A", "B"))
	assert.Equal(t, 0.75, parent.Probability("A", "B"))
}

func TestSnapshot_ProbabilitiesSumToOne(t *testing.T) {
	s := mustSnapshot(t, map[domain.State]map[domain.State]float64{
		"A": {"B": 0.1, "C": 0.2, "D": 0.7000001},
		"B": {"A": 1e-9, "C": 12345.678},
		"C": {"C": 3},
	})
	s, errs := s.Apply([]domain.TransitionDelta{
		{Source: "A", Target: "E", Delta: 1.4},
		{Source: "D", Target: "A", Delta: 0.3},
		{Source: "B", Target: "C", Delta: -0.678},
	})
	require.Empty(t, errs)

	for _, src := range s.Sources() {
		sum := 0.0
		for _, p := range s.Probabilities(src) {
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-9, "source %s", src)
	}
}

func TestSnapshot_UnknownSourceHasNoMass(t *testing.T) {
	s := Empty()
	assert.Empty(t, s.Probabilities("nowhere"))
	assert.Equal(t, 0.0, s.Probability("nowhere", "x"))
}

func TestSnapshot_ApplySharesUntouchedRows(t *testing.T) {
	parent := mustSnapshot(t, map[domain.State]map[domain.State]float64{
		"A": {"B": 1},
		"X": {"Y": 2},
	})
	candidate, errs := parent.Apply([]domain.TransitionDelta{{Source: "A", Target: "C", Delta: 1}})
	require.Empty(t, errs)

	assert.Same(t, parent.rows["X"], candidate.rows["X"])
	assert.NotSame(t, parent.rows["A"], candidate.rows["A"])
	assert.Equal(t, 2, parent.Stats().Transitions)
	assert.Equal(t, 3, candidate.Stats().Transitions)
}

func TestSnapshot_ApplyDropsInvalidDeltas(t *testing.T) {
	parent := mustSnapshot(t, map[domain.State]map[domain.State]float64{
		"A": {"B": 1, "C": 2},
	})
	candidate, errs := parent.Apply([]domain.TransitionDelta{
		{Source: "A", Target: "B", Delta: -5},
		{Source: "A", Target: "C", Delta: math.NaN()},
		{Source: "A", Target: "D", Delta: math.Inf(1)},
		{Source: "A", Target: "E", Delta: 2},
	})
	require.Len(t, errs, 3)
	for _, e := range errs {
		assert.True(t, errors.Is(e, ErrNormalization))
	}

	assert.Equal(t, 1.0, candidate.Count("A", "B"))
	assert.Equal(t, 2.0, candidate.Count("A", "C"))
	assert.Equal(t, 0.0, candidate.Count("A", "D"))
	assert.Equal(t, 2.0, candidate.Count("A", "E"))
}

func TestSnapshot_ApplyRemovesZeroedEntries(t *testing.T) {
	parent := mustSnapshot(t, map[domain.State]map[domain.State]float64{
		"A": {"B": 1.5},
		"C": {"D": 1, "E": 1},
	})
	candidate, errs := parent.Apply([]domain.TransitionDelta{
		{Source: "A", Target: "B", Delta: -1.5},
		{Source: "C", Target: "D", Delta: -1},
	})
	require.Empty(t, errs)

	assert.False(t, candidate.HasSource("A"))
	assert.Equal(t, []domain.State{"E"}, candidate.Targets("C"))
	assert.Equal(t, 1, candidate.Stats().Transitions)
	assert.Equal(t, 1.0, candidate.Probability("C", "E"))
}

func TestSnapshot_FromCountsRejectsNegative(t *testing.T) {
	_, err := FromCounts(map[domain.State]map[domain.State]float64{"A": {"B": -1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNormalization))
}

func TestSnapshot_Equal(t *testing.T) {
	a := mustSnapshot(t, map[domain.State]map[domain.State]float64{"A": {"B": 1}})
	b := mustSnapshot(t, map[domain.State]map[domain.State]float64{"A": {"B": 1}})
	c, _ := a.Apply([]domain.TransitionDelta{{Source: "A", Target: "B", Delta: 1e-15}})

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestSnapshot_States(t *testing.T) {
	s := mustSnapshot(t, map[domain.State]map[domain.State]float64{
		"A": {"B": 1, "C": 2},
		"B": {"A": 1},
	})
	states := s.States()
	assert.Len(t, states, 3)
	assert.True(t, states["C"], "targets without a row still count as states")
	assert.Equal(t, 3, s.Stats().States)

	states["D"] = true
	assert.Len(t, s.States(), 3, "the returned set is a copy")
}
