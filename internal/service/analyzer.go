package service

import (
	"math"
	"sort"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/Harshitk-cp/markovtune/internal/matrix"
)

const defaultTopChanges = 5

type Analysis struct {
	Drift    float64
	PerState []domain.StateDrift
	Summary  domain.DiffSummary
}

// ChangeAnalyzer scores how far a candidate moved from its parent.
type ChangeAnalyzer struct {
	topN int
}

func NewChangeAnalyzer() *ChangeAnalyzer {
	return &ChangeAnalyzer{topN: defaultTopChanges}
}

// Analyze compares every source state present in both snapshots. The drift
// score is the visit-weighted mean of per-state total variation distance, so
// states that received more feedback count for more. When none of the shared
// states were visited it falls back to the plain mean.
func (a *ChangeAnalyzer) Analyze(parent, candidate *matrix.Snapshot, visits map[domain.State]float64) Analysis {
	var (
		perState      []domain.StateDrift
		weighted      float64
		weightTotal   float64
		plain         float64
		summary       domain.DiffSummary
		parentSources = parent.Sources()
	)

	for _, src := range parentSources {
		if !candidate.HasSource(src) {
			summary.TransitionsRemoved += len(parent.Targets(src))
			continue
		}
		summary.StatesCompared++

		var d float64
		if !parent.SharesRow(candidate, src) {
			d = Divergence(parent.Probabilities(src), candidate.Probabilities(src))
			added, removed := targetChanges(parent, candidate, src)
			summary.TransitionsAdded += added
			summary.TransitionsRemoved += removed
		}
		w := visits[src]
		perState = append(perState, domain.StateDrift{State: src, Divergence: d, Visits: w})
		if d > 0 {
			summary.StatesChanged++
		}
		plain += d
		if w > 0 {
			weighted += w * d
			weightTotal += w
		}
	}

	for _, src := range candidate.Sources() {
		if !parent.HasSource(src) {
			summary.SourcesAdded++
			summary.TransitionsAdded += len(candidate.Targets(src))
		}
	}

	var drift float64
	switch {
	case weightTotal > 0:
		drift = weighted / weightTotal
	case summary.StatesCompared > 0:
		drift = plain / float64(summary.StatesCompared)
	}

	summary.TopChanges = a.top(perState)
	return Analysis{Drift: drift, PerState: perState, Summary: summary}
}

func (a *ChangeAnalyzer) top(perState []domain.StateDrift) []domain.StateDrift {
	changed := make([]domain.StateDrift, 0, len(perState))
	for _, sd := range perState {
		if sd.Divergence > 0 {
			changed = append(changed, sd)
		}
	}
	sort.SliceStable(changed, func(i, j int) bool {
		if changed[i].Divergence != changed[j].Divergence {
			return changed[i].Divergence > changed[j].Divergence
		}
		return changed[i].State < changed[j].State
	})
	if len(changed) > a.topN {
		changed = changed[:a.topN]
	}
	return changed
}

// Divergence is the total variation distance (half the L1 distance) between
// two distributions, in [0, 1]. Terms are summed in target order.
func Divergence(p, q matrix.Distribution) float64 {
	keys := make([]domain.State, 0, len(p)+len(q))
	for k := range p {
		keys = append(keys, k)
	}
	for k := range q {
		if _, ok := p[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	sum := 0.0
	for _, k := range keys {
		sum += math.Abs(p[k] - q[k])
	}
	return sum / 2
}

func targetChanges(parent, candidate *matrix.Snapshot, src domain.State) (added, removed int) {
	for _, dst := range candidate.Targets(src) {
		if parent.Count(src, dst) == 0 {
			added++
		}
	}
	for _, dst := range parent.Targets(src) {
		if candidate.Count(src, dst) == 0 {
			removed++
		}
	}
	return added, removed
}
