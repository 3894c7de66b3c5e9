// Package matrix holds the sparse transition matrix as immutable snapshots.
//
// A Snapshot is never modified after construction. Apply returns a new
// Snapshot that shares every untouched row with its parent, so keeping the
// whole version history in memory costs only the rows each version changed.
package matrix

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Harshitk-cp/markovtune/internal/domain"
)

// zeroEpsilon absorbs float residue when a delta cancels a count exactly.
const zeroEpsilon = 1e-12

var ErrNormalization = errors.New("normalization error")

// NormalizationError reports a delta that would leave a count negative or
// non-finite. The delta is dropped; the rest of the batch still applies.
type NormalizationError struct {
	Delta   domain.TransitionDelta
	Current float64
	Result  float64
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("transition %s->%s: count %g + delta %g = %g is not a valid count",
		e.Delta.Source, e.Delta.Target, e.Current, e.Delta.Delta, e.Result)
}

func (e *NormalizationError) Unwrap() error { return ErrNormalization }

type row struct {
	targets map[domain.State]float64
	total   float64
}

// freeze computes the row total once, summing in target order so the same
// counts always produce the same total.
func freeze(targets map[domain.State]float64) *row {
	keys := sortedStates(targets)
	total := 0.0
	for _, k := range keys {
		total += targets[k]
	}
	return &row{targets: targets, total: total}
}

type Snapshot struct {
	rows        map[domain.State]*row
	transitions int
}

// Distribution is a normalized next-state distribution.
type Distribution map[domain.State]float64

type Stats struct {
	Sources     int `json:"sources"`
	States      int `json:"states"`
	Transitions int `json:"transitions"`
}

func Empty() *Snapshot {
	return &Snapshot{rows: map[domain.State]*row{}}
}

// FromCounts builds a snapshot from source -> target -> count. Zero counts are
// skipped; negative or non-finite counts are an error.
func FromCounts(counts map[domain.State]map[domain.State]float64) (*Snapshot, error) {
	s := &Snapshot{rows: make(map[domain.State]*row, len(counts))}
	for src, targets := range counts {
		cleaned := make(map[domain.State]float64, len(targets))
		for dst, c := range targets {
			if !finite(c) || c < 0 {
				return nil, &NormalizationError{
					Delta:  domain.TransitionDelta{Source: src, Target: dst, Delta: c},
					Result: c,
				}
			}
			if c == 0 {
				continue
			}
			cleaned[dst] = c
		}
		if len(cleaned) == 0 {
			continue
		}
		s.rows[src] = freeze(cleaned)
		s.transitions += len(cleaned)
	}
	return s, nil
}

func (s *Snapshot) Count(src, dst domain.State) float64 {
	r, ok := s.rows[src]
	if !ok {
		return 0
	}
	return r.targets[dst]
}

func (s *Snapshot) Probability(src, dst domain.State) float64 {
	r, ok := s.rows[src]
	if !ok || r.total == 0 {
		return 0
	}
	return r.targets[dst] / r.total
}

// Probabilities returns the normalized distribution for src. A source with no
// outgoing transitions has no mass and yields an empty distribution.
func (s *Snapshot) Probabilities(src domain.State) Distribution {
	r, ok := s.rows[src]
	if !ok || r.total == 0 {
		return Distribution{}
	}
	dist := make(Distribution, len(r.targets))
	for dst, c := range r.targets {
		dist[dst] = c / r.total
	}
	return dist
}

func (s *Snapshot) HasSource(src domain.State) bool {
	_, ok := s.rows[src]
	return ok
}

// Sources returns the source states in sorted order.
func (s *Snapshot) Sources() []domain.State {
	out := make([]domain.State, 0, len(s.rows))
	for src := range s.rows {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Targets returns the targets of src in sorted order.
func (s *Snapshot) Targets(src domain.State) []domain.State {
	r, ok := s.rows[src]
	if !ok {
		return nil
	}
	return sortedStates(r.targets)
}

// Transitions lists every stored transition of src with its probability.
func (s *Snapshot) Transitions(src domain.State) []domain.Transition {
	r, ok := s.rows[src]
	if !ok {
		return nil
	}
	out := make([]domain.Transition, 0, len(r.targets))
	for _, dst := range sortedStates(r.targets) {
		out = append(out, domain.Transition{
			Source:      src,
			Target:      dst,
			Count:       r.targets[dst],
			Probability: r.targets[dst] / r.total,
		})
	}
	return out
}

// Counts returns a deep copy of the counts.
func (s *Snapshot) Counts() map[domain.State]map[domain.State]float64 {
	out := make(map[domain.State]map[domain.State]float64, len(s.rows))
	for src, r := range s.rows {
		targets := make(map[domain.State]float64, len(r.targets))
		for dst, c := range r.targets {
			targets[dst] = c
		}
		out[src] = targets
	}
	return out
}

// States returns a fresh set of every state seen as a source or a target.
func (s *Snapshot) States() map[domain.State]bool {
	states := make(map[domain.State]bool, len(s.rows))
	for src, r := range s.rows {
		states[src] = true
		for dst := range r.targets {
			states[dst] = true
		}
	}
	return states
}

func (s *Snapshot) Stats() Stats {
	return Stats{Sources: len(s.rows), States: len(s.States()), Transitions: s.transitions}
}

// SharesRow reports whether both snapshots hold the very same row for src,
// which is the case for every row Apply did not touch.
func (s *Snapshot) SharesRow(o *Snapshot, src domain.State) bool {
	r, ok := s.rows[src]
	if !ok || o == nil {
		return false
	}
	return o.rows[src] == r
}

// Equal reports whether both snapshots hold bit-identical counts.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil || len(s.rows) != len(o.rows) || s.transitions != o.transitions {
		return false
	}
	for src, r := range s.rows {
		or, ok := o.rows[src]
		if !ok || len(r.targets) != len(or.targets) {
			return false
		}
		for dst, c := range r.targets {
			oc, ok := or.targets[dst]
			if !ok || math.Float64bits(c) != math.Float64bits(oc) {
				return false
			}
		}
	}
	return true
}

// Apply returns a new snapshot with deltas added. The receiver is never
// modified. Deltas are applied in (source, target) order; a delta that would
// make a count negative or non-finite is dropped and reported.
func (s *Snapshot) Apply(deltas []domain.TransitionDelta) (*Snapshot, []*NormalizationError) {
	ordered := make([]domain.TransitionDelta, len(deltas))
	copy(ordered, deltas)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Source != ordered[j].Source {
			return ordered[i].Source < ordered[j].Source
		}
		return ordered[i].Target < ordered[j].Target
	})

	dirty := make(map[domain.State]map[domain.State]float64)
	var errs []*NormalizationError

	for _, d := range ordered {
		targets, ok := dirty[d.Source]
		if !ok {
			targets = s.cloneTargets(d.Source)
		}
		current := targets[d.Target]
		if !finite(d.Delta) {
			errs = append(errs, &NormalizationError{Delta: d, Current: current, Result: d.Delta})
			continue
		}
		if d.Delta == 0 {
			continue
		}
		updated := current + d.Delta
		if updated < 0 && updated > -zeroEpsilon {
			updated = 0
		}
		if !finite(updated) || updated < 0 {
			errs = append(errs, &NormalizationError{Delta: d, Current: current, Result: updated})
			continue
		}
		if updated == 0 {
			delete(targets, d.Target)
		} else {
			targets[d.Target] = updated
		}
		dirty[d.Source] = targets
	}

	next := &Snapshot{
		rows:        make(map[domain.State]*row, len(s.rows)+len(dirty)),
		transitions: s.transitions,
	}
	for src, r := range s.rows {
		next.rows[src] = r
	}
	for src, targets := range dirty {
		if old, ok := s.rows[src]; ok {
			next.transitions -= len(old.targets)
		}
		if len(targets) == 0 {
			delete(next.rows, src)
			continue
		}
		next.rows[src] = freeze(targets)
		next.transitions += len(targets)
	}
	return next, errs
}

func (s *Snapshot) cloneTargets(src domain.State) map[domain.State]float64 {
	r, ok := s.rows[src]
	if !ok {
		return make(map[domain.State]float64)
	}
	out := make(map[domain.State]float64, len(r.targets)+1)
	for dst, c := range r.targets {
		out[dst] = c
	}
	return out
}

func sortedStates(m map[domain.State]float64) []domain.State {
	keys := make([]domain.State, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
