package service

import (
	"sort"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/Harshitk-cp/markovtune/internal/matrix"
)

const (
	DefaultSuggestionMinProbability = 0.01
	defaultSuggestionCount          = 3
	maxSuggestionCount              = 50
)

type Suggestion struct {
	State       domain.State `json:"state"`
	Probability float64      `json:"probability"`
}

// NextStates is the served view of one source state.
type NextStates struct {
	VersionID   int64               `json:"version_id"`
	Source      domain.State        `json:"source"`
	Transitions []domain.Transition `json:"transitions,omitempty"`
	Suggestions []Suggestion        `json:"suggestions,omitempty"`
}

// ServingService answers next-state queries from whichever snapshot is active
// at the moment of the call. It never blocks on a running fine-tune.
type ServingService struct {
	store          *matrix.Store
	minProbability float64
}

func NewServingService(store *matrix.Store) *ServingService {
	return &ServingService{store: store, minProbability: DefaultSuggestionMinProbability}
}

func (s *ServingService) SetMinProbability(p float64) {
	if p >= 0 && p < 1 {
		s.minProbability = p
	}
}

// Distribution returns every known transition out of src, sorted by target.
func (s *ServingService) Distribution(src domain.State) NextStates {
	active := s.store.Active()
	out := NextStates{Source: src, Transitions: []domain.Transition{}}
	if active == nil {
		return out
	}
	out.VersionID = active.VersionID
	if ts := active.Snapshot.Transitions(src); ts != nil {
		out.Transitions = ts
	}
	return out
}

// Suggestions returns up to k likely next states. States under the minimum
// probability are dropped and the rest renormalized so they sum to one.
func (s *ServingService) Suggestions(src domain.State, k int) NextStates {
	if k <= 0 {
		k = defaultSuggestionCount
	}
	if k > maxSuggestionCount {
		k = maxSuggestionCount
	}
	out := s.Distribution(src)
	out.Suggestions = TopSuggestions(out.Transitions, k, s.minProbability)
	out.Transitions = nil
	return out
}

func TopSuggestions(ts []domain.Transition, k int, minProbability float64) []Suggestion {
	kept := make([]Suggestion, 0, len(ts))
	for _, t := range ts {
		if t.Probability >= minProbability {
			kept = append(kept, Suggestion{State: t.Target, Probability: t.Probability})
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Probability != kept[j].Probability {
			return kept[i].Probability > kept[j].Probability
		}
		return kept[i].State < kept[j].State
	})
	if len(kept) > k {
		kept = kept[:k]
	}

	total := 0.0
	for _, sg := range kept {
		total += sg.Probability
	}
	if total > 0 {
		for i := range kept {
			kept[i].Probability /= total
		}
	}
	return kept
}

// Stats reports the shape of the active matrix.
func (s *ServingService) Stats() (int64, matrix.Stats) {
	active := s.store.Active()
	if active == nil {
		return 0, matrix.Stats{}
	}
	return active.VersionID, active.Snapshot.Stats()
}
