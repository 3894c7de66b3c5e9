package domain

// State identifies a conversational context or token. The engine never
// interprets it.
type State string

type TransitionKey struct {
	Source State `json:"source"`
	Target State `json:"target"`
}

// TransitionDelta is a signed change to one transition count.
type TransitionDelta struct {
	Source State   `json:"source"`
	Target State   `json:"target"`
	Delta  float64 `json:"delta"`
}

func (d TransitionDelta) Key() TransitionKey {
	return TransitionKey{Source: d.Source, Target: d.Target}
}

// Transition is a stored count with its normalized probability.
type Transition struct {
	Source      State   `json:"source"`
	Target      State   `json:"target"`
	Count       float64 `json:"count"`
	Probability float64 `json:"probability"`
}

// StateDrift is the divergence of one source state between two snapshots.
type StateDrift struct {
	State      State   `json:"state"`
	Divergence float64 `json:"divergence"`
	Visits     float64 `json:"visits"`
}

// DiffSummary describes how a candidate differs from its parent.
type DiffSummary struct {
	StatesCompared     int          `json:"states_compared"`
	StatesChanged      int          `json:"states_changed"`
	SourcesAdded       int          `json:"sources_added"`
	TransitionsAdded   int          `json:"transitions_added"`
	TransitionsRemoved int          `json:"transitions_removed"`
	DeltasApplied      int          `json:"deltas_applied"`
	DeltasDropped      int          `json:"deltas_dropped"`
	TopChanges         []StateDrift `json:"top_changes,omitempty"`
}
