package matrix

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Harshitk-cp/markovtune/internal/domain"
)

var ErrInvalidSeed = errors.New("invalid seed matrix")

// seedFile accepts two layouts: a sparse {"transitions": {src: {dst: count}}}
// map, or the dense {"state_indices", "transition_matrix"} export of the
// earlier model files, where row i / column j hold the weight from the state
// with index i to the state with index j.
type seedFile struct {
	Transitions      map[domain.State]map[domain.State]float64 `json:"transitions"`
	StateIndices     map[domain.State]int                      `json:"state_indices"`
	TransitionMatrix [][]float64                               `json:"transition_matrix"`
}

func LoadSeedFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return LoadSeed(f)
}

func LoadSeed(r io.Reader) (*Snapshot, error) {
	var sf seedFile
	if err := json.NewDecoder(r).Decode(&sf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSeed, err)
	}
	if sf.Transitions != nil {
		return FromCounts(sf.Transitions)
	}
	if sf.StateIndices == nil {
		return nil, fmt.Errorf("%w: neither transitions nor state_indices present", ErrInvalidSeed)
	}

	n := len(sf.TransitionMatrix)
	byIndex := make(map[int]domain.State, len(sf.StateIndices))
	for s, i := range sf.StateIndices {
		if i < 0 || i >= n {
			return nil, fmt.Errorf("%w: state %q has index %d outside a %d-row matrix", ErrInvalidSeed, s, i, n)
		}
		if _, dup := byIndex[i]; dup {
			return nil, fmt.Errorf("%w: index %d assigned twice", ErrInvalidSeed, i)
		}
		byIndex[i] = s
	}

	counts := make(map[domain.State]map[domain.State]float64, len(byIndex))
	for i, rowVals := range sf.TransitionMatrix {
		src, ok := byIndex[i]
		if !ok {
			continue
		}
		for j, c := range rowVals {
			dst, ok := byIndex[j]
			if !ok || c == 0 {
				continue
			}
			if counts[src] == nil {
				counts[src] = make(map[domain.State]float64)
			}
			counts[src][dst] = c
		}
	}
	return FromCounts(counts)
}
