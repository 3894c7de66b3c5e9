package matrix

import (
	"errors"
	"testing"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTripIsBitIdentical(t *testing.T) {
	s := mustSnapshot(t, map[domain.State]map[domain.State]float64{
		"问候":  {"回答": 0.1 + 0.2, "追问": 1.0 / 3.0},
		"追问":  {"回答": 4.8},
		"":    {"x": 1e-300},
		"end": {"end": 7},
	})

	encoded := Encode(s)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.True(t, s.Equal(decoded))
	assert.Equal(t, encoded, Encode(decoded))
	assert.Equal(t, Digest(encoded), Digest(Encode(decoded)))
}

func TestCodec_EncodingIsDeterministic(t *testing.T) {
	counts := map[domain.State]map[domain.State]float64{}
	for _, src := range []domain.State{"a", "b", "c", "d", "e", "f"} {
		counts[src] = map[domain.State]float64{"x": 1, "y": 2, "z": 3}
	}
	first := Encode(mustSnapshot(t, counts))
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Encode(mustSnapshot(t, counts)))
	}
}

func TestCodec_EmptySnapshot(t *testing.T) {
	decoded, err := Decode(Encode(Empty()))
	require.NoError(t, err)
	assert.Equal(t, 0, decoded.Stats().Sources)
}

func TestCodec_RejectsCorruptInput(t *testing.T) {
	good := Encode(mustSnapshot(t, map[domain.State]map[domain.State]float64{"A": {"B": 1}}))

	cases := map[string][]byte{
		"empty":     nil,
		"bad magic": append([]byte("XXXX"), good[4:]...),
		"truncated": good[:len(good)-3],
		"trailing":  append(append([]byte{}, good...), 0x01),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorruptSnapshot))
		})
	}
}
