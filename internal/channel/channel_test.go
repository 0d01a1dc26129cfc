package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveQuantizes(t *testing.T) {
	cases := []struct {
		freq float64
		want ID
	}{
		{462.7, "ch-462-7"},
		{462.70, "ch-462-7"},
		{462.74, "ch-462-7"},
		{462.65, "ch-462-7"},
		{467.0, "ch-467-0"},
		{466.96, "ch-467-0"},
		{462.0, "ch-462-0"},
		{467.9, "ch-467-9"},
	}
	for _, tc := range cases {
		got, err := Resolve(tc.freq)
		require.NoError(t, err, "freq %v", tc.freq)
		assert.Equal(t, tc.want, got, "freq %v", tc.freq)
	}
}

func TestResolveDeterministic(t *testing.T) {
	a, err := Resolve(463.2)
	require.NoError(t, err)
	b, err := Resolve(463.2)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestResolveInjective(t *testing.T) {
	seen := map[ID]float64{}
	for tenths := int64(4620); tenths <= 4679; tenths++ {
		freq := float64(tenths) / 10
		id, err := Resolve(freq)
		require.NoError(t, err, "freq %v", freq)
		if prev, ok := seen[id]; ok {
			t.Fatalf("collision: %v and %v both resolve to %s", prev, freq, id)
		}
		seen[id] = freq
	}
	assert.Len(t, seen, 60)
}

func TestResolveOutOfBand(t *testing.T) {
	for _, freq := range []float64{0, -462.7, 461.9, 468.0, 461.94} {
		_, err := Resolve(freq)
		assert.ErrorIs(t, err, ErrOutOfBand, "freq %v", freq)
	}
}
