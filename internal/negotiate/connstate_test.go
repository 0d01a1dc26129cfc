package negotiate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapConnState(t *testing.T) {
	cases := []struct {
		transport string
		want      ConnState
	}{
		{"connected", Connected},
		{"new", Connecting},
		{"connecting", Connecting},
		{"checking", Connecting},
		{"disconnected", Disconnected},
		{"failed", Disconnected},
		{"closed", Disconnected},
		// Fail closed on anything unrecognized.
		{"", Disconnected},
		{"completed?", Disconnected},
		{"some-future-state", Disconnected},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MapConnState(tc.transport), "transport state %q", tc.transport)
	}
}
