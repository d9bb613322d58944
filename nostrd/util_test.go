package nostrd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeRelay(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		in   string
		out  string
		fail bool
	}{
		{in: "wss://relay.damus.io", out: "wss://relay.damus.io"},
		{in: "relay.damus.io", out: "wss://relay.damus.io"},
		{in: "  relay.damus.io  ", out: "wss://relay.damus.io"},
		{in: "ws://localhost:7777", out: "ws://localhost:7777"},
		{in: "wss://Relay.Damus.IO/", out: "wss://relay.damus.io"},
		{in: "wss://relay.damus.io/#frag", out: "wss://relay.damus.io"},
		{in: "wss://relay.damus.io/v1/", out: "wss://relay.damus.io/v1"},
		{in: "", fail: true},
		{in: "   ", fail: true},
		{in: "wss://", fail: true},
		{in: "wss://bad url", fail: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()

			out, err := NormalizeRelay(tc.in)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.out, out)
		})
	}
}

func TestNormalizeRelays(t *testing.T) {
	t.Parallel()

	relays := NormalizeRelays([]string{
		"wss://relay.damus.io",
		"Relay.Damus.IO/",
		"nos.lol",
		"",
		"wss://bad url",
	})

	require.Equal(t, []string{
		"wss://relay.damus.io",
		"wss://nos.lol",
	}, relays)
}
