package nwc_test

import (
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/nostrband/walletd/nwc"
)

const servicePubkey = "service-pubkey"

// signedZapRequest builds and signs a kind 9734 event, applies mod before
// signing and returns the serialized event.
func signedZapRequest(t *testing.T, sk string, amountMsat int64,
	mod func(*nostr.Event)) string {

	t.Helper()

	ev := &nostr.Event{
		CreatedAt: nostr.Timestamp(testNow.Unix()),
		Kind:      nwc.KindZapRequest,
		Content:   "great post",
		Tags: nostr.Tags{
			{"p", "recipient-pubkey"},
			{"relays", "wss://relay.one", "wss://relay.two"},
		},
	}
	if mod != nil {
		mod(ev)
	}
	require.NoError(t, ev.Sign(sk))

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	return string(raw)
}

func TestValidateZapRequest(t *testing.T) {
	t.Parallel()

	sk := nostr.GeneratePrivateKey()

	testCases := []struct {
		name    string
		request func(t *testing.T) string
		amount  int64
		err     error
	}{{
		name: "valid minimal",
		request: func(t *testing.T) string {
			return signedZapRequest(t, sk, 1_000, nil)
		},
		amount: 1_000,
	}, {
		name: "valid with matching amount",
		request: func(t *testing.T) string {
			return signedZapRequest(t, sk, 21_000,
				func(ev *nostr.Event) {
					ev.Tags = append(ev.Tags,
						nostr.Tag{"amount", "21000"})
				})
		},
		amount: 21_000,
	}, {
		name: "valid with zapped event and service tag",
		request: func(t *testing.T) string {
			return signedZapRequest(t, sk, 1_000,
				func(ev *nostr.Event) {
					ev.Tags = append(ev.Tags,
						nostr.Tag{"e", "event-id"},
						nostr.Tag{"P", servicePubkey})
				})
		},
		amount: 1_000,
	}, {
		name: "tampered content",
		request: func(t *testing.T) string {
			raw := signedZapRequest(t, sk, 1_000, nil)

			var ev nostr.Event
			require.NoError(t, json.Unmarshal([]byte(raw), &ev))
			ev.Content = "changed after signing"

			tampered, err := json.Marshal(&ev)
			require.NoError(t, err)

			return string(tampered)
		},
		amount: 1_000,
		err:    nwc.ErrZapBadSignature,
	}, {
		name: "wrong kind",
		request: func(t *testing.T) string {
			return signedZapRequest(t, sk, 1_000,
				func(ev *nostr.Event) {
					ev.Kind = nostr.KindTextNote
				})
		},
		amount: 1_000,
		err:    nwc.ErrZapBadKind,
	}, {
		name: "no recipient",
		request: func(t *testing.T) string {
			return signedZapRequest(t, sk, 1_000,
				func(ev *nostr.Event) {
					ev.Tags = nostr.Tags{
						{"relays", "wss://relay.one"},
					}
				})
		},
		amount: 1_000,
		err:    nwc.ErrZapBadTags,
	}, {
		name: "two recipients",
		request: func(t *testing.T) string {
			return signedZapRequest(t, sk, 1_000,
				func(ev *nostr.Event) {
					ev.Tags = append(ev.Tags,
						nostr.Tag{"p", "other"})
				})
		},
		amount: 1_000,
		err:    nwc.ErrZapBadTags,
	}, {
		name: "two zapped events",
		request: func(t *testing.T) string {
			return signedZapRequest(t, sk, 1_000,
				func(ev *nostr.Event) {
					ev.Tags = append(ev.Tags,
						nostr.Tag{"e", "one"},
						nostr.Tag{"e", "two"})
				})
		},
		amount: 1_000,
		err:    nwc.ErrZapBadTags,
	}, {
		name: "missing relays",
		request: func(t *testing.T) string {
			return signedZapRequest(t, sk, 1_000,
				func(ev *nostr.Event) {
					ev.Tags = nostr.Tags{
						{"p", "recipient-pubkey"},
					}
				})
		},
		amount: 1_000,
		err:    nwc.ErrZapBadTags,
	}, {
		name: "amount mismatch",
		request: func(t *testing.T) string {
			return signedZapRequest(t, sk, 1_000,
				func(ev *nostr.Event) {
					ev.Tags = append(ev.Tags,
						nostr.Tag{"amount", "2000"})
				})
		},
		amount: 1_000,
		err:    nwc.ErrZapAmountMismatch,
	}, {
		name: "unparseable amount",
		request: func(t *testing.T) string {
			return signedZapRequest(t, sk, 1_000,
				func(ev *nostr.Event) {
					ev.Tags = append(ev.Tags,
						nostr.Tag{"amount", "sats"})
				})
		},
		amount: 1_000,
		err:    nwc.ErrZapAmountMismatch,
	}, {
		name: "foreign service tag",
		request: func(t *testing.T) string {
			return signedZapRequest(t, sk, 1_000,
				func(ev *nostr.Event) {
					ev.Tags = append(ev.Tags,
						nostr.Tag{"P", "someone-else"})
				})
		},
		amount: 1_000,
		err:    nwc.ErrZapBadTags,
	}, {
		name: "duplicate service tags",
		request: func(t *testing.T) string {
			return signedZapRequest(t, sk, 1_000,
				func(ev *nostr.Event) {
					ev.Tags = append(ev.Tags,
						nostr.Tag{"P", servicePubkey},
						nostr.Tag{"P", servicePubkey})
				})
		},
		amount: 1_000,
		err:    nwc.ErrZapBadTags,
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := nwc.ValidateZapRequest(
				tc.request(t), tc.amount, servicePubkey,
			)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
		})
	}

	t.Run("not json", func(t *testing.T) {
		t.Parallel()

		err := nwc.ValidateZapRequest("nonsense", 1_000, servicePubkey)
		require.Error(t, err)
	})
}

func TestZapReceiptRelays(t *testing.T) {
	t.Parallel()

	sk := nostr.GeneratePrivateKey()

	relays := nwc.ZapReceiptRelays(signedZapRequest(t, sk, 1_000, nil))
	require.Equal(t, []string{"wss://relay.one", "wss://relay.two"}, relays)

	noRelays := signedZapRequest(t, sk, 1_000, func(ev *nostr.Event) {
		ev.Tags = nostr.Tags{{"p", "recipient-pubkey"}}
	})
	require.Nil(t, nwc.ZapReceiptRelays(noRelays))

	require.Nil(t, nwc.ZapReceiptRelays("nonsense"))
}
