package nostrd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nostrband/walletd/nwc"

	"github.com/nbd-wtf/go-nostr"
)

// PublishZapReceipt builds and publishes the zap receipt for a settled zap
// invoice. The receipt goes to the relays named in the zap request plus the
// service's own relays.
func (l *Listener) PublishZapReceipt(ctx context.Context, signer nwc.Signer,
	zapRequest, bolt11, preimage string, settledAt int64) error {

	var zapReq nostr.Event
	if err := json.Unmarshal([]byte(zapRequest), &zapReq); err != nil {
		return fmt.Errorf("unable to parse zap request: %w", err)
	}

	recipient := zapReq.Tags.GetFirst([]string{"p"})
	if recipient == nil || len(*recipient) < 2 {
		return fmt.Errorf("zap request has no recipient")
	}

	receipt := &nostr.Event{
		CreatedAt: nostr.Timestamp(settledAt),
		Kind:      nwc.KindZapReceipt,
		Tags: nostr.Tags{
			{"p", (*recipient)[1]},
			{"P", zapReq.PubKey},
			{"bolt11", bolt11},
			{"description", zapRequest},
		},
	}

	if preimage != "" {
		receipt.Tags = append(receipt.Tags,
			nostr.Tag{"preimage", preimage})
	}
	if e := zapReq.Tags.GetFirst([]string{"e"}); e != nil &&
		len(*e) >= 2 {

		receipt.Tags = append(receipt.Tags, nostr.Tag{"e", (*e)[1]})
	}
	if a := zapReq.Tags.GetFirst([]string{"a"}); a != nil &&
		len(*a) >= 2 {

		receipt.Tags = append(receipt.Tags, nostr.Tag{"a", (*a)[1]})
	}

	if err := signer.Sign(receipt); err != nil {
		return err
	}

	relays := append(
		nwc.ZapReceiptRelays(zapRequest), l.cfg.Relays...,
	)
	l.Publish(ctx, receipt, relays...)

	log.Debugf("Published zap receipt %s for %s", receipt.ID,
		(*recipient)[1])

	return nil
}
