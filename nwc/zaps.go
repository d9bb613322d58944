package nwc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrZapBadSignature is returned for zap requests with a missing or
	// invalid signature.
	ErrZapBadSignature = errors.New("zap request signature invalid")

	// ErrZapBadKind is returned for zap requests of the wrong kind.
	ErrZapBadKind = errors.New("zap request has wrong kind")

	// ErrZapBadTags is returned for zap requests violating the tag rules.
	ErrZapBadTags = errors.New("zap request tags invalid")

	// ErrZapAmountMismatch is returned when the zap request amount tag
	// disagrees with the invoice amount.
	ErrZapAmountMismatch = errors.New("zap request amount mismatch")
)

// ValidateZapRequest checks a serialized zap request event against the
// invoice amount and the service pubkey: valid signature, zap request kind,
// exactly one recipient, at most one zapped event, a relay list to publish
// the receipt to, a matching amount tag if present and at most one service
// tag naming this service.
func ValidateZapRequest(zapRequest string, amountMsat int64,
	servicePubkey string) error {

	var ev nostr.Event
	if err := json.Unmarshal([]byte(zapRequest), &ev); err != nil {
		return fmt.Errorf("unable to parse zap request: %w", err)
	}

	if ok, err := ev.CheckSignature(); !ok || err != nil {
		return ErrZapBadSignature
	}

	if ev.Kind != KindZapRequest {
		return ErrZapBadKind
	}

	if len(ev.Tags.GetAll([]string{"p"})) != 1 {
		return fmt.Errorf("%w: need exactly one p tag", ErrZapBadTags)
	}
	if len(ev.Tags.GetAll([]string{"e"})) > 1 {
		return fmt.Errorf("%w: more than one e tag", ErrZapBadTags)
	}

	relays := ev.Tags.GetFirst([]string{"relays"})
	if relays == nil || len(*relays) < 2 {
		return fmt.Errorf("%w: relays tag required", ErrZapBadTags)
	}

	if amountTag := ev.Tags.GetFirst([]string{"amount"}); amountTag != nil {
		if len(*amountTag) < 2 {
			return fmt.Errorf("%w: empty amount tag",
				ErrZapBadTags)
		}
		amount, err := strconv.ParseInt((*amountTag)[1], 10, 64)
		if err != nil || amount != amountMsat {
			return ErrZapAmountMismatch
		}
	}

	serviceTags := ev.Tags.GetAll([]string{"P"})
	switch {
	case len(serviceTags) > 1:
		return fmt.Errorf("%w: more than one P tag", ErrZapBadTags)

	case len(serviceTags) == 1:
		if len(serviceTags[0]) < 2 ||
			serviceTags[0][1] != servicePubkey {

			return fmt.Errorf("%w: P tag is not the service "+
				"pubkey", ErrZapBadTags)
		}
	}

	return nil
}

// ZapReceiptRelays extracts the relay list the zap receipt should be
// published to.
func ZapReceiptRelays(zapRequest string) []string {
	var ev nostr.Event
	if err := json.Unmarshal([]byte(zapRequest), &ev); err != nil {
		return nil
	}

	tag := ev.Tags.GetFirst([]string{"relays"})
	if tag == nil || len(*tag) < 2 {
		return nil
	}

	return (*tag)[1:]
}
