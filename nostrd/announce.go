package nostrd

import (
	"context"

	"github.com/nostrband/walletd/nwc"

	"github.com/nbd-wtf/go-nostr"
)

// Announce publishes the service's discovery events to the configured
// relays: the wallet connect capability event and a relay list so clients
// know where to reach the service.
func (l *Listener) Announce(ctx context.Context, signer nwc.Signer) error {
	info, err := l.cfg.Server.InfoEvent()
	if err != nil {
		return err
	}
	l.Publish(ctx, info)

	relayList := &nostr.Event{
		CreatedAt: nostr.Timestamp(l.cfg.Clock.Now().Unix()),
		Kind:      nostr.KindRelayListMetadata,
	}
	for _, relay := range l.cfg.Relays {
		relayList.Tags = append(relayList.Tags,
			nostr.Tag{"r", relay})
	}
	if err := signer.Sign(relayList); err != nil {
		return err
	}
	l.Publish(ctx, relayList)

	log.Infof("Announced service %s on %d relays", signer.Pubkey(),
		len(l.cfg.Relays))

	return nil
}
