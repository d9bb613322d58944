package nostrd

import (
	"context"
	"sync"
	"time"

	"github.com/nostrband/walletd/nwc"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/nbd-wtf/go-nostr"
)

const (
	// relay backoff bounds.
	minBackoff = time.Second
	maxBackoff = time.Minute

	publishTimeout = 10 * time.Second
)

// ListenerConfig bundles the relay listener dependencies.
type ListenerConfig struct {
	// Relays is the relay set the service listens and publishes on.
	Relays []string

	// Pubkeys is the set of service pubkeys requests may be addressed
	// to.
	Pubkeys []string

	// Server turns request events into reply events.
	Server *nwc.Server

	// Clock is the time source.
	Clock clock.Clock
}

// Listener maintains a connection to each configured relay, feeds incoming
// request events to the protocol server and publishes whatever it returns.
// It also serves as the publisher for notifications, announcements and zap
// receipts.
type Listener struct {
	started sync.Once
	stopped sync.Once

	cfg     ListenerConfig
	batcher *Batcher

	connMtx sync.Mutex
	conns   map[string]*nostr.Relay

	ctx    context.Context
	cancel context.CancelFunc

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewListener creates a relay listener.
func NewListener(cfg *ListenerConfig) *Listener {
	c := *cfg
	c.Relays = NormalizeRelays(c.Relays)

	batcher := NewBatcher(DefaultBatchSize)
	for _, pubkey := range c.Pubkeys {
		batcher.Add(pubkey)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Listener{
		cfg:     c,
		batcher: batcher,
		conns:   make(map[string]*nostr.Relay),
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
}

// Start connects to the relays and begins serving requests.
func (l *Listener) Start() error {
	l.started.Do(func() {
		log.Infof("Relay listener starting, %d relays",
			len(l.cfg.Relays))

		for _, relayURL := range l.cfg.Relays {
			l.wg.Add(1)
			go l.relayLoop(relayURL)
		}
	})

	return nil
}

// Stop disconnects from all relays.
func (l *Listener) Stop() error {
	l.stopped.Do(func() {
		log.Infof("Relay listener shutting down")

		close(l.quit)
		l.cancel()
		l.wg.Wait()

		l.connMtx.Lock()
		for _, conn := range l.conns {
			conn.Close()
		}
		l.conns = make(map[string]*nostr.Relay)
		l.connMtx.Unlock()
	})

	return nil
}

// Publish sends a signed event to the given relays, or to all configured
// relays when none are given. Failures on individual relays are logged, the
// event counts as published if at least one relay took it.
func (l *Listener) Publish(ctx context.Context, ev *nostr.Event,
	relays ...string) {

	if len(relays) == 0 {
		relays = l.cfg.Relays
	} else {
		relays = NormalizeRelays(relays)
	}

	for _, relayURL := range relays {
		conn, err := l.connect(ctx, relayURL)
		if err != nil {
			log.Warnf("Unable to reach relay %s: %v", relayURL,
				err)
			continue
		}

		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		err = conn.Publish(pubCtx, *ev)
		cancel()

		if err != nil {
			log.Warnf("Unable to publish %d event to %s: %v",
				ev.Kind, relayURL, err)
			l.dropConn(relayURL)
			continue
		}

		log.Tracef("Published kind %d event %s to %s", ev.Kind,
			ev.ID, relayURL)
	}
}

// connect returns a live connection to the relay, dialing if needed.
// Connections are shared with the subscription loops.
func (l *Listener) connect(ctx context.Context,
	relayURL string) (*nostr.Relay, error) {

	l.connMtx.Lock()
	if conn, ok := l.conns[relayURL]; ok {
		l.connMtx.Unlock()
		return conn, nil
	}
	l.connMtx.Unlock()

	conn, err := nostr.RelayConnect(ctx, relayURL)
	if err != nil {
		return nil, err
	}

	l.connMtx.Lock()
	// Another goroutine may have raced us here, prefer the existing one.
	if existing, ok := l.conns[relayURL]; ok {
		l.connMtx.Unlock()
		conn.Close()
		return existing, nil
	}
	l.conns[relayURL] = conn
	l.connMtx.Unlock()

	return conn, nil
}

func (l *Listener) dropConn(relayURL string) {
	l.connMtx.Lock()
	defer l.connMtx.Unlock()

	if conn, ok := l.conns[relayURL]; ok {
		conn.Close()
		delete(l.conns, relayURL)
	}
}

// relayLoop keeps one relay subscribed to request events, redialing with
// exponential backoff.
func (l *Listener) relayLoop(relayURL string) {
	defer l.wg.Done()

	backoff := minBackoff
	for {
		select {
		case <-l.quit:
			return
		default:
		}

		err := l.serveRelay(relayURL)
		if err != nil {
			log.Warnf("Relay %s failed: %v, retrying in %v",
				relayURL, err, backoff)
		}

		select {
		case <-l.cfg.Clock.TickAfter(backoff):
		case <-l.quit:
			return
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// serveRelay subscribes for request events on one relay and serves them
// until the subscription dies.
func (l *Listener) serveRelay(relayURL string) error {
	conn, err := l.connect(l.ctx, relayURL)
	if err != nil {
		return err
	}

	since := nostr.Timestamp(l.cfg.Clock.Now().Unix())

	var filters nostr.Filters
	for _, batch := range l.batcher.Batches() {
		if len(batch) == 0 {
			continue
		}
		filters = append(filters, nostr.Filter{
			Kinds: []int{nwc.KindRequest},
			Tags:  nostr.TagMap{"p": batch},
			Since: &since,
		})
	}

	sub, err := conn.Subscribe(l.ctx, filters)
	if err != nil {
		l.dropConn(relayURL)
		return err
	}
	defer sub.Unsub()

	log.Infof("Listening for requests on %s", relayURL)

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				l.dropConn(relayURL)
				return nil
			}

			l.handleRequest(ev, relayURL)

		case <-l.quit:
			return nil
		}
	}
}

// handleRequest runs one request through the protocol server and publishes
// the reply back to the relay the request arrived on.
func (l *Listener) handleRequest(ev *nostr.Event, relayURL string) {
	reply, err := l.cfg.Server.HandleEvent(l.ctx, ev)
	if err != nil {
		log.Errorf("Unable to handle request %s: %v", ev.ID, err)
		return
	}
	if reply == nil {
		return
	}

	l.Publish(l.ctx, reply, relayURL)
}
