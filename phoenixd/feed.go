package phoenixd

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// feed backoff bounds.
	minBackoff = time.Second
	maxBackoff = time.Minute

	readTimeout = 5 * time.Minute
	pingPeriod  = time.Minute
)

// feedMessage is one message on phoenixd's websocket feed.
type feedMessage struct {
	Type        string `json:"type"`
	PaymentHash string `json:"paymentHash"`
}

// feedLoop keeps a websocket connection to phoenixd's event feed, emitting
// settled payments as they happen. Dropped connections are redialed with
// exponential backoff and any payments settled while disconnected are
// replayed from the HTTP API.
func (c *Client) feedLoop() {
	defer c.wg.Done()

	backoff := minBackoff
	for {
		conn, err := c.dialFeed()
		if err != nil {
			log.Warnf("Unable to connect payment feed: %v, "+
				"retrying in %v", err, backoff)

			select {
			case <-c.cfg.Clock.TickAfter(backoff):
			case <-c.quit:
				return
			}

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}

			continue
		}

		log.Infof("Payment feed connected")
		backoff = minBackoff

		// Replay whatever settled while we were away. On first
		// connect the registry's own resync covers the gap.
		c.lastSettledMtx.Lock()
		since := c.lastSettled
		c.lastSettledMtx.Unlock()

		if since > 0 {
			ctx, cancel := context.WithTimeout(
				context.Background(), requestTimeout,
			)
			if err := c.SyncPaymentsSince(ctx, since); err != nil {
				log.Errorf("Feed resync failed: %v", err)
			}
			cancel()
		}

		c.readFeed(conn)
		conn.Close()

		select {
		case <-c.quit:
			return
		default:
		}

		log.Warnf("Payment feed disconnected, reconnecting")
	}
}

// dialFeed opens the authenticated websocket connection.
func (c *Client) dialFeed() (*websocket.Conn, error) {
	wsURL := strings.Replace(c.cfg.URL, "http", "ws", 1) + "/websocket"

	header := http.Header{}
	header.Set("Authorization", c.authHeader())

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.Dial(wsURL, header)
	if resp != nil {
		resp.Body.Close()
	}

	return conn, err
}

// readFeed consumes feed messages until the connection breaks or the client
// shuts down.
func (c *Client) readFeed(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	// Keep the connection alive and unblock the reader on shutdown.
	go func() {
		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-ping.C:
				err := conn.WriteControl(
					websocket.PingMessage, nil,
					time.Now().Add(10*time.Second),
				)
				if err != nil {
					return
				}

			case <-c.quit:
				conn.Close()
				return

			case <-done:
				return
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg feedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warnf("Malformed feed message: %v", err)
			continue
		}

		if msg.Type != "payment_received" {
			continue
		}

		c.handlePaymentReceived(msg.PaymentHash)
	}
}

// handlePaymentReceived resolves a feed notification to the full payment and
// emits it.
func (c *Client) handlePaymentReceived(paymentHash string) {
	ctx, cancel := context.WithTimeout(
		context.Background(), requestTimeout,
	)
	defer cancel()

	p, err := c.getIncomingPayment(ctx, paymentHash)
	if err != nil {
		log.Errorf("Unable to fetch payment %s: %v", paymentHash,
			err)
		return
	}
	if !p.IsPaid {
		log.Warnf("Feed announced unpaid payment %s", paymentHash)
		return
	}

	c.emitPayment(p)
}
