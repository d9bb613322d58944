package phoenixd

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nostrband/walletd/wallet"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultURL is where a locally running phoenixd listens.
	DefaultURL = "http://127.0.0.1:9740"

	// syncPageSize is the page size of incoming payment listing during a
	// resync.
	syncPageSize = 100

	requestTimeout = 30 * time.Second
)

// PaymentFunc receives settled incoming payments, both live from the
// websocket feed and replayed during a resync.
type PaymentFunc func(*wallet.IncomingPayment)

// Config bundles the phoenixd client dependencies.
type Config struct {
	// URL is the phoenixd HTTP API base URL.
	URL string

	// Password is the phoenixd HTTP API password.
	Password string

	// Clock is the time source.
	Clock clock.Clock

	// HTTPClient overrides the default HTTP client, for tests.
	HTTPClient *http.Client

	// OnPayment receives settled incoming payments.
	OnPayment PaymentFunc

	// OnFeeEstimate receives mining fee estimates in msat for extending
	// inbound liquidity by AutoLiquidityMsat.
	OnFeeEstimate func(msat int64)

	// AutoLiquidityMsat is the liquidity amount fee estimates are
	// requested for.
	AutoLiquidityMsat int64

	// FeeEstimateTicker fires once per fee estimate refresh.
	FeeEstimateTicker ticker.Ticker
}

// Client talks to a phoenixd node over its HTTP API and websocket feed. It
// implements the registry's backend contract.
type Client struct {
	started sync.Once
	stopped sync.Once

	cfg  Config
	http *http.Client

	// lastSettled is the settlement time high-water mark of payments the
	// feed has emitted, used to close gaps after a reconnect.
	lastSettledMtx sync.Mutex
	lastSettled    int64

	wg   sync.WaitGroup
	quit chan struct{}
}

// A compile time check to ensure Client implements the backend contract.
var _ wallet.Backend = (*Client)(nil)

// NewClient creates a new phoenixd client.
func NewClient(cfg *Config) *Client {
	c := *cfg
	if c.URL == "" {
		c.URL = DefaultURL
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	return &Client{
		cfg:  c,
		http: httpClient,
		quit: make(chan struct{}),
	}
}

// Start launches the websocket feed and the fee estimate loop.
func (c *Client) Start() error {
	c.started.Do(func() {
		log.Infof("Phoenixd client starting, url=%s", c.cfg.URL)

		c.wg.Add(1)
		go c.feedLoop()

		if c.cfg.FeeEstimateTicker != nil &&
			c.cfg.OnFeeEstimate != nil {

			c.cfg.FeeEstimateTicker.Resume()

			c.wg.Add(1)
			go c.feeEstimateLoop()
		}
	})

	return nil
}

// Stop shuts the client down.
func (c *Client) Stop() error {
	c.stopped.Do(func() {
		log.Infof("Phoenixd client shutting down")

		close(c.quit)
		c.wg.Wait()

		if c.cfg.FeeEstimateTicker != nil {
			c.cfg.FeeEstimateTicker.Stop()
		}
	})

	return nil
}

// GetInfo returns the node's identity and channel state.
func (c *Client) GetInfo(ctx context.Context) (*wallet.NodeInfo, error) {
	var resp struct {
		NodeID      string `json:"nodeId"`
		Chain       string `json:"chain"`
		BlockHeight uint32 `json:"blockHeight"`
		Version     string `json:"version"`
		Channels    []struct {
			BalanceSat          int64 `json:"balanceSat"`
			InboundLiquiditySat int64 `json:"inboundLiquiditySat"`
			CapacitySat         int64 `json:"capacitySat"`
		} `json:"channels"`
	}
	if err := c.get(ctx, "/getinfo", nil, &resp); err != nil {
		return nil, err
	}

	info := &wallet.NodeInfo{
		NodeID:      resp.NodeID,
		Chain:       resp.Chain,
		BlockHeight: resp.BlockHeight,
		Version:     resp.Version,
	}
	for _, ch := range resp.Channels {
		info.Channels = append(info.Channels, wallet.ChannelInfo{
			BalanceMsat:  ch.BalanceSat * 1000,
			CapacityMsat: ch.CapacitySat * 1000,
			InboundMsat:  ch.InboundLiquiditySat * 1000,
		})
	}

	return info, nil
}

// MakeInvoice creates a bolt11 invoice on the node, tagged with the given
// external id. Zap request invoices commit to the zap request through the
// description hash.
func (c *Client) MakeInvoice(ctx context.Context, id string,
	req *wallet.InvoiceRequest) (*wallet.Invoice, error) {

	form := url.Values{
		"amountSat": {strconv.FormatInt(req.AmountMsat/1000, 10)},
		"externalId": {id},
		"expirySeconds": {strconv.FormatInt(req.Expiry, 10)},
	}

	description := req.Description
	descriptionHash := req.DescriptionHash
	if req.ZapRequest != "" {
		description = ""
		hash := sha256.Sum256([]byte(req.ZapRequest))
		descriptionHash = hex.EncodeToString(hash[:])
	}
	switch {
	case descriptionHash != "":
		form.Set("descriptionHash", descriptionHash)
	default:
		form.Set("description", description)
	}

	var resp struct {
		AmountSat   int64  `json:"amountSat"`
		PaymentHash string `json:"paymentHash"`
		Serialized  string `json:"serialized"`
	}
	if err := c.post(ctx, "/createinvoice", form, &resp); err != nil {
		return nil, err
	}

	now := c.cfg.Clock.Now().Unix()

	return &wallet.Invoice{
		Bolt11:          resp.Serialized,
		PaymentHash:     resp.PaymentHash,
		Description:     description,
		DescriptionHash: descriptionHash,
		AmountMsat:      resp.AmountSat * 1000,
		CreatedAt:       now,
		ExpiresAt:       now + req.Expiry,
	}, nil
}

// PayInvoice executes an outgoing payment through the node.
func (c *Client) PayInvoice(ctx context.Context,
	req *wallet.PayInvoiceReq) (*wallet.PaymentResult, error) {

	form := url.Values{
		"invoice": {req.Bolt11},
	}
	if req.AmountMsat > 0 {
		form.Set("amountSat", strconv.FormatInt(
			req.AmountMsat/1000, 10,
		))
	}

	var resp struct {
		RoutingFeeSat   int64  `json:"routingFeeSat"`
		PaymentHash     string `json:"paymentHash"`
		PaymentPreimage string `json:"paymentPreimage"`
	}
	if err := c.post(ctx, "/payinvoice", form, &resp); err != nil {
		return nil, err
	}

	if resp.PaymentPreimage == "" {
		return nil, fmt.Errorf("payment not completed")
	}

	return &wallet.PaymentResult{
		Preimage: resp.PaymentPreimage,
		FeesPaid: resp.RoutingFeeSat * 1000,
	}, nil
}

// SyncPaymentsSince replays settled incoming payments completed at or after
// the given time through the payment callback.
func (c *Client) SyncPaymentsSince(ctx context.Context, fromSec int64) error {
	log.Debugf("Resyncing incoming payments since %d", fromSec)

	offset := 0
	for {
		var page []incomingPayment
		params := url.Values{
			"from":   {strconv.FormatInt(fromSec*1000, 10)},
			"limit":  {strconv.Itoa(syncPageSize)},
			"offset": {strconv.Itoa(offset)},
		}
		err := c.get(ctx, "/payments/incoming", params, &page)
		if err != nil {
			return err
		}

		for _, p := range page {
			if !p.IsPaid {
				continue
			}
			c.emitPayment(&p)
		}

		if len(page) < syncPageSize {
			return nil
		}
		offset += len(page)
	}
}

// incomingPayment is phoenixd's incoming payment representation. The fees
// field is the auto-liquidity fee this payment triggered, already in msat.
type incomingPayment struct {
	PaymentHash string `json:"paymentHash"`
	Preimage    string `json:"preimage"`
	ExternalID  string `json:"externalId"`
	ReceivedSat int64  `json:"receivedSat"`
	Fees        int64  `json:"fees"`
	CompletedAt int64  `json:"completedAt"`
	IsPaid      bool   `json:"isPaid"`
}

// getIncomingPayment fetches the details of one incoming payment.
func (c *Client) getIncomingPayment(ctx context.Context,
	paymentHash string) (*incomingPayment, error) {

	var resp incomingPayment
	err := c.get(ctx, "/payments/incoming/"+paymentHash, nil, &resp)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

// emitPayment hands one settled payment to the registry and advances the
// high-water mark.
func (c *Client) emitPayment(p *incomingPayment) {
	settledAt := p.CompletedAt / 1000

	c.lastSettledMtx.Lock()
	if settledAt > c.lastSettled {
		c.lastSettled = settledAt
	}
	c.lastSettledMtx.Unlock()

	if c.cfg.OnPayment == nil {
		return
	}

	c.cfg.OnPayment(&wallet.IncomingPayment{
		PaymentHash:      p.PaymentHash,
		Preimage:         p.Preimage,
		SettledAt:        settledAt,
		ExternalID:       p.ExternalID,
		LiquidityFeeMsat: p.Fees,
	})
}

// feeEstimateLoop periodically refreshes the mining fee estimate for an
// inbound liquidity extension of the auto-liquidity amount.
func (c *Client) feeEstimateLoop() {
	defer c.wg.Done()

	refresh := func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), requestTimeout,
		)
		defer cancel()

		var resp struct {
			MiningFeeSat  int64 `json:"miningFeeSat"`
			ServiceFeeSat int64 `json:"serviceFeeSat"`
		}
		params := url.Values{
			"amountSat": {strconv.FormatInt(
				c.cfg.AutoLiquidityMsat/1000, 10,
			)},
		}
		err := c.get(ctx, "/estimateliquidityfees", params, &resp)
		if err != nil {
			log.Warnf("Unable to fetch liquidity fee estimate: "+
				"%v", err)
			return
		}

		log.Debugf("Liquidity fee estimate: mining=%d sat "+
			"service=%d sat", resp.MiningFeeSat,
			resp.ServiceFeeSat)

		c.cfg.OnFeeEstimate(resp.MiningFeeSat * 1000)
	}

	refresh()

	for {
		select {
		case <-c.cfg.FeeEstimateTicker.Ticks():
			refresh()

		case <-c.quit:
			return
		}
	}
}

func (c *Client) get(ctx context.Context, path string, params url.Values,
	out interface{}) error {

	u := c.cfg.URL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, form url.Values,
	out interface{}) error {

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.cfg.URL+path,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", c.authHeader())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("phoenixd request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("phoenixd %s: status %d: %s",
			req.URL.Path, resp.StatusCode,
			strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}

	return json.Unmarshal(body, out)
}

// authHeader builds phoenixd's HTTP Basic auth header, empty user and the
// API password.
func (c *Client) authHeader() string {
	creds := base64.StdEncoding.EncodeToString(
		[]byte(":" + c.cfg.Password),
	)

	return "Basic " + creds
}
