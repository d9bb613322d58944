package walletd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nostrband/walletd/fees"
	"github.com/nostrband/walletd/nostrd"
	"github.com/nostrband/walletd/nwc"
	"github.com/nostrband/walletd/phoenixd"
	"github.com/nostrband/walletd/wallet"
	"github.com/nostrband/walletd/walletdb"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/signal"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/nbd-wtf/go-nostr"
)

const (
	// feeEstimateInterval is how often the backend's liquidity fee
	// estimate is refreshed.
	feeEstimateInterval = 10 * time.Minute

	// notifyTimeout bounds publishing a single notification or receipt.
	notifyTimeout = 30 * time.Second
)

// Main is the true entry point of walletd. It wires the store, the fee
// policy, the phoenixd backend, the wallet registry and the nostr transport
// together, starts them and blocks until shutdown is requested.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	closer, err := SetupLoggers(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	log.Infof("Version: %s, network: %s", Version(), cfg.Network)

	serviceKey, err := loadServiceKey(cfg.KeyFile)
	if err != nil {
		return err
	}
	signer, err := nostrd.NewPrivateKeySigner(serviceKey)
	if err != nil {
		return err
	}

	db, err := walletdb.NewDB(cfg.DBPath())
	if err != nil {
		return err
	}
	defer db.Close()

	policy := fees.NewPolicy(cfg.InternalWallet)
	received, paid, err := db.FeeTotals()
	if err != nil {
		return fmt.Errorf("unable to load fee totals: %w", err)
	}
	policy.Seed(received, paid)

	clk := clock.NewDefaultClock()

	// The backend feeds the registry, the registry notifies clients
	// through the protocol server and the relay listener. All three are
	// wired up front and started in dependency order below.
	var (
		registry *wallet.Registry
		server   *nwc.Server
		listener *nostrd.Listener
	)

	backend := phoenixd.NewClient(&phoenixd.Config{
		URL:      cfg.Phoenixd.URL,
		Password: cfg.Phoenixd.Password,
		Clock:    clk,
		OnPayment: func(ev *wallet.IncomingPayment) {
			registry.OnIncomingPayment(ev)
		},
		OnFeeEstimate:     policy.SetMiningFeeEstimate,
		AutoLiquidityMsat: cfg.AutoLiquiditySat * 1000,
		FeeEstimateTicker: ticker.New(feeEstimateInterval),
	})

	var walletFeeTicker ticker.Ticker
	if cfg.Limits.WalletFeeSat > 0 {
		walletFeeTicker = ticker.New(cfg.Limits.WalletFeePeriod)
	}

	registry = wallet.NewRegistry(&wallet.RegistryConfig{
		Store:         db,
		Backend:       backend,
		Fees:          policy,
		Clock:         clk,
		Net:           cfg.ActiveNetParams,
		ServicePubkey: signer.Pubkey(),
		AdminPubkey:   cfg.AdminPubkey,

		MaxWallets:            cfg.Limits.MaxWallets,
		MaxBalanceMsat:        cfg.Limits.MaxBalanceSat * 1000,
		MaxInvoiceMsat:        cfg.Limits.MaxInvoiceSat * 1000,
		MaxPaymentsInFlight:   cfg.Limits.MaxPaymentsInFlight,
		MaxUnpaidInvoices:     cfg.Limits.MaxUnpaidInvoices,
		MaxUnpaidAnonInvoices: cfg.Limits.MaxUnpaidAnonInvoices,
		InvoiceExpirySec: int64(
			cfg.Limits.InvoiceExpiry.Seconds(),
		),
		AnonInvoiceExpirySec: int64(
			cfg.Limits.AnonInvoiceExpiry.Seconds(),
		),
		WalletFeeMsat:   cfg.Limits.WalletFeeSat * 1000,
		WalletFeeTicker: walletFeeTicker,
		GCTicker:        ticker.New(defaultGCInterval),
		TxRetention:     cfg.Limits.TxRetention,
		PaymentTimeout:  cfg.Limits.PaymentTimeout,

		InternalWallet:    cfg.InternalWallet,
		AutoLiquidityMsat: cfg.AutoLiquiditySat * 1000,

		OnPaymentReceived: func(clientPubkey string,
			tx *wallet.Transaction, info *wallet.InvoiceInfo) {

			notifyPaymentReceived(
				server, listener, signer, clientPubkey, tx,
				info,
			)
		},
	})

	server = nwc.NewServer(&nwc.ServerConfig{
		Handler:       registry,
		Signer:        signer,
		Clock:         clk,
		Relays:        cfg.Relays,
		WithAddPubkey: cfg.AdminPubkey != "",
	})

	listener = nostrd.NewListener(&nostrd.ListenerConfig{
		Relays:  cfg.Relays,
		Pubkeys: []string{signer.Pubkey()},
		Server:  server,
		Clock:   clk,
	})

	if err := backend.Start(); err != nil {
		return fmt.Errorf("unable to start backend: %w", err)
	}
	defer backend.Stop()

	if err := registry.Start(); err != nil {
		return fmt.Errorf("unable to start registry: %w", err)
	}
	defer registry.Stop()

	if err := listener.Start(); err != nil {
		return fmt.Errorf("unable to start listener: %w", err)
	}
	defer listener.Stop()

	announceCtx, cancel := context.WithTimeout(
		context.Background(), notifyTimeout,
	)
	if err := listener.Announce(announceCtx, signer); err != nil {
		log.Errorf("Unable to announce service: %v", err)
	}
	cancel()

	log.Infof("Service pubkey: %s", signer.Pubkey())
	log.Infof("Waiting for requests on %d relays", len(cfg.Relays))

	<-interceptor.ShutdownChannel()
	log.Infof("Received shutdown request")

	return nil
}

// notifyPaymentReceived sends the payment_received notification and, for zap
// invoices, the zap receipt.
func notifyPaymentReceived(server *nwc.Server, listener *nostrd.Listener,
	signer nwc.Signer, clientPubkey string, tx *wallet.Transaction,
	info *wallet.InvoiceInfo) {

	ctx, cancel := context.WithTimeout(
		context.Background(), notifyTimeout,
	)
	defer cancel()

	ev, err := server.Notify(clientPubkey, tx)
	if err != nil {
		log.Errorf("Unable to build notification for %s: %v",
			clientPubkey, err)
	} else {
		listener.Publish(ctx, ev)
	}

	if info.ZapRequest == "" {
		return
	}

	err = listener.PublishZapReceipt(
		ctx, signer, info.ZapRequest, info.Invoice.Bolt11,
		tx.Preimage, tx.SettledAt,
	)
	if err != nil {
		log.Errorf("Unable to publish zap receipt for invoice %s: "+
			"%v", info.ID, err)
	}
}

// loadServiceKey reads the service private key from the key file, generating
// and persisting a fresh one on first run.
func loadServiceKey(keyFile string) (string, error) {
	data, err := os.ReadFile(keyFile)
	switch {
	case err == nil:
		return strings.TrimSpace(string(data)), nil

	case !os.IsNotExist(err):
		return "", fmt.Errorf("unable to read key file %s: %w",
			keyFile, err)
	}

	key := nostr.GeneratePrivateKey()
	if err := os.WriteFile(keyFile, []byte(key+"\n"), 0600); err != nil {
		return "", fmt.Errorf("unable to write key file %s: %w",
			keyFile, err)
	}

	log.Infof("Generated new service key at %s", keyFile)

	return key, nil
}
