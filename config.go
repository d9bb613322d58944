package walletd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "walletd.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "walletd.log"
	defaultKeyFilename    = "service.key"
	defaultDBFilename     = "walletd.db"

	defaultLogLevel       = "info"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	defaultNetwork = "mainnet"

	defaultMaxWallets            = 1000
	defaultMaxBalanceSat         = 1_000_000
	defaultMaxInvoiceSat         = 1_000_000
	defaultMaxUnpaidInvoices     = 1000
	defaultMaxUnpaidAnonInvoices = 100
	defaultAutoLiquiditySat      = 2_000_000

	defaultWalletFeePeriod = 6 * time.Hour
	defaultGCInterval      = 10 * time.Minute
	defaultTxRetention     = 90 * 24 * time.Hour
	defaultPaymentTimeout  = time.Minute
)

var (
	// DefaultWalletdDir is the default directory for all walletd state.
	DefaultWalletdDir = btcutil.AppDataDir("walletd", false)

	defaultConfigFile = filepath.Join(
		DefaultWalletdDir, defaultConfigFilename,
	)
)

// PhoenixdConfig holds the connection settings of the phoenixd node.
type PhoenixdConfig struct {
	URL string `long:"url" description:"phoenixd HTTP API base URL"`

	Password string `long:"password" description:"phoenixd HTTP API password"`

	PasswordFile string `long:"passwordfile" description:"File to read the phoenixd HTTP API password from, overrides password"`
}

// LimitsConfig holds the service-wide wallet admission limits. Amounts are
// in sats.
type LimitsConfig struct {
	MaxWallets int `long:"maxwallets" description:"Max number of wallets, 0 for no limit"`

	MaxBalanceSat int64 `long:"maxbalance" description:"Max balance of a single wallet in sats, 0 for no limit"`

	MaxInvoiceSat int64 `long:"maxinvoice" description:"Max size of a single invoice in sats, 0 for no limit"`

	MaxPaymentsInFlight int `long:"maxpaymentsinflight" description:"Max concurrently executing payments per wallet"`

	MaxUnpaidInvoices int64 `long:"maxunpaidinvoices" description:"Max outstanding unpaid invoices of known wallets"`

	MaxUnpaidAnonInvoices int64 `long:"maxunpaidanoninvoices" description:"Max outstanding unpaid invoices of recipients without a wallet"`

	InvoiceExpiry time.Duration `long:"invoiceexpiry" description:"Expiry ceiling for invoices of known wallets"`

	AnonInvoiceExpiry time.Duration `long:"anoninvoiceexpiry" description:"Expiry ceiling for invoices of recipients without a wallet"`

	WalletFeeSat int64 `long:"walletfee" description:"Flat wallet fee in sats charged round-robin across wallets, 0 to disable"`

	WalletFeePeriod time.Duration `long:"walletfeeperiod" description:"How often the wallet fee is charged"`

	TxRetention time.Duration `long:"txretention" description:"How long settled transactions are kept, 0 to keep forever"`

	PaymentTimeout time.Duration `long:"paymenttimeout" description:"Max duration of a single payment attempt"`
}

// Config holds walletd's runtime configuration.
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`

	WalletdDir string `long:"walletddir" description:"The base directory for all of walletd's state"`

	DataDir string `short:"b" long:"datadir" description:"The directory to store the wallet database in"`

	LogDir string `long:"logdir" description:"Directory to log output"`

	MaxLogFiles int `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`

	MaxLogFileSize int `long:"maxlogfilesize" description:"Maximum logfile size in MB"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	Network string `long:"network" description:"The network phoenixd operates on" choice:"mainnet" choice:"testnet" choice:"regtest" choice:"signet"`

	Relays []string `long:"relay" description:"Relay to listen for requests on, can be specified multiple times"`

	KeyFile string `long:"keyfile" description:"File holding the hex encoded service private key, generated on first run if missing"`

	AdminPubkey string `long:"adminpubkey" description:"Pubkey allowed to call add_pubkey, empty disables the method"`

	InternalWallet bool `long:"internalwallet" description:"The service itself holds a wallet on the node: waive base payment fees and route payments between local wallets internally"`

	AutoLiquiditySat int64 `long:"autoliquidity" description:"The node's auto-liquidity amount in sats"`

	Phoenixd *PhoenixdConfig `group:"phoenixd" namespace:"phoenixd"`

	Limits *LimitsConfig `group:"limits" namespace:"limits"`

	// ActiveNetParams is resolved from Network after parsing.
	ActiveNetParams *chaincfg.Params
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		ConfigFile:       defaultConfigFile,
		WalletdDir:       DefaultWalletdDir,
		MaxLogFiles:      defaultMaxLogFiles,
		MaxLogFileSize:   defaultMaxLogFileSize,
		DebugLevel:       defaultLogLevel,
		Network:          defaultNetwork,
		Relays:           []string{"wss://relay.getalby.com/v1"},
		AutoLiquiditySat: defaultAutoLiquiditySat,
		Phoenixd: &PhoenixdConfig{
			URL: "http://127.0.0.1:9740",
		},
		Limits: &LimitsConfig{
			MaxWallets:            defaultMaxWallets,
			MaxBalanceSat:         defaultMaxBalanceSat,
			MaxInvoiceSat:         defaultMaxInvoiceSat,
			MaxUnpaidInvoices:     defaultMaxUnpaidInvoices,
			MaxUnpaidAnonInvoices: defaultMaxUnpaidAnonInvoices,
			WalletFeePeriod:       defaultWalletFeePeriod,
			TxRetention:           defaultTxRetention,
			PaymentTimeout:        defaultPaymentTimeout,
		},
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	if preCfg.ShowVersion {
		fmt.Println(appName, "version", Version())
		os.Exit(0)
	}

	cfg := DefaultConfig()
	if preCfg.WalletdDir != DefaultWalletdDir &&
		preCfg.ConfigFile == defaultConfigFile {

		preCfg.ConfigFile = filepath.Join(
			preCfg.WalletdDir, defaultConfigFilename,
		)
	}

	fileParser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(fileParser).ParseFile(
		CleanAndExpandPath(preCfg.ConfigFile),
	)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Command line options take precedence over the config file.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	return ValidateConfig(&cfg)
}

// ValidateConfig checks the given configuration for consistency, fills
// derived fields and creates the state directories.
func ValidateConfig(cfg *Config) (*Config, error) {
	cfg.WalletdDir = CleanAndExpandPath(cfg.WalletdDir)

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(
			cfg.WalletdDir, defaultDataDirname,
		)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.WalletdDir, defaultLogDirname)
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = filepath.Join(
			cfg.WalletdDir, defaultKeyFilename,
		)
	}
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)
	cfg.KeyFile = CleanAndExpandPath(cfg.KeyFile)

	for _, dir := range []string{cfg.WalletdDir, cfg.DataDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("unable to create dir %s: %w",
				dir, err)
		}
	}

	switch cfg.Network {
	case "mainnet":
		cfg.ActiveNetParams = &chaincfg.MainNetParams
	case "testnet":
		cfg.ActiveNetParams = &chaincfg.TestNet3Params
	case "regtest":
		cfg.ActiveNetParams = &chaincfg.RegressionNetParams
	case "signet":
		cfg.ActiveNetParams = &chaincfg.SigNetParams
	default:
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}

	if len(cfg.Relays) == 0 {
		return nil, fmt.Errorf("at least one relay is required")
	}

	if cfg.Phoenixd.PasswordFile != "" {
		password, err := os.ReadFile(
			CleanAndExpandPath(cfg.Phoenixd.PasswordFile),
		)
		if err != nil {
			return nil, fmt.Errorf("unable to read phoenixd "+
				"password file: %w", err)
		}
		cfg.Phoenixd.Password = strings.TrimSpace(string(password))
	}
	if cfg.Phoenixd.Password == "" {
		return nil, fmt.Errorf("phoenixd.password or " +
			"phoenixd.passwordfile is required")
	}

	if cfg.Limits.MaxPaymentsInFlight < 0 {
		return nil, fmt.Errorf("limits.maxpaymentsinflight must " +
			"not be negative")
	}

	return cfg, nil
}

// DBPath returns the path of the wallet database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, defaultDBFilename)
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		if u, err := os.UserHomeDir(); err == nil {
			homeDir = u
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
