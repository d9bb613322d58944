package walletd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nostrband/walletd/fees"
	"github.com/nostrband/walletd/nostrd"
	"github.com/nostrband/walletd/nwc"
	"github.com/nostrband/walletd/phoenixd"
	"github.com/nostrband/walletd/wallet"
	"github.com/nostrband/walletd/walletdb"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// Subsystem defines the logging code for the daemon itself.
const Subsystem = "WLTD"

// log is the daemon's own logger, set up by SetupLoggers.
var log = btclog.Disabled

// logRotator writes the log file and rotates it when it grows too large.
type logRotator struct {
	rotator *rotator.Rotator
}

func newLogRotator(logFile string, maxFileSize, maxFiles int) (*logRotator,
	error) {

	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create log directory: %w",
			err)
	}

	r, err := rotator.New(
		logFile, int64(maxFileSize*1024), false, maxFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create log rotator: %w",
			err)
	}

	return &logRotator{rotator: r}, nil
}

func (r *logRotator) Write(b []byte) (int, error) {
	return r.rotator.Write(b)
}

func (r *logRotator) Close() error {
	return r.rotator.Close()
}

// SetupLoggers initializes logging for the daemon and every subsystem,
// writing to both stdout and a rotated log file. The returned closer flushes
// and closes the log file.
func SetupLoggers(cfg *Config) (io.Closer, error) {
	r, err := newLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		return nil, err
	}

	backend := btclog.NewBackend(io.MultiWriter(os.Stdout, r))

	subLoggers := map[string]btclog.Logger{
		Subsystem:          backend.Logger(Subsystem),
		wallet.Subsystem:   backend.Logger(wallet.Subsystem),
		fees.Subsystem:     backend.Logger(fees.Subsystem),
		walletdb.Subsystem: backend.Logger(walletdb.Subsystem),
		nwc.Subsystem:      backend.Logger(nwc.Subsystem),
		phoenixd.Subsystem: backend.Logger(phoenixd.Subsystem),
		nostrd.Subsystem:   backend.Logger(nostrd.Subsystem),
	}

	log = subLoggers[Subsystem]
	wallet.UseLogger(subLoggers[wallet.Subsystem])
	fees.UseLogger(subLoggers[fees.Subsystem])
	walletdb.UseLogger(subLoggers[walletdb.Subsystem])
	nwc.UseLogger(subLoggers[nwc.Subsystem])
	phoenixd.UseLogger(subLoggers[phoenixd.Subsystem])
	nostrd.UseLogger(subLoggers[nostrd.Subsystem])

	if err := setLogLevels(subLoggers, cfg.DebugLevel); err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

// setLogLevels applies a debug level spec of the form "level" or
// "SUBSYS=level,SUBSYS2=level2,..." to the subsystem loggers.
func setLogLevels(subLoggers map[string]btclog.Logger,
	debugLevel string) error {

	// A single level name applies to everything.
	if !strings.Contains(debugLevel, "=") {
		level, ok := btclog.LevelFromString(debugLevel)
		if !ok {
			return fmt.Errorf("unknown log level %q", debugLevel)
		}
		for _, logger := range subLoggers {
			logger.SetLevel(level)
		}

		return nil
	}

	for _, spec := range strings.Split(debugLevel, ",") {
		fields := strings.SplitN(spec, "=", 2)
		if len(fields) != 2 {
			return fmt.Errorf("malformed debug level spec %q",
				spec)
		}

		logger, ok := subLoggers[strings.ToUpper(fields[0])]
		if !ok {
			return fmt.Errorf("unknown log subsystem %q",
				fields[0])
		}
		level, ok := btclog.LevelFromString(fields[1])
		if !ok {
			return fmt.Errorf("unknown log level %q", fields[1])
		}

		logger.SetLevel(level)
	}

	return nil
}
