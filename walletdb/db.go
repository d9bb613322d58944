package walletdb

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/nostrband/walletd/wallet"

	_ "modernc.org/sqlite" // sqlite driver
)

// schema is applied on open. Amounts are msat, timestamps are unix seconds.
const schema = `
CREATE TABLE IF NOT EXISTS wallets (
	pubkey TEXT PRIMARY KEY,
	balance INTEGER NOT NULL DEFAULT 0,
	channel_size INTEGER NOT NULL DEFAULT 0,
	fee_credit INTEGER NOT NULL DEFAULT 0,
	fee_charged_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS txs (
	id TEXT PRIMARY KEY,
	pubkey TEXT NOT NULL,
	type TEXT NOT NULL,
	invoice TEXT NOT NULL DEFAULT '',
	payment_hash TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	description_hash TEXT NOT NULL DEFAULT '',
	preimage TEXT NOT NULL DEFAULT '',
	amount INTEGER NOT NULL DEFAULT 0,
	fees_paid INTEGER NOT NULL DEFAULT 0,
	service_fee INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	settled_at INTEGER NOT NULL DEFAULT 0,
	is_paid INTEGER NOT NULL DEFAULT 0,
	anon INTEGER NOT NULL DEFAULT 0,
	zap_request TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS txs_pubkey_created_idx
	ON txs (pubkey, created_at);
CREATE INDEX IF NOT EXISTS txs_payment_hash_idx
	ON txs (payment_hash);

CREATE TABLE IF NOT EXISTS fees (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	mining_fee_received INTEGER NOT NULL DEFAULT 0,
	mining_fee_paid INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO fees (id) VALUES (1);
`

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// the same query methods can run standalone or inside a transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// DB is the sqlite backed wallet store. Single-statement operations run
// directly on the connection, multi-statement ones take a transaction; the
// writer mutex keeps concurrent transactions from interleaving.
type DB struct {
	mtx sync.Mutex
	sdb *sql.DB

	*queries
}

// A compile time check to ensure DB implements the wallet store contract.
var _ wallet.Store = (*DB)(nil)

// NewDB opens (and if needed creates) the sqlite database at the given path.
func NewDB(dbPath string) (*DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		dbPath,
	)

	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open db %s: %w", dbPath, err)
	}

	// A single connection sidesteps sqlite's writer contention entirely.
	sdb.SetMaxOpenConns(1)

	if _, err := sdb.Exec(schema); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("unable to apply schema: %w", err)
	}

	log.Infof("Opened wallet db at %s", dbPath)

	return &DB{
		sdb:     sdb,
		queries: &queries{db: sdb},
	}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.sdb.Close()
}

// ExecTx runs fn inside a single transaction. Any error rolls the whole
// transaction back.
func (d *DB) ExecTx(ctx context.Context, fn func(wallet.Queries) error) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	tx, err := d.sdb.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to begin tx: %w", err)
	}

	if err := fn(&queries{db: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Errorf("Unable to roll back tx: %v", rbErr)
		}

		return err
	}

	return tx.Commit()
}

// SettleInvoice runs the multi-table invoice settlement in its own
// transaction.
func (d *DB) SettleInvoice(clientPubkey, id string, settledAt int64,
	preimage string, state wallet.State, miningFeeMsat int64) (bool,
	error) {

	var settled bool
	err := d.ExecTx(context.Background(), func(q wallet.Queries) error {
		var err error
		settled, err = q.SettleInvoice(
			clientPubkey, id, settledAt, preimage, state,
			miningFeeMsat,
		)

		return err
	})

	return settled, err
}

// SettlePayment runs the multi-table payment settlement in its own
// transaction.
func (d *DB) SettlePayment(clientPubkey, paymentHash string, feesPaid,
	settledAt, serviceFeeMsat int64, preimage string,
	state wallet.State) error {

	return d.ExecTx(context.Background(), func(q wallet.Queries) error {
		return q.SettlePayment(
			clientPubkey, paymentHash, feesPaid, settledAt,
			serviceFeeMsat, preimage, state,
		)
	})
}

// ChargeWalletFee runs the multi-table wallet fee charge in its own
// transaction.
func (d *DB) ChargeWalletFee(pubkey string, feeMsat, chargedAt int64,
	state wallet.State) error {

	return d.ExecTx(context.Background(), func(q wallet.Queries) error {
		return q.ChargeWalletFee(pubkey, feeMsat, chargedAt, state)
	})
}

// newID returns a fresh random transaction id.
func newID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}

	return hex.EncodeToString(b[:]), nil
}
