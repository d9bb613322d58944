package walletdb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nostrband/walletd/wallet"
)

// queries implements the wallet store operations against either a bare
// connection or a transaction handle.
type queries struct {
	db querier
}

var _ wallet.Queries = (*queries)(nil)

// ListWallets returns all persisted wallets.
func (q *queries) ListWallets() ([]wallet.WalletRecord, error) {
	rows, err := q.db.Query(
		`SELECT pubkey, balance, channel_size, fee_credit
		 FROM wallets`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []wallet.WalletRecord
	for rows.Next() {
		var rec wallet.WalletRecord
		err := rows.Scan(
			&rec.Pubkey, &rec.State.Balance,
			&rec.State.ChannelSize, &rec.State.FeeCredit,
		)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// FeeTotals returns the persisted mining fee received/paid totals.
func (q *queries) FeeTotals() (int64, int64, error) {
	var received, paid int64
	err := q.db.QueryRow(
		`SELECT mining_fee_received, mining_fee_paid FROM fees
		 WHERE id = 1`,
	).Scan(&received, &paid)
	if err != nil {
		return 0, 0, err
	}

	return received, paid, nil
}

// AddMiningFeePaid increments the persisted mining fee paid total.
func (q *queries) AddMiningFeePaid(msat int64) error {
	_, err := q.db.Exec(
		`UPDATE fees SET mining_fee_paid = mining_fee_paid + ?
		 WHERE id = 1`,
		msat,
	)

	return err
}

// CreateInvoice inserts an invoice placeholder row and returns its id.
func (q *queries) CreateInvoice(clientPubkey string,
	createdAt int64) (string, error) {

	id, err := newID()
	if err != nil {
		return "", err
	}

	_, err = q.db.Exec(
		`INSERT INTO txs (id, pubkey, type, created_at)
		 VALUES (?, ?, ?, ?)`,
		id, clientPubkey, wallet.TxTypeIncoming, createdAt,
	)
	if err != nil {
		return "", err
	}

	return id, nil
}

// DeleteInvoice removes an unpaid incoming invoice row.
func (q *queries) DeleteInvoice(id string) error {
	_, err := q.db.Exec(
		`DELETE FROM txs WHERE id = ? AND type = ? AND is_paid = 0`,
		id, wallet.TxTypeIncoming,
	)

	return err
}

// CompleteInvoice fills a placeholder row with the backend invoice.
func (q *queries) CompleteInvoice(id string, inv *wallet.Invoice,
	zapRequest string, anon bool) error {

	res, err := q.db.Exec(
		`UPDATE txs SET invoice = ?, payment_hash = ?,
			description = ?, description_hash = ?, amount = ?,
			created_at = ?, expires_at = ?, zap_request = ?,
			anon = ?
		 WHERE id = ? AND is_paid = 0`,
		inv.Bolt11, inv.PaymentHash, inv.Description,
		inv.DescriptionHash, inv.AmountMsat, inv.CreatedAt,
		inv.ExpiresAt, zapRequest, anon, id,
	)
	if err != nil {
		return err
	}

	return requireRows(res, wallet.ErrInvoiceNotFound)
}

// GetInvoiceInfo resolves an invoice by id, payment hash or invoice string.
func (q *queries) GetInvoiceInfo(
	ref wallet.InvoiceRef) (*wallet.InvoiceInfo, error) {

	where, arg := "id = ?", ref.ID
	switch {
	case ref.PaymentHash != "":
		where, arg = "payment_hash = ?", ref.PaymentHash
	case ref.Bolt11 != "":
		where, arg = "invoice = ?", ref.Bolt11
	}

	var (
		info   wallet.InvoiceInfo
		isPaid int
		anon   int
	)
	err := q.db.QueryRow(
		`SELECT id, pubkey, invoice, payment_hash, description,
			description_hash, amount, created_at, expires_at,
			is_paid, zap_request, anon
		 FROM txs WHERE type = ? AND `+where,
		wallet.TxTypeIncoming, arg,
	).Scan(
		&info.ID, &info.ClientPubkey, &info.Invoice.Bolt11,
		&info.Invoice.PaymentHash, &info.Invoice.Description,
		&info.Invoice.DescriptionHash, &info.Invoice.AmountMsat,
		&info.Invoice.CreatedAt, &info.Invoice.ExpiresAt, &isPaid,
		&info.ZapRequest, &anon,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wallet.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	info.IsPaid = isPaid != 0
	info.Anon = anon != 0

	return &info, nil
}

// SettleInvoice marks an invoice settled and persists the wallet's new state
// and the mining fee delta. Returns false without changing anything if the
// invoice was already settled.
func (q *queries) SettleInvoice(clientPubkey, id string, settledAt int64,
	preimage string, state wallet.State, miningFeeMsat int64) (bool,
	error) {

	res, err := q.db.Exec(
		`UPDATE txs SET is_paid = 1, settled_at = ?, preimage = ?,
			pubkey = ?
		 WHERE id = ? AND type = ? AND is_paid = 0`,
		settledAt, preimage, clientPubkey, id,
		wallet.TxTypeIncoming,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if err := q.UpdateWalletState(clientPubkey, state); err != nil {
		return false, err
	}

	if miningFeeMsat > 0 {
		_, err := q.db.Exec(
			`UPDATE fees SET mining_fee_received =
				mining_fee_received + ?
			 WHERE id = 1`,
			miningFeeMsat,
		)
		if err != nil {
			return false, err
		}
	}

	return true, nil
}

// CreatePayment inserts a pending outgoing payment row.
func (q *queries) CreatePayment(clientPubkey string, inv *wallet.Invoice,
	createdAt int64) error {

	id, err := newID()
	if err != nil {
		return err
	}

	_, err = q.db.Exec(
		`INSERT INTO txs (id, pubkey, type, invoice, payment_hash,
			description, description_hash, amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, clientPubkey, wallet.TxTypeOutgoing, inv.Bolt11,
		inv.PaymentHash, inv.Description, inv.DescriptionHash,
		inv.AmountMsat, createdAt,
	)

	return err
}

// DeletePayment removes a pending outgoing payment row after a failed
// attempt.
func (q *queries) DeletePayment(clientPubkey, paymentHash string) error {
	_, err := q.db.Exec(
		`DELETE FROM txs WHERE pubkey = ? AND payment_hash = ?
		 AND type = ? AND is_paid = 0`,
		clientPubkey, paymentHash, wallet.TxTypeOutgoing,
	)

	return err
}

// SettlePayment marks an outgoing payment settled and persists the wallet's
// new state.
func (q *queries) SettlePayment(clientPubkey, paymentHash string, feesPaid,
	settledAt, serviceFeeMsat int64, preimage string,
	state wallet.State) error {

	res, err := q.db.Exec(
		`UPDATE txs SET is_paid = 1, settled_at = ?, fees_paid = ?,
			service_fee = ?, preimage = ?
		 WHERE pubkey = ? AND payment_hash = ? AND type = ?
		 AND is_paid = 0`,
		settledAt, feesPaid, serviceFeeMsat, preimage, clientPubkey,
		paymentHash, wallet.TxTypeOutgoing,
	)
	if err != nil {
		return err
	}
	if err := requireRows(res, wallet.ErrPaymentNotFound); err != nil {
		return err
	}

	return q.UpdateWalletState(clientPubkey, state)
}

// GetTransaction returns the transaction with the given id.
func (q *queries) GetTransaction(id string) (*wallet.Transaction, error) {
	row := q.db.QueryRow(
		`SELECT `+txColumns+` FROM txs WHERE id = ?`, id,
	)

	return scanTransaction(row)
}

// LookupInvoice resolves a client's transaction by payment hash.
func (q *queries) LookupInvoice(
	req *wallet.LookupInvoiceReq) (*wallet.Transaction, error) {

	row := q.db.QueryRow(
		`SELECT `+txColumns+` FROM txs
		 WHERE pubkey = ? AND payment_hash = ?
		 ORDER BY created_at DESC LIMIT 1`,
		req.ClientPubkey, req.PaymentHash,
	)

	return scanTransaction(row)
}

// ListTransactions returns a page of a client's transaction history.
func (q *queries) ListTransactions(
	req *wallet.ListTransactionsReq) ([]wallet.Transaction, error) {

	query := `SELECT ` + txColumns + ` FROM txs
		 WHERE pubkey = ? AND created_at >= ? AND created_at <= ?`
	args := []any{req.ClientPubkey, req.From, req.Until}

	if !req.Unpaid {
		query += ` AND is_paid = 1`
	}
	if req.Type != "" {
		query += ` AND type = ?`
		args = append(args, req.Type)
	}

	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, req.Limit, req.Offset)

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []wallet.Transaction
	for rows.Next() {
		tx, err := scanTransactionRows(rows)
		if err != nil {
			return nil, err
		}

		txs = append(txs, *tx)
	}

	return txs, rows.Err()
}

// CountUnpaidInvoices counts unpaid incoming invoices, split by whether the
// recipient had a wallet at creation time. Placeholder rows with no invoice
// yet count too.
func (q *queries) CountUnpaidInvoices() (wallet.UnpaidCounts, error) {
	var counts wallet.UnpaidCounts
	err := q.db.QueryRow(
		`SELECT
			COALESCE(SUM(CASE WHEN anon = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN anon != 0 THEN 1 ELSE 0 END), 0)
		 FROM txs WHERE type = ? AND is_paid = 0`,
		wallet.TxTypeIncoming,
	).Scan(&counts.Known, &counts.Anon)

	return counts, err
}

// UpdateWalletState upserts a wallet's committed state.
func (q *queries) UpdateWalletState(pubkey string,
	state wallet.State) error {

	_, err := q.db.Exec(
		`INSERT INTO wallets (pubkey, balance, channel_size,
			fee_credit)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (pubkey) DO UPDATE SET balance = excluded.balance,
			channel_size = excluded.channel_size,
			fee_credit = excluded.fee_credit`,
		pubkey, state.Balance, state.ChannelSize, state.FeeCredit,
	)

	return err
}

// NextWalletFeePubkey returns the next wallet after the given pubkey in
// lexicographic order, wrapping around.
func (q *queries) NextWalletFeePubkey(after string) (string, error) {
	var pubkey string
	err := q.db.QueryRow(
		`SELECT pubkey FROM wallets WHERE pubkey > ?
		 ORDER BY pubkey LIMIT 1`,
		after,
	).Scan(&pubkey)
	if errors.Is(err, sql.ErrNoRows) {
		err = q.db.QueryRow(
			`SELECT pubkey FROM wallets ORDER BY pubkey LIMIT 1`,
		).Scan(&pubkey)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", wallet.ErrNotFound
	}
	if err != nil {
		return "", err
	}

	return pubkey, nil
}

// ChargeWalletFee records a flat wallet fee debit as a settled outgoing
// transaction and persists the wallet's new state.
func (q *queries) ChargeWalletFee(pubkey string, feeMsat, chargedAt int64,
	state wallet.State) error {

	id, err := newID()
	if err != nil {
		return err
	}

	_, err = q.db.Exec(
		`INSERT INTO txs (id, pubkey, type, description, fees_paid,
			created_at, settled_at, is_paid)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		id, pubkey, wallet.TxTypeOutgoing, "wallet service fee",
		feeMsat, chargedAt, chargedAt,
	)
	if err != nil {
		return err
	}

	res, err := q.db.Exec(
		`UPDATE wallets SET balance = ?, channel_size = ?,
			fee_credit = ?, fee_charged_at = ?
		 WHERE pubkey = ?`,
		state.Balance, state.ChannelSize, state.FeeCredit, chargedAt,
		pubkey,
	)
	if err != nil {
		return err
	}

	return requireRows(res, wallet.ErrWalletNotFound)
}

// ClearExpiredInvoices deletes unpaid incoming invoices that expired before
// the given time.
func (q *queries) ClearExpiredInvoices(before int64) (int64, error) {
	res, err := q.db.Exec(
		`DELETE FROM txs WHERE type = ? AND is_paid = 0
		 AND expires_at > 0 AND expires_at < ?`,
		wallet.TxTypeIncoming, before,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// ClearOldTransactions deletes settled transactions created before the given
// time.
func (q *queries) ClearOldTransactions(before int64) (int64, error) {
	res, err := q.db.Exec(
		`DELETE FROM txs WHERE is_paid = 1 AND created_at < ?`,
		before,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// LastSettledAt returns the most recent incoming settlement timestamp.
func (q *queries) LastSettledAt() (int64, error) {
	var last int64
	err := q.db.QueryRow(
		`SELECT COALESCE(MAX(settled_at), 0) FROM txs
		 WHERE type = ? AND is_paid = 1`,
		wallet.TxTypeIncoming,
	).Scan(&last)

	return last, err
}

const txColumns = `type, invoice, description, description_hash, preimage,
	payment_hash, amount, fees_paid, created_at, expires_at, settled_at,
	is_paid`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row *sql.Row) (*wallet.Transaction, error) {
	tx, err := scanTransactionRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wallet.ErrNotFound
	}

	return tx, err
}

func scanTransactionRows(row rowScanner) (*wallet.Transaction, error) {
	var (
		tx     wallet.Transaction
		isPaid int
	)
	err := row.Scan(
		&tx.Type, &tx.Invoice, &tx.Description, &tx.DescriptionHash,
		&tx.Preimage, &tx.PaymentHash, &tx.Amount, &tx.FeesPaid,
		&tx.CreatedAt, &tx.ExpiresAt, &tx.SettledAt, &isPaid,
	)
	if err != nil {
		return nil, err
	}

	tx.State = deriveTxState(&tx, isPaid != 0)

	return &tx, nil
}

// deriveTxState computes the reported state from the paid flag and the
// expiry. It is never stored.
func deriveTxState(tx *wallet.Transaction, isPaid bool) string {
	switch {
	case isPaid:
		return wallet.TxStateSettled

	case tx.ExpiresAt > 0 && tx.ExpiresAt < time.Now().Unix():
		return wallet.TxStateFailed

	default:
		return wallet.TxStatePending
	}
}

func requireRows(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: no rows updated", notFound)
	}

	return nil
}
