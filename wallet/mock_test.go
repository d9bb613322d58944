package wallet_test

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nostrband/walletd/wallet"
)

// memStore is an in-memory wallet.Store used to drive the ledger and registry
// without a database. Individual operations can be made to fail through the
// fail* fields.
type memStore struct {
	mtx sync.Mutex

	wallets  map[string]wallet.State
	invoices map[string]*invoiceRow
	payments map[string]*paymentRow
	feeRows  map[string]int64

	feeReceived int64
	feePaid     int64

	nextID int

	failCreatePayment error
	failSettlePayment error
}

type invoiceRow struct {
	id           string
	clientPubkey string
	inv          wallet.Invoice
	zapRequest   string
	anon         bool
	isPaid       bool
	preimage     string
	createdAt    int64
	settledAt    int64
	complete     bool
}

type paymentRow struct {
	clientPubkey string
	inv          wallet.Invoice
	createdAt    int64
	settled      bool
	feesPaid     int64
	serviceFee   int64
	preimage     string
	settledAt    int64
}

func newMemStore() *memStore {
	return &memStore{
		wallets:  make(map[string]wallet.State),
		invoices: make(map[string]*invoiceRow),
		payments: make(map[string]*paymentRow),
		feeRows:  make(map[string]int64),
	}
}

func paymentKey(clientPubkey, paymentHash string) string {
	return clientPubkey + "/" + paymentHash
}

func (s *memStore) ExecTx(_ context.Context,
	fn func(wallet.Queries) error) error {

	return fn(s)
}

func (s *memStore) ListWallets() ([]wallet.WalletRecord, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var records []wallet.WalletRecord
	for pubkey, state := range s.wallets {
		records = append(records, wallet.WalletRecord{
			Pubkey: pubkey,
			State:  state,
		})
	}

	return records, nil
}

func (s *memStore) FeeTotals() (int64, int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.feeReceived, s.feePaid, nil
}

func (s *memStore) AddMiningFeePaid(msat int64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.feePaid += msat

	return nil
}

func (s *memStore) CreateInvoice(clientPubkey string,
	createdAt int64) (string, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.nextID++
	id := fmt.Sprintf("inv-%d", s.nextID)
	s.invoices[id] = &invoiceRow{
		id:           id,
		clientPubkey: clientPubkey,
		createdAt:    createdAt,
	}

	return id, nil
}

func (s *memStore) DeleteInvoice(id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.invoices, id)

	return nil
}

func (s *memStore) CompleteInvoice(id string, inv *wallet.Invoice,
	zapRequest string, anon bool) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	row, ok := s.invoices[id]
	if !ok {
		return wallet.ErrInvoiceNotFound
	}

	row.inv = *inv
	row.zapRequest = zapRequest
	row.anon = anon
	row.complete = true

	return nil
}

func (s *memStore) GetInvoiceInfo(ref wallet.InvoiceRef) (*wallet.InvoiceInfo,
	error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, row := range s.invoices {
		switch {
		case ref.ID != "" && row.id != ref.ID:
			continue
		case ref.PaymentHash != "" &&
			row.inv.PaymentHash != ref.PaymentHash:

			continue
		case ref.Bolt11 != "" && row.inv.Bolt11 != ref.Bolt11:
			continue
		}

		return &wallet.InvoiceInfo{
			ID:           row.id,
			ClientPubkey: row.clientPubkey,
			Invoice:      row.inv,
			IsPaid:       row.isPaid,
			ZapRequest:   row.zapRequest,
			Anon:         row.anon,
		}, nil
	}

	return nil, wallet.ErrNotFound
}

func (s *memStore) SettleInvoice(clientPubkey, id string, settledAt int64,
	preimage string, state wallet.State, miningFeeMsat int64) (bool, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	row, ok := s.invoices[id]
	if !ok {
		return false, wallet.ErrInvoiceNotFound
	}
	if row.isPaid {
		return false, nil
	}

	row.isPaid = true
	row.preimage = preimage
	row.settledAt = settledAt
	s.wallets[clientPubkey] = state
	s.feeReceived += miningFeeMsat

	return true, nil
}

func (s *memStore) CreatePayment(clientPubkey string, inv *wallet.Invoice,
	createdAt int64) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.failCreatePayment != nil {
		return s.failCreatePayment
	}

	key := paymentKey(clientPubkey, inv.PaymentHash)
	if _, ok := s.payments[key]; ok {
		return fmt.Errorf("payment %s exists", key)
	}

	s.payments[key] = &paymentRow{
		clientPubkey: clientPubkey,
		inv:          *inv,
		createdAt:    createdAt,
	}

	return nil
}

func (s *memStore) DeletePayment(clientPubkey, paymentHash string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.payments, paymentKey(clientPubkey, paymentHash))

	return nil
}

func (s *memStore) SettlePayment(clientPubkey, paymentHash string, feesPaid,
	settledAt, serviceFeeMsat int64, preimage string,
	state wallet.State) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.failSettlePayment != nil {
		return s.failSettlePayment
	}

	row, ok := s.payments[paymentKey(clientPubkey, paymentHash)]
	if !ok {
		return wallet.ErrPaymentNotFound
	}

	row.settled = true
	row.feesPaid = feesPaid
	row.serviceFee = serviceFeeMsat
	row.preimage = preimage
	row.settledAt = settledAt
	s.wallets[clientPubkey] = state

	return nil
}

func (s *memStore) GetTransaction(id string) (*wallet.Transaction, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	row, ok := s.invoices[id]
	if !ok {
		return nil, wallet.ErrNotFound
	}

	return invoiceTx(row), nil
}

func invoiceTx(row *invoiceRow) *wallet.Transaction {
	state := wallet.TxStatePending
	if row.isPaid {
		state = wallet.TxStateSettled
	}

	return &wallet.Transaction{
		Type:            wallet.TxTypeIncoming,
		State:           state,
		Invoice:         row.inv.Bolt11,
		Description:     row.inv.Description,
		DescriptionHash: row.inv.DescriptionHash,
		Preimage:        row.preimage,
		PaymentHash:     row.inv.PaymentHash,
		Amount:          row.inv.AmountMsat,
		CreatedAt:       row.createdAt,
		ExpiresAt:       row.inv.ExpiresAt,
		SettledAt:       row.settledAt,
	}
}

func paymentTx(row *paymentRow) *wallet.Transaction {
	state := wallet.TxStatePending
	if row.settled {
		state = wallet.TxStateSettled
	}

	return &wallet.Transaction{
		Type:        wallet.TxTypeOutgoing,
		State:       state,
		Invoice:     row.inv.Bolt11,
		Description: row.inv.Description,
		Preimage:    row.preimage,
		PaymentHash: row.inv.PaymentHash,
		Amount:      row.inv.AmountMsat,
		FeesPaid:    row.feesPaid,
		CreatedAt:   row.createdAt,
		SettledAt:   row.settledAt,
	}
}

func (s *memStore) LookupInvoice(req *wallet.LookupInvoiceReq) (
	*wallet.Transaction, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, row := range s.invoices {
		if row.clientPubkey != req.ClientPubkey {
			continue
		}
		if row.inv.PaymentHash == req.PaymentHash ||
			(req.Bolt11 != "" && row.inv.Bolt11 == req.Bolt11) {

			return invoiceTx(row), nil
		}
	}
	for _, row := range s.payments {
		if row.clientPubkey != req.ClientPubkey {
			continue
		}
		if row.inv.PaymentHash == req.PaymentHash ||
			(req.Bolt11 != "" && row.inv.Bolt11 == req.Bolt11) {

			return paymentTx(row), nil
		}
	}

	return nil, wallet.ErrNotFound
}

func (s *memStore) ListTransactions(req *wallet.ListTransactionsReq) (
	[]wallet.Transaction, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	var txs []wallet.Transaction
	for _, row := range s.invoices {
		if row.clientPubkey == req.ClientPubkey &&
			(row.isPaid || req.Unpaid) {

			txs = append(txs, *invoiceTx(row))
		}
	}
	for _, row := range s.payments {
		if row.clientPubkey == req.ClientPubkey &&
			(row.settled || req.Unpaid) {

			txs = append(txs, *paymentTx(row))
		}
	}

	sort.Slice(txs, func(i, j int) bool {
		return txs[i].CreatedAt > txs[j].CreatedAt
	})

	return txs, nil
}

func (s *memStore) CountUnpaidInvoices() (wallet.UnpaidCounts, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var counts wallet.UnpaidCounts
	for _, row := range s.invoices {
		if row.isPaid {
			continue
		}
		if row.anon {
			counts.Anon++
		} else {
			counts.Known++
		}
	}

	return counts, nil
}

func (s *memStore) UpdateWalletState(pubkey string,
	state wallet.State) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.wallets[pubkey] = state

	return nil
}

func (s *memStore) NextWalletFeePubkey(after string) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if len(s.wallets) == 0 {
		return "", wallet.ErrNotFound
	}

	pubkeys := make([]string, 0, len(s.wallets))
	for pubkey := range s.wallets {
		pubkeys = append(pubkeys, pubkey)
	}
	sort.Strings(pubkeys)

	for _, pubkey := range pubkeys {
		if pubkey > after {
			return pubkey, nil
		}
	}

	return pubkeys[0], nil
}

func (s *memStore) ChargeWalletFee(pubkey string, feeMsat, chargedAt int64,
	state wallet.State) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.wallets[pubkey]; !ok {
		return wallet.ErrWalletNotFound
	}

	s.wallets[pubkey] = state
	s.feeRows[pubkey] += feeMsat

	return nil
}

func (s *memStore) ClearExpiredInvoices(before int64) (int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var n int64
	for id, row := range s.invoices {
		if !row.isPaid && row.inv.ExpiresAt > 0 &&
			row.inv.ExpiresAt < before {

			delete(s.invoices, id)
			n++
		}
	}

	return n, nil
}

func (s *memStore) ClearOldTransactions(before int64) (int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var n int64
	for id, row := range s.invoices {
		if row.isPaid && row.createdAt < before {
			delete(s.invoices, id)
			n++
		}
	}
	for key, row := range s.payments {
		if row.settled && row.createdAt < before {
			delete(s.payments, key)
			n++
		}
	}

	return n, nil
}

func (s *memStore) LastSettledAt() (int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var last int64
	for _, row := range s.invoices {
		if row.isPaid && row.settledAt > last {
			last = row.settledAt
		}
	}

	return last, nil
}

// walletState returns the persisted state of a wallet.
func (s *memStore) walletState(pubkey string) wallet.State {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.wallets[pubkey]
}

// paymentRowFor returns a copy of the outgoing payment row, if present.
func (s *memStore) paymentRowFor(clientPubkey, paymentHash string) (paymentRow,
	bool) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	row, ok := s.payments[paymentKey(clientPubkey, paymentHash)]
	if !ok {
		return paymentRow{}, false
	}

	return *row, true
}

// invoiceRowFor returns a copy of the invoice row, if present.
func (s *memStore) invoiceRowFor(id string) (invoiceRow, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	row, ok := s.invoices[id]
	if !ok {
		return invoiceRow{}, false
	}

	return *row, true
}

// A compile time assertion that memStore satisfies the store contract.
var _ wallet.Store = (*memStore)(nil)
