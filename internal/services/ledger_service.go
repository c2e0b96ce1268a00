package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/khayapay/backend/internal/models"
	"github.com/khayapay/backend/internal/oracle"
	"github.com/khayapay/backend/internal/paynet"
)

// LedgerService owns every ZARP balance mutation. All mutations follow the
// same shape: authorize inside a transaction, lock the affected balance rows
// in ascending phone-number order, mutate, journal, consume the signature,
// commit. Nothing touches a balance outside that shape.
type LedgerService struct {
	db     *sql.DB
	guard  *ReplayGuard
	paynet *paynet.Client
	oracle *oracle.Client
}

func NewLedgerService(db *sql.DB, guard *ReplayGuard, paynetClient *paynet.Client, oracleClient *oracle.Client) *LedgerService {
	return &LedgerService{
		db:     db,
		guard:  guard,
		paynet: paynetClient,
		oracle: oracleClient,
	}
}

// SwapParams carries a swap order. Price is the client's quoted ZAR-per-BTC
// price, checked against the live spot before anything else happens.
type SwapParams struct {
	Direction   string
	AmountZAR   decimal.Decimal
	AmountSats  int64
	Price       float64
	Lnurl       string
	PaymentHash string
}

const (
	SwapZarpToBtc = "zarp_to_btc"
	SwapBtcToZarp = "btc_to_zarp"
)

// Transfer moves amount from the authenticated sender to receiverPhone.
// The journal reference is the consumed signature, which makes retries of
// the same signed request collapse onto one journal row.
func (l *LedgerService) Transfer(ctx context.Context, token, nonce, signature, receiverPhone string, amount decimal.Decimal, senderRef, receiverRef string) (string, error) {
	if !amount.IsPositive() {
		return "", ErrAmountInvalid
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	session, err := l.guard.Authorize(ctx, tx, token, nonce, signature)
	if err != nil {
		return "", err
	}

	senderPhone, err := phoneForEmail(ctx, tx, session.Email)
	if err != nil {
		return "", err
	}
	if senderPhone == receiverPhone {
		return "", ErrAmountInvalid
	}

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE phone_number = $1)`, receiverPhone).Scan(&exists)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ErrReceiverNotFound
	}

	balances, err := lockBalances(ctx, tx, senderPhone, receiverPhone)
	if err != nil {
		return "", err
	}
	if balances[senderPhone].LessThan(amount) {
		return "", ErrInsufficientFunds
	}

	if err := adjustBalance(ctx, tx, senderPhone, amount.Neg()); err != nil {
		return "", err
	}
	if err := adjustBalance(ctx, tx, receiverPhone, amount); err != nil {
		return "", err
	}

	if err := journal(ctx, tx, senderPhone, receiverPhone, amount, models.TxTypeTransfer, signature, senderRef, receiverRef); err != nil {
		return "", err
	}

	if err := l.guard.Consume(ctx, tx, session.Email, signature); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	log.Printf("[LEDGER] Transfer %s ZARP %s -> %s", amount.StringFixed(2), senderPhone, receiverPhone)
	return signature, nil
}

// Withdraw debits the caller and records a pending bank withdrawal. The
// returned request carries the bank details so the caller can notify the
// operations desk after commit.
func (l *LedgerService) Withdraw(ctx context.Context, token, nonce, signature string, amount decimal.Decimal, country, bankName, accountNumber string) (*models.WithdrawalRequest, string, error) {
	if !amount.IsPositive() {
		return nil, "", ErrAmountInvalid
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback()

	session, err := l.guard.Authorize(ctx, tx, token, nonce, signature)
	if err != nil {
		return nil, "", err
	}

	phone, err := phoneForEmail(ctx, tx, session.Email)
	if err != nil {
		return nil, "", err
	}

	balance, err := lockBalance(ctx, tx, phone)
	if err != nil {
		return nil, "", err
	}
	if balance.LessThan(amount) {
		return nil, "", ErrInsufficientFunds
	}

	if err := adjustBalance(ctx, tx, phone, amount.Neg()); err != nil {
		return nil, "", err
	}

	reference := uuid.New().String()
	request := &models.WithdrawalRequest{
		PhoneNumber:   phone,
		Amount:        amount,
		Country:       country,
		BankName:      bankName,
		AccountNumber: accountNumber,
		Reference:     reference,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO zarp_withdrawals (phone_number, amount, country, bank_name, account_number, reference, completed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, NOW())`,
		phone, amount, country, bankName, accountNumber, reference)
	if err != nil {
		return nil, "", err
	}

	if err := journal(ctx, tx, phone, models.HousePhoneNumber, amount, models.TxTypeWithdrawal, reference, "", ""); err != nil {
		return nil, "", err
	}

	if err := l.guard.Consume(ctx, tx, session.Email, signature); err != nil {
		return nil, "", err
	}
	if err := tx.Commit(); err != nil {
		return nil, "", err
	}

	log.Printf("[LEDGER] Withdrawal %s ZARP requested by %s, ref %s", amount.StringFixed(2), phone, reference)
	return request, session.Email, nil
}

// Swap exchanges ZARP against Lightning BTC through the house account.
// The Lightning leg runs before any balance row is locked; if it fails the
// transaction rolls back and the signature stays unconsumed, so the client
// may retry the identical signed request.
func (l *LedgerService) Swap(ctx context.Context, token, nonce, signature string, params SwapParams) (string, error) {
	if !params.AmountZAR.IsPositive() || params.AmountSats <= 0 {
		return "", ErrAmountInvalid
	}
	if params.Direction != SwapZarpToBtc && params.Direction != SwapBtcToZarp {
		return "", ErrAmountInvalid
	}

	spot, err := l.oracle.SpotPrice(ctx)
	if err != nil {
		return "", err
	}
	if !oracle.WithinTolerance(params.Price, spot) {
		return "", ErrPriceOutOfBand
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	session, err := l.guard.Authorize(ctx, tx, token, nonce, signature)
	if err != nil {
		return "", err
	}

	phone, err := phoneForEmail(ctx, tx, session.Email)
	if err != nil {
		return "", err
	}

	var debtor, creditor string
	if params.Direction == SwapZarpToBtc {
		debtor, creditor = phone, models.HousePhoneNumber
	} else {
		debtor, creditor = models.HousePhoneNumber, phone
	}

	// Reject an unfundable swap before any sats move. The authoritative
	// check re-runs under the row lock below.
	available, err := readBalance(ctx, tx, debtor)
	if err != nil {
		return "", err
	}
	if available.LessThan(params.AmountZAR) {
		return "", ErrInsufficientFunds
	}

	readKey, adminKey, err := lightningKeys(ctx, tx, phone)
	if err != nil {
		return "", err
	}

	// External leg next, while no rows are locked.
	switch params.Direction {
	case SwapZarpToBtc:
		wallet := l.paynet.WithKey(adminKey)
		scan, err := wallet.ScanLnurl(ctx, params.Lnurl)
		if err != nil {
			return "", err
		}
		if _, err := wallet.PayLnurl(ctx, scan.Callback, params.AmountSats); err != nil {
			return "", err
		}
	case SwapBtcToZarp:
		if err := l.confirmInboundPayment(ctx, readKey, params.PaymentHash, params.AmountSats); err != nil {
			return "", err
		}
		// Claim the inbound payment inside the same transaction as the
		// credit. A second swap quoting the same hash hits the primary
		// key and rolls back without minting.
		if err := claimPayment(ctx, tx, params.PaymentHash, phone); err != nil {
			return "", err
		}
	}

	balances, err := lockBalances(ctx, tx, debtor, creditor)
	if err != nil {
		return "", err
	}
	if balances[debtor].LessThan(params.AmountZAR) {
		return "", ErrInsufficientFunds
	}

	if err := adjustBalance(ctx, tx, debtor, params.AmountZAR.Neg()); err != nil {
		return "", err
	}
	if err := adjustBalance(ctx, tx, creditor, params.AmountZAR); err != nil {
		return "", err
	}

	if err := journal(ctx, tx, debtor, creditor, params.AmountZAR, models.TxTypeSwap, signature, "", ""); err != nil {
		return "", err
	}

	if err := l.guard.Consume(ctx, tx, session.Email, signature); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	log.Printf("[LEDGER] Swap %s: %s ZARP / %d sats for %s", params.Direction, params.AmountZAR.StringFixed(2), params.AmountSats, phone)
	return signature, nil
}

// Balance reads the caller's ledger balance as a guarded operation: the
// signature is consumed in the same transaction as the read.
func (l *LedgerService) Balance(ctx context.Context, token, nonce, signature string) (decimal.Decimal, string, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, "", err
	}
	defer tx.Rollback()

	session, err := l.guard.Authorize(ctx, tx, token, nonce, signature)
	if err != nil {
		return decimal.Zero, "", err
	}

	phone, err := phoneForEmail(ctx, tx, session.Email)
	if err != nil {
		return decimal.Zero, "", err
	}

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM zarp_balances WHERE phone_number = $1`, phone).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, "", ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, "", err
	}

	if err := l.guard.Consume(ctx, tx, session.Email, signature); err != nil {
		return decimal.Zero, "", err
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, "", err
	}
	return balance, phone, nil
}

// History returns the caller's journal rows, newest first.
func (l *LedgerService) History(ctx context.Context, token, nonce, signature string, limit int) ([]models.LedgerTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	session, err := l.guard.Authorize(ctx, tx, token, nonce, signature)
	if err != nil {
		return nil, err
	}

	phone, err := phoneForEmail(ctx, tx, session.Email)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, sender_phone_number, receiver_phone_number, amount, type, reference, sender_reference, receiver_reference, created_at
		 FROM zarp_transactions
		 WHERE sender_phone_number = $1 OR receiver_phone_number = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, phone, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []models.LedgerTransaction
	for rows.Next() {
		var t models.LedgerTransaction
		if err := rows.Scan(&t.ID, &t.SenderPhone, &t.ReceiverPhone, &t.Amount, &t.Type,
			&t.Reference, &t.SenderReference, &t.ReceiverReference, &t.CreatedAt); err != nil {
			return nil, err
		}
		history = append(history, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := l.guard.Consume(ctx, tx, session.Email, signature); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return history, nil
}

func (l *LedgerService) confirmInboundPayment(ctx context.Context, readKey, paymentHash string, amountSats int64) error {
	if paymentHash == "" {
		return paynet.ErrPaymentFailed
	}
	payments, err := l.paynet.WithKey(readKey).ListPayments(ctx)
	if err != nil {
		return err
	}
	for _, p := range payments {
		if p.PaymentHash == paymentHash && !p.Pending && p.Amount >= amountSats {
			return nil
		}
	}
	return paynet.ErrPaymentFailed
}

// LightningKeys returns the account's Lightning wallet credentials, used by
// the balance enquiry's best-effort sats lookup.
func (l *LedgerService) LightningKeys(ctx context.Context, phone string) (readKey, adminKey string, err error) {
	err = l.db.QueryRowContext(ctx,
		`SELECT read_key, admin_key FROM creds WHERE phone_number = $1`, phone).
		Scan(&readKey, &adminKey)
	if err == sql.ErrNoRows {
		return "", "", ErrNoLightningWallet
	}
	return readKey, adminKey, err
}

func lightningKeys(ctx context.Context, tx *sql.Tx, phone string) (readKey, adminKey string, err error) {
	err = tx.QueryRowContext(ctx,
		`SELECT read_key, admin_key FROM creds WHERE phone_number = $1`, phone).
		Scan(&readKey, &adminKey)
	if err == sql.ErrNoRows {
		return "", "", ErrNoLightningWallet
	}
	return readKey, adminKey, err
}

func phoneForEmail(ctx context.Context, tx *sql.Tx, email string) (string, error) {
	var phone string
	err := tx.QueryRowContext(ctx,
		`SELECT phone_number FROM users WHERE email = $1`, email).Scan(&phone)
	if err == sql.ErrNoRows {
		return "", ErrAccountNotFound
	}
	return phone, err
}

// lockBalances takes row locks on both accounts in ascending phone-number
// order so concurrent mutations over the same pair cannot deadlock.
func lockBalances(ctx context.Context, tx *sql.Tx, a, b string) (map[string]decimal.Decimal, error) {
	first, second := a, b
	if second < first {
		first, second = second, first
	}

	out := make(map[string]decimal.Decimal, 2)
	for _, phone := range []string{first, second} {
		balance, err := lockBalance(ctx, tx, phone)
		if err != nil {
			return nil, err
		}
		out[phone] = balance
	}
	return out, nil
}

func lockBalance(ctx context.Context, tx *sql.Tx, phone string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM zarp_balances WHERE phone_number = $1 FOR UPDATE`, phone).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, ErrAccountNotFound
	}
	return balance, err
}

func readBalance(ctx context.Context, tx *sql.Tx, phone string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM zarp_balances WHERE phone_number = $1`, phone).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, ErrAccountNotFound
	}
	return balance, err
}

// claimPayment records an inbound Lightning payment as spent. payment_hash is
// the table's primary key, so a replayed hash fails here no matter which
// device signature authorized the retry.
func claimPayment(ctx context.Context, tx *sql.Tx, paymentHash, phone string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO claimed_payments (payment_hash, phone_number, claimed_at) VALUES ($1, $2, NOW())`,
		paymentHash, phone)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrPaymentClaimed
	}
	return err
}

func adjustBalance(ctx context.Context, tx *sql.Tx, phone string, delta decimal.Decimal) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE zarp_balances SET balance = balance + $1 WHERE phone_number = $2`, delta, phone)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows != 1 {
		return fmt.Errorf("balance update touched %d rows for %s", rows, phone)
	}
	return nil
}

func journal(ctx context.Context, tx *sql.Tx, sender, receiver string, amount decimal.Decimal, txType, reference, senderRef, receiverRef string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO zarp_transactions (sender_phone_number, receiver_phone_number, amount, type, reference, sender_reference, receiver_reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		sender, receiver, amount, txType, reference, senderRef, receiverRef)
	return err
}
