// Package reconciler scans the chain for inbound ZARP deposits and credits
// them to the ledger. Scans are idempotent: a deposit is keyed by its chain
// transaction signature, so re-scanning the same range is harmless.
package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"github.com/khayapay/backend/internal/models"
	"github.com/khayapay/backend/internal/solana"
)

const defaultPageLimit = 50

type Reconciler struct {
	db        *sql.DB
	chain     *solana.Client
	pageLimit int
}

func New(db *sql.DB, chain *solana.Client) *Reconciler {
	return &Reconciler{db: db, chain: chain, pageLimit: defaultPageLimit}
}

// Run scans every registered deposit address once. Each address keeps its
// own watermark in scan_watermarks; the watermark only advances past the
// prefix of signatures that fully processed, so a transient failure on one
// transaction is retried on the next run without blocking newer deposits.
func (r *Reconciler) Run(ctx context.Context) error {
	addresses, err := r.depositAddresses(ctx)
	if err != nil {
		return fmt.Errorf("loading deposit addresses: %w", err)
	}

	var firstErr error
	for pubkey, phone := range addresses {
		if err := r.scanAddress(ctx, pubkey, phone); err != nil {
			log.Printf("[RECON] Scan failed for %s: %v", pubkey, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Reconciler) depositAddresses(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT pubkey, phone_number FROM solana_addresses`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var pubkey, phone string
		if err := rows.Scan(&pubkey, &phone); err != nil {
			return nil, err
		}
		out[pubkey] = phone
	}
	return out, rows.Err()
}

func (r *Reconciler) scanAddress(ctx context.Context, pubkey, phone string) error {
	var watermark string
	err := r.db.QueryRowContext(ctx,
		`SELECT last_signature FROM scan_watermarks WHERE scope = $1`, pubkey).Scan(&watermark)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	// Page downward from the head until the listing reaches the watermark.
	// A full page means older signatures remain above it; the next page
	// starts below the oldest signature seen so far. Without this, a burst
	// larger than one page would advance the watermark past deposits the
	// node never returned.
	var sigs []solana.SignatureInfo
	before := ""
	for {
		page, err := r.chain.GetSignaturesForAddress(ctx, pubkey, r.pageLimit, before, watermark)
		if err != nil {
			return err
		}
		sigs = append(sigs, page...)
		if len(page) < r.pageLimit {
			break
		}
		before = page[len(page)-1].Signature
	}
	if len(sigs) == 0 {
		return nil
	}

	// The node returns newest first; process oldest first so the watermark
	// advances in chain order.
	credited := 0
	prefixClean := true
	newWatermark := ""
	for i := len(sigs) - 1; i >= 0; i-- {
		sig := sigs[i]
		ok, wasDeposit := r.processSignature(ctx, sig, pubkey, phone)
		if ok && wasDeposit {
			credited++
		}
		if ok && prefixClean {
			newWatermark = sig.Signature
		} else {
			prefixClean = false
		}
	}

	if newWatermark != "" {
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO scan_watermarks (scope, last_signature, updated_at) VALUES ($1, $2, NOW())
			 ON CONFLICT (scope) DO UPDATE SET last_signature = EXCLUDED.last_signature, updated_at = NOW()`,
			pubkey, newWatermark)
		if err != nil {
			return err
		}
	}
	if credited > 0 {
		log.Printf("[RECON] Credited %d deposit(s) for %s", credited, phone)
	}
	return nil
}

// processSignature inspects one chain transaction and credits it when it is
// an unrecorded ZARP deposit. The first return value reports whether the
// signature was fully dealt with; false means it should be seen again.
func (r *Reconciler) processSignature(ctx context.Context, sig solana.SignatureInfo, pubkey, phone string) (processed, wasDeposit bool) {
	if sig.Err != nil {
		return true, false
	}

	var recorded bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM zarp_deposits WHERE transaction_id = $1)`,
		sig.Signature).Scan(&recorded)
	if err != nil {
		return false, false
	}
	if recorded {
		return true, false
	}

	tx, err := r.chain.GetTransaction(ctx, sig.Signature)
	if err != nil {
		return false, false
	}
	if tx == nil || tx.Failed() {
		return true, false
	}

	amount := extractDeposit(tx, pubkey)
	if !amount.IsPositive() {
		return true, false
	}

	if err := r.credit(ctx, phone, pubkey, sig.Signature, amount); err != nil {
		log.Printf("[RECON] Credit failed for %s (%s): %v", phone, sig.Signature, err)
		return false, false
	}
	log.Printf("[RECON] Deposit %s ZARP to %s (%s)", amount.StringFixed(2), phone, sig.Signature)
	return true, true
}

// extractDeposit computes the ZARP amount deposited to the owner in tx. The
// parsed transferChecked instructions are preferred; when a transfer did not
// parse (an exotic wrapper program, say) the pre/post token balance delta on
// the owner's account is used instead.
func extractDeposit(tx *solana.TransactionResult, owner string) decimal.Decimal {
	if tx.Meta == nil {
		return decimal.Zero
	}

	// Locate the owner's ZARP token account and its balance delta.
	var ataAddress string
	delta := decimal.Zero
	for _, post := range tx.Meta.PostTokenBalances {
		if post.Owner != owner || post.Mint != solana.ZARPMint {
			continue
		}
		if idx := post.AccountIndex; idx < len(tx.Transaction.Message.AccountKeys) {
			ataAddress = tx.Transaction.Message.AccountKeys[idx].Pubkey
		}
		postAmount := baseUnitsToDecimal(post.UITokenAmount.Amount)
		preAmount := decimal.Zero
		for _, pre := range tx.Meta.PreTokenBalances {
			if pre.AccountIndex == post.AccountIndex {
				preAmount = baseUnitsToDecimal(pre.UITokenAmount.Amount)
				break
			}
		}
		delta = postAmount.Sub(preAmount)
		break
	}
	if ataAddress == "" {
		return decimal.Zero
	}

	parsed := decimal.Zero
	for _, ix := range tx.AllInstructions() {
		if ix.Parsed == nil {
			continue
		}
		if ix.Parsed.Type != "transferChecked" && ix.Parsed.Type != "transfer" {
			continue
		}
		info := ix.Parsed.Info
		if info.Destination != ataAddress {
			continue
		}
		if info.Mint != "" && info.Mint != solana.ZARPMint {
			continue
		}
		parsed = parsed.Add(baseUnitsToDecimal(info.TokenAmount.Amount))
	}

	if parsed.IsPositive() {
		return parsed
	}
	return delta
}

func baseUnitsToDecimal(amount string) decimal.Decimal {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero
	}
	return d.Shift(-solana.ZARPDecimals)
}

// credit records the deposit and funds the account in one transaction. The
// unique transaction_id settles races between overlapping scans.
func (r *Reconciler) credit(ctx context.Context, phone, pubkey, txSig string, amount decimal.Decimal) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO zarp_deposits (phone_number, pubkey, transaction_id, amount, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (transaction_id) DO NOTHING`,
		phone, pubkey, txSig, amount)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows == 0 {
		// Another scan got here first.
		return nil
	}

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM zarp_balances WHERE phone_number = $1 FOR UPDATE`, phone).Scan(&balance)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE zarp_balances SET balance = balance + $1 WHERE phone_number = $2`, amount, phone)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO zarp_transactions (sender_phone_number, receiver_phone_number, amount, type, reference, sender_reference, receiver_reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, '', '', NOW())`,
		models.HousePhoneNumber, phone, amount, models.TxTypeOnchainDeposit, txSig)
	if err != nil {
		return err
	}

	return tx.Commit()
}
