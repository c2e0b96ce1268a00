package services

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/khayapay/backend/internal/models"
	"github.com/khayapay/backend/internal/signing"
	"github.com/khayapay/backend/internal/solana"
)

// BridgeService moves ZARP between the ledger and the Solana chain. The
// outbound path is a saga: simulate, record, broadcast, then debit the
// ledger in the same transaction that consumes the signature and marks the
// broadcast committed. A crash between broadcast and commit leaves a
// BROADCAST row for the sweep to surface; nothing is ever retried blindly.
type BridgeService struct {
	db         *sql.DB
	tokens     *TokenStore
	guard      *ReplayGuard
	chain      *solana.Client
	validation *ValidationHelper
}

func NewBridgeService(db *sql.DB, tokens *TokenStore, guard *ReplayGuard, chain *solana.Client) *BridgeService {
	return &BridgeService{
		db:         db,
		tokens:     tokens,
		guard:      guard,
		chain:      chain,
		validation: NewValidationHelper(),
	}
}

type SendOnchainRequest struct {
	Token       string          `json:"token" validate:"required"`
	Nonce       string          `json:"nonce" validate:"required"`
	Signature   string          `json:"signature" validate:"required"`
	Destination string          `json:"destination" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"required"`
}

// SendOnchain withdraws ZARP to a Solana wallet.
// @Summary Send ZARP on chain
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body SendOnchainRequest true "Onchain send request"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallet/send-onchain [post]
func (b *BridgeService) SendOnchain(w http.ResponseWriter, r *http.Request) {
	var req SendOnchainRequest
	if !b.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	baseUnits, err := toBaseUnits(req.Amount)
	if err != nil {
		SendErrorResponse(w, ErrAmountInvalid.Error(), http.StatusBadRequest, nil)
		return
	}

	destination, err := solana.ParsePublicKey(req.Destination)
	if err != nil {
		SendErrorResponse(w, "Invalid destination address", http.StatusBadRequest, nil)
		return
	}

	// Precheck phase: cheap rejections before any chain traffic. The
	// authoritative checks run again inside the commit transaction.
	session, err := b.tokens.Resolve(ctx, req.Token)
	if err != nil {
		writeGuardError(w, err)
		return
	}
	if !signing.VerifySession(req.Token, req.Nonce, req.Signature, session.X, session.Y) {
		writeGuardError(w, ErrBadSignature)
		return
	}

	var spent int
	err = b.db.QueryRowContext(ctx,
		`SELECT 1 FROM used_signatures WHERE email = $1 AND signature = $2`,
		session.Email, req.Signature).Scan(&spent)
	if err == nil {
		writeGuardError(w, ErrSignatureUsed)
		return
	}
	if err != sql.ErrNoRows {
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	var phone string
	var balance decimal.Decimal
	err = b.db.QueryRowContext(ctx,
		`SELECT u.phone_number, zb.balance FROM users u
		 JOIN zarp_balances zb ON zb.phone_number = u.phone_number
		 WHERE u.email = $1`, session.Email).Scan(&phone, &balance)
	if err != nil {
		SendErrorResponse(w, ErrAccountNotFound.Error(), http.StatusBadRequest, nil)
		return
	}
	if balance.LessThan(req.Amount) {
		SendErrorResponse(w, ErrInsufficientFunds.Error(), http.StatusBadRequest, nil)
		return
	}

	txSig, err := b.sendToChain(ctx, phone, destination, req.Amount, baseUnits, req.Signature)
	if err != nil {
		log.Printf("[BRIDGE] Onchain send aborted for %s: %v", phone, err)
		SendErrorResponse(w, "Onchain transfer failed", http.StatusBadGateway, nil)
		return
	}

	if err := b.commitDebit(ctx, session.Email, phone, req.Amount, req.Signature, txSig); err != nil {
		// The chain transfer happened but the ledger debit did not. The
		// broadcasts row stays in BROADCAST state for the sweep.
		log.Printf("[BRIDGE] CONDITION: broadcast %s not committed for %s: %v", txSig, phone, err)
		SendErrorResponse(w, "Onchain transfer recorded but not settled, contact support", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]string{
		"message":               "onchain_withdrawal_complete",
		"transaction_signature": txSig,
	})
}

// sendToChain builds, simulates and broadcasts the Token-2022 transfer.
// Simulation failure aborts with no state written anywhere.
func (b *BridgeService) sendToChain(ctx context.Context, phone string, destination solana.PublicKey, amount decimal.Decimal, baseUnits uint64, reference string) (string, error) {
	hotKey, err := b.LoadHotWallet(ctx)
	if err != nil {
		return "", err
	}
	hotPub := solana.PublicKeyFromPrivate(hotKey)
	mint := solana.MustPublicKey(solana.ZARPMint)

	sourceATA, err := solana.AssociatedTokenAddress(hotPub, mint)
	if err != nil {
		return "", err
	}
	destATA, err := solana.AssociatedTokenAddress(destination, mint)
	if err != nil {
		return "", err
	}

	var instructions []solana.Instruction
	exists, err := b.chain.AccountExists(ctx, destATA.String())
	if err != nil {
		return "", err
	}
	if !exists {
		instructions = append(instructions,
			solana.NewCreateATAInstruction(hotPub, destATA, destination, mint))
	}
	instructions = append(instructions,
		solana.NewTransferCheckedInstruction(sourceATA, mint, destATA, hotPub, baseUnits, solana.ZARPDecimals))

	blockhash, err := b.chain.GetLatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	encoded, err := solana.BuildTransaction(instructions, blockhash, hotKey)
	if err != nil {
		return "", err
	}

	if err := b.chain.SimulateTransaction(ctx, encoded); err != nil {
		return "", err
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO broadcasts (reference, phone_number, amount, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())`,
		reference, phone, amount, models.BroadcastStateSimulated)
	if err != nil {
		return "", err
	}

	txSig, err := b.chain.SendTransaction(ctx, encoded)
	if err != nil {
		// Never broadcast, safe to drop the saga row.
		b.db.ExecContext(ctx, `DELETE FROM broadcasts WHERE reference = $1`, reference)
		return "", err
	}

	_, err = b.db.ExecContext(ctx,
		`UPDATE broadcasts SET state = $1, updated_at = NOW() WHERE reference = $2`,
		models.BroadcastStateBroadcast, reference)
	if err != nil {
		log.Printf("[BRIDGE] Failed to mark broadcast %s: %v", reference, err)
	}
	return txSig, nil
}

// commitDebit is the atomic unit: authorize, lock, debit, journal, consume,
// mark the broadcast committed, commit.
func (b *BridgeService) commitDebit(ctx context.Context, email, phone string, amount decimal.Decimal, signature, txSig string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	balance, err := lockBalance(ctx, tx, phone)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return fmt.Errorf("balance fell below %s after broadcast: %w", amount.StringFixed(2), ErrInsufficientFunds)
	}

	if err := adjustBalance(ctx, tx, phone, amount.Neg()); err != nil {
		return err
	}
	if err := journal(ctx, tx, phone, models.HousePhoneNumber, amount, models.TxTypeOnchainWithdrawal, txSig, "", ""); err != nil {
		return err
	}
	if err := b.guard.Consume(ctx, tx, email, signature); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE broadcasts SET state = $1, updated_at = NOW() WHERE reference = $2`,
		models.BroadcastStateCommitted, signature)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// DepositAddress returns the caller's Solana deposit address.
// @Summary Fetch the Solana deposit address
// @Tags wallet
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallet/deposit-address [get]
func (b *BridgeService) DepositAddress(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var pubkey string
	err := b.db.QueryRowContext(r.Context(),
		`SELECT sa.pubkey FROM solana_addresses sa
		 JOIN users u ON u.phone_number = sa.phone_number
		 WHERE u.email = $1`, session.Email).Scan(&pubkey)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "No deposit address on file", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]string{"pubkey": pubkey})
}

// staleBroadcastAge is how long a BROADCAST row may sit before the sweep
// reports it.
const staleBroadcastAge = 10 * time.Minute

// Sweep reports broadcasts that never reached COMMITTED. These represent
// value that left the hot wallet without a matching ledger debit and need
// an operator; an automatic retry could double spend.
func (b *BridgeService) Sweep(ctx context.Context) error {
	rows, err := b.db.QueryContext(ctx,
		`SELECT reference, phone_number, amount, created_at FROM broadcasts
		 WHERE state = $1 AND updated_at < NOW() - $2::interval`,
		models.BroadcastStateBroadcast, fmt.Sprintf("%d seconds", int(staleBroadcastAge.Seconds())))
	if err != nil {
		return err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var reference, phone string
		var amount decimal.Decimal
		var createdAt time.Time
		if err := rows.Scan(&reference, &phone, &amount, &createdAt); err != nil {
			return err
		}
		count++
		log.Printf("[BRIDGE] CONDITION: broadcast %s for %s (%s ZARP, created %s) still uncommitted",
			reference, phone, amount.StringFixed(2), createdAt.Format(time.RFC3339))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if count == 0 {
		log.Printf("[BRIDGE] Sweep clean, no stale broadcasts")
	}
	return nil
}

// LoadHotWallet reads the Solana hot wallet signing key. The key is stored
// as a JSON array of 64 bytes, secret scalar first, public key last.
func (b *BridgeService) LoadHotWallet(ctx context.Context) (ed25519.PrivateKey, error) {
	var raw string
	err := b.db.QueryRowContext(ctx,
		`SELECT private_key FROM hotwallet WHERE chain = 'solana'`).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("hot wallet unavailable: %w", err)
	}

	var bytes []int
	if err := json.Unmarshal([]byte(raw), &bytes); err != nil {
		return nil, fmt.Errorf("hot wallet key malformed: %w", err)
	}
	if len(bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("hot wallet key has %d bytes, want %d", len(bytes), ed25519.PrivateKeySize)
	}

	key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	for i, v := range bytes {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("hot wallet key byte out of range")
		}
		key[i] = byte(v)
	}
	return key, nil
}

func toBaseUnits(amount decimal.Decimal) (uint64, error) {
	if !amount.IsPositive() {
		return 0, ErrAmountInvalid
	}
	shifted := amount.Shift(solana.ZARPDecimals)
	if !shifted.IsInteger() {
		return 0, ErrAmountInvalid
	}
	if shifted.Cmp(decimal.NewFromInt(0)) <= 0 || !shifted.BigInt().IsUint64() {
		return 0, ErrAmountInvalid
	}
	return shifted.BigInt().Uint64(), nil
}

func (b *BridgeService) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := b.validation.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
