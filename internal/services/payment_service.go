package services

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/khayapay/backend/internal/models"
	"github.com/khayapay/backend/internal/notify"
	"github.com/khayapay/backend/internal/oracle"
	"github.com/khayapay/backend/internal/paynet"
)

// PaymentService is the HTTP surface over the ledger: transfer, withdraw,
// swap, balance and history. Each request carries the guarded-operation
// triple and the ledger decides whether it goes through.
type PaymentService struct {
	ledger     *LedgerService
	paynet     *paynet.Client
	oracle     *oracle.Client
	mailer     *notify.Mailer
	validation *ValidationHelper
}

func NewPaymentService(ledger *LedgerService, paynetClient *paynet.Client, oracleClient *oracle.Client, mailer *notify.Mailer) *PaymentService {
	return &PaymentService{
		ledger:     ledger,
		paynet:     paynetClient,
		oracle:     oracleClient,
		mailer:     mailer,
		validation: NewValidationHelper(),
	}
}

type TransferRequest struct {
	Token             string          `json:"token" validate:"required"`
	Nonce             string          `json:"nonce" validate:"required"`
	Signature         string          `json:"signature" validate:"required"`
	ReceiverPhone     string          `json:"receiver_phone_number" validate:"required,e164|numeric"`
	Amount            decimal.Decimal `json:"amount" validate:"required"`
	SenderReference   string          `json:"sender_reference" validate:"max=140"`
	ReceiverReference string          `json:"receiver_reference" validate:"max=140"`
}

type WithdrawRequest struct {
	Token         string          `json:"token" validate:"required"`
	Nonce         string          `json:"nonce" validate:"required"`
	Signature     string          `json:"signature" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	Country       string          `json:"country" validate:"required"`
	BankName      string          `json:"bank_name" validate:"required"`
	AccountNumber string          `json:"account_number" validate:"required"`
}

type SwapRequest struct {
	Token       string          `json:"token" validate:"required"`
	Nonce       string          `json:"nonce" validate:"required"`
	Signature   string          `json:"signature" validate:"required"`
	Direction   string          `json:"direction" validate:"required,oneof=zarp_to_btc btc_to_zarp"`
	AmountZAR   decimal.Decimal `json:"amount_zar" validate:"required"`
	AmountSats  int64           `json:"amount_sats" validate:"required,gt=0"`
	Price       float64         `json:"price" validate:"required,gt=0"`
	Lnurl       string          `json:"lnurl"`
	PaymentHash string          `json:"payment_hash"`
}

type GuardedRequest struct {
	Token     string `json:"token" validate:"required"`
	Nonce     string `json:"nonce" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

type HistoryRequest struct {
	Token     string `json:"token" validate:"required"`
	Nonce     string `json:"nonce" validate:"required"`
	Signature string `json:"signature" validate:"required"`
	Limit     int    `json:"limit"`
}

// Transfer moves ZARP between wallet accounts.
// @Summary Transfer ZARP to another wallet
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body TransferRequest true "Transfer request"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Router /wallet/transfer [post]
func (p *PaymentService) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !p.decode(w, r, &req) {
		return
	}

	ref, err := p.ledger.Transfer(r.Context(), req.Token, req.Nonce, req.Signature,
		req.ReceiverPhone, req.Amount, req.SenderReference, req.ReceiverReference)
	if err != nil {
		// Transfers report every rejection the same way so callers cannot
		// probe which accounts exist or which tokens are live.
		if isDomainError(err) {
			SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		} else {
			log.Printf("[WALLET] Transfer failed: %v", err)
			SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		}
		return
	}

	SendJSON(w, http.StatusOK, map[string]string{
		"message":   "payment_complete",
		"reference": ref,
	})
}

// Withdraw debits the caller and records a bank withdrawal for payout.
// @Summary Withdraw ZARP to a bank account
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body WithdrawRequest true "Withdrawal request"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /wallet/withdraw [post]
func (p *PaymentService) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !p.decode(w, r, &req) {
		return
	}

	request, email, err := p.ledger.Withdraw(r.Context(), req.Token, req.Nonce, req.Signature,
		req.Amount, req.Country, req.BankName, req.AccountNumber)
	if err != nil {
		p.writeLedgerError(w, "Withdraw", err)
		return
	}

	// The ledger row is committed; mail is advisory only.
	if err := p.mailer.SendWithdrawalAlert(email, request.PhoneNumber, request.Amount,
		request.Country, request.BankName, request.AccountNumber, request.Reference); err != nil {
		log.Printf("[WALLET] Withdrawal alert email failed for %s: %v", request.Reference, err)
	}

	SendJSON(w, http.StatusOK, map[string]string{
		"message":   "withdrawal_complete",
		"reference": request.Reference,
	})
}

// Swap exchanges ZARP against Lightning BTC.
// @Summary Swap between ZARP and Lightning BTC
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body SwapRequest true "Swap request"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallet/swap [post]
func (p *PaymentService) Swap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if !p.decode(w, r, &req) {
		return
	}

	ref, err := p.ledger.Swap(r.Context(), req.Token, req.Nonce, req.Signature, SwapParams{
		Direction:   req.Direction,
		AmountZAR:   req.AmountZAR,
		AmountSats:  req.AmountSats,
		Price:       req.Price,
		Lnurl:       req.Lnurl,
		PaymentHash: req.PaymentHash,
	})
	if err != nil {
		p.writeLedgerError(w, "Swap", err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]string{
		"message":   "swap_complete",
		"reference": ref,
	})
}

type balanceResponse struct {
	PhoneNumber string `json:"phone_number"`
	ZarpBalance string `json:"zarp_balance"`
	SatsBalance *int64 `json:"sats_balance,omitempty"`
	SatsZar     string `json:"sats_zar_value,omitempty"`
}

// Balance returns the caller's ZARP balance, plus the Lightning balance and
// its ZAR valuation when the provider and the price oracle are reachable.
// Both side channels degrade silently to a ledger-only response.
// @Summary Balance enquiry
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body GuardedRequest true "Balance request"
// @Success 200 {object} balanceResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /wallet/balance [post]
func (p *PaymentService) Balance(w http.ResponseWriter, r *http.Request) {
	var req GuardedRequest
	if !p.decode(w, r, &req) {
		return
	}

	balance, phone, err := p.ledger.Balance(r.Context(), req.Token, req.Nonce, req.Signature)
	if err != nil {
		p.writeLedgerError(w, "Balance", err)
		return
	}

	resp := balanceResponse{
		PhoneNumber: phone,
		ZarpBalance: balance.StringFixed(2),
	}

	if readKey, _, err := p.ledger.LightningKeys(r.Context(), phone); err == nil {
		if sats, err := p.paynet.WithKey(readKey).WalletBalance(r.Context()); err == nil {
			resp.SatsBalance = &sats
			if spot, err := p.oracle.SpotPrice(r.Context()); err == nil {
				zar := decimal.NewFromInt(sats).
					Mul(decimal.NewFromFloat(spot)).
					Div(decimal.NewFromInt(100_000_000))
				resp.SatsZar = zar.StringFixed(2)
			}
		} else {
			log.Printf("[WALLET] Lightning balance unavailable: %v", err)
		}
	}

	SendJSON(w, http.StatusOK, resp)
}

// History returns the caller's journal rows.
// @Summary Transaction history
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body HistoryRequest true "History request"
// @Success 200 {array} models.LedgerTransaction
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /wallet/history [post]
func (p *PaymentService) History(w http.ResponseWriter, r *http.Request) {
	var req HistoryRequest
	if !p.decode(w, r, &req) {
		return
	}

	history, err := p.ledger.History(r.Context(), req.Token, req.Nonce, req.Signature, req.Limit)
	if err != nil {
		p.writeLedgerError(w, "History", err)
		return
	}
	if history == nil {
		history = []models.LedgerTransaction{}
	}
	SendJSON(w, http.StatusOK, history)
}

func (p *PaymentService) writeLedgerError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrTokenNotFound):
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrBadSignature):
		SendErrorResponse(w, err.Error(), http.StatusUnauthorized, nil)
	case isDomainError(err):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, paynet.ErrPaymentFailed):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	default:
		log.Printf("[WALLET] %s failed: %v", op, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
	}
}

func isDomainError(err error) bool {
	for _, domain := range []error{
		ErrTokenNotFound, ErrTokenExpired, ErrSignatureUsed, ErrBadSignature,
		ErrAmountInvalid, ErrInsufficientFunds, ErrReceiverNotFound,
		ErrAccountNotFound, ErrPriceOutOfBand, ErrNoLightningWallet,
		ErrPaymentClaimed, paynet.ErrPaymentFailed,
	} {
		if errors.Is(err, domain) {
			return true
		}
	}
	return false
}

func (p *PaymentService) decode(w http.ResponseWriter, r *http.Request, req any) bool {
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
	if err := p.validation.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
