package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Journal entry types.
const (
	TxTypeTransfer          = "transfer"
	TxTypeWithdrawal        = "withdrawal"
	TxTypeSwap              = "swap"
	TxTypeOnchainDeposit    = "onchain_deposit"
	TxTypeOnchainWithdrawal = "onchain_withdrawal"
)

// HousePhoneNumber is the counterparty recorded on journal rows whose other
// leg lives outside the ledger (withdrawals, swaps, on-chain legs).
const HousePhoneNumber = "27000000000"

type LedgerAccount struct {
	PhoneNumber string          `json:"phone_number" db:"phone_number"`
	Balance     decimal.Decimal `json:"balance" db:"balance"`
}

// LedgerTransaction is one immutable journal row. Reference carries the
// authorizing signature for internal operations and the chain transaction id
// for on-chain legs; it is the idempotency key either way.
type LedgerTransaction struct {
	ID                int             `json:"id" db:"id"`
	SenderPhone       string          `json:"sender_phone_number" db:"sender_phone_number"`
	ReceiverPhone     string          `json:"receiver_phone_number" db:"receiver_phone_number"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Type              string          `json:"type" db:"type"`
	Reference         string          `json:"reference" db:"reference"`
	SenderReference   string          `json:"sender_reference,omitempty" db:"sender_reference"`
	ReceiverReference string          `json:"receiver_reference,omitempty" db:"receiver_reference"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

type WithdrawalRequest struct {
	ID            int             `json:"id" db:"id"`
	PhoneNumber   string          `json:"phone_number" db:"phone_number"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Country       string          `json:"country" db:"country"`
	BankName      string          `json:"bank_name" db:"bank_name"`
	AccountNumber string          `json:"account_number" db:"account_number"`
	Reference     string          `json:"reference" db:"reference"`
	Completed     bool            `json:"completed" db:"completed"`
}

type OnchainDeposit struct {
	ID            int             `json:"id" db:"id"`
	PhoneNumber   string          `json:"phone_number" db:"phone_number"`
	Pubkey        string          `json:"pubkey" db:"pubkey"`
	TransactionID string          `json:"transaction_id" db:"transaction_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
}
