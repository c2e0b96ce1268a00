package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outbound settlement saga states. The ledger debit happens only after
// BROADCAST; a row stuck in BROADCAST means the chain may hold a transfer the
// ledger never recorded, which the sweep reports rather than retries.
const (
	BroadcastStateSimulated = "SIMULATED"
	BroadcastStateBroadcast = "BROADCAST"
	BroadcastStateCommitted = "COMMITTED"
)

type Broadcast struct {
	Reference   string          `json:"reference" db:"reference"` // authorizing device signature
	PhoneNumber string          `json:"phone_number" db:"phone_number"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	State       string          `json:"state" db:"state"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}
