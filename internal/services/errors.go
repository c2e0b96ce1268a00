package services

import "errors"

// Typed failures shared by the guarded operations. Handlers map these onto
// the HTTP codes each endpoint advertises; everything else surfaces as an
// internal error without leaking driver detail.
var (
	ErrTokenNotFound     = errors.New("token not found")
	ErrTokenExpired      = errors.New("token expired")
	ErrSignatureUsed     = errors.New("signature already used")
	ErrBadSignature      = errors.New("signature verification failed")
	ErrAmountInvalid     = errors.New("amount must be greater than zero")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrReceiverNotFound  = errors.New("receiver not found")
	ErrAccountNotFound   = errors.New("account not found")
	ErrPriceOutOfBand    = errors.New("price is not within 10% of current market price")
	ErrNoLightningWallet = errors.New("no lightning wallet on file")
	ErrPaymentClaimed    = errors.New("payment already claimed")
	ErrChallengeNotFound = errors.New("signature not found")
	ErrChallengeUsed     = errors.New("signature has already been used")
)
