package models

import "time"

type User struct {
	Email       string    `json:"email" example:"user@example.com"` // User email, identity key
	PhoneNumber string    `json:"phone_number" example:"27821234567"`
	FirstName   string    `json:"first_name" example:"Thandi"`
	LastName    string    `json:"last_name" example:"Mokoena"`
	Password    string    `json:"-"` // argon2id hash, never serialized
	CreatedAt   time.Time `json:"created_at"`
}

// Session is one issued bearer token together with the device public key
// it was bound to at login. Rows are immutable; a new login mints a new row.
type Session struct {
	Token      string `json:"token"`
	Email      string `json:"email"`
	Expiry     int64  `json:"expiry"` // unix seconds
	SerialHash string `json:"serial"` // sha256 hex of the device serial
	X          string `json:"x"`      // base64 32-byte big-endian coordinate
	Y          string `json:"y"`
}

// LoginChallenge is a server-signed one-time authorization minted after the
// password step and consumed exactly once by /auth/login.
type LoginChallenge struct {
	Email     string `json:"email"`
	Signature string `json:"signature"`
	Nonce     string `json:"nonce"`
	Used      bool   `json:"used"`
}
