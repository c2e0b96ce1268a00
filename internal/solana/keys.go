// Package solana speaks enough of the Solana wire protocol to move a
// Token-2022 asset: JSON-RPC calls, program-derived addresses, and legacy
// transaction assembly signed with ed25519.
package solana

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcutil/base58"
)

// Well-known program and asset addresses.
const (
	SystemProgram    = "11111111111111111111111111111111"
	Token2022Program = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
	ATAProgram       = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
	SysvarRent       = "SysvarRent111111111111111111111111111111111"

	ZARPMint = "8v8aBHR7EXFZDwaqaRjAStEcmCj6VZi5iGq1YDtyTok6"

	// ZARPDecimals is the on-chain decimal count of the ZARP mint: one
	// token is 10^6 base units.
	ZARPDecimals = 6
)

type PublicKey [32]byte

func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	decoded := base58.Decode(s)
	if len(decoded) != 32 {
		return pk, fmt.Errorf("invalid public key %q", s)
	}
	copy(pk[:], decoded)
	return pk, nil
}

// MustPublicKey parses a compile-time-known address; it panics on bad input
// and is only used for the package constants above.
func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

// isOnCurve reports whether the bytes decode to a valid edwards25519 point.
// Program-derived addresses must not be on the curve, so no private key can
// ever exist for them.
func isOnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

var errNoViableBump = errors.New("no viable program address bump")

// FindProgramAddress derives the PDA for seeds under programID, searching
// bump seeds from 255 downward for the first off-curve result.
func FindProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, seed := range seeds {
			h.Write(seed)
		}
		h.Write([]byte{uint8(bump)})
		h.Write(programID[:])
		h.Write([]byte("ProgramDerivedAddress"))

		candidate := h.Sum(nil)
		if !isOnCurve(candidate) {
			var pk PublicKey
			copy(pk[:], candidate)
			return pk, uint8(bump), nil
		}
	}
	return PublicKey{}, 0, errNoViableBump
}

// AssociatedTokenAddress derives the owner's token account for mint under
// the Token-2022 program.
func AssociatedTokenAddress(owner, mint PublicKey) (PublicKey, error) {
	tokenProgram := MustPublicKey(Token2022Program)
	ataProgram := MustPublicKey(ATAProgram)

	pk, _, err := FindProgramAddress(
		[][]byte{owner[:], tokenProgram[:], mint[:]},
		ataProgram)
	return pk, err
}

// PublicKeyFromPrivate returns the signing key's public half.
func PublicKeyFromPrivate(priv ed25519.PrivateKey) PublicKey {
	var pk PublicKey
	copy(pk[:], priv.Public().(ed25519.PublicKey))
	return pk
}
