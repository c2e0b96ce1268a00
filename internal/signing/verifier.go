// Package signing implements the device-signature scheme used by every
// privileged wallet operation: ECDSA over NIST P-256, SHA-256 digests,
// signatures exchanged as base64 of the raw 64-byte r||s concatenation, and
// public keys exchanged as two base64 32-byte big-endian coordinates.
package signing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
)

const coordinateSize = 32

// VerifySession reports whether signature authorizes the message
// "token:nonce" under the device key (x, y). Any decoding or parsing failure
// is indistinguishable from a bad signature: the result is simply false.
func VerifySession(token, nonce, signature, x, y string) bool {
	digest := sha256.Sum256([]byte(token + ":" + nonce))
	return verifyDigest(digest[:], signature, x, y)
}

// VerifyChallenge reports whether signature covers the login nonce under the
// server login key (x, y).
func VerifyChallenge(nonce, signature, x, y string) bool {
	digest := sha256.Sum256([]byte(nonce))
	return verifyDigest(digest[:], signature, x, y)
}

func verifyDigest(digest []byte, signature, x, y string) bool {
	pub, ok := parsePublicKey(x, y)
	if !ok {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != 2*coordinateSize {
		return false
	}

	r := new(big.Int).SetBytes(sig[:coordinateSize])
	s := new(big.Int).SetBytes(sig[coordinateSize:])
	return ecdsa.Verify(pub, digest, r, s)
}

func parsePublicKey(x, y string) (*ecdsa.PublicKey, bool) {
	xBytes, err := base64.StdEncoding.DecodeString(x)
	if err != nil || len(xBytes) != coordinateSize {
		return nil, false
	}
	yBytes, err := base64.StdEncoding.DecodeString(y)
	if err != nil || len(yBytes) != coordinateSize {
		return nil, false
	}

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, false
	}
	return pub, true
}

// SignChallenge signs the login nonce with the server login key, supplied as
// a base64 32-byte P-256 scalar. The returned signature uses the same raw
// r||s wire format the clients produce.
func SignChallenge(privateKey, nonce string) (string, error) {
	dBytes, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return "", err
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(dBytes)
	priv := &ecdsa.PrivateKey{D: d}
	priv.Curve = curve
	priv.X, priv.Y = curve.ScalarBaseMult(dBytes)

	digest := sha256.Sum256([]byte(nonce))
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encodeRawSignature(r, s)), nil
}

func encodeRawSignature(r, s *big.Int) []byte {
	sig := make([]byte, 2*coordinateSize)
	r.FillBytes(sig[:coordinateSize])
	s.FillBytes(sig[coordinateSize:])
	return sig
}

// EncodePublicKey renders a public key in the coordinate wire format. Used by
// tests and key provisioning tooling.
func EncodePublicKey(pub *ecdsa.PublicKey) (x, y string) {
	xb := make([]byte, coordinateSize)
	yb := make([]byte, coordinateSize)
	pub.X.FillBytes(xb)
	pub.Y.FillBytes(yb)
	return base64.StdEncoding.EncodeToString(xb), base64.StdEncoding.EncodeToString(yb)
}
