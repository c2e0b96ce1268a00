package solana

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePublicKeyRoundTrip(t *testing.T) {
	pk, err := ParsePublicKey(ZARPMint)
	require.NoError(t, err)
	assert.Equal(t, ZARPMint, pk.String())
}

func TestParsePublicKeyRejectsBadInput(t *testing.T) {
	_, err := ParsePublicKey("")
	assert.Error(t, err)
	_, err = ParsePublicKey("tooShort")
	assert.Error(t, err)
	_, err = ParsePublicKey("0OIl") // not base58
	assert.Error(t, err)
}

func TestFindProgramAddressDeterministic(t *testing.T) {
	program := MustPublicKey(ATAProgram)
	seeds := [][]byte{[]byte("seed-a"), []byte("seed-b")}

	pk1, bump1, err := FindProgramAddress(seeds, program)
	require.NoError(t, err)
	pk2, bump2, err := FindProgramAddress(seeds, program)
	require.NoError(t, err)

	assert.Equal(t, pk1, pk2)
	assert.Equal(t, bump1, bump2)
	assert.False(t, isOnCurve(pk1[:]))
}

func TestAssociatedTokenAddressDiffersPerOwner(t *testing.T) {
	mint := MustPublicKey(ZARPMint)
	ownerA := MustPublicKey(SystemProgram)
	ownerB := MustPublicKey(SysvarRent)

	ataA, err := AssociatedTokenAddress(ownerA, mint)
	require.NoError(t, err)
	ataB, err := AssociatedTokenAddress(ownerB, mint)
	require.NoError(t, err)

	assert.NotEqual(t, ataA, ataB)
	assert.False(t, isOnCurve(ataA[:]))
}
