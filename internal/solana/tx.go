package solana

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

type AccountMeta struct {
	PubKey     PublicKey
	IsSigner   bool
	IsWritable bool
}

type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// transferCheckedOpcode is the SPL token TransferChecked instruction tag,
// shared by Token-2022.
const transferCheckedOpcode = 12

// NewTransferCheckedInstruction moves amount base units of mint from source
// to destination, authorized by owner.
func NewTransferCheckedInstruction(source, mint, destination, owner PublicKey, amount uint64, decimals uint8) Instruction {
	data := make([]byte, 10)
	data[0] = transferCheckedOpcode
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals

	return Instruction{
		ProgramID: MustPublicKey(Token2022Program),
		Accounts: []AccountMeta{
			{PubKey: source, IsWritable: true},
			{PubKey: mint},
			{PubKey: destination, IsWritable: true},
			{PubKey: owner, IsSigner: true},
		},
		Data: data,
	}
}

// NewCreateATAInstruction creates owner's associated token account for mint,
// funded by payer.
func NewCreateATAInstruction(payer, ata, owner, mint PublicKey) Instruction {
	return Instruction{
		ProgramID: MustPublicKey(ATAProgram),
		Accounts: []AccountMeta{
			{PubKey: payer, IsSigner: true, IsWritable: true},
			{PubKey: ata, IsWritable: true},
			{PubKey: owner},
			{PubKey: mint},
			{PubKey: MustPublicKey(SystemProgram)},
			{PubKey: MustPublicKey(Token2022Program)},
			{PubKey: MustPublicKey(SysvarRent)},
		},
		Data: nil,
	}
}

// BuildTransaction assembles and signs a legacy transaction with a single
// fee-paying signer and returns it base64 encoded for sendTransaction.
func BuildTransaction(instructions []Instruction, recentBlockhash string, signer ed25519.PrivateKey) (string, error) {
	feePayer := PublicKeyFromPrivate(signer)

	blockhash, err := ParsePublicKey(recentBlockhash)
	if err != nil {
		return "", fmt.Errorf("invalid blockhash: %w", err)
	}

	// Account table: fee payer first, then every other key in first
	// encounter order, program ids included.
	keys := []PublicKey{feePayer}
	index := map[PublicKey]uint8{feePayer: 0}
	addKey := func(pk PublicKey) {
		if _, ok := index[pk]; ok {
			return
		}
		index[pk] = uint8(len(keys))
		keys = append(keys, pk)
	}
	for _, ix := range instructions {
		for _, acc := range ix.Accounts {
			addKey(acc.PubKey)
		}
		addKey(ix.ProgramID)
	}

	var msg []byte
	// Header: one required signature, no readonly signed, no readonly
	// unsigned accounts.
	msg = append(msg, 1, 0, 0)
	msg = append(msg, shortvec(len(keys))...)
	for _, k := range keys {
		msg = append(msg, k[:]...)
	}
	msg = append(msg, blockhash[:]...)

	msg = append(msg, shortvec(len(instructions))...)
	for _, ix := range instructions {
		msg = append(msg, index[ix.ProgramID])
		msg = append(msg, shortvec(len(ix.Accounts))...)
		for _, acc := range ix.Accounts {
			msg = append(msg, index[acc.PubKey])
		}
		msg = append(msg, shortvec(len(ix.Data))...)
		msg = append(msg, ix.Data...)
	}

	signature := ed25519.Sign(signer, msg)

	var tx []byte
	tx = append(tx, shortvec(1)...)
	tx = append(tx, signature...)
	tx = append(tx, msg...)
	return base64.StdEncoding.EncodeToString(tx), nil
}

// shortvec encodes a length in the compact-u16 format transactions use.
func shortvec(n int) []byte {
	var out []byte
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			out = append(out, b)
			return out
		}
		out = append(out, b|0x80)
	}
}
