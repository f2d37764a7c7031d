/*
   Copyright 2021 Erigon contributors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package types

import (
	"encoding/hex"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDecodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// The signed transaction from the EIP-155 specification: nonce 9,
// gasPrice 20 gwei, gas 21000, value 1 ether, chainId 1, signed with the
// private key 0x4646...46.
const eip155Txn = "f86c098504a817c800825208943535353535353535353535353535353535353535880de0b6b3a76400008025a028ef61340bd939bc2195fe537567866003e1a15d3c71ff63e1590620aa636276a067cbe9d8997f761aecb703304b3800ccf555c9f3dc64214b297fb1966a3b6d83"

func TestParseEIP155Transaction(t *testing.T) {
	require := require.New(t)
	payload := mustDecodeHex(t, eip155Txn)

	parseCtx := NewTxnParseContext(*uint256.NewInt(1))
	slot := &TxnSlot{}
	sender := make([]byte, AddressLength)

	p, err := parseCtx.ParseTransaction(payload, 0, slot, sender, false /* hasEnvelope */, false /* wrappedWithBlobs */, nil)
	require.NoError(err)
	require.Equal(len(payload), p)

	require.Equal(byte(LegacyTxnType), slot.Type)
	require.Equal(uint64(9), slot.Nonce)
	require.Equal(uint64(21000), slot.Gas)
	require.Equal(uint64(20_000_000_000), slot.Tip.Uint64())
	require.Equal(slot.Tip, slot.FeeCap) // legacy gasPrice serves as both
	require.Equal(uint64(1), slot.ChainID.Uint64())
	require.False(slot.Creation)
	require.Equal(0, slot.DataLen)
	require.Equal("1000000000000000000", slot.Value.Dec())

	require.Equal(
		"33469b22e9f636356c4160a87eb19df52b7412e8eac32a4a55ffe88ea8350788",
		hex.EncodeToString(slot.IDHash[:]))
	// signing hash published in the EIP-155 document
	require.Equal(
		"daf5a779ae972f972197303d7b574746c7ef83eadac0f2791ad23db92e4c8e53",
		hex.EncodeToString(parseCtx.Sighash[:]))
	require.Equal(
		"9d8a62f656a8d1615c1294fd71e9cfb3e4855a4f",
		hex.EncodeToString(sender))

	require.Equal(payload, slot.Rlp)
	require.Equal(uint32(len(payload)), slot.Size)
}

func TestParseChainIDMismatch(t *testing.T) {
	require := require.New(t)
	payload := mustDecodeHex(t, eip155Txn)

	parseCtx := NewTxnParseContext(*uint256.NewInt(5))
	slot := &TxnSlot{}
	sender := make([]byte, AddressLength)

	_, err := parseCtx.ParseTransaction(payload, 0, slot, sender, false, false, nil)
	require.Error(err)
	require.ErrorContains(err, ErrChainIDMismatch.Error())
}

func TestParseWithoutSender(t *testing.T) {
	require := require.New(t)
	payload := mustDecodeHex(t, eip155Txn)

	parseCtx := NewTxnParseContext(*uint256.NewInt(1))
	parseCtx.WithSender(false)
	slot := &TxnSlot{}

	_, err := parseCtx.ParseTransaction(payload, 0, slot, nil, false, false, nil)
	require.NoError(err)
	require.Equal(uint64(9), slot.Nonce)
}

func TestParseErrors(t *testing.T) {
	parseCtx := NewTxnParseContext(*uint256.NewInt(1))
	slot := &TxnSlot{}
	sender := make([]byte, AddressLength)

	cases := []struct {
		name    string
		payload []byte
	}{
		{"empty", []byte{}},
		{"truncated body", []byte{0xc1, 0x80}},
		{"string instead of list", []byte{0x83, 1, 2, 3}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := parseCtx.ParseTransaction(c.payload, 0, slot, sender, false, false, nil)
			assert.Error(t, err)
			assert.ErrorIs(t, err, ErrParseTxn)
		})
	}
}

func TestParseHashValidation(t *testing.T) {
	require := require.New(t)
	payload := mustDecodeHex(t, eip155Txn)

	parseCtx := NewTxnParseContext(*uint256.NewInt(1))
	slot := &TxnSlot{}
	sender := make([]byte, AddressLength)

	_, err := parseCtx.ParseTransaction(payload, 0, slot, sender, false, false, func(hash []byte) error {
		return assert.AnError
	})
	require.ErrorIs(err, assert.AnError)
}

func encUint(v uint64) []byte {
	if v == 0 {
		return []byte{0x80}
	}
	if v < 128 {
		return []byte{byte(v)}
	}
	var be []byte
	for x := v; x > 0; x >>= 8 {
		be = append([]byte{byte(x)}, be...)
	}
	return append([]byte{0x80 + byte(len(be))}, be...)
}

func encString(b []byte) []byte {
	if len(b) == 1 && b[0] < 128 {
		return b
	}
	if len(b) < 56 {
		return append([]byte{0x80 + byte(len(b))}, b...)
	}
	var be []byte
	for x := len(b); x > 0; x >>= 8 {
		be = append([]byte{byte(x)}, be...)
	}
	out := append([]byte{0xb7 + byte(len(be))}, be...)
	return append(out, b...)
}

func encList(items ...[]byte) []byte {
	var content []byte
	for _, item := range items {
		content = append(content, item...)
	}
	if len(content) < 56 {
		return append([]byte{0xc0 + byte(len(content))}, content...)
	}
	var be []byte
	for x := len(content); x > 0; x >>= 8 {
		be = append([]byte{byte(x)}, be...)
	}
	out := append([]byte{0xf7 + byte(len(be))}, be...)
	return append(out, content...)
}

func TestParseWrappedBlobTxn(t *testing.T) {
	require := require.New(t)

	to := make([]byte, 20)
	to[19] = 0x01
	blobHash := make([]byte, 32)
	blobHash[0] = 0x01

	body := encList(
		encUint(1),     // chainId
		encUint(0),     // nonce
		encUint(1),     // tip
		encUint(2),     // feeCap
		encUint(21000), // gas
		encString(to),
		encUint(0),     // value
		encString(nil), // data
		encList(),      // access list
		encUint(1),     // blobFeeCap
		encList(encString(blobHash)),
		encUint(0), // yParity
		encUint(1), // r
		encUint(1), // s
	)
	canonical := append([]byte{BlobTxnType}, body...)

	blob := make([]byte, BlobSize)
	commitment := make([]byte, KZGCommitmentSize)
	proof := make([]byte, KZGProofSize)
	network := append([]byte{BlobTxnType}, encList(
		body,
		encList(encString(blob)),
		encList(encString(commitment)),
		encList(encString(proof)),
	)...)

	parseCtx := NewTxnParseContext(*uint256.NewInt(1))
	parseCtx.WithSender(false)

	bare := &TxnSlot{}
	p, err := parseCtx.ParseTransaction(canonical, 0, bare, nil, false, false /* wrappedWithBlobs */, nil)
	require.NoError(err)
	require.Equal(len(canonical), p)

	wrapped := &TxnSlot{}
	p, err = parseCtx.ParseTransaction(network, 0, wrapped, nil, false, true /* wrappedWithBlobs */, nil)
	require.NoError(err)
	require.Equal(len(network), p)

	// the id hash covers the type byte and the signed body only, so both forms of
	// the same transaction must agree on it
	require.Equal(bare.IDHash, wrapped.IDHash)

	// the canonical encoding never carries the sidecar or the wrapper prefix
	require.Equal(canonical, bare.Rlp)
	require.Equal(canonical, wrapped.Rlp)
	require.Equal(uint32(len(canonical)), wrapped.Size)

	require.Len(wrapped.Blobs, 1)
	require.Len(wrapped.Commitments, 1)
	require.Len(wrapped.Proofs, 1)
	require.Len(wrapped.BlobHashes, 1)
	require.Equal(uint64(1), wrapped.BlobFeeCap.Uint64())

	// the size cap hook must see the canonical bytes, not the network form
	capCtx := NewTxnParseContext(*uint256.NewInt(1))
	capCtx.WithSender(false)
	var seen int
	capCtx.ValidateRLP(func(rlp []byte) error {
		seen = len(rlp)
		return nil
	})
	_, err = capCtx.ParseTransaction(network, 0, &TxnSlot{}, nil, false, true, nil)
	require.NoError(err)
	require.Equal(len(canonical), seen)
}

func TestPeekTransactionType(t *testing.T) {
	assert := assert.New(t)

	legacy := mustDecodeHex(t, eip155Txn)
	typ, err := PeekTransactionType(legacy)
	assert.NoError(err)
	assert.Equal(byte(LegacyTxnType), typ)

	// bare typed payload
	typ, err = PeekTransactionType([]byte{DynamicFeeTxnType, 0xc0})
	assert.NoError(err)
	assert.Equal(byte(DynamicFeeTxnType), typ)

	// typed payload behind a string envelope
	typ, err = PeekTransactionType([]byte{0x83, BlobTxnType, 0xc1, 0x80})
	assert.NoError(err)
	assert.Equal(byte(BlobTxnType), typ)

	// a list inside the envelope is a legacy txn
	typ, err = PeekTransactionType([]byte{0x82, 0xc1, 0x80})
	assert.NoError(err)
	assert.Equal(byte(LegacyTxnType), typ)

	_, err = PeekTransactionType(nil)
	assert.Error(err)
}
