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
	"errors"
	"fmt"
	"hash"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/thermion/txpool/crypto"
)

const (
	BlobSize          = 4096 * 32 // 4096 field elements of 32 bytes each
	KZGCommitmentSize = 48
	KZGProofSize      = 48
	CellProofsPerBlob = 128 // EIP-7594: the blob is split into 128 cells, one proof per cell
)

var (
	ErrParseTxn        = errors.New("parse transaction error")
	ErrBadSig          = errors.New("invalid signature")
	ErrChainIDMismatch = errors.New("chainId doesn't match")
	ErrRlpTooBig       = errors.New("txn rlp too big")
)

// PeekTransactionType returns the type of the txn without parsing the whole
// encoding. Input may be an RLP string envelope or a bare typed payload.
func PeekTransactionType(serialized []byte) (byte, error) {
	dataPos, _, legacy, err := prefix(serialized, 0)
	if err != nil {
		return LegacyTxnType, fmt.Errorf("%w: size prefix: %s", ErrParseTxn, err) //nolint
	}
	if legacy {
		return LegacyTxnType, nil
	}
	if dataPos >= len(serialized) {
		return LegacyTxnType, fmt.Errorf("%w: empty envelope", ErrParseTxn)
	}
	firstByte := serialized[dataPos]
	if firstByte >= 0xc0 { // list inside the envelope means a legacy txn
		return LegacyTxnType, nil
	}
	return firstByte, nil
}

// keccakState wraps sha3.state. In addition to the usual hash methods, it also supports
// Read to get a variable amount of data from the hash state. Read is faster than Sum
// because it doesn't copy the internal state.
type keccakState interface {
	hash.Hash
	Read([]byte) (int, error)
}

// TxnParseContext accumulates the objects (hashers, scratch buffers) that are reused
// between transaction parses, so that a batch of transactions can be processed without
// allocating for every item. Not safe for concurrent use, each goroutine gets its own.
type TxnParseContext struct {
	Keccak1         keccakState // computes the sighash for sender recovery
	Keccak2         keccakState // computes the transaction id hash
	ChainID         uint256.Int // configured chain id, checked against the transaction's one
	DeriveChainID   uint256.Int // scratch variable for EIP-155 derivation
	R, S, V         uint256.Int // signature values
	Sig             [65]byte
	Sighash         [32]byte
	buf             [65]byte // big enough for hashes (32 bytes) and public keys (65 bytes)
	withSender      bool
	chainIDRequired bool
	validateRlp     func([]byte) error
}

func NewTxnParseContext(chainID uint256.Int) *TxnParseContext {
	ctx := &TxnParseContext{
		withSender: true,
		Keccak1:    sha3.NewLegacyKeccak256().(keccakState),
		Keccak2:    sha3.NewLegacyKeccak256().(keccakState),
	}
	ctx.ChainID.Set(&chainID)
	return ctx
}

// WithSender, when set to false, skips the ecrecover step. Used by consumers that
// already know the sender, for example re-injection of unwound transactions.
func (ctx *TxnParseContext) WithSender(v bool) { ctx.withSender = v }

// ChainIDRequired makes the parser reject pre-EIP-155 legacy transactions.
func (ctx *TxnParseContext) ChainIDRequired() *TxnParseContext {
	ctx.chainIDRequired = true
	return ctx
}

// ValidateRLP installs a hook that sees the canonical encoding of every parsed
// transaction before it is accepted, e.g. to enforce a size cap.
func (ctx *TxnParseContext) ValidateRLP(f func(txnRlp []byte) error) { ctx.validateRlp = f }

// ParseTransaction extracts all the information from the transaction's payload (RLP)
// necessary to build a TxnSlot. It also performs syntactic validation of the payload
// and computes the transaction's id hash and, unless disabled, the sender address.
//
// hasEnvelope means the payload is wrapped in an RLP string prefix the way transactions
// appear inside wire packets. wrappedWithBlobs controls whether a type-3 transaction is
// expected in its network form with the blob sidecar attached.
func (ctx *TxnParseContext) ParseTransaction(payload []byte, pos int, slot *TxnSlot, sender []byte, hasEnvelope, wrappedWithBlobs bool, validateHash func([]byte) error) (p int, err error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty rlp", ErrParseTxn)
	}
	if ctx.withSender && len(sender) != 20 {
		return 0, fmt.Errorf("%w: expect sender buffer of len 20", ErrParseTxn)
	}

	// Legacy transactions have list prefix, whereas EIP-2718 transactions have string prefix
	// therefore we assign the first returned value of prefix function (list) to legacy variable
	dataPos, dataLen, legacy, err := prefix(payload, pos)
	if err != nil {
		return 0, fmt.Errorf("%w: size prefix: %s", ErrParseTxn, err)
	}
	if !legacy && hasEnvelope {
		if dataPos+dataLen > len(payload) {
			return 0, fmt.Errorf("%w: unexpected end of payload after envelope", ErrParseTxn)
		}
		pos = dataPos
		dataPos, dataLen, legacy, err = prefix(payload, pos)
		if err != nil {
			return 0, fmt.Errorf("%w: size prefix: %s", ErrParseTxn, err)
		}
	}
	if dataPos+dataLen > len(payload) {
		return 0, fmt.Errorf("%w: unexpected end of payload after size prefix", ErrParseTxn)
	}

	if legacy {
		slot.Type = LegacyTxnType
		return ctx.parseTransactionBody(payload, pos, pos, slot, sender, validateHash)
	}

	txnType := payload[dataPos]
	if txnType < AccessListTxnType || txnType > SetCodeTxnType {
		return 0, fmt.Errorf("%w: unknown transaction type: %d", ErrParseTxn, txnType)
	}
	slot.Type = txnType
	p = dataPos + 1
	if p >= len(payload) {
		return 0, fmt.Errorf("%w: unexpected end of payload after txnType", ErrParseTxn)
	}

	if txnType == BlobTxnType && wrappedWithBlobs {
		return ctx.parseWrappedBlobTxn(payload, pos, p, slot, sender, validateHash)
	}
	return ctx.parseTransactionBody(payload, pos, p, slot, sender, validateHash)
}

// parseWrappedBlobTxn parses the network form of a type-3 transaction:
// rlp([tx_body, blobs, commitments, proofs]) before Osaka, and
// rlp([tx_body, wrapper_version, blobs, commitments, cell_proofs]) after EIP-7594.
func (ctx *TxnParseContext) parseWrappedBlobTxn(payload []byte, pos, p int, slot *TxnSlot, sender []byte, validateHash func([]byte) error) (int, error) {
	dataPos, dataLen, isList, err := prefix(payload, p)
	if err != nil {
		return 0, fmt.Errorf("%w: wrapper prefix: %s", ErrParseTxn, err)
	}
	if !isList {
		return 0, fmt.Errorf("%w: blob txn network form must be a list", ErrParseTxn)
	}
	wrapperEnd := dataPos + dataLen
	if wrapperEnd > len(payload) {
		return 0, fmt.Errorf("%w: unexpected end of payload in blob wrapper", ErrParseTxn)
	}

	p, err = ctx.parseTransactionBody(payload, pos, dataPos, slot, sender, validateHash)
	if err != nil {
		return 0, err
	}

	// Wrapper version discriminator: a list here means the blobs follow directly
	// (the pre-Osaka form), a string means the EIP-7594 version byte
	_, _, isList, err = prefix(payload, p)
	if err != nil {
		return 0, fmt.Errorf("%w: wrapper version: %s", ErrParseTxn, err)
	}
	if !isList {
		var version uint64
		p, version, err = parseUint64(payload, p)
		if err != nil {
			return 0, fmt.Errorf("%w: wrapper version: %s", ErrParseTxn, err)
		}
		if version != 1 {
			return 0, fmt.Errorf("%w: unsupported blob wrapper version: %d", ErrParseTxn, version)
		}
		slot.WrapperVersion = 1
	}

	p, err = ctx.parseBlobs(payload, p, slot)
	if err != nil {
		return 0, err
	}
	p, err = ctx.parseCommitments(payload, p, slot)
	if err != nil {
		return 0, err
	}
	p, err = ctx.parseProofs(payload, p, slot)
	if err != nil {
		return 0, err
	}
	if p != wrapperEnd {
		return 0, fmt.Errorf("%w: extra garbage inside blob wrapper", ErrParseTxn)
	}
	return p, nil
}

func (ctx *TxnParseContext) parseBlobs(payload []byte, p int, slot *TxnSlot) (int, error) {
	dataPos, dataLen, isList, err := prefix(payload, p)
	if err != nil {
		return 0, fmt.Errorf("%w: blobs len: %s", ErrParseTxn, err)
	}
	if !isList {
		return 0, fmt.Errorf("%w: blobs must be a list", ErrParseTxn)
	}
	blobPos := dataPos
	for blobPos < dataPos+dataLen {
		var blobLen int
		blobPos, blobLen, isList, err = prefix(payload, blobPos)
		if err != nil {
			return 0, fmt.Errorf("%w: blob: %s", ErrParseTxn, err)
		}
		if isList {
			return 0, fmt.Errorf("%w: blob must be a string", ErrParseTxn)
		}
		if blobLen != BlobSize {
			return 0, fmt.Errorf("%w: blob must be exactly %d bytes long, got %d", ErrParseTxn, BlobSize, blobLen)
		}
		if blobPos+blobLen > len(payload) {
			return 0, fmt.Errorf("%w: unexpected end of payload in blob", ErrParseTxn)
		}
		slot.Blobs = append(slot.Blobs, payload[blobPos:blobPos+blobLen])
		blobPos += blobLen
	}
	if blobPos != dataPos+dataLen {
		return 0, fmt.Errorf("%w: extra space in blobs", ErrParseTxn)
	}
	return blobPos, nil
}

func (ctx *TxnParseContext) parseCommitments(payload []byte, p int, slot *TxnSlot) (int, error) {
	dataPos, dataLen, isList, err := prefix(payload, p)
	if err != nil {
		return 0, fmt.Errorf("%w: commitments len: %s", ErrParseTxn, err)
	}
	if !isList {
		return 0, fmt.Errorf("%w: commitments must be a list", ErrParseTxn)
	}
	cPos := dataPos
	for cPos < dataPos+dataLen {
		var cLen int
		cPos, cLen, isList, err = prefix(payload, cPos)
		if err != nil {
			return 0, fmt.Errorf("%w: commitment: %s", ErrParseTxn, err)
		}
		if isList {
			return 0, fmt.Errorf("%w: commitment must be a string", ErrParseTxn)
		}
		if cLen != KZGCommitmentSize {
			return 0, fmt.Errorf("%w: commitment must be exactly %d bytes long, got %d", ErrParseTxn, KZGCommitmentSize, cLen)
		}
		if cPos+cLen > len(payload) {
			return 0, fmt.Errorf("%w: unexpected end of payload in commitment", ErrParseTxn)
		}
		var commitment KZGCommitment
		copy(commitment[:], payload[cPos:cPos+cLen])
		slot.Commitments = append(slot.Commitments, commitment)
		cPos += cLen
	}
	if cPos != dataPos+dataLen {
		return 0, fmt.Errorf("%w: extra space in commitments", ErrParseTxn)
	}
	return cPos, nil
}

func (ctx *TxnParseContext) parseProofs(payload []byte, p int, slot *TxnSlot) (int, error) {
	dataPos, dataLen, isList, err := prefix(payload, p)
	if err != nil {
		return 0, fmt.Errorf("%w: proofs len: %s", ErrParseTxn, err)
	}
	if !isList {
		return 0, fmt.Errorf("%w: proofs must be a list", ErrParseTxn)
	}
	proofPos := dataPos
	for proofPos < dataPos+dataLen {
		var proofLen int
		proofPos, proofLen, isList, err = prefix(payload, proofPos)
		if err != nil {
			return 0, fmt.Errorf("%w: proof: %s", ErrParseTxn, err)
		}
		if isList {
			return 0, fmt.Errorf("%w: proof must be a string", ErrParseTxn)
		}
		if proofLen != KZGProofSize {
			return 0, fmt.Errorf("%w: proof must be exactly %d bytes long, got %d", ErrParseTxn, KZGProofSize, proofLen)
		}
		if proofPos+proofLen > len(payload) {
			return 0, fmt.Errorf("%w: unexpected end of payload in proof", ErrParseTxn)
		}
		var proof KZGProof
		copy(proof[:], payload[proofPos:proofPos+proofLen])
		slot.Proofs = append(slot.Proofs, proof)
		proofPos += proofLen
	}
	if proofPos != dataPos+dataLen {
		return 0, fmt.Errorf("%w: extra space in proofs", ErrParseTxn)
	}
	return proofPos, nil
}

// parseTransactionBody parses the signed body of any transaction type. p0 is the start
// of the whole encoding (used to set slot.Rlp), p points just past the type byte for
// typed transactions and at the list prefix for legacy ones.
func (ctx *TxnParseContext) parseTransactionBody(payload []byte, p0, p int, slot *TxnSlot, sender []byte, validateHash func([]byte) error) (int, error) {
	legacy := slot.Type == LegacyTxnType

	dataPos, dataLen, isList, err := prefix(payload, p)
	if err != nil {
		return 0, fmt.Errorf("%w: body prefix: %s", ErrParseTxn, err)
	}
	if !isList {
		return 0, fmt.Errorf("%w: transaction body must be a list", ErrParseTxn)
	}
	if dataPos+dataLen > len(payload) {
		return 0, fmt.Errorf("%w: unexpected end of payload in body", ErrParseTxn)
	}
	bodyEnd := dataPos + dataLen
	bodyStart := p

	// Compute the id hash of the transaction as we go: for typed transactions it covers
	// the type byte and the signed list, never the blob sidecar or wrapper. The type
	// byte is written explicitly because in the network form of a blob txn the body
	// list does not directly follow it. Legacy transactions are hashed at the end,
	// over the entire encoding.
	ctx.Keccak2.Reset()
	if !legacy {
		ctx.buf[0] = slot.Type
		if _, err = ctx.Keccak2.Write(ctx.buf[:1]); err != nil {
			return 0, fmt.Errorf("%w: computing IdHash: %s", ErrParseTxn, err)
		}
		if _, err = ctx.Keccak2.Write(payload[bodyStart:bodyEnd]); err != nil {
			return 0, fmt.Errorf("%w: computing IdHash: %s", ErrParseTxn, err)
		}
	}

	p = dataPos
	// Fields of the unsigned transaction start here. Remember the position so the
	// sighash can be computed at the end over the raw bytes with a re-derived prefix.
	sigHashPos := p

	if !legacy {
		p, err = parseUint256(payload, p, &slot.ChainID)
		if err != nil {
			return 0, fmt.Errorf("%w: chainId: %s", ErrParseTxn, err)
		}
		if slot.ChainID.IsZero() {
			return 0, fmt.Errorf("%w: chainId is zero", ErrParseTxn)
		}
		if !ctx.ChainID.IsZero() && !slot.ChainID.Eq(&ctx.ChainID) {
			return 0, fmt.Errorf("%w: %s, expected %d, got %d", ErrParseTxn, ErrChainIDMismatch, &ctx.ChainID, &slot.ChainID)
		}
	}
	p, slot.Nonce, err = parseUint64(payload, p)
	if err != nil {
		return 0, fmt.Errorf("%w: nonce: %s", ErrParseTxn, err)
	}
	p, err = parseUint256(payload, p, &slot.Tip)
	if err != nil {
		return 0, fmt.Errorf("%w: tip: %s", ErrParseTxn, err)
	}
	// Next follows feeCap, but only for dynamic fee transactions. For legacy and
	// access-list transactions it is equal to the gas price.
	if slot.Type < DynamicFeeTxnType {
		slot.FeeCap.Set(&slot.Tip)
	} else {
		p, err = parseUint256(payload, p, &slot.FeeCap)
		if err != nil {
			return 0, fmt.Errorf("%w: feeCap: %s", ErrParseTxn, err)
		}
	}
	p, slot.Gas, err = parseUint64(payload, p)
	if err != nil {
		return 0, fmt.Errorf("%w: gas: %s", ErrParseTxn, err)
	}
	// Next follows the destination address (if present)
	dataPos, dataLen, isList, err = prefix(payload, p)
	if err != nil {
		return 0, fmt.Errorf("%w: to len: %s", ErrParseTxn, err)
	}
	if isList {
		return 0, fmt.Errorf("%w: to must be a string, not list", ErrParseTxn)
	}
	if dataPos+dataLen > bodyEnd {
		return 0, fmt.Errorf("%w: unexpected end of payload after to", ErrParseTxn)
	}
	if dataLen != 0 && dataLen != 20 {
		return 0, fmt.Errorf("%w: unexpected length of to field: %d", ErrParseTxn, dataLen)
	}
	slot.Creation = dataLen == 0
	if slot.Creation && (slot.Type == BlobTxnType || slot.Type == SetCodeTxnType) {
		return 0, fmt.Errorf("%w: txn type %d must have a recipient", ErrParseTxn, slot.Type)
	}
	p = dataPos + dataLen
	p, err = parseUint256(payload, p, &slot.Value)
	if err != nil {
		return 0, fmt.Errorf("%w: value: %s", ErrParseTxn, err)
	}
	// Next goes data, we are only interested in its length and zero-byte stats
	dataPos, dataLen, isList, err = prefix(payload, p)
	if err != nil {
		return 0, fmt.Errorf("%w: data len: %s", ErrParseTxn, err)
	}
	if isList {
		return 0, fmt.Errorf("%w: data must be a string, not list", ErrParseTxn)
	}
	if dataPos+dataLen > bodyEnd {
		return 0, fmt.Errorf("%w: unexpected end of payload after data", ErrParseTxn)
	}
	slot.DataLen = dataLen
	for _, b := range payload[dataPos : dataPos+dataLen] {
		if b != 0 {
			slot.DataNonZeroLen++
		}
	}
	p = dataPos + dataLen

	if !legacy {
		p, err = ctx.parseAccessList(payload, p, bodyEnd, slot)
		if err != nil {
			return 0, err
		}
	}
	if slot.Type == BlobTxnType {
		p, err = parseUint256(payload, p, &slot.BlobFeeCap)
		if err != nil {
			return 0, fmt.Errorf("%w: blobFeeCap: %s", ErrParseTxn, err)
		}
		p, err = ctx.parseBlobHashes(payload, p, bodyEnd, slot)
		if err != nil {
			return 0, err
		}
	}
	if slot.Type == SetCodeTxnType {
		p, err = ctx.parseAuthorizations(payload, p, bodyEnd, slot)
		if err != nil {
			return 0, err
		}
	}

	// This is where the data for the sighash ends
	sigHashEnd := p

	p, err = parseUint256(payload, p, &ctx.V)
	if err != nil {
		return 0, fmt.Errorf("%w: v: %s", ErrParseTxn, err)
	}
	p, err = parseUint256(payload, p, &ctx.R)
	if err != nil {
		return 0, fmt.Errorf("%w: r: %s", ErrParseTxn, err)
	}
	p, err = parseUint256(payload, p, &ctx.S)
	if err != nil {
		return 0, fmt.Errorf("%w: s: %s", ErrParseTxn, err)
	}
	if p != bodyEnd {
		return 0, fmt.Errorf("%w: extra garbage after signature", ErrParseTxn)
	}

	var vByte byte
	var chainIDBits, chainIDLen int
	if legacy {
		if !ctx.V.LtUint64(35) {
			// EIP-155: v = 35 + chainId*2 + yParity
			ctx.DeriveChainID.SubUint64(&ctx.V, 35)
			vByte = byte(ctx.DeriveChainID.Uint64() & 1)
			ctx.DeriveChainID.Rsh(&ctx.DeriveChainID, 1)
			if !ctx.ChainID.IsZero() && !ctx.DeriveChainID.Eq(&ctx.ChainID) {
				return 0, fmt.Errorf("%w: %s, expected %d, got %d", ErrParseTxn, ErrChainIDMismatch, &ctx.ChainID, &ctx.DeriveChainID)
			}
			slot.ChainID.Set(&ctx.DeriveChainID)
			chainIDBits = slot.ChainID.BitLen()
			if chainIDBits <= 7 {
				chainIDLen = 1
			} else {
				chainIDLen = (chainIDBits + 7) / 8 // number of bytes of the chainId
				chainIDLen++                       // one byte for the length prefix
			}
		} else {
			if ctx.chainIDRequired {
				return 0, fmt.Errorf("%w: transaction is not replay-protected", ErrParseTxn)
			}
			v := ctx.V.Uint64()
			if v != 27 && v != 28 {
				return 0, fmt.Errorf("%w: invalid v value: %d", ErrParseTxn, v)
			}
			vByte = byte(v - 27)
		}
	} else {
		if !ctx.V.LtUint64(2) {
			return 0, fmt.Errorf("%w: v is too large: %s", ErrParseTxn, &ctx.V)
		}
		vByte = byte(ctx.V.Uint64())
	}

	if !crypto.TransactionSignatureIsValid(vByte, &ctx.R, &ctx.S, false /* allowPreEip2s */) {
		return 0, fmt.Errorf("%w: %s", ErrParseTxn, ErrBadSig)
	}

	if legacy {
		ctx.Keccak2.Reset()
		if _, err = ctx.Keccak2.Write(payload[p0:bodyEnd]); err != nil {
			return 0, fmt.Errorf("%w: computing IdHash: %s", ErrParseTxn, err)
		}
	}
	//nolint:errcheck
	ctx.Keccak2.Read(slot.IDHash[:])
	if validateHash != nil {
		if err := validateHash(slot.IDHash[:]); err != nil {
			return p, err
		}
	}
	// The canonical encoding: for the network form of a blob txn the wrapper list
	// prefix sits between the type byte and the body, so the envelope is rebuilt;
	// everything else is a contiguous slice of the payload.
	if legacy || bodyStart == p0+1 {
		slot.Rlp = payload[p0:p]
	} else {
		rlp := make([]byte, 0, 1+bodyEnd-bodyStart)
		rlp = append(rlp, slot.Type)
		rlp = append(rlp, payload[bodyStart:bodyEnd]...)
		slot.Rlp = rlp
	}
	if ctx.validateRlp != nil {
		if err := ctx.validateRlp(slot.Rlp); err != nil {
			return p, err
		}
	}
	slot.Size = uint32(len(slot.Rlp))

	if !ctx.withSender {
		return p, nil
	}

	// Computing sigHash, the hash used to recover the sender from the signature.
	// The unsigned fields are hashed as they lie in the payload, with a re-derived
	// list prefix in front; EIP-155 appends encode(chainId, 0, 0).
	sigHashLen := sigHashEnd - sigHashPos
	if legacy && chainIDLen > 0 {
		sigHashLen += chainIDLen + 2
	}
	ctx.Keccak1.Reset()
	if !legacy {
		//nolint:errcheck
		ctx.Keccak1.Write([]byte{slot.Type})
	}
	if err := writeListPrefix(ctx.Keccak1, sigHashLen); err != nil {
		return 0, fmt.Errorf("%w: computing signHash (list prefix): %s", ErrParseTxn, err)
	}
	if _, err = ctx.Keccak1.Write(payload[sigHashPos:sigHashEnd]); err != nil {
		return 0, fmt.Errorf("%w: computing signHash: %s", ErrParseTxn, err)
	}
	if legacy && chainIDLen > 0 {
		if chainIDBits <= 7 {
			ctx.buf[0] = byte(slot.ChainID.Uint64())
			if _, err := ctx.Keccak1.Write(ctx.buf[:1]); err != nil {
				return 0, fmt.Errorf("%w: computing signHash (chainId): %s", ErrParseTxn, err)
			}
		} else {
			binaryChainID := slot.ChainID.Bytes()
			ctx.buf[0] = 128 + byte(len(binaryChainID))
			copy(ctx.buf[1:], binaryChainID)
			if _, err := ctx.Keccak1.Write(ctx.buf[:1+len(binaryChainID)]); err != nil {
				return 0, fmt.Errorf("%w: computing signHash (chainId): %s", ErrParseTxn, err)
			}
		}
		// Encode two zeros
		ctx.buf[0] = 128
		ctx.buf[1] = 128
		if _, err := ctx.Keccak1.Write(ctx.buf[:2]); err != nil {
			return 0, fmt.Errorf("%w: computing signHash (padding): %s", ErrParseTxn, err)
		}
	}
	//nolint:errcheck
	ctx.Keccak1.Read(ctx.Sighash[:])

	// Sender recovery
	ctx.R.WriteToSlice(ctx.Sig[0:32])
	ctx.S.WriteToSlice(ctx.Sig[32:64])
	ctx.Sig[64] = vByte
	pubkey, err := crypto.Ecrecover(ctx.Sighash[:], ctx.Sig[:])
	if err != nil {
		return 0, fmt.Errorf("%w: recovering sender: %s", ErrParseTxn, err)
	}
	if len(pubkey) == 0 || pubkey[0] != 4 {
		return 0, fmt.Errorf("%w: recovering sender: invalid public key", ErrParseTxn)
	}
	ctx.Keccak2.Reset()
	//nolint:errcheck
	ctx.Keccak2.Write(pubkey[1:])
	//nolint:errcheck
	ctx.Keccak2.Read(ctx.buf[:32])
	copy(sender, ctx.buf[12:32])
	return p, nil
}

func (ctx *TxnParseContext) parseAccessList(payload []byte, p, bodyEnd int, slot *TxnSlot) (int, error) {
	dataPos, dataLen, isList, err := prefix(payload, p)
	if err != nil {
		return 0, fmt.Errorf("%w: access list len: %s", ErrParseTxn, err)
	}
	if !isList {
		return 0, fmt.Errorf("%w: access list must be a list, not string", ErrParseTxn)
	}
	if dataPos+dataLen > bodyEnd {
		return 0, fmt.Errorf("%w: unexpected end of payload after access list", ErrParseTxn)
	}
	tuplePos := dataPos
	for tuplePos < dataPos+dataLen {
		var tupleLen int
		tuplePos, tupleLen, isList, err = prefix(payload, tuplePos)
		if err != nil {
			return 0, fmt.Errorf("%w: tuple len: %s", ErrParseTxn, err)
		}
		if !isList {
			return 0, fmt.Errorf("%w: tuple must be a list, not string", ErrParseTxn)
		}
		if tuplePos+tupleLen > dataPos+dataLen {
			return 0, fmt.Errorf("%w: unexpected end of access list after tuple", ErrParseTxn)
		}
		var addrPos, addrLen int
		addrPos, addrLen, isList, err = prefix(payload, tuplePos)
		if err != nil {
			return 0, fmt.Errorf("%w: tuple addr len: %s", ErrParseTxn, err)
		}
		if isList {
			return 0, fmt.Errorf("%w: tuple addr must be a string, not list", ErrParseTxn)
		}
		if addrLen != 20 {
			return 0, fmt.Errorf("%w: unexpected length of tuple address: %d", ErrParseTxn, addrLen)
		}
		slot.AlAddrCount++

		skeysPos, skeysLen, isList, err := prefix(payload, addrPos+addrLen)
		if err != nil {
			return 0, fmt.Errorf("%w: storage keys len: %s", ErrParseTxn, err)
		}
		if !isList {
			return 0, fmt.Errorf("%w: storage keys must be a list, not string", ErrParseTxn)
		}
		if skeysPos+skeysLen > tuplePos+tupleLen {
			return 0, fmt.Errorf("%w: unexpected end of tuple after storage keys", ErrParseTxn)
		}
		skeyPos := skeysPos
		for skeyPos < skeysPos+skeysLen {
			var skeyLen int
			skeyPos, skeyLen, isList, err = prefix(payload, skeyPos)
			if err != nil {
				return 0, fmt.Errorf("%w: tuple storage key len: %s", ErrParseTxn, err)
			}
			if isList {
				return 0, fmt.Errorf("%w: tuple storage key must be a string, not list", ErrParseTxn)
			}
			if skeyLen != 32 {
				return 0, fmt.Errorf("%w: unexpected length of tuple storage key: %d", ErrParseTxn, skeyLen)
			}
			slot.AlStorCount++
			skeyPos += skeyLen
		}
		if skeyPos != skeysPos+skeysLen {
			return 0, fmt.Errorf("%w: extra space in storage keys", ErrParseTxn)
		}
		tuplePos = skeyPos
	}
	if tuplePos != dataPos+dataLen {
		return 0, fmt.Errorf("%w: extra space in access list", ErrParseTxn)
	}
	return tuplePos, nil
}

func (ctx *TxnParseContext) parseBlobHashes(payload []byte, p, bodyEnd int, slot *TxnSlot) (int, error) {
	dataPos, dataLen, isList, err := prefix(payload, p)
	if err != nil {
		return 0, fmt.Errorf("%w: blob hashes len: %s", ErrParseTxn, err)
	}
	if !isList {
		return 0, fmt.Errorf("%w: blob hashes must be a list, not string", ErrParseTxn)
	}
	if dataPos+dataLen > bodyEnd {
		return 0, fmt.Errorf("%w: unexpected end of payload after blob hashes", ErrParseTxn)
	}
	hashPos := dataPos
	for hashPos < dataPos+dataLen {
		var hashLen int
		hashPos, hashLen, isList, err = prefix(payload, hashPos)
		if err != nil {
			return 0, fmt.Errorf("%w: blob hash: %s", ErrParseTxn, err)
		}
		if isList {
			return 0, fmt.Errorf("%w: blob hash must be a string, not list", ErrParseTxn)
		}
		if hashLen != 32 {
			return 0, fmt.Errorf("%w: unexpected length of blob hash: %d", ErrParseTxn, hashLen)
		}
		var h Hash
		copy(h[:], payload[hashPos:hashPos+hashLen])
		slot.BlobHashes = append(slot.BlobHashes, h)
		hashPos += hashLen
	}
	if hashPos != dataPos+dataLen {
		return 0, fmt.Errorf("%w: extra space in blob hashes", ErrParseTxn)
	}
	return hashPos, nil
}

// parseAuthorizations walks the EIP-7702 authorization list. Entries are
// [chain_id, address, nonce, y_parity, r, s]; the signed portion (the first three
// fields) is retained re-wrapped in its own list prefix, so that the authority can
// be recovered later without re-parsing the transaction.
func (ctx *TxnParseContext) parseAuthorizations(payload []byte, p, bodyEnd int, slot *TxnSlot) (int, error) {
	dataPos, dataLen, isList, err := prefix(payload, p)
	if err != nil {
		return 0, fmt.Errorf("%w: authorizations len: %s", ErrParseTxn, err)
	}
	if !isList {
		return 0, fmt.Errorf("%w: authorizations must be a list, not string", ErrParseTxn)
	}
	if dataPos+dataLen > bodyEnd {
		return 0, fmt.Errorf("%w: unexpected end of payload after authorizations", ErrParseTxn)
	}
	entryPos := dataPos
	for entryPos < dataPos+dataLen {
		var entryLen int
		entryPos, entryLen, isList, err = prefix(payload, entryPos)
		if err != nil {
			return 0, fmt.Errorf("%w: authorization entry len: %s", ErrParseTxn, err)
		}
		if !isList {
			return 0, fmt.Errorf("%w: authorization entry must be a list", ErrParseTxn)
		}
		entryEnd := entryPos + entryLen
		if entryEnd > dataPos+dataLen {
			return 0, fmt.Errorf("%w: unexpected end of authorizations after entry", ErrParseTxn)
		}

		bodyStart := entryPos
		var authChainID uint256.Int
		q, err := parseUint256(payload, entryPos, &authChainID)
		if err != nil {
			return 0, fmt.Errorf("%w: authorization chainId: %s", ErrParseTxn, err)
		}
		addrPos, addrLen, addrIsList, err := prefix(payload, q)
		if err != nil {
			return 0, fmt.Errorf("%w: authorization address: %s", ErrParseTxn, err)
		}
		if addrIsList || addrLen != 20 {
			return 0, fmt.Errorf("%w: authorization address must be a 20-byte string", ErrParseTxn)
		}
		q = addrPos + addrLen
		q, _, err = parseUint64(payload, q)
		if err != nil {
			return 0, fmt.Errorf("%w: authorization nonce: %s", ErrParseTxn, err)
		}
		bodyLen := q - bodyStart

		raw := make([]byte, 0, bodyLen+4)
		raw = appendListPrefix(raw, bodyLen)
		raw = append(raw, payload[bodyStart:bodyStart+bodyLen]...)
		slot.AuthRaw = append(slot.AuthRaw, raw)

		var sig Signature
		q, err = parseUint256(payload, q, &sig.V)
		if err != nil {
			return 0, fmt.Errorf("%w: authorization yParity: %s", ErrParseTxn, err)
		}
		q, err = parseUint256(payload, q, &sig.R)
		if err != nil {
			return 0, fmt.Errorf("%w: authorization r: %s", ErrParseTxn, err)
		}
		q, err = parseUint256(payload, q, &sig.S)
		if err != nil {
			return 0, fmt.Errorf("%w: authorization s: %s", ErrParseTxn, err)
		}
		if q != entryEnd {
			return 0, fmt.Errorf("%w: extra garbage in authorization entry", ErrParseTxn)
		}
		slot.Authorizations = append(slot.Authorizations, sig)
		entryPos = entryEnd
	}
	if entryPos != dataPos+dataLen {
		return 0, fmt.Errorf("%w: extra space in authorizations", ErrParseTxn)
	}
	return entryPos, nil
}

// beInt parses Big Endian representation of an integer from given payload at given position
func beInt(payload []byte, pos, length int) (int, error) {
	var r int
	if pos+length > len(payload) {
		return 0, fmt.Errorf("unexpected end of payload")
	}
	if length > 0 && payload[pos] == 0 {
		return 0, fmt.Errorf("integer encoding for RLP must not have leading zeros: %x", payload[pos:pos+length])
	}
	for _, b := range payload[pos : pos+length] {
		r = (r << 8) | int(b)
	}
	return r, nil
}

// prefix parses RLP prefix from given payload at given position. It returns the offset and length of the RLP element
// as well as the indication of whether it is a list of string
func prefix(payload []byte, pos int) (dataPos int, dataLen int, list bool, err error) {
	if pos >= len(payload) {
		return 0, 0, false, fmt.Errorf("unexpected end of payload")
	}
	switch first := payload[pos]; {
	case first < 128:
		dataPos = pos
		dataLen = 1
		list = false
	case first < 184:
		// string of len < 56, and it is non-legacy transaction
		dataPos = pos + 1
		dataLen = int(first) - 128
		list = false
	case first < 192:
		// string of len >= 56, and it is non-legacy transaction
		beLen := int(first) - 183
		dataPos = pos + 1 + beLen
		dataLen, err = beInt(payload, pos+1, beLen)
		list = false
	case first < 248:
		// list of len < 56, and it is a legacy transaction
		dataPos = pos + 1
		dataLen = int(first) - 192
		list = true
	default:
		// list of len >= 56, and it is a legacy transaction
		beLen := int(first) - 247
		dataPos = pos + 1 + beLen
		dataLen, err = beInt(payload, pos+1, beLen)
		list = true
	}
	return
}

// parseUint64 parses uint64 number from given payload at given position
func parseUint64(payload []byte, pos int) (int, uint64, error) {
	dataPos, dataLen, list, err := prefix(payload, pos)
	if err != nil {
		return 0, 0, err
	}
	if list {
		return 0, 0, fmt.Errorf("uint64 must be a string, not list")
	}
	if dataPos+dataLen > len(payload) {
		return 0, 0, fmt.Errorf("unexpected end of payload")
	}
	if dataLen > 8 {
		return 0, 0, fmt.Errorf("uint64 must not be more than 8 bytes long, got %d", dataLen)
	}
	if dataLen > 0 && payload[dataPos] == 0 {
		return 0, 0, fmt.Errorf("integer encoding for RLP must not have leading zeros: %x", payload[dataPos:dataPos+dataLen])
	}
	var r uint64
	for _, b := range payload[dataPos : dataPos+dataLen] {
		r = (r << 8) | uint64(b)
	}
	return dataPos + dataLen, r, nil
}

// parseUint256 parses uint256 number from given payload at given position
func parseUint256(payload []byte, pos int, x *uint256.Int) (int, error) {
	dataPos, dataLen, list, err := prefix(payload, pos)
	if err != nil {
		return 0, err
	}
	if list {
		return 0, fmt.Errorf("uint256 must be a string, not list")
	}
	if dataPos+dataLen > len(payload) {
		return 0, fmt.Errorf("unexpected end of payload")
	}
	if dataLen > 32 {
		return 0, fmt.Errorf("uint256 must not be more than 32 bytes long, got %d", dataLen)
	}
	if dataLen > 0 && payload[dataPos] == 0 {
		return 0, fmt.Errorf("integer encoding for RLP must not have leading zeros: %x", payload[dataPos:dataPos+dataLen])
	}
	x.SetBytes(payload[dataPos : dataPos+dataLen])
	return dataPos + dataLen, nil
}

func appendListPrefix(buf []byte, dataLen int) []byte {
	if dataLen < 56 {
		return append(buf, 192+byte(dataLen))
	}
	var be [8]byte
	beLen := 0
	for l := dataLen; l > 0; l >>= 8 {
		beLen++
	}
	for i, l := beLen, dataLen; i > 0; i, l = i-1, l>>8 {
		be[i-1] = byte(l)
	}
	buf = append(buf, 247+byte(beLen))
	return append(buf, be[:beLen]...)
}

func writeListPrefix(w hash.Hash, dataLen int) error {
	var buf [9]byte
	p := appendListPrefix(buf[:0], dataLen)
	_, err := w.Write(p)
	return err
}
