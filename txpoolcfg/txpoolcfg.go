// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package txpoolcfg holds the pool configuration, the leaf taxonomy of discard
// reasons, and the intrinsic gas calculation used during admission.
package txpoolcfg

import (
	"fmt"
	"math"
	"time"

	"github.com/c2h5oh/datasize"
)

// Config governs capacity, pricing and spam policy of the pool. The zero value is not
// usable, start from DefaultConfig.
type Config struct {
	ProcessRemoteTxnsEvery time.Duration
	LogEvery               time.Duration

	PendingSubPoolLimit int
	BaseFeeSubPoolLimit int
	QueuedSubPoolLimit  int

	MinFeeCap          uint64 // minimal fee cap in wei the pool accepts at all
	MinTip             uint64 // minimal priority fee in wei the pool accepts at all
	AccountSlots       uint64 // max number of resident transactions a remote sender may have
	BlobSlots          uint64 // max number of blobs a remote sender may have resident
	TotalBlobPoolLimit uint64 // total number of blobs (not txns) allowed in the pool
	PriceBump          uint64 // percent price bump required to replace a resident transaction
	BlobPriceBump      uint64 // percent price bump required to replace a resident blob transaction

	// MaxBlockGasLimit caps the gas limit of an individual transaction; zero means
	// use the gas limit of the current head block.
	MaxBlockGasLimit uint64
	// MaxRlpSize bounds the canonical encoding of a single transaction.
	MaxRlpSize datasize.ByteSize

	// Penalties decides which discard reasons condemn the submitting peer.
	// Nil means DefaultPenaltyPolicy.
	Penalties PenaltyPolicy

	// TracedSenders are hex-encoded addresses whose every pool transition is logged
	// at Info level.
	TracedSenders []string
}

var DefaultConfig = Config{
	ProcessRemoteTxnsEvery: 100 * time.Millisecond,
	LogEvery:               30 * time.Second,

	PendingSubPoolLimit: 10_000,
	BaseFeeSubPoolLimit: 10_000,
	QueuedSubPoolLimit:  10_000,

	MinFeeCap:          1,
	MinTip:             0,
	AccountSlots:       16,
	BlobSlots:          48,  // limit according to EIP-7594 target * 8
	TotalBlobPoolLimit: 480, // total blobs in pool
	PriceBump:          10,  // percent
	BlobPriceBump:      100,

	MaxBlockGasLimit: 36_000_000,

	MaxRlpSize: 4 * 32 * datasize.KB, // four 32KB wire slots, geth's txMaxSize
}

// DiscardReason is the leaf outcome of admitting, keeping or dropping a transaction.
// Every rejection path in the pool terminates in exactly one of these values.
type DiscardReason uint8

const (
	NotSet                    DiscardReason = 0 // analog of "nil-value", means it will be set in future
	Success                   DiscardReason = 1
	AlreadyKnown              DiscardReason = 2
	Mined                     DiscardReason = 3
	ReplacedByHigherTip       DiscardReason = 4
	UnderPriced               DiscardReason = 5
	ReplaceUnderpriced        DiscardReason = 6 // if a transaction is attempted to be replaced with a different one without the required price bump
	FeeTooLow                 DiscardReason = 7
	OversizedData             DiscardReason = 8
	InvalidSender             DiscardReason = 9
	NegativeValue             DiscardReason = 10 // ensure no one is able to specify a transaction with a negative value
	Spammer                   DiscardReason = 11
	PendingPoolOverflow       DiscardReason = 12
	BaseFeePoolOverflow       DiscardReason = 13
	QueuedPoolOverflow        DiscardReason = 14
	GasUintOverflow           DiscardReason = 15
	IntrinsicGas              DiscardReason = 16
	RLPTooLong                DiscardReason = 17
	NonceTooLow               DiscardReason = 18
	InsufficientFunds         DiscardReason = 19
	NotReplaced               DiscardReason = 20 // There was an existing transaction with the same sender and nonce, not enough price bump to replace
	DuplicateHash             DiscardReason = 21 // There was an existing transaction with the same hash
	InitCodeTooLarge          DiscardReason = 22 // EIP-3860 - transaction init code is too large
	TypeNotActivated          DiscardReason = 23 // For example, an EIP-4844 transaction is submitted before Cancun activation
	InvalidCreateTxn          DiscardReason = 24 // EIP-4844 & 7702 transactions cannot have the form of a create transaction
	NoBlobs                   DiscardReason = 25 // Blob transactions must have at least one blob
	TooManyBlobs              DiscardReason = 26 // There's a limit on how many blobs a block (and thus any transaction) may have
	UnequalBlobTxExt          DiscardReason = 27 // blob_versioned_hashes, blobs, commitments and proofs must have equal number
	BlobHashCheckFail         DiscardReason = 28 // KZGcommitment's versioned hash has to be equal to blob_versioned_hash at the same index
	UnmatchedBlobTxExt        DiscardReason = 29 // KZGcommitments must match the corresponding blobs and proofs
	BlobTxReplace             DiscardReason = 30 // Cannot replace type-3 blob txn with another type of txn
	BlobPoolOverflow          DiscardReason = 31 // The total number of blobs (through blob txs) in the pool has reached its limit
	NoAuthorizations          DiscardReason = 32 // EIP-7702 transactions with an empty authorization list are invalid
	AuthorityReserved         DiscardReason = 33 // EIP-7702 transaction with authority already reserved by a resident delegation
	GasLimitTooHigh           DiscardReason = 34 // gas limit exceeds the per-transaction or block cap
	Expired                   DiscardReason = 35 // used when a transaction is purged from the pool
	ChainIDMismatch           DiscardReason = 36 // transaction is signed for a different chain
	TipAboveFeeCap            DiscardReason = 37 // priority fee larger than the max fee
	NonceTooHigh              DiscardReason = 38 // EIP-2681 - nonce must stay below 2^64-1
	SenderNotEOA              DiscardReason = 39 // EIP-3607 - sender account has deployed bytecode and is not delegated
	TipTooLow                 DiscardReason = 40 // priority fee below the pool's configured minimum
	BlobNonceGap              DiscardReason = 41 // blob transactions may not have nonce gaps ahead of them
	MissingBlobSidecar        DiscardReason = 42 // blob transaction submitted without its sidecar
	UnexpectedCellProofs      DiscardReason = 43 // EIP-7594 cell proof sidecar before the Osaka fork
	MissingCellProofs         DiscardReason = 44 // one-proof-per-blob sidecar is no longer valid after the Osaka fork
	OutOfOrderTxFromDelegated DiscardReason = 45 // delegated accounts may only replace or follow their in-flight transaction
	InflightTxLimitReached    DiscardReason = 46 // delegated accounts are limited to a single in-flight transaction
	StateReadError            DiscardReason = 47 // account state could not be read, transaction fate unknown
)

// lastDiscardReason tracks the end of the enum for exhaustiveness checks.
const lastDiscardReason = StateReadError

// AllDiscardReasons lists every defined reason, bookkeeping values included.
func AllDiscardReasons() []DiscardReason {
	all := make([]DiscardReason, 0, int(lastDiscardReason)+1)
	for r := NotSet; r <= lastDiscardReason; r++ {
		all = append(all, r)
	}
	return all
}

func (r DiscardReason) String() string {
	switch r {
	case NotSet:
		return "not set"
	case Success:
		return "success"
	case AlreadyKnown:
		return "already known"
	case Mined:
		return "mined"
	case ReplacedByHigherTip:
		return "replaced by transaction with higher tip"
	case UnderPriced:
		return "underpriced"
	case ReplaceUnderpriced:
		return "replacement transaction underpriced"
	case FeeTooLow:
		return "fee too low"
	case OversizedData:
		return "oversized data"
	case InvalidSender:
		return "invalid sender"
	case NegativeValue:
		return "negative value"
	case Spammer:
		return "spammer"
	case PendingPoolOverflow:
		return "pending sub-pool is full"
	case BaseFeePoolOverflow:
		return "baseFee sub-pool is full"
	case QueuedPoolOverflow:
		return "queued sub-pool is full"
	case GasUintOverflow:
		return "gasUintOverflow"
	case IntrinsicGas:
		return "intrinsic gas too low"
	case RLPTooLong:
		return "rlp too long"
	case NonceTooLow:
		return "nonce too low"
	case InsufficientFunds:
		return "insufficient funds"
	case NotReplaced:
		return "could not replace existing txn"
	case DuplicateHash:
		return "existing txn with same hash"
	case InitCodeTooLarge:
		return "initcode too large"
	case TypeNotActivated:
		return "fork supporting this transaction type is not activated yet"
	case InvalidCreateTxn:
		return "EIP-4844 & 7702 transactions cannot have the form of a create transaction"
	case NoBlobs:
		return "blob transactions must contain at least one blob"
	case TooManyBlobs:
		return "max number of blobs exceeded"
	case UnequalBlobTxExt:
		return "blob transaction with unequal number of blobs, commitments, proofs and versioned hashes"
	case BlobHashCheckFail:
		return "KZGcommitment's versioned hash has to be equal to blob_versioned_hash at the same index"
	case UnmatchedBlobTxExt:
		return "KZGcommitments must match the corresponding blobs and proofs"
	case BlobTxReplace:
		return "can't replace blob txn with a non-blob txn"
	case BlobPoolOverflow:
		return "blobs limit in txpool is full"
	case NoAuthorizations:
		return "EIP-7702 transactions with an empty authorization list are invalid"
	case AuthorityReserved:
		return "EIP-7702 transaction with authority already reserved"
	case GasLimitTooHigh:
		return "gas limit is too high"
	case Expired:
		return "expired"
	case ChainIDMismatch:
		return "chainId doesn't match"
	case TipAboveFeeCap:
		return "max priority fee per gas higher than max fee per gas"
	case NonceTooHigh:
		return "nonce too high"
	case SenderNotEOA:
		return "sender is not an EOA"
	case TipTooLow:
		return "priority fee below the pool minimum"
	case BlobNonceGap:
		return "blob transactions may not have nonce gaps"
	case MissingBlobSidecar:
		return "blob transaction is missing its sidecar"
	case UnexpectedCellProofs:
		return "cell proof sidecar submitted before the Osaka fork"
	case MissingCellProofs:
		return "per-blob proof sidecar submitted after the Osaka fork"
	case OutOfOrderTxFromDelegated:
		return "out of order transaction from delegated account"
	case InflightTxLimitReached:
		return "delegated account already has an in-flight transaction"
	case StateReadError:
		return "could not read account state"
	default:
		panic(fmt.Sprintf("discard reason: %d", r))
	}
}

// PenaltyPolicy decides, per discard reason, whether the transaction was so malformed
// that the peer which gossiped it should be penalized. State-dependent outcomes (nonce
// gaps, balance shortfalls), configuration-dependent ones (fork not active, caps) and
// resource exhaustion never condemn the peer: the same transaction may be perfectly
// valid elsewhere or later. Structural violations that carry a valid signature always
// do, nobody signs those by accident.
type PenaltyPolicy map[DiscardReason]bool

// BadTransaction reports whether the reason condemns the submitting peer. Reasons
// missing from the table are conservative: not bad.
func (p PenaltyPolicy) BadTransaction(r DiscardReason) bool {
	return p[r]
}

// DefaultPenaltyPolicy lists every discard reason explicitly. A reason added to the
// enum without a row here is caught by the exhaustiveness test.
func DefaultPenaltyPolicy() PenaltyPolicy {
	return PenaltyPolicy{
		NotSet:                    false,
		Success:                   false,
		AlreadyKnown:              false,
		Mined:                     false,
		ReplacedByHigherTip:       false,
		UnderPriced:               false,
		ReplaceUnderpriced:        false,
		FeeTooLow:                 false,
		OversizedData:             true,
		InvalidSender:             true,
		NegativeValue:             true,
		Spammer:                   false,
		PendingPoolOverflow:       false,
		BaseFeePoolOverflow:       false,
		QueuedPoolOverflow:        false,
		GasUintOverflow:           true,
		IntrinsicGas:              true,
		RLPTooLong:                true,
		NonceTooLow:               false,
		InsufficientFunds:         false,
		NotReplaced:               false,
		DuplicateHash:             false,
		InitCodeTooLarge:          true,
		TypeNotActivated:          false,
		InvalidCreateTxn:          true,
		NoBlobs:                   true,
		TooManyBlobs:              true,
		UnequalBlobTxExt:          true,
		BlobHashCheckFail:         true,
		UnmatchedBlobTxExt:        true,
		BlobTxReplace:             false,
		BlobPoolOverflow:          false,
		NoAuthorizations:          true,
		AuthorityReserved:         false,
		GasLimitTooHigh:           false,
		Expired:                   false,
		ChainIDMismatch:           true,
		TipAboveFeeCap:            true,
		NonceTooHigh:              true,
		SenderNotEOA:              true,
		TipTooLow:                 false,
		BlobNonceGap:              false,
		MissingBlobSidecar:        true,
		UnexpectedCellProofs:      true,
		MissingCellProofs:         true,
		OutOfOrderTxFromDelegated: false,
		InflightTxLimitReached:    false,
		StateReadError:            false,
	}
}

// Gas costs of the intrinsic charge, per the execution spec
const (
	TxGas                     uint64 = 21000 // base cost of a transaction that is not a contract creation
	TxGasContractCreation     uint64 = 53000
	TxDataZeroGas             uint64 = 4
	TxDataNonZeroGasFrontier  uint64 = 68
	TxDataNonZeroGasEIP2028   uint64 = 16
	TxAccessListAddressGas    uint64 = 2400
	TxAccessListStorageKeyGas uint64 = 1900
	InitCodeWordGas           uint64 = 2     // EIP-3860
	MaxInitCodeSize                  = 49152 // EIP-3860: 2 * max code size
	PerEmptyAccountCost       uint64 = 25000 // EIP-7702 per-authorization charge
	TxTotalCostFloorPerToken  uint64 = 10    // EIP-7623
	BlobGasPerBlob            uint64 = 131072
)

func safeAdd(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum < a
}

func safeMul(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return a * b, false
	}
	if a > math.MaxUint64/b {
		return 0, true
	}
	return a * b, false
}

// CalcIntrinsicGas calculates the intrinsic gas charged before execution, along with
// the EIP-7623 floor gas. The returned reason is Success or GasUintOverflow.
func CalcIntrinsicGas(dataLen, dataNonZeroLen, authorizationsLen, accessListAddrCount, accessListStorCount uint64, isContractCreation, isHomestead, isEIP2028, isShanghai, isPrague bool) (gas uint64, floorGas7623 uint64, reason DiscardReason) {
	// Set the starting gas for the raw transaction
	if isContractCreation && isHomestead {
		gas = TxGasContractCreation
	} else {
		gas = TxGas
	}
	floorGas7623 = TxGas

	// Bump the required gas by the amount of transactional data
	if dataLen > 0 {
		// Zero and non-zero bytes are priced differently
		nonZeroGas := TxDataNonZeroGasFrontier
		if isEIP2028 {
			nonZeroGas = TxDataNonZeroGasEIP2028
		}
		product, overflow := safeMul(dataNonZeroLen, nonZeroGas)
		if overflow {
			return 0, 0, GasUintOverflow
		}
		gas, overflow = safeAdd(gas, product)
		if overflow {
			return 0, 0, GasUintOverflow
		}

		dataZeroLen := dataLen - dataNonZeroLen
		product, overflow = safeMul(dataZeroLen, TxDataZeroGas)
		if overflow {
			return 0, 0, GasUintOverflow
		}
		gas, overflow = safeAdd(gas, product)
		if overflow {
			return 0, 0, GasUintOverflow
		}

		if isPrague {
			// EIP-7623: a transaction must at least pay for its calldata tokens
			tokenLen := dataLen + 3*dataNonZeroLen
			dataGas, overflow := safeMul(tokenLen, TxTotalCostFloorPerToken)
			if overflow {
				return 0, 0, GasUintOverflow
			}
			floorGas7623, overflow = safeAdd(floorGas7623, dataGas)
			if overflow {
				return 0, 0, GasUintOverflow
			}
		}

		if isContractCreation && isShanghai {
			numWords := (dataLen + 31) / 32
			product, overflow = safeMul(numWords, InitCodeWordGas)
			if overflow {
				return 0, 0, GasUintOverflow
			}
			gas, overflow = safeAdd(gas, product)
			if overflow {
				return 0, 0, GasUintOverflow
			}
		}
	}
	if accessListAddrCount > 0 {
		product, overflow := safeMul(accessListAddrCount, TxAccessListAddressGas)
		if overflow {
			return 0, 0, GasUintOverflow
		}
		gas, overflow = safeAdd(gas, product)
		if overflow {
			return 0, 0, GasUintOverflow
		}
	}
	if accessListStorCount > 0 {
		product, overflow := safeMul(accessListStorCount, TxAccessListStorageKeyGas)
		if overflow {
			return 0, 0, GasUintOverflow
		}
		gas, overflow = safeAdd(gas, product)
		if overflow {
			return 0, 0, GasUintOverflow
		}
	}
	if authorizationsLen > 0 {
		product, overflow := safeMul(authorizationsLen, PerEmptyAccountCost)
		if overflow {
			return 0, 0, GasUintOverflow
		}
		gas, overflow = safeAdd(gas, product)
		if overflow {
			return 0, 0, GasUintOverflow
		}
	}
	return gas, floorGas7623, Success
}
