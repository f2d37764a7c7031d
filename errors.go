/*
   Copyright 2022 Erigon contributors

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

package txpool

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/thermion/txpool/txpoolcfg"
	"github.com/thermion/txpool/types"
)

// PoolErrorKind groups rejection outcomes by what the caller can do about
// them. InvalidTransaction carries a DiscardReason leaf; the other kinds are
// pool-level conditions that say nothing about the txn itself being malformed.
type PoolErrorKind uint8

const (
	// AlreadyImported - the same hash is already resident in the pool
	AlreadyImported PoolErrorKind = iota + 1
	// ReplacementUnderpriced - same sender and nonce exists and the price bump was insufficient
	ReplacementUnderpriced
	// FeeCapBelowMinimumProtocolFeeCap - fee cap below the protocol-wide minimum
	FeeCapBelowMinimumProtocolFeeCap
	// SpammerExceededCapacity - sender exceeded its per-account slot allowance
	SpammerExceededCapacity
	// DiscardedOnInsert - pool was full and the new txn lost the eviction comparison
	DiscardedOnInsert
	// InvalidTransaction - the txn failed validation, Reason holds the leaf
	InvalidTransaction
	// ExistingConflictingTransactionType - sender has resident txns of a conflicting type (blob vs non-blob)
	ExistingConflictingTransactionType
	// OtherPoolError - internal failures, state reads and the like
	OtherPoolError
)

func (k PoolErrorKind) String() string {
	switch k {
	case AlreadyImported:
		return "already imported"
	case ReplacementUnderpriced:
		return "replacement underpriced"
	case FeeCapBelowMinimumProtocolFeeCap:
		return "fee cap below protocol minimum"
	case SpammerExceededCapacity:
		return "spammer exceeded capacity"
	case DiscardedOnInsert:
		return "discarded on insert"
	case InvalidTransaction:
		return "invalid transaction"
	case ExistingConflictingTransactionType:
		return "conflicting transaction type for sender"
	case OtherPoolError:
		return "pool error"
	}
	return fmt.Sprintf("unknown kind: %d", k)
}

// PoolTransactionError lets an opaque error carried under OtherPoolError
// answer the peer-penalty question itself. Collaborators that feed custom
// failures into the pool (state providers, external validators) implement it;
// anything else defaults to no penalty.
type PoolTransactionError interface {
	error
	// PenalizePeer reports whether the failure indicates a malformed txn
	// rather than a pool- or state-level condition.
	PenalizePeer() bool
}

// PoolError is returned per-txn from the admission path. Hash and Kind are
// always set; the remaining fields depend on the kind.
type PoolError struct {
	Err     error
	Hash    types.Hash
	Sender  types.Address
	FeeCap  uint256.Int
	Kind    PoolErrorKind
	Reason  txpoolcfg.DiscardReason
	TxnType byte
}

func (e *PoolError) Error() string {
	if e.Kind == InvalidTransaction {
		return fmt.Sprintf("txn %s rejected: %s", e.Hash, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("txn %s rejected: %s: %s", e.Hash, e.Kind, e.Err)
	}
	return fmt.Sprintf("txn %s rejected: %s", e.Hash, e.Kind)
}

func (e *PoolError) Unwrap() error { return e.Err }

// IsBadTransaction reports whether the peer that sent this txn should be
// penalized. Pool-capacity and state-dependent outcomes never penalize;
// structural and consensus malformation does, per the configured policy.
func (e *PoolError) IsBadTransaction(policy txpoolcfg.PenaltyPolicy) bool {
	switch e.Kind {
	case AlreadyImported, ReplacementUnderpriced, FeeCapBelowMinimumProtocolFeeCap,
		SpammerExceededCapacity, DiscardedOnInsert:
		return false
	case ExistingConflictingTransactionType:
		return false
	case InvalidTransaction:
		return policy.BadTransaction(e.Reason)
	case OtherPoolError:
		var pte PoolTransactionError
		if errors.As(e.Err, &pte) {
			return pte.PenalizePeer()
		}
		return false
	}
	return false
}

// ReasonToPoolError maps a discard leaf to the pool-level error kind. The
// mapping is explicit per reason so a new leaf cannot silently fall into the
// wrong bucket.
func ReasonToPoolError(hash types.Hash, sender types.Address, txnType byte, reason txpoolcfg.DiscardReason) *PoolError {
	e := &PoolError{Hash: hash, Sender: sender, TxnType: txnType, Reason: reason}
	switch reason {
	case txpoolcfg.AlreadyKnown, txpoolcfg.DuplicateHash:
		e.Kind = AlreadyImported
	case txpoolcfg.NotReplaced, txpoolcfg.ReplaceUnderpriced:
		e.Kind = ReplacementUnderpriced
	case txpoolcfg.UnderPriced, txpoolcfg.FeeTooLow:
		e.Kind = FeeCapBelowMinimumProtocolFeeCap
	case txpoolcfg.Spammer:
		e.Kind = SpammerExceededCapacity
	case txpoolcfg.PendingPoolOverflow, txpoolcfg.BaseFeePoolOverflow,
		txpoolcfg.QueuedPoolOverflow, txpoolcfg.BlobPoolOverflow:
		e.Kind = DiscardedOnInsert
	case txpoolcfg.BlobTxReplace:
		e.Kind = ExistingConflictingTransactionType
	case txpoolcfg.NotSet, txpoolcfg.Success, txpoolcfg.Mined,
		txpoolcfg.ReplacedByHigherTip, txpoolcfg.Expired,
		txpoolcfg.StateReadError:
		e.Kind = OtherPoolError
	default:
		e.Kind = InvalidTransaction
	}
	return e
}
