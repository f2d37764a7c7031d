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
	"math"

	"github.com/holiman/uint256"
	"github.com/ledgerwatch/log/v3"

	"github.com/thermion/txpool/crypto"
	"github.com/thermion/txpool/txpoolcfg"
	"github.com/thermion/txpool/types"
)

func (p *TxPool) isBerlin() bool {
	return p.chainConfig.IsBerlin(p.lastSeenBlock.Load() + 1)
}

func (p *TxPool) isLondon() bool {
	return p.chainConfig.IsLondon(p.lastSeenBlock.Load() + 1)
}

func (p *TxPool) isShanghai() bool {
	return p.chainConfig.IsShanghai(p.lastSeenBlockTime.Load())
}

func (p *TxPool) isCancun() bool {
	return p.chainConfig.IsCancun(p.lastSeenBlockTime.Load())
}

func (p *TxPool) isPrague() bool {
	return p.chainConfig.IsPrague(p.lastSeenBlockTime.Load())
}

func (p *TxPool) isOsaka() bool {
	return p.chainConfig.IsOsaka(p.lastSeenBlockTime.Load())
}

func (p *TxPool) GetMaxBlobsPerBlock() uint64 {
	return p.chainConfig.BlobSchedule.MaxBlobsPerBlock(p.isPrague())
}

// Check that the serialized txn should not exceed a certain max size
func (p *TxPool) ValidateSerializedTxn(serializedTxn []byte) error {
	const (
		// txnSlotSize is used to calculate how many data slots a single transaction
		// takes up based on its size. The slots are used as DoS protection, ensuring
		// that validating a new transaction remains a constant operation (in reality
		// O(maxslots), where max slots are 4 currently).
		txnSlotSize = 32 * 1024

		// txnMaxSize is the maximum size a single transaction can have. This field has
		// non-trivial consequences: larger transactions are significantly harder and
		// more expensive to propagate; larger transactions also take more resources
		// to validate whether they fit into the pool or not.
		txnMaxSize = 4 * txnSlotSize // 128KB

		// Should be enough for a transaction with 6 blobs
		blobTxnMaxSize = 800_000
	)
	txnType, err := types.PeekTransactionType(serializedTxn)
	if err != nil {
		return err
	}
	maxSize := txnMaxSize
	if p.cfg.MaxRlpSize > 0 {
		maxSize = int(p.cfg.MaxRlpSize.Bytes())
	}
	if txnType == types.BlobTxnType {
		maxSize = blobTxnMaxSize
	}
	if len(serializedTxn) > maxSize {
		return types.ErrRlpTooBig
	}
	return nil
}

func (p *TxPool) validateTx(txn *types.TxnSlot, isLocal bool, state StateReader) txpoolcfg.DiscardReason {
	if !txn.ChainID.IsZero() && !txn.ChainID.Eq(&p.chainID) {
		return txpoolcfg.ChainIDMismatch
	}
	switch txn.Type {
	case types.AccessListTxnType:
		if !p.isBerlin() {
			return txpoolcfg.TypeNotActivated
		}
	case types.DynamicFeeTxnType:
		if !p.isLondon() {
			return txpoolcfg.TypeNotActivated
		}
	case types.BlobTxnType:
		if !p.isCancun() {
			return txpoolcfg.TypeNotActivated
		}
	case types.SetCodeTxnType:
		if !p.isPrague() {
			return txpoolcfg.TypeNotActivated
		}
	}

	// EIP-2681: there must be room for at least one more nonce after this txn
	if txn.Nonce == math.MaxUint64 {
		return txpoolcfg.NonceTooHigh
	}
	if txn.Tip.Gt(&txn.FeeCap) {
		return txpoolcfg.TipAboveFeeCap
	}

	isShanghai := p.isShanghai()
	if isShanghai && txn.Creation && txn.DataLen > txpoolcfg.MaxInitCodeSize {
		return txpoolcfg.InitCodeTooLarge // EIP-3860
	}
	if txn.Type == types.BlobTxnType {
		if txn.Creation {
			return txpoolcfg.InvalidCreateTxn
		}
		blobCount := txn.BlobCount()
		if blobCount == 0 {
			return txpoolcfg.NoBlobs
		}
		if blobCount > p.GetMaxBlobsPerBlock() {
			return txpoolcfg.TooManyBlobs
		}
		if len(txn.Blobs) == 0 {
			return txpoolcfg.MissingBlobSidecar
		}
		isOsaka := p.isOsaka()
		if isOsaka && txn.WrapperVersion == 0 {
			return txpoolcfg.MissingCellProofs
		}
		if !isOsaka && txn.WrapperVersion == 1 {
			return txpoolcfg.UnexpectedCellProofs
		}

		proofsPerBlob := 1
		if txn.WrapperVersion == 1 {
			proofsPerBlob = types.CellProofsPerBlob
		}
		equalNumber := uint64(len(txn.Blobs)) == blobCount &&
			uint64(len(txn.Commitments)) == blobCount &&
			uint64(len(txn.Proofs)) == blobCount*uint64(proofsPerBlob)
		if !equalNumber {
			return txpoolcfg.UnequalBlobTxExt
		}

		for i := 0; i < len(txn.Commitments); i++ {
			if types.Hash(types.KZGToVersionedHash(txn.Commitments[i])) != txn.BlobHashes[i] {
				return txpoolcfg.BlobHashCheckFail
			}
		}

		// https://github.com/ethereum/consensus-specs/blob/017a8495f7671f5fff2075a9bfc9238c1a0982f8/specs/deneb/polynomial-commitments.md#verify_blob_kzg_proof_batch
		var err error
		if txn.WrapperVersion == 1 {
			err = types.VerifyCellProofs(txn.Blobs, txn.Commitments, txn.Proofs)
		} else {
			err = types.VerifyBlobProofs(txn.Blobs, txn.Commitments, txn.Proofs)
		}
		if err != nil {
			return txpoolcfg.UnmatchedBlobTxExt
		}

		if !isLocal && (p.all.blobCount(txn.SenderID)+blobCount) > p.cfg.BlobSlots {
			if txn.Traced {
				log.Info(fmt.Sprintf("TX TRACING: validateTx marked as spamming (too many blobs) idHash=%x slots=%d, limit=%d", txn.IDHash, p.all.count(txn.SenderID), p.cfg.AccountSlots))
			}
			return txpoolcfg.Spammer
		}
		if p.totalBlobsInPool.Load() >= p.cfg.TotalBlobPoolLimit {
			if txn.Traced {
				log.Info(fmt.Sprintf("TX TRACING: validateTx total blobs limit reached in pool limit=%x current blobs=%d", p.cfg.TotalBlobPoolLimit, p.totalBlobsInPool.Load()))
			}
			return txpoolcfg.BlobPoolOverflow
		}
	}

	authorizationLen := len(txn.Authorizations)
	if txn.Type == types.SetCodeTxnType {
		if txn.Creation {
			return txpoolcfg.InvalidCreateTxn
		}
		if authorizationLen == 0 {
			return txpoolcfg.NoAuthorizations
		}
	}

	// Drop non-local transactions under our own minimal accepted gas price or tip
	if !isLocal && uint256.NewInt(p.cfg.MinFeeCap).Cmp(&txn.FeeCap) == 1 {
		if txn.Traced {
			log.Info(fmt.Sprintf("TX TRACING: validateTx underpriced idHash=%x local=%t, feeCap=%d, cfg.MinFeeCap=%d", txn.IDHash, isLocal, txn.FeeCap, p.cfg.MinFeeCap))
		}
		return txpoolcfg.UnderPriced
	}
	if !isLocal && p.cfg.MinTip > 0 && txn.Tip.CmpUint64(p.cfg.MinTip) < 0 {
		return txpoolcfg.TipTooLow
	}
	gas, floorGas, reason := txpoolcfg.CalcIntrinsicGas(uint64(txn.DataLen), uint64(txn.DataNonZeroLen), uint64(authorizationLen), uint64(txn.AlAddrCount), uint64(txn.AlStorCount), txn.Creation, true, true, isShanghai, p.isPrague())
	if p.isPrague() && floorGas > gas {
		gas = floorGas
	}
	if txn.Traced {
		log.Info(fmt.Sprintf("TX TRACING: validateTx intrinsic gas idHash=%x gas=%d", txn.IDHash, gas))
	}
	if reason != txpoolcfg.Success {
		if txn.Traced {
			log.Info(fmt.Sprintf("TX TRACING: validateTx intrinsic gas calculated failed idHash=%x reason=%s", txn.IDHash, reason))
		}
		return reason
	}
	if gas > txn.Gas {
		if txn.Traced {
			log.Info(fmt.Sprintf("TX TRACING: validateTx intrinsic gas > txn.gas idHash=%x gas=%d, txn.gas=%d", txn.IDHash, gas, txn.Gas))
		}
		return txpoolcfg.IntrinsicGas
	}
	if blockGasLimit := p.blockGasLimit.Load(); txn.Gas > blockGasLimit || (p.cfg.MaxBlockGasLimit > 0 && txn.Gas > p.cfg.MaxBlockGasLimit) {
		if txn.Traced {
			log.Info(fmt.Sprintf("TX TRACING: validateTx gas limit too high idHash=%x gas=%d, limit=%d", txn.IDHash, txn.Gas, blockGasLimit))
		}
		return txpoolcfg.GasLimitTooHigh
	}
	if !isLocal && uint64(p.all.count(txn.SenderID)) > p.cfg.AccountSlots {
		if txn.Traced {
			log.Info(fmt.Sprintf("TX TRACING: validateTx marked as spamming idHash=%x slots=%d, limit=%d", txn.IDHash, p.all.count(txn.SenderID), p.cfg.AccountSlots))
		}
		return txpoolcfg.Spammer
	}

	// Blob txns and regular txns may not share a sender account inside the pool
	if count := p.all.count(txn.SenderID); count > 0 {
		senderHasBlobs := p.all.blobCount(txn.SenderID) > 0
		if senderHasBlobs != (txn.Type == types.BlobTxnType) {
			return txpoolcfg.BlobTxReplace
		}
	}

	// check nonce and balance
	senderNonce, senderBalance, err := p.senders.info(state, txn.SenderID)
	if err != nil {
		log.Warn("[txpool] account read failed", "idHash", fmt.Sprintf("%x", txn.IDHash), "err", err)
		return txpoolcfg.StateReadError
	}
	if senderNonce > txn.Nonce {
		if txn.Traced {
			log.Info(fmt.Sprintf("TX TRACING: validateTx nonce too low idHash=%x nonce in state=%d, txn.nonce=%d", txn.IDHash, senderNonce, txn.Nonce))
		}
		return txpoolcfg.NonceTooLow
	}
	// EIP-4844 does not allow nonce gaps ahead of a blob txn
	if txn.Type == types.BlobTxnType && txn.Nonce > senderNonce {
		if p.all.get(txn.SenderID, txn.Nonce-1) == nil {
			return txpoolcfg.BlobNonceGap
		}
	}
	// EIP-3607: accounts with deployed bytecode may not originate transactions.
	// HasCode excludes EIP-7702 delegation designations, so delegated accounts pass.
	addr := p.senders.senderID2Addr[txn.SenderID]
	hasCode, err := state.HasCode(addr)
	if err != nil {
		log.Warn("[txpool] code read failed", "idHash", fmt.Sprintf("%x", txn.IDHash), "err", err)
		return txpoolcfg.StateReadError
	}
	if hasCode {
		return txpoolcfg.SenderNotEOA
	}
	// An account with an in-flight authorization is limited to a single pooled
	// txn, and that txn must not sit behind a nonce gap
	if _, pendingAuth := p.auths[addr]; pendingAuth {
		if p.all.count(txn.SenderID) >= 1 && p.all.get(txn.SenderID, txn.Nonce) == nil {
			return txpoolcfg.InflightTxLimitReached
		}
		if txn.Nonce > senderNonce {
			return txpoolcfg.OutOfOrderTxFromDelegated
		}
	}
	// Transactor should have enough funds to cover the costs
	total := requiredBalance(txn)
	if senderBalance.Cmp(total) < 0 {
		if txn.Traced {
			log.Info(fmt.Sprintf("TX TRACING: validateTx insufficient funds idHash=%x balance in state=%d, required=%d", txn.IDHash, senderBalance, total))
		}
		return txpoolcfg.InsufficientFunds
	}
	return txpoolcfg.Success
}

func (p *TxPool) validateTxs(txns *types.TxnSlots, state StateReader) (reasons []txpoolcfg.DiscardReason, goodTxns types.TxnSlots, err error) {
	// reasons is pre-sized for direct indexing, with the default zero
	// value DiscardReason of NotSet
	reasons = make([]txpoolcfg.DiscardReason, len(txns.Txns))

	if err := txns.Valid(); err != nil {
		return reasons, goodTxns, err
	}

	goodCount := 0
	for i, txn := range txns.Txns {
		reason := p.validateTx(txn, txns.IsLocal[i], state)
		if reason == txpoolcfg.Success {
			goodCount++
			// Success here means no DiscardReason yet, so leave it NotSet
			continue
		}
		if reason == txpoolcfg.Spammer {
			p.punishSpammer(txn.SenderID)
		}
		invalidTxnsCounter.Inc()
		reasons[i] = reason
	}

	goodTxns.Resize(uint(goodCount))
	j := 0
	for i, txn := range txns.Txns {
		if reasons[i] == txpoolcfg.NotSet {
			goodTxns.Txns[j] = txn
			goodTxns.IsLocal[j] = txns.IsLocal[i]
			copy(goodTxns.Senders.At(j), txns.Senders.At(i))
			j++
		}
	}
	return reasons, goodTxns, nil
}

var maxUint256 = new(uint256.Int).SetAllOne()

// Sender should have enough balance for: gasLimit x feeCap + blobGas x blobFeeCap + transferred_value
// See YP, Eq (61) in Section 6.2 "Execution"
func requiredBalance(txn *types.TxnSlot) *uint256.Int {
	// See https://github.com/ethereum/EIPs/pull/3594
	total := uint256.NewInt(txn.Gas)
	_, overflow := total.MulOverflow(total, &txn.FeeCap)
	if overflow {
		return maxUint256
	}
	// and https://eips.ethereum.org/EIPS/eip-4844#gas-accounting
	blobCount := txn.BlobCount()
	if blobCount != 0 {
		maxBlobGasCost := uint256.NewInt(txpoolcfg.BlobGasPerBlob)
		maxBlobGasCost.Mul(maxBlobGasCost, uint256.NewInt(blobCount))
		_, overflow = maxBlobGasCost.MulOverflow(maxBlobGasCost, &txn.BlobFeeCap)
		if overflow {
			return maxUint256
		}
		_, overflow = total.AddOverflow(total, maxBlobGasCost)
		if overflow {
			return maxUint256
		}
	}

	_, overflow = total.AddOverflow(total, &txn.Value)
	if overflow {
		return maxUint256
	}
	return total
}

func RecoverSignerFromRLP(rlp []byte, yParity uint8, r uint256.Int, s uint256.Int) (*types.Address, error) {
	hashData := []byte{0x05}
	hashData = append(hashData, rlp...)
	hash := crypto.Keccak256(hashData)

	var sig [65]byte
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)

	if yParity == 0 || yParity == 1 {
		sig[64] = yParity
	} else {
		return nil, fmt.Errorf("invalid y parity value: %d", yParity)
	}

	if !crypto.TransactionSignatureIsValid(sig[64], &r, &s, false /* allowPreEip2s */) {
		return nil, errors.New("invalid signature")
	}

	pubkey, err := crypto.Ecrecover(hash, sig[:])
	if err != nil {
		return nil, err
	}
	if len(pubkey) == 0 || pubkey[0] != 4 {
		return nil, errors.New("invalid public key")
	}

	var authority types.Address
	copy(authority[:], crypto.Keccak256(pubkey[1:])[12:])
	return &authority, nil
}
