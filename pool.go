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
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/holiman/uint256"
	"github.com/ledgerwatch/log/v3"

	"github.com/thermion/txpool/chain"
	"github.com/thermion/txpool/txpoolcfg"
	"github.com/thermion/txpool/types"
)

// StateChange describes the pool-relevant effects of a new chain head: the
// fee market parameters of the next pending block and the set of accounts
// whose nonce or balance changed.
type StateChange struct {
	ChangedAccounts []types.Address
	BlockHeight     uint64
	BlockTime       uint64
	BlockGasLimit   uint64
	PendingBaseFee  uint64
	PendingBlobFee  uint64
}

// TxPool - holds all pool-related data structures and lock-based tiny methods
// most of logic implemented by pure tests-friendly functions
//
// txpool doesn't start any goroutines - "leave concurrency to user" design
// It preserve TxnSlot objects immutable
type TxPool struct {
	lock         *sync.Mutex
	lastSeenCond *sync.Cond

	byHash                  map[string]*metaTxn                             // txn_hash => txn : only those txns which are currently in the pool
	discardReasonsLRU       *simplelru.LRU[string, txpoolcfg.DiscardReason] // txn_hash => discard_reason
	isLocalLRU              *simplelru.LRU[string, struct{}]                // txn_hash => is_local : to restore isLocal flag of unwinded transactions
	pending                 *PendingPool
	baseFee                 *SubPool
	queued                  *SubPool
	all                     *BySenderAndNonce // senderID => (sorted map of txn nonce => *metaTxn)
	senders                 *sendersBatch
	auths                   map[types.Address]*metaTxn // All accounts with a pooled authorization
	unprocessedRemoteTxns   *types.TxnSlots
	unprocessedRemoteByHash map[string]int // to skip dedup unprocessed txns by hash
	promoted                types.Announcements
	newPendingTxns          chan types.Announcements // notifications about new txns in Pending sub-pool
	drops                   *dropEvents
	cfg                     txpoolcfg.Config
	chainConfig             *chain.Config
	chainID                 uint256.Int
	state                   StateReader
	lastSeenBlock           atomic.Uint64
	lastSeenBlockTime       atomic.Uint64
	started                 atomic.Bool
	pendingBaseFee          atomic.Uint64
	pendingBlobFee          atomic.Uint64 // For gas accounting for blobs, which has its own dimension
	blockGasLimit           atomic.Uint64
	totalBlobsInPool        atomic.Uint64
}

func New(newTxns chan types.Announcements, cfg txpoolcfg.Config, chainConfig *chain.Config, state StateReader) (*TxPool, error) {
	localsHistory, err := simplelru.NewLRU[string, struct{}](10_000, nil)
	if err != nil {
		return nil, err
	}
	discardHistory, err := simplelru.NewLRU[string, txpoolcfg.DiscardReason](10_000, nil)
	if err != nil {
		return nil, err
	}

	tracedSenders := make(map[types.Address]struct{})
	for _, sender := range cfg.TracedSenders {
		tracedSenders[types.BytesToAddress([]byte(sender))] = struct{}{}
	}
	if cfg.Penalties == nil {
		cfg.Penalties = txpoolcfg.DefaultPenaltyPolicy()
	}

	lock := &sync.Mutex{}

	res := &TxPool{
		lock:                    lock,
		lastSeenCond:            sync.NewCond(lock),
		byHash:                  map[string]*metaTxn{},
		isLocalLRU:              localsHistory,
		discardReasonsLRU:       discardHistory,
		all:                     newBySenderAndNonce(),
		pending:                 NewPendingSubPool(PendingSubPool, cfg.PendingSubPoolLimit),
		baseFee:                 NewSubPool(BaseFeeSubPool, cfg.BaseFeeSubPoolLimit),
		queued:                  NewSubPool(QueuedSubPool, cfg.QueuedSubPoolLimit),
		newPendingTxns:          newTxns,
		drops:                   newDropEvents(4096),
		senders:                 newSendersBatch(tracedSenders),
		auths:                   map[types.Address]*metaTxn{},
		unprocessedRemoteTxns:   &types.TxnSlots{},
		unprocessedRemoteByHash: map[string]int{},
		cfg:                     cfg,
		chainConfig:             chainConfig,
		chainID:                 chainConfig.ChainID,
		state:                   state,
	}
	if cfg.MaxBlockGasLimit > 0 {
		res.blockGasLimit.Store(cfg.MaxBlockGasLimit)
	} else {
		res.blockGasLimit.Store(txpoolcfg.DefaultConfig.MaxBlockGasLimit)
	}
	res.pendingBaseFee.Store(calcProtocolBaseFee(0))
	return res, nil
}

func (p *TxPool) Start(_ context.Context) error {
	if p.started.CompareAndSwap(false, true) {
		log.Info("[txpool] Started")
	}
	return nil
}

func (p *TxPool) Started() bool { return p.started.Load() }

// Notifications returns the drop-event stream. Events are emitted best-effort:
// a slow consumer loses events instead of stalling the pool.
func (p *TxPool) Notifications() <-chan DropEvent { return p.drops.ch }

func (p *TxPool) OnNewBlock(_ context.Context, change *StateChange, unwindTxns, minedTxns types.TxnSlots) error {
	defer newBlockTimer.UpdateDuration(time.Now())

	block := change.BlockHeight
	available := len(p.pending.best.ms)
	var err error
	defer func() {
		log.Debug("[txpool] New block", "block", block, "unwound", len(unwindTxns.Txns), "mined", len(minedTxns.Txns), "baseFee", change.PendingBaseFee, "pending-pre", available, "pending", p.pending.Len(), "baseFee", p.baseFee.Len(), "queued", p.queued.Len(), "err", err)
	}()

	if err = minedTxns.Valid(); err != nil {
		return err
	}

	p.lock.Lock()
	defer func() {
		if err == nil {
			p.lastSeenBlock.Store(block)
			p.lastSeenBlockTime.Store(change.BlockTime)
			p.lastSeenCond.Broadcast()
		}
		p.lock.Unlock()
	}()

	// a repeated feed of the same height is a no-op
	if p.started.Load() && block != 0 && block == p.lastSeenBlock.Load() {
		return nil
	}

	pendingBaseFee, baseFeeChanged := p.setBaseFee(change.PendingBaseFee)
	// Update pendingBase for all pool queues and slices
	if baseFeeChanged {
		p.pending.best.pendingBaseFee = pendingBaseFee
		p.pending.worst.pendingBaseFee = pendingBaseFee
		p.baseFee.best.pendingBaseFee = pendingBaseFee
		p.baseFee.worst.pendingBaseFee = pendingBaseFee
		p.queued.best.pendingBaseFee = pendingBaseFee
		p.queued.worst.pendingBaseFee = pendingBaseFee
	}
	pendingBlobFee := change.PendingBlobFee
	p.setBlobFee(pendingBlobFee)

	if change.BlockGasLimit > 0 {
		p.blockGasLimit.Store(change.BlockGasLimit)
	}

	if err = p.senders.onNewBlock(change.ChangedAccounts, unwindTxns, minedTxns); err != nil {
		return err
	}

	if err = removeMined(p.all, minedTxns.Txns, p.pending, p.baseFee, p.queued, p.discardLocked); err != nil {
		return err
	}
	minedTxnsCounter.Add(len(minedTxns.Txns))

	// Unwound txns become viable again. Local ones would lose their priority
	// over remote txns after the remove+re-inject round trip, so the isLocal
	// flag is restored from the LRU.
	for i := range unwindTxns.Txns {
		if p.isLocalLRU.Contains(string(unwindTxns.Txns[i].IDHash[:])) {
			unwindTxns.IsLocal[i] = true
		}
	}

	announcements, err := p.addTxsOnNewBlock(block, change, p.senders, unwindTxns,
		pendingBaseFee, change.BlockGasLimit, p.pending, p.baseFee, p.queued, p.all, p.byHash, p.addLocked, p.discardLocked)
	if err != nil {
		return err
	}
	p.pending.EnforceWorstInvariants()
	p.baseFee.EnforceInvariants()
	p.queued.EnforceInvariants()
	p.promote(pendingBaseFee, pendingBlobFee, &announcements)
	p.pending.EnforceBestInvariants()
	p.promoted.Reset()
	p.promoted.AppendOther(announcements)

	if p.started.CompareAndSwap(false, true) {
		log.Info("[txpool] Started")
	}

	if p.promoted.Len() > 0 {
		select {
		case p.newPendingTxns <- p.promoted.Copy():
		default:
		}
	}
	return nil
}

func (p *TxPool) processRemoteTxns(ctx context.Context) error {
	if !p.Started() {
		return fmt.Errorf("txpool not started yet")
	}

	defer processBatchTxnsTimer.UpdateDuration(time.Now())

	p.lock.Lock()
	defer p.lock.Unlock()

	l := len(p.unprocessedRemoteTxns.Txns)
	if l == 0 {
		return nil
	}

	err := p.senders.registerNewSenders(p.unprocessedRemoteTxns)
	if err != nil {
		return err
	}

	_, newTxns, err := p.validateTxs(p.unprocessedRemoteTxns, p.state)
	if err != nil {
		return err
	}

	announcements, _, err := p.addTxns(p.lastSeenBlock.Load(), p.senders, newTxns,
		p.pendingBaseFee.Load(), p.pendingBlobFee.Load(), p.blockGasLimit.Load(), true)
	if err != nil {
		return err
	}
	p.promoted.Reset()
	p.promoted.AppendOther(announcements)

	if p.promoted.Len() > 0 {
		select {
		case <-ctx.Done():
			return nil
		case p.newPendingTxns <- p.promoted.Copy():
		default:
		}
	}

	p.unprocessedRemoteTxns.Resize(0)
	p.unprocessedRemoteByHash = map[string]int{}

	return nil
}

func (p *TxPool) getRlpLocked(hash []byte) (rlpTxn []byte, sender types.Address, isLocal bool) {
	txn, ok := p.byHash[string(hash)]
	if ok && txn.TxnSlot.Rlp != nil {
		return txn.TxnSlot.Rlp, p.senders.senderID2Addr[txn.TxnSlot.SenderID], txn.subPool&IsLocal > 0
	}
	return nil, types.Address{}, false
}

func (p *TxPool) GetRlp(hash []byte) []byte {
	p.lock.Lock()
	defer p.lock.Unlock()
	rlpTxn, _, _ := p.getRlpLocked(hash)
	if rlpTxn == nil {
		return nil
	}
	cp := make([]byte, len(rlpTxn))
	copy(cp, rlpTxn)
	return cp
}

func (p *TxPool) AppendLocalAnnouncements(types_ []byte, sizes []uint32, hashes []byte) ([]byte, []uint32, []byte) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for hash, txn := range p.byHash {
		if txn.subPool&IsLocal == 0 {
			continue
		}
		types_ = append(types_, txn.TxnSlot.Type)
		sizes = append(sizes, txn.TxnSlot.Size)
		hashes = append(hashes, hash...)
	}
	return types_, sizes, hashes
}

func (p *TxPool) AppendRemoteAnnouncements(types_ []byte, sizes []uint32, hashes []byte) ([]byte, []uint32, []byte) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for hash, txn := range p.byHash {
		if txn.subPool&IsLocal != 0 {
			continue
		}
		types_ = append(types_, txn.TxnSlot.Type)
		sizes = append(sizes, txn.TxnSlot.Size)
		hashes = append(hashes, hash...)
	}
	for hash, txnIdx := range p.unprocessedRemoteByHash {
		txnSlot := p.unprocessedRemoteTxns.Txns[txnIdx]
		types_ = append(types_, txnSlot.Type)
		sizes = append(sizes, txnSlot.Size)
		hashes = append(hashes, hash...)
	}
	return types_, sizes, hashes
}

func (p *TxPool) AppendAllAnnouncements(types_ []byte, sizes []uint32, hashes []byte) ([]byte, []uint32, []byte) {
	types_, sizes, hashes = p.AppendLocalAnnouncements(types_, sizes, hashes)
	types_, sizes, hashes = p.AppendRemoteAnnouncements(types_, sizes, hashes)
	return types_, sizes, hashes
}

func (p *TxPool) IdHashKnown(hash []byte) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.discardReasonsLRU.Get(string(hash)); ok {
		return true
	}
	if _, ok := p.unprocessedRemoteByHash[string(hash)]; ok {
		return true
	}
	_, ok := p.byHash[string(hash)]
	return ok
}

func (p *TxPool) IsLocal(idHash []byte) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.isLocalLRU.Contains(string(idHash))
}

// DiscardReason returns a cached rejection cause for a txn seen recently,
// for callers that ask after the fact.
func (p *TxPool) DiscardReason(idHash []byte) (txpoolcfg.DiscardReason, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.discardReasonsLRU.Get(string(idHash))
}

func (p *TxPool) CountContent() (int, int, int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.pending.Len(), p.baseFee.Len(), p.queued.Len()
}

func (p *TxPool) AddRemoteTxns(_ context.Context, newTxns types.TxnSlots) {
	defer addRemoteTxnsTimer.UpdateDuration(time.Now())
	p.lock.Lock()
	defer p.lock.Unlock()
	for i, txn := range newTxns.Txns {
		hashS := string(txn.IDHash[:])
		_, ok := p.unprocessedRemoteByHash[hashS]
		if ok {
			continue
		}
		p.unprocessedRemoteByHash[hashS] = len(p.unprocessedRemoteTxns.Txns)
		p.unprocessedRemoteTxns.Append(txn, newTxns.Senders.At(i), false)
	}
}

// punishSpammer by drop half of it's transactions with high nonce
func (p *TxPool) punishSpammer(spammer uint64) {
	count := p.all.count(spammer) / 2
	if count > 0 {
		txnsToDelete := make([]*metaTxn, 0, count)
		p.all.descend(spammer, func(mt *metaTxn) bool {
			txnsToDelete = append(txnsToDelete, mt)
			count--
			return count > 0
		})

		for _, mt := range txnsToDelete {
			switch mt.currentSubPool {
			case PendingSubPool:
				p.pending.Remove(mt)
			case BaseFeeSubPool:
				p.baseFee.Remove(mt)
			case QueuedSubPool:
				p.queued.Remove(mt)
			default:
				//already removed
			}
			p.discardLocked(mt, txpoolcfg.Spammer) // can't call it while iterating by all
		}
	}
}

func fillDiscardReasons(reasons []txpoolcfg.DiscardReason, newTxns types.TxnSlots, discardReasonsLRU *simplelru.LRU[string, txpoolcfg.DiscardReason]) []txpoolcfg.DiscardReason {
	for i := range reasons {
		if reasons[i] != txpoolcfg.NotSet {
			continue
		}
		reason, ok := discardReasonsLRU.Get(string(newTxns.Txns[i].IDHash[:]))
		if ok {
			reasons[i] = reason
		} else {
			reasons[i] = txpoolcfg.Success
		}
	}
	return reasons
}

func (p *TxPool) AddLocalTxns(ctx context.Context, newTransactions types.TxnSlots) ([]txpoolcfg.DiscardReason, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if err := p.senders.registerNewSenders(&newTransactions); err != nil {
		return nil, err
	}

	reasons, newTxns, err := p.validateTxs(&newTransactions, p.state)
	if err != nil {
		return nil, err
	}

	announcements, addReasons, err := p.addTxns(p.lastSeenBlock.Load(), p.senders, newTxns,
		p.pendingBaseFee.Load(), p.pendingBlobFee.Load(), p.blockGasLimit.Load(), true)
	if err != nil {
		return nil, err
	}
	// addReasons is indexed by the filtered good txns, reasons by the full input
	j := 0
	for i := range reasons {
		if reasons[i] != txpoolcfg.NotSet {
			continue
		}
		if addReasons[j] != txpoolcfg.NotSet {
			reasons[i] = addReasons[j]
		}
		j++
	}
	p.promoted.Reset()
	p.promoted.AppendOther(announcements)

	reasons = fillDiscardReasons(reasons, newTransactions, p.discardReasonsLRU)
	for i, reason := range reasons {
		if reason == txpoolcfg.Success {
			txn := newTransactions.Txns[i]
			if txn.Traced {
				log.Info(fmt.Sprintf("TX TRACING: AddLocalTxns promotes idHash=%x, senderId=%d", txn.IDHash, txn.SenderID))
			}
			p.promoted.Append(txn.Type, txn.Size, txn.IDHash[:])
		}
	}
	if p.promoted.Len() > 0 {
		select {
		case <-ctx.Done():
			return reasons, nil
		case p.newPendingTxns <- p.promoted.Copy():
		default:
		}
	}
	return reasons, nil
}

// SubmitRaw parses a single serialized txn, validates and admits it as local.
// On rejection the returned error is a *PoolError.
func (p *TxPool) SubmitRaw(ctx context.Context, rlp []byte) (types.Hash, error) {
	if err := p.ValidateSerializedTxn(rlp); err != nil {
		return types.Hash{}, &PoolError{Kind: InvalidTransaction, Reason: txpoolcfg.RLPTooLong, Err: err}
	}
	parseCtx := types.NewTxnParseContext(p.chainID)
	parseCtx.ValidateRLP(p.ValidateSerializedTxn)

	var slots types.TxnSlots
	slot := &types.TxnSlot{}
	sender := make([]byte, types.AddressLength)
	if _, err := parseCtx.ParseTransaction(rlp, 0, slot, sender, false /* hasEnvelope */, true /* wrappedWithBlobs */, nil); err != nil {
		return types.Hash{}, &PoolError{Kind: InvalidTransaction, Reason: txpoolcfg.InvalidSender, Err: err}
	}
	slots.Append(slot, sender, true /* isLocal */)

	reasons, err := p.AddLocalTxns(ctx, slots)
	if err != nil {
		return types.Hash{}, &PoolError{Hash: slot.IDHash, Kind: OtherPoolError, Err: err}
	}
	if reasons[0] != txpoolcfg.Success {
		return types.Hash{}, ReasonToPoolError(slot.IDHash, types.BytesToAddress(sender), slot.Type, reasons[0])
	}
	return slot.IDHash, nil
}

// PenalizePeer reports whether a rejection returned by SubmitRaw should count
// against the peer that relayed the txn, per the configured penalty policy.
func (p *TxPool) PenalizePeer(err error) bool {
	var pe *PoolError
	if errors.As(err, &pe) {
		return pe.IsBadTransaction(p.cfg.Penalties)
	}
	return false
}

func (p *TxPool) addTxns(blockNum uint64, senders *sendersBatch, newTxns types.TxnSlots,
	pendingBaseFee, pendingBlobFee, blockGasLimit uint64, collect bool) (types.Announcements, []txpoolcfg.DiscardReason, error) {
	protocolBaseFee := calcProtocolBaseFee(pendingBaseFee)

	sendersWithChangedState := map[uint64]struct{}{}
	discardReasons := make([]txpoolcfg.DiscardReason, len(newTxns.Txns))
	announcements := types.Announcements{}
	for i, txn := range newTxns.Txns {
		if found, ok := p.byHash[string(txn.IDHash[:])]; ok {
			discardReasons[i] = txpoolcfg.DuplicateHash
			// In case if the transaction is stuck, "poke" it to rebroadcast
			if collect && newTxns.IsLocal[i] && (found.currentSubPool == PendingSubPool || found.currentSubPool == BaseFeeSubPool) {
				announcements.Append(found.TxnSlot.Type, found.TxnSlot.Size, found.TxnSlot.IDHash[:])
			}
			continue
		}
		mt := newMetaTxn(txn, newTxns.IsLocal[i], blockNum)
		if reason := p.addLocked(mt, &announcements); reason != txpoolcfg.NotSet {
			discardReasons[i] = reason
			continue
		}
		discardReasons[i] = txpoolcfg.NotSet
		if txn.Traced {
			log.Info(fmt.Sprintf("TX TRACING: schedule sendersWithChangedState idHash=%x senderId=%d", txn.IDHash, mt.TxnSlot.SenderID))
		}
		sendersWithChangedState[mt.TxnSlot.SenderID] = struct{}{}
	}

	for senderID := range sendersWithChangedState {
		nonce, balance, err := senders.info(p.state, senderID)
		if err != nil {
			return announcements, discardReasons, err
		}
		p.onSenderStateChange(senderID, nonce, balance, protocolBaseFee, blockGasLimit)
	}

	p.promote(pendingBaseFee, pendingBlobFee, &announcements)
	p.pending.EnforceBestInvariants()

	return announcements, discardReasons, nil
}

func (p *TxPool) addTxsOnNewBlock(blockNum uint64, change *StateChange, senders *sendersBatch,
	newTxns types.TxnSlots, pendingBaseFee, blockGasLimit uint64,
	pending *PendingPool, baseFee, queued *SubPool,
	byNonce *BySenderAndNonce, byHash map[string]*metaTxn,
	add func(*metaTxn, *types.Announcements) txpoolcfg.DiscardReason, discard func(*metaTxn, txpoolcfg.DiscardReason)) (types.Announcements, error) {
	protocolBaseFee := calcProtocolBaseFee(pendingBaseFee)

	sendersWithChangedState := map[uint64]struct{}{}
	announcements := types.Announcements{}
	for i, txn := range newTxns.Txns {
		if _, ok := byHash[string(txn.IDHash[:])]; ok {
			continue
		}
		mt := newMetaTxn(txn, newTxns.IsLocal[i], blockNum)
		if reason := add(mt, &announcements); reason != txpoolcfg.NotSet {
			discard(mt, reason)
			continue
		}
		sendersWithChangedState[mt.TxnSlot.SenderID] = struct{}{}
	}
	// add senders changed in state to `sendersWithChangedState` list
	for _, addr := range change.ChangedAccounts {
		id, ok := senders.getID(addr)
		if !ok {
			continue
		}
		sendersWithChangedState[id] = struct{}{}
	}
	// unwound txns touch their sender's accounting even when not re-admitted
	for _, txn := range newTxns.Txns {
		sendersWithChangedState[txn.SenderID] = struct{}{}
	}

	for senderID := range sendersWithChangedState {
		nonce, balance, err := senders.info(p.state, senderID)
		if err != nil {
			return announcements, err
		}
		p.onSenderStateChange(senderID, nonce, balance, protocolBaseFee, blockGasLimit)
	}

	return announcements, nil
}

func (p *TxPool) setBaseFee(baseFee uint64) (uint64, bool) {
	changed := baseFee != p.pendingBaseFee.Load()
	p.pendingBaseFee.Store(baseFee)
	return p.pendingBaseFee.Load(), changed
}

func (p *TxPool) setBlobFee(blobFee uint64) {
	if blobFee > 0 {
		p.pendingBlobFee.Store(blobFee)
	}
}

func (p *TxPool) addLocked(mt *metaTxn, announcements *types.Announcements) txpoolcfg.DiscardReason {
	// Insert to pending pool, if pool doesn't have txn with same Nonce and bigger Tip
	found := p.all.get(mt.TxnSlot.SenderID, mt.TxnSlot.Nonce)
	if found != nil {
		if found.TxnSlot.Type == types.BlobTxnType && mt.TxnSlot.Type != types.BlobTxnType {
			return txpoolcfg.BlobTxReplace
		}
		priceBump := p.cfg.PriceBump

		//Blob txn threshold checks for replace txn
		if mt.TxnSlot.Type == types.BlobTxnType {
			priceBump = p.cfg.BlobPriceBump
			blobFeeThreshold, overflow := (&uint256.Int{}).MulDivOverflow(
				&found.TxnSlot.BlobFeeCap,
				uint256.NewInt(100+priceBump),
				uint256.NewInt(100),
			)
			if mt.TxnSlot.BlobFeeCap.Lt(blobFeeThreshold) && !overflow {
				if bytes.Equal(found.TxnSlot.IDHash[:], mt.TxnSlot.IDHash[:]) {
					return txpoolcfg.NotSet
				}
				return txpoolcfg.NotReplaced
			}
		}

		//Regular txn threshold checks
		tipThreshold := uint256.NewInt(0)
		tipThreshold = tipThreshold.Mul(&found.TxnSlot.Tip, uint256.NewInt(100+priceBump))
		tipThreshold.Div(tipThreshold, uint256.NewInt(100))
		feecapThreshold := uint256.NewInt(0)
		feecapThreshold.Mul(&found.TxnSlot.FeeCap, uint256.NewInt(100+priceBump))
		feecapThreshold.Div(feecapThreshold, uint256.NewInt(100))
		if mt.TxnSlot.Tip.Cmp(tipThreshold) < 0 || mt.TxnSlot.FeeCap.Cmp(feecapThreshold) < 0 {
			// Both tip and feecap need to be larger than previously to replace the transaction
			// In case if the transaction is stuck, "poke" it to rebroadcast
			if mt.subPool&IsLocal != 0 && (found.currentSubPool == PendingSubPool || found.currentSubPool == BaseFeeSubPool) {
				announcements.Append(found.TxnSlot.Type, found.TxnSlot.Size, found.TxnSlot.IDHash[:])
			}
			if bytes.Equal(found.TxnSlot.IDHash[:], mt.TxnSlot.IDHash[:]) {
				return txpoolcfg.NotSet
			}
			return txpoolcfg.NotReplaced
		}

		if found.TxnSlot.Traced || mt.TxnSlot.Traced {
			log.Info("Transaction is to be replaced",
				"account", p.senders.senderID2Addr[mt.TxnSlot.SenderID],
				"oldTxHash", hex.EncodeToString(found.TxnSlot.IDHash[:]),
				"newTxHash", hex.EncodeToString(mt.TxnSlot.IDHash[:]),
				"nonce", mt.TxnSlot.Nonce,
			)
		}
	}
	// A full pending pool does not reject the newcomer here: it is admitted and the
	// capacity pass after promote evicts whichever txn then ranks worst, which may
	// well be the newcomer itself.

	// Everything below must reject without side effects: the incumbent is only
	// displaced and authorities only registered once the newcomer is fully accepted.

	// Don't add blob txn to queued if it's less than current pending blob base fee
	if mt.TxnSlot.Type == types.BlobTxnType && mt.TxnSlot.BlobFeeCap.LtUint64(p.pendingBlobFee.Load()) {
		return txpoolcfg.FeeTooLow
	}

	// Check if we have txn with same authorization in the pool
	var signers []types.Address
	if mt.TxnSlot.Type == types.SetCodeTxnType {
		numAuths := len(mt.TxnSlot.AuthRaw)
		signers = make([]types.Address, 0, numAuths)
		for i := 0; i < numAuths; i++ {
			signature := mt.TxnSlot.Authorizations[i]
			signer, err := RecoverSignerFromRLP(mt.TxnSlot.AuthRaw[i], uint8(signature.V.Uint64()), signature.R, signature.S)
			if err != nil {
				continue
			}
			if owner, ok := p.auths[*signer]; ok && owner != found {
				return txpoolcfg.AuthorityReserved
			}
			for _, prev := range signers {
				if prev == *signer {
					return txpoolcfg.AuthorityReserved
				}
			}
			signers = append(signers, *signer)
		}
	}

	if found != nil {
		switch found.currentSubPool {
		case PendingSubPool:
			p.pending.Remove(found)
		case BaseFeeSubPool:
			p.baseFee.Remove(found)
		case QueuedSubPool:
			p.queued.Remove(found)
		default:
			//already removed
		}
		p.discardLocked(found, txpoolcfg.ReplacedByHigherTip)
		replacedTxnsCounter.Inc()
	}
	for _, signer := range signers {
		p.auths[signer] = mt
	}

	hashStr := string(mt.TxnSlot.IDHash[:])
	p.byHash[hashStr] = mt

	if replaced := p.all.replaceOrInsert(mt); replaced != nil {
		panic("must never happen")
	}

	if mt.subPool&IsLocal != 0 {
		p.isLocalLRU.Add(hashStr, struct{}{})
	}
	if mt.TxnSlot.Type == types.BlobTxnType {
		p.totalBlobsInPool.Add(uint64(len(mt.TxnSlot.Blobs)))
	}
	// All transactions are first added to the queued pool and then immediately promoted from there if required
	p.queued.Add(mt)
	return txpoolcfg.NotSet
}

// dropping transaction from all sub-structures
// Important: don't call it while iterating by all
func (p *TxPool) discardLocked(mt *metaTxn, reason txpoolcfg.DiscardReason) {
	hashStr := string(mt.TxnSlot.IDHash[:])
	delete(p.byHash, hashStr)
	p.all.delete(mt)
	p.discardReasonsLRU.Add(hashStr, reason)
	p.drops.send(mt.TxnSlot.IDHash, dropReasonOf(reason))

	if mt.TxnSlot.Type == types.BlobTxnType {
		t := p.totalBlobsInPool.Load()
		p.totalBlobsInPool.Store(t - uint64(len(mt.TxnSlot.Blobs)))
	}
	if mt.TxnSlot.Type == types.SetCodeTxnType {
		numAuths := len(mt.TxnSlot.AuthRaw)
		for i := 0; i < numAuths; i++ {
			signature := mt.TxnSlot.Authorizations[i]
			signer, err := RecoverSignerFromRLP(mt.TxnSlot.AuthRaw[i], uint8(signature.V.Uint64()), signature.R, signature.S)
			if err != nil {
				continue
			}
			if owner, ok := p.auths[*signer]; ok && owner == mt {
				delete(p.auths, *signer)
			}
		}
	}
}

func dropReasonOf(reason txpoolcfg.DiscardReason) DropReason {
	switch reason {
	case txpoolcfg.Mined:
		return DropIncluded
	case txpoolcfg.ReplacedByHigherTip:
		return DropReplaced
	case txpoolcfg.PendingPoolOverflow, txpoolcfg.BaseFeePoolOverflow,
		txpoolcfg.QueuedPoolOverflow, txpoolcfg.BlobPoolOverflow,
		txpoolcfg.Spammer, txpoolcfg.Expired:
		return DropEvicted
	}
	return DropInvalidated
}

func (p *TxPool) NonceFromAddress(addr [20]byte) (nonce uint64, inPool bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	senderID, found := p.senders.getID(addr)
	if !found {
		return 0, false
	}
	return p.all.nonce(senderID)
}

// removeMined - apply new highest block (or batch of blocks)
//
// 1. New best block arrives, which potentially changes the balance and the nonce of some senders.
// We use senderIds data structure to find relevant senderId values, and then use senders data structure to
// modify state_balance and state_nonce, potentially remove some elements (if transaction with some nonce is
// included into a block), and finally, walk over the transaction records and update SubPool fields depending on
// the actual presence of nonce gaps and what the balance is.
func removeMined(byNonce *BySenderAndNonce, minedTxns []*types.TxnSlot, pending *PendingPool, baseFee, queued *SubPool, discard func(*metaTxn, txpoolcfg.DiscardReason)) error {
	noncesToRemove := map[uint64]uint64{}
	for _, txn := range minedTxns {
		nonce, ok := noncesToRemove[txn.SenderID]
		if !ok || txn.Nonce > nonce {
			noncesToRemove[txn.SenderID] = txn.Nonce
		}
	}

	var toDel []*metaTxn // can't delete items while iterate them
	for senderID, nonce := range noncesToRemove {
		// delete mined transactions from everywhere
		byNonce.ascend(senderID, func(mt *metaTxn) bool {
			if mt.TxnSlot.Nonce > nonce {
				return false
			}
			if mt.TxnSlot.Traced {
				log.Info(fmt.Sprintf("TX TRACING: removeMined idHash=%x senderId=%d, currentSubPool=%s", mt.TxnSlot.IDHash, mt.TxnSlot.SenderID, mt.currentSubPool))
			}
			toDel = append(toDel, mt)
			// del from sub-pool
			switch mt.currentSubPool {
			case PendingSubPool:
				pending.Remove(mt)
			case BaseFeeSubPool:
				baseFee.Remove(mt)
			case QueuedSubPool:
				queued.Remove(mt)
			default:
				//already removed
			}
			return true
		})

		for _, mt := range toDel {
			discard(mt, txpoolcfg.Mined)
		}
		toDel = toDel[:0]
	}
	return nil
}

// onSenderStateChange - recalculate everything related to a sender with changed state (nonce, balance)
func (p *TxPool) onSenderStateChange(senderID uint64, senderNonce uint64, senderBalance uint256.Int, protocolBaseFee, blockGasLimit uint64) {
	noGapsNonce := senderNonce
	cumulativeRequiredBalance := uint256.NewInt(0)
	var minFeeCap uint256.Int
	minFeeCap.SetAllOne()
	minTip := uint64(math.MaxUint64)
	if blockGasLimit == 0 {
		blockGasLimit = p.blockGasLimit.Load()
	}
	var toDel []*metaTxn // can't delete items while iterate them
	p.all.ascend(senderID, func(mt *metaTxn) bool {
		if mt.TxnSlot.Traced {
			log.Info(fmt.Sprintf("TX TRACING: onSenderStateChange loop iteration idHash=%x senderID=%d, senderNonce=%d, txn.nonce=%d, currentSubPool=%s", mt.TxnSlot.IDHash, senderID, senderNonce, mt.TxnSlot.Nonce, mt.currentSubPool))
		}
		if senderNonce > mt.TxnSlot.Nonce {
			// mined behind the sender's state nonce, will never be valid again
			toDel = append(toDel, mt)
			return true
		}
		// Blob txns with a nonce gap ahead of them are not useful to hold on to
		if mt.TxnSlot.Type == types.BlobTxnType && mt.TxnSlot.Nonce > noGapsNonce {
			toDel = append(toDel, mt)
			return true
		}
		if minFeeCap.Gt(&mt.TxnSlot.FeeCap) {
			minFeeCap = mt.TxnSlot.FeeCap
		}
		mt.minFeeCap = minFeeCap
		if mt.TxnSlot.Tip.IsUint64() {
			minTip = min(minTip, mt.TxnSlot.Tip.Uint64())
		}
		mt.minTip = minTip

		mt.nonceDistance = 0
		if mt.TxnSlot.Nonce > senderNonce { // no uint underflow
			mt.nonceDistance = mt.TxnSlot.Nonce - senderNonce
		}

		// Sender has enough balance for: gasLimit x feeCap + transferred_value
		needBalance := requiredBalance(mt.TxnSlot)

		// 1. Minimum fee requirement. Set to 1 if feeCap of the transaction is no less than in-protocol
		// parameter of minimal base fee. Set to 0 if feeCap is less than minimum base fee, which means
		// this transaction will never be included into this particular chain.
		mt.subPool &^= EnoughFeeCapProtocol
		if mt.minFeeCap.CmpUint64(protocolBaseFee) >= 0 {
			mt.subPool |= EnoughFeeCapProtocol
		} else {
			mt.subPool = 0 // TODO: we immediately drop all transactions if they have no first bit - then maybe we don't need this bit at all? And don't add such transactions to queue?
			return true
		}

		// 2. Absence of nonce gaps. Set to 1 for transactions whose nonce is N, state nonce for
		// the sender is M, and there are transactions for all nonces between M and N from the same
		// sender. Set to 0 is the transaction's nonce is divided from the state nonce by one or more nonce gaps.
		mt.subPool &^= NoNonceGaps
		if noGapsNonce == mt.TxnSlot.Nonce {
			mt.subPool |= NoNonceGaps
			noGapsNonce++
		}

		// 3. Sufficient balance for gas. Set to 1 if the balance of sender's account in the
		// state is B, nonce of the sender in the state is M, nonce of the transaction is N, and the
		// sum of feeCap x gasLimit + transferred_value of all transactions from this sender with
		// nonces N+1 ... M is no more than B. Set to 0 otherwise. In other words, this bit is
		// set if there is currently a guarantee that the transaction and all its required prior
		// transactions will be able to pay for gas.
		mt.subPool &^= EnoughBalance
		mt.cumulativeBalanceDistance = math.MaxUint64
		if mt.TxnSlot.Nonce >= senderNonce { // no uint underflow
			cumulativeRequiredBalance = cumulativeRequiredBalance.Add(cumulativeRequiredBalance, needBalance) // already deleted all transactions with nonce <= sender.nonce
			if senderBalance.Gt(cumulativeRequiredBalance) || senderBalance.Eq(cumulativeRequiredBalance) {
				mt.subPool |= EnoughBalance
			} else {
				if cumulativeRequiredBalance.IsUint64() && senderBalance.IsUint64() {
					mt.cumulativeBalanceDistance = cumulativeRequiredBalance.Uint64() - senderBalance.Uint64()
				}
			}
		}

		// 4. Not too much gas: Set to 1 if the transaction doesn't use too much gas
		mt.subPool &^= NotTooMuchGas
		if mt.TxnSlot.Gas < blockGasLimit {
			mt.subPool |= NotTooMuchGas
		}

		// 5. Local transaction. Set to 1 if transaction is local.
		// can't change

		// we do not know if this transaction will be in the pending or baseFee pool, so the
		// positions in the queues need refreshing regardless
		switch mt.currentSubPool {
		case PendingSubPool:
			p.pending.Updated(mt)
		case BaseFeeSubPool:
			p.baseFee.Updated(mt)
		case QueuedSubPool:
			p.queued.Updated(mt)
		}
		return true
	})

	for _, mt := range toDel {
		switch mt.currentSubPool {
		case PendingSubPool:
			p.pending.Remove(mt)
		case BaseFeeSubPool:
			p.baseFee.Remove(mt)
		case QueuedSubPool:
			p.queued.Remove(mt)
		default:
			//already removed
		}
		reason := txpoolcfg.NonceTooLow
		if mt.TxnSlot.Type == types.BlobTxnType && mt.TxnSlot.Nonce > senderNonce {
			reason = txpoolcfg.BlobNonceGap
		}
		p.discardLocked(mt, reason)
	}
}

// promote reasserts invariants of the subpool and returns the list of transactions that ended up
// being promoted to the pending or basefee pool, for re-broadcasting
func (p *TxPool) promote(pendingBaseFee uint64, pendingBlobFee uint64, announcements *types.Announcements) {
	// Demote worst transactions that do not qualify for pending sub pool anymore, to other sub pools, or discard
	for worst := p.pending.Worst(); p.pending.Len() > 0 && (worst.subPool < BaseFeePoolBits || worst.minFeeCap.LtUint64(pendingBaseFee) || (worst.TxnSlot.Type == types.BlobTxnType && worst.TxnSlot.BlobFeeCap.LtUint64(pendingBlobFee))); worst = p.pending.Worst() {
		if worst.subPool >= BaseFeePoolBits {
			txn := p.pending.PopWorst()
			announcements.Append(txn.TxnSlot.Type, txn.TxnSlot.Size, txn.TxnSlot.IDHash[:])
			p.baseFee.Add(txn)
		} else {
			p.queued.Add(p.pending.PopWorst())
		}
	}

	// Promote best transactions from base fee pool to pending pool while they qualify
	for best := p.baseFee.Best(); p.baseFee.Len() > 0 && best.subPool >= BaseFeePoolBits && best.minFeeCap.CmpUint64(pendingBaseFee) >= 0 && (best.TxnSlot.Type != types.BlobTxnType || best.TxnSlot.BlobFeeCap.CmpUint64(pendingBlobFee) >= 0); best = p.baseFee.Best() {
		txn := p.baseFee.PopBest()
		announcements.Append(txn.TxnSlot.Type, txn.TxnSlot.Size, txn.TxnSlot.IDHash[:])
		p.pending.Add(txn)
	}

	// Demote worst transactions that do not qualify for base fee pool anymore, to queued sub pool, or discard
	for worst := p.baseFee.Worst(); p.baseFee.Len() > 0 && worst.subPool < BaseFeePoolBits; worst = p.baseFee.Worst() {
		p.queued.Add(p.baseFee.PopWorst())
	}

	// Promote best transactions from the queued pool to either pending or base fee pool, while they qualify
	for best := p.queued.Best(); p.queued.Len() > 0 && best.subPool >= BaseFeePoolBits; best = p.queued.Best() {
		if best.minFeeCap.CmpUint64(pendingBaseFee) >= 0 {
			txn := p.queued.PopBest()
			announcements.Append(txn.TxnSlot.Type, txn.TxnSlot.Size, txn.TxnSlot.IDHash[:])
			p.pending.Add(txn)
		} else {
			p.baseFee.Add(p.queued.PopBest())
		}
	}

	// Discard worst transactions from the queued sub pool if they do not qualify
	for worst := p.queued.Worst(); p.queued.Len() > 0 && worst.subPool < QueuedPoolBits; worst = p.queued.Worst() {
		p.discardLocked(p.queued.PopWorst(), txpoolcfg.FeeTooLow)
	}

	// Discard worst transactions from pending pool until it is within capacity limit
	for p.pending.Len() > p.pending.limit {
		p.discardLocked(p.pending.PopWorst(), txpoolcfg.PendingPoolOverflow)
		evictedTxnsCounter.Inc()
	}

	// Discard worst transactions from pending sub pool until it is within capacity limits
	for p.baseFee.Len() > p.baseFee.limit {
		p.discardLocked(p.baseFee.PopWorst(), txpoolcfg.BaseFeePoolOverflow)
		evictedTxnsCounter.Inc()
	}

	// Discard worst transactions from the queued sub pool until it is within its capacity limits
	for p.queued.Len() > p.queued.limit {
		p.discardLocked(p.queued.PopWorst(), txpoolcfg.QueuedPoolOverflow)
		evictedTxnsCounter.Inc()
	}
}

func (p *TxPool) best(n uint16, txns *types.TxnsRlp, onTopOf, availableGas, availableBlobGas uint64) (bool, int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	for last := p.lastSeenBlock.Load(); last < onTopOf; last = p.lastSeenBlock.Load() {
		log.Debug("[txpool] too early", "last", last, "requested", onTopOf)
		p.lastSeenCond.Wait()
	}

	isShanghai := p.isShanghai()
	best := p.pending.best

	txns.Resize(uint(min(uint64(n), uint64(len(best.ms)))))
	var toRemove []*metaTxn
	count := 0

	for i := 0; count < int(n) && i < len(best.ms); i++ {
		mt := best.ms[i]
		if mt.TxnSlot.Gas >= p.blockGasLimit.Load() {
			// Skip transactions with very large gas limit
			continue
		}
		rlpTxn, sender, isLocal := p.getRlpLocked(mt.TxnSlot.IDHash[:])
		if len(rlpTxn) == 0 {
			toRemove = append(toRemove, mt)
			continue
		}

		// Skip transactions that require more blob gas than is available
		blobCount := mt.TxnSlot.BlobCount()
		if blobCount*txpoolcfg.BlobGasPerBlob > availableBlobGas {
			continue
		}
		availableBlobGas -= blobCount * txpoolcfg.BlobGasPerBlob

		// make sure we have enough gas in the caller to add this transaction.
		// not an exact science using intrinsic gas but as close as we could hope for at
		// this stage
		authorizationLen := uint64(len(mt.TxnSlot.Authorizations))
		intrinsicGas, _, _ := txpoolcfg.CalcIntrinsicGas(uint64(mt.TxnSlot.DataLen), uint64(mt.TxnSlot.DataNonZeroLen), authorizationLen, uint64(mt.TxnSlot.AlAddrCount), uint64(mt.TxnSlot.AlStorCount), mt.TxnSlot.Creation, true, true, isShanghai, p.isPrague())
		if intrinsicGas > availableGas {
			// we might find another txn with a low enough intrinsic gas to include so carry on
			continue
		}
		availableGas -= intrinsicGas

		txns.Txns[count] = rlpTxn
		copy(txns.Senders.At(count), sender.Bytes())
		txns.IsLocal[count] = isLocal
		count++
	}

	txns.Resize(uint(count))
	if len(toRemove) > 0 {
		for _, mt := range toRemove {
			p.pending.Remove(mt)
		}
	}
	return true, count, nil
}

func (p *TxPool) YieldBest(n uint16, txns *types.TxnsRlp, onTopOf, availableGas, availableBlobGas uint64) (bool, int, error) {
	return p.best(n, txns, onTopOf, availableGas, availableBlobGas)
}

func (p *TxPool) PeekBest(n uint16, txns *types.TxnsRlp, onTopOf, availableGas, availableBlobGas uint64) (bool, error) {
	onTime, _, err := p.best(n, txns, onTopOf, availableGas, availableBlobGas)
	return onTime, err
}

// Pending returns a consistent snapshot of the executable sub-pool in its
// current priority order.
func (p *TxPool) Pending() types.TxnSlots {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.pending.EnforceBestInvariants()

	var slots types.TxnSlots
	for _, mt := range p.pending.best.ms {
		addr := p.senders.senderID2Addr[mt.TxnSlot.SenderID]
		slots.Append(mt.TxnSlot, addr.Bytes(), mt.subPool&IsLocal != 0)
	}
	return slots
}

// Run maintains the pool in the background: remote txn batches are folded in
// periodically and stats are logged. Returns when ctx is cancelled.
func (p *TxPool) Run(ctx context.Context) error {
	processRemoteTxnsEvery := time.NewTicker(p.cfg.ProcessRemoteTxnsEvery)
	defer processRemoteTxnsEvery.Stop()
	logEvery := time.NewTicker(p.cfg.LogEvery)
	defer logEvery.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-processRemoteTxnsEvery.C:
			if !p.Started() {
				continue
			}
			if err := p.processRemoteTxns(ctx); err != nil {
				log.Error("[txpool] process batch remote txns", "err", err)
			}
		case <-logEvery.C:
			p.logStats()
		}
	}
}

func (p *TxPool) logStats() {
	if !p.Started() {
		log.Info("[txpool] Not started yet, waiting for new blocks...")
		return
	}
	p.lock.Lock()
	defer p.lock.Unlock()

	ctx := []interface{}{
		"block", p.lastSeenBlock.Load(),
		"pending", p.pending.Len(),
		"baseFee", p.baseFee.Len(),
		"queued", p.queued.Len(),
		"blobs", p.totalBlobsInPool.Load(),
	}
	log.Info("[txpool] stat", ctx...)
	pendingSubCounter.Set(uint64(p.pending.Len()))
	basefeeSubCounter.Set(uint64(p.baseFee.Len()))
	queuedSubCounter.Set(uint64(p.queued.Len()))
}

// protocol minimum base fee: a txn whose fee cap sits below this can never be
// included, no matter how the market moves
func calcProtocolBaseFee(_ uint64) uint64 {
	return 7
}
