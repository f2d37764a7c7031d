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

package txpool

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thermion/txpool/chain"
	"github.com/thermion/txpool/txpoolcfg"
	"github.com/thermion/txpool/types"
)

type mockAccount struct {
	nonce   uint64
	balance uint256.Int
}

type mockState struct {
	accounts  map[types.Address]mockAccount
	contracts map[types.Address]struct{}
}

func newMockState() *mockState {
	return &mockState{accounts: map[types.Address]mockAccount{}, contracts: map[types.Address]struct{}{}}
}

func (s *mockState) setAccount(addr types.Address, nonce uint64, balance *uint256.Int) {
	s.accounts[addr] = mockAccount{nonce: nonce, balance: *balance}
}

func (s *mockState) AccountInfo(addr types.Address) (uint64, uint256.Int, error) {
	a := s.accounts[addr]
	return a.nonce, a.balance, nil
}

func (s *mockState) HasCode(addr types.Address) (bool, error) {
	_, ok := s.contracts[addr]
	return ok, nil
}

func testChainConfig() *chain.Config {
	zero := uint64(0)
	return &chain.Config{
		ChainID:      *uint256.NewInt(1),
		BerlinBlock:  &zero,
		LondonBlock:  &zero,
		ShanghaiTime: &zero,
		CancunTime:   &zero,
		PragueTime:   &zero,
	}
}

func newTestPool(t *testing.T, cfg txpoolcfg.Config, state StateReader) (*TxPool, chan types.Announcements) {
	t.Helper()
	ch := make(chan types.Announcements, 100)
	pool, err := New(ch, cfg, testChainConfig(), state)
	require.NoError(t, err)
	return pool, ch
}

// dynFeeTxn builds an EIP-1559 transfer with no calldata. The id byte keeps
// hashes unique across the test.
func dynFeeTxn(nonce, tip, feeCap uint64, id byte) *types.TxnSlot {
	slot := &types.TxnSlot{
		Nonce: nonce,
		Gas:   21000,
		Size:  110,
		Type:  types.DynamicFeeTxnType,
		Rlp:   []byte{0x02, id, byte(nonce)},
	}
	slot.Tip = *uint256.NewInt(tip)
	slot.FeeCap = *uint256.NewInt(feeCap)
	slot.IDHash[0] = id
	slot.IDHash[1] = byte(nonce)
	return slot
}

func addSlots(t *testing.T, pool *TxPool, sender types.Address, isLocal bool, slots ...*types.TxnSlot) []txpoolcfg.DiscardReason {
	t.Helper()
	var txns types.TxnSlots
	for _, s := range slots {
		txns.Append(s, sender[:], isLocal)
	}
	reasons, err := pool.AddLocalTxns(context.Background(), txns)
	require.NoError(t, err)
	require.Len(t, reasons, len(slots))
	return reasons
}

func feedBlock(t *testing.T, pool *TxPool, height, baseFee uint64, changed []types.Address, unwind, mined types.TxnSlots) {
	t.Helper()
	change := &StateChange{
		ChangedAccounts: changed,
		BlockHeight:     height,
		BlockTime:       height * 12,
		BlockGasLimit:   30_000_000,
		PendingBaseFee:  baseFee,
	}
	err := pool.OnNewBlock(context.Background(), change, unwind, mined)
	require.NoError(t, err)
}

func TestNonceGapQueueing(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	sender := types.Address{0x0a}
	state.setAccount(sender, 5, uint256.NewInt(1_000_000_000_000_000_000)) // 1 ETH

	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, state)
	feedBlock(t, pool, 1, 1_000_000, nil, types.TxnSlots{}, types.TxnSlots{})

	// nonce 5 is executable, nonce 7 sits behind a gap
	t5 := dynFeeTxn(5, 1_000_000_000, 2_000_000_000, 0x01)
	reasons := addSlots(t, pool, sender, true,
		t5,
		dynFeeTxn(7, 1_000_000_000, 2_000_000_000, 0x02))
	require.Equal(txpoolcfg.Success, reasons[0])
	require.Equal(txpoolcfg.Success, reasons[1])

	pending, baseFee, queued := pool.CountContent()
	require.Equal(1, pending)
	require.Equal(0, baseFee)
	require.Equal(1, queued)

	// filling the gap promotes the whole chain
	reasons = addSlots(t, pool, sender, true, dynFeeTxn(6, 1_000_000_000, 2_000_000_000, 0x03))
	require.Equal(txpoolcfg.Success, reasons[0])

	pending, baseFee, queued = pool.CountContent()
	require.Equal(3, pending)
	require.Equal(0, baseFee)
	require.Equal(0, queued)

	nonce, inPool := pool.NonceFromAddress(sender)
	require.True(inPool)
	require.Equal(uint64(7), nonce)

	require.True(pool.IdHashKnown(t5.IDHash[:]))
}

func TestDuplicateHashRejected(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	sender := types.Address{0x0b}
	state.setAccount(sender, 0, uint256.NewInt(1_000_000_000_000_000_000))

	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, state)

	txn := dynFeeTxn(0, 1_000_000_000, 2_000_000_000, 0x11)
	reasons := addSlots(t, pool, sender, true, txn)
	require.Equal(txpoolcfg.Success, reasons[0])

	reasons = addSlots(t, pool, sender, true, txn)
	require.Equal(txpoolcfg.DuplicateHash, reasons[0])

	pending, _, _ := pool.CountContent()
	require.Equal(1, pending)
}

func TestReplacementPriceBump(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	sender := types.Address{0x0c}
	state.setAccount(sender, 0, uint256.NewInt(1_000_000_000_000_000_000))

	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, state)
	feedBlock(t, pool, 1, 1_000_000, nil, types.TxnSlots{}, types.TxnSlots{})

	original := dynFeeTxn(0, 1_000_000_000, 2_000_000_000, 0x21)
	reasons := addSlots(t, pool, sender, true, original)
	require.Equal(txpoolcfg.Success, reasons[0])

	// 5% bump is below the required 10%
	weak := dynFeeTxn(0, 1_050_000_000, 2_100_000_000, 0x22)
	reasons = addSlots(t, pool, sender, true, weak)
	require.Equal(txpoolcfg.NotReplaced, reasons[0])
	require.True(pool.IdHashKnown(original.IDHash[:]))
	require.False(pool.IdHashKnown(weak.IDHash[:]))

	// 10% on both tip and feeCap replaces
	strong := dynFeeTxn(0, 1_100_000_000, 2_200_000_000, 0x23)
	reasons = addSlots(t, pool, sender, true, strong)
	require.Equal(txpoolcfg.Success, reasons[0])
	require.False(pool.IdHashKnown(original.IDHash[:]))
	require.True(pool.IdHashKnown(strong.IDHash[:]))

	reason, known := pool.DiscardReason(original.IDHash[:])
	require.True(known)
	require.Equal(txpoolcfg.ReplacedByHigherTip, reason)

	pending, _, _ := pool.CountContent()
	require.Equal(1, pending)
}

func TestBaseFeeDemotionAndRepromotion(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	sender := types.Address{0x0d}
	state.setAccount(sender, 0, uint256.NewInt(1_000_000_000_000_000_000))

	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, state)
	feedBlock(t, pool, 1, 1_000_000_000, nil, types.TxnSlots{}, types.TxnSlots{})

	reasons := addSlots(t, pool, sender, true, dynFeeTxn(0, 100_000_000, 1_500_000_000, 0x31))
	require.Equal(txpoolcfg.Success, reasons[0])
	pending, baseFee, _ := pool.CountContent()
	require.Equal(1, pending)
	require.Equal(0, baseFee)

	// base fee rises above the txn's fee cap, it is demoted but not dropped
	feedBlock(t, pool, 2, 2_000_000_000, nil, types.TxnSlots{}, types.TxnSlots{})
	pending, baseFee, _ = pool.CountContent()
	require.Equal(0, pending)
	require.Equal(1, baseFee)

	// base fee falls back, the txn becomes executable again
	feedBlock(t, pool, 3, 1_000_000_000, nil, types.TxnSlots{}, types.TxnSlots{})
	pending, baseFee, _ = pool.CountContent()
	require.Equal(1, pending)
	require.Equal(0, baseFee)
}

func TestQueuedOverflowEvictsWorst(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	s1, s2, s3 := types.Address{0x41}, types.Address{0x42}, types.Address{0x43}
	balance := uint256.NewInt(1_000_000_000_000_000_000)
	state.setAccount(s1, 0, balance)
	state.setAccount(s2, 0, balance)
	state.setAccount(s3, 0, balance)

	cfg := txpoolcfg.DefaultConfig
	cfg.QueuedSubPoolLimit = 2
	pool, _ := newTestPool(t, cfg, state)

	// every txn has a nonce gap, so all of them land in queued
	t1 := dynFeeTxn(5, 1_000_000_000, 2_000_000_000, 0x51)
	t2 := dynFeeTxn(6, 1_000_000_000, 2_000_000_000, 0x52)
	t3 := dynFeeTxn(9, 1_000_000_000, 2_000_000_000, 0x53) // largest nonce distance, evicted first

	require.Equal(txpoolcfg.Success, addSlots(t, pool, s1, true, t1)[0])
	require.Equal(txpoolcfg.Success, addSlots(t, pool, s2, true, t2)[0])

	reasons := addSlots(t, pool, s3, true, t3)
	require.Equal(txpoolcfg.QueuedPoolOverflow, reasons[0])

	_, _, queued := pool.CountContent()
	require.Equal(2, queued)
	require.False(pool.IdHashKnown(t3.IDHash[:]))

	reason, known := pool.DiscardReason(t3.IDHash[:])
	require.True(known)
	require.Equal(txpoolcfg.QueuedPoolOverflow, reason)
}

func TestSpammerPunished(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	sender := types.Address{0x61}
	state.setAccount(sender, 0, uint256.NewInt(1_000_000_000_000_000_000))

	cfg := txpoolcfg.DefaultConfig
	cfg.AccountSlots = 2
	pool, _ := newTestPool(t, cfg, state)

	var last *types.TxnSlot
	for i := uint64(0); i < 3; i++ {
		last = dynFeeTxn(i, 1_000_000_000, 2_000_000_000, 0x70+byte(i))
		reasons := addSlots(t, pool, sender, false, last)
		require.Equal(txpoolcfg.Success, reasons[0], "txn %d", i)
	}

	// the sender is over its allowance now, the next txn marks it as a spammer
	// and half of its resident txns (highest nonce first) are dropped
	reasons := addSlots(t, pool, sender, false, dynFeeTxn(3, 1_000_000_000, 2_000_000_000, 0x73))
	require.Equal(txpoolcfg.Spammer, reasons[0])

	pending, baseFee, queued := pool.CountContent()
	require.Equal(2, pending+baseFee+queued)

	reason, known := pool.DiscardReason(last.IDHash[:])
	require.True(known)
	require.Equal(txpoolcfg.Spammer, reason)
}

func TestRemoteUnderpricedLocalAccepted(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	remoteSender, localSender := types.Address{0x81}, types.Address{0x82}
	state.setAccount(remoteSender, 0, uint256.NewInt(1_000_000_000_000_000_000))
	state.setAccount(localSender, 0, uint256.NewInt(1_000_000_000_000_000_000))

	cfg := txpoolcfg.DefaultConfig
	cfg.MinFeeCap = 1_000_000_000
	pool, _ := newTestPool(t, cfg, state)

	cheap := dynFeeTxn(0, 1_000, 1_000_000, 0x91)
	reasons := addSlots(t, pool, remoteSender, false, cheap)
	require.Equal(txpoolcfg.UnderPriced, reasons[0])

	cheapLocal := dynFeeTxn(0, 1_000, 1_000_000, 0x92)
	reasons = addSlots(t, pool, localSender, true, cheapLocal)
	require.Equal(txpoolcfg.Success, reasons[0])
	require.True(pool.IsLocal(cheapLocal.IDHash[:]))
}

func TestOnNewBlockRemovesMined(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	sender := types.Address{0xa1}
	state.setAccount(sender, 0, uint256.NewInt(1_000_000_000_000_000_000))

	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, state)
	feedBlock(t, pool, 1, 1_000_000, nil, types.TxnSlots{}, types.TxnSlots{})

	t0 := dynFeeTxn(0, 1_000_000_000, 2_000_000_000, 0xb0)
	t1 := dynFeeTxn(1, 1_000_000_000, 2_000_000_000, 0xb1)
	t2 := dynFeeTxn(2, 1_000_000_000, 2_000_000_000, 0xb2)
	addSlots(t, pool, sender, true, t0, t1, t2)
	pending, _, _ := pool.CountContent()
	require.Equal(3, pending)

	// nonces 0 and 1 get included in block 2
	state.setAccount(sender, 2, uint256.NewInt(900_000_000_000_000_000))
	var mined types.TxnSlots
	mined.Append(t0, sender[:], false)
	mined.Append(t1, sender[:], false)
	feedBlock(t, pool, 2, 1_000_000, []types.Address{sender}, types.TxnSlots{}, mined)

	pending, baseFee, queued := pool.CountContent()
	require.Equal(1, pending)
	require.Equal(0, baseFee+queued)
	require.False(pool.IdHashKnown(t0.IDHash[:]))
	require.False(pool.IdHashKnown(t1.IDHash[:]))
	require.True(pool.IdHashKnown(t2.IDHash[:]))

	reason, known := pool.DiscardReason(t0.IDHash[:])
	require.True(known)
	require.Equal(txpoolcfg.Mined, reason)

	nonce, inPool := pool.NonceFromAddress(sender)
	require.True(inPool)
	require.Equal(uint64(2), nonce)
}

func TestOnNewBlockIdempotent(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	sender := types.Address{0xc1}
	state.setAccount(sender, 0, uint256.NewInt(1_000_000_000_000_000_000))

	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, state)
	feedBlock(t, pool, 1, 1_000_000_000, nil, types.TxnSlots{}, types.TxnSlots{})
	require.True(pool.Started())

	addSlots(t, pool, sender, true, dynFeeTxn(0, 100_000_000, 1_500_000_000, 0xd1))
	pending, _, _ := pool.CountContent()
	require.Equal(1, pending)

	// a replayed feed of the same height must not re-apply the base fee change
	feedBlock(t, pool, 1, 5_000_000_000, nil, types.TxnSlots{}, types.TxnSlots{})
	pending, baseFee, _ := pool.CountContent()
	require.Equal(1, pending)
	require.Equal(0, baseFee)
}

func TestUnwindRestoresLocalFlag(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	sender := types.Address{0xd2}
	state.setAccount(sender, 0, uint256.NewInt(1_000_000_000_000_000_000))

	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, state)
	feedBlock(t, pool, 1, 1_000_000, nil, types.TxnSlots{}, types.TxnSlots{})

	txn := dynFeeTxn(0, 1_000_000_000, 2_000_000_000, 0xd3)
	addSlots(t, pool, sender, true, txn)
	require.True(pool.IsLocal(txn.IDHash[:]))

	// mined in block 2, then block 2 is unwound: the txn re-enters as local
	state.setAccount(sender, 1, uint256.NewInt(900_000_000_000_000_000))
	var mined types.TxnSlots
	mined.Append(txn, sender[:], false)
	feedBlock(t, pool, 2, 1_000_000, []types.Address{sender}, types.TxnSlots{}, mined)
	require.False(pool.IdHashKnown(txn.IDHash[:]))

	state.setAccount(sender, 0, uint256.NewInt(1_000_000_000_000_000_000))
	var unwind types.TxnSlots
	unwind.Append(txn, sender[:], false)
	feedBlock(t, pool, 3, 1_000_000, []types.Address{sender}, unwind, types.TxnSlots{})

	require.True(pool.IdHashKnown(txn.IDHash[:]))
	require.True(pool.IsLocal(txn.IDHash[:]))
}

func TestYieldBestOrdersByEffectiveTip(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	s1, s2 := types.Address{0xe1}, types.Address{0xe2}
	state.setAccount(s1, 0, uint256.NewInt(1_000_000_000_000_000_000))
	state.setAccount(s2, 0, uint256.NewInt(1_000_000_000_000_000_000))

	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, state)
	feedBlock(t, pool, 1, 1_000_000, nil, types.TxnSlots{}, types.TxnSlots{})

	cheap := dynFeeTxn(0, 100_000_000, 2_000_000_000, 0xf1)
	rich := dynFeeTxn(0, 900_000_000, 2_000_000_000, 0xf2)
	addSlots(t, pool, s1, true, cheap)
	addSlots(t, pool, s2, true, rich)

	var txns types.TxnsRlp
	onTime, count, err := pool.YieldBest(10, &txns, 1, 1_000_000, 0)
	require.NoError(err)
	require.True(onTime)
	require.Equal(2, count)
	require.Equal(rich.Rlp, txns.Txns[0])
	require.Equal(cheap.Rlp, txns.Txns[1])

	// a budget for a single transfer yields only the best one
	var small types.TxnsRlp
	_, count, err = pool.YieldBest(10, &small, 1, 21_000, 0)
	require.NoError(err)
	require.Equal(1, count)
	require.Equal(rich.Rlp, small.Txns[0])
}

func TestPendingSnapshot(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	sender := types.Address{0xe3}
	state.setAccount(sender, 0, uint256.NewInt(1_000_000_000_000_000_000))

	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, state)
	feedBlock(t, pool, 1, 1_000_000, nil, types.TxnSlots{}, types.TxnSlots{})

	addSlots(t, pool, sender, true,
		dynFeeTxn(0, 1_000_000_000, 2_000_000_000, 0xf5),
		dynFeeTxn(1, 1_000_000_000, 2_000_000_000, 0xf6))

	slots := pool.Pending()
	require.Len(slots.Txns, 2)
	require.Equal(sender, slots.Senders.AddressAt(0))
	require.True(slots.IsLocal[0])
}

func TestRemoteTxnsProcessed(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	sender := types.Address{0xe4}
	state.setAccount(sender, 0, uint256.NewInt(1_000_000_000_000_000_000))

	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, state)

	var txns types.TxnSlots
	txn := dynFeeTxn(0, 1_000_000_000, 2_000_000_000, 0xf7)
	txns.Append(txn, sender[:], false)
	pool.AddRemoteTxns(context.Background(), txns)

	// nothing is admitted until a block starts the pool
	err := pool.processRemoteTxns(context.Background())
	require.Error(err)
	require.False(pool.IdHashKnown(txn.IDHash[:]))

	feedBlock(t, pool, 1, 1_000_000, nil, types.TxnSlots{}, types.TxnSlots{})
	require.NoError(pool.processRemoteTxns(context.Background()))
	require.True(pool.IdHashKnown(txn.IDHash[:]))
	require.False(pool.IsLocal(txn.IDHash[:]))
}

func TestSubmitRawRejectsGarbage(t *testing.T) {
	require := require.New(t)
	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, newMockState())

	_, err := pool.SubmitRaw(context.Background(), []byte{0xc1, 0x80})
	require.Error(err)

	var poolErr *PoolError
	require.True(errors.As(err, &poolErr))
	require.Equal(InvalidTransaction, poolErr.Kind)

	// malformed txns condemn the relaying peer
	require.True(pool.PenalizePeer(err))
	require.False(pool.PenalizePeer(errors.New("unrelated")))
}

func TestAnnouncementsOnPromotion(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	sender := types.Address{0xe5}
	state.setAccount(sender, 0, uint256.NewInt(1_000_000_000_000_000_000))

	pool, ch := newTestPool(t, txpoolcfg.DefaultConfig, state)
	feedBlock(t, pool, 1, 1_000_000, nil, types.TxnSlots{}, types.TxnSlots{})

	txn := dynFeeTxn(0, 1_000_000_000, 2_000_000_000, 0xf8)
	addSlots(t, pool, sender, true, txn)

	select {
	case ann := <-ch:
		require.Positive(ann.Len())
	default:
		t.Fatal("expected an announcement for the promoted txn")
	}
}

func TestDropEventsEmitted(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	sender := types.Address{0xe6}
	state.setAccount(sender, 0, uint256.NewInt(1_000_000_000_000_000_000))

	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, state)
	feedBlock(t, pool, 1, 1_000_000, nil, types.TxnSlots{}, types.TxnSlots{})

	original := dynFeeTxn(0, 1_000_000_000, 2_000_000_000, 0xf9)
	addSlots(t, pool, sender, true, original)
	replacement := dynFeeTxn(0, 1_100_000_000, 2_200_000_000, 0xfa)
	addSlots(t, pool, sender, true, replacement)

	select {
	case ev := <-pool.Notifications():
		require.Equal(original.IDHash, ev.Hash)
		require.Equal(DropReplaced, ev.Reason)
	default:
		t.Fatal("expected a drop event for the replaced txn")
	}
}

func TestBlobFeeGateOnInsert(t *testing.T) {
	require := require.New(t)
	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, newMockState())
	pool.pendingBlobFee.Store(10)

	blob := &types.TxnSlot{Nonce: 0, Gas: 21000, Type: types.BlobTxnType, SenderID: 1}
	blob.BlobFeeCap = *uint256.NewInt(5)
	blob.Blobs = [][]byte{make([]byte, 8)}
	blob.IDHash[0] = 0x01
	mt := newMetaTxn(blob, false, 0)

	var ann types.Announcements
	require.Equal(txpoolcfg.FeeTooLow, pool.addLocked(mt, &ann))

	blob2 := &types.TxnSlot{Nonce: 0, Gas: 21000, Type: types.BlobTxnType, SenderID: 1}
	blob2.BlobFeeCap = *uint256.NewInt(20)
	blob2.Blobs = [][]byte{make([]byte, 8)}
	blob2.IDHash[0] = 0x02
	mt2 := newMetaTxn(blob2, false, 0)

	require.Equal(txpoolcfg.NotSet, pool.addLocked(mt2, &ann))
	require.Equal(uint64(1), pool.totalBlobsInPool.Load())
}

func TestBlobReplacementRules(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, newMockState())

	mkBlob := func(id byte, tip, feeCap, blobFeeCap uint64) *metaTxn {
		slot := &types.TxnSlot{Nonce: 0, Gas: 21000, Type: types.BlobTxnType, SenderID: 1}
		slot.Tip = *uint256.NewInt(tip)
		slot.FeeCap = *uint256.NewInt(feeCap)
		slot.BlobFeeCap = *uint256.NewInt(blobFeeCap)
		slot.Blobs = [][]byte{make([]byte, 8)}
		slot.IDHash[0] = id
		return newMetaTxn(slot, false, 0)
	}

	var ann types.Announcements
	require.Equal(txpoolcfg.NotSet, pool.addLocked(mkBlob(0x01, 10, 100, 100), &ann))

	// blob replacement needs a 100% bump on the blob fee cap
	assert.Equal(txpoolcfg.NotReplaced, pool.addLocked(mkBlob(0x02, 20, 200, 150), &ann))
	assert.Equal(txpoolcfg.NotSet, pool.addLocked(mkBlob(0x03, 20, 200, 200), &ann))

	// a non-blob txn may not displace a resident blob txn
	plain := &types.TxnSlot{Nonce: 0, Gas: 21000, Type: types.DynamicFeeTxnType, SenderID: 1}
	plain.Tip = *uint256.NewInt(1_000_000)
	plain.FeeCap = *uint256.NewInt(1_000_000)
	plain.IDHash[0] = 0x04
	assert.Equal(txpoolcfg.BlobTxReplace, pool.addLocked(newMetaTxn(plain, false, 0), &ann))
}

func TestBlobReplacementBelowBlobFeeFloor(t *testing.T) {
	require := require.New(t)
	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, newMockState())

	mkBlob := func(id byte, tip, feeCap, blobFeeCap uint64) *metaTxn {
		slot := &types.TxnSlot{Nonce: 0, Gas: 21000, Type: types.BlobTxnType, SenderID: 1}
		slot.Tip = *uint256.NewInt(tip)
		slot.FeeCap = *uint256.NewInt(feeCap)
		slot.BlobFeeCap = *uint256.NewInt(blobFeeCap)
		slot.Blobs = [][]byte{make([]byte, 8)}
		slot.IDHash[0] = id
		return newMetaTxn(slot, false, 0)
	}

	var ann types.Announcements
	resident := mkBlob(0x01, 10, 100, 100)
	require.Equal(txpoolcfg.NotSet, pool.addLocked(resident, &ann))

	// the replacement carries the full bump over the incumbent but sits below the
	// current blob base fee: it is rejected and the incumbent must survive
	pool.pendingBlobFee.Store(300)
	replacement := mkBlob(0x02, 20, 200, 200)
	require.Equal(txpoolcfg.FeeTooLow, pool.addLocked(replacement, &ann))

	require.True(pool.IdHashKnown(resident.TxnSlot.IDHash[:]))
	require.False(pool.IdHashKnown(replacement.TxnSlot.IDHash[:]))
	require.Equal(uint64(1), pool.totalBlobsInPool.Load())
}

func TestPendingOverflowEvictsWorst(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	s1, s2, s3 := types.Address{0x44}, types.Address{0x45}, types.Address{0x46}
	balance := uint256.NewInt(1_000_000_000_000_000_000)
	state.setAccount(s1, 0, balance)
	state.setAccount(s2, 0, balance)
	state.setAccount(s3, 0, balance)

	cfg := txpoolcfg.DefaultConfig
	cfg.PendingSubPoolLimit = 1
	pool, _ := newTestPool(t, cfg, state)
	feedBlock(t, pool, 1, 1_000_000, nil, types.TxnSlots{}, types.TxnSlots{})

	cheap := dynFeeTxn(0, 100_000_000, 2_000_000_000, 0x54)
	require.Equal(txpoolcfg.Success, addSlots(t, pool, s1, true, cheap)[0])

	// a better-paying newcomer is admitted into the full pool, the resident is evicted
	rich := dynFeeTxn(0, 900_000_000, 2_000_000_000, 0x55)
	require.Equal(txpoolcfg.Success, addSlots(t, pool, s2, true, rich)[0])

	require.False(pool.IdHashKnown(cheap.IDHash[:]))
	require.True(pool.IdHashKnown(rich.IDHash[:]))
	reason, known := pool.DiscardReason(cheap.IDHash[:])
	require.True(known)
	require.Equal(txpoolcfg.PendingPoolOverflow, reason)

	// a newcomer that ranks worst is itself the one evicted
	poor := dynFeeTxn(0, 50_000_000, 2_000_000_000, 0x56)
	reasons := addSlots(t, pool, s3, true, poor)
	require.Equal(txpoolcfg.PendingPoolOverflow, reasons[0])
	require.False(pool.IdHashKnown(poor.IDHash[:]))
	require.True(pool.IdHashKnown(rich.IDHash[:]))

	pending, baseFee, queued := pool.CountContent()
	require.Equal(1, pending)
	require.Equal(0, baseFee+queued)
}

func TestMinFeeCapIsChainMinimum(t *testing.T) {
	require := require.New(t)
	state := newMockState()
	sender := types.Address{0x47}
	state.setAccount(sender, 0, uint256.NewInt(1_000_000_000_000_000_000))

	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, state)
	feedBlock(t, pool, 1, 1_000_000, nil, types.TxnSlots{}, types.TxnSlots{})

	t0 := dynFeeTxn(0, 1_000_000, 3_000_000_000, 0x57)
	t1 := dynFeeTxn(1, 1_000_000, 2_000_000_000, 0x58)
	t2 := dynFeeTxn(2, 1_000_000, 5_000_000_000, 0x59)
	addSlots(t, pool, sender, true, t0, t1, t2)

	// each txn carries the minimum fee cap over its nonce prefix
	minFeeCap := func(txn *types.TxnSlot) uint64 {
		mt, ok := pool.byHash[string(txn.IDHash[:])]
		require.True(ok)
		return mt.minFeeCap.Uint64()
	}
	require.Equal(uint64(3_000_000_000), minFeeCap(t0))
	require.Equal(uint64(2_000_000_000), minFeeCap(t1))
	require.Equal(uint64(2_000_000_000), minFeeCap(t2))
}

func TestAuthorityReservation(t *testing.T) {
	require := require.New(t)
	pool, _ := newTestPool(t, txpoolcfg.DefaultConfig, newMockState())

	// any valid low-s signature recovers a deterministic address per payload
	sigR := uint256.MustFromHex("0x28ef61340bd939bc2195fe537567866003e1a15d3c71ff63e1590620aa636276")
	sigS := uint256.MustFromHex("0x67cbe9d8997f761aecb703304b3800ccf555c9f3dc64214b297fb1966a3b6d83")

	signerOf := func(raw []byte) types.Address {
		addr, err := RecoverSignerFromRLP(raw, 0, *sigR, *sigS)
		require.NoError(err)
		return *addr
	}

	mkSetCode := func(id byte, senderID uint64, auths ...[]byte) *metaTxn {
		slot := &types.TxnSlot{Nonce: 0, Gas: 60_000, Type: types.SetCodeTxnType, SenderID: senderID}
		slot.Tip = *uint256.NewInt(1_000_000)
		slot.FeeCap = *uint256.NewInt(1_000_000)
		for _, raw := range auths {
			slot.AuthRaw = append(slot.AuthRaw, raw)
			slot.Authorizations = append(slot.Authorizations, types.Signature{R: *sigR, S: *sigS})
		}
		slot.IDHash[0] = id
		return newMetaTxn(slot, false, 0)
	}

	authA, authB, authC := []byte{0x0a}, []byte{0x0b}, []byte{0x0c}
	a, b, c := signerOf(authA), signerOf(authB), signerOf(authC)
	require.NotEqual(a, b)
	require.NotEqual(b, c)

	var ann types.Announcements
	first := mkSetCode(0x01, 1, authA)
	require.Equal(txpoolcfg.NotSet, pool.addLocked(first, &ann))
	require.Same(first, pool.auths[a])

	// the second txn lists a free authority before the reserved one: the
	// rejection must not leave the free authority registered
	second := mkSetCode(0x02, 2, authB, authA)
	require.Equal(txpoolcfg.AuthorityReserved, pool.addLocked(second, &ann))
	_, reserved := pool.auths[b]
	require.False(reserved)
	require.False(pool.IdHashKnown(second.TxnSlot.IDHash[:]))

	// duplicate authority inside a single txn
	dup := mkSetCode(0x03, 3, authC, authC)
	require.Equal(txpoolcfg.AuthorityReserved, pool.addLocked(dup, &ann))
	_, reserved = pool.auths[c]
	require.False(reserved)

	// after the rejections the untouched authority is still claimable
	third := mkSetCode(0x04, 2, authB)
	require.Equal(txpoolcfg.NotSet, pool.addLocked(third, &ann))
	require.Same(third, pool.auths[b])
}
