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
	"fmt"
	"math"

	"github.com/google/btree"
	"github.com/ledgerwatch/log/v3"

	"github.com/thermion/txpool/types"
)

// BySenderAndNonce - designed to perform most expensive operation in TxPool:
// "recalculate all ephemeral fields of all transactions" by algo
//   - for all senders - iterate over all transactions in nonce growing order
//
// Performances decisions:
//   - All senders stored inside 1 large BTree - because iterate over 1 BTree is faster than over map[senderId]BTree
//   - sortByNonce used as non-pointer wrapper - because iterate over BTree of pointers is 2x slower
type BySenderAndNonce struct {
	tree              *btree.BTreeG[*metaTxn]
	search            *metaTxn
	senderIDTxnCount  map[uint64]int    // count of sender's txns in the pool - may differ from nonce
	senderIDBlobCount map[uint64]uint64 // count of sender's total number of blobs in the pool
}

func newBySenderAndNonce() *BySenderAndNonce {
	return &BySenderAndNonce{
		tree:              btree.NewG[*metaTxn](32, SortByNonceLess),
		search:            &metaTxn{TxnSlot: &types.TxnSlot{}},
		senderIDTxnCount:  map[uint64]int{},
		senderIDBlobCount: map[uint64]uint64{},
	}
}

func (b *BySenderAndNonce) nonce(senderID uint64) (nonce uint64, ok bool) {
	s := b.search
	s.TxnSlot.SenderID = senderID
	s.TxnSlot.Nonce = math.MaxUint64

	b.tree.DescendLessOrEqual(s, func(mt *metaTxn) bool {
		if mt.currentSubPool != PendingSubPool {
			// we only want to include transactions that are in the pending pool.  TXs in the queued pool
			// artificially increase the "pending" call which can cause transactions to just stack up
			// when libraries use eth_getTransactionCount "pending" for the next tx nonce - a common thing
			return true
		}
		if mt.TxnSlot.SenderID == senderID {
			nonce = mt.TxnSlot.Nonce
			ok = true
		}
		return false
	})
	return nonce, ok
}

func (b *BySenderAndNonce) ascendAll(f func(*metaTxn) bool) {
	b.tree.Ascend(func(mt *metaTxn) bool {
		return f(mt)
	})
}

func (b *BySenderAndNonce) ascend(senderID uint64, f func(*metaTxn) bool) {
	s := b.search
	s.TxnSlot.SenderID = senderID
	s.TxnSlot.Nonce = 0
	b.tree.AscendGreaterOrEqual(s, func(mt *metaTxn) bool {
		if mt.TxnSlot.SenderID != senderID {
			return false
		}
		return f(mt)
	})
}

func (b *BySenderAndNonce) descend(senderID uint64, f func(*metaTxn) bool) {
	s := b.search
	s.TxnSlot.SenderID = senderID
	s.TxnSlot.Nonce = math.MaxUint64
	b.tree.DescendLessOrEqual(s, func(mt *metaTxn) bool {
		if mt.TxnSlot.SenderID != senderID {
			return false
		}
		return f(mt)
	})
}

func (b *BySenderAndNonce) count(senderID uint64) int {
	return b.senderIDTxnCount[senderID]
}

func (b *BySenderAndNonce) blobCount(senderID uint64) uint64 {
	return b.senderIDBlobCount[senderID]
}

func (b *BySenderAndNonce) hasTxns(senderID uint64) bool {
	has := false
	b.ascend(senderID, func(*metaTxn) bool {
		has = true
		return false
	})
	return has
}

func (b *BySenderAndNonce) get(senderID, txnNonce uint64) *metaTxn {
	s := b.search
	s.TxnSlot.SenderID = senderID
	s.TxnSlot.Nonce = txnNonce
	if found, ok := b.tree.Get(s); ok {
		return found
	}
	return nil
}

// nolint
func (b *BySenderAndNonce) has(mt *metaTxn) bool {
	return b.tree.Has(mt)
}

func (b *BySenderAndNonce) delete(mt *metaTxn) {
	if _, ok := b.tree.Delete(mt); ok {
		if mt.TxnSlot.Traced {
			log.Info("TX TRACING: Deleted tx by nonce", "idHash", fmt.Sprintf("%x", mt.TxnSlot.IDHash), "sender", mt.TxnSlot.SenderID, "nonce", mt.TxnSlot.Nonce)
		}

		senderID := mt.TxnSlot.SenderID
		count := b.senderIDTxnCount[senderID]
		if count > 1 {
			b.senderIDTxnCount[senderID] = count - 1
		} else {
			delete(b.senderIDTxnCount, senderID)
		}

		if mt.TxnSlot.Type == types.BlobTxnType && mt.TxnSlot.Blobs != nil {
			accBlobCount := b.senderIDBlobCount[senderID]
			txnBlobCount := uint64(len(mt.TxnSlot.Blobs))
			if accBlobCount > txnBlobCount {
				b.senderIDBlobCount[senderID] = accBlobCount - txnBlobCount
			} else {
				delete(b.senderIDBlobCount, senderID)
			}
		}
	}
}

func (b *BySenderAndNonce) replaceOrInsert(mt *metaTxn) *metaTxn {
	it, ok := b.tree.ReplaceOrInsert(mt)

	if ok {
		if mt.TxnSlot.Traced {
			log.Info("TX TRACING: Replaced tx by nonce", "idHash", fmt.Sprintf("%x", mt.TxnSlot.IDHash), "sender", mt.TxnSlot.SenderID, "nonce", mt.TxnSlot.Nonce)
		}
		return it
	}

	if mt.TxnSlot.Traced {
		log.Info("TX TRACING: Inserted tx by nonce", "idHash", fmt.Sprintf("%x", mt.TxnSlot.IDHash), "sender", mt.TxnSlot.SenderID, "nonce", mt.TxnSlot.Nonce)
	}

	b.senderIDTxnCount[mt.TxnSlot.SenderID]++
	if mt.TxnSlot.Type == types.BlobTxnType && mt.TxnSlot.Blobs != nil {
		b.senderIDBlobCount[mt.TxnSlot.SenderID] += uint64(len(mt.TxnSlot.Blobs))
	}
	return nil
}
