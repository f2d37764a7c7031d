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

	"github.com/holiman/uint256"
	"github.com/ledgerwatch/log/v3"

	"github.com/thermion/txpool/types"
)

// StateReader is the pool's view of on-chain account state. Implementations
// must return the nonce and balance at the pool's current head. HasCode
// reports deployed bytecode, excluding EIP-7702 delegation designations.
type StateReader interface {
	AccountInfo(addr types.Address) (nonce uint64, balance uint256.Int, err error)
	HasCode(addr types.Address) (bool, error)
}

// sender - immutable structure which stores only nonce and balance of account
type sender struct {
	balance uint256.Int
	nonce   uint64
}

func newSender(nonce uint64, balance uint256.Int) *sender {
	return &sender{nonce: nonce, balance: balance}
}

var emptySender = newSender(0, *uint256.NewInt(0))

// sendersBatch stores in-memory senders-related objects. It interns sender
// addresses into dense uint64 ids so the rest of the pool can key maps and
// btree entries by id instead of 20-byte addresses.
// non thread-safe
type sendersBatch struct {
	senderIDs     map[types.Address]uint64
	senderID2Addr map[uint64]types.Address
	tracedSenders map[types.Address]struct{}
	senderID      uint64
}

func newSendersBatch(tracedSenders map[types.Address]struct{}) *sendersBatch {
	return &sendersBatch{senderIDs: map[types.Address]uint64{}, senderID2Addr: map[uint64]types.Address{}, tracedSenders: tracedSenders}
}

func (sc *sendersBatch) getID(addr types.Address) (uint64, bool) {
	id, ok := sc.senderIDs[addr]
	return id, ok
}

func (sc *sendersBatch) getOrCreateID(addr types.Address) (uint64, bool) {
	_, traced := sc.tracedSenders[addr]
	id, ok := sc.senderIDs[addr]
	if !ok {
		sc.senderID++
		id = sc.senderID
		sc.senderIDs[addr] = id
		sc.senderID2Addr[id] = addr
		if traced {
			log.Info(fmt.Sprintf("TX TRACING: allocated senderID %d to sender %x", id, addr))
		}
	}
	return id, traced
}

func (sc *sendersBatch) info(state StateReader, id uint64) (nonce uint64, balance uint256.Int, err error) {
	addr, ok := sc.senderID2Addr[id]
	if !ok {
		panic("must not happen")
	}
	nonce, balance, err = state.AccountInfo(addr)
	if err != nil {
		return 0, emptySender.balance, err
	}
	return nonce, balance, nil
}

func (sc *sendersBatch) registerNewSenders(newTxns *types.TxnSlots) (err error) {
	for i, txn := range newTxns.Txns {
		txn.SenderID, txn.Traced = sc.getOrCreateID(newTxns.Senders.AddressAt(i))
	}
	return nil
}

func (sc *sendersBatch) onNewBlock(stateChanged []types.Address, unwindTxns, minedTxns types.TxnSlots) error {
	for _, addr := range stateChanged {
		sc.getOrCreateID(addr)
	}
	for i, txn := range unwindTxns.Txns {
		txn.SenderID, txn.Traced = sc.getOrCreateID(unwindTxns.Senders.AddressAt(i))
	}
	for i, txn := range minedTxns.Txns {
		txn.SenderID, txn.Traced = sc.getOrCreateID(minedTxns.Senders.AddressAt(i))
	}
	return nil
}
