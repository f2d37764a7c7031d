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
	"fmt"

	"github.com/holiman/uint256"
)

const (
	AddressLength = 20
	HashLength    = 32
)

// Address is the 20-byte account identifier recovered from a transaction signature.
type Address [AddressLength]byte

func (a Address) Bytes() []byte  { return a[:] }
func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
	return a
}

// Hash is the keccak256 content hash of a transaction's canonical encoding.
type Hash [HashLength]byte

func (h Hash) Bytes() []byte  { return h[:] }
func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

const (
	LegacyTxnType     byte = 0
	AccessListTxnType byte = 1 // EIP-2930
	DynamicFeeTxnType byte = 2 // EIP-1559
	BlobTxnType       byte = 3 // EIP-4844
	SetCodeTxnType    byte = 4 // EIP-7702
)

// Signature holds the y-parity and the two curve points of a secp256k1 signature,
// used both for transaction senders and EIP-7702 authorization entries.
type Signature struct {
	V uint256.Int
	R uint256.Int
	S uint256.Int
}

// TxnSlot contains information extracted from an Ethereum transaction, which is
// enough to manage it inside the transaction pool. The encoded form is retained so
// the pool can hand it back to block-building consumers without re-encoding.
type TxnSlot struct {
	Rlp        []byte      // Is set to nil after flushing to the announcement stream, to release memory
	Value      uint256.Int // Value transferred by the transaction
	Tip        uint256.Int // Maximum tip that transaction is giving to miner/block proposer
	FeeCap     uint256.Int // Maximum fee that transaction burns and gives to the miner/block proposer
	BlobFeeCap uint256.Int // Max fee per data gas, only for blob transactions
	ChainID    uint256.Int // Zero for pre-EIP-155 legacy transactions

	SenderID       uint64 // Sender id - distinct from address, compact reference used across pool data structures
	Nonce          uint64 // Nonce of the transaction
	Gas            uint64 // Gas limit of the transaction
	Size           uint32 // Size of the payload (without the sidecar for blob transactions)
	Type           byte   // Transaction type
	Creation       bool   // Set to true if "To" field of the transaction is not set
	DataLen        int    // Length of transaction's data (for calculation of intrinsic gas)
	DataNonZeroLen int    // Number of non-zero bytes in the data (for calculation of intrinsic gas)
	AlAddrCount    int    // Number of addresses in the access list
	AlStorCount    int    // Number of storage keys in the access list
	IDHash         Hash   // Transaction hash for the purposes of using it as a transaction Id
	Traced         bool   // Whether transaction is traced - pool prints at Info level every state transition it goes through

	// EIP-4844
	BlobHashes  []Hash
	Blobs       [][]byte
	Commitments []KZGCommitment
	Proofs      []KZGProof
	// WrapperVersion is 0 for the pre-Osaka sidecar form (one proof per blob) and 1
	// for the EIP-7594 form (cell proofs).
	WrapperVersion byte

	// EIP-7702
	Authorizations []Signature
	AuthRaw        [][]byte // rlp encoded authorization bodies, without signatures, used for authority recovery
}

// BlobCount returns the number of blob hashes the transaction commits to. For a
// re-injected blob transaction the sidecar may be absent, the hashes never are.
func (tx *TxnSlot) BlobCount() uint64 { return uint64(len(tx.BlobHashes)) }

// TxnSlots is a batch of transactions with their senders kept in a flat byte array
// to reduce the GC scanning surface, mirroring the wire packet layout.
type TxnSlots struct {
	Txns    []*TxnSlot
	Senders Addresses
	IsLocal []bool
}

func (s *TxnSlots) Valid() error {
	if len(s.Txns) != s.Senders.Len() {
		return fmt.Errorf("txns and senders must have the same len: %d vs %d", len(s.Txns), s.Senders.Len())
	}
	if len(s.Txns) != len(s.IsLocal) {
		return fmt.Errorf("txns and isLocal must have the same len: %d vs %d", len(s.Txns), len(s.IsLocal))
	}
	return nil
}

var zeroAddr = make([]byte, AddressLength)

// Resize internal arrays to len=targetSize, shrinks if need. It rely on `append` algorithm of realloc
func (s *TxnSlots) Resize(targetSize uint) {
	for uint(len(s.Txns)) < targetSize {
		s.Txns = append(s.Txns, nil)
	}
	for uint(s.Senders.Len()) < targetSize {
		s.Senders = append(s.Senders, zeroAddr...)
	}
	for uint(len(s.IsLocal)) < targetSize {
		s.IsLocal = append(s.IsLocal, false)
	}
	oldLen := uint(len(s.Txns))
	s.Txns = s.Txns[:targetSize]
	for i := oldLen; i < targetSize; i++ {
		s.Txns[i] = nil
	}
	s.Senders = s.Senders[:AddressLength*targetSize]
	s.IsLocal = s.IsLocal[:targetSize]
}

func (s *TxnSlots) Append(slot *TxnSlot, sender []byte, isLocal bool) {
	n := len(s.Txns)
	s.Resize(uint(n + 1))
	s.Txns[n] = slot
	s.IsLocal[n] = isLocal
	copy(s.Senders.At(n), sender)
}

// TxnsRlp carries raw txn encodings out of the pool for block building.
type TxnsRlp struct {
	Txns    [][]byte
	Senders Addresses
	IsLocal []bool
}

func (s *TxnsRlp) Resize(targetSize uint) {
	for uint(len(s.Txns)) < targetSize {
		s.Txns = append(s.Txns, nil)
	}
	for uint(s.Senders.Len()) < targetSize {
		s.Senders = append(s.Senders, zeroAddr...)
	}
	for uint(len(s.IsLocal)) < targetSize {
		s.IsLocal = append(s.IsLocal, false)
	}
	s.Txns = s.Txns[:targetSize]
	s.Senders = s.Senders[:AddressLength*targetSize]
	s.IsLocal = s.IsLocal[:targetSize]
}

// Addresses is a flat byte array of 20-byte addresses.
type Addresses []byte

func (h Addresses) At(i int) []byte { return h[i*AddressLength : (i+1)*AddressLength] }
func (h Addresses) AddressAt(i int) Address {
	return *(*[AddressLength]byte)(h[i*AddressLength : (i+1)*AddressLength])
}
func (h Addresses) Len() int { return len(h) / AddressLength }

// Hashes is a flat byte array of 32-byte hashes.
type Hashes []byte

func (h Hashes) At(i int) []byte { return h[i*HashLength : (i+1)*HashLength] }
func (h Hashes) Len() int        { return len(h) / HashLength }

// Announcements is a RLP sortable list of transactions to announce to other peers
// and to block-building subscribers: hash plus enough metadata (type, size) for the
// receiver to decide whether to request the body.
type Announcements struct {
	ts     []byte
	sizes  []uint32
	hashes Hashes
}

func (a *Announcements) Append(t byte, size uint32, hash []byte) {
	a.ts = append(a.ts, t)
	a.sizes = append(a.sizes, size)
	a.hashes = append(a.hashes, hash...)
}

func (a *Announcements) AppendOther(other Announcements) {
	a.ts = append(a.ts, other.ts...)
	a.sizes = append(a.sizes, other.sizes...)
	a.hashes = append(a.hashes, other.hashes...)
}

func (a *Announcements) Reset() {
	a.ts = a.ts[:0]
	a.sizes = a.sizes[:0]
	a.hashes = a.hashes[:0]
}

func (a Announcements) At(i int) (byte, uint32, []byte) {
	return a.ts[i], a.sizes[i], a.hashes.At(i)
}
func (a Announcements) Len() int { return len(a.ts) }

func (a Announcements) Copy() Announcements {
	if a.Len() == 0 {
		return a
	}
	c := Announcements{
		ts:     make([]byte, len(a.ts)),
		sizes:  make([]uint32, len(a.sizes)),
		hashes: make([]byte, len(a.hashes)),
	}
	copy(c.ts, a.ts)
	copy(c.sizes, a.sizes)
	copy(c.hashes, a.hashes)
	return c
}

func (a Announcements) Hashes() Hashes { return a.hashes }
