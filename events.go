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
	"github.com/thermion/txpool/types"
)

// DropReason says why a txn left the pool. Included means it was mined into
// the canonical chain; the others are pool-side removals.
type DropReason uint8

const (
	DropIncluded DropReason = iota + 1
	DropReplaced
	DropEvicted
	DropInvalidated
)

func (r DropReason) String() string {
	switch r {
	case DropIncluded:
		return "included"
	case DropReplaced:
		return "replaced"
	case DropEvicted:
		return "evicted"
	case DropInvalidated:
		return "invalidated"
	}
	return "unknown"
}

// DropEvent is emitted on the Notifications channel whenever a resident txn
// leaves the pool for good.
type DropEvent struct {
	Hash   types.Hash
	Reason DropReason
}

// dropEvents is a non-blocking fan-in buffer for drop notifications. Events
// are dropped on the floor when the channel is full, the same policy the pool
// applies to the new-pending announcements channel.
type dropEvents struct {
	ch chan DropEvent
}

func newDropEvents(buffer int) *dropEvents {
	return &dropEvents{ch: make(chan DropEvent, buffer)}
}

func (d *dropEvents) send(hash types.Hash, reason DropReason) {
	select {
	case d.ch <- DropEvent{Hash: hash, Reason: reason}:
	default:
	}
}
