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
	"github.com/VictoriaMetrics/metrics"
)

var (
	processBatchTxnsTimer = metrics.NewSummary(`pool_process_remote_txs`)
	addRemoteTxnsTimer    = metrics.NewSummary(`pool_add_remote_txs`)
	newBlockTimer         = metrics.NewSummary(`pool_new_block`)
	pendingSubCounter     = metrics.GetOrCreateCounter(`txpool_pending`)
	queuedSubCounter      = metrics.GetOrCreateCounter(`txpool_queued`)
	basefeeSubCounter     = metrics.GetOrCreateCounter(`txpool_basefee`)
	invalidTxnsCounter    = metrics.GetOrCreateCounter(`txpool_invalid`)
	replacedTxnsCounter   = metrics.GetOrCreateCounter(`txpool_replaced`)
	evictedTxnsCounter    = metrics.GetOrCreateCounter(`txpool_evicted`)
	minedTxnsCounter      = metrics.GetOrCreateCounter(`txpool_mined`)
)
