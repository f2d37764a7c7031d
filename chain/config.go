// Copyright 2023 The Erigon Authors
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

// Package chain holds the fork schedule the pool needs to decide which transaction
// types and gas rules are active at the current head.
package chain

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Config is the subset of a chain configuration that admission control depends on.
// Block-number forks older than Berlin are assumed to be always active.
type Config struct {
	ChainID uint256.Int

	// Forks scheduled by block number, nil means never
	BerlinBlock *uint64
	LondonBlock *uint64

	// Forks scheduled by block time, nil means never, zero means always
	ShanghaiTime *uint64
	CancunTime   *uint64
	PragueTime   *uint64
	OsakaTime    *uint64

	BlobSchedule *BlobSchedule
}

func (c *Config) String() string {
	return fmt.Sprintf("{ChainID: %s, Berlin: %v, London: %v, Shanghai: %v, Cancun: %v, Prague: %v, Osaka: %v}",
		&c.ChainID, forkView(c.BerlinBlock), forkView(c.LondonBlock), forkView(c.ShanghaiTime), forkView(c.CancunTime), forkView(c.PragueTime), forkView(c.OsakaTime))
}

func forkView(v *uint64) interface{} {
	if v == nil {
		return "nil"
	}
	return *v
}

// IsBerlin reports whether EIP-2930 access list transactions are valid at the given block number.
func (c *Config) IsBerlin(blockNum uint64) bool {
	return activeAtBlock(c.BerlinBlock, blockNum)
}

// IsLondon reports whether the EIP-1559 fee market rules apply to the given block number.
func (c *Config) IsLondon(blockNum uint64) bool {
	return activeAtBlock(c.LondonBlock, blockNum)
}

func (c *Config) IsShanghai(blockTime uint64) bool { return activeAtTime(c.ShanghaiTime, blockTime) }
func (c *Config) IsCancun(blockTime uint64) bool   { return activeAtTime(c.CancunTime, blockTime) }
func (c *Config) IsPrague(blockTime uint64) bool   { return activeAtTime(c.PragueTime, blockTime) }
func (c *Config) IsOsaka(blockTime uint64) bool    { return activeAtTime(c.OsakaTime, blockTime) }

func activeAtBlock(forkBlock *uint64, blockNum uint64) bool {
	return forkBlock != nil && *forkBlock <= blockNum
}

func activeAtTime(forkTime *uint64, blockTime uint64) bool {
	return forkTime != nil && *forkTime <= blockTime
}

// GetMaxBlobsPerBlock returns the blob cap for blocks built at the given time.
func (c *Config) GetMaxBlobsPerBlock(blockTime uint64) uint64 {
	return c.BlobSchedule.MaxBlobsPerBlock(c.IsPrague(blockTime))
}

// BlobSchedule defines the blob accounting parameters per fork. A nil schedule or a
// zero entry falls back to the EIP-4844 values, bumped per EIP-7691 once Prague is
// active.
type BlobSchedule struct {
	CancunTarget uint64 `json:"cancunTarget,omitempty"`
	CancunMax    uint64 `json:"cancunMax,omitempty"`
	PragueTarget uint64 `json:"pragueTarget,omitempty"`
	PragueMax    uint64 `json:"pragueMax,omitempty"`
}

const (
	// Original EIP-4844 values
	cancunTargetBlobs    = 3
	cancunMaxBlobs       = 6
	cancunUpdateFraction = 3338477
	// EIP-7691: blob throughput increase
	pragueTargetBlobs    = 6
	pragueMaxBlobs       = 9
	pragueUpdateFraction = 5007716
)

func (b *BlobSchedule) TargetBlobsPerBlock(isPrague bool) uint64 {
	if b != nil {
		if isPrague && b.PragueTarget > 0 {
			return b.PragueTarget
		}
		if !isPrague && b.CancunTarget > 0 {
			return b.CancunTarget
		}
	}
	if isPrague {
		return pragueTargetBlobs
	}
	return cancunTargetBlobs
}

func (b *BlobSchedule) MaxBlobsPerBlock(isPrague bool) uint64 {
	if b != nil {
		if isPrague && b.PragueMax > 0 {
			return b.PragueMax
		}
		if !isPrague && b.CancunMax > 0 {
			return b.CancunMax
		}
	}
	if isPrague {
		return pragueMaxBlobs
	}
	return cancunMaxBlobs
}

func (b *BlobSchedule) BaseFeeUpdateFraction(isPrague bool) uint64 {
	if isPrague {
		return pragueUpdateFraction
	}
	return cancunUpdateFraction
}
