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
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	goethkzg "github.com/crate-crypto/go-eth-kzg"
)

const BlobCommitmentVersionKZG uint8 = 0x01

type (
	KZGCommitment = goethkzg.KZGCommitment
	KZGProof      = goethkzg.KZGProof
	VersionedHash [32]byte
)

var (
	trustedSetupFile string

	gokzgCtx      *goethkzg.Context
	initCryptoCtx sync.Once
)

func SetTrustedSetupFilePath(path string) {
	trustedSetupFile = path
}

// InitKZGCtx initializes the global context object returned via KzgCtx
func InitKZGCtx() {
	initCryptoCtx.Do(func() {
		if trustedSetupFile != "" {
			file, err := os.ReadFile(trustedSetupFile)
			if err != nil {
				panic(fmt.Sprintf("could not read file, err: %v", err))
			}

			setup := new(goethkzg.JSONTrustedSetup)
			if err = json.Unmarshal(file, setup); err != nil {
				panic(fmt.Sprintf("could not unmarshal, err: %v", err))
			}

			gokzgCtx, err = goethkzg.NewContext4096(setup)
			if err != nil {
				panic(fmt.Sprintf("could not create KZG context, err: %v", err))
			}
		} else {
			var err error
			// Initialize context to match the configurations that the
			// specs are using.
			gokzgCtx, err = goethkzg.NewContext4096Secure()
			if err != nil {
				panic(fmt.Sprintf("could not create context, err : %v", err))
			}
		}
	})
}

// KzgCtx returns a context object that stores all of the necessary configurations to
// allow one to create and verify blob proofs. This function is expensive to run if the
// crypto context isn't initialized, so production services should pre-initialize by
// calling InitKZGCtx.
func KzgCtx() *goethkzg.Context {
	InitKZGCtx()
	return gokzgCtx
}

// KZGToVersionedHash implements kzg_to_versioned_hash from EIP-4844
func KZGToVersionedHash(kzg KZGCommitment) VersionedHash {
	h := sha256.Sum256(kzg[:])
	h[0] = BlobCommitmentVersionKZG

	return VersionedHash(h)
}

func toBlobs(raw [][]byte) []goethkzg.Blob {
	blobs := make([]goethkzg.Blob, len(raw))
	for i, b := range raw {
		copy(blobs[i][:], b)
	}
	return blobs
}

// VerifyBlobProofs checks the pre-Osaka sidecar form, one proof per blob.
// https://github.com/ethereum/consensus-specs/blob/dev/specs/deneb/polynomial-commitments.md#verify_blob_kzg_proof_batch
func VerifyBlobProofs(blobs [][]byte, commitments []KZGCommitment, proofs []KZGProof) error {
	return KzgCtx().VerifyBlobKZGProofBatch(toBlobs(blobs), commitments, proofs)
}

// VerifyCellProofs checks the EIP-7594 sidecar form, where each blob carries one proof
// per cell of its extended form. Cells are recomputed from the blob data, which is what
// peers that only receive the blobs would do as well.
func VerifyCellProofs(blobs [][]byte, commitments []KZGCommitment, proofs []KZGProof) error {
	if len(proofs) != len(blobs)*CellProofsPerBlob {
		return fmt.Errorf("expected %d cell proofs, got %d", len(blobs)*CellProofsPerBlob, len(proofs))
	}
	ctx := KzgCtx()
	cells := make([]*goethkzg.Cell, 0, len(proofs))
	cellCommitments := make([]KZGCommitment, 0, len(proofs))
	cellIndices := make([]uint64, 0, len(proofs))
	for i, raw := range blobs {
		var blob goethkzg.Blob
		copy(blob[:], raw)
		blobCells, err := ctx.ComputeCells(&blob, 0)
		if err != nil {
			return fmt.Errorf("computing cells for blob %d: %w", i, err)
		}
		for j := range blobCells {
			cells = append(cells, blobCells[j])
			cellCommitments = append(cellCommitments, commitments[i])
			cellIndices = append(cellIndices, uint64(j))
		}
	}
	return ctx.VerifyCellKZGProofBatch(cellCommitments, cellIndices, cells, proofs)
}
