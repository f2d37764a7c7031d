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

// Package crypto provides the keccak256 hashing and secp256k1 signature recovery
// primitives needed to identify transactions and recover their signers.
package crypto

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// SignatureLength indicates the byte length required to carry a signature with recovery id.
const SignatureLength = 64 + 1 // 64 bytes ECDSA signature + 1 byte recovery id

// secp256k1 group order and its half, for EIP-2 signature malleability checks
var (
	secp256k1N     = uint256.MustFromHex("0xfffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141")
	secp256k1HalfN = new(uint256.Int).Rsh(secp256k1N, 1)
)

// Keccak256 calculates and returns the Keccak256 hash of the input data.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Ecrecover returns the uncompressed public key that created the given signature.
// The signature must be in the [R || S || V] format where V is 0 or 1.
func Ecrecover(hash, sig []byte) ([]byte, error) {
	pub, err := sigToPub(hash, sig)
	if err != nil {
		return nil, err
	}
	return pub.SerializeUncompressed(), nil
}

func sigToPub(hash, sig []byte) (*secp256k1.PublicKey, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash is required to be exactly 32 bytes (%d)", len(hash))
	}
	if len(sig) != SignatureLength {
		return nil, errors.New("invalid signature length")
	}
	// Convert to secp256k1 input format with 'recovery id' v at the beginning.
	var compactSig [SignatureLength]byte
	compactSig[0] = sig[64] + 27
	copy(compactSig[1:], sig)

	pub, _, err := ecdsa.RecoverCompact(compactSig[:], hash)
	return pub, err
}

// TransactionSignatureIsValid checks whether the given signature values make a valid
// transaction signature: r and s within the group order, s in the lower half of the
// order unless pre-homestead signatures are allowed, and a binary recovery id.
func TransactionSignatureIsValid(v byte, r, s *uint256.Int, allowPreEip2s bool) bool {
	if r.IsZero() || s.IsZero() {
		return false
	}
	if v > 1 {
		return false
	}
	if !allowPreEip2s && s.Gt(secp256k1HalfN) {
		return false
	}
	return r.Lt(secp256k1N) && s.Lt(secp256k1N)
}
