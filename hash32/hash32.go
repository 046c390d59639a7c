// Copyright (c) 2019-2020 The Zcash developers
// Distributed under the MIT software license, see the accompanying
// file COPYING or https://www.opensource.org/licenses/mit-license.php .

// Package hash32 holds any kind of 32-byte hash: a block hash, a txid, or
// a merkle root. Internal/storage order is the order produced by
// double-SHA-256 (as returned by chainhash); display order is that byte
// sequence reversed, which is how block explorers, RPCs, and REST paths
// render hashes.
package hash32

import (
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// T is a 32-byte hash held in internal (storage) byte order. Pass by
// value, like an integer.
type T = chainhash.Hash

// Nil represents an unset or undefined hash value. It is considered
// impossible in practice for a real hash to equal this.
var Nil = T{}

// FromSlice converts a slice to a hash32 by copying its first 32 bytes.
// It does not check the length: a shorter slice leaves the remaining
// bytes zero, and bytes past the 32nd are ignored.
func FromSlice(arg []byte) T {
	var h T
	copy(h[:], arg)
	return h
}

// ToSlice converts a hash32 to a byte slice.
func ToSlice(arg T) []byte {
	return arg[:]
}

// Reverse returns the byte-reversed form of arg: internal order in,
// display order out, and vice versa (the operation is its own inverse).
func Reverse(arg T) T {
	r := T{}
	for i := 0; i < len(arg); i++ {
		r[i] = arg[len(arg)-1-i]
	}
	return r
}

// ReverseSlice reverses a raw 32-byte slice (returns a new slice; the
// input is unchanged).
func ReverseSlice(arg []byte) []byte {
	return ToSlice(Reverse(FromSlice(arg)))
}

// Decode parses a display-order (reversed) hex string into an
// internal-order hash, the same convention chainhash.NewHashFromStr uses
// and the same convention Bitcoin Core's REST paths use.
func Decode(s string) (T, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return T{}, err
	}
	return *h, nil
}

// Encode renders a hash in display (reversed) hex, matching T.String().
func Encode(arg T) string {
	return arg.String()
}

// DecodeInternalHex parses hex that is already in internal byte order
// (no reversal), used for keys read back from the KVS rather than
// hashes arriving over REST paths.
func DecodeInternalHex(s string) (T, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return T{}, err
	}
	if len(b) != 32 {
		return T{}, errors.New("hash32: decoded length is not 32 bytes")
	}
	return FromSlice(b), nil
}

// EncodeInternalHex renders a hash as hex in internal byte order, with
// no reversal. Used for KVS key material, never for REST responses.
func EncodeInternalHex(arg T) string {
	return hex.EncodeToString(arg[:])
}
