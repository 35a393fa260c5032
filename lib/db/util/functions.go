package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// --------------------------------------------------------------------------
// General Utility Functions
// --------------------------------------------------------------------------

// GenerateSeed creates a random seed for internal hash distribution
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// only if the system random source is unavailable
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// FNV-1a constants
const (
	offset64 = 14695981039346656037
	prime64  = 1099511628211
)

// HashOwnerKey hashes an (owner, key) identity.
// The owner is folded in byte by byte before the key so that (1,"2x") and (12,"x") differ.
func HashOwnerKey(owner int, key string, seed uint64) uint64 {
	hash := uint64(offset64) ^ seed

	o := uint64(owner)
	for i := 0; i < 8; i++ {
		hash ^= o & 0xff
		hash *= prime64
		o >>= 8
	}

	for i := 0; i < len(key); i++ {
		hash ^= uint64(key[i])
		hash *= prime64
	}

	return hash
}

// ShardIndex maps a hash to one of n shards.
// Shift right by 7 bits to use higher-quality bits for distribution
func ShardIndex(hash uint64, n int) int {
	return int((hash >> 7) % uint64(n))
}
