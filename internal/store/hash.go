package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const hashPrefix = "sha256:"

// ContentHash computes the content address of a transcript. Line endings are
// normalized first so the same conversation recorded on different hosts
// maps to one capture.
func ContentHash(transcript []byte) string {
	normalized := strings.ReplaceAll(string(transcript), "\r\n", "\n")
	hash := sha256.Sum256([]byte(normalized))
	return hashPrefix + hex.EncodeToString(hash[:])
}

// ShortHash returns a shortened version of the hash for display purposes.
func ShortHash(fullHash string) string {
	// Remove "sha256:" prefix and take first 12 chars
	if len(fullHash) > len(hashPrefix)+12 {
		return fullHash[len(hashPrefix) : len(hashPrefix)+12]
	}
	return fullHash
}

// hashToFilename converts a full hash to a safe filename.
func hashToFilename(hash string) string {
	return strings.TrimPrefix(hash, hashPrefix)
}
