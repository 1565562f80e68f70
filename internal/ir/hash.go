package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes.
// Version suffix enables future algorithm migration.
const (
	DomainSnapshot = "agentsim/snapshot/v1"
	DomainLog      = "agentsim/log/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotHash returns a stable digest of a snapshot's canonical encoding.
// Two snapshots hash equal exactly when their canonical bytes are equal.
func SnapshotHash(s Snapshot) (string, error) {
	canonical, err := MarshalCanonical(s)
	if err != nil {
		return "", fmt.Errorf("SnapshotHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}

// LogHash returns a stable digest of a whole recorded log.
func LogHash(l Log) (string, error) {
	canonical, err := MarshalCanonical(l)
	if err != nil {
		return "", fmt.Errorf("LogHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainLog, canonical), nil
}

// MustSnapshotHash is like SnapshotHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustSnapshotHash(s Snapshot) string {
	h, err := SnapshotHash(s)
	if err != nil {
		panic(err)
	}
	return h
}
