package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// IntentRecord is an independently-versioned record. Version grows by one on
// every local mutation; ContentHash tells apart two records at the same
// version.
type IntentRecord struct {
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Version       int64          `json:"version"`
	ContentHash   string         `json:"contentHash"`
	OriginReplica string         `json:"originReplica"`
	Timestamp     time.Time      `json:"timestamp"`
}

// canonicalIntent is the hashed view of an IntentRecord: every field except
// ContentHash, with the timestamp pinned to UTC so that a record survives a
// JSON round trip with the same hash.
type canonicalIntent struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Attributes    map[string]any `json:"attributes"`
	Version       int64          `json:"version"`
	OriginReplica string         `json:"originReplica"`
	Timestamp     string         `json:"timestamp"`
}

// ComputeHash returns the SHA-256 hex digest of the record's canonical JSON
// serialization, excluding ContentHash itself. encoding/json sorts map keys,
// so attribute order does not matter.
func (r IntentRecord) ComputeHash() string {
	attrs := r.Attributes
	if len(attrs) == 0 {
		attrs = nil // empty and absent attributes hash the same
	}
	c := canonicalIntent{
		Name:          r.Name,
		Description:   r.Description,
		Attributes:    attrs,
		Version:       r.Version,
		OriginReplica: r.OriginReplica,
		Timestamp:     r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(c)
	if err != nil {
		// Attributes that cannot be encoded could never be persisted either;
		// hash what we can so the record still gets a stable identity.
		c.Attributes = nil
		data, _ = json.Marshal(c)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Seal returns a copy of r with ContentHash recomputed.
func (r IntentRecord) Seal() IntentRecord {
	r.ContentHash = r.ComputeHash()
	return r
}

// Verify reports whether ContentHash matches the current serialization.
func (r IntentRecord) Verify() bool {
	return r.ContentHash == r.ComputeHash()
}
