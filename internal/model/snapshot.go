// Package model defines the replicated state shared between the local state
// store, the providers, the merge resolver and the sync engine.
package model

import (
	"maps"
	"time"
)

// DomainIntent is the only domain that can produce conflicts.
const DomainIntent = "intent"

// MemoryRecord is a free-form record converged by last-writer-wins on
// Timestamp.
type MemoryRecord struct {
	Content       string    `json:"content"`
	Kind          string    `json:"kind,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	OriginReplica string    `json:"originReplica"`

	// Extra carries decorative application fields (resonance, frequency…).
	// It travels with the record but is never read by merge logic.
	Extra map[string]any `json:"extra,omitempty"`
}

// GlyphRecord is a declarative fact: the last copy to arrive always wins.
type GlyphRecord struct {
	Attributes    map[string]any `json:"attributes"`
	OriginReplica string         `json:"originReplica"`
	Timestamp     time.Time      `json:"timestamp"`
}

// DeviceInfo records when a replica was last seen and through which provider.
// Used for discovery only.
type DeviceInfo struct {
	ReplicaID   string    `json:"replicaId"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	ViaProvider string    `json:"viaProvider,omitempty"`
}

// Snapshot is the complete exchange unit, persisted locally and written to
// every provider as a whole document.
type Snapshot struct {
	ReplicaID string                  `json:"replicaId"`
	SavedAt   time.Time               `json:"savedAt"`
	Memories  map[string]MemoryRecord `json:"memories"`
	Intents   map[string]IntentRecord `json:"intents"`
	Glyphs    map[string]GlyphRecord  `json:"glyphs"`
	Devices   map[string]DeviceInfo   `json:"devices"`
}

// NewSnapshot returns an empty snapshot owned by replicaID.
func NewSnapshot(replicaID string) Snapshot {
	s := Snapshot{ReplicaID: replicaID}
	s.Normalize()
	return s
}

// Normalize replaces nil domain maps with empty ones so that documents missing
// a domain load as empty rather than nil.
func (s *Snapshot) Normalize() {
	if s.Memories == nil {
		s.Memories = make(map[string]MemoryRecord)
	}
	if s.Intents == nil {
		s.Intents = make(map[string]IntentRecord)
	}
	if s.Glyphs == nil {
		s.Glyphs = make(map[string]GlyphRecord)
	}
	if s.Devices == nil {
		s.Devices = make(map[string]DeviceInfo)
	}
}

// Clone returns a copy whose domain maps can be mutated without affecting s.
// Record-level attribute maps are shared; callers replace records rather than
// editing them in place.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		ReplicaID: s.ReplicaID,
		SavedAt:   s.SavedAt,
		Memories:  maps.Clone(s.Memories),
		Intents:   maps.Clone(s.Intents),
		Glyphs:    maps.Clone(s.Glyphs),
		Devices:   maps.Clone(s.Devices),
	}
	out.Normalize()
	return out
}

// Counts summarises the number of records held in each domain.
type Counts struct {
	Memories int
	Intents  int
	Glyphs   int
	Devices  int
}

// Counts returns the per-domain record counts.
func (s Snapshot) Counts() Counts {
	return Counts{
		Memories: len(s.Memories),
		Intents:  len(s.Intents),
		Glyphs:   len(s.Glyphs),
		Devices:  len(s.Devices),
	}
}

// Conflict is a same-version intent divergence awaiting explicit resolution.
type Conflict struct {
	Domain     string       `json:"domain"`
	Key        string       `json:"key"`
	Local      IntentRecord `json:"local"`
	Remote     IntentRecord `json:"remote"`
	DetectedAt time.Time    `json:"detectedAt"`
}

// ID identifies the conflict slot. There is at most one pending conflict per
// domain and key.
func (c Conflict) ID() string {
	return c.Domain + "/" + c.Key
}
