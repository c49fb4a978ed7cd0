// Package merge integrates one incoming remote snapshot into the local one.
//
// Every per-key rule is commutative and idempotent, so snapshots from several
// providers can be merged in whatever order their reads complete:
//
//   - devices:  union, greater LastSeenAt wins
//   - memories: last-writer-wins on Timestamp, ties keep local
//   - intents:  higher Version wins; equal Version with a different
//     ContentHash is reported as a [model.Conflict] and left alone
//   - glyphs:   remote always overwrites
package merge

import (
	"time"

	"github.com/njoerd114/statemesh/internal/model"
)

// Result is the outcome of merging one remote snapshot.
type Result struct {
	// Snapshot is the new local state. It never aliases the input maps.
	Snapshot model.Snapshot

	// Conflicts holds one entry per intent key that diverged at equal version.
	Conflicts []model.Conflict

	// Memories lists the memory keys adopted from remote.
	Memories []string

	// Intents lists the intent keys adopted from remote.
	Intents []string
}

// Changed reports whether the merge altered anything observable besides
// device bookkeeping and glyphs.
func (r Result) Changed() bool {
	return len(r.Memories) > 0 || len(r.Intents) > 0
}

// Merge folds remote into local. Neither input is modified. at stamps the
// DetectedAt field of any conflict produced.
func Merge(local, remote model.Snapshot, at time.Time) Result {
	out := local.Clone()
	remote.Normalize()

	var res Result

	for key, rd := range remote.Devices {
		ld, ok := out.Devices[key]
		if !ok || rd.LastSeenAt.After(ld.LastSeenAt) {
			out.Devices[key] = rd
		}
	}

	for key, rm := range remote.Memories {
		lm, ok := out.Memories[key]
		if !ok || rm.Timestamp.After(lm.Timestamp) {
			out.Memories[key] = rm
			res.Memories = append(res.Memories, key)
		}
	}

	for key, ri := range remote.Intents {
		li, ok := out.Intents[key]
		switch {
		case !ok, ri.Version > li.Version:
			out.Intents[key] = ri
			res.Intents = append(res.Intents, key)
		case ri.Version < li.Version:
			// causally older, drop
		case ri.ContentHash != li.ContentHash:
			res.Conflicts = append(res.Conflicts, model.Conflict{
				Domain:     model.DomainIntent,
				Key:        key,
				Local:      li,
				Remote:     ri,
				DetectedAt: at,
			})
		}
	}

	for key, rg := range remote.Glyphs {
		out.Glyphs[key] = rg
	}

	res.Snapshot = out
	return res
}
