package merge

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/njoerd114/statemesh/internal/model"
)

// Strategy selects how a pending conflict is settled.
type Strategy string

const (
	// StrategyLocal keeps the local record and bumps it past the remote one.
	StrategyLocal Strategy = "local"
	// StrategyRemote adopts the remote record verbatim.
	StrategyRemote Strategy = "remote"
	// StrategyMerge unions both records field by field, remote fields winning.
	StrategyMerge Strategy = "merge"
)

// ErrUnknownStrategy is returned for a strategy other than local, remote or
// merge.
var ErrUnknownStrategy = errors.New("unknown resolution strategy")

// ParseStrategy converts a user-supplied string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyLocal, StrategyRemote, StrategyMerge:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q (want local, remote or merge)", ErrUnknownStrategy, s)
	}
}

// Resolve computes the intent record that replaces the local copy of
// c.Key. local is the replica's current state, which may have moved on since
// the conflict was detected. The local and merge strategies return a version
// above local and both conflict sides, so the next sync does not re-detect
// the conflict. The remote strategy returns c.Remote verbatim even when local
// has since moved past it; any local edit made after detection is dropped.
func Resolve(local model.Snapshot, c model.Conflict, s Strategy, replicaID string, now time.Time) (model.IntentRecord, error) {
	cur, ok := local.Intents[c.Key]
	if !ok {
		cur = c.Local
	}

	switch s {
	case StrategyLocal:
		cur.Version = max(cur.Version, c.Local.Version, c.Remote.Version) + 1
		return cur.Seal(), nil

	case StrategyRemote:
		return c.Remote, nil

	case StrategyMerge:
		merged := cur
		if c.Remote.Name != "" {
			merged.Name = c.Remote.Name
		}
		if c.Remote.Description != "" {
			merged.Description = c.Remote.Description
		}
		if len(cur.Attributes) > 0 || len(c.Remote.Attributes) > 0 {
			attrs := make(map[string]any, len(cur.Attributes)+len(c.Remote.Attributes))
			maps.Copy(attrs, cur.Attributes)
			maps.Copy(attrs, c.Remote.Attributes)
			merged.Attributes = attrs
		}
		merged.Version = max(cur.Version, c.Remote.Version) + 1
		merged.OriginReplica = replicaID
		merged.Timestamp = now.UTC()
		return merged.Seal(), nil
	}

	return model.IntentRecord{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}
