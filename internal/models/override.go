package models

import (
	"encoding/json"
	"time"
)

// OverridePatch is one strategy parameter adjustment decided by a cycle.
type OverridePatch struct {
	StrategyID    string                 `json:"strategy_id"`
	Patch         map[string]interface{} `json:"patch"`
	Reason        string                 `json:"reason"`
	Confidence    float64                `json:"confidence"`
	Evidence      []string               `json:"evidence"`
	SourceCycleID string                 `json:"source_cycle_id"`
	DecidedAt     time.Time              `json:"decided_at"`
}

// Clone returns a deep copy of the patch.
func (p OverridePatch) Clone() OverridePatch {
	out := p
	out.Patch = clonePatchValues(p.Patch)
	if p.Evidence != nil {
		out.Evidence = append([]string(nil), p.Evidence...)
	}
	return out
}

// OverrideSnapshot is the published, signed set of strategy patches.
type OverrideSnapshot struct {
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	CycleID   string          `json:"cycle_id"`
	Signature string          `json:"signature"`
	Patches   []OverridePatch `json:"patches"`
}

// Clone returns a deep copy so callers never hold references into a store.
func (s OverrideSnapshot) Clone() OverrideSnapshot {
	out := s
	out.Patches = make([]OverridePatch, len(s.Patches))
	for i, p := range s.Patches {
		out.Patches[i] = p.Clone()
	}
	return out
}

// PatchFor returns the patch published for strategyID, if any.
func (s OverrideSnapshot) PatchFor(strategyID string) (OverridePatch, bool) {
	for _, p := range s.Patches {
		if p.StrategyID == strategyID {
			return p, true
		}
	}
	return OverridePatch{}, false
}

// clonePatchValues deep-copies JSON-shaped values through a marshal round trip
// so nested maps and slices are not shared.
func clonePatchValues(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]interface{}, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
