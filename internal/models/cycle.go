package models

import (
	"encoding/json"
	"time"
)

// CycleStatus is a state of the governance cycle state machine.
type CycleStatus string

const (
	CycleIdle               CycleStatus = "idle"
	CycleCollectingEvidence CycleStatus = "collecting_evidence"
	CycleComputingPatches   CycleStatus = "computing_patches"
	CyclePublishing         CycleStatus = "publishing"
	CycleApplying           CycleStatus = "applying"
	CycleCompleted          CycleStatus = "completed"
	CycleFailed             CycleStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s CycleStatus) IsTerminal() bool {
	return s == CycleCompleted || s == CycleFailed
}

// Reason codes attached to cycle results.
const (
	ReasonDegradedEvidence = "degraded_evidence"
	ReasonVersionConflict  = "version_conflict"
	ReasonPublishFailed    = "publish_failed"
	ReasonApplyFailed      = "apply_failed"
	ReasonStale            = "stale"
	ReasonNoStrategies     = "no_strategies"
	ReasonInternal         = "internal_error"
)

// PendingBatch is set while an apply of a published snapshot is outstanding.
type PendingBatch struct {
	CycleID string `json:"cycle_id"`
	BatchID string `json:"batch_id"`
}

// CycleState is the process-wide bookkeeping of the governance cycle.
type CycleState struct {
	LatestCycleID          string        `json:"latest_cycle_id"`
	LatestCompletedCycleID string        `json:"latest_completed_cycle_id"`
	PendingBatch           *PendingBatch `json:"pending_batch,omitempty"`
	Stale                  bool          `json:"stale"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// AuditBundle is the full record of one governance cycle.
type AuditBundle struct {
	CycleID          string          `json:"cycle_id"`
	Status           CycleStatus     `json:"status"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	EvidenceMatrix   []EvidenceRow   `json:"evidence_matrix"`
	Analysis         json.RawMessage `json:"analysis,omitempty"`
	Report           string          `json:"report,omitempty"`
	AppliedOverrides []OverridePatch `json:"applied_overrides"`
	SnapshotVersion  int64           `json:"snapshot_version"`
	ReasonCode       string          `json:"reason_code,omitempty"`
	Error            *string         `json:"error"`
}

// Clone returns a deep copy of the bundle.
func (b AuditBundle) Clone() AuditBundle {
	out := b
	if b.FinishedAt != nil {
		t := *b.FinishedAt
		out.FinishedAt = &t
	}
	if b.EvidenceMatrix != nil {
		out.EvidenceMatrix = make([]EvidenceRow, len(b.EvidenceMatrix))
		for i, row := range b.EvidenceMatrix {
			if row.Evidence != nil {
				ev := *row.Evidence
				row.Evidence = &ev
			}
			out.EvidenceMatrix[i] = row
		}
	}
	if b.Analysis != nil {
		out.Analysis = append(json.RawMessage(nil), b.Analysis...)
	}
	if b.AppliedOverrides != nil {
		out.AppliedOverrides = make([]OverridePatch, len(b.AppliedOverrides))
		for i, p := range b.AppliedOverrides {
			out.AppliedOverrides[i] = p.Clone()
		}
	}
	if b.Error != nil {
		e := *b.Error
		out.Error = &e
	}
	return out
}
