package overrides

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/trogers1052/governance-service/internal/models"
)

const (
	hmacPrefix   = "hmac-sha256:"
	digestPrefix = "sha256:"
)

// Signer computes and verifies snapshot signatures. With a key it produces an
// HMAC-SHA256; without one it falls back to a plain SHA-256 digest, which still
// detects accidental mutation but not forgery.
type Signer struct {
	key []byte
}

// NewSigner creates a signer for key. An empty key selects digest mode.
func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key)}
}

// signedPatch pins the field order and time encoding of the signed payload so
// the bytes do not depend on where the snapshot was loaded from. Timestamps are
// truncated to the microsecond precision PostgreSQL keeps.
type signedPatch struct {
	StrategyID    string                 `json:"strategy_id"`
	Patch         map[string]interface{} `json:"patch"`
	Reason        string                 `json:"reason"`
	Confidence    float64                `json:"confidence"`
	Evidence      []string               `json:"evidence"`
	SourceCycleID string                 `json:"source_cycle_id"`
	DecidedAt     string                 `json:"decided_at"`
}

type signedPayload struct {
	Version int64         `json:"version"`
	CycleID string        `json:"cycle_id"`
	Patches []signedPatch `json:"patches"`
}

// Canonical returns the bytes covered by the signature.
func Canonical(snap models.OverrideSnapshot) ([]byte, error) {
	payload := signedPayload{
		Version: snap.Version,
		CycleID: snap.CycleID,
		Patches: make([]signedPatch, len(snap.Patches)),
	}
	for i, p := range snap.Patches {
		evidence := p.Evidence
		if evidence == nil {
			evidence = []string{}
		}
		payload.Patches[i] = signedPatch{
			StrategyID:    p.StrategyID,
			Patch:         p.Patch,
			Reason:        p.Reason,
			Confidence:    p.Confidence,
			Evidence:      evidence,
			SourceCycleID: p.SourceCycleID,
			DecidedAt:     p.DecidedAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
		}
	}
	return json.Marshal(payload)
}

// Sign returns the signature of snap. The Signature field itself is ignored.
func (s *Signer) Sign(snap models.OverrideSnapshot) (string, error) {
	data, err := Canonical(snap)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot %d: %w", snap.Version, err)
	}
	if len(s.key) == 0 {
		sum := sha256.Sum256(data)
		return digestPrefix + hex.EncodeToString(sum[:]), nil
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hmacPrefix + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether snap carries a valid signature for its contents.
func (s *Signer) Verify(snap models.OverrideSnapshot) bool {
	if snap.Signature == "" {
		return false
	}
	if len(s.key) > 0 && !strings.HasPrefix(snap.Signature, hmacPrefix) {
		return false
	}
	want, err := s.Sign(snap)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(snap.Signature))
}
