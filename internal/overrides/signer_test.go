package overrides

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/governance-service/internal/models"
)

func sampleSnapshot() models.OverrideSnapshot {
	return models.OverrideSnapshot{
		Version: 7,
		CycleID: "2026101504",
		Patches: []models.OverridePatch{
			{
				StrategyID:    "breakout_v1",
				Patch:         map[string]interface{}{"status": "promoted", "enabled": true},
				Reason:        "all promotion criteria met",
				Confidence:    0.82,
				Evidence:      []string{"evidence:breakout_v1:2026101504"},
				SourceCycleID: "2026101504",
				DecidedAt:     time.Date(2026, 10, 15, 4, 0, 3, 0, time.UTC),
			},
		},
	}
}

func TestSigner_SignVerify(t *testing.T) {
	signer := NewSigner("secret")
	snap := sampleSnapshot()

	sig, err := signer.Sign(snap)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sig, "hmac-sha256:"))

	snap.Signature = sig
	assert.True(t, signer.Verify(snap))

	again, err := signer.Sign(snap)
	require.NoError(t, err)
	assert.Equal(t, sig, again, "signature must be deterministic and ignore the signature field")
}

func TestSigner_DetectsTampering(t *testing.T) {
	signer := NewSigner("secret")
	base := sampleSnapshot()
	var err error
	base.Signature, err = signer.Sign(base)
	require.NoError(t, err)

	mutations := map[string]func(s *models.OverrideSnapshot){
		"version":       func(s *models.OverrideSnapshot) { s.Version++ },
		"cycle id":      func(s *models.OverrideSnapshot) { s.CycleID = "2026101505" },
		"patch value":   func(s *models.OverrideSnapshot) { s.Patches[0].Patch["enabled"] = false },
		"reason":        func(s *models.OverrideSnapshot) { s.Patches[0].Reason += "!" },
		"confidence":    func(s *models.OverrideSnapshot) { s.Patches[0].Confidence = 0.83 },
		"evidence":      func(s *models.OverrideSnapshot) { s.Patches[0].Evidence = nil },
		"decided at":    func(s *models.OverrideSnapshot) { s.Patches[0].DecidedAt = s.Patches[0].DecidedAt.Add(time.Second) },
		"extra patch":   func(s *models.OverrideSnapshot) { s.Patches = append(s.Patches, models.OverridePatch{StrategyID: "x"}) },
		"dropped patch": func(s *models.OverrideSnapshot) { s.Patches = nil },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			snap := base.Clone()
			mutate(&snap)
			assert.False(t, signer.Verify(snap))
		})
	}
}

func TestSigner_WrongKey(t *testing.T) {
	snap := sampleSnapshot()
	var err error
	snap.Signature, err = NewSigner("one").Sign(snap)
	require.NoError(t, err)

	assert.False(t, NewSigner("two").Verify(snap))
}

func TestSigner_DigestModeRejectedWhenKeyed(t *testing.T) {
	snap := sampleSnapshot()
	var err error
	snap.Signature, err = NewSigner("").Sign(snap)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(snap.Signature, "sha256:"))

	assert.True(t, NewSigner("").Verify(snap))
	assert.False(t, NewSigner("secret").Verify(snap))
}

func TestSigner_StableAcrossTimezones(t *testing.T) {
	signer := NewSigner("secret")
	snap := sampleSnapshot()
	var err error
	snap.Signature, err = signer.Sign(snap)
	require.NoError(t, err)

	loc := time.FixedZone("UTC+3", 3*3600)
	snap.Patches[0].DecidedAt = snap.Patches[0].DecidedAt.In(loc)
	assert.True(t, signer.Verify(snap))
}
