package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/models"
)

func TestDecode(t *testing.T) {
	rec, err := Decode([]byte(`{
		"schemaVersion": 1,
		"positionId": "pos-9",
		"mint": "So11111111111111111111111111111111111111112",
		"status": "sl_hit",
		"entryAt": "2026-10-15T03:00:00Z",
		"exitAt": "2026-10-15T03:40:00Z",
		"pnlAbs": "-12.75",
		"pnlPct": -3.1,
		"slippageBps": 42.5,
		"signerMode": "treasury",
		"txRefs": ["5Kx...", "3Jd..."]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "So11111111111111111111111111111111111111112", rec.InstrumentID, "mint is accepted as the instrument id")
	assert.Equal(t, models.TradeSLHit, rec.Status)
	require.NotNil(t, rec.PnLAbs)
	assert.Equal(t, "-12.75", rec.PnLAbs.String())
	assert.Equal(t, 42.5, *rec.SlippageBps)
	assert.Len(t, rec.TxRefs, 2)
	require.NoError(t, Validate(rec))
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]struct {
		body string
		code string
	}{
		"not json":       {`{oops`, "malformed_body"},
		"no version":     {`{"positionId":"p"}`, "missing_schema_version"},
		"future version": {`{"schemaVersion":2,"positionId":"p"}`, "unsupported_schema_version"},
		"string version": {`{"schemaVersion":"1"}`, "malformed_body"},
		"unknown field":  {`{"schemaVersion":1,"positionId":"p","instrumentId":"i","status":"closed","leverage":5}`, "malformed_body"},
		"wrong type":     {`{"schemaVersion":1,"positionId":7}`, "malformed_body"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(tc.body))
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			assert.Equal(t, tc.code, apperr.CodeOf(err))
		})
	}
}
