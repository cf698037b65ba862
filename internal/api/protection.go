package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/models"
	"github.com/trogers1052/governance-service/internal/protection"
)

type actionEnvelope struct {
	Action string `json:"action"`
}

type preflightRequest struct {
	Action string `json:"action"`
}

type intentPayload struct {
	InstrumentID    string          `json:"instrumentId"`
	Side            string          `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	TakeProfitPrice decimal.Decimal `json:"takeProfitPrice"`
	StopLossPrice   decimal.Decimal `json:"stopLossPrice"`
}

type activateRequest struct {
	Action     string        `json:"action"`
	PositionID string        `json:"positionId"`
	Intent     intentPayload `json:"intent"`
}

type cancelRequest struct {
	Action     string `json:"action"`
	PositionID string `json:"positionId"`
	Reason     string `json:"reason"`
}

type reconcileRequest struct {
	Action      string   `json:"action"`
	PositionIDs []string `json:"positionIds"`
}

type protectionResponse struct {
	protection.Outcome
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func decodeStrict(body []byte, dst interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("malformed_body", fmt.Sprintf("invalid request: %v", err))
	}
	return nil
}

// ControlProtection handles POST /protection
func (h *Handler) ControlProtection(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.respondErrorStatus(w, r, http.StatusUnprocessableEntity, apperr.Validation("malformed_body", "failed to read request body"))
		return
	}

	var env actionEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.respondErrorStatus(w, r, http.StatusUnprocessableEntity, apperr.Validation("malformed_body", "request body must be a JSON object"))
		return
	}

	switch env.Action {
	case "preflight":
		var req preflightRequest
		if err := decodeStrict(body, &req); err != nil {
			h.respondErrorStatus(w, r, http.StatusUnprocessableEntity, err)
			return
		}
		res := h.Protection.Preflight(r.Context())
		status := http.StatusOK
		if !res.OK {
			status = http.StatusServiceUnavailable
		}
		respondJSON(w, status, res)

	case "activate":
		var req activateRequest
		if err := decodeStrict(body, &req); err != nil {
			h.respondErrorStatus(w, r, http.StatusUnprocessableEntity, err)
			return
		}
		out, err := h.Protection.Activate(r.Context(), req.PositionID, models.ProtectionIntent{
			InstrumentID:    req.Intent.InstrumentID,
			Side:            req.Intent.Side,
			Quantity:        req.Intent.Quantity,
			TakeProfitPrice: req.Intent.TakeProfitPrice,
			StopLossPrice:   req.Intent.StopLossPrice,
		})
		h.respondOutcome(w, r, out, err)

	case "cancel":
		var req cancelRequest
		if err := decodeStrict(body, &req); err != nil {
			h.respondErrorStatus(w, r, http.StatusUnprocessableEntity, err)
			return
		}
		out, err := h.Protection.Cancel(r.Context(), req.PositionID, req.Reason)
		h.respondOutcome(w, r, out, err)

	case "reconcile":
		var req reconcileRequest
		if err := decodeStrict(body, &req); err != nil {
			h.respondErrorStatus(w, r, http.StatusUnprocessableEntity, err)
			return
		}
		res, err := h.Protection.Reconcile(r.Context(), req.PositionIDs)
		if err != nil {
			h.respondErrorStatus(w, r, protectionStatus(err), err)
			return
		}
		respondJSON(w, reconcileStatus(res), res)

	default:
		h.respondErrorStatus(w, r, http.StatusUnprocessableEntity,
			apperr.Validation("unknown_action", fmt.Sprintf("unknown action %q", env.Action), "action"))
	}
}

func (h *Handler) respondOutcome(w http.ResponseWriter, r *http.Request, out protection.Outcome, err error) {
	if err == nil {
		respondJSON(w, http.StatusOK, protectionResponse{Outcome: out})
		return
	}

	status := protectionStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn().Err(err).Str("status", string(out.Status)).Msg("protection operation failed")
	}
	body := errorBody(err)
	setRetryAfter(w, err)
	respondJSON(w, status, protectionResponse{Outcome: out, Error: body.Error, Message: body.Message})
}

// protectionStatus maps rejected input and permanent venue rejections to 422
// and transient venue failures to 503.
func protectionStatus(err error) int {
	switch {
	case apperr.KindOf(err) == apperr.KindValidation, apperr.IsPermanent(err):
		return http.StatusUnprocessableEntity
	case apperr.KindOf(err) == apperr.KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return statusFor(err)
	}
}

func reconcileStatus(res protection.ReconcileResult) int {
	if res.OK {
		return http.StatusOK
	}
	status := http.StatusOK
	for _, rec := range res.Records {
		if rec.Status != models.ProtectionError {
			continue
		}
		if !rec.Rejected {
			return http.StatusServiceUnavailable
		}
		status = http.StatusUnprocessableEntity
	}
	return status
}
