package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/trogers1052/governance-service/internal/apperr"
)

type errorResponse struct {
	OK                bool     `json:"ok"`
	Error             string   `json:"error"`
	Message           string   `json:"message,omitempty"`
	Fields            []string `json:"fields,omitempty"`
	RetryAfterSeconds int      `json:"retryAfterSeconds,omitempty"`
}

// codeAuthUnconfigured marks a protected route whose secret is not set.
const codeAuthUnconfigured = "auth_unconfigured"

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth:
		if apperr.CodeOf(err) == codeAuthUnconfigured {
			return http.StatusServiceUnavailable
		}
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindVersionConflict:
		return http.StatusConflict
	case apperr.KindUpstream:
		return http.StatusServiceUnavailable
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) errorResponse {
	body := errorResponse{Error: apperr.KindOf(err).String()}
	var e *apperr.Error
	if errors.As(err, &e) {
		if e.Code != "" {
			body.Error = e.Code
		}
		if e.Kind != apperr.KindInternal {
			body.Message = e.Message
		}
		body.Fields = e.Fields
	}
	if body.Message == "" && apperr.KindOf(err) == apperr.KindInternal {
		body.Message = "internal error"
	}
	return body
}

func setRetryAfter(w http.ResponseWriter, err error) int {
	d := apperr.RetryAfterOf(err)
	if d <= 0 {
		return 0
	}
	secs := int(math.Ceil(d.Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	return secs
}

// respondError writes err with the status of its kind.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	h.respondErrorStatus(w, r, statusFor(err), err)
}

func (h *Handler) respondErrorStatus(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	} else {
		h.logger.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request rejected")
	}

	body := errorBody(err)
	body.RetryAfterSeconds = setRetryAfter(w, err)
	respondJSON(w, status, body)
}
