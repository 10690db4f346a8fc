package proxy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/putergate/putergate/pkg/puter"
)

type errorDetail struct {
	Message      string `json:"message"`
	Type         string `json:"type,omitempty"`
	Details      string `json:"details,omitempty"`
	AutoRegister bool   `json:"auto_register,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: errType}})
}

// quotaExhaustedBody is the fixed-shape self-healing response: the 429 tells
// the caller to back off, auto_register tells it the outage resolves itself.
func quotaExhaustedBody(details string) errorBody {
	return errorBody{Error: errorDetail{
		Message:      "Upstream credential usage limit reached; automatic re-registration has been triggered. Retry shortly.",
		Type:         "usage_limited_error",
		Details:      details,
		AutoRegister: true,
	}}
}

func writeQuotaExhausted(w http.ResponseWriter, upstreamErr error) {
	writeJSON(w, http.StatusTooManyRequests, quotaExhaustedBody(upstreamErr.Error()))
}

// writeUpstreamError surfaces a non-quota upstream failure verbatim. Nothing
// is ever swallowed: timeouts, auth rejections and driver errors each keep a
// distinct status.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var transport *puter.TransportError
	if errors.As(err, &transport) {
		if transport.Timeout {
			writeError(w, http.StatusGatewayTimeout, "upstream_timeout", err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	var apiErr *puter.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusUnauthorized {
			writeError(w, http.StatusUnauthorized, "invalid_request_error", apiErr.Message)
			return
		}
		writeJSON(w, http.StatusBadGateway, errorBody{Error: errorDetail{
			Message: "Upstream returned error",
			Type:    "upstream_error",
			Details: apiErr.Error(),
		}})
		return
	}
	var statusErr *puter.StatusError
	if errors.As(err, &statusErr) {
		writeJSON(w, http.StatusBadGateway, errorBody{Error: errorDetail{
			Message: statusErr.Error(),
			Type:    "upstream_error",
			Details: statusErr.Body,
		}})
		return
	}
	writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
}
