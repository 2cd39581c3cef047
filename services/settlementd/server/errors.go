package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/ledger"
	"fundledger/services/settlementd/tracker"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// toStatus maps engine errors onto HTTP status codes.
func toStatus(err error) (int, errorBody) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, errorBody{Error: err.Error(), Code: "validation"}
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, errorBody{Error: "not permitted", Code: "unauthorized"}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: "resource not found", Code: "not_found"}
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrDuplicateHash):
		return http.StatusConflict, errorBody{Error: err.Error(), Code: "invalid_state"}
	case errors.Is(err, ledger.ErrRejected):
		return http.StatusBadGateway, errorBody{Error: "ledger rejected the transaction", Code: ledger.ErrorCode(err)}
	case errors.Is(err, ledger.ErrNetwork), errors.Is(err, tracker.ErrUnresolved):
		return http.StatusServiceUnavailable, errorBody{Error: "ledger unavailable", Code: "network"}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error"}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := toStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.Validationf("invalid request body: %v", err)
	}
	return nil
}
