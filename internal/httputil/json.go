package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
	"github.com/GiorgiUbiria/notary_ledger/internal/logger"
)

const maxBody = 1 << 20

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error("failed to encode response", zap.Error(err))
	}
}

func WriteError(w http.ResponseWriter, code int, msg string) {
	WriteJSON(w, code, ErrorResponse{Error: msg})
}

// StatusOf maps an error kind to the HTTP status reported for it.
func StatusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.InvalidArgument, apperr.MalformedValidityWindow, apperr.NotYetValid, apperr.Expired:
		return http.StatusBadRequest
	case apperr.NotRegistered, apperr.OwnershipMismatch:
		return http.StatusForbidden
	case apperr.AlreadySettled, apperr.AssetMismatch:
		return http.StatusConflict
	case apperr.InsufficientFunds, apperr.Overflow:
		return http.StatusUnprocessableEntity
	case apperr.Busy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteAppError reports err with the status of its kind. Internal failures
// are logged and their detail withheld from the client.
func WriteAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	code := StatusOf(kind)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logger.Log.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	WriteJSON(w, code, ErrorResponse{Error: msg, Kind: string(kind)})
}

// DecodeJSON reads a single JSON object from the request body into v.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.E(apperr.InvalidArgument, "http.decode", "empty request body")
		}
		return apperr.Wrap(apperr.InvalidArgument, "http.decode", err)
	}
	return nil
}
