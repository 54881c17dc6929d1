package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
)

func TestWriteAppError(t *testing.T) {
	cases := []struct {
		err  error
		code int
		kind string
	}{
		{apperr.E(apperr.NotFound, "op", "missing"), http.StatusNotFound, "NOT_FOUND"},
		{apperr.E(apperr.Expired, "op", "late"), http.StatusBadRequest, "EXPIRED"},
		{apperr.E(apperr.OwnershipMismatch, "op", "not yours"), http.StatusForbidden, "OWNERSHIP_MISMATCH"},
		{apperr.E(apperr.AlreadySettled, "op", "done"), http.StatusConflict, "ALREADY_SETTLED"},
		{apperr.E(apperr.InsufficientFunds, "op", "short"), http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"},
		{apperr.E(apperr.Busy, "op", "locked"), http.StatusServiceUnavailable, "BUSY"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			res := httptest.NewRecorder()
			WriteAppError(res, tc.err)
			assert.Equal(t, tc.code, res.Code)
			assert.Equal(t, "application/json", res.Header().Get("Content-Type"))

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
			assert.Equal(t, tc.kind, body.Kind)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestInternalDetailWithheld(t *testing.T) {
	res := httptest.NewRecorder()
	WriteAppError(res, errors.New("password=hunter2"))
	assert.NotContains(t, res.Body.String(), "hunter2")
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"alice"}`))
	require.NoError(t, DecodeJSON(req, &v))
	assert.Equal(t, "alice", v.Name)

	for _, body := range []string{"", "{", `{"other":1}`} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		err := DecodeJSON(req, &v)
		assert.True(t, apperr.Is(err, apperr.InvalidArgument), "body %q: %v", body, err)
	}
}
