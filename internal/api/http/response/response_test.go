package response

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rezkam/jobqueue/internal/domain"
)

func TestOK_WritesJSONWithStatus200(t *testing.T) {
	w := httptest.NewRecorder()
	OK(w, map[string]string{"hello": "world"})

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"hello":"world"}`, w.Body.String())
}

func TestFromDomainError_MapsKnownSentinelsToStatusCodes(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{domain.ErrCycle, http.StatusBadRequest},
		{domain.ErrValidation, http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrStateConflict, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", domain.ErrNotFound), http.StatusNotFound},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/jobs/x", nil)
		w := httptest.NewRecorder()
		FromDomainError(w, r, tc.err)
		require.Equal(t, tc.status, w.Code, tc.err)
	}
}

func TestValidationError_IncludesFieldDetails(t *testing.T) {
	w := httptest.NewRecorder()
	ValidationError(w, ErrorField{Field: "priority", Issue: "must be one of CRITICAL, HIGH, NORMAL, LOW"})

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "priority")
}
