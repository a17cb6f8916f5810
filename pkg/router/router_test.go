package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errMissing = errors.New("missing")
	errBusy    = errors.New("busy")
)

func Test_ErrorMapper(t *testing.T) {
	router := New()
	router.RegisterErrorMapper(errMissing, StatusMapper(http.StatusNotFound))
	router.RegisterErrorMapper(errBusy, MaskedMapper(http.StatusServiceUnavailable, "try again later"))

	tcs := []struct {
		name string
		err  error
		exp  Error
	}{
		{
			name: "sentinel",
			err:  errMissing,
			exp:  JsonError{Code: http.StatusNotFound, Err: "missing"},
		},
		{
			name: "wrapped sentinel keeps its message",
			err:  fmt.Errorf("GetRoom: %w", errMissing),
			exp:  JsonError{Code: http.StatusNotFound, Err: "GetRoom: missing"},
		},
		{
			name: "masked",
			err:  fmt.Errorf("query: %w: %w", errBusy, errors.New("disk I/O")),
			exp:  JsonError{Code: http.StatusServiceUnavailable, Err: "try again later"},
		},
		{
			name: "unmapped",
			err:  errors.New("random error"),
			exp:  router.defaultError,
		},
		{
			name: "api error",
			err:  JsonError{Code: 400, Err: "API Error"},
			exp:  JsonError{Code: 400, Err: "API Error"},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.exp, router.mapError(tc.err))
		})
	}
}

func TestRouter_SubRoutersShareMappers(t *testing.T) {
	router := New()
	passthrough := func(next http.Handler) HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) error {
			next.ServeHTTP(w, r)
			return nil
		}
	}
	router.Route("/api", func(r *Router) {
		r.With(passthrough).Get("/rooms/{roomID}", func(w http.ResponseWriter, r *http.Request) error {
			return fmt.Errorf("room %s: %w", chi.URLParam(r, "roomID"), errMissing)
		})
	})
	// registered after the routes, still applies to them
	router.RegisterErrorMapper(errMissing, StatusMapper(http.StatusNotFound))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/a:b", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body JsonError
	require.Nil(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "room a:b: missing", body.Err)
}
