package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentHandler(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/rooms/{roomID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/rooms/{roomID}", "418"))
	for _, id := range []string{"a:b", "c:d"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rooms/"+id, nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}
	after := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/rooms/{roomID}", "418"))
	assert.Equal(t, 2.0, after-before)
}

func TestHandler(t *testing.T) {
	ObserveOperation("send_message", time.Now(), nil)
	ObserveOperation("send_message", time.Now(), errors.New("boom"))
	RoomCreateConflicts.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "directchat_chat_room_create_conflicts_total"))
	assert.True(t, strings.Contains(body, `directchat_chat_operation_duration_seconds_count{operation="send_message",success="false"} 1`))
}
