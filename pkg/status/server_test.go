package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSnapshot []string

func (s staticSnapshot) Snapshot() []string { return s }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "hasip_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s := New(Options{
		Registry: staticSnapshot{"1001", "5551234"},
		Accounts: func() []AccountStatus {
			return []AccountStatus{{Index: 1, Registered: true}}
		},
		Gatherer: reg,
	})
	h := s.Handler()

	t.Run("healthz", func(t *testing.T) {
		rec := get(t, h, "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", rec.Body.String())
	})

	t.Run("состояние звонков и аккаунтов", func(t *testing.T) {
		rec := get(t, h, "/state")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var st State
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
		assert.Equal(t, []string{"1001", "5551234"}, st.ActiveCalls)
		assert.Equal(t, 2, st.Count)
		assert.Equal(t, []AccountStatus{{Index: 1, Registered: true}}, st.Accounts)
	})

	t.Run("метрики", func(t *testing.T) {
		rec := get(t, h, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "hasip_test_total 1")
	})

	t.Run("неизвестный путь", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, get(t, h, "/nope").Code)
	})

	t.Run("POST не поддерживается", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/state", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestEmptyState(t *testing.T) {
	rec := get(t, New(Options{Registry: staticSnapshot(nil)}).Handler(), "/state")
	assert.JSONEq(t, `{"active_calls":[],"count":0}`, rec.Body.String())
}
