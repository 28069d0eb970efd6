package hass

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHA struct {
	mu       sync.Mutex
	requests []recorded
	server   *httptest.Server
	status   int
}

type recorded struct {
	Path string
	Auth string
	Body map[string]any
}

func newFakeHA(t *testing.T) *fakeHA {
	t.Helper()
	f := &fakeHA{status: http.StatusOK}

	r := chi.NewRouter()
	record := func(w http.ResponseWriter, req *http.Request) map[string]any {
		var body map[string]any
		_ = json.NewDecoder(req.Body).Decode(&body)
		f.mu.Lock()
		f.requests = append(f.requests, recorded{Path: req.URL.Path, Auth: req.Header.Get("Authorization"), Body: body})
		f.mu.Unlock()
		return body
	}
	r.Post("/api/services/{domain}/{service}", func(w http.ResponseWriter, req *http.Request) {
		record(w, req)
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`[]`))
	})
	r.Post("/api/webhook/{id}", func(w http.ResponseWriter, req *http.Request) {
		record(w, req)
		w.WriteHeader(f.status)
	})
	r.Post("/api/tts_get_url", func(w http.ResponseWriter, req *http.Request) {
		record(w, req)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"url":  f.server.URL + "/api/tts_proxy/abc.wav",
			"path": "/api/tts_proxy/abc.wav",
		})
	})
	r.Get("/api/tts_proxy/{file}", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("RIFF....WAVE"))
	})

	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeHA) client() *Client {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{BaseURL: f.server.URL + "/", Token: "secret", TTSPlatform: "google_translate"}, nil, log)
}

func TestCallService(t *testing.T) {
	ha := newFakeHA(t)
	c := ha.client()

	err := c.CallService(context.Background(), "light", "turn_on", "light.hall", map[string]any{"brightness": 100})
	require.NoError(t, err)

	require.Len(t, ha.requests, 1)
	got := ha.requests[0]
	assert.Equal(t, "/api/services/light/turn_on", got.Path)
	assert.Equal(t, "Bearer secret", got.Auth)
	assert.Equal(t, "light.hall", got.Body["entity_id"])
	assert.EqualValues(t, 100, got.Body["brightness"])
}

func TestCallServiceErrorStatus(t *testing.T) {
	ha := newFakeHA(t)
	ha.status = http.StatusUnauthorized

	err := ha.client().CallService(context.Background(), "light", "turn_on", "light.hall", nil)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Contains(t, err.Error(), "401")
}

func TestTriggerWebhook(t *testing.T) {
	ha := newFakeHA(t)

	err := ha.client().TriggerWebhook(context.Background(), "call_done", map[string]any{"event": "call_disconnected", "caller": "100"})
	require.NoError(t, err)

	require.Len(t, ha.requests, 1)
	assert.Equal(t, "/api/webhook/call_done", ha.requests[0].Path)
	assert.Equal(t, "call_disconnected", ha.requests[0].Body["event"])
}

func TestSynthesize(t *testing.T) {
	ha := newFakeHA(t)

	path, err := ha.client().Synthesize(context.Background(), "Hello", "en")
	require.NoError(t, err)
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "RIFF....WAVE", string(data))

	require.Len(t, ha.requests, 1)
	body := ha.requests[0].Body
	assert.Equal(t, "Hello", body["message"])
	assert.Equal(t, "google_translate", body["platform"])
	assert.Nil(t, body["engine_id"])
	opts := body["options"].(map[string]any)
	assert.Equal(t, "wav", opts["preferred_format"])
	assert.EqualValues(t, 8000, opts["preferred_sample_rate"])
}

func TestSynthesizeEngineEntity(t *testing.T) {
	ha := newFakeHA(t)
	c := New(Config{BaseURL: ha.server.URL, TTSPlatform: "tts.piper"}, nil, nil)

	path, err := c.Synthesize(context.Background(), "Hi", "de")
	require.NoError(t, err)
	defer os.Remove(path)

	assert.Equal(t, "tts.piper", ha.requests[0].Body["engine_id"])
	assert.Empty(t, ha.requests[0].Auth)
}

func TestUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"}, nil, nil)
	assert.Error(t, c.CallService(context.Background(), "a", "b", "c", nil))
}
