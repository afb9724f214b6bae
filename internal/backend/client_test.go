package backend

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGetRunAttachesBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(Run{ID: 7, Status: "pending"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok123", zap.NewNop())
	run, err := c.GetRun(t.Context(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), run.ID)
	assert.Equal(t, "Bearer tok123", gotAuth)
}

func TestMarkRunErrorSendsQueryParamsNotBody(t *testing.T) {
	var gotQuery, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", zap.NewNop())
	err := c.MarkRunError(t.Context(), 9, "TaskError", "sensor fault")
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "error_type=TaskError")
	assert.Contains(t, gotQuery, "error_message=sensor+fault")
	assert.Empty(t, gotBody)
}

func TestErrorStatusProducesTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail":"not found"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", zap.NewNop())
	_, err := c.GetRun(t.Context(), 404)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestGetActiveRunHandlesNull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`null`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", zap.NewNop())
	run, err := c.GetActiveRun(t.Context(), 3)
	require.NoError(t, err)
	assert.Zero(t, run.ID)
}

func TestCreateOrUpdatePilotSanitizesPrefsForJSON(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"id":1,"name":"pilot_a"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", zap.NewNop())
	_, err := c.CreateOrUpdatePilot(t.Context(), "pilot_a", "10.0.0.1", map[string]any{
		"gain": math.NaN(),
		"offset": math.Inf(1),
		"nested": map[string]any{"bad": math.Inf(-1), "good": 1.5},
	})
	require.NoError(t, err)

	prefs := gotBody["prefs"].(map[string]any)
	assert.Nil(t, prefs["gain"])
	assert.Nil(t, prefs["offset"])
	nested := prefs["nested"].(map[string]any)
	assert.Nil(t, nested["bad"])
	assert.Equal(t, 1.5, nested["good"])
}

func TestSanitizeForJSONHandlesSlices(t *testing.T) {
	out := sanitizeForJSON([]any{math.NaN(), 1.0, "ok"})
	slice := out.([]any)
	assert.Nil(t, slice[0])
	assert.Equal(t, 1.0, slice[1])
	assert.Equal(t, "ok", slice[2])
}
