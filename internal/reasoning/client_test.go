package reasoning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/testdriverai/testdriver/internal/errs"
)

func TestClient_Call(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/testdriver/session/start", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, false, body["stream"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"session":"abc123"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 1, srv.Client())
	var out struct {
		Session string `json:"session"`
	}
	err := c.Call(context.Background(), "session/start", map[string]any{}, &out)
	require.NoError(t, err)
	require.Equal(t, "abc123", out.Session)
}

func TestClient_RedirectRetry(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path == "/api/v1/testdriver/input" {
			w.WriteHeader(http.StatusMovedPermanently)
			_, _ = w.Write([]byte("/api/v1/testdriver/input2"))
			return
		}
		require.Equal(t, "/api/v1/testdriver/input2", r.URL.Path)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 1, srv.Client())
	var out struct {
		OK bool `json:"ok"`
	}
	err := c.Call(context.Background(), "input", map[string]any{}, &out)
	require.NoError(t, err)
	require.True(t, out.OK)
	require.Equal(t, 2, hits)
}

func TestClient_ServiceErrorOnNonRedirect3xxPlus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(srv.URL, 1, srv.Client())
	err := c.Call(context.Background(), "input", map[string]any{}, nil)
	require.Error(t, err)
	var se *errs.ServiceError
	require.ErrorAs(t, err, &se)
}

func TestClient_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, true, body["stream"])
		w.Header().Set("Content-Type", "application/jsonl")
		_, _ = w.Write([]byte("{\"type\":\"data\",\"data\":\"a\"}\n{\"type\":\"data\",\"data\":\"b\"}\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, 1, srv.Client())
	var chunks []Chunk
	err := c.Stream(context.Background(), "input", map[string]any{}, func(ch Chunk) {
		chunks = append(chunks, ch)
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
}
