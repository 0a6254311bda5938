package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/testdriverai/testdriver/internal/ports"
	"github.com/testdriverai/testdriver/internal/reasoning"
	"github.com/testdriverai/testdriver/internal/script"
)

type fakeScreen struct {
	png []byte
}

func (f *fakeScreen) Capture(ctx context.Context) ([]byte, error) { return f.png, nil }
func (f *fakeScreen) ActiveWindow(ctx context.Context) (string, error) {
	return "", nil
}
func (f *fakeScreen) MousePosition(ctx context.Context) (ports.Point, error) {
	return ports.Point{}, nil
}

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newVisionRegistry(t *testing.T, mux *http.ServeMux) (*Registry, func()) {
	t.Helper()
	srv := httptest.NewServer(mux)
	rc := reasoning.New(srv.URL, 1, srv.Client())
	r := &Registry{
		Input:     &fakeInput{},
		Screen:    &fakeScreen{png: solidPNG(t, 4, 4, color.White)},
		Reasoning: rc,
	}
	return r, srv.Close
}

func TestRegistry_HoverTextFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/testdriver/hover/text", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"x": 10, "y": 20, "found": true}))
	})
	r, closeFn := newVisionRegistry(t, mux)
	defer closeFn()

	err := r.HoverText(context.Background(), script.Command{Text: "Login", Action: "click"})
	require.NoError(t, err)
	in := r.Input.(*fakeInput)
	require.Equal(t, []ports.Point{{X: 10, Y: 20}}, in.moved)
	require.Equal(t, []ports.ClickAction{ports.ClickLeft}, in.clicked)
}

func TestRegistry_HoverTextNotFoundIsError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/testdriver/hover/text", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"found": false}))
	})
	r, closeFn := newVisionRegistry(t, mux)
	defer closeFn()

	err := r.HoverText(context.Background(), script.Command{Text: "Missing"})
	require.Error(t, err)
}

func TestRegistry_AssertPassToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/testdriver/assert", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"response": "The task passed, all good"}))
	})
	r, closeFn := newVisionRegistry(t, mux)
	defer closeFn()

	ok, err := r.Assert(context.Background(), script.Command{Expect: "a login form"})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRegistry_AssertFailureAsyncReturnsError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/testdriver/assert", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"response": "nope"}))
	})
	r, closeFn := newVisionRegistry(t, mux)
	defer closeFn()

	_, err := r.Assert(context.Background(), script.Command{Expect: "a login form", Async: true})
	require.Error(t, err)
}

func TestRegistry_AssertFailureSyncReturnsFalse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/testdriver/assert", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"response": "nope"}))
	})
	r, closeFn := newVisionRegistry(t, mux)
	defer closeFn()

	ok, err := r.Assert(context.Background(), script.Command{Expect: "a login form"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRegistry_WaitForTextTimesOut(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/testdriver/assert/text", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"found": false}))
	})
	r, closeFn := newVisionRegistry(t, mux)
	defer closeFn()

	err := r.WaitForText(context.Background(), script.Command{Text: "Loading", Timeout: 1})
	require.Error(t, err)
}

func TestRegistry_ScrollUntilTextFindsImmediately(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/testdriver/assert/text", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"found": true}))
	})
	r, closeFn := newVisionRegistry(t, mux)
	defer closeFn()

	traversed, err := r.ScrollUntilText(context.Background(), script.Command{Text: "Footer", MaxDistance: 1000})
	require.NoError(t, err)
	require.Equal(t, 0, traversed)
	in := r.Input.(*fakeInput)
	require.Len(t, in.pressed, 1, "find-in-page chord sent once before the first scroll tick")
}
