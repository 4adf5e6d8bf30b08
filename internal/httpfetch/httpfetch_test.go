package httpfetch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/block/mediacache/internal/httpfetch"
)

func TestClientFetchBuffersBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `"v1"`, r.Header.Get("If-None-Match"))
		w.Header().Set("ETag", `"v2"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("body-bytes"))
	}))
	defer srv.Close()

	client := httpfetch.NewClient(nil)
	resp, err := client.Fetch(context.Background(), httpfetch.Request{
		URL:     srv.URL,
		Headers: http.Header{"If-None-Match": []string{`"v1"`}},
	})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("body-bytes"), resp.Body)
	assert.Equal(t, `"v2"`, resp.Headers.Get("ETag"))
}

func TestClientFetchTransportError(t *testing.T) {
	client := httpfetch.NewClient(nil)
	_, err := client.Fetch(context.Background(), httpfetch.Request{URL: "http://127.0.0.1:0/unreachable"})
	assert.Error(t, err)
}

func TestClientFetchNon200StillReturnsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := httpfetch.NewClient(nil)
	resp, err := client.Fetch(context.Background(), httpfetch.Request{URL: srv.URL})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
