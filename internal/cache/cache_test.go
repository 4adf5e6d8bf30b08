package cache_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/block/mediacache/internal/httpfetch"
	"github.com/block/mediacache/internal/jobscheduler"
)

func eventually(t *testing.T, timeout time.Duration, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	msg := "condition not met within timeout"
	if len(msgAndArgs) > 0 {
		if format, ok := msgAndArgs[0].(string); ok {
			msg = fmt.Sprintf(format, msgAndArgs[1:]...)
		}
	}
	t.Fatal(msg)
}

func newScheduler(t *testing.T) jobscheduler.Scheduler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return jobscheduler.New(ctx, jobscheduler.Config{Concurrency: 2})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(noopWriter{}, nil))
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeFetcher serves pre-programmed httpfetch.Response values keyed by URL and
// counts requests, so tests can assert revalidation actually hit the network.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]httpfetch.Response
	calls     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: make(map[string][]httpfetch.Response), calls: make(map[string]int)}
}

// enqueue appends a response to be returned on the next Fetch call for url, in order.
func (f *fakeFetcher) enqueue(url string, resp httpfetch.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = append(f.responses[url], resp)
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) Fetch(_ context.Context, req httpfetch.Request) (httpfetch.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++

	queue := f.responses[req.URL]
	if len(queue) == 0 {
		return httpfetch.Response{StatusCode: http.StatusNotFound}, nil
	}
	resp := queue[0]
	f.responses[req.URL] = queue[1:]
	return resp, nil
}

func jpegResponse(body string, headers http.Header) httpfetch.Response {
	if headers == nil {
		headers = http.Header{}
	}
	if headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", "image/jpeg")
	}
	return httpfetch.Response{StatusCode: http.StatusOK, Headers: headers, Body: []byte(body)}
}
