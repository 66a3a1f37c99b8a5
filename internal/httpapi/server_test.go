package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"stridebot/internal/engine"
	logx "stridebot/pkg/logx"
)

type stubTicker struct {
	mu      sync.Mutex
	calls   int
	rep     engine.TickReport
	err     error
	release chan struct{} // when set, Tick blocks until closed
	started chan struct{}
}

func (s *stubTicker) Tick(ctx context.Context) (engine.TickReport, error) {
	s.mu.Lock()
	s.calls++
	release, started := s.release, s.started
	s.mu.Unlock()

	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	}
	return s.rep, s.err
}

func (s *stubTicker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestServer(t *testing.T, ticker Ticker, secret string) *httptest.Server {
	t.Helper()
	srv := New(Config{Addr: "127.0.0.1:0", Secret: secret}, ticker, logx.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &stubTicker{}, "s3cret")

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestTickAuth(t *testing.T) {
	t.Parallel()
	stub := &stubTicker{rep: engine.TickReport{RunID: "abc", Delivered: 2}}
	ts := newTestServer(t, stub, "s3cret")

	// No credentials.
	resp, err := http.Get(ts.URL + "/tick")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unauthenticated status = %d, want 403", resp.StatusCode)
	}
	if stub.callCount() != 0 {
		t.Fatal("tick ran without credentials")
	}

	// Wrong secret.
	resp, _ = http.Get(ts.URL + "/tick?token=nope")
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong secret status = %d, want 403", resp.StatusCode)
	}

	// Query parameter, the way external cron services pass it.
	resp, _ = http.Get(ts.URL + "/tick?token=s3cret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query token status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		OK     bool              `json:"ok"`
		Report engine.TickReport `json:"report"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if !body.OK || body.Report.Delivered != 2 {
		t.Fatalf("body = %+v", body)
	}

	// Header variant.
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/tick", nil)
	req.Header.Set("X-Tick-Secret", "s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("header secret status = %d, want 200", resp.StatusCode)
	}
	if stub.callCount() != 2 {
		t.Fatalf("tick calls = %d, want 2", stub.callCount())
	}
}

func TestTickError(t *testing.T) {
	t.Parallel()
	stub := &stubTicker{err: errors.New("db is gone")}
	ts := newTestServer(t, stub, "")

	resp, err := http.Get(ts.URL + "/tick")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestTickSingleFlight(t *testing.T) {
	t.Parallel()
	stub := &stubTicker{
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
	ts := newTestServer(t, stub, "")

	done := make(chan error, 1)
	go func() {
		resp, err := http.Get(ts.URL + "/tick")
		if err == nil {
			resp.Body.Close()
		}
		done <- err
	}()

	select {
	case <-stub.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first tick never started")
	}

	// Second trigger while the first is still running.
	resp, err := http.Get(ts.URL + "/tick")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("overlapping status = %d, want 409", resp.StatusCode)
	}

	close(stub.release)
	if err := <-done; err != nil {
		t.Fatalf("first request: %v", err)
	}
	if stub.callCount() != 1 {
		t.Fatalf("tick calls = %d, want 1", stub.callCount())
	}
}
