package nodeclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCallDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "getblocktemplate" {
			t.Fatalf("unexpected method: %s", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"1.0","id":1,"result":{"height":42},"error":null}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, time.Second, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Call(context.Background(), "getblocktemplate", []interface{}{map[string]interface{}{"algo": "progpow"}})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var result struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Height != 42 {
		t.Errorf("height = %d, want 42", result.Height)
	}
}

func TestCallBasicAuthFromURL(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		w.Write([]byte(`{"jsonrpc":"1.0","id":1,"result":true,"error":null}`))
	}))
	defer srv.Close()

	c, err := New("http://alice:secret@"+srv.Listener.Addr().String(), time.Second, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Call(context.Background(), "ping", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !gotOK || gotUser != "alice" || gotPass != "secret" {
		t.Errorf("basic auth = (%q, %q, %v), want (alice, secret, true)", gotUser, gotPass, gotOK)
	}
}

func TestCallHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := New(srv.URL, time.Second, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Call(context.Background(), "getblocktemplate", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	statusErr, ok := err.(*HTTPStatusError)
	if !ok {
		t.Fatalf("err = %T, want *HTTPStatusError", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", statusErr.StatusCode)
	}
}

func TestCircuitTrackerOpensAfterThreshold(t *testing.T) {
	ct := NewCircuitTracker(3, 50*time.Millisecond, nil)
	if ct.State() != CircuitClosed {
		t.Fatalf("initial state = %v, want closed", ct.State())
	}
	ct.RecordFailure()
	ct.RecordFailure()
	if ct.State() != CircuitClosed {
		t.Fatalf("state after 2 failures = %v, want still closed", ct.State())
	}
	ct.RecordFailure()
	if ct.State() != CircuitOpen {
		t.Fatalf("state after 3 failures = %v, want open", ct.State())
	}

	time.Sleep(60 * time.Millisecond)
	if ct.State() != CircuitHalfOpen {
		t.Fatalf("state after reset timeout = %v, want half-open", ct.State())
	}

	ct.RecordSuccess()
	ct.RecordSuccess()
	ct.RecordSuccess()
	if ct.State() != CircuitClosed {
		t.Fatalf("state after 3 successes in half-open = %v, want closed", ct.State())
	}
}
