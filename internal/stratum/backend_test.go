package stratum

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/opensyria/veilstratum/internal/nodeclient"
)

func jsonRPCOK(result interface{}) []byte {
	b, _ := json.Marshal(result)
	return []byte(`{"jsonrpc":"1.0","id":1,"result":` + string(b) + `,"error":null}`)
}

func TestBackendClientSubmitSuccessIncrementsBothCounters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(jsonRPCOK(true))
	}))
	defer srv.Close()

	node, err := nodeclient.New(srv.URL, time.Second, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bc := NewBackendClient(NewProgPoW(), node, nil)

	ok, errObj := bc.Submit(context.Background(), []interface{}{"a", "b", "c"})
	if !ok || errObj != nil {
		t.Fatalf("Submit = (%v, %v), want (true, nil)", ok, errObj)
	}
	submitted, successful := bc.Counters()
	if submitted != 1 || successful != 1 {
		t.Errorf("counters = (%d, %d), want (1, 1)", submitted, successful)
	}
}

func TestBackendClientSubmitRejectedTruthyNonTrue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(jsonRPCOK("duplicate"))
	}))
	defer srv.Close()

	node, _ := nodeclient.New(srv.URL, time.Second, nil)
	bc := NewBackendClient(NewProgPoW(), node, nil)

	ok, errObj := bc.Submit(context.Background(), []interface{}{"a"})
	if ok {
		t.Fatal("expected rejection")
	}
	if errObj == nil || errObj.Code != CodeRejectedByNode {
		t.Fatalf("errObj = %+v, want code %d", errObj, CodeRejectedByNode)
	}
	submitted, successful := bc.Counters()
	if submitted != 1 || successful != 0 {
		t.Errorf("counters = (%d, %d), want (1, 0)", submitted, successful)
	}
}

func TestBackendClientSubmitNodeErrorVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"1.0","id":1,"result":null,"error":{"code":-8,"message":"high-hash"}}`))
	}))
	defer srv.Close()

	node, _ := nodeclient.New(srv.URL, time.Second, nil)
	bc := NewBackendClient(NewRandomX(), node, nil)

	ok, errObj := bc.Submit(context.Background(), []interface{}{"a"})
	if ok {
		t.Fatal("expected failure")
	}
	if errObj.Code != -8 || errObj.Message != "high-hash" {
		t.Errorf("errObj = %+v, want verbatim node error", errObj)
	}
}

func TestBackendClientSubmitTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // closed before use: guarantees a transport-level failure

	node, _ := nodeclient.New(srv.URL, time.Second, nil)
	bc := NewBackendClient(NewRandomX(), node, nil)

	ok, errObj := bc.Submit(context.Background(), []interface{}{"a"})
	if ok {
		t.Fatal("expected failure")
	}
	if errObj.Code != CodeNodeUnreachable {
		t.Errorf("errObj.Code = %d, want %d", errObj.Code, CodeNodeUnreachable)
	}
}

type countingSubscriber struct {
	mu      sync.Mutex
	jobIDs  []string
	notify  chan struct{}
}

func newCountingSubscriber() *countingSubscriber {
	return &countingSubscriber{notify: make(chan struct{}, 16)}
}

func (c *countingSubscriber) NotifyJob(job *Job) {
	c.mu.Lock()
	c.jobIDs = append(c.jobIDs, job.JobID)
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *countingSubscriber) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobIDs)
}

// TestBackendClientFanOutOnlyOnJobIDChange verifies that a longpollid
// change alone replaces lastJob, but only a job_id change triggers a
// subscriber notification.
func TestBackendClientFanOutOnlyOnJobIDChange(t *testing.T) {
	templates := [][]byte{
		jsonRPCOK(map[string]interface{}{"rxrpcheader": "aaa", "longpollid": "lp1", "height": float64(1)}),
		jsonRPCOK(map[string]interface{}{"rxrpcheader": "aaa", "longpollid": "lp2", "height": float64(1)}),
		jsonRPCOK(map[string]interface{}{"rxrpcheader": "bbb", "longpollid": "lp3", "height": float64(2)}),
	}
	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		idx := calls
		calls++
		mu.Unlock()
		if idx < len(templates) {
			w.Write(templates[idx])
			return
		}
		<-done
	}))
	defer func() {
		close(done)
		srv.Close()
	}()

	node, _ := nodeclient.New(srv.URL, 5*time.Second, nil)
	bc := NewBackendClient(NewRandomX(), node, nil)

	sub := newCountingSubscriber()
	bc.Subscribe("s1", sub)

	ctx, cancel := context.WithCancel(context.Background())
	go bc.Run(ctx)

	// Templates 1 and 3 carry new job ids; template 2 only a new longpollid.
	for i := 0; i < 2; i++ {
		select {
		case <-sub.notify:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for fan-out notification")
		}
	}
	cancel()

	if got := sub.count(); got != 2 {
		t.Fatalf("notify count = %d, want 2 (longpollid-only change must not fan out)", got)
	}
}

func TestBackendClientProgPoWFatalStopsLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(jsonRPCOK(map[string]interface{}{}))
	}))
	defer srv.Close()

	node, _ := nodeclient.New(srv.URL, 5*time.Second, nil)

	var fatalErr error
	var mu sync.Mutex
	fatalCh := make(chan struct{})
	bc := NewBackendClient(NewProgPoW(), node, nil, WithOnFatal(func(err error) {
		mu.Lock()
		fatalErr = err
		mu.Unlock()
		close(fatalCh)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go bc.Run(ctx)

	select {
	case <-fatalCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for onFatal")
	}

	mu.Lock()
	defer mu.Unlock()
	if _, ok := fatalErr.(*FatalConfigError); !ok {
		t.Fatalf("fatalErr = %T, want *FatalConfigError", fatalErr)
	}
}

func TestSubscribeUnsubscribeReportsCount(t *testing.T) {
	bc := NewBackendClient(NewProgPoW(), nil, nil)
	rec := &fakeMetrics{}
	bc.metrics = rec

	bc.Subscribe("a", newCountingSubscriber())
	bc.Subscribe("b", newCountingSubscriber())
	if rec.lastCount != 2 {
		t.Fatalf("subscriber count = %d, want 2", rec.lastCount)
	}
	bc.Unsubscribe("a")
	if rec.lastCount != 1 {
		t.Fatalf("subscriber count after unsubscribe = %d, want 1", rec.lastCount)
	}
}

type fakeMetrics struct {
	lastCount int
}

func (f *fakeMetrics) ObserveLongPollLatency(string, float64) {}
func (f *fakeMetrics) SetSubscriberCount(_ string, n int)     { f.lastCount = n }
func (f *fakeMetrics) IncSubmission(string, bool)             {}
func (f *fakeMetrics) SetJobHeight(string, int64)             {}
func (f *fakeMetrics) SetCircuitState(string, string)         {}
