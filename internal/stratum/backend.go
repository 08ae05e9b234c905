package stratum

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensyria/veilstratum/internal/nodeclient"
)

// Subscriber receives fan-out notifications of new jobs. Implementations
// must not block: NotifyJob is invoked from a detached goroutine per
// subscriber, but a subscriber that hangs forever still leaks one goroutine
// per job change, so implementations should apply their own timeout.
type Subscriber interface {
	NotifyJob(job *Job)
}

// Metrics is the subset of observability hooks backend.go drives. A nil
// Metrics is valid; every call site checks before invoking it, so
// cmd/veilstratum can wire a real one without internal/stratum importing
// internal/metrics.
type Metrics interface {
	ObserveLongPollLatency(dialect string, seconds float64)
	SetSubscriberCount(dialect string, n int)
	IncSubmission(dialect string, success bool)
	SetJobHeight(dialect string, height int64)
	SetCircuitState(dialect string, state string)
}

// SnapshotSink optionally mirrors the current job outside the process
// (internal/snapshot's Redis mirror). Like Metrics it is nil-safe.
type SnapshotSink interface {
	SetCurrentJob(ctx context.Context, dialect string, job *Job)
}

// BackendClient owns one algorithm's relationship with the node: it
// long-polls getblocktemplate, caches the latest Job, fans it out to
// subscribers, and forwards share submissions. Exactly one BackendClient
// exists per dialect for the lifetime of the process.
type BackendClient struct {
	dialect Dialect
	node    *nodeclient.Client
	logger  *slog.Logger
	circuit *nodeclient.CircuitTracker
	metrics Metrics
	sink    SnapshotSink

	// onFatal is invoked (once) when DeriveJob reports a *FatalConfigError.
	// Defaults to a logger.Error + os.Exit(1), injectable for tests.
	onFatal func(error)

	mu          sync.Mutex
	lastJob     *Job
	lastPollAt  time.Time
	subscribers map[string]Subscriber

	submissionCounter           atomic.Uint64
	successfulSubmissionCounter atomic.Uint64
}

// Option configures a BackendClient at construction time.
type Option func(*BackendClient)

func WithMetrics(m Metrics) Option          { return func(bc *BackendClient) { bc.metrics = m } }
func WithSnapshotSink(s SnapshotSink) Option { return func(bc *BackendClient) { bc.sink = s } }
func WithOnFatal(f func(error)) Option      { return func(bc *BackendClient) { bc.onFatal = f } }

// NewBackendClient builds a BackendClient for one dialect against one node
// connection.
func NewBackendClient(dialect Dialect, node *nodeclient.Client, logger *slog.Logger, opts ...Option) *BackendClient {
	if logger == nil {
		logger = slog.Default()
	}
	bc := &BackendClient{
		dialect:     dialect,
		node:        node,
		logger:      logger.With("dialect", dialect.Tag()),
		circuit:     nodeclient.NewCircuitTracker(5, 30*time.Second, logger),
		subscribers: make(map[string]Subscriber),
	}
	bc.onFatal = func(err error) {
		bc.logger.Error("fatal node misconfiguration", "error", err)
		os.Exit(1)
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// Tag exposes the dialect's tag for logging/metrics labeling by callers
// that only hold a *BackendClient.
func (bc *BackendClient) Tag() string { return bc.dialect.Tag() }

// Dialect exposes the underlying dialect, needed by ClientSession to shape
// submissions without BackendClient re-exposing every dialect method.
func (bc *BackendClient) Dialect() Dialect { return bc.dialect }

// CurrentJob returns the most recently cached job, or nil if the backend
// has not completed a successful poll yet.
func (bc *BackendClient) CurrentJob() *Job {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.lastJob
}

// LastPollSuccess reports when the long-poll loop last completed a cycle
// without a transport or node-level error, for health-check use.
func (bc *BackendClient) LastPollSuccess() time.Time {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.lastPollAt
}

// Subscribe registers a Subscriber under id, replacing any previous
// registration under the same id. It does not push the current job; the
// caller decides whether an initial push is appropriate (ClientSession
// does, on mining.subscribe; dashboard/snapshot mirrors do not need to).
func (bc *BackendClient) Subscribe(id string, s Subscriber) {
	bc.mu.Lock()
	bc.subscribers[id] = s
	n := len(bc.subscribers)
	bc.mu.Unlock()
	if bc.metrics != nil {
		bc.metrics.SetSubscriberCount(bc.dialect.Tag(), n)
	}
}

// Unsubscribe removes id from the subscriber set. It is a no-op if id was
// never registered, so callers can call it unconditionally on teardown.
func (bc *BackendClient) Unsubscribe(id string) {
	bc.mu.Lock()
	delete(bc.subscribers, id)
	n := len(bc.subscribers)
	bc.mu.Unlock()
	if bc.metrics != nil {
		bc.metrics.SetSubscriberCount(bc.dialect.Tag(), n)
	}
}

// Run executes the long-poll loop until ctx is cancelled. It never returns
// an error: every failure mode is logged and retried on its own backoff,
// except a *FatalConfigError from DeriveJob, which is handed to onFatal and
// ends the loop.
func (bc *BackendClient) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		longpoll := ""
		if cur := bc.CurrentJob(); cur != nil {
			longpoll = cur.LongPollID
		}
		params := map[string]interface{}{"algo": bc.dialect.TemplateAlgo()}
		if longpoll != "" {
			params["longpollid"] = longpoll
		}

		start := time.Now()
		resp, err := bc.node.Call(ctx, "getblocktemplate", []interface{}{params})
		elapsed := time.Since(start)

		if err != nil {
			bc.circuit.RecordFailure()
			backoff := bc.pollErrorBackoff(err)
			bc.logger.Warn("long-poll request failed", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			continue
		}

		if bc.metrics != nil {
			bc.metrics.ObserveLongPollLatency(bc.dialect.Tag(), elapsed.Seconds())
			bc.metrics.SetCircuitState(bc.dialect.Tag(), bc.circuit.State().String())
		}

		if resp.Error != nil {
			bc.circuit.RecordFailure()
			bc.logger.Warn("node returned error on getblocktemplate", "code", resp.Error.Code, "message", resp.Error.Message)
			if !sleepCtx(ctx, 10*time.Second) {
				return
			}
			continue
		}
		bc.circuit.RecordSuccess()

		var raw map[string]interface{}
		if err := json.Unmarshal(resp.Result, &raw); err != nil {
			bc.logger.Warn("malformed getblocktemplate result", "error", err)
			if !sleepCtx(ctx, 10*time.Second) {
				return
			}
			continue
		}

		job, err := bc.dialect.DeriveJob(raw)
		if err != nil {
			if fatalErr, ok := err.(*FatalConfigError); ok {
				bc.onFatal(fatalErr)
				return
			}
			bc.logger.Warn("failed to derive job from template", "error", err)
			if !sleepCtx(ctx, 10*time.Second) {
				return
			}
			continue
		}

		bc.mu.Lock()
		longpollChanged := bc.lastJob == nil || job.LongPollID != bc.lastJob.LongPollID
		jobIDChanged := bc.lastJob == nil || job.JobID != bc.lastJob.JobID
		if longpollChanged {
			bc.lastJob = job
		}
		bc.lastPollAt = time.Now()
		var subs []Subscriber
		if jobIDChanged {
			subs = make([]Subscriber, 0, len(bc.subscribers))
			for _, s := range bc.subscribers {
				subs = append(subs, s)
			}
		}
		bc.mu.Unlock()

		if bc.metrics != nil {
			bc.metrics.SetJobHeight(bc.dialect.Tag(), job.Height)
		}
		if bc.sink != nil {
			bc.sink.SetCurrentJob(ctx, bc.dialect.Tag(), job)
		}

		if jobIDChanged {
			bc.logger.Info("new job", "job_id", job.JobID, "height", job.Height, "difficulty", formatDifficulty(job.Target))
			bc.fanOut(job, subs)
		}
	}
}

// fanOut notifies every subscriber from its own detached goroutine so a
// slow or panicking subscriber can never block the long-poll loop or other
// subscribers.
func (bc *BackendClient) fanOut(job *Job, subs []Subscriber) {
	for _, s := range subs {
		go func(s Subscriber) {
			defer func() {
				if r := recover(); r != nil {
					bc.logger.Error("subscriber panicked during fan-out", "panic", r)
				}
			}()
			s.NotifyJob(job)
		}(s)
	}
}

// pollErrorBackoff maps a transport-level failure to its retry delay:
// unauthorized and other HTTP statuses wait 10s, a bare transport error
// (DNS, connection refused, timeout) waits 1s.
func (bc *BackendClient) pollErrorBackoff(err error) time.Duration {
	if statusErr, ok := err.(*nodeclient.HTTPStatusError); ok {
		_ = statusErr
		return 10 * time.Second
	}
	return 1 * time.Second
}

// Submit forwards a share to the node and classifies the outcome.
// submissionCounter is incremented before the call regardless of outcome;
// successfulSubmissionCounter only on a true result, so the latter never
// exceeds the former.
func (bc *BackendClient) Submit(ctx context.Context, params []interface{}) (bool, *Error) {
	bc.submissionCounter.Add(1)

	resp, err := bc.node.Call(ctx, bc.dialect.SubmitMethod(), params)
	if err != nil {
		bc.circuit.RecordFailure()
		if bc.metrics != nil {
			bc.metrics.IncSubmission(bc.dialect.Tag(), false)
		}
		return false, errNodeUnreachable()
	}
	bc.circuit.RecordSuccess()

	if len(resp.Result) > 0 && string(resp.Result) != "null" {
		var result interface{}
		if jsonErr := json.Unmarshal(resp.Result, &result); jsonErr == nil {
			if b, ok := result.(bool); ok && b {
				bc.successfulSubmissionCounter.Add(1)
				submitted, successful := bc.Counters()
				bc.logger.Info("share accepted", "counters", fmt.Sprintf("(%d/%d)", successful, submitted-successful))
				if bc.metrics != nil {
					bc.metrics.IncSubmission(bc.dialect.Tag(), true)
				}
				return true, nil
			}
			if isTruthy(result) {
				if bc.metrics != nil {
					bc.metrics.IncSubmission(bc.dialect.Tag(), false)
				}
				return false, errRejected(fmt.Sprintf("%v", result))
			}
		}
	}

	if resp.Error != nil {
		if bc.metrics != nil {
			bc.metrics.IncSubmission(bc.dialect.Tag(), false)
		}
		return false, &Error{Code: resp.Error.Code, Message: resp.Error.Message}
	}

	if bc.metrics != nil {
		bc.metrics.IncSubmission(bc.dialect.Tag(), false)
	}
	return false, errUnknown()
}

// Counters reports the submission counters for logging.
func (bc *BackendClient) Counters() (submitted, successful uint64) {
	return bc.submissionCounter.Load(), bc.successfulSubmissionCounter.Load()
}

// sleepCtx sleeps for d or until ctx is cancelled, returning false if
// cancelled so callers can return immediately instead of looping once more.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
