package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// bindState tracks a ClientSession's irrevocable, one-way commitment to a
// dialect. It only ever moves unbound -> boundP or unbound -> boundR.
type bindState int

const (
	bindUnbound bindState = iota
	bindP
	bindR
)

// Backends bundles the two dialects' BackendClients so a session can bind
// to whichever one its first handshake method selects.
type Backends struct {
	P *BackendClient
	R *BackendClient
}

// ClientSession is one TCP connection's protocol state, grounded on
// pool/stratum/session.go's Session but rebuilt around a two-dialect
// binding state machine: the connection starts unbound and commits
// irrevocably to ProgPoW or RandomX on its first handshake message.
type ClientSession struct {
	id       string
	conn     net.Conn
	logger   *slog.Logger
	backends *Backends

	writeMu sync.Mutex
	writer  *bufio.Writer

	mu          sync.Mutex
	state       bindState
	backend     *BackendClient
	dialect     Dialect
	extranonce  string
	rxNonceSeed string
}

// NewClientSession wraps an accepted connection. The session is unbound
// until its first handshake request arrives.
func NewClientSession(conn net.Conn, backends *Backends, logger *slog.Logger) *ClientSession {
	id := uuid.New().String()[:8]
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientSession{
		id:       id,
		conn:     conn,
		logger:   logger.With("session", id, "remote", conn.RemoteAddr().String()),
		backends: backends,
		writer:   bufio.NewWriter(conn),
	}
}

func (cs *ClientSession) ID() string { return cs.id }

// send serializes v as one line-JSON frame. Concurrent callers (the read
// loop and detached submit tasks) are serialized with writeMu so frames
// never interleave mid-line; submit responses may still arrive out of
// order relative to other frames, since clients correlate them by id.
func (cs *ClientSession) send(v interface{}) error {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	cs.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := cs.writer.Write(b); err != nil {
		return err
	}
	return cs.writer.Flush()
}

// Close unsubscribes from any bound backend and closes the connection.
func (cs *ClientSession) Close() error {
	cs.mu.Lock()
	backend := cs.backend
	cs.mu.Unlock()
	if backend != nil {
		backend.Unsubscribe(cs.id)
	}
	return cs.conn.Close()
}

// NotifyJob implements Subscriber. It is invoked from a detached
// per-subscriber goroutine by BackendClient.fanOut, so it must not assume
// any particular caller goroutine.
func (cs *ClientSession) NotifyJob(job *Job) {
	switch job.Algo {
	case AlgoProgPoW:
		cs.sendPPNotify(job, nil)
	case AlgoRandomX:
		cs.sendRXNotify(job, nil)
	}
}

// HandleLine parses and dispatches one newline-delimited JSON request.
// Malformed JSON is silently dropped; it never closes the connection or
// sends an error frame for it.
func (cs *ClientSession) HandleLine(ctx context.Context, line []byte) {
	line = trimNewline(line)
	if len(line) == 0 {
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		cs.logger.Debug("dropping malformed line", "error", err)
		return
	}

	switch req.Method {
	case "mining.subscribe":
		cs.handleSubscribe(req)
	case "login":
		cs.handleLogin(req)
	case "mining.authorize":
		cs.handleAuthorize(req)
	case "mining.extranonce.subscribe":
		cs.handleExtranonceSubscribe(req)
	case "mining.submit":
		cs.handleSubmitPP(ctx, req)
	case "submit":
		cs.handleSubmitRX(ctx, req)
	default:
		cs.reply(req.ID, nil, errNotSubscribed())
	}
}

func (cs *ClientSession) reply(id json.RawMessage, result interface{}, errObj *Error) {
	cs.send(Response{ID: id, Result: result, Error: errObj})
}

// bind commits the session to a dialect's backend exactly once. It reports
// whether the bind succeeded; a second call for any dialect always fails,
// since binding is irrevocable for the lifetime of the connection.
func (cs *ClientSession) bind(state bindState, backend *BackendClient, dialect Dialect) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.state != bindUnbound {
		return false
	}
	cs.state = state
	cs.backend = backend
	cs.dialect = dialect
	return true
}

// boundState reports the session's current binding, read under lock since
// it's set from the read loop but queried from fan-out/submit goroutines.
func (cs *ClientSession) boundState() (bindState, *BackendClient) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state, cs.backend
}

func (cs *ClientSession) handleSubscribe(req Request) {
	state, _ := cs.boundState()
	if state != bindUnbound {
		cs.reply(req.ID, nil, errUnauthorized())
		return
	}
	if cs.backends.P == nil {
		cs.reply(req.ID, nil, errUnauthorized())
		return
	}
	if !cs.bind(bindP, cs.backends.P, cs.backends.P.Dialect()) {
		cs.reply(req.ID, nil, errUnauthorized())
		return
	}

	extranonce, err := randomHex(4)
	if err != nil {
		extranonce = "00000000"
	}
	cs.mu.Lock()
	cs.extranonce = extranonce
	cs.mu.Unlock()

	subID, _ := randomAlnum(16)
	cs.backends.P.Subscribe(cs.id, cs)

	result := []interface{}{
		[][]interface{}{{"mining.notify", subID}},
		cs.extranonce,
		4,
	}
	cs.reply(req.ID, result, nil)

	if job := cs.backends.P.CurrentJob(); job != nil {
		cs.sendPPNotify(job, nil)
	}
}

// handleLogin binds to the R backend. If no job exists yet, this sends no
// response at all: the session only hears about work on the next
// backend-driven fan-out, which arrives as a generic "job" notification
// rather than a login-correlated response, because that fan-out call
// carries no login id to correlate against.
func (cs *ClientSession) handleLogin(req Request) {
	state, _ := cs.boundState()
	if state != bindUnbound {
		cs.reply(req.ID, nil, errUnauthorized())
		return
	}
	if cs.backends.R == nil {
		cs.reply(req.ID, nil, errUnauthorized())
		return
	}
	if !cs.bind(bindR, cs.backends.R, cs.backends.R.Dialect()) {
		cs.reply(req.ID, nil, errUnauthorized())
		return
	}

	seed, err := randomHex(2)
	if err != nil {
		seed = "0000"
	}
	cs.mu.Lock()
	cs.rxNonceSeed = seed
	cs.mu.Unlock()

	cs.backends.R.Subscribe(cs.id, cs)

	job := cs.backends.R.CurrentJob()
	if job == nil {
		return
	}
	cs.sendRXNotify(job, req.ID)
}

// handleAuthorize and handleExtranonceSubscribe are only meaningful for
// the ProgPoW handshake; they are accepted while unbound or already bound
// to P, and rejected once a session has committed to R.
func (cs *ClientSession) handleAuthorize(req Request) {
	state, _ := cs.boundState()
	if state == bindR {
		cs.reply(req.ID, nil, errUnauthorized())
		return
	}
	cs.reply(req.ID, true, nil)
}

func (cs *ClientSession) handleExtranonceSubscribe(req Request) {
	state, _ := cs.boundState()
	if state == bindR {
		cs.reply(req.ID, nil, errUnauthorized())
		return
	}
	cs.reply(req.ID, true, nil)
}

func (cs *ClientSession) handleSubmitPP(ctx context.Context, req Request) {
	state, backend := cs.boundState()
	if state != bindP {
		cs.reply(req.ID, nil, errNotSubscribed())
		return
	}

	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) != 5 {
		cs.reply(req.ID, nil, errMalformedShare())
		return
	}

	jobID := params[1]
	if job := backend.CurrentJob(); job == nil || jobID != job.JobID {
		cs.reply(req.ID, nil, errStaleShare())
		return
	}

	nodeParams := []interface{}{
		stripHexPrefix(params[3]),
		stripHexPrefix(params[4]),
		stripHexPrefix(params[2]),
	}

	go cs.submitDetached(ctx, backend, req.ID, nodeParams)
}

func (cs *ClientSession) handleSubmitRX(ctx context.Context, req Request) {
	state, backend := cs.boundState()
	if state != bindR {
		cs.reply(req.ID, nil, errNotSubscribed())
		return
	}

	var params struct {
		JobID  string `json:"job_id"`
		Nonce  string `json:"nonce"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.JobID == "" || params.Nonce == "" || params.Result == "" {
		cs.reply(req.ID, nil, errMalformedShare())
		return
	}

	job := backend.CurrentJob()
	if job == nil || params.JobID != job.JobID {
		cs.reply(req.ID, nil, errStaleShare())
		return
	}

	nonce, err := reverseEndianess(params.Nonce)
	if err != nil {
		cs.reply(req.ID, nil, errMalformedShare())
		return
	}

	nodeParams := []interface{}{job.RXHeader, params.Result, nonce}

	go cs.submitDetached(ctx, backend, req.ID, nodeParams)
}

// submitDetached runs the node submission off the request-handling
// goroutine so a slow node cannot stall the read loop; its response is
// correlated back to the client purely by the id it was given, so it may
// be written out of order relative to frames for later requests.
func (cs *ClientSession) submitDetached(ctx context.Context, backend *BackendClient, id json.RawMessage, params []interface{}) {
	ok, errObj := backend.Submit(ctx, params)
	if ok {
		cs.reply(id, true, nil)
		return
	}
	cs.reply(id, nil, errObj)
}

// sendPPNotify emits a mining.notify frame. loginID is unused for P; it
// exists only so NotifyJob and handleSubscribe share one signature shape
// with sendRXNotify.
func (cs *ClientSession) sendPPNotify(job *Job, _ json.RawMessage) {
	params := []interface{}{
		job.JobID,
		job.PPHeader,
		"",
		job.Target,
		false,
		job.Height,
		job.Bits,
		job.PPEpoch,
		job.PPNextEpoch,
		job.PPNextEpochHeight,
	}
	cs.send(Notification{Method: "mining.notify", Params: params})
}

// sendRXNotify emits either a login-correlated response (loginID non-nil,
// used only the first time a job exists at login) or a generic "job"
// notification (every subsequent fan-out).
func (cs *ClientSession) sendRXNotify(job *Job, loginID json.RawMessage) {
	cs.mu.Lock()
	seed := cs.rxNonceSeed
	cs.mu.Unlock()

	// The 4-byte (8 hex char) nonce window reserves its first 2 bytes to
	// this session's seed so two sessions mining the same job never search
	// the same nonce space; the miner is free to vary the remaining 2.
	blob := job.RXHeader
	suffix, err := randomHex(2)
	if err == nil && seed != "" && len(blob) >= 288 {
		blob = blob[:280] + seed + suffix + blob[288:]
	}

	targetPrefix := job.Target
	if len(targetPrefix) > 16 {
		targetPrefix = targetPrefix[:16]
	}
	target, _ := reverseEndianess(targetPrefix)
	seedHash, _ := reverseEndianess(job.RXSeed)

	jobPayload := map[string]interface{}{
		"job_id":    job.JobID,
		"blob":      blob,
		"target":    target,
		"seed_hash": seedHash,
		"algo":      "rx/veil",
		"height":    job.Height,
	}

	if loginID != nil {
		result := map[string]interface{}{
			"id":         "rig",
			"job":        jobPayload,
			"status":     "OK",
			"extensions": []string{"algo"},
		}
		cs.reply(loginID, result, nil)
		return
	}

	cs.send(Notification{Method: "job", Params: jobPayload})
}

func trimNewline(b []byte) []byte {
	return []byte(strings.TrimRight(string(b), "\r\n"))
}
