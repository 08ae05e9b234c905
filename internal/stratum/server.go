package stratum

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// maxLineBytes is the longest line that is dispatched; a longer line is
// dropped without being parsed, but the connection stays open. The line is
// still read in full before its length is checked, so the read buffer
// grows with it until a newline or a read error arrives.
const maxLineBytes = 1 << 20

// Acceptor binds one TCP listener and spawns a ClientSession per
// connection, grounded on pool/stratum/server.go's acceptLoop/
// handleConnection/readLoop.
type Acceptor struct {
	addr     string
	backends *Backends
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*ClientSession

	wg sync.WaitGroup
}

func NewAcceptor(addr string, backends *Backends, logger *slog.Logger) *Acceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Acceptor{
		addr:     addr,
		backends: backends,
		logger:   logger.With("component", "acceptor"),
		sessions: make(map[string]*ClientSession),
	}
}

// Start binds the listener and begins accepting; it returns once bound, not
// once the accept loop exits.
func (a *Acceptor) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	a.wg.Add(1)
	go a.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and every open session, then waits for the
// accept loop to exit. It does not wait for in-flight submit goroutines;
// they finish writing to an already-closed connection and fail silently.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	ln := a.listener
	a.mu.Unlock()
	if ln != nil {
		ln.Close()
	}

	a.mu.Lock()
	sessions := make([]*ClientSession, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}

	a.wg.Wait()
}

func (a *Acceptor) acceptLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		ln := a.listener
		a.mu.Unlock()

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn("accept failed", "error", err)
			continue
		}

		session := NewClientSession(conn, a.backends, a.logger)
		a.mu.Lock()
		a.sessions[session.ID()] = session
		a.mu.Unlock()

		a.logger.Info("client connected", "session", session.ID(), "remote", conn.RemoteAddr().String())

		a.wg.Add(1)
		go a.handleSession(ctx, session)
	}
}

func (a *Acceptor) handleSession(ctx context.Context, session *ClientSession) {
	defer a.wg.Done()
	defer func() {
		session.Close()
		a.mu.Lock()
		delete(a.sessions, session.ID())
		a.mu.Unlock()
		a.logger.Info("client disconnected", "session", session.ID())
	}()

	// Every dispatched line is rate-limited, well-formed or not (oversized
	// lines are dropped before reaching the limiter): malformed JSON is
	// silently dropped inside HandleLine, so without this
	// a client could flood garbage lines at line-read speed and force a
	// full read+parse per line with no backpressure.
	limiter := rate.NewLimiter(rate.Limit(20), 40)

	reader := bufio.NewReaderSize(session.conn, 4096)
	for {
		// No SetReadDeadline call here: idle clients stay connected
		// indefinitely, unlike a typical stratum server's per-request
		// read timeout.
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && len(line) <= maxLineBytes {
			if limiter.Wait(ctx) == nil {
				session.HandleLine(ctx, line)
			}
		}
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
