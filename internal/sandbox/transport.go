// Package sandbox implements C4: the persistent duplex websocket channel to
// a remote desktop, with pending-promise-style request/response correlation,
// protocol adaptation between the two peer wire dialects, and connection
// lifecycle (boot, auth, connect, heartbeat, teardown).
//
// There is no literal websocket usage in the teacher's own business logic,
// but gorilla/websocket sits in its dependency graph (pulled in alongside
// chromedp's CDP-over-websocket browser automation, itself a persistent
// duplex-channel-to-a-remote-surface design very close to this one) — see
// DESIGN.md for the full grounding note.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/testdriverai/testdriver/internal/errs"
	"github.com/testdriverai/testdriver/internal/events"
	"github.com/testdriverai/testdriver/internal/logging"
)

// State is the connection lifecycle state machine of spec §4.4.
type State int32

const (
	Disconnected State = iota
	Opening
	Open
	Authenticated
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Authenticated:
		return "authenticated"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dialect selects the wire shape spoken to the peer (spec §4.4).
type Dialect int

const (
	DialectBroker Dialect = iota // passthrough, no rewriting
	DialectDirect                // compact {command,data} shape, rewritten per dialect.go
)

// Instance is the acquired remote desktop (spec §3).
type Instance struct {
	ID         string `json:"id"`
	IP         string `json:"ip"`
	VNCPort    int    `json:"vncPort"`
	OS         string `json:"os"`
	Resolution string `json:"resolution"`
}

const heartbeatInterval = 5 * time.Second
const connectTimeout = 10 * time.Second
const defaultMaxAttempts = 3

type pending struct {
	ch     chan rawResponse
	sentAt time.Time
	typ    string
}

type rawResponse struct {
	payload map[string]any
	err     error
}

// Transport is a long-lived duplex channel to a remote desktop.
type Transport struct {
	url     string
	dialect Dialect
	bus     *events.Bus

	state  atomic.Int32
	conn   *websocket.Conn
	connMu sync.Mutex // serializes writes; the read loop owns reads alone

	bootMu  sync.Mutex
	booting bool

	pendingMu   sync.Mutex
	pendingReqs map[string]*pending

	nonce       string
	counter     atomic.Uint64
	attempts    int
	maxAttempts int

	instance *Instance

	cancelConn context.CancelFunc
	wg         sync.WaitGroup
}

// New returns a Transport bound to url, speaking dialect. nonce should be a
// fresh, globally-unique-within-this-process string (e.g. uuid) used as the
// prefix of every request id this Transport issues, across all its boots.
func New(url string, dialect Dialect, nonce string, bus *events.Bus) *Transport {
	t := &Transport{
		url:         url,
		dialect:     dialect,
		bus:         bus,
		nonce:       nonce,
		maxAttempts: defaultMaxAttempts,
		pendingReqs: map[string]*pending{},
	}
	t.state.Store(int32(Disconnected))
	return t
}

// State returns the current lifecycle state.
func (t *Transport) State() State { return State(t.state.Load()) }

// Boot dials the websocket, starts the read loop and heartbeat. Only one
// boot may be in flight at a time (spec §4.4: AlreadyBooting).
func (t *Transport) Boot(ctx context.Context) error {
	t.bootMu.Lock()
	if t.booting {
		t.bootMu.Unlock()
		return errs.ErrAlreadyBooting
	}
	t.booting = true
	t.bootMu.Unlock()
	defer func() {
		t.bootMu.Lock()
		t.booting = false
		t.bootMu.Unlock()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	t.attempts = 0
	var lastErr error
	for {
		t.attempts++
		if t.attempts > t.maxAttempts {
			return errs.ErrMaxAttemptsExceeded
		}
		if err := t.dial(ctx); err != nil {
			lastErr = err
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return &errs.TransportError{Op: "boot", Err: lastErr}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		return nil
	}
}

func (t *Transport) dial(ctx context.Context) error {
	t.state.Store(int32(Opening))
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, t.url, nil)
	if err != nil {
		t.state.Store(int32(Disconnected))
		return err
	}
	t.conn = conn
	t.state.Store(int32(Open))

	runCtx, cancel2 := context.WithCancel(context.Background())
	t.cancelConn = cancel2

	eg, egCtx := errgroup.WithContext(runCtx)
	t.wg.Add(1)
	eg.Go(func() error {
		defer t.wg.Done()
		return t.readLoop(egCtx)
	})
	eg.Go(func() error {
		return t.heartbeatLoop(egCtx)
	})
	go func() {
		_ = eg.Wait()
		t.teardown(fmt.Errorf("connection loop exited"))
	}()

	if t.bus != nil {
		t.bus.Emit(events.SandboxConnected, t.url)
	}
	return nil
}

func (t *Transport) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if t.State() < Open {
				continue
			}
			t.connMu.Lock()
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.connMu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

func (t *Transport) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			return err
		}
		t.handleInbound(raw)
	}
}

func (t *Transport) handleInbound(raw []byte) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		logging.Logger().Warn().Err(err).Msg("sandbox_inbound_decode_error")
		return
	}
	if t.dialect == DialectBroker {
		msg = adaptInbound(msg)
	}
	if t.bus != nil {
		t.bus.Emit(events.SandboxReceived, msg)
	}

	reqID, _ := msg["requestId"].(string)
	if reqID == "" {
		logging.Logger().Warn().Interface("msg", msg).Msg("sandbox_unmatched_message")
		return
	}

	t.pendingMu.Lock()
	p, ok := t.pendingReqs[reqID]
	if ok {
		delete(t.pendingReqs, reqID)
	}
	t.pendingMu.Unlock()
	if !ok {
		logging.Logger().Warn().Str("request_id", reqID).Msg("sandbox_unmatched_request_id")
		return
	}

	var respErr error
	if errMsg, ok := msg["errorMessage"].(string); ok && errMsg != "" {
		respErr = fmt.Errorf("sandbox: %s", errMsg)
	}
	select {
	case p.ch <- rawResponse{payload: msg, err: respErr}:
	default:
	}
}

// nextRequestID returns a globally-unique-within-this-transport id (I4):
// "{nonce}-{counter}".
func (t *Transport) nextRequestID() string {
	n := t.counter.Add(1)
	return fmt.Sprintf("%s-%d", t.nonce, n)
}

// Request sends an outbound message of msgType with params, and waits up to
// timeout for the correlated response (I4: at most one in-flight request per
// requestId).
func (t *Transport) Request(ctx context.Context, msgType string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	if t.State() < Open {
		return nil, &errs.TransportError{Op: msgType, Err: fmt.Errorf("transport not open (state=%s)", t.State())}
	}

	reqID := t.nextRequestID()
	outbound := map[string]any{"type": msgType, "requestId": reqID}
	for k, v := range params {
		outbound[k] = v
	}

	if t.dialect == DialectDirect {
		outbound = adaptOutbound(outbound)
	}

	body, err := json.Marshal(outbound)
	if err != nil {
		return nil, &errs.TransportError{Op: "marshal " + msgType, Err: err}
	}

	p := &pending{ch: make(chan rawResponse, 1), sentAt: time.Now(), typ: msgType}
	t.pendingMu.Lock()
	t.pendingReqs[reqID] = p
	t.pendingMu.Unlock()

	t.connMu.Lock()
	writeErr := t.conn.WriteMessage(websocket.TextMessage, body)
	t.connMu.Unlock()
	if writeErr != nil {
		t.pendingMu.Lock()
		delete(t.pendingReqs, reqID)
		t.pendingMu.Unlock()
		return nil, &errs.TransportError{Op: "write " + msgType, Err: writeErr}
	}
	if t.bus != nil {
		t.bus.Emit(events.SandboxSent, outbound)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-p.ch:
		return resp.payload, resp.err
	case <-timer.C:
		// The request may still complete remotely; the pending entry is
		// removed so a late response is logged and dropped rather than
		// resolving a stale waiter (spec §4.4 timeout semantics).
		t.pendingMu.Lock()
		delete(t.pendingReqs, reqID)
		t.pendingMu.Unlock()
		return nil, &errs.TransportError{Op: msgType, Err: fmt.Errorf("request %s timed out after %s", reqID, timeout)}
	case <-ctx.Done():
		t.pendingMu.Lock()
		delete(t.pendingReqs, reqID)
		t.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// Authenticate sends the auth handshake and transitions to Authenticated.
func (t *Transport) Authenticate(ctx context.Context, token string) error {
	_, err := t.Request(ctx, "authenticate", map[string]any{"token": token}, connectTimeout)
	if err != nil {
		return err
	}
	t.state.Store(int32(Authenticated))
	if t.bus != nil {
		t.bus.Emit(events.SandboxAuthed, nil)
	}
	return nil
}

// ConnectInstance acquires/attaches to instanceID and transitions to
// Connected.
func (t *Transport) ConnectInstance(ctx context.Context, instanceID string) (*Instance, error) {
	resp, err := t.Request(ctx, "connect", map[string]any{"instanceId": instanceID}, connectTimeout)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, &errs.TransportError{Op: "connect decode", Err: err}
	}
	var inst Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, &errs.TransportError{Op: "connect decode", Err: err}
	}
	t.instance = &inst
	t.state.Store(int32(Connected))
	return &inst, nil
}

// Instance returns the currently connected remote desktop, if any.
func (t *Transport) Instance() *Instance { return t.instance }

// Close tears the transport down, rejecting every pending request with
// ErrTransportClosed (spec §4.4).
func (t *Transport) Close() error {
	t.teardown(errs.ErrTransportClosed)
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *Transport) teardown(cause error) {
	prev := t.state.Swap(int32(Closed))
	if State(prev) == Closed {
		return
	}
	if t.cancelConn != nil {
		t.cancelConn()
	}
	t.pendingMu.Lock()
	reqs := t.pendingReqs
	t.pendingReqs = map[string]*pending{}
	t.pendingMu.Unlock()
	for _, p := range reqs {
		select {
		case p.ch <- rawResponse{err: cause}:
		default:
		}
	}
}
