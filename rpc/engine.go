package rpc

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kadnode/identifier"
)

// DefaultTimeout is T_rpc, the hard per-request timeout (spec §6, §4.5).
const DefaultTimeout = 5 * time.Second

// Result is what a completed RPC resolves to: the whole response envelope
// for raw callers, or the normal-mode result value otherwise, never both.
type Result struct {
	Message *Message    // populated when the caller requested the raw envelope
	Value   interface{} // populated otherwise, from Response.Result
}

// RequestHandler executes a locally exposed RPC method and returns its
// result, or an error to be translated into an Error envelope (spec §4.6).
// ErrInvalidMethod signals an unknown method name.
type RequestHandler func(senderID identifier.ID, addr net.Addr, method Method, args []interface{}) (interface{}, error)

// ContactObserver is invoked for every datagram's sender before dispatch,
// so the routing table can be refreshed ahead of request handling (spec
// §4.5's ordering guarantee (b)).
type ContactObserver func(senderID identifier.ID, addr net.Addr)

// Config configures an Engine.
type Config struct {
	SelfID           identifier.ID
	Timeout          time.Duration // T_rpc
	MaxPayload       int           // per-datagram payload ceiling before fragmenting
	ReassemblyMaxAge time.Duration // how long a partial message may sit idle
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = MaxPayload
	}
	if c.ReassemblyMaxAge <= 0 {
		c.ReassemblyMaxAge = c.Timeout
	}
}

type pendingRPC struct {
	peerID   identifier.ID
	raw      bool
	resultCh chan pendingOutcome
	timer    *time.Timer
	mu       sync.Mutex
	extended bool
}

type pendingOutcome struct {
	msg *Message
	err error
}

// Engine is the RPC transport: it owns the UDP socket, the pending-RPC
// table, and the fragment reassembly buffers (spec §4.5, "ownership").
type Engine struct {
	cfg  Config
	conn net.PacketConn

	reassembler *Reassembler

	mu      sync.Mutex
	pending map[identifier.ID]*pendingRPC

	handler  RequestHandler
	observer ContactObserver
	onIdle   func(peerID identifier.ID) // called when a peer's RPC times out

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine binds a UDP socket at listenAddr and starts the receive loop.
// handler and observer may be set later via SetHandler/SetContactObserver
// before traffic arrives.
func NewEngine(listenAddr string, cfg Config) (*Engine, error) {
	cfg.setDefaults()
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		conn:        conn,
		reassembler: NewReassembler(cfg.ReassemblyMaxAge),
		pending:     make(map[identifier.ID]*pendingRPC),
		ctx:         ctx,
		cancel:      cancel,
	}

	e.wg.Add(1)
	go e.receiveLoop()
	e.wg.Add(1)
	go e.sweepLoop()

	return e, nil
}

// SetHandler installs the callback used to serve incoming requests.
func (e *Engine) SetHandler(h RequestHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// SetContactObserver installs the callback invoked for every datagram's
// sender ahead of request dispatch.
func (e *Engine) SetContactObserver(o ContactObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = o
}

// SetIdleCallback installs the callback invoked when a peer's outstanding
// RPC finally times out, so the routing table can evict it (spec §4.5).
func (e *Engine) SetIdleCallback(f func(peerID identifier.ID)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onIdle = f
}

// LocalAddr returns the address the engine's socket is bound to.
func (e *Engine) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Close stops the receive loop and releases the socket. Outstanding
// pending RPCs resolve with ErrClosed.
func (e *Engine) Close() error {
	e.cancel()
	err := e.conn.Close()
	e.wg.Wait()

	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[identifier.ID]*pendingRPC)
	e.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.resultCh <- pendingOutcome{err: ErrClosed}
	}
	return err
}

// SendRPC serializes a request for method, fragments it if needed, and
// blocks until a matching response arrives, the context is cancelled, or
// T_rpc elapses. raw, when true, delivers the whole response/error
// envelope rather than unwrapping Result (spec §4.5's rawResponse mode).
func (e *Engine) SendRPC(ctx context.Context, addr net.Addr, peerID identifier.ID, method Method, args []interface{}, raw bool) (Result, error) {
	rpcID := identifier.Generate()
	msg := NewRequest(rpcID, e.cfg.SelfID, method, args)

	encoded, err := msg.Encode()
	if err != nil {
		return Result{}, err
	}

	p := &pendingRPC{peerID: peerID, raw: raw, resultCh: make(chan pendingOutcome, 1)}
	e.mu.Lock()
	e.pending[rpcID] = p
	e.mu.Unlock()

	p.timer = time.AfterFunc(e.cfg.Timeout, func() { e.fireTimeout(rpcID) })

	if err := e.send(encoded, rpcID, addr); err != nil {
		e.removePending(rpcID)
		p.timer.Stop()
		return Result{}, err
	}

	select {
	case outcome := <-p.resultCh:
		if outcome.err != nil {
			return Result{}, outcome.err
		}
		if raw {
			return Result{Message: outcome.msg}, nil
		}
		return Result{Value: outcome.msg.Result}, nil
	case <-ctx.Done():
		// The caller gave up; the pending entry is left for the server
		// reply or the timer to release independently (spec §4.5,
		// "Cancellation/timeout").
		return Result{}, ctx.Err()
	}
}

func (e *Engine) fireTimeout(rpcID identifier.ID) {
	e.mu.Lock()
	p, ok := e.pending[rpcID]
	e.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	if !p.extended && e.reassembler.Touch(rpcID) {
		p.extended = true
		p.mu.Unlock()
		p.timer.Reset(e.cfg.Timeout)
		return
	}
	p.mu.Unlock()

	// A response may have resolved rpcID in the window between the lookup
	// above and here. Re-check and delete under the same lock so only one
	// of fireTimeout/resolvePending ever acts on a given pending entry.
	e.mu.Lock()
	cur, ok := e.pending[rpcID]
	if !ok || cur != p {
		e.mu.Unlock()
		return
	}
	delete(e.pending, rpcID)
	onIdle := e.onIdle
	e.mu.Unlock()

	if onIdle != nil {
		onIdle(p.peerID)
	}

	p.resultCh <- pendingOutcome{err: ErrTimeout}
}

func (e *Engine) removePending(rpcID identifier.ID) {
	e.mu.Lock()
	delete(e.pending, rpcID)
	e.mu.Unlock()
}

func (e *Engine) send(data []byte, rpcID identifier.ID, addr net.Addr) error {
	fragments, err := Fragment(data, rpcID, e.cfg.MaxPayload)
	if err != nil {
		return err
	}
	for _, f := range fragments {
		if _, err := e.conn.WriteTo(f, addr); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) sendResponse(addr net.Addr, rpcID identifier.ID, result interface{}) {
	msg := NewResponse(rpcID, e.cfg.SelfID, result)
	encoded, err := msg.Encode()
	if err != nil {
		logrus.WithError(err).Warn("rpc: failed to encode response")
		return
	}
	if err := e.send(encoded, rpcID, addr); err != nil {
		logrus.WithError(err).Debug("rpc: failed to send response")
	}
}

func (e *Engine) sendError(addr net.Addr, rpcID identifier.ID, excType string, excErr error) {
	msg := NewError(rpcID, e.cfg.SelfID, excType, excErr.Error())
	encoded, err := msg.Encode()
	if err != nil {
		logrus.WithError(err).Warn("rpc: failed to encode error response")
		return
	}
	if err := e.send(encoded, rpcID, addr); err != nil {
		logrus.WithError(err).Debug("rpc: failed to send error response")
	}
}

func (e *Engine) receiveLoop() {
	defer e.wg.Done()
	buffer := make([]byte, 65536)

	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		_ = e.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := e.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-e.ctx.Done():
				return
			default:
				continue
			}
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		go e.handleDatagram(datagram, addr)
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ReassemblyMaxAge)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.reassembler.Sweep()
		}
	}
}

func (e *Engine) handleDatagram(datagram []byte, addr net.Addr) {
	payload, ok, err := e.reassembler.Feed(datagram)
	if err != nil {
		logrus.WithError(err).WithField("addr", addr.String()).Debug("rpc: dropping malformed fragment")
		return
	}
	if !ok {
		return // still waiting on more fragments
	}

	msg, err := DecodeMessage(payload)
	if err != nil {
		logrus.WithError(err).WithField("addr", addr.String()).Debug("rpc: dropping malformed message")
		return
	}

	e.mu.Lock()
	observer := e.observer
	handler := e.handler
	e.mu.Unlock()

	if observer != nil {
		observer(msg.SenderID, addr)
	}

	switch msg.Kind() {
	case KindRequest:
		e.dispatchRequest(msg, addr, handler)
	case KindResponse, KindError:
		e.resolvePending(msg)
	}
}

func (e *Engine) dispatchRequest(msg *Message, addr net.Addr, handler RequestHandler) {
	if handler == nil {
		e.sendError(addr, msg.RPCID, "InvalidMethod", ErrInvalidMethod)
		return
	}
	result, err := handler(msg.SenderID, addr, msg.Method, msg.Args)
	if err != nil {
		e.sendError(addr, msg.RPCID, remoteExceptionType(err), err)
		return
	}
	e.sendResponse(addr, msg.RPCID, result)
}

func remoteExceptionType(err error) string {
	if err == ErrInvalidMethod {
		return "InvalidMethod"
	}
	return "Error"
}

func (e *Engine) resolvePending(msg *Message) {
	e.mu.Lock()
	p, ok := e.pending[msg.RPCID]
	if ok {
		delete(e.pending, msg.RPCID)
	}
	e.mu.Unlock()
	if !ok {
		return // already timed out; drop silently (spec §4.5)
	}
	p.timer.Stop()

	if p.raw {
		p.resultCh <- pendingOutcome{msg: msg}
		return
	}
	if msg.Kind() == KindError {
		p.resultCh <- pendingOutcome{err: &RemoteError{Type: msg.ExceptionType, Message: msg.ExceptionMessage}}
		return
	}
	p.resultCh <- pendingOutcome{msg: msg}
}
