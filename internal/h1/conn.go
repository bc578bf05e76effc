// Package h1 is an HTTP/1.1 server engine for a single connection.
//
// It parses requests with net/http's wire codec and dispatches them to an
// http.Handler. Unlike http.Server it ends with an explicit outcome so the
// caller can reclaim the transport: after a protocol upgrade, after a handler
// hijacked it, or when the peer opened with the HTTP/2 client preface.
package h1

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"

	"github.com/muurk/protoswitch/internal/logging"
	"github.com/muurk/protoswitch/internal/monitoring"
	"github.com/muurk/protoswitch/internal/upgrade"
)

const (
	// MinBufSize is the smallest accepted read buffer limit.
	MinBufSize = 8192
	// DefaultMaxBufSize bounds the bytes read for a single request head.
	DefaultMaxBufSize = 8192 + 4096*100

	// maxPostHandlerReadBytes is how much unread request body is discarded
	// to keep a connection alive.
	maxPostHandlerReadBytes = 256 << 10

	readBufferSize  = 4096
	writeBufferSize = 4096
)

// http2Preface is the client connection preface of RFC 9113 section 3.4.
var http2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// errIdleClose ends the serve loop without an error.
var errIdleClose = errors.New("h1: idle connection closed")

// Outcome says how a connection finished serving.
type Outcome int

const (
	// Shutdown means the connection is done with HTTP and may be closed.
	Shutdown Outcome = iota
	// Upgrade means a 101 response was written; Pending is waiting for
	// the transport.
	Upgrade
	// Hijacked means a handler took the transport via http.Hijacker.
	Hijacked
)

func (o Outcome) String() string {
	switch o {
	case Shutdown:
		return "shutdown"
	case Upgrade:
		return "upgrade"
	case Hijacked:
		return "hijacked"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Dispatched is the result of a finished serve.
type Dispatched struct {
	Outcome Outcome
	Pending *upgrade.Pending
}

// Conn serves HTTP/1 requests on one transport.
type Conn struct {
	conn    net.Conn
	cr      *connReader
	br      *bufio.Reader
	bw      *bufio.Writer
	handler http.Handler
	log     *zap.Logger

	maxBufSize     int
	allowHalfClose bool
	flushPipeline  bool

	mu        sync.Mutex
	keepAlive bool
	idle      bool
	aborted   bool

	served     int
	finished   bool
	hijacked   bool
	peerClosed atomic.Bool
}

// NewConn returns an engine that serves handler on conn.
func NewConn(conn net.Conn, handler http.Handler) *Conn {
	cr := newConnReader(conn)
	c := &Conn{
		conn:       conn,
		cr:         cr,
		br:         bufio.NewReaderSize(cr, readBufferSize),
		bw:         bufio.NewWriterSize(conn, writeBufferSize),
		handler:    handler,
		log:        logging.With(zap.String("remote_addr", remoteAddr(conn))),
		maxBufSize: DefaultMaxBufSize,
		keepAlive:  true,
	}
	cr.beforeBlock = c.flushBuffered
	return c
}

// flushBuffered writes out responses held back for pipelining. A response
// is never left in the write buffer while the engine waits on the peer.
func (c *Conn) flushBuffered() {
	if c.bw.Buffered() > 0 {
		_ = c.bw.Flush()
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// DisableKeepAlive makes the connection close after the in-flight response.
// An idle connection closes immediately. Safe to call from any goroutine.
func (c *Conn) DisableKeepAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepAlive = false
	if c.idle {
		_ = c.conn.SetReadDeadline(aLongTimeAgo)
	}
}

// SetAllowHalfClose controls whether a peer shutting down its write side
// still gets the response it is waiting for.
func (c *Conn) SetAllowHalfClose(v bool) {
	c.allowHalfClose = v
}

// SetFlushPipeline aggregates pipelined responses into fewer writes.
func (c *Conn) SetFlushPipeline(v bool) {
	c.flushPipeline = v
}

// SetMaxBufSize bounds the bytes buffered for a request head.
// It panics if n is below MinBufSize.
func (c *Conn) SetMaxBufSize(n int) {
	if n < MinBufSize {
		panic(fmt.Sprintf("h1: max buffer size %d is below minimum %d", n, MinBufSize))
	}
	c.maxBufSize = n
}

// Serve serves requests until the connection finishes, then shuts the
// transport down unless it was upgraded or hijacked. When the peer opened
// with the HTTP/2 preface the returned error matches ErrVersionH2 and the
// transport is left open for IntoInner.
func (c *Conn) Serve(ctx context.Context) (Dispatched, error) {
	return c.serve(ctx, true)
}

// ServeWithoutShutdown is Serve that leaves the transport open so it can be
// reclaimed with IntoInner.
func (c *Conn) ServeWithoutShutdown(ctx context.Context) (Dispatched, error) {
	return c.serve(ctx, false)
}

func (c *Conn) serve(ctx context.Context, shutdown bool) (Dispatched, error) {
	if c.finished {
		return Dispatched{}, ErrClosed
	}
	c.finished = true

	stop := context.AfterFunc(ctx, c.abort)
	defer stop()

	d, err := c.loop(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = c.conn.Close()
			return Dispatched{}, ctxErr
		}
		if IsVersionH2(err) {
			return Dispatched{}, err
		}
		_ = c.bw.Flush()
		_ = c.conn.Close()
		return Dispatched{}, err
	}

	switch d.Outcome {
	case Upgrade, Hijacked:
		return d, nil
	}

	flushErr := c.bw.Flush()
	if shutdown {
		c.shutdownTransport()
	}
	if flushErr != nil && !c.peerClosed.Load() {
		return d, fmt.Errorf("h1: flush: %w", flushErr)
	}
	return d, nil
}

func (c *Conn) abort() {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
	_ = c.conn.SetDeadline(aLongTimeAgo)
}

// Abort closes the transport without flushing pending output.
func (c *Conn) Abort() {
	c.abort()
	_ = c.conn.Close()
}

func (c *Conn) shutdownTransport() {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = c.conn.Close()
}

// IntoInner returns the transport, the bytes read but not consumed and the
// handler. Call it only after serving finished.
func (c *Conn) IntoInner() (net.Conn, []byte, http.Handler) {
	c.reclaimReader()
	_ = c.bw.Flush()

	var read []byte
	if n := c.br.Buffered(); n > 0 {
		b, _ := c.br.Peek(n)
		read = append([]byte(nil), b...)
	}
	_ = c.conn.SetDeadline(time.Time{})
	return c.conn, read, c.handler
}

// reclaimReader stops any background read and moves its byte into br.
func (c *Conn) reclaimReader() {
	c.cr.abortPendingRead()
	c.cr.setInfiniteReadLimit()
	c.cr.mu.Lock()
	hasByte := c.cr.hasByte
	c.cr.mu.Unlock()
	if hasByte {
		_, _ = c.br.Peek(c.br.Buffered() + 1)
	}
}

func (c *Conn) wantsKeepAlive(req *http.Request) bool {
	c.mu.Lock()
	ka := c.keepAlive
	c.mu.Unlock()
	return ka && !req.Close
}

// setIdle marks the connection idle while waiting for the next request. It
// returns whether keep-alive is still enabled.
func (c *Conn) setIdle(idle, gotData bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle = idle
	if idle && !c.keepAlive {
		_ = c.conn.SetReadDeadline(aLongTimeAgo)
	}
	if !idle && gotData && !c.aborted {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	return c.keepAlive
}

func (c *Conn) loop(ctx context.Context) (Dispatched, error) {
	for {
		req, err := c.readRequest()
		if err != nil {
			if errors.Is(err, errIdleClose) {
				return Dispatched{Outcome: Shutdown}, nil
			}
			return Dispatched{}, err
		}

		d, done, err := c.serveRequest(ctx, req)
		if err != nil || done {
			return d, err
		}
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func (c *Conn) readRequest() (*http.Request, error) {
	c.cr.setReadLimit(int64(c.maxBufSize))

	if c.br.Buffered() == 0 {
		c.setIdle(true, false)
		_, err := c.br.Peek(1)
		keepAlive := c.setIdle(false, err == nil)
		if err != nil {
			if err == io.EOF || (!keepAlive && isTimeout(err)) {
				return nil, errIdleClose
			}
			return nil, fmt.Errorf("h1: read: %w", err)
		}
	}

	if c.served == 0 {
		isH2, err := c.sniffPreface()
		if err != nil {
			return nil, fmt.Errorf("h1: read: %w", err)
		}
		if isH2 {
			return nil, &ParseError{Kind: ParseVersionH2}
		}
	}

	req, err := http.ReadRequest(c.br)
	if err != nil {
		if c.cr.hitReadLimit() {
			return nil, c.rejectRequest(&ParseError{Kind: ParseTooLarge, Err: errTooLarge})
		}
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("h1: read request: %w", err)
		}
		return nil, c.rejectRequest(&ParseError{Kind: ParseHeader, Err: err})
	}
	c.cr.setInfiniteReadLimit()
	c.served++

	if req.ProtoMajor != 1 {
		return nil, c.rejectRequest(&ParseError{
			Kind: ParseVersion,
			Err:  fmt.Errorf("request line names %s", req.Proto),
		})
	}
	return req, nil
}

// sniffPreface compares buffered input with the HTTP/2 preface without
// consuming it. It reads more only while everything seen so far matches.
func (c *Conn) sniffPreface() (bool, error) {
	for {
		n := min(c.br.Buffered(), len(http2Preface))
		b, _ := c.br.Peek(n)
		if !bytes.Equal(b, http2Preface[:n]) {
			return false, nil
		}
		if n == len(http2Preface) {
			logging.LogRawBytes("HTTP/2 preface on HTTP/1 connection", b)
			return true, nil
		}
		if _, err := c.br.Peek(n + 1); err != nil {
			return false, err
		}
	}
}

func (c *Conn) rejectRequest(pe *ParseError) error {
	code := pe.Kind.status()
	c.log.Debug("rejecting request", zap.Error(pe), zap.Int("status", code))
	if code == 0 {
		return pe
	}
	body := pe.Kind.String()
	fmt.Fprintf(c.bw, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\nContent-Length: %d\r\n\r\n%s",
		code, statusText(code), len(body), body)
	_ = c.bw.Flush()
	return pe
}

func wantsUpgrade(req *http.Request) bool {
	if req.Method == http.MethodConnect {
		return true
	}
	return httpguts.HeaderValuesContainsToken(req.Header["Connection"], "upgrade") &&
		req.Header.Get("Upgrade") != ""
}

func expectsContinue(req *http.Request) bool {
	return req.ProtoAtLeast(1, 1) && httpguts.HeaderValuesContainsToken(req.Header["Expect"], "100-continue")
}

// serveRequest runs the handler for req and writes its response. done
// reports that the connection must not read another request.
func (c *Conn) serveRequest(ctx context.Context, req *http.Request) (Dispatched, bool, error) {
	monitoring.H1Requests.Inc()

	req.RemoteAddr = remoteAddr(c.conn)
	if tc, ok := c.conn.(*tls.Conn); ok {
		state := tc.ConnectionState()
		req.TLS = &state
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var pending *upgrade.Pending
	if wantsUpgrade(req) {
		var on *upgrade.OnUpgrade
		pending, on = upgrade.New()
		reqCtx = upgrade.NewContext(reqCtx, on)
	}
	req = req.WithContext(reqCtx)

	w := newResponse(c, req)
	if req.Body != http.NoBody && expectsContinue(req) {
		w.expectContinue = true
		req.Body = &expectContinueReader{w: w, rc: req.Body}
	}

	if req.Body == http.NoBody && pending == nil && c.br.Buffered() == 0 {
		c.cr.startBackgroundRead(func() {
			c.peerClosed.Store(true)
			if !c.allowHalfClose {
				cancel()
			}
		})
	}

	err := c.callHandler(w, req)
	c.cr.abortPendingRead()
	if err != nil {
		if pending != nil {
			pending.Cancel()
		}
		return Dispatched{}, true, err
	}

	if w.hijacked {
		if pending != nil {
			pending.Cancel()
		}
		return Dispatched{Outcome: Hijacked}, true, nil
	}

	if c.peerClosed.Load() && !c.allowHalfClose {
		c.log.Debug("peer closed before response, dropping it")
		if pending != nil {
			pending.Cancel()
		}
		return Dispatched{Outcome: Shutdown}, true, nil
	}

	if w.status == http.StatusSwitchingProtocols && pending == nil {
		return Dispatched{}, true, ErrUnsolicitedSwitch
	}

	upgrading := pending != nil && w.switched()
	if c.peerClosed.Load() && !upgrading {
		w.closeAfter = true
	}
	w.finish()
	if upgrading {
		if err := c.bw.Flush(); err != nil {
			pending.Cancel()
			return Dispatched{}, true, fmt.Errorf("h1: write switching response: %w", err)
		}
		return Dispatched{Outcome: Upgrade, Pending: pending}, true, nil
	}
	if pending != nil {
		pending.Cancel()
	}

	if !c.drainBody(w) {
		w.closeAfter = true
	}

	if !c.flushPipeline || w.closeAfter || c.br.Buffered() == 0 {
		if err := c.bw.Flush(); err != nil {
			return Dispatched{}, true, fmt.Errorf("h1: write response: %w", err)
		}
	}
	return Dispatched{Outcome: Shutdown}, w.closeAfter, nil
}

func (c *Conn) callHandler(w *response, req *http.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if r == http.ErrAbortHandler {
				err = fmt.Errorf("h1: handler aborted: %w", http.ErrAbortHandler)
				return
			}
			c.log.Error("panic serving request",
				zap.Any("panic", r),
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("h1: handler panic: %v", r)
		}
	}()
	c.handler.ServeHTTP(w, req)
	return nil
}

// drainBody discards what the handler left of the request body. It reports
// whether the connection can read the next request.
func (c *Conn) drainBody(w *response) bool {
	body := w.reqBody
	if body == nil || body == http.NoBody {
		return true
	}
	if w.expectContinue && !w.wroteContinue {
		return false
	}
	_, err := io.CopyN(io.Discard, body, maxPostHandlerReadBytes+1)
	switch {
	case err == io.EOF, errors.Is(err, http.ErrBodyReadAfterClose):
		return true
	default:
		return false
	}
}
