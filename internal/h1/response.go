package h1

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// bufferBeforeChunkingSize is how much body a handler may write before the
// head is committed. Bodies that fit are sent with a Content-Length.
const bufferBeforeChunkingSize = 2048

// response implements http.ResponseWriter, http.Flusher and http.Hijacker for
// one request on a Conn.
type response struct {
	c      *Conn
	req    *http.Request
	header http.Header

	status         int
	wroteHeader    bool
	committed      bool
	body           bytes.Buffer
	chunking       bool
	cw             io.WriteCloser
	declaredLength int64
	written        int64
	closeAfter     bool
	hijacked       bool
	isHead         bool

	reqBody        io.ReadCloser
	expectContinue bool
	wroteContinue  bool
}

var (
	_ http.ResponseWriter = (*response)(nil)
	_ http.Flusher        = (*response)(nil)
	_ http.Hijacker       = (*response)(nil)
)

func newResponse(c *Conn, req *http.Request) *response {
	return &response{
		c:              c,
		req:            req,
		header:         make(http.Header),
		declaredLength: -1,
		isHead:         req.Method == http.MethodHead,
		reqBody:        req.Body,
	}
}

func (w *response) Header() http.Header {
	return w.header
}

func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func statusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "status code " + strconv.Itoa(code)
}

// switched reports whether the response hands the connection to another protocol.
func (w *response) switched() bool {
	if w.status == http.StatusSwitchingProtocols {
		return true
	}
	return w.req.Method == http.MethodConnect && w.status >= 200 && w.status < 300
}

func (w *response) WriteHeader(code int) {
	if w.hijacked {
		w.c.log.Debug("WriteHeader on hijacked connection", zap.Int("status", code))
		return
	}
	if w.wroteHeader {
		w.c.log.Debug("superfluous WriteHeader call",
			zap.Int("status", code),
			zap.Int("previous_status", w.status),
		)
		return
	}
	if code < 100 || code > 999 {
		panic(fmt.Sprintf("h1: invalid WriteHeader code %v", code))
	}

	if code >= 100 && code <= 199 && code != http.StatusSwitchingProtocols {
		w.writeInformational(code)
		return
	}

	w.wroteHeader = true
	w.status = code

	if cl := w.header.Get("Content-Length"); cl != "" {
		v, err := strconv.ParseInt(cl, 10, 64)
		if err == nil && v >= 0 {
			w.declaredLength = v
		} else {
			w.c.log.Debug("dropping invalid Content-Length", zap.String("value", cl))
			w.header.Del("Content-Length")
		}
	}
}

func (w *response) writeInformational(code int) {
	if code == http.StatusContinue {
		if w.wroteContinue {
			return
		}
		w.wroteContinue = true
	}
	bw := w.c.bw
	fmt.Fprintf(bw, "HTTP/1.1 %03d %s\r\n", code, statusText(code))
	if code != http.StatusContinue {
		_ = w.header.Write(bw)
	}
	_, _ = bw.WriteString("\r\n")
	_ = bw.Flush()
}

func (w *response) Write(p []byte) (int, error) {
	if w.hijacked {
		return 0, http.ErrHijacked
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if !bodyAllowedForStatus(w.status) {
		return 0, http.ErrBodyNotAllowed
	}
	w.written += int64(len(p))
	if w.declaredLength >= 0 && w.written > w.declaredLength {
		return 0, http.ErrContentLength
	}
	if w.isHead {
		return len(p), nil
	}
	if !w.committed {
		if w.body.Len()+len(p) <= bufferBeforeChunkingSize {
			return w.body.Write(p)
		}
		w.commit(false)
	}
	return w.writeBody(p)
}

func (w *response) writeBody(p []byte) (int, error) {
	if w.chunking {
		return w.cw.Write(p)
	}
	return w.c.bw.Write(p)
}

// commit writes the status line and headers. final is true when the handler
// has returned, so the buffered body is the whole body.
func (w *response) commit(final bool) {
	if w.committed {
		return
	}
	w.committed = true

	h := w.header
	code := w.status
	keepAlive := w.c.wantsKeepAlive(w.req) && !w.closeAfter

	switch {
	case w.switched():
		h.Del("Content-Length")
		h.Del("Transfer-Encoding")
	case !bodyAllowedForStatus(code):
		h.Del("Transfer-Encoding")
	case w.declaredLength >= 0:
	case final && w.isHead:
		if w.written > 0 {
			h.Set("Content-Length", strconv.FormatInt(w.written, 10))
		}
	case final:
		h.Set("Content-Length", strconv.Itoa(w.body.Len()))
	case w.isHead:
	case w.req.ProtoAtLeast(1, 1):
		w.chunking = true
		h.Del("Content-Length")
		h.Set("Transfer-Encoding", "chunked")
	default:
		// HTTP/1.0 without a length: the body ends when the connection does.
		keepAlive = false
	}

	if !keepAlive && !w.switched() {
		w.closeAfter = true
	}

	if !w.switched() {
		if w.closeAfter {
			h.Set("Connection", "close")
		} else if !w.req.ProtoAtLeast(1, 1) {
			h.Set("Connection", "keep-alive")
		}
	}
	if h.Get("Date") == "" {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if bodyAllowedForStatus(code) && !w.switched() && w.body.Len() > 0 {
		if _, ok := h["Content-Type"]; !ok {
			h.Set("Content-Type", http.DetectContentType(w.body.Bytes()))
		}
	}

	bw := w.c.bw
	fmt.Fprintf(bw, "HTTP/1.1 %03d %s\r\n", code, statusText(code))
	_ = h.Write(bw)
	_, _ = bw.WriteString("\r\n")

	if w.chunking {
		w.cw = httputil.NewChunkedWriter(bw)
	}
	if w.body.Len() > 0 {
		_, _ = w.writeBody(w.body.Bytes())
		w.body.Reset()
	}
}

// finish completes the response after the handler returned.
func (w *response) finish() {
	if w.hijacked {
		return
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	w.commit(true)
	if w.chunking {
		_ = w.cw.Close()
		_, _ = w.c.bw.WriteString("\r\n")
	}
	if w.declaredLength >= 0 && !w.isHead && bodyAllowedForStatus(w.status) &&
		w.written != w.declaredLength {
		w.closeAfter = true
	}
}

// FlushError commits the head and flushes everything written so far.
func (w *response) FlushError() error {
	if w.hijacked {
		return http.ErrHijacked
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	w.commit(false)
	return w.c.bw.Flush()
}

func (w *response) Flush() {
	_ = w.FlushError()
}

// Hijack hands the transport to the handler. The engine stops serving the
// connection once the handler returns and never touches it again.
func (w *response) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.hijacked {
		return nil, nil, http.ErrHijacked
	}
	if w.wroteHeader {
		w.commit(false)
	}
	if err := w.c.bw.Flush(); err != nil {
		return nil, nil, fmt.Errorf("h1: flush before hijack: %w", err)
	}
	w.c.reclaimReader()
	w.hijacked = true
	w.c.hijacked = true
	return w.c.conn, bufio.NewReadWriter(w.c.br, w.c.bw), nil
}

// expectContinueReader sends "100 Continue" on the first body read.
type expectContinueReader struct {
	w      *response
	rc     io.ReadCloser
	closed bool
}

func (r *expectContinueReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errors.New("h1: invalid Read on closed Body")
	}
	w := r.w
	if !w.wroteContinue && !w.committed && !w.hijacked {
		w.writeInformational(http.StatusContinue)
	}
	return r.rc.Read(p)
}

func (r *expectContinueReader) Close() error {
	r.closed = true
	return r.rc.Close()
}
