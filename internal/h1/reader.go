package h1

import (
	"errors"
	"io"
	"math"
	"net"
	"os"
	"sync"
	"time"
)

// aLongTimeAgo is a non-zero time in the past, used to wake blocked reads.
var aLongTimeAgo = time.Unix(1, 0)

// connReader sits between the transport and the engine's bufio.Reader. It
// enforces the request head limit and runs the one-byte background read that
// notices a peer closing its write side while a handler runs.
type connReader struct {
	conn net.Conn
	// beforeBlock runs before every read that goes to the transport.
	beforeBlock func()

	mu      sync.Mutex
	cond    *sync.Cond
	hasByte bool
	byteBuf [1]byte
	inRead  bool
	aborted bool
	remain  int64
}

func newConnReader(conn net.Conn) *connReader {
	cr := &connReader{conn: conn, remain: math.MaxInt64}
	cr.cond = sync.NewCond(&cr.mu)
	return cr
}

func (cr *connReader) setReadLimit(n int64) {
	cr.mu.Lock()
	cr.remain = n
	cr.mu.Unlock()
}

func (cr *connReader) setInfiniteReadLimit() {
	cr.setReadLimit(math.MaxInt64)
}

func (cr *connReader) hitReadLimit() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.remain <= 0
}

// startBackgroundRead reads one byte on another goroutine. onEOF runs when the
// read fails for any reason other than abortPendingRead.
func (cr *connReader) startBackgroundRead(onEOF func()) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.inRead {
		panic("h1: concurrent background read")
	}
	if cr.hasByte {
		return
	}
	cr.inRead = true
	_ = cr.conn.SetReadDeadline(time.Time{})
	go cr.backgroundRead(onEOF)
}

func (cr *connReader) backgroundRead(onEOF func()) {
	n, err := cr.conn.Read(cr.byteBuf[:])
	cr.mu.Lock()
	if n == 1 {
		cr.hasByte = true
	}
	peerGone := false
	if err != nil && !(cr.aborted && errors.Is(err, os.ErrDeadlineExceeded)) {
		peerGone = true
	}
	cr.aborted = false
	cr.inRead = false
	cr.mu.Unlock()
	cr.cond.Broadcast()
	if peerGone && onEOF != nil {
		onEOF()
	}
}

// abortPendingRead stops a background read and waits for it to return.
func (cr *connReader) abortPendingRead() {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if !cr.inRead {
		return
	}
	cr.aborted = true
	_ = cr.conn.SetReadDeadline(aLongTimeAgo)
	for cr.inRead {
		cr.cond.Wait()
	}
	_ = cr.conn.SetReadDeadline(time.Time{})
}

func (cr *connReader) Read(p []byte) (int, error) {
	cr.mu.Lock()
	if cr.inRead {
		cr.mu.Unlock()
		panic("h1: read while a background read is pending")
	}
	if cr.remain <= 0 {
		cr.mu.Unlock()
		return 0, io.EOF
	}
	if len(p) == 0 {
		cr.mu.Unlock()
		return 0, nil
	}
	if int64(len(p)) > cr.remain {
		p = p[:cr.remain]
	}
	if cr.hasByte {
		p[0] = cr.byteBuf[0]
		cr.hasByte = false
		cr.remain--
		cr.mu.Unlock()
		return 1, nil
	}
	cr.inRead = true
	cr.mu.Unlock()

	if cr.beforeBlock != nil {
		cr.beforeBlock()
	}
	n, err := cr.conn.Read(p)

	cr.mu.Lock()
	cr.inRead = false
	cr.remain -= int64(n)
	cr.mu.Unlock()
	cr.cond.Broadcast()
	return n, err
}
