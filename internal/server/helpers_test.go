package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func h2Client(t *testing.T, conn net.Conn) *http2.ClientConn {
	t.Helper()
	cc, err := (&http2.Transport{AllowHTTP: true}).NewClientConn(conn)
	require.NoError(t, err)
	return cc
}

func h2Get(t *testing.T, cc *http2.ClientConn, path string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://example"+path, nil)
	require.NoError(t, err)
	resp, err := cc.RoundTrip(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, string(body)
}

func h1Get(t *testing.T, conn net.Conn, br *bufio.Reader, path string, close bool) (*http.Response, string) {
	t.Helper()
	req := "GET " + path + " HTTP/1.1\r\nHost: example\r\n"
	if close {
		req += "Connection: close\r\n"
	}
	_, err := io.WriteString(conn, req+"\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, string(body)
}

func protoHandler(w http.ResponseWriter, r *http.Request) {
	_, _ = io.WriteString(w, r.Proto+" "+r.URL.Path)
}

func serveAsync(fn func(context.Context) error, ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn(ctx) }()
	return ch
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("did not finish in time")
		return nil
	}
}

// trickleConn writes the first limit bytes one at a time.
type trickleConn struct {
	net.Conn
	limit int
}

func (c *trickleConn) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 && c.limit > 0 {
		n, err := c.Conn.Write(p[:1])
		written += n
		if err != nil {
			return written, err
		}
		p = p[1:]
		c.limit--
		time.Sleep(time.Millisecond)
	}
	if len(p) == 0 {
		return written, nil
	}
	n, err := c.Conn.Write(p)
	return written + n, err
}
