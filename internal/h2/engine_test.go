package h2

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/muurk/protoswitch/internal/exec"
	"github.com/muurk/protoswitch/internal/rewind"
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

func clientConn(t *testing.T, conn net.Conn) *http2.ClientConn {
	t.Helper()
	tr := &http2.Transport{AllowHTTP: true}
	cc, err := tr.NewClientConn(conn)
	require.NoError(t, err)
	return cc
}

func get(t *testing.T, cc *http2.ClientConn, path string) (*http.Response, string) {
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

func protoHandler(w http.ResponseWriter, r *http.Request) {
	_, _ = io.WriteString(w, r.Proto+" "+r.URL.Path)
}

func serveAsync(ctx context.Context, e *Engine) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- e.Serve(ctx) }()
	return ch
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not finish")
		return nil
	}
}

func TestServePriorKnowledge(t *testing.T) {
	client, server := tcpPair(t)

	e, err := New(server, http.HandlerFunc(protoHandler), DefaultSettings(), exec.Goroutine)
	require.NoError(t, err)
	done := serveAsync(context.Background(), e)

	cc := clientConn(t, client)
	resp, body := get(t, cc, "/hello")
	assert.Equal(t, 2, resp.ProtoMajor)
	assert.Equal(t, "HTTP/2.0 /hello", body)

	require.NoError(t, cc.Close())
	assert.NoError(t, waitErr(t, done))
}

func TestServeReplaysPrefix(t *testing.T) {
	client, server := tcpPair(t)

	cc := clientConn(t, client)

	// Consume the preface the way an HTTP/1 engine would have buffered it.
	prefix := make([]byte, len(http2.ClientPreface))
	_, err := io.ReadFull(server, prefix)
	require.NoError(t, err)
	require.Equal(t, http2.ClientPreface, string(prefix))

	e, err := New(rewind.New(server, prefix), http.HandlerFunc(protoHandler), DefaultSettings(), nil)
	require.NoError(t, err)
	done := serveAsync(context.Background(), e)

	_, body := get(t, cc, "/replayed")
	assert.Equal(t, "HTTP/2.0 /replayed", body)

	require.NoError(t, cc.Close())
	assert.NoError(t, waitErr(t, done))
}

func TestGracefulShutdownBeforeServe(t *testing.T) {
	client, server := tcpPair(t)

	e, err := New(server, http.HandlerFunc(protoHandler), DefaultSettings(), exec.Goroutine)
	require.NoError(t, err)
	e.GracefulShutdown()

	done := serveAsync(context.Background(), e)
	_ = clientConn(t, client)

	assert.NoError(t, waitErr(t, done))
}

func TestGracefulShutdownDrainsInFlightStream(t *testing.T) {
	client, server := tcpPair(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	e, err := New(server, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		protoHandler(w, r)
	}), DefaultSettings(), exec.Goroutine)
	require.NoError(t, err)
	done := serveAsync(context.Background(), e)

	cc := clientConn(t, client)
	type result struct {
		body string
		err  error
	}
	res := make(chan result, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, "http://example/slow", nil)
		resp, err := cc.RoundTrip(req)
		if err != nil {
			res <- result{err: err}
			return
		}
		b, err := io.ReadAll(resp.Body)
		res <- result{body: string(b), err: err}
	}()

	<-entered
	e.GracefulShutdown()
	close(release)

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "HTTP/2.0 /slow", r.body)
	assert.NoError(t, waitErr(t, done))
}

func TestCancelClosesConnection(t *testing.T) {
	client, server := tcpPair(t)

	e, err := New(server, http.HandlerFunc(protoHandler), DefaultSettings(), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := serveAsync(ctx, e)
	_ = clientConn(t, client)

	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
}

func TestServeTwice(t *testing.T) {
	client, server := tcpPair(t)

	e, err := New(server, http.HandlerFunc(protoHandler), DefaultSettings(), nil)
	require.NoError(t, err)
	done := serveAsync(context.Background(), e)
	require.NoError(t, client.Close())
	_ = waitErr(t, done)

	assert.ErrorIs(t, e.Serve(context.Background()), ErrServed)
	e.GracefulShutdown()
}

func TestSettingsServer(t *testing.T) {
	tests := []struct {
		name       string
		settings   Settings
		wantStream int32
		wantConn   int32
		wantFrame  uint32
		wantPing   time.Duration
	}{
		{
			name:       "defaults",
			settings:   DefaultSettings(),
			wantStream: DefaultWindowSize,
			wantConn:   DefaultWindowSize,
			wantFrame:  DefaultMaxFrameSize,
		},
		{
			name:       "zero values fall back",
			settings:   Settings{},
			wantStream: DefaultWindowSize,
			wantConn:   DefaultWindowSize,
			wantFrame:  DefaultMaxFrameSize,
		},
		{
			name: "clamped",
			settings: Settings{
				InitialStreamWindowSize: 10,
				InitialConnWindowSize:   1 << 31,
				MaxFrameSize:            1 << 30,
			},
			wantStream: minWindowSize,
			wantConn:   1<<31 - 1,
			wantFrame:  maxFrameSizeCap,
		},
		{
			name: "keep-alive",
			settings: Settings{
				InitialStreamWindowSize: 1 << 16,
				InitialConnWindowSize:   1 << 17,
				MaxFrameSize:            1 << 15,
				KeepAliveInterval:       time.Second,
			},
			wantStream: 1 << 16,
			wantConn:   1 << 17,
			wantFrame:  1 << 15,
			wantPing:   DefaultKeepAliveTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := tt.settings.server()
			assert.Equal(t, tt.wantStream, srv.MaxUploadBufferPerStream)
			assert.Equal(t, tt.wantConn, srv.MaxUploadBufferPerConnection)
			assert.Equal(t, tt.wantFrame, srv.MaxReadFrameSize)
			assert.Equal(t, tt.wantPing, srv.PingTimeout)
			assert.Equal(t, tt.settings.KeepAliveInterval, srv.ReadIdleTimeout)
		})
	}
}

func TestFindTLSThroughWrappers(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tc := tls.Server(server, &tls.Config{})
	assert.Same(t, tc, findTLS(rewind.New(tc, nil)))
	assert.Nil(t, findTLS(rewind.New(server, nil)))
}
