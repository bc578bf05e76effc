package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/muurk/protoswitch/internal/h1"
	"github.com/muurk/protoswitch/internal/monitoring"
	"github.com/muurk/protoswitch/internal/upgrade"
)

func TestFallbackServesHTTP1WithoutTransition(t *testing.T) {
	client, server := tcpPair(t)
	before := monitoring.Fallbacks.Get()

	conn := NewProtocol().ServeConnection(server, http.HandlerFunc(protoHandler))
	done := serveAsync(conn.Serve, context.Background())
	br := bufio.NewReader(client)

	resp, body := h1Get(t, client, br, "/first", false)
	assert.Equal(t, "HTTP/1.1 /first", body)
	assert.False(t, resp.Close, "connection must stay reusable")

	_, body = h1Get(t, client, br, "/second", true)
	assert.Equal(t, "HTTP/1.1 /second", body)

	require.NoError(t, waitErr(t, done))
	assert.Equal(t, "HTTP/1.1", conn.Version())
	assert.Equal(t, before, monitoring.Fallbacks.Get())
}

func TestFallbackSwitchesToHTTP2OnPreface(t *testing.T) {
	client, server := tcpPair(t)
	before := monitoring.Fallbacks.Get()

	conn := NewProtocol().ServeConnection(server, http.HandlerFunc(protoHandler))
	done := serveAsync(conn.Serve, context.Background())

	cc := h2Client(t, client)
	for _, path := range []string{"/a", "/b"} {
		resp, body := h2Get(t, cc, path)
		assert.Equal(t, 2, resp.ProtoMajor)
		assert.Equal(t, "HTTP/2.0 "+path, body)
	}
	assert.Equal(t, "HTTP/2.0", conn.Version())
	assert.Equal(t, before+1, monitoring.Fallbacks.Get())

	require.NoError(t, cc.Close())
	require.NoError(t, waitErr(t, done))
}

func TestFallbackReplaysTrickledPreface(t *testing.T) {
	// The preface and the first frames arrive a byte at a time, so the
	// HTTP/1 engine reads them in many small pieces before giving up.
	for _, limit := range []int{1, len(http2.ClientPreface) - 1, len(http2.ClientPreface), 40} {
		client, server := tcpPair(t)

		conn := NewProtocol().ServeConnection(server, http.HandlerFunc(protoHandler))
		done := serveAsync(conn.Serve, context.Background())

		cc := h2Client(t, &trickleConn{Conn: client, limit: limit})
		_, body := h2Get(t, cc, "/trickle")
		assert.Equal(t, "HTTP/2.0 /trickle", body, "limit %d", limit)

		require.NoError(t, cc.Close())
		require.NoError(t, waitErr(t, done))
	}
}

func TestNearPrefaceInputNeverSwitches(t *testing.T) {
	inputs := []string{
		"PRI * HTTP/2.0\r\n\r\nSX\r\n\r\n",
		"PRI * HTTP/1.1\r\nHost: x\r\n\r\n",
		"PRI / HTTP/2.0\r\n\r\nSM\r\n\r\n",
		"pri * HTTP/2.0\r\n\r\nSM\r\n\r\n",
		"GET / HTTP/2.0\r\n\r\n",
	}

	for _, input := range inputs {
		client, server := tcpPair(t)
		before := monitoring.Fallbacks.Get()

		conn := NewProtocol().ServeConnection(server, http.HandlerFunc(protoHandler))
		done := serveAsync(conn.Serve, context.Background())

		_, err := io.WriteString(client, input)
		require.NoError(t, err)
		resp, err := http.ReadResponse(bufio.NewReader(client), nil)
		require.NoError(t, err, "%q", input)
		_ = resp.Body.Close()
		_ = client.Close()

		err = waitErr(t, done)
		assert.False(t, h1.IsVersionH2(err), "%q: %v", input, err)
		assert.Equal(t, "HTTP/1.1", conn.Version(), "%q", input)
		assert.Equal(t, before, monitoring.Fallbacks.Get(), "%q", input)
	}
}

func TestHTTP1OnlyRejectsPreface(t *testing.T) {
	client, server := tcpPair(t)

	conn := NewProtocol().HTTP1Only(true).ServeConnection(server, http.HandlerFunc(protoHandler))
	done := serveAsync(conn.Serve, context.Background())

	_, err := io.WriteString(client, http2.ClientPreface)
	require.NoError(t, err)

	err = waitErr(t, done)
	require.Error(t, err)
	assert.True(t, h1.IsVersionH2(err))
	assert.Equal(t, "HTTP/1.1", conn.Version())

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err, "transport must be closed")
}

func TestHTTP2Only(t *testing.T) {
	client, server := tcpPair(t)

	conn := NewProtocol().HTTP2Only(true).ServeConnection(server, http.HandlerFunc(protoHandler))
	assert.Equal(t, "HTTP/2.0", conn.Version())
	done := serveAsync(conn.Serve, context.Background())

	cc := h2Client(t, client)
	_, body := h2Get(t, cc, "/only")
	assert.Equal(t, "HTTP/2.0 /only", body)

	require.NoError(t, cc.Close())
	require.NoError(t, waitErr(t, done))

	_, ok := conn.TryIntoParts()
	assert.False(t, ok)
	assert.Panics(t, func() { conn.IntoParts() })
}

func TestGracefulShutdownHTTP1FinishesInFlightResponse(t *testing.T) {
	client, server := tcpPair(t)

	var conn *Connection
	conn = NewProtocol().ServeConnection(server, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn.GracefulShutdown()
		protoHandler(w, r)
	}))
	done := serveAsync(conn.Serve, context.Background())

	resp, body := h1Get(t, client, bufio.NewReader(client), "/last", false)
	assert.Equal(t, "HTTP/1.1 /last", body)
	assert.True(t, resp.Close, "keep-alive must be refused after graceful shutdown")
	require.NoError(t, waitErr(t, done))
}

func TestGracefulShutdownHTTP1Idle(t *testing.T) {
	client, server := tcpPair(t)

	conn := NewProtocol().ServeConnection(server, http.HandlerFunc(protoHandler))
	done := serveAsync(conn.Serve, context.Background())

	h1Get(t, client, bufio.NewReader(client), "/", false)
	conn.GracefulShutdown()
	require.NoError(t, waitErr(t, done))

	// No-op once resolved.
	conn.GracefulShutdown()
}

func TestGracefulShutdownHTTP2SendsGoAway(t *testing.T) {
	client, server := tcpPair(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	conn := NewProtocol().ServeConnection(server, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		protoHandler(w, r)
	}))
	done := serveAsync(conn.Serve, context.Background())

	cc := h2Client(t, client)
	bodyCh := make(chan string, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, "http://example/inflight", nil)
		resp, err := cc.RoundTrip(req)
		if err != nil {
			bodyCh <- err.Error()
			return
		}
		b, _ := io.ReadAll(resp.Body)
		bodyCh <- string(b)
	}()

	<-entered
	conn.GracefulShutdown()
	require.Eventually(t, func() bool { return !cc.CanTakeNewRequest() }, 5*time.Second, 10*time.Millisecond,
		"client must see GOAWAY")
	close(release)

	assert.Equal(t, "HTTP/2.0 /inflight", <-bodyCh)
	require.NoError(t, waitErr(t, done))
}

func TestGracefulShutdownAfterFallback(t *testing.T) {
	client, server := tcpPair(t)

	conn := NewProtocol().ServeConnection(server, http.HandlerFunc(protoHandler))
	done := serveAsync(conn.Serve, context.Background())

	_, err := io.WriteString(client, http2.ClientPreface)
	require.NoError(t, err)
	fr := http2.NewFramer(client, client)
	require.NoError(t, fr.WriteSettings())

	require.Eventually(t, func() bool { return conn.Version() == "HTTP/2.0" }, 5*time.Second, 5*time.Millisecond)
	conn.GracefulShutdown()

	var goAway *http2.GoAwayFrame
	for goAway == nil {
		f, err := fr.ReadFrame()
		require.NoError(t, err)
		goAway, _ = f.(*http2.GoAwayFrame)
	}
	assert.Equal(t, http2.ErrCodeNo, goAway.ErrCode)
	require.NoError(t, waitErr(t, done))
}

func TestWithoutShutdownReturnsParts(t *testing.T) {
	client, server := tcpPair(t)

	conn := NewProtocol().ServeConnection(server, http.HandlerFunc(protoHandler))
	_, err := io.WriteString(client, "GET /parts HTTP/1.1\r\nHost: example\r\nConnection: close\r\n\r\nleftover")
	require.NoError(t, err)

	type result struct {
		parts Parts
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := conn.WithoutShutdown(context.Background())
		ch <- result{p, err}
	}()

	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	b, _ := io.ReadAll(io.LimitReader(resp.Body, resp.ContentLength))
	assert.Equal(t, "HTTP/1.1 /parts", string(b))

	r := <-ch
	require.NoError(t, r.err)
	assert.Same(t, server, r.parts.Conn)
	assert.NotNil(t, r.parts.Handler)

	// The leftover may have arrived after the request head was parsed.
	read := string(r.parts.Read)
	if len(read) < len("leftover") {
		rest := make([]byte, len("leftover")-len(read))
		_, err := io.ReadFull(r.parts.Conn, rest)
		require.NoError(t, err)
		read += string(rest)
	}
	assert.Equal(t, "leftover", read)

	_, err = io.WriteString(r.parts.Conn, "still mine")
	require.NoError(t, err)
	got := make([]byte, len("still mine"))
	_, err = io.ReadFull(br, got)
	require.NoError(t, err)
	assert.Equal(t, "still mine", string(got))
}

func TestWithoutShutdownOnHTTP2IsUnavailable(t *testing.T) {
	client, server := tcpPair(t)

	conn := NewProtocol().ServeConnection(server, http.HandlerFunc(protoHandler))
	ch := make(chan error, 1)
	go func() {
		_, err := conn.WithoutShutdown(context.Background())
		ch <- err
	}()

	cc := h2Client(t, client)
	h2Get(t, cc, "/")
	require.NoError(t, cc.Close())

	assert.ErrorIs(t, waitErr(t, ch), ErrPartsUnavailable)
	_, ok := conn.TryIntoParts()
	assert.False(t, ok)
}

func upgradeHandler(onCh chan<- *upgrade.OnUpgrade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		onCh <- upgrade.FromRequest(r)
		w.Header().Set("Connection", "Upgrade")
		w.Header().Set("Upgrade", "echo")
		w.WriteHeader(http.StatusSwitchingProtocols)
	}
}

const upgradeRequest = "GET /up HTTP/1.1\r\nHost: example\r\nConnection: Upgrade\r\nUpgrade: echo\r\n\r\n"

func TestServeWithoutUpgradesFailsUpgrade(t *testing.T) {
	client, server := tcpPair(t)

	onCh := make(chan *upgrade.OnUpgrade, 1)
	conn := NewProtocol().ServeConnection(server, upgradeHandler(onCh))
	done := serveAsync(conn.Serve, context.Background())

	_, err := io.WriteString(client, upgradeRequest)
	require.NoError(t, err)

	_, err = (<-onCh).Wait(context.Background())
	assert.ErrorIs(t, err, upgrade.ErrManualUpgrade)
	require.NoError(t, waitErr(t, done))
}

func TestWithUpgradesHandsOverTransport(t *testing.T) {
	client, server := tcpPair(t)

	onCh := make(chan *upgrade.OnUpgrade, 1)
	before := monitoring.Upgrades.Get()
	conn := NewProtocol().ServeConnection(server, upgradeHandler(onCh)).WithUpgrades()
	done := serveAsync(conn.Serve, context.Background())

	_, err := io.WriteString(client, upgradeRequest+"early")
	require.NoError(t, err)

	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, waitErr(t, done))
	assert.Equal(t, before+1, monitoring.Upgrades.Get())

	up, err := (<-onCh).Wait(context.Background())
	require.NoError(t, err)
	defer up.Close()

	got := make([]byte, len("early"))
	_, err = io.ReadFull(up, got)
	require.NoError(t, err)
	assert.Equal(t, "early", string(got))

	_, err = io.WriteString(up, "pong")
	require.NoError(t, err)
	got = make([]byte, 4)
	_, err = io.ReadFull(br, got)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))
}

func TestWithUpgradesFallsBack(t *testing.T) {
	client, server := tcpPair(t)

	conn := NewProtocol().ServeConnection(server, http.HandlerFunc(protoHandler)).WithUpgrades()
	done := serveAsync(conn.Serve, context.Background())

	cc := h2Client(t, client)
	_, body := h2Get(t, cc, "/wrapped")
	assert.Equal(t, "HTTP/2.0 /wrapped", body)
	assert.Equal(t, "HTTP/2.0", conn.Version())

	require.NoError(t, cc.Close())
	require.NoError(t, waitErr(t, done))
}

func TestCancelAbortsConnection(t *testing.T) {
	for _, mode := range []ConnectionMode{ModeFallback, ModeH2Only} {
		client, server := tcpPair(t)

		p := NewProtocol()
		if mode == ModeH2Only {
			p.HTTP2Only(true)
		}
		conn := p.ServeConnection(server, http.HandlerFunc(protoHandler))
		ctx, cancel := context.WithCancel(context.Background())
		done := serveAsync(conn.Serve, ctx)

		if mode == ModeH2Only {
			_ = h2Client(t, client)
		}
		time.Sleep(20 * time.Millisecond)
		cancel()
		assert.ErrorIs(t, waitErr(t, done), context.Canceled, mode.String())
	}
}

func TestAbortClosesTransport(t *testing.T) {
	client, server := tcpPair(t)

	conn := NewProtocol().ServeConnection(server, http.HandlerFunc(protoHandler))
	done := serveAsync(conn.Serve, context.Background())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Abort())
	_ = waitErr(t, done)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := client.Read(make([]byte, 1))
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "transport must be closed, not idle")
	}
}
