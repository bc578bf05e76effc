package handlers

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/muurk/protoswitch/internal/server"
)

// startApp serves a fresh App on a loopback listener through the
// protocol-switching accept loop.
func startApp(t *testing.T) (*App, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	app := New()
	accept := server.NewListenerAccept(ln)
	tracker := server.NewTracker()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.NewServe(accept, server.StaticHandler(app), nil).SpawnAll(ctx, tracker)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = tracker.AbortAll()
	})
	return app, ln.Addr().String()
}

func h2cClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

func get(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestIndexReportsProtocol(t *testing.T) {
	_, addr := startApp(t)

	h1 := &http.Client{Timeout: 5 * time.Second}
	_, body := get(t, h1, "http://"+addr+"/")
	assert.Contains(t, body, "proto: HTTP/1.1")
	assert.Contains(t, body, "tls: none")

	resp, body := get(t, h2cClient(), "http://"+addr+"/")
	assert.Equal(t, 2, resp.ProtoMajor)
	assert.Contains(t, body, "proto: HTTP/2.0")

	resp, _ = get(t, h1, "http://"+addr+"/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEchoOverBothProtocols(t *testing.T) {
	_, addr := startApp(t)

	for name, client := range map[string]*http.Client{
		"HTTP/1.1": {Timeout: 5 * time.Second},
		"HTTP/2.0": h2cClient(),
	} {
		resp, err := client.Post("http://"+addr+"/echo", "application/octet-stream", strings.NewReader("ping "+name))
		require.NoError(t, err, name)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		_ = resp.Body.Close()

		assert.Equal(t, "ping "+name, string(body))
		assert.Equal(t, name, resp.Header.Get("X-Proto"))
		assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	}
}

func TestWebSocketEcho(t *testing.T) {
	_, addr := startApp(t)

	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	for _, msg := range []string{"one", "two"} {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))
		kind, got, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, kind)
		assert.Equal(t, msg, string(got))
	}
}

func TestUpgradeEcho(t *testing.T) {
	_, addr := startApp(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "GET /upgrade/echo HTTP/1.1\r\nHost: x\r\nConnection: Upgrade\r\nUpgrade: echo\r\n\r\n")
	require.NoError(t, err)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, EchoProtocol, resp.Header.Get("Upgrade"))

	_, err = io.WriteString(conn, "raw bytes")
	require.NoError(t, err)
	got := make([]byte, len("raw bytes"))
	_, err = io.ReadFull(br, got)
	require.NoError(t, err)
	assert.Equal(t, "raw bytes", string(got))
}

func TestUpgradeEchoRequiresUpgrade(t *testing.T) {
	_, addr := startApp(t)

	resp, _ := get(t, &http.Client{Timeout: 5 * time.Second}, "http://"+addr+"/upgrade/echo")
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	assert.Equal(t, EchoProtocol, resp.Header.Get("Upgrade"))
}

func TestExpvarCounters(t *testing.T) {
	_, addr := startApp(t)

	resp, body := get(t, &http.Client{Timeout: 5 * time.Second}, "http://"+addr+"/debug/vars")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"protoswitch.connections.accepted"`)
	assert.Contains(t, body, `"protoswitch.fallbacks"`)
}

func TestGRPCHealthOverPriorKnowledge(t *testing.T) {
	app, addr := startApp(t)

	cc, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer cc.Close()
	client := healthpb.NewHealthClient(cc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	app.Shutdown()
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
