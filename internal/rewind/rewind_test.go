package rewind

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayThenFresh(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte("world"))
		_ = client.Close()
	}()

	prefix := []byte("hello ")
	c := New(server, prefix)
	prefix[0] = 'X' // caller buffer reuse must not leak through

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestSmallReadsDrainPrefixExactlyOnce(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(server, []byte("abcdef"))
	buf := make([]byte, 4)

	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))
	assert.Equal(t, 2, c.Pending())

	n, err = c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(buf[:n]))
	assert.Equal(t, 0, c.Pending())
}

func TestRewindPrepends(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(server, []byte("cd"))
	c.Rewind([]byte("ab"))

	buf := make([]byte, 8)
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))
}

func TestInto(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(server, []byte("left"))
	inner, rest := c.Into()
	assert.Same(t, server, inner)
	assert.Equal(t, "left", string(rest))
	assert.Equal(t, 0, c.Pending())
}
