package client_test

import (
	"bytes"
	"io"
	"net"
	"testing"

	"stash/pkg/client"
	"stash/pkg/protocol"

	"github.com/stretchr/testify/require"
)

var (
	identity = protocol.ID{15: 0x01}
	hash     = protocol.ID{0: 0x11, 15: 0x11}
)

// scripted runs server on the far end of a pipe and returns a client for the
// near end.
func scripted(t *testing.T, server func(conn net.Conn)) *client.Client {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer serverConn.Close()
		server(serverConn)
	}()
	t.Cleanup(func() {
		_ = clientConn.Close()
		<-done
	})
	return client.New(clientConn)
}

func expect(t *testing.T, conn net.Conn, want []byte) {
	t.Helper()

	got := make([]byte, len(want))
	_, err := io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func getRequest(tag byte) []byte {
	req := []byte{'g', tag}
	req = append(req, identity[:]...)
	return append(req, hash[:]...)
}

func TestHandshake(t *testing.T) {
	t.Parallel()

	c := scripted(t, func(conn net.Conn) {
		expect(t, conn, []byte("000000fe"))
		_, _ = conn.Write([]byte("000000fe"))
	})

	v, err := c.Handshake(protocol.Version)
	require.NoError(t, err)
	require.Equal(t, protocol.Version, v)
	require.Equal(t, protocol.Version, c.Version)
}

func TestHandshakeRejected(t *testing.T) {
	t.Parallel()

	c := scripted(t, func(conn net.Conn) {
		expect(t, conn, []byte("00000001"))
	})

	_, err := c.Handshake(1)
	require.Error(t, err, "a closed connection fails the handshake")
}

func TestGetHit(t *testing.T) {
	t.Parallel()

	c := scripted(t, func(conn net.Conn) {
		expect(t, conn, getRequest('a'))

		resp := []byte("+a0000000000000004")
		resp = append(resp, identity[:]...)
		resp = append(resp, hash[:]...)
		resp = append(resp, "DEAD"...)
		_, _ = conn.Write(resp)
	})

	var buf bytes.Buffer
	size, found, err := c.GetTo(&buf, protocol.KindPrimary, identity, hash)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(4), size)
	require.Equal(t, "DEAD", buf.String())
}

func TestGetMiss(t *testing.T) {
	t.Parallel()

	c := scripted(t, func(conn net.Conn) {
		expect(t, conn, getRequest('r'))

		resp := append([]byte("-r"), identity[:]...)
		_, _ = conn.Write(append(resp, hash[:]...))
	})

	data, found, err := c.Get(protocol.KindResource, identity, hash)
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, data)
}

func TestGetUnexpectedResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp func() []byte
	}{
		{name: "bad marker", resp: func() []byte { return []byte("?a") }},
		{name: "wrong kind", resp: func() []byte {
			resp := append([]byte("-i"), identity[:]...)
			return append(resp, hash[:]...)
		}},
		{name: "wrong hash", resp: func() []byte {
			resp := append([]byte("-a"), identity[:]...)
			return append(resp, identity[:]...)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := scripted(t, func(conn net.Conn) {
				expect(t, conn, getRequest('a'))
				_, _ = conn.Write(tt.resp())
			})

			_, _, err := c.Get(protocol.KindPrimary, identity, hash)
			require.ErrorIs(t, err, client.ErrUnexpectedResponse)
		})
	}
}

func TestGetTruncatedPayload(t *testing.T) {
	t.Parallel()

	c := scripted(t, func(conn net.Conn) {
		expect(t, conn, getRequest('a'))

		resp := []byte("+a0000000000000008")
		resp = append(resp, identity[:]...)
		resp = append(resp, hash[:]...)
		_, _ = conn.Write(append(resp, "DEAD"...))
	})

	_, _, err := c.Get(protocol.KindPrimary, identity, hash)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestUploadCommands(t *testing.T) {
	t.Parallel()

	c := scripted(t, func(conn net.Conn) {
		want := append([]byte("ts"), identity[:]...)
		want = append(want, hash[:]...)
		want = append(want, "pi0000000000000003abc"...)
		want = append(want, "te"...)
		want = append(want, 'q')
		expect(t, conn, want)
	})

	require.NoError(t, c.StartTransaction(identity, hash))
	require.NoError(t, c.Put(protocol.KindMetadata, []byte("abc")))
	require.NoError(t, c.EndTransaction())
	require.NoError(t, c.Close())
}

func TestPutFromShortReader(t *testing.T) {
	t.Parallel()

	c := scripted(t, func(conn net.Conn) {
		_, _ = io.Copy(io.Discard, conn)
	})

	err := c.PutFrom(protocol.KindPrimary, 10, bytes.NewReader([]byte("short")))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
