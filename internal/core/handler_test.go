package core_test

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"stash/internal/backend"
	"stash/internal/core"
	"stash/pkg/client"
	"stash/pkg/protocol"
	"stash/pkg/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var (
	deadIdentity = protocol.ID{15: 0x01}
	deadHash     = protocol.ID{0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11}
)

// servePipe runs a Handler on one end of an in-memory pipe and returns the
// other end. The handler's result is delivered on the returned channel.
func servePipe(t *testing.T, h *core.Handler) (net.Conn, <-chan error) {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	errc := make(chan error, 1)
	go func() {
		errc <- h.Serve(t.Context(), serverConn)
		_ = serverConn.Close()
	}()
	t.Cleanup(func() { _ = clientConn.Close() })
	return clientConn, errc
}

func waitServe(t *testing.T, errc <-chan error) error {
	t.Helper()

	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return")
		return nil
	}
}

func handshake(t *testing.T, conn net.Conn) {
	t.Helper()

	_, err := conn.Write([]byte("000000fe"))
	require.NoError(t, err)

	reply := make([]byte, protocol.VersionLength)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, "000000fe", string(reply))
}

func TestHandlerRoundTrip(t *testing.T) {
	t.Parallel()

	metrics := core.NewMetrics()
	conn, errc := servePipe(t, &core.Handler{Backend: backend.NewMemoryStorage(), Metrics: metrics})
	c := client.New(conn)

	v, err := c.Handshake(protocol.Version)
	require.NoError(t, err, "handshake error")
	require.Equal(t, protocol.Version, v)

	_, found, err := c.Get(protocol.KindPrimary, deadIdentity, deadHash)
	require.NoError(t, err)
	require.False(t, found, "expected miss before any upload")

	require.NoError(t, c.StartTransaction(deadIdentity, deadHash))
	require.NoError(t, c.Put(protocol.KindPrimary, []byte{0xDE, 0xAD}))
	require.NoError(t, c.EndTransaction())

	data, found, err := c.Get(protocol.KindPrimary, deadIdentity, deadHash)
	require.NoError(t, err)
	require.True(t, found, "expected hit after commit")
	require.Equal(t, []byte{0xDE, 0xAD}, data)

	_, found, err = c.Get(protocol.KindMetadata, deadIdentity, deadHash)
	require.NoError(t, err)
	require.False(t, found, "other kinds stay misses")

	require.NoError(t, c.Quit())
	require.NoError(t, waitServe(t, errc), "quit is a clean exit")

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Lookups.WithLabelValues("primary", "hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Lookups.WithLabelValues("primary", "miss")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Lookups.WithLabelValues("metadata", "miss")))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.BytesReceived))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.BytesSent))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Commits))
}

func TestHandlerWireFormat(t *testing.T) {
	t.Parallel()

	engine := backend.NewMemoryStorage()
	require.NoError(t, engine.StartTransaction(t.Context(), deadIdentity, deadHash))
	require.NoError(t, engine.Put(t.Context(), protocol.KindResource, 2, strings.NewReader("hi")))
	require.NoError(t, engine.EndTransaction(t.Context()))

	conn, errc := servePipe(t, &core.Handler{Backend: engine})
	handshake(t, conn)

	request := append([]byte("gr"), deadIdentity[:]...)
	request = append(request, deadHash[:]...)
	_, err := conn.Write(request)
	require.NoError(t, err)

	want := []byte("+r0000000000000002")
	want = append(want, deadIdentity[:]...)
	want = append(want, deadHash[:]...)
	want = append(want, "hi"...)

	got := make([]byte, len(want))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, want, got, "hit response framing")

	request = append([]byte("gi"), deadIdentity[:]...)
	request = append(request, deadHash[:]...)
	_, err = conn.Write(request)
	require.NoError(t, err)

	want = append([]byte("-i"), deadIdentity[:]...)
	want = append(want, deadHash[:]...)
	got = make([]byte, len(want))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, want, got, "miss response framing")

	require.NoError(t, conn.Close())
	require.NoError(t, waitServe(t, errc), "end of stream between commands is a clean close")
}

func TestHandlerVersionInTwoReads(t *testing.T) {
	t.Parallel()

	conn, errc := servePipe(t, &core.Handler{Backend: backend.NewDiscardStorage()})

	_, err := conn.Write([]byte("f"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("e"))
	require.NoError(t, err)

	reply := make([]byte, protocol.VersionLength)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, "000000fe", string(reply))

	_, err = conn.Write([]byte{'q'})
	require.NoError(t, err)
	require.NoError(t, waitServe(t, errc))
}

func TestHandlerRejectsVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		version string
		wantErr error
	}{
		{name: "one", version: "01", wantErr: protocol.ErrWrongVersion},
		{name: "zero", version: "00000000", wantErr: protocol.ErrWrongVersion},
		{name: "large", version: "0001869f", wantErr: protocol.ErrWrongVersion},
		{name: "not hex", version: "zz", wantErr: protocol.ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			conn, errc := servePipe(t, &core.Handler{Backend: backend.NewMemoryStorage()})
			_, err := conn.Write([]byte(tt.version))
			require.NoError(t, err)

			require.ErrorIs(t, waitServe(t, errc), tt.wantErr)

			// The server closed its side without replying.
			_, err = conn.Read(make([]byte, 1))
			require.Error(t, err, "connection should not be usable")
		})
	}
}

func TestHandlerEmptyVersion(t *testing.T) {
	t.Parallel()

	conn, errc := servePipe(t, &core.Handler{Backend: backend.NewMemoryStorage()})
	require.NoError(t, conn.Close())
	require.ErrorIs(t, waitServe(t, errc), protocol.ErrReadVersion)
}

func TestHandlerProtocolErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "unknown command", input: "x", wantErr: protocol.ErrUnknownCommand},
		{name: "unknown get kind", input: "gz", wantErr: protocol.ErrUnknownKind},
		{name: "unknown put kind", input: "pz", wantErr: protocol.ErrUnknownKind},
		{name: "unknown transaction command", input: "tx", wantErr: protocol.ErrUnknownTransactionCommand},
		{name: "malformed size", input: "pa00000000000000zz", wantErr: protocol.ErrMalformed},
		{name: "put without transaction", input: "pa0000000000000001x", wantErr: storage.ErrNotInTransaction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			conn, errc := servePipe(t, &core.Handler{Backend: backend.NewMemoryStorage()})
			handshake(t, conn)

			_, _ = conn.Write([]byte(tt.input))
			require.ErrorIs(t, waitServe(t, errc), tt.wantErr)
		})
	}
}

func TestHandlerTruncatedInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "get without kind", input: "g"},
		{name: "get with short ids", input: "ga0123456789"},
		{name: "transaction without sub command", input: "t"},
		{name: "short size", input: "pa0000"},
		{name: "short payload", input: "ts0123456789abcdef0123456789abcdefpa0000000000000004DE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			conn, errc := servePipe(t, &core.Handler{Backend: backend.NewMemoryStorage()})
			handshake(t, conn)

			_, err := conn.Write([]byte(tt.input))
			require.NoError(t, err)
			require.NoError(t, conn.Close())

			require.ErrorIs(t, waitServe(t, errc), io.ErrUnexpectedEOF)
		})
	}
}

func TestHandlerFileTooLarge(t *testing.T) {
	t.Parallel()

	engine := backend.NewMemoryStorage(backend.WithMaxFileSize(4))
	conn, errc := servePipe(t, &core.Handler{Backend: engine})
	handshake(t, conn)

	c := client.New(conn)
	require.NoError(t, c.StartTransaction(deadIdentity, deadHash))
	_ = c.Put(protocol.KindPrimary, []byte("too large"))

	err := waitServe(t, errc)
	require.ErrorIs(t, err, storage.ErrFileTooLarge)
	require.Zero(t, engine.Len(), "nothing should be stored")
}
