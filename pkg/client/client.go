// Package client implements the client side of the artifact cache protocol.
//
// A Client is not safe for concurrent use; open one per goroutine.
package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"stash/pkg/protocol"
)

// ErrUnexpectedResponse is returned when the server answers with bytes that
// do not match the request.
var ErrUnexpectedResponse = errors.New("unexpected response")

type Client struct {
	r      *bufio.Reader
	w      *bufio.Writer
	closer io.Closer

	// Version is the protocol version agreed in the handshake.
	Version uint32
}

// New wraps rw without performing the handshake. If rw is an io.Closer,
// Close closes it.
func New(rw io.ReadWriter) *Client {
	c := &Client{
		r: bufio.NewReader(rw),
		w: bufio.NewWriter(rw),
	}
	if closer, ok := rw.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// Dial connects to addr and performs the handshake for protocol.Version.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := New(conn)
	if _, err := c.Handshake(protocol.Version); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Handshake announces version and returns the version the server accepted.
func (c *Client) Handshake(version uint32) (uint32, error) {
	if _, err := c.w.WriteString(protocol.FormatVersion(version)); err != nil {
		return 0, err
	}
	if err := c.w.Flush(); err != nil {
		return 0, err
	}

	var buf [protocol.VersionLength]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}

	v, err := strconv.ParseUint(string(buf[:]), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: version %q", protocol.ErrMalformed, buf[:])
	}

	c.Version = uint32(v)
	return c.Version, nil
}

func (c *Client) writeCommand(parts ...[]byte) error {
	for _, p := range parts {
		if _, err := c.w.Write(p); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

// Get downloads an artifact. The boolean is false on a cache miss.
func (c *Client) Get(kind protocol.Kind, identity, hash protocol.ID) ([]byte, bool, error) {
	var buf bytes.Buffer
	_, found, err := c.GetTo(&buf, kind, identity, hash)
	if err != nil || !found {
		return nil, found, err
	}
	return buf.Bytes(), true, nil
}

// GetTo streams an artifact into dst and returns its size.
func (c *Client) GetTo(dst io.Writer, kind protocol.Kind, identity, hash protocol.ID) (uint64, bool, error) {
	if err := c.writeCommand([]byte{protocol.CmdGet, kind.Tag()}, identity[:], hash[:]); err != nil {
		return 0, false, err
	}

	marker, err := protocol.ReadByte(c.r)
	if err != nil {
		return 0, false, err
	}
	if marker != protocol.RespHit && marker != protocol.RespMiss {
		return 0, false, fmt.Errorf("%w: marker %q", ErrUnexpectedResponse, marker)
	}

	tag, err := protocol.ReadByte(c.r)
	if err != nil {
		return 0, false, err
	}
	if tag != kind.Tag() {
		return 0, false, fmt.Errorf("%w: kind %q, want %q", ErrUnexpectedResponse, tag, kind.Tag())
	}

	var size uint64
	if marker == protocol.RespHit {
		if size, err = protocol.ReadSize(c.r); err != nil {
			return 0, false, err
		}
	}

	gotIdentity, err := protocol.ReadID(c.r)
	if err != nil {
		return 0, false, err
	}
	gotHash, err := protocol.ReadID(c.r)
	if err != nil {
		return 0, false, err
	}
	if gotIdentity != identity || gotHash != hash {
		return 0, false, fmt.Errorf("%w: artifact %s-%s", ErrUnexpectedResponse, gotIdentity, gotHash)
	}

	if marker == protocol.RespMiss {
		return 0, false, nil
	}

	if _, err := io.CopyN(dst, c.r, int64(size)); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, false, io.ErrUnexpectedEOF
		}
		return 0, false, err
	}
	return size, true, nil
}

// StartTransaction opens a transaction for (identity, hash) on the server.
func (c *Client) StartTransaction(identity, hash protocol.ID) error {
	return c.writeCommand([]byte{protocol.CmdTransaction, protocol.TxnStart}, identity[:], hash[:])
}

// EndTransaction commits the open transaction.
func (c *Client) EndTransaction() error {
	return c.writeCommand([]byte{protocol.CmdTransaction, protocol.TxnEnd})
}

// Put uploads data as the artifact of the given kind in the open
// transaction.
func (c *Client) Put(kind protocol.Kind, data []byte) error {
	return c.PutFrom(kind, uint64(len(data)), bytes.NewReader(data))
}

// PutFrom uploads exactly size bytes read from r.
func (c *Client) PutFrom(kind protocol.Kind, size uint64, r io.Reader) error {
	header := protocol.AppendSize([]byte{protocol.CmdPut, kind.Tag()}, size)
	if _, err := c.w.Write(header); err != nil {
		return err
	}

	if _, err := io.CopyN(c.w, r, int64(size)); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return c.w.Flush()
}

// Quit asks the server to end the session.
func (c *Client) Quit() error {
	return c.writeCommand([]byte{protocol.CmdQuit})
}

// Close sends quit and closes the underlying connection.
func (c *Client) Close() error {
	err := c.Quit()
	if c.closer != nil {
		return c.closer.Close()
	}
	return err
}
