// Package protocol implements the framing of the artifact cache wire
// protocol: identifiers, artifact kinds, the version handshake and the
// fixed-width size fields.
package protocol

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Version is the only protocol version the server accepts.
const Version uint32 = 254

// Command bytes.
const (
	CmdGet         byte = 'g'
	CmdTransaction byte = 't'
	CmdPut         byte = 'p'
	CmdQuit        byte = 'q'

	TxnStart byte = 's'
	TxnEnd   byte = 'e'

	RespMiss byte = '-'
	RespHit  byte = '+'
)

const (
	// VersionLength is the maximum width of the client version and the exact
	// width of the server reply.
	VersionLength = 8

	// SizeLength is the width of a hex encoded artifact size.
	SizeLength = 16
)

var (
	ErrReadVersion               = errors.New("read version error")
	ErrWrongVersion              = errors.New("wrong version")
	ErrUnknownCommand            = errors.New("unknown command")
	ErrUnknownKind               = errors.New("unknown file type")
	ErrUnknownTransactionCommand = errors.New("unknown transaction command")
	ErrMalformed                 = errors.New("malformed field")
)

// ReadVersion reads the client's version announcement: up to eight ASCII hex
// digits. A short first read is followed by at most one more read, mirroring
// clients that flush the version in two writes.
func ReadVersion(r io.Reader) (uint32, error) {
	buf := make([]byte, VersionLength)

	n, err := readSome(r, buf)
	if err != nil {
		return 0, err
	}

	if n == 1 {
		m, err := readSome(r, buf[n:])
		if err != nil {
			return 0, err
		}
		n += m
	}

	v, err := strconv.ParseUint(string(buf[:n]), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: version %q: %v", ErrMalformed, buf[:n], err)
	}
	return uint32(v), nil
}

// readSome performs a single read, treating a zero length result as a
// failed version read.
func readSome(r io.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if n > 0 {
		return n, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("%w: %w", ErrReadVersion, err)
	}
	return 0, ErrReadVersion
}

// FormatVersion encodes v as eight hex digits, the big-endian hex form of
// its four bytes.
func FormatVersion(v uint32) string {
	return fmt.Sprintf("%08x", v)
}

// ReadSize reads a sixteen digit hex encoded size.
func ReadSize(r io.Reader) (uint64, error) {
	var buf [SizeLength]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, unexpectedEOF(err)
	}

	v, err := strconv.ParseUint(string(buf[:]), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: size %q: %v", ErrMalformed, buf[:], err)
	}
	return v, nil
}

// AppendSize appends the sixteen digit hex form of size to dst.
func AppendSize(dst []byte, size uint64) []byte {
	return fmt.Appendf(dst, "%016x", size)
}

// ReadID reads a raw sixteen byte identifier.
func ReadID(r io.Reader) (ID, error) {
	var id ID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return id, unexpectedEOF(err)
	}
	return id, nil
}

// ReadByte reads a single byte that is part of a command. Running out of
// input here is never a clean close.
func ReadByte(r io.ByteReader) (byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, unexpectedEOF(err)
	}
	return b, nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
