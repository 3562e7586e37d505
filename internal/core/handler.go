package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"stash/pkg/protocol"
	"stash/pkg/storage"
)

const connBufferSize = 64 * 1024

// Handler drives the artifact cache protocol over a single connection.
type Handler struct {
	Backend storage.Backend
	Metrics *Metrics
	Logger  *slog.Logger
}

// Serve performs the version handshake and then executes commands until the
// client quits, closes the stream between commands, or an error occurs.
// Every error is terminal; the caller is expected to close conn.
//
// Serve does not cancel the open transaction on return. The caller owns the
// backend handle and decides what happens to staged artifacts.
func (h *Handler) Serve(ctx context.Context, conn io.ReadWriter) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	requested, err := protocol.ReadVersion(conn)
	if err != nil {
		return err
	}

	version, err := h.Backend.Version(requested)
	if err != nil {
		return err
	}

	r := bufio.NewReaderSize(conn, connBufferSize)
	w := bufio.NewWriterSize(conn, connBufferSize)

	if _, err := w.WriteString(protocol.FormatVersion(version)); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	logger.Debug("Handshake complete", "version", version)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cmd, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("Client closed the connection")
				return nil
			}
			return err
		}

		switch cmd {
		case protocol.CmdGet:
			h.Metrics.command("get")
			if err := h.get(ctx, logger, r, w); err != nil {
				return err
			}

		case protocol.CmdTransaction:
			if err := h.transaction(ctx, logger, r); err != nil {
				return err
			}

		case protocol.CmdPut:
			h.Metrics.command("put")
			if err := h.put(ctx, logger, r); err != nil {
				return err
			}

		case protocol.CmdQuit:
			h.Metrics.command("quit")
			logger.Debug("Client quit")
			return nil

		default:
			return fmt.Errorf("%w: %q", protocol.ErrUnknownCommand, cmd)
		}
	}
}

func readKind(r *bufio.Reader) (protocol.Kind, error) {
	tag, err := protocol.ReadByte(r)
	if err != nil {
		return 0, err
	}
	return protocol.ParseTag(tag)
}

func readIDs(r io.Reader) (protocol.ID, protocol.ID, error) {
	identity, err := protocol.ReadID(r)
	if err != nil {
		return identity, protocol.ID{}, err
	}
	hash, err := protocol.ReadID(r)
	return identity, hash, err
}

func (h *Handler) get(ctx context.Context, logger *slog.Logger, r *bufio.Reader, w *bufio.Writer) error {
	kind, err := readKind(r)
	if err != nil {
		return err
	}
	identity, hash, err := readIDs(r)
	if err != nil {
		return err
	}

	key := storage.NewKey(kind, identity, hash)
	rc, size, err := h.Backend.Get(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		logger.Debug("Get", "kind", kind, "identity", identity.String(), "hash", hash.String(), "hit", false)
		h.Metrics.lookup(kind, false, 0)

		_ = w.WriteByte(protocol.RespMiss)
		_ = w.WriteByte(kind.Tag())
		_, _ = w.Write(identity[:])
		_, _ = w.Write(hash[:])
		return w.Flush()

	case err != nil:
		return fmt.Errorf("get %s: %w", key, err)
	}
	defer rc.Close()

	logger.Debug("Get", "kind", kind, "identity", identity.String(), "hash", hash.String(), "hit", true, "size", size)
	h.Metrics.lookup(kind, true, size)

	header := make([]byte, 0, 2+protocol.SizeLength+2*protocol.IDLength)
	header = append(header, protocol.RespHit, kind.Tag())
	header = protocol.AppendSize(header, size)
	header = append(header, identity[:]...)
	header = append(header, hash[:]...)
	if _, err := w.Write(header); err != nil {
		return err
	}

	// The size is already on the wire, so the body must match it exactly.
	n, err := io.CopyN(w, rc, int64(size))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("get %s: %w", key, storage.ShortRead(n, size))
		}
		return err
	}
	return w.Flush()
}

func (h *Handler) transaction(ctx context.Context, logger *slog.Logger, r *bufio.Reader) error {
	sub, err := protocol.ReadByte(r)
	if err != nil {
		return err
	}

	switch sub {
	case protocol.TxnStart:
		h.Metrics.command("start")
		identity, hash, err := readIDs(r)
		if err != nil {
			return err
		}
		logger.Debug("Start transaction", "identity", identity.String(), "hash", hash.String())
		return h.Backend.StartTransaction(ctx, identity, hash)

	case protocol.TxnEnd:
		h.Metrics.command("end")
		logger.Debug("End transaction")
		if err := h.Backend.EndTransaction(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		h.Metrics.committed()
		return nil

	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownTransactionCommand, sub)
	}
}

func (h *Handler) put(ctx context.Context, logger *slog.Logger, r *bufio.Reader) error {
	kind, err := readKind(r)
	if err != nil {
		return err
	}
	size, err := protocol.ReadSize(r)
	if err != nil {
		return err
	}

	logger.Debug("Put", "kind", kind, "size", size)
	if err := h.Backend.Put(ctx, kind, size, r); err != nil {
		return fmt.Errorf("put %s: %w", kind, err)
	}
	h.Metrics.received(size)
	return nil
}
