package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/flux/codec"
	"github.com/opd-ai/flux/crypto"
	"github.com/opd-ai/flux/registry"
)

// Listen binds the service port and starts the accept loop. Each accepted
// connection is handled by its own goroutine so simultaneous inbound
// transfers never block each other; admission is bounded by the configured
// inbound cap.
func (e *Engine) Listen() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.listener != nil {
		return errors.New("engine is already listening")
	}

	if e.cfg.SaveDir != "" {
		if err := os.MkdirAll(e.cfg.SaveDir, 0o755); err != nil {
			return fmt.Errorf("create save dir: %w", err)
		}
	}

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(e.cfg.Port))
	if err != nil {
		return newOpError("listen", ":"+strconv.Itoa(e.cfg.Port), err)
	}
	e.listener = ln

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"addr":     ln.Addr().String(),
		"save_dir": e.cfg.SaveDir,
	}).Info("Accepting inbound transfers")

	e.wg.Add(1)
	go e.acceptLoop(ln)
	return nil
}

// Addr returns the listener address, which carries the actual port when the
// engine was configured with port zero.
func (e *Engine) Addr() (net.Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil, ErrNotListening
	}
	return e.listener.Addr(), nil
}

// acceptLoop hands every accepted connection to an independent handler.
// Accept errors never terminate the loop; only shutdown does.
func (e *Engine) acceptLoop(ln net.Listener) {
	defer e.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if e.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		select {
		case e.sem <- struct{}{}:
		case <-e.ctx.Done():
			conn.Close()
			return
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() { <-e.sem }()
			e.handleConn(conn)
		}()
	}
}

// handleConn processes one inbound transfer from header to final file. Every
// failure is caught here, at the handler boundary; neither the accept loop
// nor sibling handlers are ever affected.
func (e *Engine) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	header, remainder, err := readHeader(conn, e.cfg.IOTimeout)
	if err != nil {
		// No usable transfer id yet, so nothing to record.
		logrus.WithFields(logrus.Fields{
			"function": "handleConn",
			"remote":   remote,
			"error":    err.Error(),
		}).Warn("Rejecting connection with bad header")
		return
	}

	transferID := header.TransferID
	fileName, err := safeFileName(header.FileName)
	if err != nil {
		e.ensureRecord(transferID, header.FileName)
		e.failTransfer(e.ctx, transferID, err)
		return
	}

	e.ensureRecord(transferID, fileName)
	e.reg.SetStatus(transferID, registry.StatusReceiving)

	logrus.WithFields(logrus.Fields{
		"function":        "handleConn",
		"transfer_id":     transferID,
		"file_name":       fileName,
		"compressed_size": header.CompressedSize,
		"remote":          remote,
	}).Info("Inbound transfer started")

	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()
	e.trackCancel(transferID, cancel)
	defer e.clearCancel(transferID)

	// Abort blocking socket calls as soon as the transfer is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := e.receiveBody(ctx, conn, header, fileName, remainder); err != nil {
		e.failTransfer(ctx, transferID, err)
		return
	}

	e.reg.SetStatus(transferID, registry.StatusCompleted)
	e.report(transferID, 100, "File received successfully")

	logrus.WithFields(logrus.Fields{
		"function":    "handleConn",
		"transfer_id": transferID,
		"file_name":   fileName,
	}).Info("Inbound transfer completed")
}

// ensureRecord creates the record for an inbound transfer, or refreshes the
// file name when the sender side of the same process already created it.
func (e *Engine) ensureRecord(transferID, fileName string) {
	if _, ok := e.reg.Get(transferID); ok {
		e.reg.SetFileName(transferID, fileName)
		return
	}
	e.reg.Create(transferID, fileName, registry.StatusReceiving)
}

// receiveBody streams exactly header.CompressedSize bytes into a temporary
// artifact, then decrypts and decompresses it into the save directory.
// Reaching the declared size is the sole success condition; a short read is
// a protocol failure and the partial artifact is deleted.
func (e *Engine) receiveBody(ctx context.Context, conn net.Conn, header Metadata, fileName string, remainder []byte) error {
	transferID := header.TransferID
	e.report(transferID, 0, "Starting to receive file...")

	tmpEnc, err := os.CreateTemp(e.cfg.SaveDir, ".flux-*.enc.tmp")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	encPath := tmpEnc.Name()
	defer os.Remove(encPath)

	received, err := e.drainBody(ctx, conn, tmpEnc, header.CompressedSize, remainder, transferID)
	if cerr := tmpEnc.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close temp artifact: %w", cerr)
	}
	if err != nil {
		return err
	}
	if received != header.CompressedSize {
		return fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, received, header.CompressedSize)
	}

	key := crypto.DeriveKey(e.cfg.Password, header.Salt)

	zstPath := encPath + ".zst"
	defer os.Remove(zstPath)
	if err := crypto.DecryptFile(encPath, zstPath, key); err != nil {
		return err
	}
	os.Remove(encPath)

	finalPath := filepath.Join(e.cfg.SaveDir, fileName)
	outPath := finalPath + ".partial"
	defer os.Remove(outPath)

	if header.IsCompressed {
		if err := codec.Decompress(zstPath, outPath); err != nil {
			return err
		}
		os.Remove(zstPath)
	} else {
		if err := os.Rename(zstPath, outPath); err != nil {
			return err
		}
	}
	if err := os.Rename(outPath, finalPath); err != nil {
		return err
	}

	e.reg.SetFilePath(transferID, finalPath)
	return nil
}

// drainBody writes the already-buffered remainder first, then keeps reading
// fixed-size chunks until the running byte count reaches the declared size,
// reporting progress after every chunk. Bytes beyond the declared size are
// left unread.
func (e *Engine) drainBody(ctx context.Context, conn net.Conn, dst *os.File, total int64, remainder []byte, transferID string) (int64, error) {
	var received int64

	if len(remainder) > 0 {
		n := int64(len(remainder))
		if n > total {
			n = total
		}
		if _, err := dst.Write(remainder[:n]); err != nil {
			return received, fmt.Errorf("write artifact: %w", err)
		}
		received += n

		progress := percent(received, total)
		e.report(transferID, progress, fmt.Sprintf("Receiving: %d%%", progress))
	}

	buf := make([]byte, e.cfg.ChunkSize)
	for received < total {
		if err := ctx.Err(); err != nil {
			return received, err
		}

		want := int64(len(buf))
		if rem := total - received; rem < want {
			want = rem
		}
		if err := conn.SetReadDeadline(time.Now().Add(e.cfg.IOTimeout)); err != nil {
			return received, newOpError("read body", conn.RemoteAddr().String(), err)
		}
		n, rerr := conn.Read(buf[:want])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return received, fmt.Errorf("write artifact: %w", werr)
			}
			received += int64(n)

			progress := percent(received, total)
			e.report(transferID, progress, fmt.Sprintf("Receiving: %d%%", progress))
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return received, ctx.Err()
			}
			// Read may return the final bytes and io.EOF together; that is
			// a complete body, not a short one.
			if rerr == io.EOF {
				if received == total {
					break
				}
				return received, fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, received, total)
			}
			return received, newOpError("read body", conn.RemoteAddr().String(), rerr)
		}
	}
	return received, nil
}

// safeFileName reduces a header-supplied name to a bare file name inside the
// save directory. Anything that could traverse outside is rejected.
func safeFileName(name string) (string, error) {
	base := filepath.Base(filepath.Clean(name))
	if base == "" || base == "." || base == ".." || strings.ContainsRune(base, os.PathSeparator) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeFileName, name)
	}
	return base, nil
}
