package transfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/flux/crypto"
)

// MaxHeaderSize bounds how many bytes the receiver accumulates while looking
// for the header delimiter before giving up on the connection.
const MaxHeaderSize = 8192

// headerDelimiter terminates the metadata record on the wire.
const headerDelimiter = '\n'

// Metadata is the wire record sent at the start of every connection: one
// JSON object terminated by a newline, immediately followed by exactly
// CompressedSize raw bytes of body. CompressedSize is the receiver's sole
// stopping condition; no end-of-stream sentinel exists.
type Metadata struct {
	TransferID     string `json:"transfer_id"`
	FileName       string `json:"file_name"`
	OriginalSize   int64  `json:"original_size"`
	CompressedSize int64  `json:"compressed_size"`
	Salt           []byte `json:"salt"`
	TransferCode   string `json:"transfer_code,omitempty"`
	IsCompressed   bool   `json:"is_compressed"`
}

// encode serializes the header including its trailing delimiter.
func (m *Metadata) encode() ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	if len(payload)+1 > MaxHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, len(payload)+1)
	}
	return append(payload, headerDelimiter), nil
}

// decodeMetadata parses and validates one header line (without delimiter).
func decodeMetadata(line []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(line, &m); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if m.TransferID == "" {
		return Metadata{}, fmt.Errorf("%w: missing transfer_id", ErrMalformedHeader)
	}
	// Senders always generate UUID ids; anything else is a peer making ids
	// up, and downstream consumers may rely on the UUID shape.
	if _, err := uuid.Parse(m.TransferID); err != nil {
		return Metadata{}, fmt.Errorf("%w: transfer_id is not a UUID", ErrMalformedHeader)
	}
	if m.FileName == "" {
		return Metadata{}, fmt.Errorf("%w: missing file_name", ErrMalformedHeader)
	}
	if m.OriginalSize < 0 || m.CompressedSize < 0 {
		return Metadata{}, fmt.Errorf("%w: negative size", ErrMalformedHeader)
	}
	if len(m.Salt) != crypto.SaltSize {
		return Metadata{}, fmt.Errorf("%w: salt must be %d bytes, got %d",
			ErrMalformedHeader, crypto.SaltSize, len(m.Salt))
	}
	return m, nil
}

// readHeader accumulates bytes from the connection until the delimiter is
// seen, however the peer fragments its writes, and returns the parsed header
// together with any bytes read past the delimiter. Those remainder bytes are
// the start of the body and must not be discarded.
func readHeader(conn net.Conn, timeout time.Duration) (Metadata, []byte, error) {
	var acc []byte
	buf := make([]byte, 1024)

	for {
		if timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return Metadata{}, nil, newOpError("read header", conn.RemoteAddr().String(), err)
			}
		}
		n, err := conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
		}

		// The delimiter may arrive in the same read that reports EOF, so it
		// is checked before the read error.
		if idx := bytes.IndexByte(acc, headerDelimiter); idx >= 0 {
			m, derr := decodeMetadata(acc[:idx])
			if derr != nil {
				return Metadata{}, nil, derr
			}
			return m, acc[idx+1:], nil
		}
		if len(acc) > MaxHeaderSize {
			return Metadata{}, nil, ErrHeaderTooLarge
		}
		if err != nil {
			return Metadata{}, nil, newOpError("read header", conn.RemoteAddr().String(),
				fmt.Errorf("%w: %v", ErrMalformedHeader, err))
		}
	}
}
