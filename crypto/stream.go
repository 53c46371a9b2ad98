package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// ChunkSize is the plaintext chunk length used by the file filters. Each
// chunk becomes one sealed frame on disk.
const ChunkSize = 4096

// MaxFrameSize bounds a single encrypted frame. Frames larger than this are
// rejected during decryption to prevent memory exhaustion from a corrupted
// or hostile length prefix.
const MaxFrameSize = 65536

// ErrFrameTooLarge indicates a frame length prefix beyond MaxFrameSize.
var ErrFrameTooLarge = errors.New("encrypted frame exceeds maximum size")

// ErrTruncatedFrame indicates an artifact that ends mid-frame.
var ErrTruncatedFrame = errors.New("encrypted artifact truncated mid-frame")

// EncryptFile streams srcPath through authenticated encryption into dstPath.
// The output is a sequence of frames, each a 4-byte big-endian length prefix
// followed by one sealed chunk, so arbitrarily large files are processed with
// bounded memory. On failure the partial destination is removed.
func EncryptFile(srcPath, dstPath string, key []byte) error {
	logrus.WithFields(logrus.Fields{
		"function": "EncryptFile",
		"source":   srcPath,
		"dest":     dstPath,
	}).Debug("Encrypting artifact")

	if _, err := newGCM(key); err != nil {
		return err
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	if err := encryptStream(out, in, key); err != nil {
		out.Close()
		os.Remove(dstPath)
		return fmt.Errorf("encrypt %s: %w", srcPath, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dstPath)
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}

// DecryptFile reverses EncryptFile. It fails on any frame that does not
// authenticate, on a truncated trailing frame, and on oversized frame
// lengths; the partial destination is removed so untrusted output is never
// left behind.
func DecryptFile(srcPath, dstPath string, key []byte) error {
	logrus.WithFields(logrus.Fields{
		"function": "DecryptFile",
		"source":   srcPath,
		"dest":     dstPath,
	}).Debug("Decrypting artifact")

	if _, err := newGCM(key); err != nil {
		return err
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	if err := decryptStream(out, in, key); err != nil {
		out.Close()
		os.Remove(dstPath)
		return fmt.Errorf("decrypt %s: %w", srcPath, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dstPath)
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}

func encryptStream(dst io.Writer, src io.Reader, key []byte) error {
	buf := make([]byte, ChunkSize)
	prefix := make([]byte, 4)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			frame, serr := EncryptChunk(buf[:n], key)
			if serr != nil {
				return serr
			}
			binary.BigEndian.PutUint32(prefix, uint32(len(frame)))
			if _, werr := dst.Write(prefix); werr != nil {
				return werr
			}
			if _, werr := dst.Write(frame); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func decryptStream(dst io.Writer, src io.Reader, key []byte) error {
	prefix := make([]byte, 4)
	for {
		if _, err := io.ReadFull(src, prefix); err != nil {
			if err == io.EOF {
				return nil
			}
			// A partial length prefix means the artifact was cut off.
			return ErrTruncatedFrame
		}

		frameLen := binary.BigEndian.Uint32(prefix)
		if frameLen > MaxFrameSize {
			return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, frameLen)
		}

		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(src, frame); err != nil {
			return ErrTruncatedFrame
		}

		plain, err := DecryptChunk(frame, key)
		if err != nil {
			return err
		}
		if _, err := dst.Write(plain); err != nil {
			return err
		}
	}
}
