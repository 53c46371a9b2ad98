package codec

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// ChunkSize is the number of bytes moved per read/write during streaming
// compression and decompression. Memory use stays bounded regardless of
// file size.
const ChunkSize = 4096

// compressedSuffix is appended to a source path to name its compressed artifact.
const compressedSuffix = ".zst"

// ErrSourceNotFound indicates the file to compress does not exist.
var ErrSourceNotFound = errors.New("source file not found")

// Compress compresses the file at sourcePath into a new artifact next to it,
// streaming in fixed-size chunks. It returns the artifact path. The artifact
// is only valid when Compress returns without error; on failure any partial
// output is removed.
func Compress(sourcePath string) (string, error) {
	return CompressTo(sourcePath, sourcePath+compressedSuffix)
}

// CompressTo compresses sourcePath into outputPath.
func CompressTo(sourcePath, outputPath string) (string, error) {
	logrus.WithFields(logrus.Fields{
		"function": "CompressTo",
		"source":   sourcePath,
		"output":   outputPath,
	}).Debug("Compressing file")

	in, err := os.Open(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrSourceNotFound, sourcePath)
		}
		return "", fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		out.Close()
		os.Remove(outputPath)
		return "", fmt.Errorf("init encoder: %w", err)
	}

	if err := stream(enc, in); err != nil {
		enc.Close()
		out.Close()
		os.Remove(outputPath)
		return "", fmt.Errorf("compress %s: %w", sourcePath, err)
	}

	// Close flushes the final frame; the artifact is not complete without it.
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(outputPath)
		return "", fmt.Errorf("finalize artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(outputPath)
		return "", fmt.Errorf("close artifact: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "CompressTo",
		"output":   outputPath,
	}).Debug("File compressed")

	return outputPath, nil
}

// Decompress reconstructs the original bytes of a compressed artifact into
// destPath. Truncated or corrupt input fails, and the partial destination is
// removed so callers never mistake it for a valid file.
func Decompress(artifactPath, destPath string) error {
	logrus.WithFields(logrus.Fields{
		"function": "Decompress",
		"artifact": artifactPath,
		"dest":     destPath,
	}).Debug("Decompressing artifact")

	in, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("init decoder: %w", err)
	}
	defer dec.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	if err := stream(out, dec); err != nil {
		out.Close()
		os.Remove(destPath)
		return fmt.Errorf("decompress %s: %w", artifactPath, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("close destination: %w", err)
	}

	return nil
}

// stream moves bytes from src to dst in ChunkSize pieces.
func stream(dst io.Writer, src io.Reader) error {
	buf := make([]byte, ChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
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
