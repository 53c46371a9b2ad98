package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/flux/codec"
	"github.com/opd-ai/flux/crypto"
	"github.com/opd-ai/flux/registry"
)

// DefaultPort is the fixed service port shared by all receivers.
const DefaultPort = 5555

// DefaultChunkSize is the number of bytes moved per socket read/write.
const DefaultChunkSize = 4096

// DefaultMaxInbound caps simultaneous inbound connection handlers.
const DefaultMaxInbound = 8

// DefaultIOTimeout is the deadline applied to each socket read and write.
// The base design had none, which lets a hung peer stall a handler forever;
// a per-operation deadline is the documented deviation.
const DefaultIOTimeout = 60 * time.Second

// DefaultDialTimeout bounds the outbound connection attempt.
const DefaultDialTimeout = 30 * time.Second

// ProgressFunc is the notification sink contract: invoked synchronously from
// whichever goroutine drives the transfer, once per chunk with no
// throttling. It must be safe to call concurrently for different transfer
// ids and must not block for long, since a slow sink stalls the transfer
// calling it.
type ProgressFunc func(transferID string, progress int, message string)

// Config carries the engine's tunables. Zero values are replaced by the
// defaults above.
type Config struct {
	// Port is the TCP service port used for listening and as the default
	// port for outbound sends. Zero listens on an OS-assigned port; the
	// configuration layer defaults it to DefaultPort.
	Port int
	// SaveDir is where received files land. Created if missing.
	SaveDir string
	// Password keys the decryption of inbound transfers.
	Password string
	// ChunkSize is the per-operation socket buffer size.
	ChunkSize int
	// MaxInbound bounds concurrent inbound handlers.
	MaxInbound int
	// IOTimeout is the per-operation socket deadline.
	IOTimeout time.Duration
	// DialTimeout bounds outbound connection establishment.
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxInbound == 0 {
		c.MaxInbound = DefaultMaxInbound
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = DefaultIOTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

// Engine owns the socket lifecycle for both transfer roles: outbound
// connect-and-push sends and the inbound accept loop. It drives payload
// bytes through the compression and encryption filters while keeping the
// registry and the notification sink up to date.
type Engine struct {
	cfg  Config
	reg  *registry.Registry
	sink ProgressFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    chan struct{}

	mu       sync.Mutex
	listener net.Listener
	cancels  map[string]context.CancelFunc
	closed   bool
}

// NewEngine creates a transfer engine. The sink may be nil when no progress
// consumer exists.
func NewEngine(cfg Config, reg *registry.Registry, sink ProgressFunc) *Engine {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	logrus.WithFields(logrus.Fields{
		"function":    "NewEngine",
		"port":        cfg.Port,
		"save_dir":    cfg.SaveDir,
		"max_inbound": cfg.MaxInbound,
	}).Info("Creating transfer engine")

	return &Engine{
		cfg:     cfg,
		reg:     reg,
		sink:    sink,
		ctx:     ctx,
		cancel:  cancel,
		sem:     make(chan struct{}, cfg.MaxInbound),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Registry returns the registry this engine reports into.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// report updates the record's progress and notifies the sink. Every chunk
// reports; nothing is throttled.
func (e *Engine) report(transferID string, progress int, message string) {
	e.reg.SetProgress(transferID, progress)
	e.reg.SetMessage(transferID, message)
	if e.sink != nil {
		e.sink(transferID, progress, message)
	}
}

// trackCancel registers the cancel function that aborts a transfer.
func (e *Engine) trackCancel(transferID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[transferID] = cancel
}

func (e *Engine) clearCancel(transferID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, transferID)
}

// Cancel aborts an in-flight transfer. It reports whether a transfer with
// that id was active.
func (e *Engine) Cancel(transferID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[transferID]
	e.mu.Unlock()

	if !ok {
		return false
	}
	logrus.WithFields(logrus.Fields{
		"function":    "Cancel",
		"transfer_id": transferID,
	}).Info("Cancelling transfer")
	cancel()
	return true
}

// Close shuts the engine down: the accept loop stops, in-flight transfers
// are cancelled, and Close blocks until every handler goroutine has
// returned.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ln := e.listener
	e.listener = nil
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	e.cancel()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	e.wg.Wait()

	logrus.WithField("function", "Close").Info("Transfer engine closed")
	return err
}

// normalizeAddr fills in the engine's service port when the target address
// does not carry one.
func (e *Engine) normalizeAddr(target string) string {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target
	}
	port := e.cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(target, strconv.Itoa(port))
}

// Send starts pushing a file to the target host. It validates the source,
// creates the transfer record and its pickup code, then runs the transfer in
// its own goroutine; multiple simultaneous sends are independent with no
// ordering guarantee. The returned transfer id tracks the attempt in the
// registry. Failures after this point are reported through the record and
// the sink, never retried.
func (e *Engine) Send(ctx context.Context, target, filePath, password string) (string, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return "", fmt.Errorf("source file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("source %s is a directory", filePath)
	}

	transferID := uuid.NewString()
	fileName := filepath.Base(filePath)
	addr := e.normalizeAddr(target)

	sendCtx, cancel := context.WithCancel(ctx)

	// Record creation and goroutine registration happen under the same lock
	// Close takes, so shutdown can never strand a fresh record or its code.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return "", ErrEngineClosed
	}
	e.reg.Create(transferID, fileName, registry.StatusConnecting)
	code, err := e.reg.NewCode(transferID)
	if err != nil {
		e.reg.SetStatus(transferID, registry.StatusFailed)
		e.reg.SetMessage(transferID, err.Error())
		e.mu.Unlock()
		cancel()
		return "", err
	}
	e.reg.SetCode(transferID, code)
	e.cancels[transferID] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "Send",
		"transfer_id":   transferID,
		"file_name":     fileName,
		"original_size": info.Size(),
		"target":        addr,
		"code":          code,
	}).Info("Starting outbound transfer")
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer e.clearCancel(transferID)
		defer e.reg.ReleaseCodeFor(transferID)

		if err := e.runSend(sendCtx, transferID, addr, filePath, info.Size(), code, password); err != nil {
			e.failTransfer(sendCtx, transferID, err)
		}
	}()

	return transferID, nil
}

// failTransfer records a terminal failure (or cancellation) and notifies the
// sink with the last progress value reached.
func (e *Engine) failTransfer(ctx context.Context, transferID string, err error) {
	status := registry.StatusFailed
	if ctx.Err() != nil {
		status = registry.StatusCancelled
		err = fmt.Errorf("transfer cancelled: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "failTransfer",
		"transfer_id": transferID,
		"status":      status,
		"error":       err.Error(),
	}).Error("Transfer did not complete")

	e.reg.SetStatus(transferID, status)
	rec, _ := e.reg.Get(transferID)
	e.report(transferID, rec.Progress, "Error: "+err.Error())
}

// runSend performs the whole send path: compress, encrypt, dial, header,
// stream, teardown. Temporary artifacts are removed on success and failure
// alike.
func (e *Engine) runSend(ctx context.Context, transferID, addr, filePath string, originalSize int64, code, password string) error {
	e.report(transferID, 0, fmt.Sprintf("Transfer code: %s", code))

	zstPath, err := tempArtifactPath("flux-*.zst")
	if err != nil {
		return err
	}
	defer os.Remove(zstPath)

	if _, err := codec.CompressTo(filePath, zstPath); err != nil {
		return err
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	key := crypto.DeriveKey(password, salt)

	encPath, err := tempArtifactPath("flux-*.enc")
	if err != nil {
		return err
	}
	defer os.Remove(encPath)

	if err := crypto.EncryptFile(zstPath, encPath, key); err != nil {
		return err
	}
	os.Remove(zstPath)

	encInfo, err := os.Stat(encPath)
	if err != nil {
		return err
	}
	compressedSize := encInfo.Size()

	dialer := net.Dialer{Timeout: e.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return newOpError("dial", addr, err)
	}
	defer conn.Close()

	// Abort blocking socket calls as soon as the transfer is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	header := Metadata{
		TransferID:     transferID,
		FileName:       filepath.Base(filePath),
		OriginalSize:   originalSize,
		CompressedSize: compressedSize,
		Salt:           salt,
		TransferCode:   code,
		IsCompressed:   true,
	}
	payload, err := header.encode()
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(e.cfg.IOTimeout)); err != nil {
		return newOpError("write header", addr, err)
	}
	if _, err := conn.Write(payload); err != nil {
		return newOpError("write header", addr, err)
	}

	e.reg.SetStatus(transferID, registry.StatusSending)
	e.report(transferID, 0, "Starting transfer...")

	if err := e.streamBody(ctx, conn, encPath, compressedSize, transferID); err != nil {
		return err
	}

	conn.Close()
	os.Remove(encPath)

	e.reg.SetStatus(transferID, registry.StatusCompleted)
	e.report(transferID, 100, "Transfer completed")

	logrus.WithFields(logrus.Fields{
		"function":        "runSend",
		"transfer_id":     transferID,
		"compressed_size": compressedSize,
	}).Info("Outbound transfer completed")

	return nil
}

// streamBody pushes the wire artifact in fixed-size chunks, reporting
// progress after every chunk.
func (e *Engine) streamBody(ctx context.Context, conn net.Conn, artifactPath string, totalSize int64, transferID string) error {
	f, err := os.Open(artifactPath)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, e.cfg.ChunkSize)
	var bytesSent int64
	for bytesSent < totalSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, rerr := f.Read(buf)
		if n > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(e.cfg.IOTimeout)); err != nil {
				return newOpError("write body", conn.RemoteAddr().String(), err)
			}
			if _, werr := conn.Write(buf[:n]); werr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return newOpError("write body", conn.RemoteAddr().String(), werr)
			}
			bytesSent += int64(n)

			progress := percent(bytesSent, totalSize)
			e.report(transferID, progress, fmt.Sprintf("Sending: %d%%", progress))
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return rerr
		}
	}

	if bytesSent != totalSize {
		return fmt.Errorf("artifact shrank mid-send: wrote %d of %d bytes", bytesSent, totalSize)
	}
	return nil
}

// percent computes floor(done/total*100), treating an empty body as done.
func percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(done * 100 / total)
}

// tempArtifactPath reserves a fresh name in the system temp directory for an
// in-flight artifact.
func tempArtifactPath(pattern string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	path := f.Name()
	f.Close()
	return path, nil
}
