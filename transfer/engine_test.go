package transfer

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/flux/crypto"
	"github.com/opd-ai/flux/registry"
)

const testPassword = "correct horse battery staple"

func TestMain(m *testing.M) {
	// Engine logging drowns out test output at the default level.
	logrus.SetLevel(logrus.WarnLevel)
	os.Exit(m.Run())
}

type progressEvent struct {
	progress int
	message  string
}

// sinkRecorder captures every sink invocation per transfer id.
type sinkRecorder struct {
	mu     sync.Mutex
	events map[string][]progressEvent
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{events: make(map[string][]progressEvent)}
}

func (s *sinkRecorder) notify(transferID string, progress int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[transferID] = append(s.events[transferID], progressEvent{progress, message})
}

func (s *sinkRecorder) progressValues(transferID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.events[transferID]))
	for _, ev := range s.events[transferID] {
		out = append(out, ev.progress)
	}
	return out
}

// newReceiver starts a listening engine on an ephemeral port.
func newReceiver(t *testing.T, password string) (*Engine, *sinkRecorder, string, string) {
	t.Helper()

	saveDir := t.TempDir()
	sink := newSinkRecorder()
	engine := NewEngine(Config{
		SaveDir:   saveDir,
		Password:  password,
		IOTimeout: 5 * time.Second,
	}, registry.NewRegistry(registry.DefaultCodeTTL), sink.notify)
	require.NoError(t, engine.Listen())
	t.Cleanup(func() { engine.Close() })

	addr, err := engine.Addr()
	require.NoError(t, err)
	return engine, sink, saveDir, addr.String()
}

// newSender builds a send-only engine.
func newSender(t *testing.T) (*Engine, *sinkRecorder) {
	t.Helper()

	sink := newSinkRecorder()
	engine := NewEngine(Config{
		IOTimeout: 5 * time.Second,
	}, registry.NewRegistry(registry.DefaultCodeTTL), sink.notify)
	t.Cleanup(func() { engine.Close() })
	return engine, sink
}

// writeTestFile creates a file of deterministic pseudorandom content.
func writeTestFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()

	content := make([]byte, size)
	rng := rand.New(rand.NewSource(42))
	rng.Read(content)

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path, content
}

func waitForStatus(t *testing.T, reg *registry.Registry, id string, want registry.Status) registry.TransferRecord {
	t.Helper()

	var rec registry.TransferRecord
	require.Eventually(t, func() bool {
		var ok bool
		rec, ok = reg.Get(id)
		return ok && rec.Status == want
	}, 15*time.Second, 10*time.Millisecond, "transfer %s never reached status %s", id, want)
	return rec
}

func requireMonotonicToHundred(t *testing.T, values []int) {
	t.Helper()

	require.NotEmpty(t, values)
	last := 0
	for i, v := range values {
		assert.GreaterOrEqual(t, v, last, "progress moved backwards at event %d", i)
		last = v
	}
	assert.Equal(t, 100, values[len(values)-1], "progress must end at exactly 100")
}

func TestEndToEndTransfer(t *testing.T) {
	receiver, recvSink, saveDir, addr := newReceiver(t, testPassword)
	sender, sendSink := newSender(t)

	source, content := writeTestFile(t, "report.pdf", 10*1024*1024)

	id, err := sender.Send(context.Background(), addr, source, testPassword)
	require.NoError(t, err)

	sendRec := waitForStatus(t, sender.Registry(), id, registry.StatusCompleted)
	assert.Equal(t, 100, sendRec.Progress)
	assert.Equal(t, "report.pdf", sendRec.FileName)

	recvRec := waitForStatus(t, receiver.Registry(), id, registry.StatusCompleted)
	assert.Equal(t, 100, recvRec.Progress)
	assert.Equal(t, filepath.Join(saveDir, "report.pdf"), recvRec.FilePath)

	got, err := os.ReadFile(filepath.Join(saveDir, "report.pdf"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got), "received file must be byte-identical")

	// The save directory must hold only the final file: every in-flight
	// artifact is cleaned up on completion.
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(saveDir)
		return err == nil && len(entries) == 1 && entries[0].Name() == "report.pdf"
	}, 5*time.Second, 20*time.Millisecond, "temporary artifacts must not remain in the save directory")

	requireMonotonicToHundred(t, sendSink.progressValues(id))
	requireMonotonicToHundred(t, recvSink.progressValues(id))
}

func TestEndToEndEmptyFile(t *testing.T) {
	receiver, _, saveDir, addr := newReceiver(t, testPassword)
	sender, _ := newSender(t)

	source := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(source, nil, 0o644))

	id, err := sender.Send(context.Background(), addr, source, testPassword)
	require.NoError(t, err)

	waitForStatus(t, sender.Registry(), id, registry.StatusCompleted)
	waitForStatus(t, receiver.Registry(), id, registry.StatusCompleted)

	got, err := os.ReadFile(filepath.Join(saveDir, "empty.bin"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWrongPasswordFailsReceive(t *testing.T) {
	receiver, _, saveDir, addr := newReceiver(t, "receiver-password")
	sender, _ := newSender(t)

	source, _ := writeTestFile(t, "secret.bin", 128*1024)

	id, err := sender.Send(context.Background(), addr, source, "sender-password")
	require.NoError(t, err)

	// The sender cannot tell; it pushed all its bytes.
	waitForStatus(t, sender.Registry(), id, registry.StatusCompleted)

	// The receiver's decrypt fails authentication and nothing is written.
	rec := waitForStatus(t, receiver.Registry(), id, registry.StatusFailed)
	assert.Contains(t, rec.Message, "decrypt")
	assert.NoFileExists(t, filepath.Join(saveDir, "secret.bin"))
}

func TestSendMissingSource(t *testing.T) {
	sender, _ := newSender(t)

	_, err := sender.Send(context.Background(), "127.0.0.1:1", filepath.Join(t.TempDir(), "nope.bin"), testPassword)
	require.Error(t, err)
}

func TestSendUnreachableTarget(t *testing.T) {
	sender, _ := newSender(t)

	// Reserve a port and close it again so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	source, _ := writeTestFile(t, "file.bin", 4096)
	id, err := sender.Send(context.Background(), addr, source, testPassword)
	require.NoError(t, err, "Send itself succeeds; the dial failure is reported through the record")

	rec := waitForStatus(t, sender.Registry(), id, registry.StatusFailed)
	assert.Contains(t, rec.Message, "dial")
}

func TestSendRegistersPickupCode(t *testing.T) {
	receiver, _, _, addr := newReceiver(t, testPassword)
	_ = receiver

	sender, _ := newSender(t)
	source, _ := writeTestFile(t, "file.bin", 64*1024)

	id, err := sender.Send(context.Background(), addr, source, testPassword)
	require.NoError(t, err)

	rec, ok := sender.Registry().Get(id)
	require.True(t, ok)
	require.Len(t, rec.Code, registry.CodeLength)

	byCode, ok := sender.Registry().LookupCode(rec.Code)
	require.True(t, ok)
	assert.Equal(t, id, byCode.ID)

	// The code is released once the transfer is over.
	waitForStatus(t, sender.Registry(), id, registry.StatusCompleted)
	require.Eventually(t, func() bool {
		_, ok := sender.Registry().LookupCode(rec.Code)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

// rawHeader builds a wire header for hand-rolled sender connections.
func rawHeader(t *testing.T, id, fileName string, compressedSize int64) []byte {
	t.Helper()

	salt, err := crypto.GenerateSalt()
	require.NoError(t, err)
	m := Metadata{
		TransferID:     id,
		FileName:       fileName,
		OriginalSize:   compressedSize,
		CompressedSize: compressedSize,
		Salt:           salt,
		IsCompressed:   true,
	}
	payload, err := m.encode()
	require.NoError(t, err)
	return payload
}

func TestShortBodyFailsWithoutArtifacts(t *testing.T) {
	receiver, _, saveDir, addr := newReceiver(t, testPassword)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	id := uuid.NewString()
	_, err = conn.Write(rawHeader(t, id, "truncated.bin", 1000))
	require.NoError(t, err)
	_, err = conn.Write(make([]byte, 400))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	rec := waitForStatus(t, receiver.Registry(), id, registry.StatusFailed)
	assert.Contains(t, rec.Message, "got 400 of 1000")

	// No decompression was attempted and the partial artifact is gone.
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(saveDir)
		return err == nil && len(entries) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUnsafeFileNameRejected(t *testing.T) {
	receiver, _, saveDir, addr := newReceiver(t, testPassword)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	id := uuid.NewString()
	_, err = conn.Write(rawHeader(t, id, "..", 100))
	require.NoError(t, err)

	rec := waitForStatus(t, receiver.Registry(), id, registry.StatusFailed)
	assert.Contains(t, rec.Message, "unsafe file name")

	entries, err := os.ReadDir(saveDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrentReceivesAreIsolated(t *testing.T) {
	receiver, _, saveDir, addr := newReceiver(t, testPassword)
	sender, _ := newSender(t)

	// A hand-rolled connection that will fail short, racing a good transfer.
	badConn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	badID := uuid.NewString()
	_, err = badConn.Write(rawHeader(t, badID, "bad.bin", 5000))
	require.NoError(t, err)
	_, err = badConn.Write(make([]byte, 100))
	require.NoError(t, err)

	sourceA, contentA := writeTestFile(t, "alpha.bin", 2*1024*1024)
	sourceB, contentB := writeTestFile(t, "beta.bin", 1024*1024)

	idA, err := sender.Send(context.Background(), addr, sourceA, testPassword)
	require.NoError(t, err)
	idB, err := sender.Send(context.Background(), addr, sourceB, testPassword)
	require.NoError(t, err)

	require.NoError(t, badConn.Close())

	waitForStatus(t, receiver.Registry(), idA, registry.StatusCompleted)
	waitForStatus(t, receiver.Registry(), idB, registry.StatusCompleted)
	waitForStatus(t, receiver.Registry(), badID, registry.StatusFailed)

	gotA, err := os.ReadFile(filepath.Join(saveDir, "alpha.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(contentA, gotA))

	gotB, err := os.ReadFile(filepath.Join(saveDir, "beta.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(contentB, gotB))
}

func TestCancelInboundTransfer(t *testing.T) {
	receiver, _, saveDir, addr := newReceiver(t, testPassword)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	id := uuid.NewString()
	_, err = conn.Write(rawHeader(t, id, "stalled.bin", 100000))
	require.NoError(t, err)
	_, err = conn.Write(make([]byte, 8192))
	require.NoError(t, err)

	// Wait for the handler to be mid-body, then abort it.
	require.Eventually(t, func() bool {
		rec, ok := receiver.Registry().Get(id)
		return ok && rec.Status == registry.StatusReceiving && rec.Progress > 0
	}, 10*time.Second, 10*time.Millisecond)

	require.True(t, receiver.Cancel(id))

	rec := waitForStatus(t, receiver.Registry(), id, registry.StatusCancelled)
	assert.Contains(t, rec.Message, "cancelled")

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(saveDir)
		return err == nil && len(entries) == 0
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return !receiver.Cancel(id)
	}, 5*time.Second, 10*time.Millisecond, "finished transfer must no longer be cancellable")
}

func TestFailedRecordKeepsLastProgress(t *testing.T) {
	receiver, _, _, addr := newReceiver(t, testPassword)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	id := uuid.NewString()
	_, err = conn.Write(rawHeader(t, id, "partial.bin", 10000))
	require.NoError(t, err)
	_, err = conn.Write(make([]byte, 5000))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	rec := waitForStatus(t, receiver.Registry(), id, registry.StatusFailed)
	assert.Equal(t, 50, rec.Progress, "failed record keeps the last progress value reached")
}

func TestNormalizeAddr(t *testing.T) {
	e := NewEngine(Config{Port: 7000}, registry.NewRegistry(registry.DefaultCodeTTL), nil)
	t.Cleanup(func() { e.Close() })

	assert.Equal(t, "192.168.1.20:7000", e.normalizeAddr("192.168.1.20"))
	assert.Equal(t, "192.168.1.20:9999", e.normalizeAddr("192.168.1.20:9999"))

	def := NewEngine(Config{}, registry.NewRegistry(registry.DefaultCodeTTL), nil)
	t.Cleanup(func() { def.Close() })
	assert.Equal(t, fmt.Sprintf("10.0.0.1:%d", DefaultPort), def.normalizeAddr("10.0.0.1"))
}

func TestSendAfterClose(t *testing.T) {
	sender, _ := newSender(t)
	require.NoError(t, sender.Close())

	source, _ := writeTestFile(t, "file.bin", 128)
	_, err := sender.Send(context.Background(), "127.0.0.1:1", source, testPassword)
	assert.ErrorIs(t, err, ErrEngineClosed)

	// A rejected send leaves nothing behind: no record and no pickup code.
	assert.Empty(t, sender.Registry().Records())
}
