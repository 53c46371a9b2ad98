package registry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status represents the lifecycle state of a transfer attempt.
type Status string

const (
	// StatusConnecting indicates the sender is preparing and dialing the peer.
	StatusConnecting Status = "connecting"
	// StatusWaiting indicates a registered transfer waiting for pickup.
	StatusWaiting Status = "waiting"
	// StatusSending indicates payload bytes are flowing to the peer.
	StatusSending Status = "sending"
	// StatusReceiving indicates payload bytes are arriving from the peer.
	StatusReceiving Status = "receiving"
	// StatusCompleted indicates the transfer finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the transfer failed; Message holds the reason.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the transfer was aborted by the caller.
	StatusCancelled Status = "cancelled"
)

// TransferRecord tracks one transfer attempt. Records accumulate for the
// lifetime of the process as a log of attempts; they are never deleted.
type TransferRecord struct {
	ID        string
	FileName  string
	Code      string
	Status    Status
	Progress  int
	Message   string
	StartTime time.Time
	FilePath  string
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Registry is the process-wide table of transfer records and pickup codes.
// It is the only shared mutable state in the system; a single mutex guards
// both tables, which is adequate for the expected handful of concurrent
// transfers.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*TransferRecord
	codes   map[string]*codeEntry
	codeTTL time.Duration
	clock   TimeProvider
}

// NewRegistry creates an empty registry with the given pickup-code TTL.
func NewRegistry(codeTTL time.Duration) *Registry {
	return &Registry{
		records: make(map[string]*TransferRecord),
		codes:   make(map[string]*codeEntry),
		codeTTL: codeTTL,
		clock:   DefaultTimeProvider{},
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (r *Registry) SetTimeProvider(tp TimeProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = tp
}

// Create inserts a fresh record for a transfer attempt, progress zero.
func (r *Registry) Create(id, fileName string, status Status) TransferRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &TransferRecord{
		ID:        id,
		FileName:  fileName,
		Status:    status,
		StartTime: r.clock.Now(),
	}
	r.records[id] = rec

	logrus.WithFields(logrus.Fields{
		"function":    "Create",
		"transfer_id": id,
		"file_name":   fileName,
		"status":      status,
	}).Info("Transfer record created")

	return *rec
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (TransferRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return TransferRecord{}, false
	}
	return *rec, true
}

// Records returns a snapshot of every record, for status display.
func (r *Registry) Records() []TransferRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TransferRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// SetStatus updates the status of a record.
func (r *Registry) SetStatus(id string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[id]; ok {
		rec.Status = status
	}
}

// SetProgress updates the progress percentage of a record. Values are
// clamped to 0..100 and never move backwards within a transfer.
func (r *Registry) SetProgress(id string, progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if progress > rec.Progress {
		rec.Progress = progress
	}
}

// SetCode records the pickup code bound to a transfer.
func (r *Registry) SetCode(id, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[id]; ok {
		rec.Code = code
	}
}

// SetMessage records the latest human-readable note for a transfer, such as
// the failure reason.
func (r *Registry) SetMessage(id, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[id]; ok {
		rec.Message = message
	}
}

// SetFileName fills in the file name once it is known (receive side learns
// it from the metadata header).
func (r *Registry) SetFileName(id, fileName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[id]; ok {
		rec.FileName = fileName
	}
}

// SetFilePath records the final destination of a received file.
func (r *Registry) SetFilePath(id, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[id]; ok {
		rec.FilePath = path
	}
}
