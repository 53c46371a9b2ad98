package registry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"
)

// CodeLength is the number of digits in a human-shareable transfer code.
const CodeLength = 6

// DefaultCodeTTL is how long a pickup code stays valid after registration.
const DefaultCodeTTL = 10 * time.Minute

// codeRegisterAttempts bounds collision retries in NewCode.
const codeRegisterAttempts = 5

// ErrCodeInUse indicates the code is already bound to a different transfer.
// Codes are never silently overwritten.
var ErrCodeInUse = errors.New("transfer code already in use")

// ErrCodeExhausted indicates repeated collisions while generating a code.
var ErrCodeExhausted = errors.New("could not generate an unused transfer code")

type codeEntry struct {
	transferID string
	createdAt  time.Time
}

// GenerateCode produces a random numeric code of CodeLength digits.
func GenerateCode() (string, error) {
	code := make([]byte, CodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		code[i] = byte('0' + n.Int64())
	}
	return string(code), nil
}

// validCode reports whether code has the expected shape.
func validCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// RegisterCode binds a pickup code to a transfer id. Binding the same pair
// again is a no-op; binding a code that maps to a different id fails with
// ErrCodeInUse.
func (r *Registry) RegisterCode(code, transferID string) error {
	if !validCode(code) {
		return fmt.Errorf("register code %q: malformed", code)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.codes[code]; ok && entry.transferID != transferID {
		return fmt.Errorf("%w: %s", ErrCodeInUse, code)
	}
	r.codes[code] = &codeEntry{transferID: transferID, createdAt: r.clock.Now()}

	logrus.WithFields(logrus.Fields{
		"function":    "RegisterCode",
		"transfer_id": transferID,
		"code":        code,
	}).Info("Transfer code registered")

	return nil
}

// NewCode generates and registers a fresh pickup code for a transfer,
// retrying on the (unlikely) collision with a live code.
func (r *Registry) NewCode(transferID string) (string, error) {
	for attempt := 0; attempt < codeRegisterAttempts; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return "", err
		}
		switch err := r.RegisterCode(code, transferID); {
		case err == nil:
			return code, nil
		case errors.Is(err, ErrCodeInUse):
			continue
		default:
			return "", err
		}
	}
	return "", ErrCodeExhausted
}

// LookupCode resolves a pickup code to its transfer record. Unknown,
// malformed, and expired codes all return false; expired entries are removed
// on the way out.
func (r *Registry) LookupCode(code string) (TransferRecord, bool) {
	if !validCode(code) {
		return TransferRecord{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.codes[code]
	if !ok {
		return TransferRecord{}, false
	}
	if r.clock.Since(entry.createdAt) > r.codeTTL {
		delete(r.codes, code)
		logrus.WithFields(logrus.Fields{
			"function": "LookupCode",
			"code":     code,
		}).Debug("Expired transfer code dropped")
		return TransferRecord{}, false
	}

	rec, ok := r.records[entry.transferID]
	if !ok {
		return TransferRecord{}, false
	}
	return *rec, true
}

// ReleaseCode removes a pickup-code binding, typically when its transfer
// completes or fails.
func (r *Registry) ReleaseCode(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.codes, code)
}

// ReleaseCodeFor removes whatever code is bound to the given transfer id.
func (r *Registry) ReleaseCodeFor(transferID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for code, entry := range r.codes {
		if entry.transferID == transferID {
			delete(r.codes, code)
			return
		}
	}
}
