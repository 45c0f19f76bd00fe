// Package jobs mints and tracks per-session work units carved out of the
// current block template by overwriting its reserved region.
package jobs

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBlobTooShort is returned when a template's blob can't hold its own
// declared reserved region.
var ErrBlobTooShort = errors.New("jobs: template blob shorter than reserved region")

// Template is the minimal template data the registry needs to mint a Job;
// callers copy these fields from template.State, so this package does not
// import the template package.
type Template struct {
	TemplateID        uint64
	Height            uint64
	BlockTemplateBlob string
	ReservedOffset    int
	ReserveSize       int
	Difficulty        uint64
	SeedHash          string
}

// Job is a per-session work unit: the template blob with a session-unique
// value written into its reserved region, plus the target that value's
// proof-of-work hash must beat.
type Job struct {
	JobID          string
	TemplateID     uint64
	BlobHex        string
	ReservedOffset int
	ReservedValue  []byte
	Target         [32]byte
	Height         uint64
	SeedHash       string
	CreatedAt      time.Time
}

// Registry stores live jobs keyed by job ID.
type Registry struct {
	mu           sync.RWMutex
	jobs         map[string]*Job
	counter      atomic.Uint64
	staleGraceMs int64
}

// NewRegistry creates an empty registry. staleGraceMs is the grace window a
// job superseded by a newer template is still allowed to complete within.
func NewRegistry(staleGraceMs int64) *Registry {
	return &Registry{
		jobs:         make(map[string]*Job),
		staleGraceMs: staleGraceMs,
	}
}

// Create mints a new Job from tmpl for sessionID. The reserved value is
// built from the session ID bytes followed by the little-endian sequence
// number, fitted to ReserveSize by cutting the session ID short first, so
// reserved values differ whenever (sessionID, seq) differs.
func (r *Registry) Create(tmpl Template, sessionID string) (*Job, error) {
	seq := r.counter.Add(1) - 1
	jobID := fmt.Sprintf("%016x", seq)

	reserved := buildReservedValue(sessionID, seq, tmpl.ReserveSize)

	blob, err := hex.DecodeString(tmpl.BlockTemplateBlob)
	if err != nil {
		return nil, fmt.Errorf("jobs: decode template blob: %w", err)
	}
	if tmpl.ReservedOffset+tmpl.ReserveSize > len(blob) {
		return nil, ErrBlobTooShort
	}
	for i, b := range reserved {
		if tmpl.ReservedOffset+i < len(blob) {
			blob[tmpl.ReservedOffset+i] = b
		}
	}

	job := &Job{
		JobID:          jobID,
		TemplateID:     tmpl.TemplateID,
		BlobHex:        hex.EncodeToString(blob),
		ReservedOffset: tmpl.ReservedOffset,
		ReservedValue:  reserved,
		Target:         DifficultyToTarget(tmpl.Difficulty),
		Height:         tmpl.Height,
		SeedHash:       tmpl.SeedHash,
		CreatedAt:      time.Now(),
	}

	r.mu.Lock()
	r.jobs[jobID] = job
	r.mu.Unlock()

	return job, nil
}

// buildReservedValue writes sessionID's bytes followed by seq's
// little-endian bytes into a buffer of length size. When both do not fit,
// the session ID is truncated so that seq's bytes are kept.
func buildReservedValue(sessionID string, seq uint64, size int) []byte {
	out := make([]byte, size)
	var seqBytes [8]byte
	binary.LittleEndian.PutUint64(seqBytes[:], seq)
	idLen := size - len(seqBytes)
	if idLen < 0 {
		idLen = 0
	}
	if idLen > len(sessionID) {
		idLen = len(sessionID)
	}
	n := copy(out, sessionID[:idLen])
	copy(out[n:], seqBytes[:])
	return out
}

// Get returns the job for jobID, if still live.
func (r *Registry) Get(jobID string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	return job, ok
}

// IsStale reports whether job should be rejected as stale given the
// currently active template ID.
func (r *Registry) IsStale(job *Job, currentTemplateID uint64) bool {
	if job.TemplateID == currentTemplateID {
		return false
	}
	age := time.Since(job.CreatedAt).Milliseconds()
	return age > r.staleGraceMs
}

// Cleanup drops jobs whose age is at least maxAge. Intended to run on a
// periodic timer (every 60s per the design), independent of staleness.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.RLock()
	var toRemove []string
	for id, job := range r.jobs {
		if !job.CreatedAt.After(cutoff) {
			toRemove = append(toRemove, id)
		}
	}
	r.mu.RUnlock()

	if len(toRemove) == 0 {
		return 0
	}

	r.mu.Lock()
	for _, id := range toRemove {
		delete(r.jobs, id)
	}
	r.mu.Unlock()

	return len(toRemove)
}

// 2^256, the dividend for target derivation, computed once.
var maxTargetPlusOne = new(big.Int).Lsh(big.NewInt(1), 256)

// DifficultyToTarget computes floor(2^256 / difficulty) and emits it as a
// 32-byte little-endian buffer (high bytes zero for any difficulty large
// enough to need fewer than 32 bytes). For difficulty <= 1 it returns all
// 0xff, the loosest possible target.
func DifficultyToTarget(difficulty uint64) [32]byte {
	var target [32]byte

	if difficulty <= 1 {
		for i := range target {
			target[i] = 0xff
		}
		return target
	}

	quotient := new(big.Int).Div(maxTargetPlusOne, new(big.Int).SetUint64(difficulty))

	// big.Int.Bytes() is big-endian with no leading zeros; place each byte
	// at its little-endian position in the fixed-size output.
	be := quotient.Bytes()
	for i, b := range be {
		pos := len(be) - 1 - i
		if pos < len(target) {
			target[pos] = b
		}
	}
	return target
}
