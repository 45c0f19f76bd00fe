// Package validator runs the submission pipeline: structural checks against
// the issuing job, RandomX proof-of-work verification, and target
// comparison.
package validator

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/roundnews/monerowebcoordinator/internal/jobs"
	"github.com/roundnews/monerowebcoordinator/internal/randomx"
)

// minBlobLen is the shortest plausible Monero block-hashing blob; anything
// shorter is malformed input, not a legitimate share.
const minBlobLen = 76

var (
	ErrBadHex           = errors.New("validator: blob is not valid hex")
	ErrBlobTooShort     = errors.New("validator: blob shorter than minimum length")
	ErrReservedOverflow = errors.New("validator: reserved region exceeds blob length")
	ErrReservedMismatch = errors.New("validator: reserved region does not match issued job")
)

// Validator verifies submitted blobs against the job that issued them and
// computes/compares RandomX proof-of-work.
type Validator struct {
	mu       sync.RWMutex
	ctx      *randomx.Context
	seedHash string
}

// New creates a Validator with no RandomX context yet primed; the first
// submission for any seed hash triggers an initial cache build.
func New() *Validator {
	return &Validator{}
}

// ValidateStructure decodes blobHex and checks it against job: minimum
// length, reserved-region bounds, and a byte-exact match against the
// reserved value the job was minted with.
func (v *Validator) ValidateStructure(blobHex string, job *jobs.Job) ([]byte, error) {
	blob, err := hex.DecodeString(blobHex)
	if err != nil {
		return nil, ErrBadHex
	}
	if len(blob) < minBlobLen {
		return nil, ErrBlobTooShort
	}
	end := job.ReservedOffset + len(job.ReservedValue)
	if end > len(blob) {
		return nil, ErrReservedOverflow
	}
	if !bytes.Equal(blob[job.ReservedOffset:end], job.ReservedValue) {
		return nil, ErrReservedMismatch
	}
	return blob, nil
}

// EnsureSeed rebuilds the RandomX cache if seedHash differs from the one
// currently cached. Rebuilds are serialized behind the Validator's lock and
// are a no-op when the seed already matches, the common case, since Monero
// only rotates the seed roughly every 2048 blocks.
func (v *Validator) EnsureSeed(seedHash string) error {
	v.mu.RLock()
	if v.ctx != nil && v.seedHash == seedHash {
		v.mu.RUnlock()
		return nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.ctx != nil && v.seedHash == seedHash {
		return nil
	}

	// The daemon reports the seed as a hex string; the RandomX key is its
	// decoded bytes.
	key, err := hex.DecodeString(seedHash)
	if err != nil {
		key = []byte(seedHash)
	}

	ctx, err := randomx.NewContext(randomx.FlagDefault)
	if err != nil {
		return fmt.Errorf("validator: new randomx context: %w", err)
	}
	if err := ctx.InitCache(key); err != nil {
		return fmt.Errorf("validator: init randomx cache: %w", err)
	}

	if v.ctx != nil {
		v.ctx.Close()
	}
	v.ctx = ctx
	v.seedHash = seedHash
	return nil
}

// ComputeHash runs RandomX on blob using the currently cached context. Call
// EnsureSeed first for the job's seed hash.
func (v *Validator) ComputeHash(blob []byte) ([32]byte, error) {
	v.mu.RLock()
	ctx := v.ctx
	v.mu.RUnlock()

	if ctx == nil {
		return [32]byte{}, errors.New("validator: randomx context not primed")
	}
	return ctx.CalculateHash(blob)
}

// CheckMeetsTarget compares hash against target as little-endian 256-bit
// integers, scanning from the most significant byte down. Equal arrays
// count as meeting the target (see the design notes on this convention).
func CheckMeetsTarget(hash, target [32]byte) bool {
	for i := 31; i >= 0; i-- {
		if hash[i] < target[i] {
			return true
		}
		if hash[i] > target[i] {
			return false
		}
	}
	return true
}

// Close releases the RandomX context, if any.
func (v *Validator) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ctx != nil {
		v.ctx.Close()
		v.ctx = nil
	}
}
