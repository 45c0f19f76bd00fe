// Package randomx provides Go bindings for the RandomX proof-of-work algorithm
// used by Monero and verified here against miner submissions.
//
// Seed epoch:
//   - The active dataset/cache is keyed by a seed hash supplied by the daemon.
//   - Monero rotates the seed roughly every 2048 blocks.
//
// Thread Safety:
//   - Context initialization is NOT thread-safe.
//   - VM instances are NOT thread-safe; create one VM per goroutine from a
//     shared Context.
//   - Multiple VMs can share the same cache (read-only after init).
package randomx

/*
#cgo CFLAGS: -I${SRCDIR}/include
#cgo LDFLAGS: -L${SRCDIR}/lib -lrandomx -lstdc++ -lm
#cgo linux LDFLAGS: -lpthread
#cgo darwin LDFLAGS: -lpthread

#include <stdlib.h>
#include <randomx.h>
*/
import "C"
import (
	"errors"
	"sync"
	"unsafe"
)

// HashSize is the size of a RandomX hash output in bytes.
const HashSize = 32

// KeySize is the recommended size for the RandomX key (seed).
const KeySize = 32

// KeyBlockInterval is how often Monero rotates the RandomX seed, in blocks.
const KeyBlockInterval = 2048

// Flag represents RandomX initialization flags.
type Flag uint32

const (
	FlagDefault     Flag = 0
	FlagLargePages  Flag = 1 << 0
	FlagHardAES     Flag = 1 << 1
	FlagFullMem     Flag = 1 << 2
	FlagJIT         Flag = 1 << 3
	FlagSecure      Flag = 1 << 4
	FlagArgon2SSSE3 Flag = 1 << 5
	FlagArgon2AVX2  Flag = 1 << 6
	FlagArgon2      Flag = 1 << 7
)

// GetFlags returns the recommended flags for the current CPU.
func GetFlags() Flag {
	return Flag(C.randomx_get_flags())
}

var (
	ErrCacheAllocation = errors.New("randomx: failed to allocate cache")
	ErrVMCreation      = errors.New("randomx: failed to create VM")
	ErrNotInitialized  = errors.New("randomx: context not initialized")
	ErrInvalidKey      = errors.New("randomx: invalid key")
)

// Context holds the RandomX cache for one seed epoch. It is NOT thread-safe
// for initialization, but CreateVM/CalculateHash may be called concurrently
// once InitCache has completed.
//
// The coordinator runs Context in light mode only (cache, no full dataset):
// it verifies occasional submissions rather than mining at full rate, so the
// much smaller memory footprint is the right trade against hash speed.
type Context struct {
	flags Flag
	cache *C.randomx_cache
	key   []byte
	mu    sync.RWMutex
}

// NewContext creates a new RandomX context with the specified flags combined
// with the flags recommended for the current CPU. Call InitCache before use.
func NewContext(flags Flag) (*Context, error) {
	return &Context{flags: flags | GetFlags()}, nil
}

// InitCache (re)initializes the cache with the given seed key, releasing any
// previously held cache first. InitCache holds the Context's write lock
// across the whole rebuild; rebuilds are rare (once per ~2048-block epoch)
// so the brief exclusivity is not a bottleneck.
func (c *Context) InitCache(key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(key) == 0 {
		return ErrInvalidKey
	}

	if c.cache != nil {
		C.randomx_release_cache(c.cache)
		c.cache = nil
	}

	c.cache = C.randomx_alloc_cache(C.randomx_flags(c.flags))
	if c.cache == nil {
		return ErrCacheAllocation
	}

	keyPtr := (*C.char)(unsafe.Pointer(&key[0]))
	C.randomx_init_cache(c.cache, unsafe.Pointer(keyPtr), C.size_t(len(key)))

	c.key = append([]byte(nil), key...)
	return nil
}

// CreateVM creates a new light-mode virtual machine for hashing. Each
// goroutine should have its own VM.
func (c *Context) CreateVM() (*VM, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cache == nil {
		return nil, ErrNotInitialized
	}

	vm := C.randomx_create_vm(C.randomx_flags(c.flags), c.cache, nil)
	if vm == nil {
		return nil, ErrVMCreation
	}

	return &VM{vm: vm}, nil
}

// CalculateHash computes a single RandomX hash, creating and discarding a VM
// for the call. Convenient for the validator's one-off verifications. The
// read lock is held for the whole call, so InitCache and Close wait for an
// in-flight hash before releasing the cache.
func (c *Context) CalculateHash(input []byte) ([HashSize]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cache == nil {
		return [HashSize]byte{}, ErrNotInitialized
	}

	vm := C.randomx_create_vm(C.randomx_flags(c.flags), c.cache, nil)
	if vm == nil {
		return [HashSize]byte{}, ErrVMCreation
	}
	v := &VM{vm: vm}
	defer v.Close()

	return v.CalculateHash(input), nil
}

// GetKey returns a copy of the currently cached seed key, or nil if
// uninitialized.
func (c *Context) GetKey() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.key == nil {
		return nil
	}
	return append([]byte(nil), c.key...)
}

// Close releases all resources held by the context.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cache != nil {
		C.randomx_release_cache(c.cache)
		c.cache = nil
	}
	c.key = nil
}

// VM is a RandomX virtual machine for computing hashes. It is NOT
// thread-safe; each goroutine should have its own VM.
type VM struct {
	vm *C.randomx_vm
}

// CalculateHash computes the RandomX hash of the input.
func (v *VM) CalculateHash(input []byte) [HashSize]byte {
	var hash [HashSize]byte

	if len(input) == 0 {
		var zero byte
		C.randomx_calculate_hash(v.vm, unsafe.Pointer(&zero), C.size_t(0), unsafe.Pointer(&hash[0]))
	} else {
		C.randomx_calculate_hash(v.vm, unsafe.Pointer(&input[0]), C.size_t(len(input)), unsafe.Pointer(&hash[0]))
	}

	return hash
}

// Close releases the VM resources.
func (v *VM) Close() {
	if v.vm != nil {
		C.randomx_destroy_vm(v.vm)
		v.vm = nil
	}
}
