package randomx

import (
	"bytes"
	"encoding/hex"
	"runtime"
	"sync"
	"testing"
)

var testVectors = []struct {
	key   string
	input string
	hash  string
}{
	{
		key:   "test key 000",
		input: "This is a test",
		hash:  "639183aae1bf4c9a35884cb46b09cad9175f04efd7684e7262a0ac1c2f0b4e3f",
	},
	{
		key:   "test key 000",
		input: "Lorem ipsum dolor sit amet",
		hash:  "300a0adb47603dedb42228ccb2b211104f4da45af709cd7547cd049e9489c969",
	},
}

func TestNewContext(t *testing.T) {
	ctx, err := NewContext(FlagDefault)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	defer ctx.Close()

	if ctx.GetKey() != nil {
		t.Error("Context should have no key before InitCache")
	}
}

func TestInitCache(t *testing.T) {
	ctx, err := NewContext(FlagDefault)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	defer ctx.Close()

	key := []byte("test key 000")
	if err := ctx.InitCache(key); err != nil {
		t.Fatalf("InitCache failed: %v", err)
	}

	if got := ctx.GetKey(); !bytes.Equal(got, key) {
		t.Errorf("key mismatch: got %x, want %x", got, key)
	}
}

func TestInitCacheEmptyKey(t *testing.T) {
	ctx, err := NewContext(FlagDefault)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	defer ctx.Close()

	if err := ctx.InitCache(nil); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestCreateVMBeforeInit(t *testing.T) {
	ctx, err := NewContext(FlagDefault)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	defer ctx.Close()

	if _, err := ctx.CreateVM(); err != ErrNotInitialized {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestCalculateHash(t *testing.T) {
	ctx, err := NewContext(FlagDefault)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	defer ctx.Close()

	for _, tv := range testVectors {
		if err := ctx.InitCache([]byte(tv.key)); err != nil {
			t.Fatalf("InitCache failed: %v", err)
		}

		hash, err := ctx.CalculateHash([]byte(tv.input))
		if err != nil {
			t.Fatalf("CalculateHash failed: %v", err)
		}

		if got := hex.EncodeToString(hash[:]); got != tv.hash {
			t.Errorf("hash mismatch for input %q:\n  got:  %s\n  want: %s", tv.input, got, tv.hash)
		}
	}
}

func TestConcurrentVMs(t *testing.T) {
	ctx, err := NewContext(FlagDefault)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	defer ctx.Close()

	if err := ctx.InitCache([]byte("test key 000")); err != nil {
		t.Fatalf("InitCache failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < runtime.NumCPU(); i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			vm, err := ctx.CreateVM()
			if err != nil {
				t.Errorf("goroutine %d: CreateVM failed: %v", id, err)
				return
			}
			defer vm.Close()

			for j := 0; j < 10; j++ {
				hash := vm.CalculateHash([]byte("This is a test"))
				if got := hex.EncodeToString(hash[:]); got != "639183aae1bf4c9a35884cb46b09cad9175f04efd7684e7262a0ac1c2f0b4e3f" {
					t.Errorf("goroutine %d, iteration %d: hash mismatch", id, j)
				}
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkCalculateHash(b *testing.B) {
	ctx, err := NewContext(FlagDefault)
	if err != nil {
		b.Fatalf("NewContext failed: %v", err)
	}
	defer ctx.Close()

	if err := ctx.InitCache([]byte("benchmark key")); err != nil {
		b.Fatalf("InitCache failed: %v", err)
	}

	vm, err := ctx.CreateVM()
	if err != nil {
		b.Fatalf("CreateVM failed: %v", err)
	}
	defer vm.Close()

	input := []byte("benchmark input data for randomx hashing")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		vm.CalculateHash(input)
	}
}
