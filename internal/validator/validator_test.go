package validator

import (
	"encoding/hex"
	"testing"

	"github.com/roundnews/monerowebcoordinator/internal/jobs"
)

func TestCheckMeetsTarget(t *testing.T) {
	var zero, max, target [32]byte
	target[0] = 0x01

	if !CheckMeetsTarget(zero, target) {
		t.Error("zero hash should meet any positive target")
	}
	for i := range max {
		max[i] = 0xff
	}
	if CheckMeetsTarget(max, target) {
		t.Error("max hash should not meet a small target")
	}
	if !CheckMeetsTarget(target, target) {
		t.Error("equal hash and target should be accepted (inclusive boundary)")
	}
}

func TestValidateStructureRejectsShortBlob(t *testing.T) {
	v := New()
	job := &jobs.Job{ReservedOffset: 4, ReservedValue: []byte{1, 2, 3, 4}}

	if _, err := v.ValidateStructure("deadbeef", job); err != ErrBlobTooShort {
		t.Errorf("expected ErrBlobTooShort, got %v", err)
	}
}

func TestValidateStructureRejectsReservedMismatch(t *testing.T) {
	v := New()
	blob := make([]byte, 80)
	job := &jobs.Job{ReservedOffset: 40, ReservedValue: []byte{1, 2, 3, 4}}

	if _, err := v.ValidateStructure(hex.EncodeToString(blob), job); err != ErrReservedMismatch {
		t.Errorf("expected ErrReservedMismatch, got %v", err)
	}
}

func TestValidateStructureAccepts(t *testing.T) {
	v := New()
	blob := make([]byte, 80)
	reserved := []byte{9, 9, 9, 9}
	copy(blob[40:], reserved)
	job := &jobs.Job{ReservedOffset: 40, ReservedValue: reserved}

	if _, err := v.ValidateStructure(hex.EncodeToString(blob), job); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
