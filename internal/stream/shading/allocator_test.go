package shading

import (
	"errors"
	"testing"
)

func TestAllocPicksTightestBucket(t *testing.T) {
	a, err := New(4, 1024)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.Total() != 4096 {
		t.Fatalf("total: got %d want 4096", a.Total())
	}

	cases := []struct {
		n        int
		wantSize int
	}{
		{1, 64}, {64, 64}, {65, 128}, {200, 256}, {512, 512},
	}
	for _, tc := range cases {
		off, err := a.Alloc(tc.n)
		if err != nil {
			t.Fatalf("alloc %d: %v", tc.n, err)
		}
		size, err := a.SlotSize(off)
		if err != nil || size != tc.wantSize {
			t.Fatalf("alloc %d: slot size got %d (%v) want %d", tc.n, size, err, tc.wantSize)
		}
	}
	if a.Used() != 64+64+128+256+512 {
		t.Fatalf("used: %d", a.Used())
	}
}

func TestAllocSpillsIntoLargerBuckets(t *testing.T) {
	a, _ := New(2, 512)
	// Bucket 1 holds two 256 slots, bucket 0 one 512 slot.
	var offs []uint32
	for i := 0; i < 3; i++ {
		off, err := a.Alloc(10)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		offs = append(offs, off)
	}
	if offs[0] != 512 || offs[1] != 768 || offs[2] != 0 {
		t.Fatalf("offsets: got %v want [512 768 0]", offs)
	}
	if _, err := a.Alloc(1); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}
	if err := a.Free(768); err != nil {
		t.Fatalf("free: %v", err)
	}
	if off, err := a.Alloc(256); err != nil || off != 768 {
		t.Fatalf("realloc: got %d %v", off, err)
	}
}

func TestFreeValidates(t *testing.T) {
	a, _ := New(4, 1024)
	off, _ := a.Alloc(64)
	if err := a.Free(off + 1); !errors.Is(err, ErrBadRange) {
		t.Fatalf("unaligned free: %v", err)
	}
	if err := a.Free(1 << 20); !errors.Is(err, ErrBadRange) {
		t.Fatalf("out of range free: %v", err)
	}
	if err := a.Free(off); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := a.Free(off); !errors.Is(err, ErrBadRange) {
		t.Fatalf("double free: %v", err)
	}
	if a.Used() != 0 {
		t.Fatalf("used after free: %d", a.Used())
	}
}

func TestReserveRemovesSlotFromFreeList(t *testing.T) {
	a, _ := New(1, 1024)
	if err := a.Reserve(0, 300); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := a.Reserve(0, 1); !errors.Is(err, ErrBadRange) {
		t.Fatalf("second reserve: %v", err)
	}
	off, err := a.Alloc(512)
	if err != nil || off != 512 {
		t.Fatalf("alloc after reserve: %d %v", off, err)
	}
	if _, err := a.Alloc(1); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("expected full table, got %v", err)
	}
}

func TestNewRejectsBadGeometry(t *testing.T) {
	if _, err := New(0, 512); err == nil {
		t.Fatalf("zero buckets accepted")
	}
	if _, err := New(2, 100); err == nil {
		t.Fatalf("unaligned bucket size accepted")
	}
	if _, err := New(1, 512); err != nil {
		t.Fatalf("valid geometry rejected: %v", err)
	}
}
