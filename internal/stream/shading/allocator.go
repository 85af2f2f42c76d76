// Package shading hands out ranges of the shading table. The table is split
// into equal buckets; bucket i is carved into slots of 512>>i elements.
package shading

import (
	"errors"
	"fmt"

	"brickstream.ai/internal/voxel/brick"
)

var (
	ErrOutOfSpace = errors.New("shading table out of space")
	ErrBadRange   = errors.New("invalid shading range")
)

type bucket struct {
	base     uint32
	slotSize uint32
	free     []uint32 // stack of slot numbers, lowest on top
	used     []bool
}

type Allocator struct {
	perBucket uint32
	buckets   []bucket
	usedElems int
}

// New builds an allocator over buckets*perBucket elements. perBucket must be a
// multiple of brick.Voxels so every bucket holds whole slots.
func New(buckets, perBucket int) (*Allocator, error) {
	if buckets <= 0 || buckets > 10 {
		return nil, fmt.Errorf("shading: bucket count %d out of range [1,10]", buckets)
	}
	if perBucket <= 0 || perBucket%brick.Voxels != 0 {
		return nil, fmt.Errorf("shading: elements per bucket %d must be a positive multiple of %d", perBucket, brick.Voxels)
	}
	a := &Allocator{perBucket: uint32(perBucket)}
	for i := 0; i < buckets; i++ {
		size := uint32(brick.Voxels >> i)
		slots := uint32(perBucket) / size
		b := bucket{
			base:     uint32(i) * uint32(perBucket),
			slotSize: size,
			free:     make([]uint32, 0, slots),
			used:     make([]bool, slots),
		}
		for s := int(slots) - 1; s >= 0; s-- {
			b.free = append(b.free, uint32(s))
		}
		a.buckets = append(a.buckets, b)
	}
	return a, nil
}

func (a *Allocator) Total() int { return len(a.buckets) * int(a.perBucket) }

// Used counts elements held by allocated slots, including slack inside a slot.
func (a *Allocator) Used() int { return a.usedElems }

// Alloc returns the offset of a slot of at least n elements, taken from the
// tightest bucket that still has a free slot.
func (a *Allocator) Alloc(n int) (uint32, error) {
	if n <= 0 || n > brick.Voxels {
		return 0, fmt.Errorf("shading: alloc %d: %w", n, ErrBadRange)
	}
	for i := len(a.buckets) - 1; i >= 0; i-- {
		b := &a.buckets[i]
		if int(b.slotSize) < n || len(b.free) == 0 {
			continue
		}
		slot := b.free[len(b.free)-1]
		b.free = b.free[:len(b.free)-1]
		b.used[slot] = true
		a.usedElems += int(b.slotSize)
		return b.base + slot*b.slotSize, nil
	}
	return 0, fmt.Errorf("shading: alloc %d: %w", n, ErrOutOfSpace)
}

func (a *Allocator) locate(offset uint32) (*bucket, uint32, error) {
	i := offset / a.perBucket
	if int(i) >= len(a.buckets) {
		return nil, 0, fmt.Errorf("shading: offset %d past table end: %w", offset, ErrBadRange)
	}
	b := &a.buckets[i]
	rel := offset - b.base
	if rel%b.slotSize != 0 {
		return nil, 0, fmt.Errorf("shading: offset %d not aligned to %d: %w", offset, b.slotSize, ErrBadRange)
	}
	return b, rel / b.slotSize, nil
}

// SlotSize reports the capacity of the slot starting at offset.
func (a *Allocator) SlotSize(offset uint32) (int, error) {
	b, _, err := a.locate(offset)
	if err != nil {
		return 0, err
	}
	return int(b.slotSize), nil
}

func (a *Allocator) Free(offset uint32) error {
	b, slot, err := a.locate(offset)
	if err != nil {
		return err
	}
	if !b.used[slot] {
		return fmt.Errorf("shading: double free at %d: %w", offset, ErrBadRange)
	}
	b.used[slot] = false
	b.free = append(b.free, slot)
	a.usedElems -= int(b.slotSize)
	return nil
}

// Reserve marks a specific slot as used. Snapshot restore uses it to rebuild
// allocator state from the recorded brick offsets.
func (a *Allocator) Reserve(offset uint32, n int) error {
	b, slot, err := a.locate(offset)
	if err != nil {
		return err
	}
	if n > int(b.slotSize) {
		return fmt.Errorf("shading: reserve %d at %d exceeds slot size %d: %w", n, offset, b.slotSize, ErrBadRange)
	}
	if b.used[slot] {
		return fmt.Errorf("shading: slot at %d already reserved: %w", offset, ErrBadRange)
	}
	for i, s := range b.free {
		if s == slot {
			b.free = append(b.free[:i], b.free[i+1:]...)
			break
		}
	}
	b.used[slot] = true
	a.usedElems += int(b.slotSize)
	return nil
}
