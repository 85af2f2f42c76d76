package arena

import (
	"errors"
	"fmt"

	"brickstream.ai/internal/voxel/brick"
)

var ErrIndexOutOfRange = errors.New("index out of range")

// BrickCache is the fixed-capacity array of resident bricks. Slots are
// addressed by index; only the unpack stage writes them.
type BrickCache struct {
	slots []brick.Brick
}

func NewBrickCache(slots int) *BrickCache {
	return &BrickCache{slots: make([]brick.Brick, slots)}
}

func (c *BrickCache) Len() int { return len(c.slots) }

// Get returns the slot record. Callers outside the unpack stage must treat it
// as read-only.
func (c *BrickCache) Get(i uint32) *brick.Brick { return &c.slots[i] }

func (c *BrickCache) Bricks() []brick.Brick {
	out := make([]brick.Brick, len(c.slots))
	copy(out, c.slots)
	return out
}

func (c *BrickCache) Restore(bricks []brick.Brick) error {
	if len(bricks) != len(c.slots) {
		return fmt.Errorf("restore cache: got %d bricks, cache has %d slots", len(bricks), len(c.slots))
	}
	copy(c.slots, bricks)
	return nil
}

// ShadingTable holds dense per-voxel albedo, addressed by brick offset + rank.
type ShadingTable struct {
	elems []uint32
}

func NewShadingTable(n int) *ShadingTable {
	return &ShadingTable{elems: make([]uint32, n)}
}

func (t *ShadingTable) Len() int           { return len(t.elems) }
func (t *ShadingTable) At(i uint32) uint32 { return t.elems[i] }

func (t *ShadingTable) Elements() []uint32 {
	out := make([]uint32, len(t.elems))
	copy(out, t.elems)
	return out
}

func (t *ShadingTable) Restore(elems []uint32) error {
	if len(elems) != len(t.elems) {
		return fmt.Errorf("restore shading table: got %d elements, table has %d", len(elems), len(t.elems))
	}
	copy(t.elems, elems)
	return nil
}
