package arena

import (
	"fmt"
	"runtime"
	"sync"

	"brickstream.ai/internal/voxel/brick"
	"brickstream.ai/internal/voxel/grid"
)

type GridUpdate struct {
	Index uint32
	Cell  grid.Cell
}

type BrickUpdate struct {
	CacheIndex uint32
	Brick      brick.Brick
	Shading    []uint32 // dense, rank order, at most brick.Voxels
}

// UnpackBuffers is the host-prepared input of one unpack commit. Each list is
// bounded by its own maximum.
type UnpackBuffers struct {
	MaxGridUpdates  int
	MaxBrickUpdates int

	Grid   []GridUpdate
	Bricks []BrickUpdate
}

func NewUnpackBuffers(maxGrid, maxBricks int) *UnpackBuffers {
	return &UnpackBuffers{
		MaxGridUpdates:  maxGrid,
		MaxBrickUpdates: maxBricks,
		Grid:            make([]GridUpdate, 0, maxGrid),
		Bricks:          make([]BrickUpdate, 0, maxBricks),
	}
}

// Room reports whether the given number of grid and brick updates still fit.
func (b *UnpackBuffers) Room(grids, bricks int) bool {
	return len(b.Grid)+grids <= b.MaxGridUpdates && len(b.Bricks)+bricks <= b.MaxBrickUpdates
}

func (b *UnpackBuffers) PushGrid(u GridUpdate) bool {
	if !b.Room(1, 0) {
		return false
	}
	b.Grid = append(b.Grid, u)
	return true
}

func (b *UnpackBuffers) PushBrick(u BrickUpdate) bool {
	if !b.Room(0, 1) {
		return false
	}
	b.Bricks = append(b.Bricks, u)
	return true
}

func (b *UnpackBuffers) Empty() bool { return len(b.Grid) == 0 && len(b.Bricks) == 0 }

func (b *UnpackBuffers) Reset() {
	b.Grid = b.Grid[:0]
	b.Bricks = b.Bricks[:0]
}

type UnpackStats struct {
	GridUpdates  int `json:"grid_updates"`
	BrickUpdates int `json:"brick_updates"`
	Elements     int `json:"shading_elements"`
}

// Unpack commits buf into the directory, cache and shading table. Bricks and
// their shading ranges are written first, then every grid cell is published
// with a single atomic store, so a Loaded cell never points at a slot whose
// data has not been written. It must not overlap a traversal dispatch.
func Unpack(dir *grid.Directory, cache *BrickCache, table *ShadingTable, buf *UnpackBuffers) (UnpackStats, error) {
	var st UnpackStats
	if buf == nil {
		return st, nil
	}
	if err := checkUnpack(dir, cache, table, buf); err != nil {
		return st, err
	}

	writeBricks(cache, table, buf.Bricks)
	for _, u := range buf.Grid {
		dir.Store(int(u.Index), u.Cell)
	}

	st.GridUpdates = len(buf.Grid)
	st.BrickUpdates = len(buf.Bricks)
	for i := range buf.Bricks {
		st.Elements += len(buf.Bricks[i].Shading)
	}
	return st, nil
}

func checkUnpack(dir *grid.Directory, cache *BrickCache, table *ShadingTable, buf *UnpackBuffers) error {
	if len(buf.Grid) > buf.MaxGridUpdates {
		return fmt.Errorf("unpack: %d grid updates exceed max %d", len(buf.Grid), buf.MaxGridUpdates)
	}
	if len(buf.Bricks) > buf.MaxBrickUpdates {
		return fmt.Errorf("unpack: %d brick updates exceed max %d", len(buf.Bricks), buf.MaxBrickUpdates)
	}
	for _, u := range buf.Grid {
		if int(u.Index) >= dir.Len() {
			return fmt.Errorf("unpack: grid index %d: %w", u.Index, ErrIndexOutOfRange)
		}
		if u.Cell.State() == grid.Loaded && int(u.Cell.Payload()) >= cache.Len() {
			return fmt.Errorf("unpack: grid %d points at slot %d: %w", u.Index, u.Cell.Payload(), ErrIndexOutOfRange)
		}
	}
	for i := range buf.Bricks {
		u := &buf.Bricks[i]
		if int(u.CacheIndex) >= cache.Len() {
			return fmt.Errorf("unpack: cache index %d: %w", u.CacheIndex, ErrIndexOutOfRange)
		}
		if len(u.Shading) > brick.Voxels {
			return fmt.Errorf("unpack: slot %d carries %d shading elements (max %d)", u.CacheIndex, len(u.Shading), brick.Voxels)
		}
		end := uint64(u.Brick.ShadingOffset) + uint64(len(u.Shading))
		if end > uint64(table.Len()) {
			return fmt.Errorf("unpack: slot %d shading range [%d,%d): %w", u.CacheIndex, u.Brick.ShadingOffset, end, ErrIndexOutOfRange)
		}
	}
	return nil
}

// writeBricks fans brick updates out over a few goroutines. Slots and shading
// ranges of one commit are disjoint, so the writers never touch the same memory.
func writeBricks(cache *BrickCache, table *ShadingTable, updates []BrickUpdate) {
	workers := runtime.GOMAXPROCS(0)
	if workers > len(updates) {
		workers = len(updates)
	}
	if workers <= 1 {
		for i := range updates {
			writeBrick(cache, table, &updates[i])
		}
		return
	}

	chunk := (len(updates) + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < len(updates); start += chunk {
		end := min(start+chunk, len(updates))
		wg.Add(1)
		go func(part []BrickUpdate) {
			defer wg.Done()
			for i := range part {
				writeBrick(cache, table, &part[i])
			}
		}(updates[start:end])
	}
	wg.Wait()
}

func writeBrick(cache *BrickCache, table *ShadingTable, u *BrickUpdate) {
	cache.slots[u.CacheIndex] = u.Brick
	copy(table.elems[u.Brick.ShadingOffset:], u.Shading)
}
