package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"
	"sort"
	"sync"
	"time"

	"brickstream.ai/internal/stream/shading"
	"brickstream.ai/internal/voxel/arena"
	"brickstream.ai/internal/voxel/brick"
	"brickstream.ai/internal/voxel/feedback"
	"brickstream.ai/internal/voxel/grid"
)

// Loader produces the brick payload for one grid cell.
type Loader interface {
	LoadBrick(ctx context.Context, pos grid.Pos) (brick.Payload, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, pos grid.Pos) (brick.Payload, error)

func (f LoaderFunc) LoadBrick(ctx context.Context, pos grid.Pos) (brick.Payload, error) {
	return f(ctx, pos)
}

type Options struct {
	CacheSlots       int
	ShadingBuckets   int
	ShadingPerBucket int
	MaxGridUpdates   int
	MaxBrickUpdates  int
	LoadWorkers      int
	Logger           *log.Logger
}

type slot struct {
	cell     int // grid index, -1 when free
	offset   uint32
	elements int
}

// commit is one unit of staging: a brick write plus every grid update that
// must become visible with it. Commits are never split across frames.
type commit struct {
	brick *arena.BrickUpdate
	grid  []arena.GridUpdate
}

type FeedbackStats struct {
	Requests int `json:"requests"`
	Loaded   int `json:"loaded"`
	Empty    int `json:"empty"`
	Failed   int `json:"failed"`
	Evicted  int `json:"evicted"`
	Dropped  int `json:"dropped"`
	Backlog  int `json:"backlog"`
}

type StageStats struct {
	Commits     int `json:"commits"`
	GridUpdates int `json:"grid_updates"`
	Bricks      int `json:"bricks"`
	Backlog     int `json:"backlog"`
}

// Coordinator turns feedback requests into unpack commits. It owns the
// host-side view of the cache: which cell each slot serves and which shading
// range it holds. It never writes the directory, cache or shading table
// itself; every change travels through the buffers returned by Stage.
type Coordinator struct {
	dims   grid.Dims
	queue  *feedback.Queue
	loader Loader
	alloc  *shading.Allocator
	logger *log.Logger

	slots    []slot
	byCell   map[int]int
	cursor   int
	resident int

	pending  []commit
	maxGrid  int
	maxBrick int
	workers  int
}

func NewCoordinator(dims grid.Dims, queue *feedback.Queue, loader Loader, opts Options) (*Coordinator, error) {
	if opts.CacheSlots <= 0 {
		return nil, fmt.Errorf("stream: cache slots must be positive, got %d", opts.CacheSlots)
	}
	if opts.CacheSlots > grid.MaxPayload {
		return nil, fmt.Errorf("stream: %d cache slots exceed cell payload range", opts.CacheSlots)
	}
	if opts.MaxGridUpdates < 3 || opts.MaxBrickUpdates < 1 {
		return nil, fmt.Errorf("stream: unpack limits too small (grid %d, bricks %d)", opts.MaxGridUpdates, opts.MaxBrickUpdates)
	}
	alloc, err := shading.New(opts.ShadingBuckets, opts.ShadingPerBucket)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	workers := opts.LoadWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	c := &Coordinator{
		dims:     dims,
		queue:    queue,
		loader:   loader,
		alloc:    alloc,
		logger:   logger,
		slots:    make([]slot, opts.CacheSlots),
		byCell:   map[int]int{},
		maxGrid:  opts.MaxGridUpdates,
		maxBrick: opts.MaxBrickUpdates,
		workers:  workers,
	}
	for i := range c.slots {
		c.slots[i].cell = -1
	}
	return c, nil
}

// ShadingElements is the size the shading table must have for this coordinator.
func (c *Coordinator) ShadingElements() int { return c.alloc.Total() }

func (c *Coordinator) Resident() int { return c.resident }

// Backlog counts commits waiting for room in a frame's unpack buffers.
func (c *Coordinator) Backlog() int { return len(c.pending) }

type loadResult struct {
	pos     grid.Pos
	idx     int
	payload brick.Payload
	err     error
}

// ProcessFeedback drains and resets the queue, loads every requested brick and
// turns the results into pending commits. It must run between dispatches.
func (c *Coordinator) ProcessFeedback(ctx context.Context) (FeedbackStats, error) {
	reqs := c.queue.Drain()
	c.queue.Reset()

	var st FeedbackStats
	st.Requests = len(reqs)
	if len(reqs) == 0 {
		st.Backlog = len(c.pending)
		return st, nil
	}

	results := make([]loadResult, 0, len(reqs))
	for _, p := range reqs {
		if !c.dims.Contains(int(p.X), int(p.Y), int(p.Z)) {
			st.Dropped++
			c.logger.Printf("dropping request for %v: outside grid", p)
			continue
		}
		results = append(results, loadResult{pos: p, idx: c.dims.Index(p)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].idx < results[j].idx })

	start := time.Now()
	c.load(ctx, results)
	instrumentLoadLatency(start)

	for i := range results {
		r := &results[i]
		if r.err == nil {
			r.err = r.payload.Validate()
		}
		switch {
		case r.err != nil:
			st.Failed++
			instrumentLoadFailure(r.err)
			if !errors.Is(r.err, context.Canceled) {
				c.logger.Printf("load %v failed: %v", r.pos, r.err)
			}
			c.release(r.idx)
		case r.payload.Empty():
			st.Empty++
			c.pending = append(c.pending, commit{grid: []arena.GridUpdate{{
				Index: uint32(r.idx),
				Cell:  grid.EmptyCell(brick.CoarseRGB(r.payload.LODColor)),
			}}})
		default:
			evicted, ok := c.place(r.idx, r.payload)
			st.Evicted += evicted
			if ok {
				st.Loaded++
			} else {
				st.Failed++
			}
		}
	}
	st.Backlog = len(c.pending)
	instrumentFeedback(st)
	if st.Loaded+st.Empty+st.Failed > 0 {
		c.logger.Printf("feedback: %d requests, %d loaded, %d empty, %d failed, %d evicted, backlog %d",
			st.Requests, st.Loaded, st.Empty, st.Failed, st.Evicted, st.Backlog)
	}
	return st, ctx.Err()
}

func (c *Coordinator) load(ctx context.Context, results []loadResult) {
	work := make(chan int, len(results))
	for i := range results {
		work <- i
	}
	close(work)

	var wg sync.WaitGroup
	for w := 0; w < min(c.workers, len(results)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				r := &results[i]
				if err := ctx.Err(); err != nil {
					r.err = err
					continue
				}
				r.payload, r.err = c.loader.LoadBrick(ctx, r.pos)
			}
		}()
	}
	wg.Wait()
}

// release queues a commit returning a claimed cell to Unloaded so it is
// requested again on a later frame.
func (c *Coordinator) release(idx int) {
	c.pending = append(c.pending, commit{grid: []arena.GridUpdate{{Index: uint32(idx), Cell: grid.UnloadedCell()}}})
}

// evict detaches slot s from its cell and frees its shading range. The
// returned update must travel in the same commit as whatever reuses the slot.
func (c *Coordinator) evict(s int) (arena.GridUpdate, bool) {
	sl := &c.slots[s]
	if sl.cell < 0 {
		return arena.GridUpdate{}, false
	}
	if err := c.alloc.Free(sl.offset); err != nil {
		c.logger.Printf("evict slot %d: %v", s, err)
	}
	u := arena.GridUpdate{Index: uint32(sl.cell), Cell: grid.UnloadedCell()}
	delete(c.byCell, sl.cell)
	*sl = slot{cell: -1}
	c.resident--
	instrumentEviction()
	return u, true
}

func (c *Coordinator) nextSlot() int {
	s := c.cursor
	c.cursor = (c.cursor + 1) % len(c.slots)
	return s
}

func (c *Coordinator) place(idx int, p brick.Payload) (evicted int, ok bool) {
	cm := commit{}

	s := c.nextSlot()
	if u, was := c.evict(s); was {
		cm.grid = append(cm.grid, u)
		evicted++
	}

	n := len(p.Albedo)
	offset, err := c.alloc.Alloc(n)
	if errors.Is(err, shading.ErrOutOfSpace) {
		if u, was := c.evict(c.cursor); was {
			cm.grid = append(cm.grid, u)
			evicted++
		}
		offset, err = c.alloc.Alloc(n)
	}
	if err != nil {
		c.logger.Printf("shading alloc for cell %d (%d elements): %v", idx, n, err)
		cm.grid = append(cm.grid, arena.GridUpdate{Index: uint32(idx), Cell: grid.UnloadedCell()})
		c.pending = append(c.pending, cm)
		return evicted, false
	}

	shadingCopy := make([]uint32, n)
	copy(shadingCopy, p.Albedo)
	cm.brick = &arena.BrickUpdate{
		CacheIndex: uint32(s),
		Brick:      brick.Brick{Mask: p.Mask, ShadingOffset: offset, LODColor: p.LODColor},
		Shading:    shadingCopy,
	}
	cm.grid = append(cm.grid, arena.GridUpdate{Index: uint32(idx), Cell: grid.LoadedCell(uint32(s))})
	c.pending = append(c.pending, cm)

	c.slots[s] = slot{cell: idx, offset: offset, elements: n}
	c.byCell[idx] = s
	c.resident++
	return evicted, true
}

// Evict frees the slot holding pos, if any, and queues the cell's return to
// Unloaded.
func (c *Coordinator) Evict(pos grid.Pos) bool {
	if !c.dims.Contains(int(pos.X), int(pos.Y), int(pos.Z)) {
		return false
	}
	s, ok := c.byCell[c.dims.Index(pos)]
	if !ok {
		return false
	}
	u, _ := c.evict(s)
	c.pending = append(c.pending, commit{grid: []arena.GridUpdate{u}})
	return true
}

// Stage moves pending commits, oldest first, into a new set of unpack buffers.
// A commit goes in whole or not at all, and staging stops at the first commit
// that does not fit or that touches a slot or shading range already written
// by this batch, so commits stay in order and bricks in one batch never
// overlap.
func (c *Coordinator) Stage() (*arena.UnpackBuffers, StageStats) {
	buf := arena.NewUnpackBuffers(c.maxGrid, c.maxBrick)
	slotsUsed := map[uint32]bool{}
	rangesUsed := map[uint32]bool{}

	var st StageStats
	n := 0
	for ; n < len(c.pending); n++ {
		cm := c.pending[n]
		bricks := 0
		if cm.brick != nil {
			bricks = 1
			if slotsUsed[cm.brick.CacheIndex] || rangesUsed[cm.brick.Brick.ShadingOffset] {
				break
			}
		}
		if !buf.Room(len(cm.grid), bricks) {
			break
		}
		if cm.brick != nil {
			buf.PushBrick(*cm.brick)
			slotsUsed[cm.brick.CacheIndex] = true
			rangesUsed[cm.brick.Brick.ShadingOffset] = true
		}
		for _, u := range cm.grid {
			buf.PushGrid(u)
		}
		st.Commits++
	}
	c.pending = append(c.pending[:0], c.pending[n:]...)

	st.GridUpdates = len(buf.Grid)
	st.Bricks = len(buf.Bricks)
	st.Backlog = len(c.pending)
	instrumentStage(st, c.resident)
	if st.Commits > 0 {
		c.logger.Printf("staged %d bricks, %d grid updates, backlog %d", st.Bricks, st.GridUpdates, st.Backlog)
	}
	return buf, st
}

// SlotState is the persisted form of one cache slot.
type SlotState struct {
	Cell     int32
	Offset   uint32
	Elements uint16
}

type State struct {
	Slots  []SlotState
	Cursor int
}

// ExportState captures the slot table. Pending commits are not included, so
// callers flush the backlog first.
func (c *Coordinator) ExportState() (State, error) {
	if len(c.pending) > 0 {
		return State{}, fmt.Errorf("stream: export with %d pending commits", len(c.pending))
	}
	st := State{Slots: make([]SlotState, len(c.slots)), Cursor: c.cursor}
	for i, s := range c.slots {
		st.Slots[i] = SlotState{Cell: int32(s.cell), Offset: s.offset, Elements: uint16(s.elements)}
	}
	return st, nil
}

// unreserve undoes a partial restore of slots [0, n).
func (c *Coordinator) unreserve(n int) {
	for i := 0; i < n; i++ {
		if sl := c.slots[i]; sl.cell >= 0 {
			_ = c.alloc.Free(sl.offset)
			delete(c.byCell, sl.cell)
		}
		c.slots[i] = slot{cell: -1}
	}
	c.resident = 0
}

// RestoreState rebuilds the slot table and shading reservations. The
// coordinator must be fresh, and is left fresh when the state is rejected.
func (c *Coordinator) RestoreState(st State) error {
	if len(st.Slots) != len(c.slots) {
		return fmt.Errorf("stream: restore %d slots into cache of %d", len(st.Slots), len(c.slots))
	}
	if c.resident != 0 || len(c.pending) != 0 {
		return fmt.Errorf("stream: restore into a coordinator that is already in use")
	}
	for i, s := range st.Slots {
		if int(s.Cell) >= c.dims.Count() {
			return fmt.Errorf("stream: slot %d refers to cell %d outside grid", i, s.Cell)
		}
	}
	for i, s := range st.Slots {
		if s.Cell < 0 {
			continue
		}
		if err := c.alloc.Reserve(s.Offset, int(s.Elements)); err != nil {
			c.unreserve(i)
			return fmt.Errorf("stream: slot %d: %w", i, err)
		}
		c.slots[i] = slot{cell: int(s.Cell), offset: s.Offset, elements: int(s.Elements)}
		c.byCell[int(s.Cell)] = i
		c.resident++
	}
	if st.Cursor >= 0 && st.Cursor < len(c.slots) {
		c.cursor = st.Cursor
	}
	return nil
}
