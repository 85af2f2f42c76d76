package feedback

import (
	"sync/atomic"

	"brickstream.ai/internal/voxel/grid"
)

// Queue is the bounded list through which traversal reports cells that need a
// brick. Any number of goroutines may append during a dispatch; one consumer
// drains and resets it between dispatches.
type Queue struct {
	max     uint32
	count   atomic.Uint32
	entries []grid.Pos
}

func NewQueue(max int) *Queue {
	if max < 0 {
		max = 0
	}
	return &Queue{
		max:     uint32(max),
		entries: make([]grid.Pos, max),
	}
}

// Append reserves a slot with an atomic increment. When the pre-increment value
// is past capacity the increment is undone and the request is rejected.
func (q *Queue) Append(p grid.Pos) bool {
	slot := q.count.Add(1) - 1
	if slot < q.max {
		q.entries[slot] = p
		return true
	}
	q.count.Add(^uint32(0))
	return false
}

// Request claims cell idx and queues it. At most one caller per cell and frame
// gets true. A claim that does not fit in the queue is rolled back so the cell
// is Unloaded again and will be requested on a later frame.
func (q *Queue) Request(dir *grid.Directory, idx int, p grid.Pos) bool {
	if !dir.TryClaim(idx) {
		return false
	}
	if q.Append(p) {
		return true
	}
	dir.ReleaseClaim(idx)
	return false
}

func (q *Queue) Cap() int { return int(q.max) }

func (q *Queue) Len() int {
	n := q.count.Load()
	if n > q.max {
		n = q.max
	}
	return int(n)
}

// Drain copies the queued requests. It must not run concurrently with Append.
func (q *Queue) Drain() []grid.Pos {
	n := q.Len()
	out := make([]grid.Pos, n)
	copy(out, q.entries[:n])
	return out
}

func (q *Queue) Reset() { q.count.Store(0) }
