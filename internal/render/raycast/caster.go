package raycast

import (
	"image/color"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"brickstream.ai/internal/voxel/arena"
	"brickstream.ai/internal/voxel/brick"
	"brickstream.ai/internal/voxel/feedback"
	"brickstream.ai/internal/voxel/grid"
)

// Bias applied when a ray origin is advanced onto a box boundary, in the units
// of the level being entered (world cells for the grid, voxels for a brick).
const (
	GridEpsilon  = 1e-4
	BrickEpsilon = 1e-3

	// BrickSteps bounds the brick-level DDA: 8+8+8.
	BrickSteps = 3 * brick.Size
)

// Hit describes the first occupied voxel along a ray.
type Hit struct {
	Grid         grid.Pos
	Local        [3]int
	Face         [3]bool
	CacheIndex   uint32
	ShadingIndex uint32
}

// Caster traces rays through the grid directory and the bricks it points at.
// The cache and shading table are only read; the directory and queue are
// touched through their atomic operations, so any number of goroutines may
// trace at once.
type Caster struct {
	dims       grid.Dims
	dir        *grid.Directory
	cache      *arena.BrickCache
	table      *arena.ShadingTable
	queue      *feedback.Queue
	Background color.RGBA
}

func NewCaster(dir *grid.Directory, cache *arena.BrickCache, table *arena.ShadingTable, queue *feedback.Queue) *Caster {
	return &Caster{
		dims:       dir.Dims(),
		dir:        dir,
		cache:      cache,
		table:      table,
		queue:      queue,
		Background: color.RGBA{A: 255},
	}
}

// TraceRay walks the ray through the grid. Unloaded cells on the way are
// requested and skipped; the ray reports a hit only inside a Loaded brick.
func (c *Caster) TraceRay(origin, dir mgl32.Vec3) (Hit, bool) {
	h, ok, _ := c.trace(origin, dir)
	return h, ok
}

type slab struct {
	tmin, tmax float32
	axis       int
}

// intersect runs the slab test of a ray against [0, size]. A zero direction
// component makes inv infinite; the comparisons below are written so that the
// resulting infinities and NaNs never tighten the interval.
func intersect(o, inv mgl32.Vec3, size [3]float32) slab {
	s := slab{tmin: float32(math.Inf(-1)), tmax: float32(math.Inf(1)), axis: -1}
	for a := 0; a < 3; a++ {
		t1 := (0 - o[a]) * inv[a]
		t2 := (size[a] - o[a]) * inv[a]
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		if t1 > s.tmin {
			s.tmin = t1
			s.axis = a
		}
		if t2 < s.tmax {
			s.tmax = t2
		}
	}
	return s
}

// miss also rejects tmax == 0: a ray sitting on a far face and pointing out
// never enters the box.
func (s slab) miss() bool {
	return !(s.tmax > max(s.tmin, 0))
}

// dda is the incremental Amanatides-Woo state of one level.
type dda struct {
	cell  [3]int
	step  [3]int
	delta [3]float32
	side  [3]float32
}

func newDDA(p, dir, inv mgl32.Vec3, size [3]int) dda {
	var d dda
	for a := 0; a < 3; a++ {
		c := int(math.Floor(float64(p[a])))
		d.cell[a] = min(max(c, 0), size[a]-1)
		d.delta[a] = float32(math.Abs(float64(inv[a])))
		switch {
		case dir[a] > 0:
			d.step[a] = 1
			d.side[a] = (float32(d.cell[a]+1) - p[a]) * inv[a]
		case dir[a] < 0:
			d.step[a] = -1
			d.side[a] = (float32(d.cell[a]) - p[a]) * inv[a]
		default:
			d.side[a] = float32(math.Inf(1))
		}
	}
	return d
}

// next advances to the neighbouring cell and returns the axis crossed.
func (d *dda) next() int {
	a := 2
	if d.side[0] < d.side[1] {
		if d.side[0] < d.side[2] {
			a = 0
		}
	} else if d.side[1] < d.side[2] {
		a = 1
	}
	d.cell[a] += d.step[a]
	d.side[a] += d.delta[a]
	return a
}

func faceOf(axis int) [3]bool {
	var f [3]bool
	if axis >= 0 {
		f[axis] = true
	}
	return f
}

func reciprocal(v mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{1 / v[0], 1 / v[1], 1 / v[2]}
}

func (c *Caster) trace(origin, dir mgl32.Vec3) (Hit, bool, int) {
	inv := reciprocal(dir)
	size := [3]int{c.dims.X, c.dims.Y, c.dims.Z}
	box := intersect(origin, inv, [3]float32{float32(size[0]), float32(size[1]), float32(size[2])})
	if box.miss() {
		return Hit{}, false, 0
	}

	p := origin
	var face [3]bool
	if box.tmin > 0 {
		p = origin.Add(dir.Mul(box.tmin + GridEpsilon))
		face = faceOf(box.axis)
	}

	requested := 0
	d := newDDA(p, dir, inv, size)
	for i := 0; i < c.dims.Sum(); i++ {
		if !c.dims.Contains(d.cell[0], d.cell[1], d.cell[2]) {
			break
		}
		pos := grid.Pos{X: uint32(d.cell[0]), Y: uint32(d.cell[1]), Z: uint32(d.cell[2])}
		idx := c.dims.Index(pos)
		cell := c.dir.Load(idx)

		switch cell.State() {
		case grid.Empty, grid.Loading:
		case grid.Unloaded:
			if c.queue.Request(c.dir, idx, pos) {
				requested++
			}
		case grid.Loaded:
			if h, ok := c.traceBrick(p, dir, inv, pos, cell.Payload(), face); ok {
				return h, true, requested
			}
		}

		face = faceOf(d.next())
	}
	return Hit{}, false, requested
}

func (c *Caster) traceBrick(p, dir, inv mgl32.Vec3, pos grid.Pos, slot uint32, face [3]bool) (Hit, bool) {
	const n = float32(brick.Size)
	anchor := mgl32.Vec3{float32(pos.X), float32(pos.Y), float32(pos.Z)}
	lp := p.Sub(anchor).Mul(n)

	box := intersect(lp, inv, [3]float32{n, n, n})
	if box.miss() {
		return Hit{}, false
	}
	if box.tmin > 0 {
		lp = lp.Add(dir.Mul(box.tmin + BrickEpsilon))
		face = faceOf(box.axis)
	}

	b := c.cache.Get(slot)
	d := newDDA(lp, dir, inv, [3]int{brick.Size, brick.Size, brick.Size})
	for i := 0; i < BrickSteps; i++ {
		x, y, z := d.cell[0], d.cell[1], d.cell[2]
		if x < 0 || y < 0 || z < 0 || x >= brick.Size || y >= brick.Size || z >= brick.Size {
			return Hit{}, false
		}
		if li := brick.LocalIndex(x, y, z); b.Mask.Has(li) {
			return Hit{
				Grid:         pos,
				Local:        [3]int{x, y, z},
				Face:         face,
				CacheIndex:   slot,
				ShadingIndex: b.ShadingIndex(li),
			}, true
		}
		face = faceOf(d.next())
	}
	return Hit{}, false
}

// Shade returns the albedo of the hit voxel.
func (c *Caster) Shade(h Hit) color.RGBA {
	if int(h.ShadingIndex) >= c.table.Len() {
		return c.Background
	}
	return brick.ToColor(c.table.At(h.ShadingIndex))
}
