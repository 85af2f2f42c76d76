package raycast

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"brickstream.ai/internal/render/camera"
	"brickstream.ai/internal/voxel/arena"
	"brickstream.ai/internal/voxel/brick"
	"brickstream.ai/internal/voxel/feedback"
	"brickstream.ai/internal/voxel/grid"
)

type scene struct {
	dir   *grid.Directory
	cache *arena.BrickCache
	table *arena.ShadingTable
	queue *feedback.Queue
	c     *Caster
}

func newScene(t *testing.T, initial grid.Cell) *scene {
	t.Helper()
	s := &scene{
		dir:   grid.NewDirectory(grid.Dims{X: 4, Y: 4, Z: 4}, initial),
		cache: arena.NewBrickCache(4),
		table: arena.NewShadingTable(4 * brick.Voxels),
		queue: feedback.NewQueue(64),
	}
	s.c = NewCaster(s.dir, s.cache, s.table, s.queue)
	return s
}

// fullBrick returns a brick update with every voxel set; voxel i has albedo i+1.
func fullBrick(slot uint32) arena.BrickUpdate {
	shading := make([]uint32, brick.Voxels)
	for i := range shading {
		shading[i] = uint32(i + 1)
	}
	return arena.BrickUpdate{
		CacheIndex: slot,
		Brick:      brick.Brick{Mask: brick.FullMask(), ShadingOffset: slot * brick.Voxels},
		Shading:    shading,
	}
}

func (s *scene) commit(t *testing.T, cells []grid.Pos, slot uint32) {
	t.Helper()
	buf := arena.NewUnpackBuffers(len(cells), 1)
	buf.PushBrick(fullBrick(slot))
	for _, p := range cells {
		buf.PushGrid(arena.GridUpdate{Index: uint32(s.dir.Dims().Index(p)), Cell: grid.LoadedCell(slot)})
	}
	if _, err := arena.Unpack(s.dir, s.cache, s.table, buf); err != nil {
		t.Fatalf("unpack: %v", err)
	}
}

func TestRayAlongZHitsEntryFace(t *testing.T) {
	s := newScene(t, grid.EmptyCell(0))
	s.commit(t, []grid.Pos{{}}, 0)

	h, ok := s.c.TraceRay(mgl32.Vec3{0.5, 0.5, -2}, mgl32.Vec3{0, 0, 1})
	if !ok {
		t.Fatalf("expected hit")
	}
	if h.Face != [3]bool{false, false, true} {
		t.Fatalf("face: got %v want [false false true]", h.Face)
	}
	if h.Local != [3]int{4, 4, 0} {
		t.Fatalf("local: got %v want [4 4 0]", h.Local)
	}
	if h.Grid != (grid.Pos{}) || h.CacheIndex != 0 {
		t.Fatalf("grid %v cache %d", h.Grid, h.CacheIndex)
	}
	if want := uint32(brick.LocalIndex(4, 4, 0)); h.ShadingIndex != want {
		t.Fatalf("shading index: got %d want %d", h.ShadingIndex, want)
	}
	if got := s.table.At(h.ShadingIndex); got != uint32(brick.LocalIndex(4, 4, 0)+1) {
		t.Fatalf("albedo: got %d", got)
	}
}

func TestAxisAlignedRayFromPositiveX(t *testing.T) {
	s := newScene(t, grid.EmptyCell(0))
	s.commit(t, []grid.Pos{{}}, 0)

	h, ok := s.c.TraceRay(mgl32.Vec3{10, 0.5, 0.5}, mgl32.Vec3{-1, 0, 0})
	if !ok {
		t.Fatalf("expected hit")
	}
	if h.Face != [3]bool{true, false, false} {
		t.Fatalf("face: got %v", h.Face)
	}
	if h.Local != [3]int{7, 4, 4} {
		t.Fatalf("local: got %v want [7 4 4]", h.Local)
	}
}

func TestRayAlongGridBoundaryPlane(t *testing.T) {
	s := newScene(t, grid.EmptyCell(0))
	s.commit(t, []grid.Pos{{X: 1, Y: 1, Z: 0}}, 0)

	// x and y sit exactly on cell boundaries; both reciprocals are infinite.
	h, ok := s.c.TraceRay(mgl32.Vec3{1, 1, -3}, mgl32.Vec3{0, 0, 1})
	if !ok {
		t.Fatalf("expected hit")
	}
	if h.Grid != (grid.Pos{X: 1, Y: 1}) || h.Local != [3]int{0, 0, 0} {
		t.Fatalf("grid %v local %v", h.Grid, h.Local)
	}
	if h.Face != [3]bool{false, false, true} {
		t.Fatalf("face: got %v", h.Face)
	}
}

func TestRayStartingInsideInheritsNoFace(t *testing.T) {
	s := newScene(t, grid.EmptyCell(0))
	s.commit(t, []grid.Pos{{}}, 0)

	h, ok := s.c.TraceRay(mgl32.Vec3{0.5, 0.5, 0.3}, mgl32.Vec3{0, 0, 1})
	if !ok {
		t.Fatalf("expected hit")
	}
	if h.Local != [3]int{4, 4, 2} || h.Face != [3]bool{} {
		t.Fatalf("local %v face %v", h.Local, h.Face)
	}
}

func TestRayOnFarFaceOnlyHitsWhenPointingIn(t *testing.T) {
	s := newScene(t, grid.EmptyCell(0))
	s.commit(t, []grid.Pos{{Z: 3}}, 0)

	if h, ok := s.c.TraceRay(mgl32.Vec3{0.5, 0.5, 4}, mgl32.Vec3{0, 0, 1}); ok {
		t.Fatalf("ray leaving through the +z face hit %+v", h)
	}

	h, ok := s.c.TraceRay(mgl32.Vec3{0.5, 0.5, 4}, mgl32.Vec3{0, 0, -1})
	if !ok {
		t.Fatalf("ray entering through the +z face missed")
	}
	if h.Grid != (grid.Pos{Z: 3}) || h.Local != [3]int{4, 4, 7} {
		t.Fatalf("grid %v local %v", h.Grid, h.Local)
	}
}

func TestRayOnInteriorBoundarySkipsCellBehindIt(t *testing.T) {
	s := newScene(t, grid.EmptyCell(0))
	s.commit(t, []grid.Pos{{Z: 1}}, 0)

	// z=1 is the near face of cell 1; going -z the ray never enters it.
	if h, ok := s.c.TraceRay(mgl32.Vec3{0.5, 0.5, 1}, mgl32.Vec3{0, 0, -1}); ok {
		t.Fatalf("hit %+v in a cell the ray moves away from", h)
	}
}

func TestUnloadedCellsAreRequestedOnce(t *testing.T) {
	s := newScene(t, grid.UnloadedCell())

	o, d := mgl32.Vec3{0.5, 0.5, -2}, mgl32.Vec3{0, 0, 1}
	if _, ok := s.c.TraceRay(o, d); ok {
		t.Fatalf("unloaded cells must not produce a hit")
	}
	if s.queue.Len() != 4 {
		t.Fatalf("queue len: got %d want 4", s.queue.Len())
	}
	for z := 0; z < 4; z++ {
		if st := s.dir.Load(s.dir.Dims().Index(grid.Pos{Z: uint32(z)})).State(); st != grid.Loading {
			t.Fatalf("cell z=%d: %v", z, st)
		}
	}
	s.c.TraceRay(o, d)
	if s.queue.Len() != 4 {
		t.Fatalf("loading cells were requested again: %d", s.queue.Len())
	}
}

func TestMissingRaysTouchNothing(t *testing.T) {
	s := newScene(t, grid.UnloadedCell())
	cases := []struct{ o, d mgl32.Vec3 }{
		{mgl32.Vec3{0.5, 0.5, -2}, mgl32.Vec3{0, 0, -1}},
		{mgl32.Vec3{-1, 9, -1}, mgl32.Vec3{0, 0, 1}},
		{mgl32.Vec3{2, 2, 2}, mgl32.Vec3{0, 0, 0}},
		{mgl32.Vec3{2, 2, 2}, mgl32.Vec3{float32(math.NaN()), 0, 1}},
	}
	for i, tc := range cases {
		if _, ok := s.c.TraceRay(tc.o, tc.d); ok {
			t.Fatalf("case %d: unexpected hit", i)
		}
	}
	// The zero-direction ray claims only its own cell; the NaN ray then walks
	// along z from that cell and claims the one above it.
	if n := s.queue.Len(); n != 2 {
		t.Fatalf("degenerate rays queued %d requests, want 2", n)
	}
}

func TestDDAStaysWithinIterationBound(t *testing.T) {
	dirs := []mgl32.Vec3{
		{1, 1, 1}, {-1, 0.3, 0.7}, {0.001, -1, 0.002}, {0, 0, 1}, {1, 0, 0},
	}
	for _, size := range [][3]int{{4, 4, 4}, {8, 8, 8}, {16, 2, 5}} {
		bound := size[0] + size[1] + size[2]
		for _, d := range dirs {
			d = d.Normalize()
			p := mgl32.Vec3{0.01, 0.02, 0.03}
			for a := 0; a < 3; a++ {
				if d[a] < 0 {
					p[a] = float32(size[a]) - 0.01
				}
			}
			st := newDDA(p, d, reciprocal(d), size)
			steps := 0
			for st.cell[0] >= 0 && st.cell[1] >= 0 && st.cell[2] >= 0 &&
				st.cell[0] < size[0] && st.cell[1] < size[1] && st.cell[2] < size[2] {
				st.next()
				steps++
				if steps > bound {
					t.Fatalf("size %v dir %v: still inside after %d steps", size, d, steps)
				}
			}
		}
	}
}

func TestUnpackThenTraceOrdering(t *testing.T) {
	s := newScene(t, grid.UnloadedCell())
	o, d := mgl32.Vec3{0.5, 0.5, -2}, mgl32.Vec3{0, 0, 1}
	first := grid.Pos{}

	// Frame 1: the miss claims the front cell.
	s.c.TraceRay(o, d)
	s.queue.Reset()

	// Commit before the trace: visible in the same frame.
	s.commit(t, []grid.Pos{first}, 0)
	if _, ok := s.c.TraceRay(o, d); !ok {
		t.Fatalf("commit applied before trace was not observed")
	}

	// Commit after the trace: visible only on the next one.
	s2 := newScene(t, grid.UnloadedCell())
	if _, ok := s2.c.TraceRay(o, d); ok {
		t.Fatalf("unexpected hit before commit")
	}
	s2.commit(t, []grid.Pos{first}, 0)
	if _, ok := s2.c.TraceRay(o, d); !ok {
		t.Fatalf("commit not observed on the following trace")
	}
}

func TestDispatchOverwritesEveryPixel(t *testing.T) {
	s := newScene(t, grid.EmptyCell(0))
	var front []grid.Pos
	for y := uint32(0); y < 4; y++ {
		for x := uint32(0); x < 4; x++ {
			front = append(front, grid.Pos{X: x, Y: y})
		}
	}
	buf := arena.NewUnpackBuffers(len(front), 1)
	u := fullBrick(0)
	for i := range u.Shading {
		u.Shading[i] = brick.PackRGBA(255, 0, 0, 255)
	}
	buf.PushBrick(u)
	for _, p := range front {
		buf.PushGrid(arena.GridUpdate{Index: uint32(s.dir.Dims().Index(p)), Cell: grid.LoadedCell(0)})
	}
	if _, err := arena.Unpack(s.dir, s.cache, s.table, buf); err != nil {
		t.Fatalf("unpack: %v", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 7
	}
	cam := camera.New(mgl32.Vec3{2, 2, -5}, 90, 0, 20, 1, 0.1, 100)
	st, err := s.c.Dispatch(context.Background(), cam, img, DispatchOptions{TileSize: 3, Workers: 4})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if st.Pixels != 64 || st.Hits != 64 || st.Tiles != 9 {
		t.Fatalf("stats: %+v", st)
	}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if c := img.RGBAAt(x, y); c.R != 255 || c.G != 0 || c.A != 255 {
				t.Fatalf("pixel %d,%d: %v", x, y, c)
			}
		}
	}
}

func TestDispatchReportsRequests(t *testing.T) {
	s := newScene(t, grid.UnloadedCell())
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	cam := camera.New(mgl32.Vec3{2, 2, -5}, 90, 0, 20, 1, 0.1, 100)

	st, err := s.c.Dispatch(context.Background(), cam, img, DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if st.Hits != 0 || st.Misses != 64 {
		t.Fatalf("stats: %+v", st)
	}
	if st.Requested == 0 || st.Requested != s.queue.Len() {
		t.Fatalf("requested %d queue %d", st.Requested, s.queue.Len())
	}
	if c := img.RGBAAt(3, 3); c != s.c.Background {
		t.Fatalf("miss pixel: %v", c)
	}
}

func TestDispatchHonoursCancelledContext(t *testing.T) {
	s := newScene(t, grid.EmptyCell(0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	st, err := s.c.Dispatch(ctx, camera.New(mgl32.Vec3{}, -90, 0, 60, 1, 0.1, 10), img, DispatchOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err: %v", err)
	}
	if st.Pixels != 0 {
		t.Fatalf("rendered %d pixels after cancel", st.Pixels)
	}
}
