package engine

import (
	"bytes"
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"brickstream.ai/internal/config"
	"brickstream.ai/internal/stream"
	"brickstream.ai/internal/voxel/brick"
	"brickstream.ai/internal/voxel/grid"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Grid = config.GridConfig{X: 4, Y: 4, Z: 4}
	cfg.Cache.Slots = 64
	cfg.Shading = config.ShadingConfig{Buckets: 1, PerBucket: 64 * 512}
	cfg.Feedback.MaxRequests = 256
	cfg.Unpack = config.UnpackConfig{MaxGridUpdates: 256, MaxBrickUpdates: 64}
	cfg.Image = config.ImageConfig{Width: 16, Height: 16, TileSize: 4, Workers: 4}
	cfg.Camera = config.CameraConfig{Eye: [3]float32{2, 2, -5}, Yaw: 90, FovY: 60, Near: 0.1, Far: 100}
	cfg.Render.FPS = 240
	cfg.Normalize()
	return cfg
}

func solidLoader() stream.Loader {
	return stream.LoaderFunc(func(_ context.Context, p grid.Pos) (brick.Payload, error) {
		pl := brick.Payload{Mask: brick.FullMask()}
		c := brick.PackRGBA(uint8(p.X*60), uint8(p.Y*60), uint8(p.Z*60), 255)
		for i := 0; i < brick.Voxels; i++ {
			pl.Albedo = append(pl.Albedo, c)
		}
		pl.LODColor = c
		return pl, nil
	})
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(testConfig(), solidLoader(), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e
}

func TestRenderFrame_StreamsInOnTheNextFrame(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))

	st0, err := e.RenderFrame(ctx, e.Camera(0), img)
	if err != nil {
		t.Fatalf("frame 0: %v", err)
	}
	if st0.Dispatch.Hits != 0 {
		t.Fatalf("frame 0 hit %d pixels with nothing resident", st0.Dispatch.Hits)
	}
	if st0.Dispatch.Requested == 0 || st0.Feedback.Loaded != st0.Dispatch.Requested {
		t.Fatalf("frame 0: requested %d loaded %d", st0.Dispatch.Requested, st0.Feedback.Loaded)
	}
	if st0.Stage.Bricks != st0.Feedback.Loaded || st0.Stage.Backlog != 0 {
		t.Fatalf("frame 0 staging: %+v", st0.Stage)
	}

	st1, err := e.RenderFrame(ctx, e.Camera(1), img)
	if err != nil {
		t.Fatalf("frame 1: %v", err)
	}
	if st1.Unpack.BrickUpdates != st0.Stage.Bricks {
		t.Fatalf("frame 1 unpacked %d bricks, staged %d", st1.Unpack.BrickUpdates, st0.Stage.Bricks)
	}
	if st1.Dispatch.Hits == 0 {
		t.Fatalf("frame 1 saw none of the uploaded bricks")
	}
	if st1.Resident != st0.Feedback.Loaded || e.Frame() != 2 {
		t.Fatalf("resident=%d frame=%d", st1.Resident, e.Frame())
	}
}

func TestRenderFrame_CancelledContext(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.RenderFrame(ctx, e.Camera(0), image.NewRGBA(image.Rect(0, 0, 16, 16))); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if e.Frame() != 0 {
		t.Fatalf("cancelled frame counted")
	}
}

func TestSnapshotRestore_RendersIdentically(t *testing.T) {
	a := newEngine(t)
	ctx := context.Background()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < 2; i++ {
		if _, err := a.RenderFrame(ctx, a.Camera(0), img); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	snap, err := a.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Header.Frame != 2 || snap.Header.RunID != a.RunID() {
		t.Fatalf("header: %+v", snap.Header)
	}

	b := newEngine(t)
	if err := b.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if b.Frame() != 2 || b.Coordinator().Resident() != a.Coordinator().Resident() {
		t.Fatalf("restored frame=%d resident=%d", b.Frame(), b.Coordinator().Resident())
	}

	imgA := image.NewRGBA(image.Rect(0, 0, 16, 16))
	imgB := image.NewRGBA(image.Rect(0, 0, 16, 16))
	stA, err := a.RenderFrame(ctx, a.Camera(0), imgA)
	if err != nil {
		t.Fatalf("render a: %v", err)
	}
	stB, err := b.RenderFrame(ctx, b.Camera(0), imgB)
	if err != nil {
		t.Fatalf("render b: %v", err)
	}
	if stA.Dispatch != stB.Dispatch {
		t.Fatalf("dispatch differs: %+v vs %+v", stA.Dispatch, stB.Dispatch)
	}
	if !bytes.Equal(imgA.Pix, imgB.Pix) {
		t.Fatalf("restored engine renders a different image")
	}
}

func TestRestore_RejectsMismatchedDims(t *testing.T) {
	a := newEngine(t)
	snap, err := a.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	cfg := testConfig()
	cfg.Grid.X = 5
	b, err := New(cfg, solidLoader(), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := b.Restore(snap); err == nil {
		t.Fatalf("restore across grid sizes accepted")
	}
}

func TestRestore_RejectsOtherShadingSizeUntouched(t *testing.T) {
	a := newEngine(t)
	ctx := context.Background()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < 2; i++ {
		if _, err := a.RenderFrame(ctx, a.Camera(0), img); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	snap, err := a.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	cfg := testConfig()
	cfg.Shading.PerBucket = 32 * 512
	b, err := New(cfg, solidLoader(), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := b.Restore(snap); err == nil {
		t.Fatalf("restore across shading sizes accepted")
	}
	if b.Frame() != 0 || b.Coordinator().Resident() != 0 {
		t.Fatalf("rejected restore changed state: frame=%d resident=%d", b.Frame(), b.Coordinator().Resident())
	}

	// Still fresh enough to take a matching snapshot.
	c, err := New(cfg, solidLoader(), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if _, err := c.RenderFrame(ctx, c.Camera(0), img); err != nil {
		t.Fatalf("frame: %v", err)
	}
	good, err := c.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := b.Restore(good); err != nil {
		t.Fatalf("restore after rejected snapshot: %v", err)
	}
}

type recorder struct {
	mu     sync.Mutex
	frames []FrameStats
}

func (r *recorder) WriteFrame(st FrameStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, st)
	return nil
}

type sink struct{ n int }

func (s *sink) Publish(_ FrameStats, img *image.RGBA) {
	if img != nil {
		s.n++
	}
}

func TestRun_StopsAfterMaxFrames(t *testing.T) {
	e := newEngine(t)
	rec := &recorder{}
	e.SetRecorder(rec)
	out := &sink{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Run(ctx, 3, out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.n != 3 || len(rec.frames) != 3 {
		t.Fatalf("published %d, recorded %d", out.n, len(rec.frames))
	}
	for i, st := range rec.frames {
		if st.Frame != uint64(i) {
			t.Fatalf("frame %d recorded as %d", i, st.Frame)
		}
		total := 0
		for _, n := range st.Cells {
			total += n
		}
		if total != 64 {
			t.Fatalf("cell histogram covers %d cells", total)
		}
	}
}

func TestRun_ServesSnapshotRequests(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, 0, nil) }()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer reqCancel()
	snap, err := e.RequestSnapshot(reqCtx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Cells) != 64 || len(snap.Slots) != 64 {
		t.Fatalf("snapshot sizes: cells=%d slots=%d", len(snap.Cells), len(snap.Slots))
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
}
