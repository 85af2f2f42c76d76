// Package engine runs the frame loop: it owns the residency storage and
// drives unpack, dispatch, feedback and staging in a fixed order.
package engine

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"log"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"

	"brickstream.ai/internal/config"
	"brickstream.ai/internal/persistence/snapshot"
	"brickstream.ai/internal/render/camera"
	"brickstream.ai/internal/render/raycast"
	"brickstream.ai/internal/stream"
	"brickstream.ai/internal/voxel/arena"
	"brickstream.ai/internal/voxel/brick"
	"brickstream.ai/internal/voxel/feedback"
	"brickstream.ai/internal/voxel/grid"
)

type FrameStats struct {
	RunID      string                `json:"run_id"`
	Frame      uint64                `json:"frame"`
	UnixMS     int64                 `json:"unix_ms"`
	DurationMS float64               `json:"duration_ms"`
	Unpack     arena.UnpackStats     `json:"unpack"`
	Dispatch   raycast.DispatchStats `json:"dispatch"`
	Feedback   stream.FeedbackStats  `json:"feedback"`
	Stage      stream.StageStats     `json:"stage"`
	Resident   int                   `json:"resident"`
	Cells      map[string]int        `json:"cells,omitempty"`
}

// FrameRecorder persists per-frame statistics.
type FrameRecorder interface {
	WriteFrame(FrameStats) error
}

// Sink receives every rendered frame. img is reused by the next frame, so a
// sink must copy or encode it before returning.
type Sink interface {
	Publish(stats FrameStats, img *image.RGBA)
}

type Engine struct {
	cfg    config.Config
	logger *log.Logger
	runID  string

	dir    *grid.Directory
	cache  *arena.BrickCache
	table  *arena.ShadingTable
	queue  *feedback.Queue
	caster *raycast.Caster
	coord  *stream.Coordinator

	pending *arena.UnpackBuffers
	frame   uint64
	img     *image.RGBA

	recorder FrameRecorder
	snapReq  chan snapshotReq
}

type snapshotReq struct {
	resp chan snapshotResp
}

type snapshotResp struct {
	snap snapshot.SnapshotV1
	err  error
}

func New(cfg config.Config, loader stream.Loader, logger *log.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	dims := grid.Dims{X: cfg.Grid.X, Y: cfg.Grid.Y, Z: cfg.Grid.Z}
	if err := dims.Validate(); err != nil {
		return nil, err
	}

	queue := feedback.NewQueue(cfg.Feedback.MaxRequests)
	coord, err := stream.NewCoordinator(dims, queue, loader, stream.Options{
		CacheSlots:       cfg.Cache.Slots,
		ShadingBuckets:   cfg.Shading.Buckets,
		ShadingPerBucket: cfg.Shading.PerBucket,
		MaxGridUpdates:   cfg.Unpack.MaxGridUpdates,
		MaxBrickUpdates:  cfg.Unpack.MaxBrickUpdates,
		LoadWorkers:      cfg.Render.LoadWorkers,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		runID:   uuid.NewString(),
		dir:     grid.NewDirectory(dims, grid.UnloadedCell()),
		cache:   arena.NewBrickCache(cfg.Cache.Slots),
		table:   arena.NewShadingTable(coord.ShadingElements()),
		queue:   queue,
		coord:   coord,
		img:     image.NewRGBA(image.Rect(0, 0, cfg.Image.Width, cfg.Image.Height)),
		snapReq: make(chan snapshotReq),
	}
	e.caster = raycast.NewCaster(e.dir, e.cache, e.table, e.queue)
	bg := cfg.Render.Background
	e.caster.Background = color.RGBA{R: bg[0], G: bg[1], B: bg[2], A: bg[3]}
	return e, nil
}

func (e *Engine) RunID() string              { return e.runID }
func (e *Engine) Frame() uint64              { return e.frame }
func (e *Engine) Dims() grid.Dims            { return e.dir.Dims() }
func (e *Engine) Image() *image.RGBA         { return e.img }
func (e *Engine) Directory() *grid.Directory { return e.dir }
func (e *Engine) Coordinator() *stream.Coordinator {
	return e.coord
}

// SetRecorder attaches a frame recorder used by Run.
func (e *Engine) SetRecorder(r FrameRecorder) { e.recorder = r }

// Camera returns the configured camera for a frame, orbiting when enabled.
func (e *Engine) Camera(frame uint64) camera.Uniform {
	c := e.cfg.Camera
	aspect := float32(e.cfg.Image.Width) / float32(e.cfg.Image.Height)
	if c.Orbit.Enabled {
		angle := float32(frame) * c.Orbit.DegPerFrame
		return camera.Orbit(mgl32.Vec3(c.Orbit.Center), c.Orbit.Radius, c.Orbit.Height, angle, c.FovY, aspect, c.Near, c.Far)
	}
	return camera.New(mgl32.Vec3(c.Eye), c.Yaw, c.Pitch, c.FovY, aspect, c.Near, c.Far)
}

// RenderFrame runs one frame into img: commit the buffers staged last frame,
// trace every pixel, serve the requests the trace produced and stage the
// resulting uploads for the next frame. Each step completes before the next
// begins.
func (e *Engine) RenderFrame(ctx context.Context, cam camera.Uniform, img *image.RGBA) (FrameStats, error) {
	start := time.Now()
	st := FrameStats{RunID: e.runID, Frame: e.frame}

	us, err := e.unpackPending()
	if err != nil {
		instrumentFrameError("unpack")
		return st, err
	}
	st.Unpack = us

	st.Dispatch, err = e.caster.Dispatch(ctx, cam, img, raycast.DispatchOptions{
		TileSize: e.cfg.Image.TileSize,
		Workers:  e.cfg.Image.Workers,
	})
	if err != nil {
		instrumentFrameError("dispatch")
		return st, err
	}

	st.Feedback, err = e.coord.ProcessFeedback(ctx)
	if err != nil {
		instrumentFrameError("feedback")
		return st, err
	}

	e.pending, st.Stage = e.coord.Stage()
	st.Resident = e.coord.Resident()

	e.frame++
	st.UnixMS = time.Now().UnixMilli()
	st.DurationMS = float64(time.Since(start).Microseconds()) / 1000
	instrumentFrame(st, time.Since(start))
	return st, nil
}

func (e *Engine) unpackPending() (arena.UnpackStats, error) {
	if e.pending == nil || e.pending.Empty() {
		e.pending = nil
		return arena.UnpackStats{}, nil
	}
	st, err := arena.Unpack(e.dir, e.cache, e.table, e.pending)
	if err != nil {
		return st, fmt.Errorf("unpack frame %d: %w", e.frame, err)
	}
	e.pending = nil
	return st, nil
}

// Flush commits every staged and backlogged upload without rendering.
func (e *Engine) Flush() error {
	for {
		if _, err := e.unpackPending(); err != nil {
			return err
		}
		if e.coord.Backlog() == 0 {
			return nil
		}
		e.pending, _ = e.coord.Stage()
	}
}

// Snapshot flushes pending uploads and captures the residency state.
// It must not be called concurrently with Run; use RequestSnapshot instead.
func (e *Engine) Snapshot() (snapshot.SnapshotV1, error) {
	if err := e.Flush(); err != nil {
		return snapshot.SnapshotV1{}, err
	}
	state, err := e.coord.ExportState()
	if err != nil {
		return snapshot.SnapshotV1{}, err
	}
	dims := e.dir.Dims()
	snap := snapshot.SnapshotV1{
		Header:  snapshot.Header{Version: snapshot.Version, RunID: e.runID, Frame: e.frame},
		Dims:    [3]int{dims.X, dims.Y, dims.Z},
		Cells:   e.dir.Words(),
		Shading: e.table.Elements(),
		Cursor:  state.Cursor,
	}
	for _, b := range e.cache.Bricks() {
		snap.Bricks = append(snap.Bricks, snapshot.BrickV1{Mask: b.Mask, ShadingOffset: b.ShadingOffset, LODColor: b.LODColor})
	}
	for _, s := range state.Slots {
		snap.Slots = append(snap.Slots, snapshot.SlotV1{Cell: s.Cell, Offset: s.Offset, Elements: s.Elements})
	}
	return snap, nil
}

// Restore loads a snapshot into a fresh engine with the same arena sizes.
// Cells that were mid-request come back Unloaded and are requested again.
func (e *Engine) Restore(snap snapshot.SnapshotV1) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	dims := e.dir.Dims()
	if snap.Dims != [3]int{dims.X, dims.Y, dims.Z} {
		return fmt.Errorf("restore: snapshot dims %v, engine dims %v", snap.Dims, dims)
	}
	if e.frame != 0 {
		return fmt.Errorf("restore: engine already rendered %d frames", e.frame)
	}
	switch {
	case len(snap.Cells) != e.dir.Len():
		return fmt.Errorf("restore: snapshot has %d cells, grid has %d", len(snap.Cells), e.dir.Len())
	case len(snap.Bricks) != e.cache.Len() || len(snap.Slots) != e.cache.Len():
		return fmt.Errorf("restore: snapshot has %d bricks and %d slots, cache has %d", len(snap.Bricks), len(snap.Slots), e.cache.Len())
	case len(snap.Shading) != e.table.Len():
		return fmt.Errorf("restore: snapshot has %d shading elements, table has %d", len(snap.Shading), e.table.Len())
	}

	slots := make([]stream.SlotState, len(snap.Slots))
	for i, s := range snap.Slots {
		slots[i] = stream.SlotState{Cell: s.Cell, Offset: s.Offset, Elements: s.Elements}
	}
	if err := e.coord.RestoreState(stream.State{Slots: slots, Cursor: snap.Cursor}); err != nil {
		return err
	}
	bricks := make([]brick.Brick, len(snap.Bricks))
	for i, b := range snap.Bricks {
		bricks[i] = brick.Brick{Mask: b.Mask, ShadingOffset: b.ShadingOffset, LODColor: b.LODColor}
	}
	if err := e.cache.Restore(bricks); err != nil {
		return err
	}
	if err := e.table.Restore(snap.Shading); err != nil {
		return err
	}
	if err := e.dir.Restore(snap.Cells); err != nil {
		return err
	}
	e.queue.Reset()
	e.frame = snap.Header.Frame
	e.logger.Printf("restored frame %d from run %s: %d resident bricks", snap.Header.Frame, snap.Header.RunID, e.coord.Resident())
	return nil
}

// RequestSnapshot asks a running loop for a snapshot taken between frames.
func (e *Engine) RequestSnapshot(ctx context.Context) (snapshot.SnapshotV1, error) {
	req := snapshotReq{resp: make(chan snapshotResp, 1)}
	select {
	case e.snapReq <- req:
	case <-ctx.Done():
		return snapshot.SnapshotV1{}, ctx.Err()
	}
	select {
	case r := <-req.resp:
		return r.snap, r.err
	case <-ctx.Done():
		return snapshot.SnapshotV1{}, ctx.Err()
	}
}

// Run renders frames at the configured rate until ctx is done or maxFrames
// frames have been rendered (0 means no limit).
func (e *Engine) Run(ctx context.Context, maxFrames uint64, sink Sink) error {
	fps := e.cfg.Render.FPS
	if fps <= 0 {
		fps = 30
	}
	interval := time.Second / time.Duration(fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var rendered uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-e.snapReq:
			snap, err := e.Snapshot()
			req.resp <- snapshotResp{snap: snap, err: err}
		case <-ticker.C:
			st, err := e.RenderFrame(ctx, e.Camera(e.frame), e.img)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
			if e.recorder != nil {
				st.Cells = stateCounts(e.dir)
				if err := e.recorder.WriteFrame(st); err != nil {
					e.logger.Printf("frame log: %v", err)
				}
			}
			if sink != nil {
				sink.Publish(st, e.img)
			}
			rendered++
			if maxFrames > 0 && rendered >= maxFrames {
				return nil
			}
		}
	}
}

func stateCounts(dir *grid.Directory) map[string]int {
	out := map[string]int{}
	for s, n := range dir.CountStates() {
		out[s.String()] = n
	}
	return out
}
