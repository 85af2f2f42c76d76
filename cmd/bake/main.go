package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"brickstream.ai/internal/config"
	"brickstream.ai/internal/persistence/brickstore"
	"brickstream.ai/internal/stream"
	"brickstream.ai/internal/voxel/brick"
	"brickstream.ai/internal/voxel/grid"
	"brickstream.ai/internal/world/gen"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/render.yaml", "path to render.yaml")
		storePath  = flag.String("store", "", "sqlite brick store path (overrides store.path)")
		minFlag    = flag.String("min", "0,0,0", "first cell of the region, x,y,z")
		maxFlag    = flag.String("max", "", "last cell of the region, x,y,z (default: far corner of the grid)")
		workers    = flag.Int("workers", runtime.NumCPU(), "generator goroutines")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bake] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if p := strings.TrimSpace(*storePath); p != "" {
		cfg.Store.Path = p
	}
	if cfg.Store.Path == "" {
		logger.Fatalf("no brick store: pass -store or set store.path")
	}

	lo, err := parsePos(*minFlag)
	if err != nil {
		logger.Fatalf("-min: %v", err)
	}
	hi := grid.Pos{X: uint32(cfg.Grid.X - 1), Y: uint32(cfg.Grid.Y - 1), Z: uint32(cfg.Grid.Z - 1)}
	if *maxFlag != "" {
		if hi, err = parsePos(*maxFlag); err != nil {
			logger.Fatalf("-max: %v", err)
		}
	}
	cells := region(lo, hi)
	if len(cells) == 0 {
		logger.Fatalf("empty region %v..%v", lo, hi)
	}

	store, err := brickstore.OpenSQLite(cfg.Store.Path)
	if err != nil {
		logger.Fatalf("open brick store: %v", err)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	st, err := bake(ctx, gen.New(cfg.World), store, cells, *workers)
	if err != nil {
		logger.Printf("bake stopped: %v", err)
	}
	n, _ := store.Count(context.Background())
	logger.Printf("baked %d cells (%d surface, %d empty, %d voxels) in %s; store holds %d bricks",
		st.cells.Load(), st.surface.Load(), st.cells.Load()-st.surface.Load(), st.voxels.Load(),
		time.Since(start).Round(time.Millisecond), n)
}

type bakeStats struct {
	cells   atomic.Int64
	surface atomic.Int64
	voxels  atomic.Int64
}

type brickWriter interface {
	PutSync(ctx context.Context, pos grid.Pos, p brick.Payload) error
}

func bake(ctx context.Context, src stream.Loader, dst brickWriter, cells []grid.Pos, workers int) (*bakeStats, error) {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan grid.Pos, len(cells))
	for _, p := range cells {
		tasks <- p
	}
	close(tasks)

	st := &bakeStats{}
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range tasks {
				if ctx.Err() != nil {
					return
				}
				payload, err := src.LoadBrick(ctx, p)
				if err == nil {
					err = dst.PutSync(ctx, p, payload)
				}
				if err != nil {
					errOnce.Do(func() {
						firstErr = fmt.Errorf("cell %v: %w", p, err)
						cancel()
					})
					return
				}
				st.cells.Add(1)
				if !payload.Empty() {
					st.surface.Add(1)
					st.voxels.Add(int64(len(payload.Albedo)))
				}
			}
		}()
	}
	wg.Wait()
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	return st, firstErr
}

func parsePos(s string) (grid.Pos, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return grid.Pos{}, fmt.Errorf("want x,y,z, got %q", s)
	}
	var v [3]uint32
	for i, part := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return grid.Pos{}, fmt.Errorf("%q: %w", part, err)
		}
		v[i] = uint32(n)
	}
	return grid.Pos{X: v[0], Y: v[1], Z: v[2]}, nil
}

// region lists every cell in the inclusive box lo..hi, x fastest.
func region(lo, hi grid.Pos) []grid.Pos {
	if hi.X < lo.X || hi.Y < lo.Y || hi.Z < lo.Z {
		return nil
	}
	var out []grid.Pos
	for z := lo.Z; z <= hi.Z; z++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for x := lo.X; x <= hi.X; x++ {
				out = append(out, grid.Pos{X: x, Y: y, Z: z})
			}
		}
	}
	return out
}
