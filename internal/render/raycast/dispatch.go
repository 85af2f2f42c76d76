package raycast

import (
	"context"
	"image"
	"runtime"
	"sync"

	"brickstream.ai/internal/render/camera"
)

// DefaultTileSize is the edge length of the square tiles handed to workers.
const DefaultTileSize = 32

type DispatchStats struct {
	Pixels    int `json:"pixels"`
	Hits      int `json:"hits"`
	Misses    int `json:"misses"`
	Requested int `json:"requested"`
	Tiles     int `json:"tiles"`
}

func (s *DispatchStats) add(o DispatchStats) {
	s.Pixels += o.Pixels
	s.Hits += o.Hits
	s.Misses += o.Misses
	s.Requested += o.Requested
	s.Tiles += o.Tiles
}

// DispatchOptions controls the fan-out of a dispatch. Zero values pick
// DefaultTileSize and one worker per CPU.
type DispatchOptions struct {
	TileSize int
	Workers  int
}

// Tiles splits bounds into disjoint squares of the given edge length.
func Tiles(bounds image.Rectangle, size int) []image.Rectangle {
	if size <= 0 {
		size = DefaultTileSize
	}
	var out []image.Rectangle
	for y := bounds.Min.Y; y < bounds.Max.Y; y += size {
		for x := bounds.Min.X; x < bounds.Max.X; x += size {
			out = append(out, image.Rect(x, y, x+size, y+size).Intersect(bounds))
		}
	}
	return out
}

// Dispatch traces one ray per pixel of img and overwrites every pixel, using
// Background where nothing is hit. Tiles are disjoint, so workers write the
// image without locking. The context is checked between tiles; a cancelled
// dispatch returns ctx.Err() and leaves the remaining tiles untouched.
func (c *Caster) Dispatch(ctx context.Context, cam camera.Uniform, img *image.RGBA, opts DispatchOptions) (DispatchStats, error) {
	bounds := img.Bounds()
	rays := cam.Rays(bounds.Dx(), bounds.Dy())
	tiles := Tiles(bounds, opts.TileSize)

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = min(workers, len(tiles))

	tasks := make(chan image.Rectangle, len(tiles))
	results := make(chan DispatchStats, len(tiles))
	for _, t := range tiles {
		tasks <- t
	}
	close(tasks)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				if ctx.Err() != nil {
					continue
				}
				results <- c.renderTile(rays, bounds.Min, img, t)
			}
		}()
	}
	wg.Wait()
	close(results)

	var st DispatchStats
	for r := range results {
		st.add(r)
	}
	return st, ctx.Err()
}

func (c *Caster) renderTile(rays camera.Rays, origin image.Point, img *image.RGBA, t image.Rectangle) DispatchStats {
	st := DispatchStats{Tiles: 1}
	for y := t.Min.Y; y < t.Max.Y; y++ {
		for x := t.Min.X; x < t.Max.X; x++ {
			o, d := rays.At(x-origin.X, y-origin.Y)
			h, ok, req := c.trace(o, d)
			st.Pixels++
			st.Requested += req
			if ok {
				st.Hits++
				img.SetRGBA(x, y, c.Shade(h))
			} else {
				st.Misses++
				img.SetRGBA(x, y, c.Background)
			}
		}
	}
	return st
}
