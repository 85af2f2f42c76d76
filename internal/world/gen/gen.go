// Package gen is the procedural brick source: a value-noise density field
// sampled at cell corners and interpolated down to voxels.
package gen

import (
	"context"
	"fmt"
	"math"

	"brickstream.ai/internal/voxel/brick"
	"brickstream.ai/internal/voxel/grid"
	"brickstream.ai/internal/world/mathx"
)

type Settings struct {
	Seed       int64   `yaml:"seed"`
	Frequency  float64 `yaml:"frequency"`
	Octaves    int     `yaml:"octaves"`
	Gain       float64 `yaml:"gain"`
	Lacunarity float64 `yaml:"lacunarity"`
	// HeightBias adds HeightBias*(BaseHeight-y) to the noise at cell row y,
	// turning the field into terrain that is solid below BaseHeight.
	HeightBias float64 `yaml:"height_bias"`
	BaseHeight float64 `yaml:"base_height"`
}

func DefaultSettings() Settings {
	return Settings{
		Seed:       1337,
		Frequency:  0.15,
		Octaves:    4,
		Gain:       0.5,
		Lacunarity: 2,
		HeightBias: 0.08,
		BaseHeight: 8,
	}
}

func (s Settings) Validate() error {
	if s.Frequency <= 0 {
		return fmt.Errorf("world.frequency must be > 0")
	}
	if s.Octaves < 1 || s.Octaves > 16 {
		return fmt.Errorf("world.octaves must be in [1,16]")
	}
	if s.Lacunarity <= 0 {
		return fmt.Errorf("world.lacunarity must be > 0")
	}
	return nil
}

type Generator struct {
	s Settings
}

func New(s Settings) *Generator {
	return &Generator{s: s}
}

func (g *Generator) Settings() Settings { return g.s }

func (g *Generator) lattice(o, x, y, z int) float64 {
	return mathx.Signed(mathx.Hash3(g.s.Seed+int64(o)*7919, x, y, z))
}

func (g *Generator) valueNoise(o int, x, y, z float64) float64 {
	x0, y0, z0 := math.Floor(x), math.Floor(y), math.Floor(z)
	ix, iy, iz := int(x0), int(y0), int(z0)
	tx, ty, tz := mathx.Smooth(x-x0), mathx.Smooth(y-y0), mathx.Smooth(z-z0)

	c000 := g.lattice(o, ix, iy, iz)
	c100 := g.lattice(o, ix+1, iy, iz)
	c010 := g.lattice(o, ix, iy+1, iz)
	c110 := g.lattice(o, ix+1, iy+1, iz)
	c001 := g.lattice(o, ix, iy, iz+1)
	c101 := g.lattice(o, ix+1, iy, iz+1)
	c011 := g.lattice(o, ix, iy+1, iz+1)
	c111 := g.lattice(o, ix+1, iy+1, iz+1)

	x00 := mathx.Lerp(c000, c100, tx)
	x10 := mathx.Lerp(c010, c110, tx)
	x01 := mathx.Lerp(c001, c101, tx)
	x11 := mathx.Lerp(c011, c111, tx)
	return mathx.Lerp(mathx.Lerp(x00, x10, ty), mathx.Lerp(x01, x11, ty), tz)
}

// fbm sums octaves of value noise, normalized back into [-1, 1].
func (g *Generator) fbm(x, y, z float64) float64 {
	freq, amp := g.s.Frequency, 1.0
	var sum, norm float64
	for o := 0; o < g.s.Octaves; o++ {
		sum += amp * g.valueNoise(o, x*freq, y*freq, z*freq)
		norm += amp
		freq *= g.s.Lacunarity
		amp *= g.s.Gain
	}
	if norm == 0 {
		return 0
	}
	return sum / norm
}

// CornerDensity is the field at the corner (cx, cy, cz) of the cell grid.
// Positive means solid.
func (g *Generator) CornerDensity(cx, cy, cz int) float64 {
	return g.fbm(float64(cx), float64(cy), float64(cz)) + g.s.HeightBias*(g.s.BaseHeight-float64(cy))
}

type corners [8]float64

func (g *Generator) cellCorners(cx, cy, cz int) corners {
	var c corners
	i := 0
	for dz := 0; dz < 2; dz++ {
		for dy := 0; dy < 2; dy++ {
			for dx := 0; dx < 2; dx++ {
				c[i] = g.CornerDensity(cx+dx, cy+dy, cz+dz)
				i++
			}
		}
	}
	return c
}

// at interpolates the corners at voxel centre (lx, ly, lz) of the cell.
func (c *corners) at(lx, ly, lz int) float64 {
	tx := (float64(lx) + 0.5) / brick.Size
	ty := (float64(ly) + 0.5) / brick.Size
	tz := (float64(lz) + 0.5) / brick.Size
	x00 := mathx.Lerp(c[0], c[1], tx)
	x10 := mathx.Lerp(c[2], c[3], tx)
	x01 := mathx.Lerp(c[4], c[5], tx)
	x11 := mathx.Lerp(c[6], c[7], tx)
	return mathx.Lerp(mathx.Lerp(x00, x10, ty), mathx.Lerp(x01, x11, ty), tz)
}

// Density samples the field at the centre of voxel (vx, vy, vz), in voxel
// units from the world origin.
func (g *Generator) Density(vx, vy, vz int) float64 {
	c := g.cellCorners(mathx.FloorDiv(vx, brick.Size), mathx.FloorDiv(vy, brick.Size), mathx.FloorDiv(vz, brick.Size))
	return c.at(mathx.Mod(vx, brick.Size), mathx.Mod(vy, brick.Size), mathx.Mod(vz, brick.Size))
}

func (g *Generator) Solid(vx, vy, vz int) bool {
	return g.Density(vx, vy, vz) > 0
}

// Color is a per-brick gradient: each channel ramps with the local coordinate.
func (g *Generator) Color(vx, vy, vz int) uint32 {
	lx, ly, lz := mathx.Mod(vx, brick.Size), mathx.Mod(vy, brick.Size), mathx.Mod(vz, brick.Size)
	return brick.PackRGBA(uint8((lx+1)*32-1), uint8((ly+1)*32-1), uint8((lz+1)*32-1), 255)
}

// LoadBrick builds the brick for one cell, keeping only surface voxels: solid
// voxels with at least one empty face neighbour, neighbours in adjacent cells
// included.
func (g *Generator) LoadBrick(ctx context.Context, pos grid.Pos) (brick.Payload, error) {
	if err := ctx.Err(); err != nil {
		return brick.Payload{}, err
	}
	const n = brick.Size + 2
	cx, cy, cz := int(pos.X), int(pos.Y), int(pos.Z)

	// Corner sets for the 3x3x3 block of cells around pos, built on demand.
	var near [27]*corners
	sample := func(x, y, z int) bool {
		ox, oy, oz := mathx.FloorDiv(x, brick.Size), mathx.FloorDiv(y, brick.Size), mathx.FloorDiv(z, brick.Size)
		k := (ox + 1) + (oy+1)*3 + (oz+1)*9
		if near[k] == nil {
			c := g.cellCorners(cx+ox, cy+oy, cz+oz)
			near[k] = &c
		}
		return near[k].at(mathx.Mod(x, brick.Size), mathx.Mod(y, brick.Size), mathx.Mod(z, brick.Size)) > 0
	}

	var solid [n * n * n]bool
	at := func(x, y, z int) int { return (x + 1) + (y+1)*n + (z+1)*n*n }
	for z := -1; z <= brick.Size; z++ {
		for y := -1; y <= brick.Size; y++ {
			for x := -1; x <= brick.Size; x++ {
				solid[at(x, y, z)] = sample(x, y, z)
			}
		}
	}

	var p brick.Payload
	for i := 0; i < brick.Voxels; i++ {
		x, y, z := brick.LocalPos(i)
		if !solid[at(x, y, z)] {
			continue
		}
		if solid[at(x-1, y, z)] && solid[at(x+1, y, z)] &&
			solid[at(x, y-1, z)] && solid[at(x, y+1, z)] &&
			solid[at(x, y, z-1)] && solid[at(x, y, z+1)] {
			continue
		}
		p.Mask.Set(i)
		p.Albedo = append(p.Albedo, g.Color(x, y, z))
	}
	p.LODColor = brick.AverageColor(p.Albedo)
	return p, nil
}
