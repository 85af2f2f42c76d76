package brick

import (
	"errors"
	"fmt"
	"image/color"
	"math/bits"
)

const (
	Size      = 8
	Voxels    = Size * Size * Size // 512
	MaskWords = Voxels / 32        // 16
)

// LocalIndex maps a voxel position inside a brick to its bit index.
// x varies fastest: i = x + 8y + 64z.
func LocalIndex(x, y, z int) int {
	return x + y*Size + z*Size*Size
}

func LocalPos(i int) (x, y, z int) {
	return i % Size, (i / Size) % Size, i / (Size * Size)
}

// Mask is the 512-bit occupancy mask of a brick. Bit i%32 of word i/32 is set
// when voxel i is present.
type Mask [MaskWords]uint32

func (m *Mask) Set(i int)   { m[i>>5] |= 1 << (uint(i) & 31) }
func (m *Mask) Clear(i int) { m[i>>5] &^= 1 << (uint(i) & 31) }

func (m *Mask) Has(i int) bool {
	return m[i>>5]&(1<<(uint(i)&31)) != 0
}

func (m *Mask) Count() int {
	n := 0
	for _, w := range m {
		n += bits.OnesCount32(w)
	}
	return n
}

// Rank returns the number of set bits strictly below bit i.
func (m *Mask) Rank(i int) int {
	word := i >> 5
	n := 0
	for w := 0; w < word; w++ {
		n += bits.OnesCount32(m[w])
	}
	below := uint32(1)<<(uint(i)&31) - 1
	return n + bits.OnesCount32(m[word]&below)
}

func (m *Mask) Empty() bool {
	for _, w := range m {
		if w != 0 {
			return false
		}
	}
	return true
}

func FullMask() Mask {
	var m Mask
	for i := range m {
		m[i] = 0xFFFFFFFF
	}
	return m
}

// Brick is the resident record stored in a cache slot.
type Brick struct {
	Mask          Mask
	ShadingOffset uint32
	LODColor      uint32
}

// ShadingIndex resolves the shading-table element of local voxel i. Only
// meaningful when the voxel is present.
func (b *Brick) ShadingIndex(i int) uint32 {
	return b.ShadingOffset + uint32(b.Mask.Rank(i))
}

var ErrInvalidPayload = errors.New("invalid brick payload")

// Payload is what a loader produces for one grid cell: the surface mask plus
// its albedo in rank order.
type Payload struct {
	Mask     Mask
	Albedo   []uint32
	LODColor uint32
}

func (p Payload) Empty() bool { return len(p.Albedo) == 0 && p.Mask.Empty() }

func (p Payload) Validate() error {
	n := p.Mask.Count()
	if len(p.Albedo) != n {
		return fmt.Errorf("%w: albedo count %d does not match mask population %d", ErrInvalidPayload, len(p.Albedo), n)
	}
	if n > Voxels {
		return fmt.Errorf("%w: albedo count %d exceeds %d", ErrInvalidPayload, n, Voxels)
	}
	return nil
}

// PackRGBA packs a colour as r<<24 | g<<16 | b<<8 | a.
func PackRGBA(r, g, b, a uint8) uint32 {
	return uint32(r)<<24 | uint32(g)<<16 | uint32(b)<<8 | uint32(a)
}

func UnpackRGBA(v uint32) (r, g, b, a uint8) {
	return uint8(v >> 24), uint8(v >> 16), uint8(v >> 8), uint8(v)
}

func ToColor(v uint32) color.RGBA {
	r, g, b, a := UnpackRGBA(v)
	return color.RGBA{R: r, G: g, B: b, A: a}
}

// AverageColor returns the mean of packed colours, used as the coarse LOD colour.
func AverageColor(albedo []uint32) uint32 {
	if len(albedo) == 0 {
		return 0
	}
	var sr, sg, sb, sa uint64
	for _, v := range albedo {
		r, g, b, a := UnpackRGBA(v)
		sr += uint64(r)
		sg += uint64(g)
		sb += uint64(b)
		sa += uint64(a)
	}
	n := uint64(len(albedo))
	return PackRGBA(uint8(sr/n), uint8(sg/n), uint8(sb/n), uint8(sa/n))
}

// CoarseRGB drops the alpha byte so a packed colour fits a grid cell payload.
func CoarseRGB(v uint32) uint32 { return v >> 8 }

// FromCoarseRGB expands a cell payload colour back to an opaque packed colour.
func FromCoarseRGB(v uint32) uint32 { return v<<8 | 0xFF }
