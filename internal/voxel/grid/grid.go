package grid

import (
	"fmt"
	"sync/atomic"
)

// State is the residency state of one coarse grid cell.
type State uint8

const (
	Empty State = iota
	Unloaded
	Loading
	Loaded
)

func (s State) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case Unloaded:
		return "UNLOADED"
	case Loading:
		return "LOADING"
	case Loaded:
		return "LOADED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Tag bits stored in the low nibble of a cell word.
const (
	TagUnloaded uint32 = 1
	TagLoading  uint32 = 2
	TagLoaded   uint32 = 4

	tagBits    = 4
	tagMask    = 1<<tagBits - 1
	MaxPayload = 1<<(32-tagBits) - 1
)

// Cell is a tagged pointer: 4-bit state tag + 28-bit payload. The payload is a
// cache index when Loaded and a coarse colour when Empty; otherwise it carries
// no meaning.
type Cell uint32

func NewCell(s State, payload uint32) Cell {
	var tag uint32
	switch s {
	case Unloaded:
		tag = TagUnloaded
	case Loading:
		tag = TagUnloaded | TagLoading
	case Loaded:
		tag = TagLoaded
	}
	return Cell(payload<<tagBits | tag)
}

func LoadedCell(cacheIdx uint32) Cell { return NewCell(Loaded, cacheIdx) }
func EmptyCell(color uint32) Cell     { return NewCell(Empty, color) }
func UnloadedCell() Cell              { return NewCell(Unloaded, 0) }

func (c Cell) State() State {
	tag := uint32(c) & tagMask
	switch {
	case tag&TagLoaded != 0:
		return Loaded
	case tag&TagLoading != 0:
		return Loading
	case tag&TagUnloaded != 0:
		return Unloaded
	default:
		return Empty
	}
}

func (c Cell) Payload() uint32 { return uint32(c) >> tagBits }

func (c Cell) String() string {
	return fmt.Sprintf("%s(%d)", c.State(), c.Payload())
}

// Pos is a coarse grid coordinate.
type Pos struct {
	X, Y, Z uint32
}

type Dims struct {
	X, Y, Z int
}

func (d Dims) Count() int { return d.X * d.Y * d.Z }

// Sum bounds the number of cells any straight line can visit.
func (d Dims) Sum() int { return d.X + d.Y + d.Z }

func (d Dims) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < d.X && y < d.Y && z < d.Z
}

func (d Dims) Index(p Pos) int {
	return int(p.X) + int(p.Y)*d.X + int(p.Z)*d.X*d.Y
}

func (d Dims) Pos(i int) Pos {
	return Pos{
		X: uint32(i % d.X),
		Y: uint32((i / d.X) % d.Y),
		Z: uint32(i / (d.X * d.Y)),
	}
}

func (d Dims) Validate() error {
	if d.X <= 0 || d.Y <= 0 || d.Z <= 0 {
		return fmt.Errorf("grid dims must be positive: %dx%dx%d", d.X, d.Y, d.Z)
	}
	return nil
}

// Directory is the grid of tagged cells shared by every traversal of a frame.
// All access goes through atomic operations; it is sized once and never grows.
type Directory struct {
	dims  Dims
	cells []atomic.Uint32
}

func NewDirectory(dims Dims, initial Cell) *Directory {
	d := &Directory{
		dims:  dims,
		cells: make([]atomic.Uint32, dims.Count()),
	}
	for i := range d.cells {
		d.cells[i].Store(uint32(initial))
	}
	return d
}

func (d *Directory) Dims() Dims { return d.dims }
func (d *Directory) Len() int   { return len(d.cells) }

func (d *Directory) Load(i int) Cell { return Cell(d.cells[i].Load()) }

// Store publishes a full cell value in one atomic write.
func (d *Directory) Store(i int, c Cell) { d.cells[i].Store(uint32(c)) }

// TryClaim sets the loading bit with an atomic OR. Only the caller whose OR saw
// the bit clear owns the claim; every other concurrent caller gets false.
func (d *Directory) TryClaim(i int) bool {
	prev := d.cells[i].Or(TagLoading)
	return prev&TagLoading == 0
}

// ReleaseClaim clears the loading bit, returning a claimed cell to Unloaded.
func (d *Directory) ReleaseClaim(i int) {
	d.cells[i].And(^TagLoading)
}

// Words copies the raw cell words.
func (d *Directory) Words() []uint32 {
	out := make([]uint32, len(d.cells))
	for i := range d.cells {
		out[i] = d.cells[i].Load()
	}
	return out
}

// Restore overwrites every cell. Cells caught mid-claim come back Unloaded.
func (d *Directory) Restore(words []uint32) error {
	if len(words) != len(d.cells) {
		return fmt.Errorf("restore: got %d cells, directory has %d", len(words), len(d.cells))
	}
	for i, w := range words {
		c := Cell(w)
		if c.State() == Loading {
			c = UnloadedCell()
		}
		d.cells[i].Store(uint32(c))
	}
	return nil
}

// CountStates returns a histogram of cell states.
func (d *Directory) CountStates() map[State]int {
	out := map[State]int{}
	for i := range d.cells {
		out[Cell(d.cells[i].Load()).State()]++
	}
	return out
}
