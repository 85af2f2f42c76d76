package stream

import (
	"context"
	"errors"

	"brickstream.ai/internal/voxel/brick"
	"brickstream.ai/internal/voxel/grid"
)

// Writer accepts bricks produced by a fallback loader. Put must not block;
// a write it cannot take is dropped, since the fallback can produce the brick
// again.
type Writer interface {
	Put(pos grid.Pos, p brick.Payload)
}

// Chain asks Primary first and falls back when it reports Miss. Bricks that
// come from Fallback are handed to WriteBack, if set.
type Chain struct {
	Primary   Loader
	Fallback  Loader
	WriteBack Writer
	Miss      error
}

func (c Chain) LoadBrick(ctx context.Context, pos grid.Pos) (brick.Payload, error) {
	if c.Primary != nil {
		p, err := c.Primary.LoadBrick(ctx, pos)
		if err == nil {
			return p, nil
		}
		if c.Fallback == nil || c.Miss == nil || !errors.Is(err, c.Miss) {
			return brick.Payload{}, err
		}
	}
	if c.Fallback == nil {
		return brick.Payload{}, errors.New("stream: chain has no loader")
	}
	p, err := c.Fallback.LoadBrick(ctx, pos)
	if err != nil {
		return brick.Payload{}, err
	}
	if c.WriteBack != nil {
		c.WriteBack.Put(pos, p)
	}
	return p, nil
}
