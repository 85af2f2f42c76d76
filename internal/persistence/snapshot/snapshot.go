package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	RunID   string `json:"run_id"`
	Frame   uint64 `json:"frame"`
}

// SnapshotV1 is the residency state of a renderer between frames: the
// directory words, cache and shading arenas, and the streaming slot table.
type SnapshotV1 struct {
	Header Header `json:"header"`

	Dims    [3]int    `json:"dims"`
	Cells   []uint32  `json:"cells"`
	Bricks  []BrickV1 `json:"bricks"`
	Shading []uint32  `json:"shading"`

	Slots  []SlotV1 `json:"slots"`
	Cursor int      `json:"cursor"`
}

type BrickV1 struct {
	Mask          [16]uint32 `json:"mask"`
	ShadingOffset uint32     `json:"shading_offset"`
	LODColor      uint32     `json:"lod_color"`
}

type SlotV1 struct {
	Cell     int32  `json:"cell"`
	Offset   uint32 `json:"offset"`
	Elements uint16 `json:"elements"`
}

// Validate checks the internal consistency a restore depends on.
func (s *SnapshotV1) Validate() error {
	if s.Header.Version != Version {
		return fmt.Errorf("snapshot: unsupported version %d", s.Header.Version)
	}
	n := s.Dims[0] * s.Dims[1] * s.Dims[2]
	if n <= 0 || len(s.Cells) != n {
		return fmt.Errorf("snapshot: %d cells for dims %v", len(s.Cells), s.Dims)
	}
	if len(s.Slots) != len(s.Bricks) {
		return fmt.Errorf("snapshot: %d slots for %d bricks", len(s.Slots), len(s.Bricks))
	}
	for i, sl := range s.Slots {
		if sl.Cell >= int32(n) {
			return fmt.Errorf("snapshot: slot %d cell %d out of range", i, sl.Cell)
		}
		if int(sl.Offset)+int(sl.Elements) > len(s.Shading) {
			return fmt.Errorf("snapshot: slot %d shading range out of table", i)
		}
	}
	return nil
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// ReadHeader returns only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The header line is repeated inside the gob body.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}
