package log

import (
	"path/filepath"
	"testing"
	"time"

	"brickstream.ai/internal/engine"
)

func TestFrameLogger_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	l := NewFrameLogger(dir)

	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if i == 2 {
			clock = clock.Add(2 * time.Minute)
		}
		st := engine.FrameStats{RunID: "run", Frame: uint64(i), Resident: 10 * i}
		if err := l.WriteFrame(st); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "frames", "*.jsonl.zst"))
	if len(files) != 2 {
		t.Fatalf("files=%v want one per hour", files)
	}

	got, err := ReadFrames(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d frames want 3", len(got))
	}
	for i, st := range got {
		if st.Frame != uint64(i) || st.Resident != 10*i || st.RunID != "run" {
			t.Fatalf("frame %d: %+v", i, st)
		}
	}
}

func TestJSONLZstdWriter_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for run := 0; run < 2; run++ {
		l := NewFrameLogger(dir)
		l.w.now = func() time.Time { return clock }
		if err := l.WriteFrame(engine.FrameStats{Frame: uint64(run)}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	got, err := ReadFrames(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[1].Frame != 1 {
		t.Fatalf("got %+v", got)
	}
}

func TestReadFrames_EmptyDir(t *testing.T) {
	got, err := ReadFrames(t.TempDir())
	if err != nil || len(got) != 0 {
		t.Fatalf("got %d frames err=%v", len(got), err)
	}
}
