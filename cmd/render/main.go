package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"brickstream.ai/internal/config"
	"brickstream.ai/internal/engine"
	"brickstream.ai/internal/persistence/brickstore"
	persistlog "brickstream.ai/internal/persistence/log"
	"brickstream.ai/internal/persistence/snapshot"
	"brickstream.ai/internal/stream"
	"brickstream.ai/internal/transport/viewer"
	"brickstream.ai/internal/world/gen"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/render.yaml", "path to render.yaml (empty for built-in defaults)")
		frames     = flag.Uint64("frames", 0, "render this many frames and exit (0 = run until signalled)")
		outPath    = flag.String("out", "", "write the last frame as PNG to this path")
		addr       = flag.String("addr", "", "http listen address for the viewer and /metrics (empty to disable)")
		storePath  = flag.String("store", "", "sqlite brick store path (overrides store.path)")
		snapPath   = flag.String("snapshot", "", "snapshot to resume from (default: latest under <data>/snapshots)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		saveSnap   = flag.Bool("save_snapshot", true, "write a residency snapshot on exit")
		remote     = flag.Bool("allow_remote", false, "accept viewers from non-loopback addresses")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[render] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if p := strings.TrimSpace(*storePath); p != "" {
		cfg.Store.Path = p
	}

	var loader stream.Loader = gen.New(cfg.World)
	if cfg.Store.Path != "" {
		store, err := brickstore.OpenSQLite(cfg.Store.Path)
		if err != nil {
			logger.Fatalf("open brick store: %v", err)
		}
		defer func() {
			st := store.Stats()
			if err := store.Close(); err != nil {
				logger.Printf("close brick store: %v", err)
			}
			logger.Printf("brick store: %d writes dropped, %d write errors", st.DropTotal, st.WriteErrors)
		}()
		chain := stream.Chain{Primary: store, Fallback: loader, Miss: brickstore.ErrNotFound}
		if cfg.Store.WriteBack {
			chain.WriteBack = store
		}
		loader = chain
	}

	eng, err := engine.New(cfg, loader, logger)
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" {
		snapshotToLoad = latestSnapshot(*dataDir)
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot %s: %v", snapshotToLoad, err)
		}
		if err := eng.Restore(snap); err != nil {
			// A snapshot from a differently sized config is not fatal; start cold.
			logger.Printf("ignoring snapshot %s: %v", snapshotToLoad, err)
			if eng, err = engine.New(cfg, loader, logger); err != nil {
				logger.Fatalf("engine: %v", err)
			}
		}
	}

	frameLog := persistlog.NewFrameLogger(*dataDir)
	defer frameLog.Close()
	eng.SetRecorder(frameLog)

	ctx, cancel := signalContext()
	defer cancel()

	var sink engine.Sink
	if *addr != "" {
		vs := viewer.NewServer(viewer.Info{
			RunID:       eng.RunID(),
			Dims:        eng.Dims(),
			Width:       cfg.Image.Width,
			Height:      cfg.Image.Height,
			AllowRemote: *remote,
		}, logger)
		sink = vs

		mux := http.NewServeMux()
		mux.Handle("/v1/", vs.Handler())
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/admin/v1/snapshot", snapshotHandler(eng, *dataDir, logger))
		mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "run_id": eng.RunID()})
		})

		srv := &http.Server{
			Addr:              *addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = srv.Shutdown(ctx2)
		}()
		go func() {
			logger.Printf("listening on %s", *addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("ListenAndServe: %v", err)
				cancel()
			}
		}()
	}

	logger.Printf("run %s: grid %dx%dx%d, %d cache slots, %dx%d image at %d fps",
		eng.RunID(), cfg.Grid.X, cfg.Grid.Y, cfg.Grid.Z, cfg.Cache.Slots, cfg.Image.Width, cfg.Image.Height, cfg.Render.FPS)
	if err := eng.Run(ctx, *frames, sink); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("run: %v", err)
	}
	// Everything below runs after the loop has stopped, so the engine is ours.
	cancel()

	if *outPath != "" {
		if err := writePNG(*outPath, eng); err != nil {
			logger.Printf("write %s: %v", *outPath, err)
		} else {
			logger.Printf("wrote frame %d to %s", eng.Frame(), *outPath)
		}
	}
	if *saveSnap {
		snap, err := eng.Snapshot()
		if err != nil {
			logger.Printf("snapshot: %v", err)
			return
		}
		path := snapshotPath(*dataDir, snap.Header.Frame)
		if err := snapshot.WriteSnapshot(path, snap); err != nil {
			logger.Printf("write snapshot: %v", err)
			return
		}
		logger.Printf("snapshot written: %s", path)
	}
}

func snapshotHandler(eng *engine.Engine, dataDir string, logger *log.Logger) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		rw.Header().Set("Content-Type", "application/json")
		snap, err := eng.RequestSnapshot(ctx)
		if err == nil {
			path := snapshotPath(dataDir, snap.Header.Frame)
			if err = snapshot.WriteSnapshot(path, snap); err == nil {
				logger.Printf("snapshot written: %s", path)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "frame": snap.Header.Frame, "path": path})
				return
			}
		}
		rw.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
	}
}

func writePNG(path string, eng *engine.Engine) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, eng.Image()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func snapshotPath(dataDir string, frame uint64) string {
	return filepath.Join(dataDir, "snapshots", fmt.Sprintf("%d.snap.zst", frame))
}

func latestSnapshot(dataDir string) string {
	dir := filepath.Join(dataDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestFrame uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		frame, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || frame > bestFrame {
			bestFrame = frame
			best = filepath.Join(dir, name)
		}
	}
	return best
}
