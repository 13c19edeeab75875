// Package main is a headless demo client for the tile streaming engine.
// It connects to a tile server, covers a selection with tile requests and
// reports per-tile readiness once the desired set settles.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cubetiles/engine/internal/cache"
	"github.com/cubetiles/engine/internal/codec"
	"github.com/cubetiles/engine/internal/config"
	"github.com/cubetiles/engine/internal/feed"
	"github.com/cubetiles/engine/internal/render"
	"github.com/cubetiles/engine/internal/scheduler"
	"github.com/cubetiles/engine/internal/tile"
	"github.com/cubetiles/engine/pkg/colormap"
	"github.com/cubetiles/engine/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/engine.yaml", "Path to configuration file")
	param := flag.String("param", "temp", "Parameter to stream")
	zoom := flag.Float64("zoom", 1.0, "Zoom factor")
	wait := flag.Duration("wait", 60*time.Second, "How long to wait for the desired set to settle")
	out := flag.String("out", "", "Directory to write per-tile preview PNGs into (optional)")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg, err := logger.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logg.Sync()

	cd, err := codec.New()
	if err != nil {
		logg.Fatal("failed to initialize codec", zap.Error(err))
	}

	tc, err := cache.New(cache.Config{MaxEntries: cfg.Cache.MaxEntries})
	if err != nil {
		logg.Fatal("failed to initialize tile cache", zap.Error(err))
	}

	sched := scheduler.New(scheduler.Config{
		RequestTimeout:       time.Duration(cfg.Stream.RequestTimeoutSeconds) * time.Second,
		MaxRetries:           cfg.Stream.MaxRetries,
		ReconnectBackoff:     time.Duration(cfg.Stream.ReconnectBackoffMillis) * time.Millisecond,
		MaxReconnectFailures: cfg.Stream.MaxReconnectFailures,
	}, cd, tc, &scheduler.WebSocketTransport{URL: cfg.Stream.URL}, logg)

	rf := feed.New(tc, sched)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := sched.Run(ctx); err != nil {
			logg.Error("streaming session ended", zap.Error(err))
		}
	}()

	geometry := cfg.Geometry()
	sel := tile.CubeSelection{
		X:          tile.Range{Start: 0, End: geometry.SizeX},
		Y:          tile.Range{Start: 0, End: geometry.SizeY},
		Z:          tile.Range{Start: 0, End: geometry.SizeZ},
		ZoomFactor: *zoom,
	}

	addrs, clamped, err := tile.Cover(cfg.Cube.ID, *param, sel, geometry, nil)
	if err != nil {
		logg.Fatal("failed to cover selection", zap.Error(err))
	}
	if clamped {
		logg.Warn("zoom factor clamped", zap.Float64("factor", *zoom))
	}
	logg.Info("requesting tiles", zap.Int("count", len(addrs)))

	rf.SetDesired(addrs)

	waitCtx, waitCancel := context.WithTimeout(ctx, *wait)
	defer waitCancel()
	if err := rf.AwaitSettled(waitCtx); err != nil {
		logg.Warn("desired set did not settle", zap.Error(err))
	}

	counts := make(map[feed.TileState]int)
	for _, st := range rf.Snapshot() {
		counts[st.State]++
	}
	logg.Info("desired set settled",
		zap.Int("ready", counts[feed.TileReady]),
		zap.Int("failed", counts[feed.TileFailed]),
		zap.Int("pending", counts[feed.TilePending]),
		zap.Int("cached_tiles", rf.CacheLen()))

	if *out != "" {
		if err := writePreviews(*out, cfg, rf, logg); err != nil {
			logg.Fatal("failed to write previews", zap.Error(err))
		}
	}
}

// writePreviews paints every desired tile into a PNG: ready tiles through
// the configured colormap, failed tiles as the reserved failed marker, so
// failure stays visually distinct from data still in flight.
func writePreviews(dir string, cfg *config.Config, rf *feed.RenderFeed, logg *zap.Logger) error {
	previewer, err := render.NewPreviewer(render.Config{
		Colormap: colormap.Named(cfg.Render.Colormap),
		Min:      float32(cfg.Render.Min),
		Max:      float32(cfg.Render.Max),
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	written := 0
	for _, st := range rf.Snapshot() {
		var data []byte
		if st.State == feed.TileFailed {
			data, err = previewer.RenderFailed()
		} else {
			d, _ := rf.Buffer(st.Address)
			data, err = previewer.Render(d)
		}
		if err != nil {
			logg.Warn("failed to render preview", zap.Stringer("addr", st.Address), zap.Error(err))
			continue
		}
		a := st.Address
		name := fmt.Sprintf("%s_%s_%s_d%d_%d_%d_z%d.png", a.Cube, a.Param, a.Face, a.Depth, a.X, a.Y, a.Zoom)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
		written++
	}
	logg.Info("wrote tile previews", zap.String("dir", dir), zap.Int("count", written))
	return nil
}
