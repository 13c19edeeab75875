// Package main is the entry point for the reference tile server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cubetiles/engine/internal/api"
	"github.com/cubetiles/engine/internal/codec"
	"github.com/cubetiles/engine/internal/config"
	"github.com/cubetiles/engine/internal/render"
	"github.com/cubetiles/engine/internal/source"
	"github.com/cubetiles/engine/pkg/colormap"
	"github.com/cubetiles/engine/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/engine.yaml", "Path to configuration file")
	flag.Parse()

	// Optional .env for local development; environment wins over YAML.
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

	compression, err := codec.ParseKind(cfg.Stream.Compression)
	if err != nil {
		logg.Fatal("invalid compression configuration", zap.Error(err))
	}

	src := source.NewSynthetic(cfg.Cube.ID, cfg.Cube.Params, cfg.Geometry())

	frames, err := api.NewFrameCache(api.FrameCacheConfig{
		SizeMB: cfg.Cache.FrameSizeMB,
		TTL:    time.Duration(cfg.Cache.FrameTTLMinutes) * time.Minute,
	})
	if err != nil {
		logg.Fatal("failed to initialize frame cache", zap.Error(err))
	}
	defer frames.Close()

	previewer, err := render.NewPreviewer(render.Config{
		Colormap: colormap.Named(cfg.Render.Colormap),
		Min:      float32(cfg.Render.Min),
		Max:      float32(cfg.Render.Max),
	})
	if err != nil {
		logg.Fatal("failed to initialize previewer", zap.Error(err))
	}

	router := api.NewRouter(api.RouterConfig{
		Source:      src,
		Codec:       cd,
		FrameCache:  frames,
		Previewer:   previewer,
		Compression: compression,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logg,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logg.Info("tile server listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("cube", cfg.Cube.ID),
			zap.Stringer("compression", compression))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logg.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Warn("forced shutdown", zap.Error(err))
	}
}
