// Package config handles configuration loading for the tile engine
// binaries: a YAML file with defaults, overridden by environment
// variables.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/cubetiles/engine/internal/tile"
)

// Config represents the shared configuration of the server and the
// viewer client.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Cube   CubeConfig   `yaml:"cube"`
	Cache  CacheConfig  `yaml:"cache"`
	Stream StreamConfig `yaml:"stream"`
	Render RenderConfig `yaml:"render"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig contains reference-server settings.
type ServerConfig struct {
	Port        int      `yaml:"port" env:"SERVER_PORT"`
	CORSOrigins []string `yaml:"cors_origins" env:"SERVER_CORS_ORIGINS"`
}

// CubeConfig describes the cube the synthetic source serves.
type CubeConfig struct {
	ID       string   `yaml:"id" env:"CUBE_ID"`
	Params   []string `yaml:"params" env:"CUBE_PARAMS"`
	SizeX    int      `yaml:"size_x" env:"CUBE_SIZE_X"`
	SizeY    int      `yaml:"size_y" env:"CUBE_SIZE_Y"`
	SizeZ    int      `yaml:"size_z" env:"CUBE_SIZE_Z"`
	TileSize int      `yaml:"tile_size"`
}

// CacheConfig contains caching settings for both sides.
type CacheConfig struct {
	// MaxEntries bounds the client tile cache; 0 keeps the unbounded
	// session default.
	MaxEntries      int `yaml:"max_entries" env:"CACHE_MAX_ENTRIES"`
	FrameSizeMB     int `yaml:"frame_size_mb" env:"CACHE_FRAME_SIZE_MB"`
	FrameTTLMinutes int `yaml:"frame_ttl_minutes" env:"CACHE_FRAME_TTL_MINUTES"`
}

// StreamConfig contains connection and scheduling settings.
type StreamConfig struct {
	URL                    string `yaml:"url" env:"STREAM_URL"`
	RequestTimeoutSeconds  int    `yaml:"request_timeout_seconds" env:"STREAM_REQUEST_TIMEOUT_SECONDS"`
	MaxRetries             int    `yaml:"max_retries" env:"STREAM_MAX_RETRIES"`
	ReconnectBackoffMillis int    `yaml:"reconnect_backoff_millis" env:"STREAM_RECONNECT_BACKOFF_MILLIS"`
	MaxReconnectFailures   int    `yaml:"max_reconnect_failures" env:"STREAM_MAX_RECONNECT_FAILURES"`
	Compression            string `yaml:"compression" env:"STREAM_COMPRESSION"`
}

// RenderConfig contains preview rendering settings.
type RenderConfig struct {
	Colormap string  `yaml:"colormap" env:"RENDER_COLORMAP"`
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// Load reads configuration from a YAML file, applies defaults and then
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		applyDefaults(cfg)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.Stream.Compression != "lossless" && cfg.Stream.Compression != "lossy" {
		return nil, fmt.Errorf("invalid compression %q: want lossless or lossy", cfg.Stream.Compression)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Cube: CubeConfig{
			ID:       "demo",
			Params:   []string{"temp", "salinity"},
			SizeX:    2048,
			SizeY:    1024,
			SizeZ:    512,
			TileSize: tile.TileSize,
		},
		Cache: CacheConfig{
			MaxEntries:      0,
			FrameSizeMB:     512,
			FrameTTLMinutes: 10,
		},
		Stream: StreamConfig{
			URL:                    "ws://localhost:8080/ws",
			RequestTimeoutSeconds:  10,
			MaxRetries:             1,
			ReconnectBackoffMillis: 500,
			MaxReconnectFailures:   5,
			Compression:            "lossless",
		},
		Render: RenderConfig{
			Colormap: "viridis",
			Min:      -1,
			Max:      1,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Cube.ID == "" {
		cfg.Cube.ID = defaults.Cube.ID
	}
	if len(cfg.Cube.Params) == 0 {
		cfg.Cube.Params = defaults.Cube.Params
	}
	if cfg.Cube.SizeX == 0 {
		cfg.Cube.SizeX = defaults.Cube.SizeX
	}
	if cfg.Cube.SizeY == 0 {
		cfg.Cube.SizeY = defaults.Cube.SizeY
	}
	if cfg.Cube.SizeZ == 0 {
		cfg.Cube.SizeZ = defaults.Cube.SizeZ
	}
	if cfg.Cube.TileSize == 0 {
		cfg.Cube.TileSize = defaults.Cube.TileSize
	}
	if cfg.Cache.FrameSizeMB == 0 {
		cfg.Cache.FrameSizeMB = defaults.Cache.FrameSizeMB
	}
	if cfg.Cache.FrameTTLMinutes == 0 {
		cfg.Cache.FrameTTLMinutes = defaults.Cache.FrameTTLMinutes
	}
	if cfg.Stream.URL == "" {
		cfg.Stream.URL = defaults.Stream.URL
	}
	if cfg.Stream.RequestTimeoutSeconds == 0 {
		cfg.Stream.RequestTimeoutSeconds = defaults.Stream.RequestTimeoutSeconds
	}
	if cfg.Stream.MaxRetries == 0 {
		cfg.Stream.MaxRetries = defaults.Stream.MaxRetries
	}
	if cfg.Stream.ReconnectBackoffMillis == 0 {
		cfg.Stream.ReconnectBackoffMillis = defaults.Stream.ReconnectBackoffMillis
	}
	if cfg.Stream.MaxReconnectFailures == 0 {
		cfg.Stream.MaxReconnectFailures = defaults.Stream.MaxReconnectFailures
	}
	if cfg.Stream.Compression == "" {
		cfg.Stream.Compression = defaults.Stream.Compression
	}
	if cfg.Render.Colormap == "" {
		cfg.Render.Colormap = defaults.Render.Colormap
	}
	if cfg.Render.Min == 0 && cfg.Render.Max == 0 {
		cfg.Render.Min = defaults.Render.Min
		cfg.Render.Max = defaults.Render.Max
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
}

// Geometry returns the cube geometry described by the configuration.
func (c *Config) Geometry() tile.Geometry {
	return tile.Geometry{
		SizeX:    c.Cube.SizeX,
		SizeY:    c.Cube.SizeY,
		SizeZ:    c.Cube.SizeZ,
		TileSize: c.Cube.TileSize,
	}
}
