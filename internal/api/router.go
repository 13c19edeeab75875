// Package api provides the reference tile server: the websocket tile
// endpoint plus HTTP debug and metadata routes.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cubetiles/engine/internal/codec"
	"github.com/cubetiles/engine/internal/render"
	"github.com/cubetiles/engine/internal/source"
	"github.com/cubetiles/engine/internal/tile"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Source      source.Source
	Codec       *codec.Codec
	FrameCache  *FrameCache
	Previewer   *render.Previewer
	Compression codec.Kind
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter creates the HTTP router of the reference server.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	sessions := &sessionHandler{
		source:      cfg.Source,
		codec:       cfg.Codec,
		frames:      cfg.FrameCache,
		compression: cfg.Compression,
		log:         cfg.Logger,
	}

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/stats", statsHandler(cfg.FrameCache))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/ws", sessions.serveWS)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/cubes", cubesHandler(cfg.Source))
		r.Get("/preview/{cube}/{param}/{face}/{zoom}/{depth}/{x}/{y}.png", previewHandler(cfg.Source, cfg.Previewer))
	})

	return r
}

func cubesHandler(src source.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"cubes": src.Cubes()})
	}
}

func statsHandler(frames *FrameCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]interface{}{}
		if frames != nil {
			stats = frames.Stats()
		}
		writeJSON(w, stats)
	}
}

func previewHandler(src source.Source, previewer *render.Previewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if previewer == nil {
			http.Error(w, "preview disabled", http.StatusNotFound)
			return
		}
		addr, err := addressFromURL(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d, err := src.ReadTile(r.Context(), addr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		data, err := previewer.Render(d)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}
}

func addressFromURL(r *http.Request) (tile.Address, error) {
	var addr tile.Address
	addr.Cube = chi.URLParam(r, "cube")
	addr.Param = chi.URLParam(r, "param")

	faceInt, err := strconv.Atoi(chi.URLParam(r, "face"))
	if err != nil {
		return addr, err
	}
	face, err := tile.FaceFromInt(faceInt)
	if err != nil {
		return addr, err
	}
	addr.Face = face

	zoom, err := strconv.ParseUint(chi.URLParam(r, "zoom"), 10, 8)
	if err != nil {
		return addr, err
	}
	addr.Zoom = uint8(zoom)

	depth, err := strconv.ParseUint(chi.URLParam(r, "depth"), 10, 32)
	if err != nil {
		return addr, err
	}
	addr.Depth = uint32(depth)

	x, err := strconv.ParseUint(chi.URLParam(r, "x"), 10, 32)
	if err != nil {
		return addr, err
	}
	addr.X = uint32(x)

	y, err := strconv.ParseUint(chi.URLParam(r, "y"), 10, 32)
	if err != nil {
		return addr, err
	}
	addr.Y = uint32(y)

	return addr, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
