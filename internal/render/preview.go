// Package render paints decoded tiles into PNG previews for the reference
// server's debug routes.
package render

import (
	"bytes"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/cubetiles/engine/internal/tile"
	"github.com/cubetiles/engine/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	Colormap colormap.Spec
	// Min and Max normalize sample values into colormap range.
	Min float32
	Max float32
}

// Previewer renders decoded tiles as PNG images.
type Previewer struct {
	cmap        colormap.Colormap
	min, max    float32
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewPreviewer resolves the colormap once and prepares the pools.
func NewPreviewer(cfg Config) (*Previewer, error) {
	cmap, err := cfg.Colormap.Resolve()
	if err != nil {
		return nil, err
	}
	if cfg.Max <= cfg.Min {
		cfg.Min, cfg.Max = -1, 1
	}
	return &Previewer{
		cmap: cmap,
		min:  cfg.Min,
		max:  cfg.Max,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(tile.TileSize, tile.TileSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}, nil
}

// Render paints one decoded tile. NaN samples use the reserved NaN color,
// not-yet-loaded samples the reserved not-loaded color, so sentinel tiles
// remain visually distinct from real data.
func (p *Previewer) Render(d *tile.Decoded) ([]byte, error) {
	dc := p.contextPool.Get().(*gg.Context)
	defer p.contextPool.Put(dc)

	span := float64(p.max - p.min)
	if span == 0 {
		span = 1
	}

	for y := 0; y < tile.TileSize; y++ {
		for x := 0; x < tile.TileSize; x++ {
			v := d.Samples[y*tile.TileSize+x]
			switch {
			case v == tile.NotLoadedValue:
				dc.SetColor(colormap.NotLoadedColor)
			case math.IsNaN(float64(v)):
				dc.SetColor(colormap.NaNColor)
			default:
				t := (float64(v) - float64(p.min)) / span
				dc.SetColor(p.cmap.At(t))
			}
			dc.SetPixel(x, y)
		}
	}

	return p.encodeContext(dc)
}

// RenderFailed paints the uniform failed-tile marker. Failure is a
// readiness state, not sample data, so there is no decoded tile to paint;
// the reserved color keeps it distinguishable from NaN and still-loading.
func (p *Previewer) RenderFailed() ([]byte, error) {
	dc := p.contextPool.Get().(*gg.Context)
	defer p.contextPool.Put(dc)

	dc.SetColor(colormap.FailedColor)
	dc.Clear()
	return p.encodeContext(dc)
}

func (p *Previewer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := p.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		p.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy out; the buffer is reused.
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
