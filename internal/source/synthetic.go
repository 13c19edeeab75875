package source

import (
	"context"
	"fmt"
	"math"

	"github.com/cubetiles/engine/internal/tile"
)

// Synthetic is a deterministic scalar field over a cube, used by the
// reference server and the end-to-end tests. Values are smooth in all
// three dimensions, differ per parameter, and contain a NaN pocket so the
// sentinel paths get exercised with real traffic.
type Synthetic struct {
	cubeID   string
	params   []string
	geometry tile.Geometry
}

// NewSynthetic creates a synthetic source for one cube.
func NewSynthetic(cubeID string, params []string, g tile.Geometry) *Synthetic {
	if len(params) == 0 {
		params = []string{"value"}
	}
	return &Synthetic{cubeID: cubeID, params: params, geometry: g}
}

// Cubes implements Source.
func (s *Synthetic) Cubes() []CubeInfo {
	return []CubeInfo{{ID: s.cubeID, Params: s.params, Geometry: s.geometry}}
}

// ReadTile implements Source.
func (s *Synthetic) ReadTile(_ context.Context, addr tile.Address) (*tile.Decoded, error) {
	if err := s.validate(addr); err != nil {
		return nil, err
	}

	g := s.geometry
	span := g.TileSpan(int(addr.Zoom))
	step := span / g.TileSize
	if step < 1 {
		step = 1
	}

	depthDim := addr.Face.DepthDim()
	du, dv := addr.Face.PlaneDims()

	phase := paramPhase(addr.Param)
	samples := make([]float32, tile.SamplesPerTile)
	allNaN := true
	for ty := 0; ty < tile.TileSize; ty++ {
		v := int(addr.Y)*span + ty*step
		for tx := 0; tx < tile.TileSize; tx++ {
			u := int(addr.X)*span + tx*step
			i := ty*tile.TileSize + tx

			if u >= g.Size(du) || v >= g.Size(dv) {
				samples[i] = float32(math.NaN())
				continue
			}

			var pos [3]int
			pos[du] = u
			pos[dv] = v
			pos[depthDim] = int(addr.Depth)
			samples[i] = s.sample(pos, phase)
			if !math.IsNaN(float64(samples[i])) {
				allNaN = false
			}
		}
	}

	if allNaN {
		return tile.AllNaNTile(), nil
	}
	return tile.NewDecoded(samples)
}

func (s *Synthetic) validate(addr tile.Address) error {
	if addr.Cube != s.cubeID {
		return fmt.Errorf("unknown cube: %q", addr.Cube)
	}
	found := false
	for _, p := range s.params {
		if p == addr.Param {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown parameter: %q", addr.Param)
	}
	g := s.geometry
	if int(addr.Zoom) > g.MaxZoomLevel() {
		return fmt.Errorf("zoom level %d beyond maximum %d", addr.Zoom, g.MaxZoomLevel())
	}
	if int(addr.Depth) >= g.Size(addr.Face.DepthDim()) {
		return fmt.Errorf("depth index %d out of range", addr.Depth)
	}
	du, dv := addr.Face.PlaneDims()
	if int(addr.X) >= g.TilesPerAxis(du, int(addr.Zoom)) || int(addr.Y) >= g.TilesPerAxis(dv, int(addr.Zoom)) {
		return fmt.Errorf("tile %d/%d out of range at zoom %d", addr.X, addr.Y, addr.Zoom)
	}
	return nil
}

// sample evaluates the field at one full-resolution grid position.
func (s *Synthetic) sample(pos [3]int, phase float64) float32 {
	g := s.geometry
	fx := float64(pos[0]) / float64(g.SizeX)
	fy := float64(pos[1]) / float64(g.SizeY)
	fz := float64(pos[2]) / float64(g.SizeZ)

	// NaN pocket around the cube center, radius 1/8 of the unit cube.
	dx, dy, dz := fx-0.5, fy-0.5, fz-0.5
	if dx*dx+dy*dy+dz*dz < 0.125*0.125 {
		return float32(math.NaN())
	}

	v := math.Sin(2*math.Pi*fx+phase) * math.Cos(2*math.Pi*fy) * math.Sin(math.Pi*fz+phase/2)
	return float32(v)
}

func paramPhase(param string) float64 {
	h := uint32(2166136261)
	for i := 0; i < len(param); i++ {
		h ^= uint32(param[i])
		h *= 16777619
	}
	return float64(h%628) / 100.0
}
