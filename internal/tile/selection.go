package tile

import (
	"fmt"
	"math"
)

// Geometry describes the sample dimensions of one cube.
type Geometry struct {
	SizeX    int `json:"size_x" yaml:"size_x"`
	SizeY    int `json:"size_y" yaml:"size_y"`
	SizeZ    int `json:"size_z" yaml:"size_z"`
	TileSize int `json:"tile_size" yaml:"tile_size"`
}

// Size returns the sample count along a dimension.
func (g Geometry) Size(d Dim) int {
	switch d {
	case DimX:
		return g.SizeX
	case DimY:
		return g.SizeY
	default:
		return g.SizeZ
	}
}

// MaxZoomLevel returns the finest zoom level. At the maximum level one tile
// covers TileSize samples per axis; level 0 covers the whole largest axis
// with a single tile row.
func (g Geometry) MaxZoomLevel() int {
	maxSize := g.SizeX
	if g.SizeY > maxSize {
		maxSize = g.SizeY
	}
	if g.SizeZ > maxSize {
		maxSize = g.SizeZ
	}
	level := 0
	for span := g.TileSize; span < maxSize; span <<= 1 {
		level++
	}
	return level
}

// TileSpan returns how many full-resolution samples one tile covers per
// axis at the given zoom level.
func (g Geometry) TileSpan(level int) int {
	return g.TileSize << (g.MaxZoomLevel() - level)
}

// TilesPerAxis returns the tile grid extent along a dimension at a level.
func (g Geometry) TilesPerAxis(d Dim, level int) int {
	span := g.TileSpan(level)
	return ceilDiv(g.Size(d), span)
}

// Range is a half-open index interval [Start, End).
type Range struct {
	Start int
	End   int
}

// Len returns the number of indices in the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// CubeSelection is the logical viewport: one half-open range per spatial
// dimension, a continuous zoom factor and an optional wrap flag for one
// designated dimension. When Wrap is set, indices on WrapDim beyond the
// axis length are reduced modulo the length, and the range may exceed the
// length by up to one full length to express a wrapped span.
type CubeSelection struct {
	X          Range
	Y          Range
	Z          Range
	ZoomFactor float64
	Wrap       bool
	WrapDim    Dim
}

// Range returns the selection range along a dimension.
func (s CubeSelection) Range(d Dim) Range {
	switch d {
	case DimX:
		return s.X
	case DimY:
		return s.Y
	default:
		return s.Z
	}
}

func (s CubeSelection) wraps(d Dim) bool {
	return s.Wrap && s.WrapDim == d
}

// Validate checks the selection against a cube geometry.
func (s CubeSelection) Validate(g Geometry) error {
	if s.ZoomFactor <= 0 {
		return fmt.Errorf("zoom factor must be positive, got %g", s.ZoomFactor)
	}
	for _, d := range []Dim{DimX, DimY, DimZ} {
		r := s.Range(d)
		n := g.Size(d)
		if r.Start < 0 || r.End < r.Start {
			return fmt.Errorf("invalid %s range [%d, %d)", d, r.Start, r.End)
		}
		if s.wraps(d) {
			if r.Len() > n {
				return fmt.Errorf("wrapped %s range [%d, %d) longer than axis length %d", d, r.Start, r.End, n)
			}
			if r.End > 2*n {
				return fmt.Errorf("wrapped %s range [%d, %d) exceeds twice the axis length %d", d, r.Start, r.End, n)
			}
			continue
		}
		if r.End > n {
			return fmt.Errorf("%s range [%d, %d) exceeds axis length %d", d, r.Start, r.End, n)
		}
	}
	return nil
}

// Mod is the strictly non-negative modulo used for wrap-around arithmetic.
func Mod(i, n int) int {
	return ((i % n) + n) % n
}

// ZoomLevel maps a continuous zoom factor to a discrete zoom level:
// level = floor(log2(factor)) with factor first clamped into
// [1, MaxZoomFactor] and the level then clamped to the geometry's finest
// level. The returned flag reports whether any clamping occurred; the
// mapping never clamps silently.
func ZoomLevel(factor float64, g Geometry) (int, bool) {
	clamped := false
	if factor < 1 {
		factor = 1
		clamped = true
	}
	if factor > MaxZoomFactor {
		factor = MaxZoomFactor
		clamped = true
	}
	level := int(math.Floor(math.Log2(factor)))
	if maxLevel := g.MaxZoomLevel(); level > maxLevel {
		level = maxLevel
		clamped = true
	}
	return level, clamped
}

// Cover computes the minimal complete set of tile addresses whose union
// exactly covers the selection on each requested face. Fractional coverage
// at a boundary rounds outward so partially covered tiles are included.
// Pure computation: no side effects, callable at any rate.
//
// faces selects which cube faces to cover; nil means all six. The boolean
// result reports whether the zoom factor was clamped.
func Cover(cube, param string, sel CubeSelection, g Geometry, faces []Face) ([]Address, bool, error) {
	if err := sel.Validate(g); err != nil {
		return nil, false, err
	}
	level, clamped := ZoomLevel(sel.ZoomFactor, g)

	if sel.X.Len() == 0 || sel.Y.Len() == 0 || sel.Z.Len() == 0 {
		return nil, clamped, nil
	}

	if faces == nil {
		faces = AllFaces[:]
	}

	out := make([]Address, 0, 4*len(faces))
	seen := make(map[Address]struct{})
	for _, f := range faces {
		depth, err := sel.depthIndex(f, g)
		if err != nil {
			return nil, clamped, err
		}

		du, dv := f.PlaneDims()
		us := sel.axisTiles(du, g, level)
		vs := sel.axisTiles(dv, g, level)
		for _, ty := range vs {
			for _, tx := range us {
				addr := Address{
					Cube:  cube,
					Param: param,
					Face:  f,
					Depth: depth,
					X:     uint32(tx),
					Y:     uint32(ty),
					Zoom:  uint8(level),
				}
				if _, dup := seen[addr]; dup {
					continue
				}
				seen[addr] = struct{}{}
				out = append(out, addr)
			}
		}
	}
	return out, clamped, nil
}

// depthIndex resolves the slice index a face exposes: the low face of a
// dimension pair shows the range start, the high face the last included
// index. Wrapped indices are reduced modulo the axis length.
func (s CubeSelection) depthIndex(f Face, g Geometry) (uint32, error) {
	d := f.DepthDim()
	r := s.Range(d)
	idx := r.Start
	if f.IsHigh() {
		idx = r.End - 1
	}
	if s.wraps(d) {
		idx = Mod(idx, g.Size(d))
	}
	if idx < 0 || idx >= g.Size(d) {
		return 0, fmt.Errorf("depth index %d out of range for %s face", idx, f)
	}
	return uint32(idx), nil
}

// axisTiles returns the tile indices covering the selection range along one
// in-plane axis, rounding outward at both boundaries. Wrap-around works on
// sample indices modulo the axis length, never on tile indices: the two only
// agree when the axis length is a multiple of the tile span. A wrapped range
// crossing the seam is split at the axis length and each sub-range covered
// with the unwrapped rule.
func (s CubeSelection) axisTiles(d Dim, g Geometry, level int) []int {
	span := g.TileSpan(level)
	tiles := g.TilesPerAxis(d, level)
	r := s.Range(d)

	if !s.wraps(d) {
		return tileRange(r, span, tiles, nil)
	}

	n := g.Size(d)
	start, end := r.Start, r.End
	if start >= n {
		start -= n
		end -= n
	}
	if end <= n {
		return tileRange(Range{Start: start, End: end}, span, tiles, nil)
	}
	seen := make(map[int]struct{})
	out := tileRange(Range{Start: start, End: n}, span, tiles, seen)
	return append(out, tileRange(Range{Start: 0, End: end - n}, span, tiles, seen)...)
}

// tileRange covers one unwrapped sample range with tile indices, rounding
// outward and clamping to the tile grid. A non-nil seen map dedupes tiles
// shared between the two halves of a wrapped range.
func tileRange(r Range, span, tiles int, seen map[int]struct{}) []int {
	t0 := floorDiv(r.Start, span)
	t1 := ceilDiv(r.End, span)
	if t0 < 0 {
		t0 = 0
	}
	if t1 > tiles {
		t1 = tiles
	}
	out := make([]int, 0, t1-t0)
	for t := t0; t < t1; t++ {
		if seen != nil {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
		}
		out = append(out, t)
	}
	return out
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func ceilDiv(a, b int) int {
	return -floorDiv(-a, b)
}
