package tile

import (
	"fmt"
	"math"
)

const (
	// TileSize is the side length of a decoded tile in samples. Fixed for
	// the life of the protocol version.
	TileSize = 256

	// SamplesPerTile is the number of float32 samples in one decoded tile.
	SamplesPerTile = TileSize * TileSize

	// MaxZoomFactor bounds the continuous zoom factor of a selection.
	MaxZoomFactor = 16.0
)

// NotLoadedValue is the sample value standing in for "not yet loaded".
// It is far outside any plausible data range and distinct from NaN so the
// two sentinel states stay distinguishable downstream.
const NotLoadedValue = float32(-3.4e38)

// Sentinel marks a decoded tile that carries no real payload.
type Sentinel uint8

const (
	SentinelNone      Sentinel = 0
	SentinelAllNaN    Sentinel = 1
	SentinelNotLoaded Sentinel = 2
)

func (s Sentinel) String() string {
	switch s {
	case SentinelNone:
		return "none"
	case SentinelAllNaN:
		return "all-nan"
	case SentinelNotLoaded:
		return "not-loaded"
	}
	return fmt.Sprintf("sentinel(%d)", uint8(s))
}

// Decoded is an immutable TileSize x TileSize grid of float32 samples in
// row-major order. Sentinel tiles are uniformly filled with the sentinel
// value so a renderer can always upload the buffer as-is.
type Decoded struct {
	Samples  []float32
	Sentinel Sentinel
}

// NewDecoded wraps a full sample grid as a decoded tile.
func NewDecoded(samples []float32) (*Decoded, error) {
	if len(samples) != SamplesPerTile {
		return nil, fmt.Errorf("decoded tile needs %d samples, got %d", SamplesPerTile, len(samples))
	}
	return &Decoded{Samples: samples, Sentinel: SentinelNone}, nil
}

// AllNaNTile fabricates a tile filled with NaN.
func AllNaNTile() *Decoded {
	return filled(float32(math.NaN()), SentinelAllNaN)
}

// NotLoadedTile fabricates a tile filled with the not-yet-loaded value.
func NotLoadedTile() *Decoded {
	return filled(NotLoadedValue, SentinelNotLoaded)
}

func filled(v float32, s Sentinel) *Decoded {
	samples := make([]float32, SamplesPerTile)
	for i := range samples {
		samples[i] = v
	}
	return &Decoded{Samples: samples, Sentinel: s}
}

// ContentEqual compares two tiles bit-exactly. NaN samples compare equal to
// NaN samples, so sentinel tiles are equal to themselves.
func (d *Decoded) ContentEqual(other *Decoded) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.Sentinel != other.Sentinel || len(d.Samples) != len(other.Samples) {
		return false
	}
	for i := range d.Samples {
		if math.Float32bits(d.Samples[i]) != math.Float32bits(other.Samples[i]) {
			return false
		}
	}
	return true
}

// Address identifies one tile of one cube face at one zoom level. It is a
// total, collision-free key: two addresses compare equal exactly when they
// name the same tile.
type Address struct {
	Cube  string
	Param string
	Face  Face
	Depth uint32
	X     uint32
	Y     uint32
	Zoom  uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%s:%s:d%d:%d/%d@z%d", a.Cube, a.Param, a.Face, a.Depth, a.X, a.Y, a.Zoom)
}
