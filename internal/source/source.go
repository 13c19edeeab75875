// Package source defines the data-source collaborator the reference
// server reads tiles from. The engine itself never depends on how samples
// are produced; it only sees wire frames.
package source

import (
	"context"

	"github.com/cubetiles/engine/internal/tile"
)

// CubeInfo describes one cube a source can serve.
type CubeInfo struct {
	ID       string        `json:"id"`
	Params   []string      `json:"params"`
	Geometry tile.Geometry `json:"geometry"`
}

// Source produces decoded tiles for tile addresses.
type Source interface {
	// Cubes lists the cubes and parameters this source serves.
	Cubes() []CubeInfo
	// ReadTile samples one tile. Unknown cubes, parameters or
	// out-of-range addresses are errors.
	ReadTile(ctx context.Context, addr tile.Address) (*tile.Decoded, error)
}
