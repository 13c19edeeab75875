// Package tile defines the core tile model: cube faces, tile addresses,
// viewport selections and decoded sample grids, plus the pure mapping from
// a selection to the set of tile addresses that covers it.
package tile

import "fmt"

// Dim identifies one of the three spatial dimensions of a cube.
type Dim uint8

const (
	DimX Dim = 0
	DimY Dim = 1
	DimZ Dim = 2
)

func (d Dim) String() string {
	switch d {
	case DimX:
		return "x"
	case DimY:
		return "y"
	case DimZ:
		return "z"
	}
	return fmt.Sprintf("dim(%d)", uint8(d))
}

// Face is one of the six logical 2D projections of the cube. Faces come in
// pairs sharing a depth dimension: 0-1 run along Z, 2-3 along Y, 4-5 along X.
type Face uint8

const (
	FaceFront  Face = 0 // low Z
	FaceBack   Face = 1 // high Z
	FaceBottom Face = 2 // low Y
	FaceTop    Face = 3 // high Y
	FaceLeft   Face = 4 // low X
	FaceRight  Face = 5 // high X

	NumFaces = 6
)

// AllFaces lists every face in wire order.
var AllFaces = [NumFaces]Face{FaceFront, FaceBack, FaceBottom, FaceTop, FaceLeft, FaceRight}

// FaceFromInt validates an integer face identifier.
func FaceFromInt(v int) (Face, error) {
	if v < 0 || v >= NumFaces {
		return 0, fmt.Errorf("invalid face: %d", v)
	}
	return Face(v), nil
}

// DepthDim returns the dimension this face's depth axis runs along.
func (f Face) DepthDim() Dim {
	switch f / 2 {
	case 0:
		return DimZ
	case 1:
		return DimY
	default:
		return DimX
	}
}

// IsHigh reports whether the face sits on the high side of its depth axis.
func (f Face) IsHigh() bool {
	return f%2 == 1
}

// PlaneDims returns the two in-plane dimensions in ascending order. The
// first maps to tile X, the second to tile Y.
func (f Face) PlaneDims() (Dim, Dim) {
	switch f.DepthDim() {
	case DimZ:
		return DimX, DimY
	case DimY:
		return DimX, DimZ
	default:
		return DimY, DimZ
	}
}

// FacePair returns the low and high face for a depth dimension.
func FacePair(d Dim) (Face, Face) {
	switch d {
	case DimZ:
		return FaceFront, FaceBack
	case DimY:
		return FaceBottom, FaceTop
	default:
		return FaceLeft, FaceRight
	}
}

func (f Face) String() string {
	switch f {
	case FaceFront:
		return "front"
	case FaceBack:
		return "back"
	case FaceBottom:
		return "bottom"
	case FaceTop:
		return "top"
	case FaceLeft:
		return "left"
	case FaceRight:
		return "right"
	}
	return fmt.Sprintf("face(%d)", uint8(f))
}
