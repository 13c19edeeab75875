package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cubetiles/engine/internal/tile"
)

// nanQuant is the reserved quantized value standing in for NaN on the
// lossy path.
const nanQuant = uint16(0xFFFF)

// quantSteps is the number of representable non-NaN levels on the lossy
// path. The declared compression tolerance is (max-min)/quantSteps.
const quantSteps = 65534

// encodeLossless compresses the raw little-endian float32 samples. The
// round trip is byte-exact.
func (c *Codec) encodeLossless(samples []float32) []byte {
	return c.enc.EncodeAll(float32SliceToBytes(samples), nil)
}

func (c *Codec) decodeLossless(payload []byte) ([]float32, error) {
	raw, err := c.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrDecodeFailure, err)
	}
	if len(raw) != 4*tile.SamplesPerTile {
		return nil, fmt.Errorf("%w: lossless payload is %d bytes, want %d", ErrDecodeFailure, len(raw), 4*tile.SamplesPerTile)
	}
	return bytesToFloat32Slice(raw), nil
}

// encodeLossy quantizes samples to 16 bits against the tile's min/max and
// compresses the quantized plane. NaN samples survive via a reserved code.
// One-way lossy: decode only round-trips within (max-min)/quantSteps.
func (c *Codec) encodeLossy(samples []float32) ([]byte, error) {
	minV := float32(math.Inf(1))
	maxV := float32(math.Inf(-1))
	for _, v := range samples {
		if math.IsNaN(float64(v)) {
			continue
		}
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	if minV > maxV {
		// All samples are NaN. The producer should have used the all-NaN
		// sentinel kind instead, but the format stays well defined.
		minV, maxV = 0, 0
	}

	scale := float64(0)
	if maxV > minV {
		scale = quantSteps / float64(maxV-minV)
	}

	plane := make([]byte, 2*len(samples))
	for i, v := range samples {
		var q uint16
		switch {
		case math.IsNaN(float64(v)):
			q = nanQuant
		case scale == 0:
			q = 0
		default:
			q = uint16(math.Round(float64(v-minV) * scale))
		}
		binary.LittleEndian.PutUint16(plane[2*i:], q)
	}

	out := make([]byte, 8, 8+len(plane)/2)
	binary.LittleEndian.PutUint32(out[0:], math.Float32bits(minV))
	binary.LittleEndian.PutUint32(out[4:], math.Float32bits(maxV))
	return append(out, c.enc.EncodeAll(plane, nil)...), nil
}

func (c *Codec) decodeLossy(payload []byte) ([]float32, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("%w: lossy payload shorter than header", ErrDecodeFailure)
	}
	minV := math.Float32frombits(binary.LittleEndian.Uint32(payload[0:]))
	maxV := math.Float32frombits(binary.LittleEndian.Uint32(payload[4:]))

	plane, err := c.dec.DecodeAll(payload[8:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrDecodeFailure, err)
	}
	if len(plane) != 2*tile.SamplesPerTile {
		return nil, fmt.Errorf("%w: lossy plane is %d bytes, want %d", ErrDecodeFailure, len(plane), 2*tile.SamplesPerTile)
	}

	step := float64(maxV-minV) / quantSteps
	samples := make([]float32, tile.SamplesPerTile)
	for i := range samples {
		q := binary.LittleEndian.Uint16(plane[2*i:])
		if q == nanQuant {
			samples[i] = float32(math.NaN())
			continue
		}
		samples[i] = minV + float32(float64(q)*step)
	}
	return samples, nil
}

// LossyTolerance returns the maximum absolute error the lossy path may
// introduce for samples in [min, max].
func LossyTolerance(min, max float32) float32 {
	if max <= min {
		return 0
	}
	return (max - min) / quantSteps
}
