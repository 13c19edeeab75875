// Package codec implements the binary tile frame format: stateless
// encode/decode of tile frames, request frames and the connection
// handshake, with zstd-backed lossless and quantized lossy payloads.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/cubetiles/engine/internal/tile"
)

// Wire constants. The frame layout is fixed for a protocol version.
const (
	FrameMagic     = "CBTL"
	RequestMagic   = "CBRQ"
	HandshakeMagic = "CBHS"

	ProtocolVersion uint16 = 1
	APIVersion      uint16 = 1

	// maxIDLen bounds cube/parameter identifier lengths on the wire.
	maxIDLen = 1024

	// maxPayloadLen bounds the declared payload length of one frame. A
	// lossless payload is the raw 256 KiB tile plus zstd framing, so
	// anything past twice the raw size is corrupt, not just large.
	maxPayloadLen = 8 * tile.SamplesPerTile

	// MaxFrameLen bounds a whole wire frame, for transport read limits.
	MaxFrameLen = maxPayloadLen + 4096
)

// Kind is the compression-kind discriminant of a tile frame.
type Kind int8

const (
	KindLossless  Kind = 0
	KindLossy     Kind = 1
	KindAllNaN    Kind = -1
	KindNotLoaded Kind = -2
)

func (k Kind) String() string {
	switch k {
	case KindLossless:
		return "lossless"
	case KindLossy:
		return "lossy"
	case KindAllNaN:
		return "all-nan"
	case KindNotLoaded:
		return "not-loaded"
	}
	return fmt.Sprintf("kind(%d)", int8(k))
}

// ParseKind maps a configuration string to a payload-bearing kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "lossless":
		return KindLossless, nil
	case "lossy":
		return KindLossy, nil
	}
	return 0, fmt.Errorf("unknown compression kind %q", s)
}

func (k Kind) hasPayload() bool {
	return k == KindLossless || k == KindLossy
}

// Codec encodes and decodes tile frames. Safe for concurrent use; the
// underlying zstd coders are stateless across EncodeAll/DecodeAll calls.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New creates a codec with its zstd encoder/decoder pair.
func New() (*Codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// EncodeFrame serializes a decoded tile into a wire frame. Sentinel tiles
// are encoded with their sentinel kind and carry no payload regardless of
// the requested kind.
func (c *Codec) EncodeFrame(addr tile.Address, d *tile.Decoded, kind Kind) ([]byte, error) {
	switch d.Sentinel {
	case tile.SentinelAllNaN:
		kind = KindAllNaN
	case tile.SentinelNotLoaded:
		kind = KindNotLoaded
	}

	buf := &bytes.Buffer{}
	buf.WriteString(FrameMagic)
	writeU16(buf, ProtocolVersion)
	if err := writeAddress(buf, addr); err != nil {
		return nil, err
	}
	buf.WriteByte(byte(kind))

	if !kind.hasPayload() {
		return buf.Bytes(), nil
	}

	var payload []byte
	var err error
	switch kind {
	case KindLossless:
		payload = c.encodeLossless(d.Samples)
	case KindLossy:
		payload, err = c.encodeLossy(d.Samples)
		if err != nil {
			return nil, err
		}
	}
	writeU32(buf, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes(), nil
}

// DecodeFrame parses a wire frame into its address and decoded tile. The
// magic marker and protocol version are validated first and fail fast with
// ErrProtocolMismatch. Payload problems return ErrDecodeFailure together
// with the address parsed from the frame header, so the caller can mark
// the right tile failed.
func (c *Codec) DecodeFrame(frame []byte) (tile.Address, *tile.Decoded, error) {
	r := bytes.NewReader(frame)

	if err := expectMagic(r, FrameMagic); err != nil {
		return tile.Address{}, nil, err
	}
	version, err := readU16(r)
	if err != nil {
		return tile.Address{}, nil, fmt.Errorf("%w: truncated header", ErrDecodeFailure)
	}

	// The address layout is fixed across protocol versions, so parse it
	// before the version check: a mismatched frame can then still be
	// matched to its tile and that tile marked failed.
	addr, addrErr := readAddress(r)
	if version != ProtocolVersion {
		return addr, nil, fmt.Errorf("%w: protocol version %d, want %d", ErrProtocolMismatch, version, ProtocolVersion)
	}
	if addrErr != nil {
		return tile.Address{}, nil, fmt.Errorf("%w: %v", ErrDecodeFailure, addrErr)
	}

	kindByte, err := r.ReadByte()
	if err != nil {
		return addr, nil, fmt.Errorf("%w: missing compression kind", ErrDecodeFailure)
	}
	kind := Kind(int8(kindByte))

	switch kind {
	case KindAllNaN:
		return addr, tile.AllNaNTile(), nil
	case KindNotLoaded:
		return addr, tile.NotLoadedTile(), nil
	case KindLossless, KindLossy:
	default:
		return addr, nil, fmt.Errorf("%w: unknown compression kind %d", ErrDecodeFailure, int8(kindByte))
	}

	plen, err := readU32(r)
	if err != nil {
		return addr, nil, fmt.Errorf("%w: missing payload length", ErrDecodeFailure)
	}
	if plen > maxPayloadLen {
		return addr, nil, fmt.Errorf("%w: payload length %d exceeds limit %d", ErrDecodeFailure, plen, maxPayloadLen)
	}
	payload := make([]byte, plen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return addr, nil, fmt.Errorf("%w: truncated payload", ErrDecodeFailure)
	}

	var samples []float32
	if kind == KindLossless {
		samples, err = c.decodeLossless(payload)
	} else {
		samples, err = c.decodeLossy(payload)
	}
	if err != nil {
		return addr, nil, err
	}
	d, err := tile.NewDecoded(samples)
	if err != nil {
		return addr, nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	return addr, d, nil
}

// EncodeRequest serializes a tile request frame.
func EncodeRequest(addr tile.Address) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteString(RequestMagic)
	writeU16(buf, ProtocolVersion)
	if err := writeAddress(buf, addr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRequest parses a tile request frame.
func DecodeRequest(frame []byte) (tile.Address, error) {
	r := bytes.NewReader(frame)
	if err := expectMagic(r, RequestMagic); err != nil {
		return tile.Address{}, err
	}
	version, err := readU16(r)
	if err != nil {
		return tile.Address{}, fmt.Errorf("%w: truncated header", ErrDecodeFailure)
	}
	if version != ProtocolVersion {
		return tile.Address{}, fmt.Errorf("%w: protocol version %d, want %d", ErrProtocolMismatch, version, ProtocolVersion)
	}
	addr, err := readAddress(r)
	if err != nil {
		return tile.Address{}, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	return addr, nil
}

// EncodeHandshake serializes the hello each side sends at connection start.
func EncodeHandshake(apiVersion uint16) []byte {
	buf := &bytes.Buffer{}
	buf.WriteString(HandshakeMagic)
	writeU16(buf, apiVersion)
	return buf.Bytes()
}

// DecodeHandshake parses a hello and returns the peer's API version.
func DecodeHandshake(frame []byte) (uint16, error) {
	r := bytes.NewReader(frame)
	if err := expectMagic(r, HandshakeMagic); err != nil {
		return 0, err
	}
	v, err := readU16(r)
	if err != nil {
		return 0, fmt.Errorf("%w: truncated handshake", ErrDecodeFailure)
	}
	return v, nil
}

func expectMagic(r *bytes.Reader, magic string) error {
	got := make([]byte, len(magic))
	if _, err := io.ReadFull(r, got); err != nil {
		return fmt.Errorf("%w: frame shorter than magic", ErrProtocolMismatch)
	}
	if string(got) != magic {
		return fmt.Errorf("%w: magic %q, want %q", ErrProtocolMismatch, got, magic)
	}
	return nil
}

func writeAddress(buf *bytes.Buffer, addr tile.Address) error {
	if err := writeString(buf, addr.Cube); err != nil {
		return fmt.Errorf("cube id: %w", err)
	}
	if err := writeString(buf, addr.Param); err != nil {
		return fmt.Errorf("parameter id: %w", err)
	}
	buf.WriteByte(byte(addr.Face))
	writeU32(buf, addr.Depth)
	writeU32(buf, addr.X)
	writeU32(buf, addr.Y)
	buf.WriteByte(addr.Zoom)
	return nil
}

func readAddress(r *bytes.Reader) (tile.Address, error) {
	var addr tile.Address
	var err error
	if addr.Cube, err = readString(r); err != nil {
		return addr, fmt.Errorf("cube id: %v", err)
	}
	if addr.Param, err = readString(r); err != nil {
		return addr, fmt.Errorf("parameter id: %v", err)
	}
	faceByte, err := r.ReadByte()
	if err != nil {
		return addr, fmt.Errorf("missing face")
	}
	face, err := tile.FaceFromInt(int(faceByte))
	if err != nil {
		return addr, err
	}
	addr.Face = face
	if addr.Depth, err = readU32(r); err != nil {
		return addr, fmt.Errorf("missing depth index")
	}
	if addr.X, err = readU32(r); err != nil {
		return addr, fmt.Errorf("missing tile x")
	}
	if addr.Y, err = readU32(r); err != nil {
		return addr, fmt.Errorf("missing tile y")
	}
	if addr.Zoom, err = r.ReadByte(); err != nil {
		return addr, fmt.Errorf("missing zoom level")
	}
	return addr, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > maxIDLen {
		return fmt.Errorf("identifier longer than %d bytes", maxIDLen)
	}
	writeU16(buf, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU16(r)
	if err != nil {
		return "", fmt.Errorf("missing length")
	}
	if int(n) > maxIDLen {
		return "", fmt.Errorf("identifier longer than %d bytes", maxIDLen)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("truncated identifier")
	}
	return string(b), nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func float32SliceToBytes(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}
