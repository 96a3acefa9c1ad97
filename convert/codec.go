package convert

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sovd-project/sovd-server/domain/sovd"
	"github.com/sovd-project/sovd-server/infrastructure/errors"
)

// scalarByteLength returns the fixed byte width of a ScalarType.
func scalarByteLength(t sovd.ScalarType) (int, error) {
	switch t {
	case sovd.ScalarUint8, sovd.ScalarInt8:
		return 1, nil
	case sovd.ScalarUint16, sovd.ScalarInt16:
		return 2, nil
	case sovd.ScalarUint32, sovd.ScalarInt32, sovd.ScalarFloat32:
		return 4, nil
	default:
		return 0, fmt.Errorf("unknown scalar type %q", t)
	}
}

func byteOrder(o sovd.ByteOrder) binary.ByteOrder {
	if o == sovd.LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// decodeRawScalar reads one element of the given type/order from b, sign
// extending signed types, and returns it as a float64 raw integer value
// (or the bit pattern reinterpreted for float32).
func decodeRawScalar(t sovd.ScalarType, order sovd.ByteOrder, b []byte) (float64, error) {
	bo := byteOrder(order)
	switch t {
	case sovd.ScalarUint8:
		return float64(b[0]), nil
	case sovd.ScalarInt8:
		return float64(int8(b[0])), nil
	case sovd.ScalarUint16:
		return float64(bo.Uint16(b)), nil
	case sovd.ScalarInt16:
		return float64(int16(bo.Uint16(b))), nil
	case sovd.ScalarUint32:
		return float64(bo.Uint32(b)), nil
	case sovd.ScalarInt32:
		return float64(int32(bo.Uint32(b))), nil
	case sovd.ScalarFloat32:
		return float64(math.Float32frombits(bo.Uint32(b))), nil
	default:
		return 0, fmt.Errorf("unknown scalar type %q", t)
	}
}

// encodeRawScalar writes a raw integer (or float32 bit pattern) value into
// a freshly allocated byte slice of the type's fixed width.
func encodeRawScalar(t sovd.ScalarType, order sovd.ByteOrder, raw float64) ([]byte, error) {
	n, err := scalarByteLength(t)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	bo := byteOrder(order)

	switch t {
	case sovd.ScalarUint8:
		b[0] = byte(uint8(raw))
	case sovd.ScalarInt8:
		b[0] = byte(int8(raw))
	case sovd.ScalarUint16:
		bo.PutUint16(b, uint16(raw))
	case sovd.ScalarInt16:
		bo.PutUint16(b, uint16(int16(raw)))
	case sovd.ScalarUint32:
		bo.PutUint32(b, uint32(raw))
	case sovd.ScalarInt32:
		bo.PutUint32(b, uint32(int32(raw)))
	case sovd.ScalarFloat32:
		bo.PutUint32(b, math.Float32bits(float32(raw)))
	default:
		return nil, fmt.Errorf("unknown scalar type %q", t)
	}
	return b, nil
}

// decodeScalar applies physical = raw*scale + offset, per §4.3.
func decodeScalar(def *sovd.Definition, b []byte) (float64, error) {
	n, err := scalarByteLength(def.ScalarElemType)
	if err != nil {
		return 0, err
	}
	if len(b) != n {
		return 0, errors.NewProtocol(fmt.Sprintf("scalar expects %d bytes, got %d", n, len(b)))
	}
	raw, err := decodeRawScalar(def.ScalarElemType, def.ByteOrder, b)
	if err != nil {
		return 0, err
	}
	scale := def.Scale
	if scale == 0 {
		scale = 1
	}
	return raw*scale + def.Offset, nil
}

// encodeScalar inverts decodeScalar: raw = (physical - offset) / scale.
func encodeScalar(def *sovd.Definition, physical float64) ([]byte, error) {
	scale := def.Scale
	if scale == 0 {
		scale = 1
	}
	raw := (physical - def.Offset) / scale
	if def.ScalarElemType != sovd.ScalarFloat32 {
		raw = math.Round(raw)
	}
	return encodeRawScalar(def.ScalarElemType, def.ByteOrder, raw)
}

// decodeEnum maps the raw integer to its label. Byte width follows the
// element type the same way Scalar does, with no scale/offset applied.
func decodeEnum(def *sovd.Definition, b []byte) (string, error) {
	raw, err := decodeRawScalar(def.ScalarElemType, def.ByteOrder, b)
	if err != nil {
		return "", err
	}
	label, ok := def.LabelMap[int64(raw)]
	if !ok {
		return "", errors.NewInvalidRequest("enum", fmt.Sprintf("no label for raw value %d", int64(raw)))
	}
	return label, nil
}

// encodeEnum rejects unknown labels, per §4.3.
func encodeEnum(def *sovd.Definition, label string) ([]byte, error) {
	for raw, l := range def.LabelMap {
		if l == label {
			return encodeRawScalar(def.ScalarElemType, def.ByteOrder, float64(raw))
		}
	}
	return nil, errors.NewInvalidRequest("enum", fmt.Sprintf("unknown label %q", label))
}

// decodeBitfield extracts each named (bit, width) range as an unsigned
// value, interpreting the whole byte slice as one big-endian integer.
func decodeBitfield(def *sovd.Definition, b []byte) (map[string]uint64, error) {
	value := bytesToUint64BigEndian(b)
	out := make(map[string]uint64, len(def.Fields))
	for _, f := range def.Fields {
		if f.Width <= 0 || f.Width > 64 {
			return nil, errors.NewInternal(fmt.Sprintf("bitfield %q has invalid width %d", f.Name, f.Width), nil)
		}
		mask := uint64(1)<<uint(f.Width) - 1
		out[f.Name] = (value >> uint(f.Bit)) & mask
	}
	return out, nil
}

// encodeBitfield packs named field values back into a byte slice the same
// width as the definition's ByteLength (falling back to the narrowest
// width spanning all fields).
func encodeBitfield(def *sovd.Definition, fields map[string]uint64) ([]byte, error) {
	width := def.ByteLength
	if width == 0 {
		maxBit := 0
		for _, f := range def.Fields {
			if f.Bit+f.Width > maxBit {
				maxBit = f.Bit + f.Width
			}
		}
		width = (maxBit + 7) / 8
	}
	var value uint64
	for _, f := range def.Fields {
		v, ok := fields[f.Name]
		if !ok {
			continue
		}
		mask := uint64(1)<<uint(f.Width) - 1
		value |= (v & mask) << uint(f.Bit)
	}
	return uint64ToBytesBigEndian(value, width), nil
}

func bytesToUint64BigEndian(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func uint64ToBytesBigEndian(v uint64, width int) []byte {
	b := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// decodeArray divides bytes into def.Length equal cells of ElementType.
func decodeArray(def *sovd.Definition, b []byte) ([]float64, error) {
	n, err := scalarByteLength(def.ElementType)
	if err != nil {
		return nil, err
	}
	if len(b) != n*def.Length {
		return nil, errors.NewProtocol(fmt.Sprintf("array expects %d bytes, got %d", n*def.Length, len(b)))
	}
	out := make([]float64, def.Length)
	for i := 0; i < def.Length; i++ {
		v, err := decodeRawScalar(def.ElementType, def.ByteOrder, b[i*n:(i+1)*n])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func encodeArray(def *sovd.Definition, values []float64) ([]byte, error) {
	if len(values) != def.Length {
		return nil, errors.NewInvalidRequest("array", fmt.Sprintf("expected %d elements, got %d", def.Length, len(values)))
	}
	var out []byte
	for _, v := range values {
		b, err := encodeRawScalar(def.ElementType, def.ByteOrder, v)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// decodeMap2D reads a row-major rows x cols grid of CellType.
func decodeMap2D(def *sovd.Definition, b []byte) ([][]float64, error) {
	n, err := scalarByteLength(def.CellType)
	if err != nil {
		return nil, err
	}
	want := n * def.Rows * def.Cols
	if len(b) != want {
		return nil, errors.NewProtocol(fmt.Sprintf("map2d expects %d bytes, got %d", want, len(b)))
	}
	out := make([][]float64, def.Rows)
	offset := 0
	for r := 0; r < def.Rows; r++ {
		row := make([]float64, def.Cols)
		for c := 0; c < def.Cols; c++ {
			v, err := decodeRawScalar(def.CellType, def.ByteOrder, b[offset:offset+n])
			if err != nil {
				return nil, err
			}
			row[c] = v
			offset += n
		}
		out[r] = row
	}
	return out, nil
}

func encodeMap2D(def *sovd.Definition, grid [][]float64) ([]byte, error) {
	if len(grid) != def.Rows {
		return nil, errors.NewInvalidRequest("map2d", fmt.Sprintf("expected %d rows, got %d", def.Rows, len(grid)))
	}
	var out []byte
	for _, row := range grid {
		if len(row) != def.Cols {
			return nil, errors.NewInvalidRequest("map2d", fmt.Sprintf("expected %d cols, got %d", def.Cols, len(row)))
		}
		for _, v := range row {
			b, err := encodeRawScalar(def.CellType, def.ByteOrder, v)
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
	}
	return out, nil
}

// decodeHistogram reads one byte per bin count, aligned to BinEdges.
// len(counts) is len(BinEdges)-1 for closed-interval edges, or
// len(BinEdges) when the definition supplies one trailing overflow bin;
// the byte length itself is authoritative.
func decodeHistogram(def *sovd.Definition, b []byte) ([]uint64, error) {
	expected := len(def.BinEdges) - 1
	if len(b) == len(def.BinEdges) {
		expected = len(def.BinEdges)
	}
	if len(b) != expected {
		return nil, errors.NewProtocol(fmt.Sprintf("histogram expects %d bytes, got %d", expected, len(b)))
	}
	out := make([]uint64, len(b))
	for i, x := range b {
		out[i] = uint64(x)
	}
	return out, nil
}

func encodeHistogram(counts []uint64) ([]byte, error) {
	out := make([]byte, len(counts))
	for i, c := range counts {
		if c > 0xFF {
			return nil, errors.NewInvalidRequest("histogram", fmt.Sprintf("bin %d count %d overflows a byte", i, c))
		}
		out[i] = byte(c)
	}
	return out, nil
}

// decodeString requires exactly StringLength bytes when StringLength is
// set (a Protocol error otherwise) and returns them as-is; Encoding is not
// consulted and nothing is trimmed.
func decodeString(def *sovd.Definition, b []byte) (string, error) {
	if def.StringLength > 0 && len(b) != def.StringLength {
		return "", errors.NewProtocol(fmt.Sprintf("string expects %d bytes, got %d", def.StringLength, len(b)))
	}
	return string(b), nil
}

func encodeString(def *sovd.Definition, s string) ([]byte, error) {
	b := []byte(s)
	if def.StringLength > 0 {
		if len(b) > def.StringLength {
			return nil, errors.NewInvalidRequest("string", fmt.Sprintf("exceeds %d bytes", def.StringLength))
		}
		padded := make([]byte, def.StringLength)
		copy(padded, b)
		return padded, nil
	}
	return b, nil
}
