package codec

import (
	"encoding/binary"
	"unicode/utf8"
)

// ParseResult is the outcome of parsing one message: the field values, plus
// the enum names resolved from any block's `values` map.
type ParseResult struct {
	Fields    map[string]any
	EnumNames map[string]string
}

// Parse decodes data into a field map following the bound data model, in
// declared block order.
func (c *Codec) Parse(data []byte) (*ParseResult, error) {
	result := &ParseResult{
		Fields:    make(map[string]any, len(c.model.Blocks)),
		EnumNames: make(map[string]string),
	}
	cur := &bitCursor{data: data}

	for i := range c.model.Blocks {
		block := &c.model.Blocks[i]

		switch {
		case block.Type == TypeBits:
			if block.Size == nil {
				return nil, &ParseError{Field: block.Name, Offset: cur.byteOffset(), Reason: "bits block requires size"}
			}
			val, err := cur.ReadBits(*block.Size, block.BitOrder, block.Endian)
			if err != nil {
				return nil, &ParseError{Field: block.Name, Offset: cur.byteOffset(), Reason: err.Error()}
			}
			result.Fields[block.Name] = val
			recordEnumName(result, block, int64(val))

		case block.Type.IsInteger():
			cur.AlignToByte()
			offset := cur.byteOffset()
			width := block.Type.ByteWidth()
			if offset+width > len(data) {
				return nil, &ParseError{Field: block.Name, Offset: offset, Reason: "not enough data for integer field"}
			}
			raw := decodeInt(data[offset:offset+width], block.Type, block.Endian)
			result.Fields[block.Name] = raw
			cur.bitPos = (offset + width) * 8
			recordEnumName(result, block, toInt64(raw))

		case block.Type == TypeBytes:
			cur.AlignToByte()
			offset := cur.byteOffset()
			value, consumed, err := parseBytesField(data, offset, block, c.model, result.Fields)
			if err != nil {
				return nil, &ParseError{Field: block.Name, Offset: offset, Reason: err.Error()}
			}
			result.Fields[block.Name] = value
			cur.bitPos = (offset + consumed) * 8

		case block.Type == TypeString:
			cur.AlignToByte()
			offset := cur.byteOffset()
			raw, consumed, err := parseBytesField(data, offset, block, c.model, result.Fields)
			if err != nil {
				return nil, &ParseError{Field: block.Name, Offset: offset, Reason: err.Error()}
			}
			result.Fields[block.Name] = decodeString(raw, block.Encoding)
			cur.bitPos = (offset + consumed) * 8

		default:
			return nil, &ParseError{Field: block.Name, Offset: cur.byteOffset(), Reason: "unsupported block type " + string(block.Type)}
		}
	}

	return result, nil
}

func recordEnumName(result *ParseResult, block *Block, value int64) {
	if block.Values == nil {
		return
	}
	if name, ok := block.Values[int(value)]; ok {
		result.EnumNames[block.Name] = name
	}
}

// parseBytesField parses a `bytes` or `string` (pre-decode) block: fixed
// size, a preceding is_size_field's value, max_size, or the remainder.
func parseBytesField(data []byte, offset int, block *Block, model *DataModel, parsed map[string]any) ([]byte, int, error) {
	if block.Size != nil {
		size := *block.Size
		if offset+size > len(data) {
			return nil, 0, &ParseError{Field: block.Name, Offset: offset, Reason: "not enough data for fixed-size field"}
		}
		return data[offset : offset+size], size, nil
	}

	if sizeField, ok := model.SizeFieldFor(block.Name); ok {
		if raw, ok := parsed[sizeField.Name]; ok {
			size := int(toInt64(raw))
			if block.MaxSize != nil && size > *block.MaxSize {
				size = *block.MaxSize
			}
			if offset+size > len(data) {
				size = len(data) - offset
			}
			if size < 0 {
				size = 0
			}
			return data[offset : offset+size], size, nil
		}
	}

	if block.MaxSize != nil {
		size := *block.MaxSize
		if offset+size > len(data) {
			size = len(data) - offset
		}
		if size < 0 {
			size = 0
		}
		return data[offset : offset+size], size, nil
	}

	return data[offset:], len(data) - offset, nil
}

// decodeInt decodes a fixed-width integer block, returning it widened to
// uint64 for unsigned types or the sign-extended bit pattern for signed
// types (callers needing the signed value use toInt64).
func decodeInt(b []byte, t BlockType, endian Endian) uint64 {
	order := byteOrder(endian)
	var raw uint64
	switch t.ByteWidth() {
	case 1:
		raw = uint64(b[0])
	case 2:
		raw = uint64(order.Uint16(b))
	case 4:
		raw = uint64(order.Uint32(b))
	case 8:
		raw = order.Uint64(b)
	}
	if t.IsSigned() {
		raw = signExtend(raw, t.ByteWidth()*8)
	}
	return raw
}

// signExtend sign-extends the low `bits` bits of v to a full 64-bit two's
// complement value.
func signExtend(v uint64, bits int) uint64 {
	if bits >= 64 {
		return v
	}
	signBit := uint64(1) << uint(bits-1)
	if v&signBit != 0 {
		v |= ^uint64(0) << uint(bits)
	}
	return v
}

func byteOrder(endian Endian) binary.ByteOrder {
	if endian.orDefault() == LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// toInt64 reinterprets a uint64 field value as signed, for enum lookups and
// size computations. Unsigned values pass through unchanged when they fit.
func toInt64(v uint64) int64 {
	return int64(v)
}

// decodeString decodes a bytes block into a string. Invalid UTF-8 falls back
// to a lossy Latin-1 decode, which never fails, mirroring the reference
// engine's decode-or-fallback rule.
func decodeString(raw []byte, encoding string) string {
	switch encoding {
	case "", "utf-8", "utf8":
		if utf8.Valid(raw) {
			return string(raw)
		}
		return decodeLatin1(raw)
	default:
		return string(raw)
	}
}

func decodeLatin1(raw []byte) string {
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}
