package mutate

import (
	"math/rand/v2"

	"github.com/protofuzz/protofuzz/pkg/codec"
)

// structureStrategyWeights mirrors the reference engine's per-strategy
// selection weights.
var structureStrategyWeights = []struct {
	name   string
	weight int
}{
	{"boundary_values", 25},
	{"arithmetic", 20},
	{"bit_flip_field", 15},
	{"interesting_values", 20},
	{"expand_field", 8},
	{"shrink_field", 7},
	{"repeat_pattern", 5},
}

// StructureMutator mutates protocol messages field-by-field using the bound
// data model, re-serializing so dependent length/checksum fields stay
// consistent.
type StructureMutator struct {
	codec         *codec.Codec
	strategyTable []string
}

// NewStructureMutator returns a structure-aware mutator bound to codec.
func NewStructureMutator(c *codec.Codec) *StructureMutator {
	var table []string
	for _, s := range structureStrategyWeights {
		for i := 0; i < s.weight; i++ {
			table = append(table, s.name)
		}
	}
	return &StructureMutator{codec: c, strategyTable: table}
}

// Mutate parses seed, mutates exactly one mutable block, and re-serializes.
// It returns the mutated bytes, the strategy applied, and the mutated
// field's name. If parsing fails, ok is false and callers fall back to
// byte-level mutation per their own fallback policy.
func (m *StructureMutator) Mutate(seed []byte) (mutated []byte, strategy string, field string, ok bool) {
	result, err := m.codec.Parse(seed)
	if err != nil {
		return nil, "", "", false
	}

	mutable := m.codec.Model().MutableBlocks()
	if len(mutable) == 0 {
		return seed, "", "", true
	}

	target := mutable[rand.IntN(len(mutable))]
	strategy = m.strategyTable[rand.IntN(len(m.strategyTable))]
	field = target.Name

	original := result.Fields[field]
	mutatedValue := m.applyStrategy(strategy, original, target)
	result.Fields[field] = mutatedValue

	out, err := m.codec.Serialize(result.Fields, nil)
	if err != nil {
		// Fall back to the unmutated field rather than fail the whole pass;
		// a field whose from_context source is unavailable here still lets
		// the rest of the message mutate on the next call.
		result.Fields[field] = original
		out, err = m.codec.Serialize(result.Fields, nil)
		if err != nil {
			return nil, strategy, field, false
		}
	}

	return out, strategy, field, true
}

func (m *StructureMutator) applyStrategy(strategy string, value any, block *codec.Block) any {
	switch strategy {
	case "boundary_values":
		return boundaryValues(value, block)
	case "arithmetic":
		return structureArithmetic(value, block)
	case "bit_flip_field":
		return bitFlipField(value, block)
	case "interesting_values":
		return interestingValues(value, block)
	case "expand_field":
		return expandField(value, block)
	case "shrink_field":
		return shrinkField(value, block)
	case "repeat_pattern":
		return repeatPattern(value, block)
	default:
		return value
	}
}

func boundaryValues(value any, block *codec.Block) any {
	switch block.Type {
	case codec.TypeBits:
		size := 1
		if block.Size != nil {
			size = *block.Size
		}
		maxVal := uint64(1)<<uint(size) - 1
		candidates := dedupRange([]uint64{0, 1, maxVal / 2, maxVal - 1, maxVal}, maxVal)
		return candidates[rand.IntN(len(candidates))]

	case codec.TypeUint8:
		return pick64([]uint64{0, 1, 127, 128, 254, 255})
	case codec.TypeUint16:
		return pick64([]uint64{0, 1, 255, 256, 32767, 32768, 65534, 65535})
	case codec.TypeUint32:
		return pick64([]uint64{0, 1, 65535, 65536, 0x7FFFFFFF, 0xFFFFFFFE, 0xFFFFFFFF})
	case codec.TypeUint64:
		return pick64([]uint64{0, 1, 0xFFFFFFFF, 0x100000000, 0x7FFFFFFFFFFFFFFF, 0xFFFFFFFFFFFFFFFF})
	case codec.TypeInt8:
		return uint64(pickSigned([]int64{-128, -1, 0, 1, 126, 127}))
	case codec.TypeInt16:
		return uint64(pickSigned([]int64{-32768, -1, 0, 1, 32766, 32767}))
	case codec.TypeInt32:
		return uint64(pickSigned([]int64{-2147483648, -1, 0, 1, 2147483646, 2147483647}))

	case codec.TypeBytes:
		maxSize := 1024
		if block.MaxSize != nil {
			maxSize = *block.MaxSize
		}
		choices := [][]byte{
			{},
			{0x00},
			{0xFF},
			repeatByte(0x00, maxSize),
			repeatByte(0xFF, maxSize),
			repeatByte('A', maxSize-1),
			repeatByte('A', maxSize+1),
		}
		return choices[rand.IntN(len(choices))]
	}
	return value
}

func structureArithmetic(value any, block *codec.Block) any {
	if block.Type == codec.TypeBits {
		size := 1
		if block.Size != nil {
			size = *block.Size
		}
		maxVal := uint64(1)<<uint(size) - 1
		v, ok := value.(uint64)
		if !ok {
			return value
		}
		ops := []uint64{v + 1, v - 1, v + uint64(1+rand.IntN(5)), v - uint64(1+rand.IntN(5)), v ^ 1}
		return ops[rand.IntN(len(ops))] & maxVal
	}

	if !block.Type.IsInteger() {
		return value
	}

	deltas := []int64{-256, -128, -16, -1, 1, 16, 128, 256}
	delta := deltas[rand.IntN(len(deltas))]
	v, ok := value.(uint64)
	if !ok {
		return value
	}

	switch block.Type {
	case codec.TypeUint8:
		return uint64(uint8(int64(v) + delta))
	case codec.TypeUint16:
		return uint64(uint16(int64(v) + delta))
	case codec.TypeUint32:
		return uint64(uint32(int64(v) + delta))
	case codec.TypeUint64:
		return uint64(int64(v) + delta)
	default: // signed
		return uint64(int64(v) + delta)
	}
}

func bitFlipField(value any, block *codec.Block) any {
	if block.Type.IsInteger() {
		width := block.Type.ByteWidth() * 8
		v, ok := value.(uint64)
		if !ok {
			return value
		}
		bitPos := rand.IntN(width)
		return v ^ (uint64(1) << uint(bitPos))
	}

	if block.Type == codec.TypeBytes {
		b, ok := value.([]byte)
		if !ok || len(b) == 0 {
			return value
		}
		out := append([]byte(nil), b...)
		bytePos := rand.IntN(len(out))
		bitPos := rand.IntN(8)
		out[bytePos] ^= 1 << uint(bitPos)
		return out
	}

	return value
}

func interestingValues(value any, block *codec.Block) any {
	if len(block.Values) > 0 {
		keys := make([]int, 0, len(block.Values))
		for k := range block.Values {
			keys = append(keys, k)
		}
		base := keys[rand.IntN(len(keys))]
		if rand.Float64() < 0.7 {
			return uint64(base)
		}
		adjacent := []int{-1, 1}[rand.IntN(2)]
		return uint64(base + adjacent)
	}

	switch block.Type {
	case codec.TypeBits:
		size := 1
		if block.Size != nil {
			size = *block.Size
		}
		maxVal := uint64(1)<<uint(size) - 1
		vals := []uint64{0, 1, maxVal, uint64(1) << uint(size-1)}
		for i := 0; i < size; i++ {
			vals = append(vals, uint64(1)<<uint(i))
		}
		deduped := dedupRange(vals, maxVal)
		return deduped[rand.IntN(len(deduped))]
	case codec.TypeUint8:
		return pick64([]uint64{0, 1, 0x7F, 0x80, 0xFF})
	case codec.TypeUint16:
		return pick64([]uint64{0, 1, 0xFF, 0x100, 0x7FFF, 0x8000, 0xFFFF})
	case codec.TypeUint32:
		return pick64([]uint64{0, 1, 0xFFFF, 0x10000, 0x7FFFFFFF, 0x80000000, 0xFFFFFFFF})
	case codec.TypeBytes:
		patterns := [][]byte{
			{0x00, 0x00, 0x00, 0x00},
			{0xFF, 0xFF, 0xFF, 0xFF},
			{0xDE, 0xAD, 0xBE, 0xEF},
			[]byte("%s%s%n"),
			[]byte("../../../etc/passwd"),
			[]byte("' OR 1=1--"),
		}
		return patterns[rand.IntN(len(patterns))]
	}
	return value
}

func expandField(value any, block *codec.Block) any {
	if block.Type != codec.TypeBytes {
		return value
	}
	maxSize := 1024
	if block.MaxSize != nil {
		maxSize = *block.MaxSize
	}
	b, _ := value.([]byte)
	currentLen := len(b)

	factor := 1.5 + rand.Float64()*1.5
	newLen := min(int(float64(currentLen)*factor), maxSize)
	if newLen <= currentLen {
		return value
	}

	pattern := b
	if len(pattern) == 0 {
		pattern = []byte{'A'}
	}
	out := make([]byte, 0, newLen)
	for len(out) < newLen {
		out = append(out, pattern...)
	}
	return out[:newLen]
}

func shrinkField(value any, block *codec.Block) any {
	if block.Type != codec.TypeBytes {
		return value
	}
	b, ok := value.([]byte)
	if !ok || len(b) <= 1 {
		return value
	}
	factor := 0.1 + rand.Float64()*0.4
	newLen := max(0, int(float64(len(b))*factor))
	return b[:newLen]
}

func repeatPattern(value any, block *codec.Block) any {
	if block.Type != codec.TypeBytes {
		return value
	}
	maxSize := 1024
	if block.MaxSize != nil {
		maxSize = *block.MaxSize
	}
	patterns := [][]byte{{0x00}, {0xFF}, {'A'}, []byte("%s"), {0x90}, {0xCC}}
	pattern := patterns[rand.IntN(len(patterns))]
	size := 1 + rand.IntN(maxSize)

	out := make([]byte, 0, size)
	for len(out) < size {
		out = append(out, pattern...)
	}
	return out[:size]
}

func pick64(vals []uint64) uint64 {
	return vals[rand.IntN(len(vals))]
}

func pickSigned(vals []int64) int64 {
	return vals[rand.IntN(len(vals))]
}

func repeatByte(b byte, n int) []byte {
	if n <= 0 {
		return []byte{}
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func dedupRange(vals []uint64, maxVal uint64) []uint64 {
	seen := make(map[uint64]bool, len(vals))
	var out []uint64
	for _, v := range vals {
		if v > maxVal || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	if len(out) == 0 {
		return []uint64{0}
	}
	return out
}
