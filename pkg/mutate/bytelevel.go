// Package mutate implements the byte-level and structure-aware mutation
// engine: three selectable modes (byte_level, structure_aware, hybrid) over
// test case seeds.
package mutate

import "math/rand/v2"

// byteLevelMutator is a single byte-level mutation strategy.
type byteLevelMutator interface {
	mutate(data []byte) []byte
}

// byteLevelWeights mirrors the reference engine's selection weights; the
// sum need not be 100, weighted choice normalizes.
var byteLevelWeights = map[string]int{
	"bitflip":     20,
	"byteflip":    20,
	"arithmetic":  15,
	"interesting": 20,
	"havoc":       15,
	"splice":      10,
}

// ByteLevelMutatorNames returns the names of all available byte-level
// mutators, in a stable order.
func ByteLevelMutatorNames() []string {
	return []string{"bitflip", "byteflip", "arithmetic", "interesting", "havoc", "splice"}
}

type bitFlipMutator struct{ ratio float64 }

func (m bitFlipMutator) mutate(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	out := append([]byte(nil), data...)
	numBits := len(out) * 8
	numFlips := max(1, int(float64(numBits)*m.ratio))
	for i := 0; i < numFlips; i++ {
		bitPos := rand.IntN(numBits)
		out[bitPos/8] ^= 1 << uint(bitPos%8)
	}
	return out
}

type byteFlipMutator struct{ ratio float64 }

func (m byteFlipMutator) mutate(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	out := append([]byte(nil), data...)
	numFlips := max(1, int(float64(len(out))*m.ratio))
	for i := 0; i < numFlips; i++ {
		out[rand.IntN(len(out))] = byte(rand.IntN(256))
	}
	return out
}

// arithmeticDeltas are the byte-level arithmetic mutator's candidate deltas.
var arithmeticDeltas = []int32{-128, -64, -32, -16, -8, -1, 1, 8, 16, 32, 64, 128}

type arithmeticMutator struct{}

func (arithmeticMutator) mutate(data []byte) []byte {
	if len(data) < 4 {
		return data
	}
	out := append([]byte(nil), data...)
	pos := rand.IntN(len(out) - 3)
	value := be32(out[pos : pos+4])
	delta := arithmeticDeltas[rand.IntN(len(arithmeticDeltas))]
	newValue := uint32(int64(value) + int64(delta))
	putBE32(out[pos:pos+4], newValue)
	return out
}

var interesting8 = []byte{0, 1, 127, 128, 255}
var interesting16 = []uint16{0, 1, 255, 256, 32767, 32768, 65535}
var interesting32 = []uint32{0, 1, 65535, 65536, 0x7FFFFFFF, 0x80000000, 0xFFFFFFFF}

type interestingValueMutator struct{}

func (interestingValueMutator) mutate(data []byte) []byte {
	if len(data) < 2 {
		return data
	}
	out := append([]byte(nil), data...)
	pos := rand.IntN(len(out) - 1)

	switch {
	case pos+4 <= len(out) && rand.Float64() < 0.5:
		value := interesting32[rand.IntN(len(interesting32))]
		putBE32(out[pos:pos+4], value)
	case pos+2 <= len(out):
		value := interesting16[rand.IntN(len(interesting16))]
		out[pos] = byte(value >> 8)
		out[pos+1] = byte(value)
	default:
		out[pos] = interesting8[rand.IntN(len(interesting8))]
	}
	return out
}

type havocMutator struct{}

func (havocMutator) mutate(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	out := append([]byte(nil), data...)
	numMutations := 2 + rand.IntN(9)

	ops := []string{"insert", "delete", "duplicate", "shuffle"}
	for i := 0; i < numMutations; i++ {
		switch ops[rand.IntN(len(ops))] {
		case "insert":
			if len(out) < 4096 {
				pos := rand.IntN(len(out) + 1)
				insertLen := 1 + rand.IntN(16)
				random := make([]byte, insertLen)
				for j := range random {
					random[j] = byte(rand.IntN(256))
				}
				out = insertAt(out, pos, random)
			}
		case "delete":
			if len(out) > 4 {
				pos := rand.IntN(len(out) - 1)
				deleteLen := min(1+rand.IntN(16), len(out)-pos)
				out = append(out[:pos], out[pos+deleteLen:]...)
			}
		case "duplicate":
			if len(out) > 4 {
				start := rand.IntN(len(out) - 1)
				end := start + 1 + rand.IntN(min(32, len(out)-start))
				chunk := append([]byte(nil), out[start:end]...)
				insertPos := rand.IntN(len(out) + 1)
				out = insertAt(out, insertPos, chunk)
			}
		case "shuffle":
			if len(out) > 8 {
				start := rand.IntN(len(out) - 3)
				end := start + 4 + rand.IntN(min(28, len(out)-start-4)+1)
				shuffleBytes(out[start:end])
			}
		}
	}
	return out
}

func insertAt(data []byte, pos int, insert []byte) []byte {
	out := make([]byte, 0, len(data)+len(insert))
	out = append(out, data[:pos]...)
	out = append(out, insert...)
	out = append(out, data[pos:]...)
	return out
}

func shuffleBytes(b []byte) {
	rand.Shuffle(len(b), func(i, j int) { b[i], b[j] = b[j], b[i] })
}

// spliceMutator concatenates a prefix of the seed with a suffix of a
// different corpus member. Disabled (returns the seed unchanged) when the
// corpus has fewer than two entries.
type spliceMutator struct {
	corpus [][]byte
}

func (m spliceMutator) mutate(data []byte) []byte {
	if len(m.corpus) < 2 {
		return data
	}
	other := m.corpus[rand.IntN(len(m.corpus))]
	if bytesEqual(other, data) {
		var alternatives [][]byte
		for _, c := range m.corpus {
			if !bytesEqual(c, data) {
				alternatives = append(alternatives, c)
			}
		}
		if len(alternatives) == 0 {
			return data
		}
		other = alternatives[rand.IntN(len(alternatives))]
	}

	split1 := rand.IntN(len(data) + 1)
	split2 := rand.IntN(len(other) + 1)

	out := make([]byte, 0, split1+len(other)-split2)
	out = append(out, data[:split1]...)
	out = append(out, other[split2:]...)
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
