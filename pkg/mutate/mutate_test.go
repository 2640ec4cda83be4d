package mutate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protofuzz/protofuzz/pkg/codec"
)

func intPtr(i int) *int { return &i }

func TestByteLevelMutatorsProduceOutput(t *testing.T) {
	seed := []byte("hello world, this is a test seed")

	for _, name := range ByteLevelMutatorNames() {
		t.Run(name, func(t *testing.T) {
			e := New([][]byte{seed}, nil, Config{EnabledMutators: []string{name}})
			out := e.GenerateTestCase(append([]byte(nil), seed...), 1)
			assert.NotNil(t, out)
		})
	}
}

func TestBitFlipMutatorFlipsAtLeastOneBit(t *testing.T) {
	seed := make([]byte, 16)
	m := bitFlipMutator{ratio: 0.5}
	out := m.mutate(seed)

	changed := false
	for i := range seed {
		if seed[i] != out[i] {
			changed = true
		}
	}
	assert.True(t, changed)
}

func TestArithmeticMutatorRequiresFourBytes(t *testing.T) {
	m := arithmeticMutator{}
	assert.Equal(t, []byte{1, 2, 3}, m.mutate([]byte{1, 2, 3}))
}

func TestSpliceMutatorDisabledBelowTwoSeeds(t *testing.T) {
	m := spliceMutator{corpus: [][]byte{{1, 2, 3}}}
	out := m.mutate([]byte{1, 2, 3})
	assert.Equal(t, []byte{1, 2, 3}, out)
}

func testModel() *codec.DataModel {
	return &codec.DataModel{
		Blocks: []codec.Block{
			{Name: "magic", Type: codec.TypeUint16, Default: uint64(0xCAFE), Mutable: boolPtr(false)},
			{Name: "length", Type: codec.TypeUint16, IsSizeField: true, SizeOf: []string{"payload"}, Mutable: boolPtr(false)},
			{Name: "payload", Type: codec.TypeBytes, MaxSize: intPtr(64), Default: []byte("seed")},
		},
	}
}

func boolPtr(b bool) *bool { return &b }

func TestStructureMutatorRespectsMutableFlag(t *testing.T) {
	c := codec.New(testModel())
	seed, err := c.Serialize(map[string]any{}, nil)
	require.NoError(t, err)

	sm := NewStructureMutator(c)
	_, _, field, ok := sm.Mutate(seed)
	require.True(t, ok)
	assert.Equal(t, "payload", field, "magic is not mutable and must never be chosen")
}

func TestStructureMutatorReserializesValidMessage(t *testing.T) {
	c := codec.New(testModel())
	seed, err := c.Serialize(map[string]any{}, nil)
	require.NoError(t, err)

	sm := NewStructureMutator(c)
	mutated, _, _, ok := sm.Mutate(seed)
	require.True(t, ok)

	result, err := c.Parse(mutated)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(result.Fields["payload"].([]byte))), result.Fields["length"])
}

func TestStructureMutatorFallsBackOnParseFailure(t *testing.T) {
	c := codec.New(testModel())
	sm := NewStructureMutator(c)

	// Too short to parse: length field alone needs 2 bytes, magic needs 2.
	_, _, _, ok := sm.Mutate([]byte{0x01})
	assert.False(t, ok)
}

func TestEngineHybridModeMetadata(t *testing.T) {
	c := codec.New(testModel())
	seed, err := c.Serialize(map[string]any{}, nil)
	require.NoError(t, err)

	e := New([][]byte{seed}, c, Config{Mode: ModeHybrid, StructureAwareWeight: 100})
	out := e.GenerateTestCase(seed, 1)
	assert.NotNil(t, out)
	assert.Equal(t, "structure_aware", e.LastMetadata().Strategy)
}

func TestEngineByteLevelModeMetadata(t *testing.T) {
	e := New([][]byte{[]byte("seed")}, nil, Config{Mode: ModeByteLevel})
	out := e.GenerateTestCase([]byte("seed"), 3)
	assert.NotNil(t, out)
	assert.Equal(t, "byte_level", e.LastMetadata().Strategy)
	assert.Len(t, e.LastMetadata().Mutators, 3)
}

func TestEngineNormalizesUnknownEnabledMutators(t *testing.T) {
	e := New([][]byte{[]byte("seed")}, nil, Config{EnabledMutators: []string{"not_a_real_mutator"}})
	assert.ElementsMatch(t, ByteLevelMutatorNames(), e.enabledMutators)
}

func TestGenerateBatchProducesRequestedCount(t *testing.T) {
	e := New([][]byte{[]byte("aaaa"), []byte("bbbb")}, nil, Config{})
	batch := e.GenerateBatch(5)
	assert.Len(t, batch, 5)
}

func TestBoundaryValuesRespectsBitFieldWidth(t *testing.T) {
	block := &codec.Block{Name: "flags", Type: codec.TypeBits, Size: intPtr(3)}
	for i := 0; i < 20; i++ {
		v := boundaryValues(uint64(0), block)
		iv, ok := v.(uint64)
		require.True(t, ok)
		assert.LessOrEqual(t, iv, uint64(7))
	}
}
