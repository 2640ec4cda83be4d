// Package codec implements the protocol codec: a bidirectional parser and
// serializer driven by a declarative data model of byte, string, bit, and
// integer blocks, with auto-computed length/checksum fields, transform
// pipelines, and dynamic value generators.
package codec

// BlockType identifies the wire encoding of a block.
type BlockType string

const (
	TypeBytes  BlockType = "bytes"
	TypeString BlockType = "string"
	TypeBits   BlockType = "bits"
	TypeUint8  BlockType = "uint8"
	TypeUint16 BlockType = "uint16"
	TypeUint32 BlockType = "uint32"
	TypeUint64 BlockType = "uint64"
	TypeInt8   BlockType = "int8"
	TypeInt16  BlockType = "int16"
	TypeInt32  BlockType = "int32"
	TypeInt64  BlockType = "int64"
)

// IsInteger reports whether t is one of the fixed-width integer types.
func (t BlockType) IsInteger() bool {
	switch t {
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64, TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return true
	}
	return false
}

// IsSigned reports whether t is a signed integer type.
func (t BlockType) IsSigned() bool {
	switch t {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return true
	}
	return false
}

// ByteWidth returns the byte width of a fixed-width integer type, or 0 for
// non-integer types.
func (t BlockType) ByteWidth() int {
	switch t {
	case TypeUint8, TypeInt8:
		return 1
	case TypeUint16, TypeInt16:
		return 2
	case TypeUint32, TypeInt32:
		return 4
	case TypeUint64, TypeInt64:
		return 8
	}
	return 0
}

// Endian selects integer and multi-byte bit-field byte order.
type Endian string

const (
	BigEndian    Endian = "big"
	LittleEndian Endian = "little"
)

func (e Endian) orDefault() Endian {
	if e == "" {
		return BigEndian
	}
	return e
}

// BitOrder selects which end of a byte holds the first bit of a bits field.
type BitOrder string

const (
	MSBFirst BitOrder = "msb"
	LSBFirst BitOrder = "lsb"
)

func (o BitOrder) orDefault() BitOrder {
	if o == "" {
		return MSBFirst
	}
	return o
}

// SizeUnit is the unit a size field is expressed in.
type SizeUnit string

const (
	UnitBytes SizeUnit = "bytes"
	UnitBits  SizeUnit = "bits"
	UnitWords SizeUnit = "words" // 32 bits, rounded up
)

func (u SizeUnit) orDefault() SizeUnit {
	if u == "" {
		return UnitBytes
	}
	return u
}

// ChecksumScope selects which portion of the serialized message a checksum
// field covers.
type ChecksumScope string

const (
	ChecksumAll      ChecksumScope = "all"
	ChecksumBefore   ChecksumScope = "before"
	ChecksumAfter    ChecksumScope = "after"
	ChecksumSpecific ChecksumScope = "specific"
)

// TransformOp is one step of a value-transform pipeline applied to a
// from_context-resolved value before it is encoded.
type TransformOp struct {
	Op      string `yaml:"op" json:"op"`
	Operand uint64 `yaml:"operand,omitempty" json:"operand,omitempty"`
	// BitWidth is used by the invert op to determine the mask width.
	BitWidth int `yaml:"bit_width,omitempty" json:"bit_width,omitempty"`
}

// BehaviorSpec declares a side-effecting field update applied between
// sends: a monotonic counter (increment, with wrap) or a constant nudge
// on the field's current value (add_constant).
type BehaviorSpec struct {
	Operation string `yaml:"operation" json:"operation"`
	Endian    Endian `yaml:"endian,omitempty" json:"endian,omitempty"`
	Initial   uint64 `yaml:"initial,omitempty" json:"initial,omitempty"`
	Step      uint64 `yaml:"step,omitempty" json:"step,omitempty"`
	// Wrap defaults to 1<<(fieldWidth*8) when unset.
	Wrap  uint64 `yaml:"wrap,omitempty" json:"wrap,omitempty"`
	Value uint64 `yaml:"value,omitempty" json:"value,omitempty"` // for add_constant
}

// Block is one field of a data model, in declaration order.
type Block struct {
	Name string    `yaml:"name" json:"name"`
	Type BlockType `yaml:"type" json:"type"`

	Size    *int `yaml:"size,omitempty" json:"size,omitempty"`
	MaxSize *int `yaml:"max_size,omitempty" json:"max_size,omitempty"`

	Default any `yaml:"default,omitempty" json:"default,omitempty"`

	Endian   Endian   `yaml:"endian,omitempty" json:"endian,omitempty"`
	BitOrder BitOrder `yaml:"bit_order,omitempty" json:"bit_order,omitempty"`
	Encoding string   `yaml:"encoding,omitempty" json:"encoding,omitempty"`

	Values map[int]string `yaml:"values,omitempty" json:"values,omitempty"`

	// Mutable defaults to true; a false value tells the mutation engine to
	// never touch this block.
	Mutable *bool `yaml:"mutable,omitempty" json:"mutable,omitempty"`

	IsSizeField bool     `yaml:"is_size_field,omitempty" json:"is_size_field,omitempty"`
	SizeOf      []string `yaml:"size_of,omitempty" json:"size_of,omitempty"`
	SizeUnit    SizeUnit `yaml:"size_unit,omitempty" json:"size_unit,omitempty"`

	IsChecksum        bool          `yaml:"is_checksum,omitempty" json:"is_checksum,omitempty"`
	ChecksumAlgorithm string        `yaml:"checksum_algorithm,omitempty" json:"checksum_algorithm,omitempty"`
	ChecksumOver      ChecksumScope `yaml:"checksum_over,omitempty" json:"checksum_over,omitempty"`
	ChecksumFields    []string      `yaml:"checksum_fields,omitempty" json:"checksum_fields,omitempty"`

	FromContext string        `yaml:"from_context,omitempty" json:"from_context,omitempty"`
	Transform   []TransformOp `yaml:"transform,omitempty" json:"transform,omitempty"`
	Generate    string        `yaml:"generate,omitempty" json:"generate,omitempty"`
	Behavior    *BehaviorSpec `yaml:"behavior,omitempty" json:"behavior,omitempty"`
}

// IsMutable reports whether the mutation engine may touch this block.
func (b *Block) IsMutable() bool {
	return b.Mutable == nil || *b.Mutable
}

// DataModel is an ordered sequence of blocks describing one message shape.
type DataModel struct {
	Blocks []Block `yaml:"blocks" json:"blocks"`
}

// Block returns the block with the given name, and whether it was found.
func (m *DataModel) Block(name string) (*Block, bool) {
	for i := range m.Blocks {
		if m.Blocks[i].Name == name {
			return &m.Blocks[i], true
		}
	}
	return nil, false
}

// SizeFieldFor returns the is_size_field block whose size_of list names
// exactly this single target field, if one exists.
func (m *DataModel) SizeFieldFor(target string) (*Block, bool) {
	for i := range m.Blocks {
		b := &m.Blocks[i]
		if !b.IsSizeField || len(b.SizeOf) != 1 {
			continue
		}
		if b.SizeOf[0] == target {
			return b, true
		}
	}
	return nil, false
}

// MutableBlocks returns the blocks the mutation engine is allowed to touch.
func (m *DataModel) MutableBlocks() []*Block {
	var out []*Block
	for i := range m.Blocks {
		if m.Blocks[i].IsMutable() {
			out = append(out, &m.Blocks[i])
		}
	}
	return out
}
