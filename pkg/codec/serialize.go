package codec

// Serialize builds the wire bytes for fields following the bound data model.
// Absent fields are resolved in order: explicit default, from_context
// (error if ctx is nil or the key is missing), generate, then the type's
// zero value. An explicit entry in fields always wins over from_context.
// Size fields and checksum fields are computed and written after the
// effective field set is resolved.
func (c *Codec) Serialize(fields map[string]any, ctx ContextReader) ([]byte, error) {
	eff, err := c.resolveFields(fields, ctx)
	if err != nil {
		return nil, err
	}

	c.fixSizeFields(eff)

	out, err := c.emit(eff)
	if err != nil {
		return nil, err
	}

	return c.fixChecksums(out, eff)
}

// BuildDefaultFields returns a field map populated from each block's
// declared default, or its type's zero value when no default is set. It is
// the field map a planner starts from before filling in values it cares
// about.
func (c *Codec) BuildDefaultFields() map[string]any {
	defaults := make(map[string]any, len(c.model.Blocks))
	for i := range c.model.Blocks {
		block := &c.model.Blocks[i]
		if block.Default != nil {
			defaults[block.Name] = cloneValue(block.Default)
		} else {
			defaults[block.Name] = zeroValue(block.Type)
		}
	}
	return defaults
}

func (c *Codec) resolveFields(fields map[string]any, ctx ContextReader) (map[string]any, error) {
	eff := make(map[string]any, len(c.model.Blocks))

	for i := range c.model.Blocks {
		block := &c.model.Blocks[i]

		if val, ok := fields[block.Name]; ok {
			eff[block.Name] = val
			continue
		}

		switch {
		case block.Default != nil:
			eff[block.Name] = cloneValue(block.Default)

		case block.FromContext != "":
			if ctx == nil {
				return nil, &ContextKeyNotFoundError{Key: block.FromContext}
			}
			val, found := ctx.Get(block.FromContext)
			if !found {
				return nil, &ContextKeyNotFoundError{Key: block.FromContext, Available: ctx.Keys()}
			}
			if len(block.Transform) > 0 {
				if iv, ok := toUint64(val); ok {
					val = applyTransforms(iv, block.Transform)
				}
			}
			eff[block.Name] = val

		case block.Generate != "":
			eff[block.Name] = c.generateValue(block.Generate)

		default:
			eff[block.Name] = zeroValue(block.Type)
		}
	}

	return eff, nil
}

// fixSizeFields computes every is_size_field block's value as the sum of its
// size_of targets' measured length in the configured unit.
func (c *Codec) fixSizeFields(eff map[string]any) {
	for i := range c.model.Blocks {
		block := &c.model.Blocks[i]
		if !block.IsSizeField || len(block.SizeOf) == 0 {
			continue
		}

		var totalBits int
		for _, target := range block.SizeOf {
			targetBlock, ok := c.model.Block(target)
			if !ok {
				continue
			}
			totalBits += measuredBits(targetBlock, eff[target])
		}

		eff[block.Name] = convertUnit(totalBits, block.SizeUnit.orDefault())
	}
}

func measuredBits(block *Block, value any) int {
	if block.Size != nil {
		if block.Type == TypeBits {
			return *block.Size
		}
		return *block.Size * 8
	}
	if block.Type.IsInteger() {
		return block.Type.ByteWidth() * 8
	}
	return measuredValueBits(value)
}

func measuredValueBits(value any) int {
	switch v := value.(type) {
	case []byte:
		return len(v) * 8
	case string:
		return len(v) * 8
	case nil:
		return 0
	default:
		return 0
	}
}

func convertUnit(bits int, unit SizeUnit) uint64 {
	switch unit {
	case UnitBits:
		return uint64(bits)
	case UnitWords:
		return uint64((bits + 31) / 32)
	default: // bytes
		return uint64((bits + 7) / 8)
	}
}

// emit writes every block's effective value in declared order.
func (c *Codec) emit(eff map[string]any) ([]byte, error) {
	w := &bitWriter{}

	for i := range c.model.Blocks {
		block := &c.model.Blocks[i]
		value := eff[block.Name]

		switch {
		case block.Type == TypeBits:
			size := 1
			if block.Size != nil {
				size = *block.Size
			}
			iv, ok := toUint64(value)
			if !ok {
				return nil, &SerializationError{Field: block.Name, Reason: "bits field requires an integer value"}
			}
			w.WriteBits(iv, size, block.BitOrder, block.Endian)

		case block.Type.IsInteger():
			iv, ok := toUint64(value)
			if !ok {
				return nil, &SerializationError{Field: block.Name, Reason: "integer field requires an integer value"}
			}
			w.WriteBytes(encodeInt(iv, block.Type, block.Endian))

		case block.Type == TypeBytes:
			b, err := toByteSlice(value, block)
			if err != nil {
				return nil, &SerializationError{Field: block.Name, Reason: err.Error()}
			}
			w.WriteBytes(b)

		case block.Type == TypeString:
			s, ok := value.(string)
			if !ok {
				if b, isBytes := value.([]byte); isBytes {
					w.WriteBytes(sizeBytes(b, block))
					continue
				}
				return nil, &SerializationError{Field: block.Name, Reason: "string field requires a string value"}
			}
			encoded := encodeString(s, block.Encoding)
			w.WriteBytes(sizeBytes(encoded, block))

		default:
			return nil, &SerializationError{Field: block.Name, Reason: "unsupported block type " + string(block.Type)}
		}
	}

	return w.Bytes(), nil
}

// fixChecksums runs the third serialization pass: if the model declares any
// checksum blocks, compute each over its configured scope and splice the
// result back into the already-serialized bytes at the right offset.
func (c *Codec) fixChecksums(data []byte, eff map[string]any) ([]byte, error) {
	type checksumSite struct {
		block  *Block
		offset int
		width  int
	}

	starts, widths := c.blockByteOffsets(eff)

	var sites []checksumSite
	for i := range c.model.Blocks {
		block := &c.model.Blocks[i]
		if block.IsChecksum {
			sites = append(sites, checksumSite{block: block, offset: starts[i], width: widths[i]})
		}
	}

	if len(sites) == 0 {
		return data, nil
	}

	out := make([]byte, len(data))
	copy(out, data)

	for _, site := range sites {
		region := c.checksumRegion(out, starts, widths, site.block, site.offset, site.width)
		value := checksum(region, site.block.ChecksumAlgorithm)
		encoded := encodeInt(value, site.block.Type, site.block.Endian)
		if len(encoded) != site.width {
			// Widths mismatch only if the checksum block's declared type
			// disagrees with its measured width; fall back to truncating or
			// zero-padding so the message length is never altered.
			encoded = fitWidth(encoded, site.width)
		}
		copy(out[site.offset:site.offset+site.width], encoded)
	}

	return out, nil
}

// checksumRegion returns the bytes a checksum block is computed over. For
// ChecksumSpecific it concatenates the named fields' own byte ranges, read
// out of starts/widths rather than recomputed independently, so it can
// never disagree with fixChecksums about where a field actually landed.
func (c *Codec) checksumRegion(data []byte, starts, widths []int, block *Block, offset, width int) []byte {
	switch block.ChecksumOver {
	case ChecksumBefore:
		return data[:offset]
	case ChecksumAfter:
		return data[offset+width:]
	case ChecksumSpecific:
		wanted := make(map[string]bool, len(block.ChecksumFields))
		for _, name := range block.ChecksumFields {
			wanted[name] = true
		}
		var out []byte
		for i := range c.model.Blocks {
			b := &c.model.Blocks[i]
			if wanted[b.Name] {
				out = append(out, data[starts[i]:starts[i]+widths[i]]...)
			}
		}
		return out
	default: // all
		out := make([]byte, 0, len(data)-width)
		out = append(out, data[:offset]...)
		out = append(out, data[offset+width:]...)
		return out
	}
}

// blockByteOffsets returns, for every declared block, the byte offset its
// own bytes start at and how many bytes it occupies in the stream emit
// produces. It mirrors emit's bit-packing exactly: a run of consecutive
// `bits` blocks shares bytes with no alignment between them (matching
// bitWriter.WriteBits), and only flushes to a byte boundary once a
// non-bits block is reached (matching bitWriter.WriteBytes' AlignToByte).
// Without this, a checksum block's offset computed from per-field
// fieldByteWidth sums over-counts a run of sub-byte bits fields, since
// each one independently rounds up to a whole byte instead of sharing the
// bytes they actually pack into.
func (c *Codec) blockByteOffsets(eff map[string]any) (starts []int, widths []int) {
	n := len(c.model.Blocks)
	starts = make([]int, n)
	widths = make([]int, n)

	bitPos := 0
	i := 0
	for i < n {
		block := &c.model.Blocks[i]
		if block.Type != TypeBits {
			starts[i] = bitPos / 8
			w := fieldByteWidth(block, eff[block.Name])
			widths[i] = w
			bitPos += w * 8
			i++
			continue
		}

		runStart := bitPos
		j := i
		for j < n && c.model.Blocks[j].Type == TypeBits {
			size := 1
			if c.model.Blocks[j].Size != nil {
				size = *c.model.Blocks[j].Size
			}
			starts[j] = runStart / 8
			bitPos += size
			j++
		}

		runBytes := (bitPos+7)/8 - runStart/8
		for k := i; k < j; k++ {
			widths[k] = runBytes
		}
		bitPos = ((bitPos + 7) / 8) * 8
		i = j
	}

	return starts, widths
}

func fitWidth(b []byte, width int) []byte {
	if len(b) == width {
		return b
	}
	out := make([]byte, width)
	if len(b) > width {
		copy(out, b[len(b)-width:])
	} else {
		copy(out[width-len(b):], b)
	}
	return out
}

// fieldByteWidth measures a byte-granular block's width. It is never called
// for TypeBits blocks: those pack into shared bytes and blockByteOffsets
// measures them as a run instead.
func fieldByteWidth(block *Block, value any) int {
	if block.Size != nil {
		return *block.Size
	}
	if block.Type.IsInteger() {
		return block.Type.ByteWidth()
	}
	switch v := value.(type) {
	case []byte:
		return len(v)
	case string:
		return len(v)
	}
	return 0
}

func encodeInt(v uint64, t BlockType, endian Endian) []byte {
	order := byteOrder(endian)
	switch t.ByteWidth() {
	case 1:
		return []byte{byte(v)}
	case 2:
		b := make([]byte, 2)
		order.PutUint16(b, uint16(v))
		return b
	case 4:
		b := make([]byte, 4)
		order.PutUint32(b, uint32(v))
		return b
	case 8:
		b := make([]byte, 8)
		order.PutUint64(b, v)
		return b
	}
	return []byte{byte(v)}
}

func encodeString(s, encoding string) []byte {
	_ = encoding // widths/encodings beyond utf-8 pass through as raw bytes
	return []byte(s)
}

func sizeBytes(b []byte, block *Block) []byte {
	if block.Size == nil {
		return b
	}
	size := *block.Size
	if len(b) == size {
		return b
	}
	out := make([]byte, size)
	if len(b) > size {
		copy(out, b[:size])
	} else {
		copy(out, b)
	}
	return out
}

func toByteSlice(value any, block *Block) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return sizeBytes(v, block), nil
	case string:
		return sizeBytes([]byte(v), block), nil
	case nil:
		return sizeBytes(nil, block), nil
	default:
		return nil, &SerializationError{Field: block.Name, Reason: "bytes field requires a []byte or string value"}
	}
}

func toUint64(value any) (uint64, bool) {
	switch v := value.(type) {
	case uint64:
		return v, true
	case uint32:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint:
		return uint64(v), true
	case int64:
		return uint64(v), true
	case int32:
		return uint64(uint32(v)), true
	case int16:
		return uint64(uint16(v)), true
	case int8:
		return uint64(uint8(v)), true
	case int:
		return uint64(v), true
	default:
		return 0, false
	}
}

func zeroValue(t BlockType) any {
	switch t {
	case TypeBytes:
		return []byte{}
	case TypeString:
		return ""
	default:
		return uint64(0)
	}
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}
