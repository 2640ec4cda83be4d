package plugin

import (
	"github.com/protofuzz/protofuzz/pkg/codec"
	"github.com/protofuzz/protofuzz/pkg/statemodel"
)

// SynthesizeSeeds auto-generates a baseline seed corpus from model when a
// bundle declares no seeds of its own: a minimal message built from block
// defaults, one variant per enum (values) field, and, if stateModel is
// non-nil, one message per declared transition's message_type.
func SynthesizeSeeds(model *codec.DataModel, stateModel *statemodel.Model) [][]byte {
	c := codec.New(model)

	var seeds [][]byte
	if minimal, err := c.Serialize(c.BuildDefaultFields(), nil); err == nil {
		seeds = append(seeds, minimal)
	}

	seeds = append(seeds, enumVariantSeeds(c, model)...)

	if stateModel != nil {
		seeds = append(seeds, transitionSeeds(c, model, stateModel)...)
	}

	return dedupe(seeds)
}

func enumVariantSeeds(c *codec.Codec, model *codec.DataModel) [][]byte {
	var seeds [][]byte
	for i := range model.Blocks {
		block := &model.Blocks[i]
		if len(block.Values) == 0 {
			continue
		}
		for value := range block.Values {
			fields := c.BuildDefaultFields()
			fields[block.Name] = uint64(value)
			if payload, err := c.Serialize(fields, nil); err == nil {
				seeds = append(seeds, payload)
			}
		}
	}
	return seeds
}

func transitionSeeds(c *codec.Codec, model *codec.DataModel, sm *statemodel.Model) [][]byte {
	messageTypeField := make(map[string]string) // message_type name -> block name
	messageTypeValue := make(map[string]int)
	for i := range model.Blocks {
		block := &model.Blocks[i]
		for value, name := range block.Values {
			messageTypeField[name] = block.Name
			messageTypeValue[name] = value
		}
	}

	var seeds [][]byte
	for _, t := range sm.Transitions {
		if t.MessageType == "" {
			continue
		}
		fields := c.BuildDefaultFields()
		if fieldName, ok := messageTypeField[t.MessageType]; ok {
			fields[fieldName] = uint64(messageTypeValue[t.MessageType])
		}
		if payload, err := c.Serialize(fields, nil); err == nil {
			seeds = append(seeds, payload)
		}
	}
	return seeds
}

func dedupe(seeds [][]byte) [][]byte {
	seen := make(map[string]bool, len(seeds))
	var out [][]byte
	for _, s := range seeds {
		key := string(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
