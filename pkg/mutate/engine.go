package mutate

import (
	"math/rand/v2"

	"github.com/protofuzz/protofuzz/pkg/codec"
)

// Mode selects how the engine splits its mutation budget between
// byte-level and structure-aware strategies.
type Mode string

const (
	ModeByteLevel      Mode = "byte_level"
	ModeStructureAware Mode = "structure_aware"
	ModeHybrid         Mode = "hybrid"
)

// Metadata describes the most recent call to GenerateTestCase: which
// approach was used, which byte-level mutators ran (if any), and which
// field a structure-aware pass touched (if any). The state navigator keys
// its per-field counters off Field.
type Metadata struct {
	Strategy string
	Mutators []string
	Field    string
}

// Config controls engine behavior; zero value is byte_level mode with all
// byte-level mutators enabled.
type Config struct {
	Mode                 Mode
	StructureAwareWeight int // 0-100, hybrid mode's chance of routing to structure-aware
	EnabledMutators      []string
	FallbackOnParseError bool
}

// Engine orchestrates byte-level and structure-aware mutation strategies
// over a seed corpus.
type Engine struct {
	corpus [][]byte
	config Config

	byteMutators    map[string]byteLevelMutator
	enabledMutators []string

	structureMutator *StructureMutator

	lastMetadata Metadata
}

// New returns a mutation engine over seedCorpus. codec may be nil; in that
// case structure_aware and hybrid modes silently degrade to byte_level.
func New(seedCorpus [][]byte, c *codec.Codec, config Config) *Engine {
	if config.StructureAwareWeight == 0 {
		config.StructureAwareWeight = 30
	}
	if config.Mode == "" {
		config.Mode = ModeByteLevel
	}

	e := &Engine{
		corpus: seedCorpus,
		config: config,
		byteMutators: map[string]byteLevelMutator{
			"bitflip":     bitFlipMutator{ratio: 0.01},
			"byteflip":    byteFlipMutator{ratio: 0.05},
			"arithmetic":  arithmeticMutator{},
			"interesting": interestingValueMutator{},
			"havoc":       havocMutator{},
			"splice":      spliceMutator{corpus: seedCorpus},
		},
	}
	e.enabledMutators = e.normalizeEnabled(config.EnabledMutators)

	if c != nil && (config.Mode == ModeStructureAware || config.Mode == ModeHybrid) {
		e.structureMutator = NewStructureMutator(c)
	}

	return e
}

func (e *Engine) normalizeEnabled(enabled []string) []string {
	available := ByteLevelMutatorNames()
	if len(enabled) == 0 {
		return available
	}

	availableSet := make(map[string]bool, len(available))
	for _, name := range available {
		availableSet[name] = true
	}

	var normalized []string
	for _, name := range enabled {
		if availableSet[name] {
			normalized = append(normalized, name)
		}
	}
	if len(normalized) == 0 {
		return available
	}
	return normalized
}

// LastMetadata returns metadata about the most recently generated test
// case.
func (e *Engine) LastMetadata() Metadata {
	return e.lastMetadata
}

// GenerateTestCase produces one mutated test case from baseSeed, applying
// numMutations byte-level passes when operating in byte-level mode.
func (e *Engine) GenerateTestCase(baseSeed []byte, numMutations int) []byte {
	useStructureAware := false

	switch {
	case e.config.Mode == ModeStructureAware:
		useStructureAware = e.structureMutator != nil
	case e.config.Mode == ModeHybrid && e.structureMutator != nil:
		useStructureAware = rand.IntN(100) < e.config.StructureAwareWeight
	}

	if useStructureAware {
		mutated, strategy, field, ok := e.structureMutator.Mutate(baseSeed)
		if ok {
			e.lastMetadata = Metadata{Strategy: "structure_aware", Mutators: []string{strategy}, Field: field}
			return mutated
		}
		if !e.config.FallbackOnParseError {
			e.lastMetadata = Metadata{Strategy: "structure_aware", Mutators: []string{"parse_error_fallback"}}
			return baseSeed
		}
		// Fall through to byte-level.
	}

	data := baseSeed
	var applied []string
	for i := 0; i < numMutations; i++ {
		name := e.chooseWeighted()
		data = e.byteMutators[name].mutate(data)
		applied = append(applied, name)
	}

	e.lastMetadata = Metadata{Strategy: "byte_level", Mutators: applied}
	return data
}

func (e *Engine) chooseWeighted() string {
	total := 0
	for _, name := range e.enabledMutators {
		total += byteLevelWeights[name]
	}
	if total == 0 {
		return e.enabledMutators[rand.IntN(len(e.enabledMutators))]
	}

	r := rand.IntN(total)
	for _, name := range e.enabledMutators {
		w := byteLevelWeights[name]
		if r < w {
			return name
		}
		r -= w
	}
	return e.enabledMutators[len(e.enabledMutators)-1]
}

// GenerateBatch produces count test cases, each derived from a uniformly
// chosen corpus seed with a random 1-5 mutation-pass count.
func (e *Engine) GenerateBatch(count int) [][]byte {
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		seed := e.corpus[rand.IntN(len(e.corpus))]
		numMutations := 1 + rand.IntN(5)
		out = append(out, e.GenerateTestCase(seed, numMutations))
	}
	return out
}
