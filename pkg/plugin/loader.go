package plugin

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/protofuzz/protofuzz/internal/logger"
)

// Loaded is a validated bundle plus its derived, ready-to-use state: decoded
// seed bytes and the validation result the bundle passed (warnings
// included, for the caller to surface).
type Loaded struct {
	Bundle     *Bundle
	Seeds      [][]byte
	Validation *Result
}

// Loader discovers, reads, validates, and caches plugin bundles from a
// directory of `<name>.json` files. Plugins are immutable once loaded;
// Reload discards the cache entry and re-parses from disk.
type Loader struct {
	dir string

	mu     sync.Mutex
	loaded map[string]*Loaded
}

// NewLoader returns a loader rooted at dir, creating it if missing.
func NewLoader(dir string) (*Loader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugins dir: %w", err)
	}
	return &Loader{dir: dir, loaded: make(map[string]*Loaded)}, nil
}

// Discover lists every plugin name available in the loader's directory
// (files named `<name>.json`, excluding ones starting with "_").
func (l *Loader) Discover() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read plugins dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if strings.HasPrefix(name, "_") {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// Load reads, validates, and caches the plugin named name. A cached plugin
// is returned as-is; use Reload to force a re-read.
func (l *Loader) Load(name string) (*Loaded, error) {
	l.mu.Lock()
	if cached, ok := l.loaded[name]; ok {
		l.mu.Unlock()
		return cached, nil
	}
	l.mu.Unlock()

	loaded, err := l.readAndValidate(name)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.loaded[name] = loaded
	l.mu.Unlock()

	logger.Info("plugin loaded", "plugin", name, "warnings", len(loaded.Validation.Warnings))
	return loaded, nil
}

// Reload discards any cached state for name and loads it fresh.
func (l *Loader) Reload(name string) (*Loaded, error) {
	l.mu.Lock()
	delete(l.loaded, name)
	l.mu.Unlock()
	return l.Load(name)
}

func (l *Loader) readAndValidate(name string) (*Loaded, error) {
	path := filepath.Join(l.dir, name+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Plugin: name, Reason: "read failed", Err: err}
	}

	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, &LoadError{Plugin: name, Reason: "invalid JSON: " + err.Error(), Err: err}
	}
	if b.Version == "" {
		b.Version = "1.0.0"
	}

	result, err := Validate(&b)
	if err != nil {
		return nil, &LoadError{Plugin: name, Reason: err.Error(), Err: err}
	}
	if !result.IsValid() {
		return nil, &ValidationError{Plugin: name, Issues: result.Errors}
	}
	for _, w := range result.Warnings {
		logger.Warn("plugin validation warning", "plugin", name, "category", w.Category, "field", w.Field, "message", w.Message)
	}

	seeds, err := decodeSeeds(b.Seeds)
	if err != nil {
		return nil, &LoadError{Plugin: name, Reason: "invalid seed encoding: " + err.Error(), Err: err}
	}

	if len(seeds) == 0 {
		if stage, ok := b.FuzzTargetStage(); ok {
			if model, ok := b.Model(stage.RequestModel); ok {
				logger.Info("auto-generating seeds", "plugin", name)
				seeds = SynthesizeSeeds(model, b.StateModel)
			}
		}
	}

	return &Loaded{Bundle: &b, Seeds: seeds, Validation: result}, nil
}

func decodeSeeds(encoded []string) ([][]byte, error) {
	decoded := make([][]byte, 0, len(encoded))
	for i, s := range encoded {
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("seed %d: %w", i, err)
		}
		decoded = append(decoded, raw)
	}
	return decoded, nil
}
