package plugin

import "sync"

// ResponseCheck is a named, reusable response validation rule. Plugins
// reference one by name (Bundle.ValidateResponse) instead of supplying
// arbitrary executable code, per the re-architected validate_response
// contract: a registry lookup, not runtime code loading.
type ResponseCheck func(fields map[string]any) bool

var (
	registryMu sync.Mutex
	registry   = map[string]ResponseCheck{
		"non_empty": func(fields map[string]any) bool { return len(fields) > 0 },
		"status_ok": func(fields map[string]any) bool {
			v, ok := fields["status"]
			if !ok {
				return false
			}
			n, ok := toInt(v)
			return ok && n == 0
		},
	}
)

// RegisterResponseCheck adds or replaces a named check. Intended for
// program start-up wiring, not per-request use.
func RegisterResponseCheck(name string, check ResponseCheck) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = check
}

// LookupResponseCheck resolves a named check, if registered.
func LookupResponseCheck(name string) (ResponseCheck, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	check, ok := registry[name]
	return check, ok
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case uint64:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	default:
		return 0, false
	}
}
