package plugin

import "github.com/invopop/jsonschema"

// Schema returns the JSON Schema for the Bundle document type, generated
// from its struct tags. Loader does not call it (loading relies on
// struct-tag validation and Validate's semantic pass); callers embedding a
// plugin editor can use it directly for live linting.
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		RequiredFromJSONSchemaTags: false,
		ExpandedStruct:             true,
	}
	return reflector.Reflect(&Bundle{})
}
