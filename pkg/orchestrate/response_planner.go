package orchestrate

import (
	"github.com/protofuzz/protofuzz/internal/logger"
	"github.com/protofuzz/protofuzz/pkg/codec"
)

// FieldValue describes how a response handler computes one field of its
// follow-up request.
type FieldValue struct {
	CopyFromResponse string // read this field out of the parsed response
	Literal          any    // use this literal value verbatim
	Value            any    // used when neither of the above is set
}

func (f FieldValue) resolve(parsed map[string]any) any {
	if f.CopyFromResponse != "" {
		return parsed[f.CopyFromResponse]
	}
	if f.Literal != nil {
		return f.Literal
	}
	return f.Value
}

// ResponseHandler is one declarative rule: if the parsed response matches,
// build a follow-up request by overriding the request model's default
// fields with SetFields.
type ResponseHandler struct {
	Name string
	// Match maps a parsed response field to an expected literal, or to a
	// []any meaning "any of". An empty match always matches.
	Match     map[string]any
	SetFields map[string]FieldValue
}

// Followup is a built follow-up request ready to send.
type Followup struct {
	Handler string
	Payload []byte
}

// ResponsePlanner evaluates a session's declared response_handlers against
// each incoming response and builds follow-up requests.
type ResponsePlanner struct {
	requestCodec  *codec.Codec
	responseCodec *codec.Codec
	handlers      []ResponseHandler
}

// NewResponsePlanner returns a planner. responseCodec may be nil, in which
// case responses are parsed with requestCodec (request and response share
// layout).
func NewResponsePlanner(requestCodec, responseCodec *codec.Codec, handlers []ResponseHandler) *ResponsePlanner {
	if responseCodec == nil {
		responseCodec = requestCodec
	}
	return &ResponsePlanner{requestCodec: requestCodec, responseCodec: responseCodec, handlers: handlers}
}

// Plan parses responseBytes and returns one follow-up per matching
// handler, in handler declaration order. A parse failure or an empty
// response yields no follow-ups.
func (p *ResponsePlanner) Plan(responseBytes []byte) []Followup {
	if len(responseBytes) == 0 {
		return nil
	}

	parsed, err := p.responseCodec.Parse(responseBytes)
	if err != nil {
		logger.Debug("response parse failed", "error", err)
		return nil
	}

	var followups []Followup
	for _, handler := range p.handlers {
		if !matches(handler.Match, parsed.Fields) {
			continue
		}

		payload, ok := p.buildPayload(handler, parsed.Fields)
		if !ok {
			continue
		}

		followups = append(followups, Followup{Handler: handler.Name, Payload: payload})
	}

	return followups
}

// ExtractOverrides computes the field overrides and matched handlers for an
// already-parsed response, without building/serializing a follow-up. Used
// by the fuzzing loop when it wants to fold response-driven field updates
// into the next mutated payload rather than enqueue a standalone follow-up.
func (p *ResponsePlanner) ExtractOverrides(parsedFields map[string]any) (map[string]any, []ResponseHandler) {
	overrides := make(map[string]any)
	var matched []ResponseHandler

	for _, handler := range p.handlers {
		if !matches(handler.Match, parsedFields) {
			continue
		}
		matched = append(matched, handler)
		for field, spec := range handler.SetFields {
			if value := spec.resolve(parsedFields); value != nil {
				overrides[field] = value
			}
		}
	}

	return overrides, matched
}

func matches(match map[string]any, fields map[string]any) bool {
	for field, expected := range match {
		value := fields[field]
		if list, ok := expected.([]any); ok {
			found := false
			for _, want := range list {
				if valuesEqual(value, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if !valuesEqual(value, expected) {
			return false
		}
	}
	return true
}

func (p *ResponsePlanner) buildPayload(handler ResponseHandler, parsedFields map[string]any) ([]byte, bool) {
	fields := p.requestCodec.BuildDefaultFields()
	for field, spec := range handler.SetFields {
		fields[field] = spec.resolve(parsedFields)
	}

	payload, err := p.requestCodec.Serialize(fields, nil)
	if err != nil {
		logger.Warn("response followup serialize failed", "handler", handler.Name, "error", err)
		return nil, false
	}
	return payload, true
}
