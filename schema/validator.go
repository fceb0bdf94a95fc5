package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
)

// ValidationResult is the outcome of validating a payload against the
// schema registered for its message type.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError describes a single schema violation.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface for ValidationError
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in field %q: %s", ve.Field, ve.Message)
}

// Schema describes the expected shape of a message payload.
type Schema struct {
	Type       string                  `json:"type"`
	Properties map[string]*PropertyDef `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
}

// PropertyDef defines validation constraints for one payload property.
type PropertyDef struct {
	Type       string                  `json:"type"`
	Pattern    string                  `json:"pattern,omitempty"`
	MinLength  *int                    `json:"minLength,omitempty"`
	MaxLength  *int                    `json:"maxLength,omitempty"`
	Minimum    *float64                `json:"minimum,omitempty"`
	Maximum    *float64                `json:"maximum,omitempty"`
	Enum       []interface{}           `json:"enum,omitempty"`
	Properties map[string]*PropertyDef `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
}

// Registry maps message types to payload schemas. Producers validate
// before publish; consumers validate before dispatch and dead-letter
// payloads that fail.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	strict  bool
}

// RegistryOption configures the registry
type RegistryOption func(*Registry)

// WithStrictMode makes payloads of unregistered message types fail
// validation instead of passing through.
func WithStrictMode(strict bool) RegistryOption {
	return func(r *Registry) {
		r.strict = strict
	}
}

// NewRegistry creates an empty schema registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		schemas: make(map[string]*Schema),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register associates a schema with a message type, replacing any
// previous registration.
func (r *Registry) Register(messageType string, s *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[messageType] = s
}

// Registered reports whether a schema exists for the message type.
func (r *Registry) Registered(messageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[messageType]
	return ok
}

// Validate checks payload against the schema registered for
// messageType. Unregistered types pass unless strict mode is on.
func (r *Registry) Validate(messageType string, payload []byte) ValidationResult {
	r.mu.RLock()
	s, ok := r.schemas[messageType]
	strict := r.strict
	r.mu.RUnlock()

	if !ok {
		if strict {
			return ValidationResult{Valid: false, Errors: []ValidationError{{
				Field:   "$",
				Message: fmt.Sprintf("no schema registered for message type %q", messageType),
				Code:    "unknown_type",
			}}}
		}
		return ValidationResult{Valid: true}
	}

	var value interface{}
	if err := json.Unmarshal(payload, &value); err != nil {
		return ValidationResult{Valid: false, Errors: []ValidationError{{
			Field:   "$",
			Message: "payload is not valid JSON",
			Code:    "malformed",
		}}}
	}

	root := &PropertyDef{
		Type:       s.Type,
		Properties: s.Properties,
		Required:   s.Required,
	}
	errs := validateValue("$", root, value)
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func validateValue(field string, def *PropertyDef, value interface{}) []ValidationError {
	var errs []ValidationError

	if def.Type != "" && !matchesType(def.Type, value) {
		return append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("expected type %s", def.Type),
			Code:    "type_mismatch",
		})
	}

	switch v := value.(type) {
	case string:
		if def.MinLength != nil && len(v) < *def.MinLength {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("shorter than minimum length %d", *def.MinLength),
				Code:    "min_length",
			})
		}
		if def.MaxLength != nil && len(v) > *def.MaxLength {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("longer than maximum length %d", *def.MaxLength),
				Code:    "max_length",
			})
		}
		if def.Pattern != "" {
			re, err := regexp.Compile(def.Pattern)
			if err == nil && !re.MatchString(v) {
				errs = append(errs, ValidationError{
					Field:   field,
					Message: fmt.Sprintf("does not match pattern %q", def.Pattern),
					Code:    "pattern",
				})
			}
		}

	case float64:
		if def.Minimum != nil && v < *def.Minimum {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("below minimum %v", *def.Minimum),
				Code:    "minimum",
			})
		}
		if def.Maximum != nil && v > *def.Maximum {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("above maximum %v", *def.Maximum),
				Code:    "maximum",
			})
		}

	case map[string]interface{}:
		for _, required := range def.Required {
			if _, ok := v[required]; !ok {
				errs = append(errs, ValidationError{
					Field:   field + "." + required,
					Message: "required property missing",
					Code:    "required",
				})
			}
		}
		for name, propDef := range def.Properties {
			propValue, ok := v[name]
			if !ok {
				continue
			}
			errs = append(errs, validateValue(field+"."+name, propDef, propValue)...)
		}
	}

	if len(def.Enum) > 0 && !inEnum(def.Enum, value) {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: "value not in allowed set",
			Code:    "enum",
		})
	}

	return errs
}

func matchesType(schemaType string, value interface{}) bool {
	switch schemaType {
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "null":
		return value == nil
	}
	return true
}

func inEnum(enum []interface{}, value interface{}) bool {
	for _, allowed := range enum {
		if allowed == value {
			return true
		}
	}
	return false
}
