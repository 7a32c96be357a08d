package schema

import (
	"fmt"
	"math"
	"strings"
)

// Registry validates extraction payloads against the configured output
// features. It is built once per run; there is no language-level type
// generated from the feature list.
type Registry struct {
	features []OutputFeature
	byName   map[string]OutputFeature
}

// NewRegistry builds a registry from the configured output features.
func NewRegistry(features []OutputFeature) *Registry {
	byName := make(map[string]OutputFeature, len(features))
	for _, f := range features {
		byName[f.Name] = f
	}
	return &Registry{features: features, byName: byName}
}

// Features returns the registered features in configuration order.
func (r *Registry) Features() []OutputFeature {
	return r.features
}

// Validate checks a decoded extraction payload: every required feature must
// be present and non-null, and every present value must match its declared
// kind. Unknown keys are ignored. A validation error means the whole result
// is unusable.
func (r *Registry) Validate(payload map[string]any) error {
	for _, f := range r.features {
		value, ok := payload[f.Name]
		if !ok || value == nil {
			if f.Required {
				return fmt.Errorf("required feature %q missing from payload", f.Name)
			}
			continue
		}
		if f.Multiple {
			items, ok := value.([]any)
			if !ok {
				return fmt.Errorf("feature %q: expected list, got %T", f.Name, value)
			}
			for i, item := range items {
				if err := r.validateScalar(f, item); err != nil {
					return fmt.Errorf("feature %q[%d]: %w", f.Name, i, err)
				}
			}
			continue
		}
		if err := r.validateScalar(f, value); err != nil {
			return fmt.Errorf("feature %q: %w", f.Name, err)
		}
	}
	return nil
}

func (r *Registry) validateScalar(f OutputFeature, value any) error {
	if f.Enumerated() {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected enum string, got %T", value)
		}
		for _, ev := range f.AllowedValues {
			if ev.Name == s {
				return nil
			}
		}
		return fmt.Errorf("value %q not in allowed values", s)
	}
	switch f.Type {
	case TypeString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
	case TypeInt:
		// encoding/json decodes all numbers as float64.
		n, ok := value.(float64)
		if !ok || n != math.Trunc(n) {
			return fmt.Errorf("expected integer, got %v", value)
		}
	case TypeFloat:
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
	case TypeList:
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected list, got %T", value)
		}
	case TypeObject:
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
	}
	return nil
}

// FormatInstructions renders the expected JSON shape for the extraction
// prompt, in feature order so identical configuration yields an identical
// prompt.
func (r *Registry) FormatInstructions() string {
	var sb strings.Builder
	sb.WriteString("Respond with a single JSON object with exactly these keys:\n")
	for _, f := range r.features {
		sb.WriteString("- \"")
		sb.WriteString(f.Name)
		sb.WriteString("\": ")
		sb.WriteString(r.kindDescription(f))
		if f.Description != "" {
			sb.WriteString(" — ")
			sb.WriteString(f.Description)
		}
		if !f.Required {
			sb.WriteString(" (optional: use null when the paper gives no answer)")
		}
		sb.WriteString("\n")
		for _, ev := range f.AllowedValues {
			sb.WriteString("    * \"")
			sb.WriteString(ev.Name)
			sb.WriteString("\"")
			if ev.Description != "" {
				sb.WriteString(": ")
				sb.WriteString(ev.Description)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func (r *Registry) kindDescription(f OutputFeature) string {
	var kind string
	switch {
	case f.Enumerated():
		kind = "one of the listed values"
	case f.Type == TypeInt:
		kind = "an integer"
	case f.Type == TypeFloat:
		kind = "a number"
	case f.Type == TypeBool:
		kind = "a boolean"
	case f.Type == TypeList:
		kind = "a list"
	case f.Type == TypeObject:
		kind = "an object"
	default:
		kind = "a string"
	}
	if f.Multiple {
		return "a list where each element is " + kind
	}
	return kind
}
