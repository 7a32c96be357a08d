// Package schema describes the run's input parameters and output features
// and derives the destination table layout from them.
package schema

import (
	"fmt"
	"regexp"
)

// FieldType is the logical type of a configured field.
type FieldType string

const (
	TypeString FieldType = "str"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeList   FieldType = "list"
	TypeObject FieldType = "dict"
)

// ParseFieldType maps a config token to a FieldType. An empty token
// defaults to str, matching the original schema semantics.
func ParseFieldType(s string) (FieldType, error) {
	switch FieldType(s) {
	case "":
		return TypeString, nil
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeList, TypeObject:
		return FieldType(s), nil
	}
	return "", fmt.Errorf("invalid field type %q: choose from [str, int, float, bool, list, dict]", s)
}

// Item is one selectable value of an input parameter. Name is the canonical
// form stored in the database; the aliases widen the search query and the
// formatted question respectively.
type Item struct {
	Name            string   `koanf:"name" json:"name"`
	SearchAliases   []string `koanf:"search_aliases" json:"search_aliases,omitempty"`
	QuestionAliases []string `koanf:"question_aliases" json:"question_aliases,omitempty"`
}

// InputParameter is one axis of the input cartesian product. Each configured
// parameter becomes one column in the destination table, populated with the
// canonical item name.
type InputParameter struct {
	Name      string `koanf:"name" json:"name"`
	MaxLength int    `koanf:"max_length" json:"max_length,omitempty"`
	Values    []Item `koanf:"values" json:"values"`
}

// EnumValue documents one allowed value of an enumerated output feature.
type EnumValue struct {
	Name        string `koanf:"name" json:"name"`
	Alias       string `koanf:"alias" json:"alias,omitempty"`
	Description string `koanf:"description" json:"description,omitempty"`
}

// OutputFeature is one fact the extraction call must produce. Each feature
// becomes one column in the destination table.
type OutputFeature struct {
	Name          string      `koanf:"name" json:"name"`
	Type          FieldType   `koanf:"type" json:"type"`
	Description   string      `koanf:"description" json:"description,omitempty"`
	Required      bool        `koanf:"required" json:"required"`
	Multiple      bool        `koanf:"multiple" json:"multiple,omitempty"`
	MaxLength     int         `koanf:"max_length" json:"max_length,omitempty"`
	AllowedValues []EnumValue `koanf:"allowed_values" json:"allowed_values,omitempty"`
}

// Enumerated reports whether the feature restricts values to a fixed set.
func (f OutputFeature) Enumerated() bool {
	return len(f.AllowedValues) > 0
}

// SQLType derives the column type for a field from its logical type and
// maximum length. Enumerated features carry documentation and are stored as
// unbounded text alongside long free text.
func SQLType(t FieldType, maxLength int, multiple bool) string {
	if multiple || t == TypeList || t == TypeObject {
		return "JSON"
	}
	switch t {
	case TypeString:
		switch {
		case maxLength <= 0 || maxLength > 255:
			return "LONGTEXT"
		case maxLength < 30:
			return fmt.Sprintf("VARCHAR(%d)", maxLength)
		default:
			return "TINYTEXT"
		}
	case TypeBool:
		return "BOOL"
	case TypeInt:
		return "INT"
	case TypeFloat:
		return "FLOAT"
	}
	return "LONGTEXT"
}

// SQLType returns the column type for an input parameter column.
func (p InputParameter) SQLType() string {
	return SQLType(TypeString, p.MaxLength, false)
}

// SQLType returns the column type for an output feature column.
func (f OutputFeature) SQLType() string {
	if f.Enumerated() {
		return SQLType(TypeString, f.MaxLength, f.Multiple)
	}
	return SQLType(f.Type, f.MaxLength, f.Multiple)
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is usable as a SQL identifier.
// Column and table names come from configuration and are interpolated into
// DDL, so anything else is rejected at startup.
func ValidIdentifier(name string) bool {
	return identifierRe.MatchString(name)
}
