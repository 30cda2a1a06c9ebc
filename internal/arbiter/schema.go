package arbiter

import (
	"fmt"
	"strings"

	"arbiterd/internal/types"
)

// =============================================================================
// DECLARATIVE CONFIG VALIDATION
// =============================================================================
// Each field is described once; validation evaluates every rule and reports
// every offense, not just the first. No runtime type introspection.

// FieldType is the expected primitive type of a config field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldList   FieldType = "list"
)

// FieldRule is a declarative constraint on one config field.
type FieldRule struct {
	Name     string
	Required bool
	Type     FieldType
	Enum     []string                  // allowed tokens (string fields)
	Min      *float64                  // numeric lower bound
	Max      *float64                  // numeric upper bound
	Validate func(v interface{}) error // custom predicate
}

// Offense describes one violated rule.
type Offense struct {
	Field  string
	Reason string
}

func (o Offense) String() string {
	return fmt.Sprintf("%s: %s", o.Field, o.Reason)
}

// minOf and maxOf build bound pointers for rule literals.
func minOf(v float64) *float64 { return &v }
func maxOf(v float64) *float64 { return &v }

// EvaluateSchema checks fields against rules and returns every offense.
func EvaluateSchema(rules []FieldRule, fields map[string]interface{}) []Offense {
	var offenses []Offense
	for _, rule := range rules {
		v, present := fields[rule.Name]
		if !present || v == nil || v == "" {
			if rule.Required {
				offenses = append(offenses, Offense{rule.Name, "required field missing"})
			}
			continue
		}

		if reason := checkType(rule, v); reason != "" {
			offenses = append(offenses, Offense{rule.Name, reason})
			continue
		}
		if len(rule.Enum) > 0 {
			s := fmt.Sprintf("%v", v)
			if !contains(rule.Enum, s) {
				offenses = append(offenses, Offense{rule.Name,
					fmt.Sprintf("value %q not in {%s}", s, strings.Join(rule.Enum, ", "))})
			}
		}
		if num, ok := asFloat(v); ok {
			if rule.Min != nil && num < *rule.Min {
				offenses = append(offenses, Offense{rule.Name,
					fmt.Sprintf("value %v below minimum %v", num, *rule.Min)})
			}
			if rule.Max != nil && num > *rule.Max {
				offenses = append(offenses, Offense{rule.Name,
					fmt.Sprintf("value %v above maximum %v", num, *rule.Max)})
			}
		}
		if rule.Validate != nil {
			if err := rule.Validate(v); err != nil {
				offenses = append(offenses, Offense{rule.Name, err.Error()})
			}
		}
	}
	return offenses
}

func checkType(rule FieldRule, v interface{}) string {
	switch rule.Type {
	case FieldString:
		if _, ok := v.(string); !ok {
			return fmt.Sprintf("expected string, got %T", v)
		}
	case FieldInt:
		switch v.(type) {
		case int, int64:
		default:
			return fmt.Sprintf("expected int, got %T", v)
		}
	case FieldFloat:
		if _, ok := asFloat(v); !ok {
			return fmt.Sprintf("expected number, got %T", v)
		}
	case FieldList:
		switch v.(type) {
		case []string, []interface{}, []types.Capability:
		default:
			return fmt.Sprintf("expected list, got %T", v)
		}
	}
	return ""
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func contains(set []string, s string) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// configSchema is the declarative schema for arbiter Config.
func configSchema() []FieldRule {
	roleTokens := make([]string, len(types.KnownRoles))
	for i, r := range types.KnownRoles {
		roleTokens[i] = string(r)
	}
	return []FieldRule{
		{Name: "name", Required: true, Type: FieldString, Validate: func(v interface{}) error {
			s := v.(string)
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("name must not be blank")
			}
			if s == types.Broadcast || s == types.SystemSender {
				return fmt.Errorf("name %q is reserved", s)
			}
			return nil
		}},
		{Name: "role", Required: true, Type: FieldString, Enum: roleTokens},
		{Name: "capabilities", Required: true, Type: FieldList, Validate: func(v interface{}) error {
			caps, ok := v.([]types.Capability)
			if !ok {
				return fmt.Errorf("expected capability list")
			}
			for _, c := range caps {
				if !types.ValidCapability(c) {
					return fmt.Errorf("unknown capability %q", c)
				}
			}
			return nil
		}},
		{Name: "max_micro_agents", Type: FieldInt, Min: minOf(1), Max: maxOf(1024)},
		{Name: "max_clones", Type: FieldInt, Min: minOf(0), Max: maxOf(64)},
		{Name: "context_ring_size", Type: FieldInt, Min: minOf(1)},
	}
}

// validateConfig evaluates the schema and converts offenses to a
// CONFIG_VALIDATION_ERROR naming every violated field.
func validateConfig(cfg Config) error {
	fields := map[string]interface{}{
		"name":              cfg.Name,
		"role":              string(cfg.Role),
		"capabilities":      cfg.Capabilities,
		"max_micro_agents":  cfg.MaxMicroAgents,
		"max_clones":        cfg.MaxClones,
		"context_ring_size": cfg.ContextRingSize,
	}
	// Zero caps mean "use defaults", not offenses.
	if cfg.MaxMicroAgents == 0 {
		delete(fields, "max_micro_agents")
	}
	if cfg.ContextRingSize == 0 {
		delete(fields, "context_ring_size")
	}
	if len(cfg.Capabilities) == 0 {
		fields["capabilities"] = nil
	}

	offenses := EvaluateSchema(configSchema(), fields)
	if len(offenses) == 0 {
		return nil
	}
	msgs := make([]string, len(offenses))
	for i, o := range offenses {
		msgs[i] = o.String()
	}
	return types.NewKindError(types.KindConfigValidation, "arbiter config").
		WithContext("offenses", msgs)
}
