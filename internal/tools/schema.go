package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
)

// reflector generates flat object schemas from argument structs. Fields
// without omitempty are required; additional properties are rejected.
var reflector = &jsonschema.Reflector{
	Anonymous:      true,
	DoNotReference: true,
	ExpandedStruct: true,
}

// reflectSchema returns the argument schema for v, a pointer to an
// argument struct.
func reflectSchema(v any) *jsonschema.Schema {
	s := reflector.Reflect(v)
	s.Version = ""
	return s
}

// schemaMap renders s as the generic JSON object model providers expect
// in tool definitions.
func schemaMap(s *jsonschema.Schema) map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("marshal tool schema: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("unmarshal tool schema: %v", err))
	}
	return m
}

// parseArguments parses the raw argument string of a tool call. An
// empty string means no arguments.
func parseArguments(raw string) (map[string]any, []byte, error) {
	data := bytes.TrimSpace([]byte(raw))
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return map[string]any{}, []byte("{}"), nil
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, nil, fmt.Errorf("arguments must be a JSON object, got %s", typeErr.Value)
		}
		return nil, nil, fmt.Errorf("malformed JSON arguments: %v", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, data, nil
}

// checkSchema validates top-level arguments against s: unknown and
// missing properties, primitive types, enums and minimums. All problems
// are reported together.
func checkSchema(s *jsonschema.Schema, args map[string]any) error {
	var problems []string

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s.Properties == nil {
			problems = append(problems, fmt.Sprintf("unknown property %q", k))
			continue
		}
		if _, ok := s.Properties.Get(k); !ok {
			problems = append(problems, fmt.Sprintf("unknown property %q", k))
		}
	}

	for _, req := range s.Required {
		if _, ok := args[req]; !ok {
			problems = append(problems, fmt.Sprintf("missing required property %q", req))
		}
	}

	if s.Properties != nil {
		for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
			v, ok := args[pair.Key]
			if !ok || v == nil {
				continue
			}
			if msg := checkValue(pair.Key, pair.Value, v); msg != "" {
				problems = append(problems, msg)
			}
		}
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func checkValue(name string, p *jsonschema.Schema, v any) string {
	switch p.Type {
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Sprintf("%q must be a string", name)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("%q must be a boolean", name)
		}
	case "integer":
		n, ok := v.(float64)
		if !ok || n != math.Trunc(n) {
			return fmt.Sprintf("%q must be an integer", name)
		}
	case "number":
		if _, ok := v.(float64); !ok {
			return fmt.Sprintf("%q must be a number", name)
		}
	}

	if len(p.Enum) > 0 {
		found := false
		allowed := make([]string, 0, len(p.Enum))
		for _, e := range p.Enum {
			allowed = append(allowed, fmt.Sprint(e))
			if fmt.Sprint(e) == fmt.Sprint(v) {
				found = true
			}
		}
		if !found {
			return fmt.Sprintf("%q must be one of: %s", name, strings.Join(allowed, ", "))
		}
	}

	if p.Minimum != "" {
		if n, ok := v.(float64); ok {
			if minimum, err := p.Minimum.Float64(); err == nil && n < minimum {
				return fmt.Sprintf("%q must be at least %s", name, p.Minimum)
			}
		}
	}
	return ""
}
