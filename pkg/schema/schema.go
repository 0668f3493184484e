// Package schema validates device property values against per-device-type
// JSON Schema documents before they reach the registry.
package schema

import (
	"bytes"
	"embed"
	"fmt"
	"path"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"skyconsole/pkg/alpaca"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator holds one compiled schema per device type.
type Validator struct {
	schemas map[alpaca.DeviceType]*jsonschema.Schema
}

// Load compiles the embedded schema of every known device type.
func Load() (*Validator, error) {
	v := &Validator{schemas: make(map[alpaca.DeviceType]*jsonschema.Schema)}

	c := jsonschema.NewCompiler()
	for _, t := range alpaca.DeviceTypes {
		name := path.Join("schemas", t.String()+".json")
		data, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("missing schema for %s: %w", t, err)
		}

		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("failed to add resource %s: %w", name, err)
		}

		compiled, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s: %w", name, err)
		}
		v.schemas[t] = compiled
	}

	return v, nil
}

// Filter splits props into the values that satisfy the device type's schema
// and the ones that do not. Unknown keys are always accepted.
func (v *Validator) Filter(t alpaca.DeviceType, props map[string]any) (map[string]any, map[string]error) {
	sch, ok := v.schemas[t]
	if !ok || len(props) == 0 {
		return props, nil
	}

	if err := sch.Validate(toInstance(props)); err == nil {
		return props, nil
	}

	// At least one value is bad: check them one at a time.
	valid := make(map[string]any, len(props))
	rejected := make(map[string]error)
	for _, key := range sortedKeys(props) {
		if err := sch.Validate(map[string]any{key: normalize(props[key])}); err != nil {
			rejected[key] = err
			continue
		}
		valid[key] = props[key]
	}
	return valid, rejected
}

func toInstance(props map[string]any) map[string]any {
	inst := make(map[string]any, len(props))
	for k, val := range props {
		inst[k] = normalize(val)
	}
	return inst
}

// normalize converts Go values produced inside the console (ints, typed
// slices) into the JSON shapes the validator understands.
func normalize(val any) any {
	switch x := val.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	}
	return val
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
