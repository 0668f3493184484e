package panels

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"reflect"
	"sort"

	"gopkg.in/yaml.v3"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/poller"
)

//go:embed definitions/*.yaml
var definitions embed.FS

// Rule gates a feature on the current value of a device property.
type Rule struct {
	Property string `yaml:"property" json:"property"`
	Operator string `yaml:"operator" json:"operator"`
	Value    any    `yaml:"value" json:"value"`
}

const (
	OpEquals      = "equals"
	OpNotEquals   = "notEquals"
	OpGreaterThan = "greaterThan"
)

// Feature is one entry of a device panel.
type Feature struct {
	ID          string         `yaml:"id" json:"id"`
	Label       string         `yaml:"label" json:"label"`
	Source      string         `yaml:"source" json:"source"`
	Interaction string         `yaml:"interaction" json:"interaction"`
	Priority    string         `yaml:"priority" json:"priority"`
	Component   string         `yaml:"component" json:"component"`
	Props       map[string]any `yaml:"props" json:"props"`
	Visibility  []Rule         `yaml:"visibility" json:"visibility,omitempty"`
}

// Property returns props.property, the registry key the feature displays.
func (f Feature) Property() string {
	s, _ := f.Props["property"].(string)
	return s
}

// Command returns props.command, if the feature triggers one.
func (f Feature) Command() string {
	s, _ := f.Props["command"].(string)
	return s
}

// Visible reports whether every visibility rule passes against props.
// A rule on a property that is absent fails.
func (f Feature) Visible(props map[string]any) bool {
	for _, r := range f.Visibility {
		if !r.Matches(props) {
			return false
		}
	}
	return true
}

func (r Rule) Matches(props map[string]any) bool {
	v, ok := props[r.Property]
	if !ok {
		return false
	}
	switch r.Operator {
	case OpEquals:
		return equal(v, r.Value)
	case OpNotEquals:
		return !equal(v, r.Value)
	case OpGreaterThan:
		a, ok1 := alpaca.Float(v)
		b, ok2 := alpaca.Float(r.Value)
		return ok1 && ok2 && a > b
	}
	return false
}

// equal compares numbers by value so that a YAML int matches a JSON float.
func equal(a, b any) bool {
	fa, ok1 := alpaca.Float(a)
	fb, ok2 := alpaca.Float(b)
	if ok1 && ok2 {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// Panel is the ordered feature list of one device type.
type Panel struct {
	Type     alpaca.DeviceType `yaml:"type" json:"type"`
	Features []Feature         `yaml:"features" json:"features"`
}

// VisibleFeatures filters the panel against the current properties.
func (p Panel) VisibleFeatures(props map[string]any) []Feature {
	var out []Feature
	for _, f := range p.Features {
		if f.Visible(props) {
			out = append(out, f)
		}
	}
	return out
}

// Load parses every embedded panel definition.
func Load() (map[alpaca.DeviceType]Panel, error) {
	return load(definitions, "definitions")
}

func load(fsys fs.FS, dir string) (map[alpaca.DeviceType]Panel, error) {
	files, err := fs.Glob(fsys, path.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}

	out := make(map[alpaca.DeviceType]Panel, len(files))
	for _, name := range files {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		var p Panel
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		t, err := alpaca.ParseDeviceType(p.Type.String())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		p.Type = t
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if _, dup := out[t]; dup {
			return nil, fmt.Errorf("%s: duplicate panel for %s", name, t)
		}
		out[t] = p
	}
	return out, nil
}

func (p Panel) validate() error {
	ids := make(map[string]bool, len(p.Features))
	for _, f := range p.Features {
		if f.ID == "" {
			return fmt.Errorf("feature without id")
		}
		if ids[f.ID] {
			return fmt.Errorf("duplicate feature %q", f.ID)
		}
		ids[f.ID] = true
		for _, r := range f.Visibility {
			switch r.Operator {
			case OpEquals, OpNotEquals, OpGreaterThan:
			default:
				return fmt.Errorf("feature %q: unknown operator %q", f.ID, r.Operator)
			}
		}
	}
	return nil
}

// CheckContract lists the properties the panel refers to that the profile
// never puts in the registry. Feature properties and visibility rule
// properties are both checked.
func CheckContract(p Panel, profile poller.Profile) []string {
	known := make(map[string]bool)
	for _, k := range profile.Properties {
		known[k] = true
	}
	for _, k := range profile.Capabilities {
		known[k] = true
	}
	for _, alias := range profile.Aliases {
		known[alias] = true
	}

	missing := make(map[string]bool)
	for _, f := range p.Features {
		if prop := f.Property(); prop != "" && !known[prop] {
			missing[prop] = true
		}
		for _, r := range f.Visibility {
			if !known[r.Property] {
				missing[r.Property] = true
			}
		}
	}

	out := make([]string, 0, len(missing))
	for k := range missing {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
