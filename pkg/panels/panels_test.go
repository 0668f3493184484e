package panels

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/devices"
	"skyconsole/pkg/poller"
)

func TestLoadEmbedded(t *testing.T) {
	panels, err := Load()
	require.NoError(t, err)
	for _, dt := range alpaca.DeviceTypes {
		p, ok := panels[dt]
		require.True(t, ok, "no panel for %s", dt)
		assert.NotEmpty(t, p.Features, dt)
	}
}

// Every panel must only refer to keys its device profile puts in the
// registry, and to commands the dispatcher knows.
func TestPanelsMatchProfiles(t *testing.T) {
	panels, err := Load()
	require.NoError(t, err)

	for _, profile := range devices.Profiles() {
		t.Run(profile.Type.String(), func(t *testing.T) {
			p := panels[profile.Type]
			assert.Empty(t, CheckContract(p, profile))

			known := map[string]bool{}
			for _, c := range devices.Commands(profile.Type) {
				known[c.Name] = true
			}
			for _, f := range p.Features {
				if cmd := f.Command(); cmd != "" {
					assert.True(t, known[cmd], "feature %s uses unknown command %s", f.ID, cmd)
				}
			}
		})
	}
}

func TestCheckContractReportsMissing(t *testing.T) {
	p := Panel{Type: alpaca.Focuser, Features: []Feature{
		{ID: "a", Props: map[string]any{"property": "position"}},
		{ID: "b", Props: map[string]any{"property": "isMoving"}},
		{ID: "c", Props: map[string]any{"property": "backlash"}},
		{ID: "d", Visibility: []Rule{{Property: "zzz", Operator: OpEquals, Value: true}}},
	}}
	profile := poller.Profile{
		Properties: []string{"position", "ismoving"},
		Aliases:    map[string]string{"ismoving": "isMoving"},
	}
	assert.Equal(t, []string{"backlash", "zzz"}, CheckContract(p, profile))
}

func TestVisible(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
		props map[string]any
		want  bool
	}{
		{"no rules", nil, map[string]any{}, true},
		{"equals bool", []Rule{{"slewing", OpEquals, true}}, map[string]any{"slewing": true}, true},
		{"equals bool mismatch", []Rule{{"slewing", OpEquals, true}}, map[string]any{"slewing": false}, false},
		{"equals int against float", []Rule{{"camerastate", OpEquals, 2}}, map[string]any{"camerastate": 2.0}, true},
		{"not equals", []Rule{{"shutterstatus", OpNotEquals, 0}}, map[string]any{"shutterstatus": 1.0}, true},
		{"not equals same", []Rule{{"shutterstatus", OpNotEquals, 0}}, map[string]any{"shutterstatus": 0.0}, false},
		{"greater than", []Rule{{"maxswitch", OpGreaterThan, 0}}, map[string]any{"maxswitch": 4.0}, true},
		{"greater than equal", []Rule{{"maxswitch", OpGreaterThan, 0}}, map[string]any{"maxswitch": 0.0}, false},
		{"greater than non-numeric", []Rule{{"name", OpGreaterThan, 0}}, map[string]any{"name": "x"}, false},
		{"missing property", []Rule{{"slewing", OpEquals, false}}, map[string]any{}, false},
		{"all rules must pass", []Rule{
			{"slewing", OpEquals, true},
			{"canpark", OpEquals, true},
		}, map[string]any{"slewing": true, "canpark": false}, false},
		{"unknown operator", []Rule{{"slewing", "between", true}}, map[string]any{"slewing": true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Feature{ID: "x", Visibility: tt.rules}
			assert.Equal(t, tt.want, f.Visible(tt.props))
		})
	}
}

func TestVisibleFeatures(t *testing.T) {
	panels, err := Load()
	require.NoError(t, err)

	tel := panels[alpaca.Telescope]
	ids := func(fs []Feature) []string {
		var out []string
		for _, f := range fs {
			out = append(out, f.ID)
		}
		return out
	}

	visible := ids(tel.VisibleFeatures(map[string]any{
		"slewing": true, "atpark": false, "canpark": true, "canslewasync": true,
	}))
	assert.Contains(t, visible, "abort-slew")
	assert.Contains(t, visible, "park")
	assert.NotContains(t, visible, "unpark")

	visible = ids(tel.VisibleFeatures(map[string]any{"slewing": false, "atpark": true}))
	assert.NotContains(t, visible, "abort-slew")
	assert.Contains(t, visible, "unpark")
}

func TestLoadRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown type", "type: toaster\nfeatures: []\n"},
		{"duplicate feature", "type: dome\nfeatures:\n  - id: a\n  - id: a\n"},
		{"missing id", "type: dome\nfeatures:\n  - label: x\n"},
		{"bad operator", "type: dome\nfeatures:\n  - id: a\n    visibility:\n      - property: x\n        operator: lessThan\n        value: 1\n"},
		{"bad yaml", "type: [dome\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := fstest.MapFS{"defs/x.yaml": {Data: []byte(tt.body)}}
			_, err := load(fsys, "defs")
			assert.Error(t, err)
		})
	}
}
