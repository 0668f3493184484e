package templates

import (
	"embed"
	"fmt"
	"html/template"
	"sort"
)

//go:embed *.html
var FS embed.FS

var funcs = template.FuncMap{
	// keys lists a property map in a stable order.
	"keys": func(m map[string]any) []string {
		out := make([]string, 0, len(m))
		for k := range m {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	},
	"show": func(v any) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprint(v)
	},
}

// Load parses the console page templates.
func Load() (*template.Template, error) {
	return template.New("").Funcs(funcs).ParseFS(FS, "*.html")
}
