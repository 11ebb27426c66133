package agent

import (
	"strings"

	"github.com/flosch/pongo2/v6"
)

func init() {
	// Register "truncate" as alias for "truncatechars"
	pongo2.RegisterFilter("truncate", func(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
		s := in.String()
		n := param.Integer()
		if n <= 0 || n >= len(s) {
			return in, nil
		}
		return pongo2.AsValue(s[:n]), nil
	})
}

// RenderTemplate renders a prompt template against the instance state.
// Strings without template syntax are returned unchanged.
func RenderTemplate(tmpl string, ctx map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") && !strings.Contains(tmpl, "{%") {
		return tmpl, nil
	}

	tpl, err := pongo2.FromString(tmpl)
	if err != nil {
		return tmpl, err
	}

	result, err := tpl.Execute(pongo2.Context(ctx))
	if err != nil {
		return tmpl, err
	}

	return result, nil
}
