package config

import (
	"os"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// GetEnvObject returns the process environment as a cty object, exposed to
// configuration as env. Names are rewritten into valid HCL identifiers.
func GetEnvObject() cty.Value {
	vars := make(map[string]cty.Value)

	for _, entry := range os.Environ() {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		vars[sanitizeEnvVarName(name)] = cty.StringVal(value)
	}

	// ObjectVal of an empty map is the empty object type
	return cty.ObjectVal(vars)
}

// sanitizeEnvVarName replaces characters HCL does not allow in an
// identifier with underscores. A leading digit is replaced too.
func sanitizeEnvVarName(name string) string {
	if name == "" {
		return "_"
	}

	first := true
	return strings.Map(func(r rune) rune {
		valid := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(!first && (r == '-' || (r >= '0' && r <= '9')))
		first = false
		if !valid {
			return '_'
		}
		return r
	}, name)
}
