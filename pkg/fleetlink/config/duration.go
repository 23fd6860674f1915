package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/sosodev/duration"
	"github.com/zclconf/go-cty/cty"
)

// IsExpressionProvided reports whether an optional attribute was set. HCL
// supplies a zero-length expression for optional attributes that are
// absent.
func IsExpressionProvided(expr hcl.Expression) bool {
	return expr != nil && expr.Range().End.Byte > expr.Range().Start.Byte
}

// ParseDuration evaluates expr as a duration. Numbers are seconds, strings
// starting with P are ISO 8601 durations ("PT5M") and any other string uses
// Go syntax ("1m30s"). Negative durations are rejected.
func (c *Config) ParseDuration(expr hcl.Expression) (time.Duration, hcl.Diagnostics) {
	val, diags := expr.Value(c.evalCtx)
	if diags.HasErrors() {
		return 0, diags
	}

	d, err := durationValue(val)
	if err != nil {
		return 0, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid duration",
			Detail:   err.Error(),
			Subject:  expr.Range().Ptr(),
		})
	}
	return d, diags
}

// optionalDuration is ParseDuration for optional attributes; fallback is
// returned when expr is absent.
func (c *Config) optionalDuration(expr hcl.Expression, fallback time.Duration) (time.Duration, hcl.Diagnostics) {
	if !IsExpressionProvided(expr) {
		return fallback, nil
	}
	return c.ParseDuration(expr)
}

func durationValue(val cty.Value) (time.Duration, error) {
	if val.IsNull() || !val.IsKnown() {
		return 0, fmt.Errorf("duration must not be null")
	}

	var d time.Duration

	switch val.Type() {
	case cty.Number:
		f := val.AsBigFloat()
		ns, _ := f.Mul(f, big.NewFloat(float64(time.Second))).Int64()
		d = time.Duration(ns)

	case cty.String:
		str := strings.TrimSpace(val.AsString())
		if strings.HasPrefix(str, "P") {
			parsed, err := duration.Parse(str)
			if err != nil {
				return 0, fmt.Errorf("failed to parse ISO 8601 duration %q: %w", str, err)
			}
			d = parsed.ToTimeDuration()
		} else {
			parsed, err := time.ParseDuration(str)
			if err != nil {
				return 0, fmt.Errorf("failed to parse duration %q: expected seconds, an ISO 8601 duration such as \"PT5M\" or a Go duration such as \"5m\"", str)
			}
			d = parsed
		}

	default:
		return 0, fmt.Errorf("duration must be a number of seconds or a string, got %s", val.Type().FriendlyName())
	}

	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative")
	}
	return d, nil
}
