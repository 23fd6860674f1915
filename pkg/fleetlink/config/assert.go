package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"go.uber.org/zap"
)

// Assert fails the build when its condition is false. Useful for checking
// that required environment variables are present.
//
//	assert "token" {
//	  condition = length(env.FLEET_TOKEN) > 0
//	  message   = "FLEET_TOKEN must be set"
//	}
type Assert struct {
	Condition bool   `hcl:"condition"`
	Message   string `hcl:"message,optional"`
}

type AssertBlockHandler struct {
	BlockHandlerBase
}

func NewAssertBlockHandler() *AssertBlockHandler {
	return &AssertBlockHandler{}
}

func (h *AssertBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	assertion := Assert{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &assertion)
	if diags.HasErrors() {
		return diags
	}

	if assertion.Condition {
		return nil
	}

	name := block.Labels[0]
	detail := assertion.Message
	if detail == "" {
		detail = fmt.Sprintf("Assertion %s failed", name)
	}
	config.Logger.Error("Assertion failed", zap.String("assert", name), zap.String("location", block.DefRange.String()))

	return hcl.Diagnostics{{
		Severity: hcl.DiagError,
		Summary:  "Assertion failed",
		Detail:   detail,
		Subject:  &block.DefRange,
	}}
}
