package config

import (
	"slices"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
)

// SubscribeDefinition declares interests to restore on every connection.
// Several subscribe blocks are merged.
type SubscribeDefinition struct {
	Devices   []string `hcl:"devices,optional"`
	Tasks     []string `hcl:"tasks,optional"`
	Analytics bool     `hcl:"analytics,optional"`
}

type SubscribeBlockHandler struct {
	BlockHandlerBase
}

func NewSubscribeBlockHandler() *SubscribeBlockHandler {
	return &SubscribeBlockHandler{}
}

func (h *SubscribeBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	def := SubscribeDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}

	for _, ids := range [][]string{def.Devices, def.Tasks} {
		if slices.Contains(ids, "") {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Empty identifier",
				Detail:   "Device and task identifiers must not be empty",
				Subject:  &block.DefRange,
			})
			return diags
		}
	}

	interests := &config.Subscribe
	for _, id := range def.Devices {
		if !slices.Contains(interests.Devices, id) {
			interests.Devices = append(interests.Devices, id)
		}
	}
	for _, id := range def.Tasks {
		if !slices.Contains(interests.Tasks, id) {
			interests.Tasks = append(interests.Tasks, id)
		}
	}
	interests.Analytics = interests.Analytics || def.Analytics

	return diags
}
