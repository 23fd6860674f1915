package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/fleetlink/pkg/fleetlink/schedule"
	"github.com/tsarna/fleetlink/pkg/fleetlink/wire"
	"github.com/tsarna/go2cty2go"
	"go.uber.org/zap"
)

// ScheduleDefinition is a command emitted on a cron schedule.
//
//	schedule "ping-d1" {
//	  at       = "@every 5m"
//	  timezone = "Europe/Paris"
//	  command  = "ping_device"
//	  args     = { deviceId = "d1" }
//	}
type ScheduleDefinition struct {
	At       string         `hcl:"at"`
	Timezone string         `hcl:"timezone,optional"`
	Command  string         `hcl:"command"`
	Args     hcl.Expression `hcl:"args,optional"`
}

type ScheduleBlockHandler struct {
	BlockHandlerBase

	defined map[string]hcl.Range
}

func NewScheduleBlockHandler() *ScheduleBlockHandler {
	return &ScheduleBlockHandler{defined: make(map[string]hcl.Range)}
}

func (h *ScheduleBlockHandler) Preprocess(block *hcl.Block) hcl.Diagnostics {
	name := block.Labels[0]
	if existing, exists := h.defined[name]; exists {
		return hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Duplicate schedule",
			Detail:   fmt.Sprintf("Schedule %s is already defined at %s", name, existing),
			Subject:  &block.DefRange,
		}}
	}
	h.defined[name] = block.DefRange
	return nil
}

func (h *ScheduleBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	def := ScheduleDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}

	job := schedule.Job{
		Name:    block.Labels[0],
		Spec:    def.At,
		Command: def.Command,
	}

	if def.Timezone != "" {
		if _, err := time.LoadLocation(def.Timezone); err != nil {
			return diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid timezone",
				Detail:   fmt.Sprintf("Invalid timezone: %s", def.Timezone),
				Subject:  &block.DefRange,
			})
		}
		job.Spec = "CRON_TZ=" + def.Timezone + " " + def.At
	}

	if err := schedule.Validate(job.Spec); err != nil {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid schedule",
			Detail:   err.Error(),
			Subject:  &block.DefRange,
		})
	}

	if def.Command == "" {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Missing command",
			Detail:   fmt.Sprintf("Schedule %s has an empty command", job.Name),
			Subject:  &block.DefRange,
		})
	}
	if !wire.IsCommand(def.Command) {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagWarning,
			Summary:  "Unrecognized command",
			Detail:   fmt.Sprintf("Schedule %s sends %s, which the dashboard server may not understand", job.Name, def.Command),
			Subject:  &block.DefRange,
		})
	}

	if IsExpressionProvided(def.Args) {
		value, valueDiags := def.Args.Value(config.evalCtx)
		diags = diags.Extend(valueDiags)
		if valueDiags.HasErrors() {
			return diags
		}

		args, err := go2cty2go.CtyToAny(value)
		if err != nil {
			return diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid schedule args",
				Detail:   fmt.Sprintf("Schedule %s args cannot be sent: %s", job.Name, err),
				Subject:  def.Args.Range().Ptr(),
			})
		}
		job.Args = args
	}

	config.Logger.Debug("Schedule defined", zap.String("schedule", job.Name), zap.String("at", job.Spec), zap.String("command", job.Command))
	config.Schedules = append(config.Schedules, job)

	return diags
}
