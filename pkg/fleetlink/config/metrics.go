package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
)

const (
	ExporterLog  = "log"
	ExporterOtel = "otel"

	DefaultServiceName    = "fleetlink"
	DefaultReportInterval = time.Minute
)

// MetricsSettings enable client metrics. The log exporter keeps counters in
// memory and logs a snapshot every ReportInterval; the otel exporter
// records into the global OpenTelemetry providers.
type MetricsSettings struct {
	ServiceName    string
	Exporter       string
	ReportInterval time.Duration
}

type MetricsDefinition struct {
	ServiceName    string         `hcl:"service_name,optional"`
	Exporter       string         `hcl:"exporter,optional"`
	ReportInterval hcl.Expression `hcl:"report_interval,optional"`
}

type MetricsBlockHandler struct {
	BlockHandlerBase
	singleBlock
}

func NewMetricsBlockHandler() *MetricsBlockHandler {
	return &MetricsBlockHandler{singleBlock: singleBlock{typ: "metrics"}}
}

func (h *MetricsBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	diags := h.claim(block)
	if diags.HasErrors() {
		return diags
	}

	def := MetricsDefinition{}
	diags = gohcl.DecodeBody(block.Body, config.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}

	settings := &MetricsSettings{
		ServiceName: def.ServiceName,
		Exporter:    def.Exporter,
	}
	if settings.ServiceName == "" {
		settings.ServiceName = DefaultServiceName
	}
	if settings.Exporter == "" {
		settings.Exporter = ExporterLog
	}
	if !slices.Contains([]string{ExporterLog, ExporterOtel}, settings.Exporter) {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid exporter",
			Detail:   fmt.Sprintf("exporter must be %q or %q, got %q", ExporterLog, ExporterOtel, settings.Exporter),
			Subject:  &block.DefRange,
		})
	}

	var addDiags hcl.Diagnostics
	settings.ReportInterval, addDiags = config.optionalDuration(def.ReportInterval, DefaultReportInterval)
	diags = diags.Extend(addDiags)
	if settings.ReportInterval == 0 {
		settings.ReportInterval = DefaultReportInterval
	}

	config.Metrics = settings
	return diags
}
