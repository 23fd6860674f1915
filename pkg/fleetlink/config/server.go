package config

import (
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/fleetlink/pkg/fleetlink/backoff"
	"github.com/tsarna/fleetlink/pkg/fleetlink/client"
)

// ServerSettings locate and authenticate the dashboard server.
type ServerSettings struct {
	URL          string
	Token        string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Announce     bool
	Headers      map[string]string
}

type ServerDefinition struct {
	URL          string            `hcl:"url"`
	Token        string            `hcl:"token,optional"`
	DialTimeout  hcl.Expression    `hcl:"dial_timeout,optional"`
	WriteTimeout hcl.Expression    `hcl:"write_timeout,optional"`
	Announce     *bool             `hcl:"announce,optional"`
	Headers      map[string]string `hcl:"headers,optional"`
}

type ServerBlockHandler struct {
	BlockHandlerBase
	singleBlock
}

func NewServerBlockHandler() *ServerBlockHandler {
	return &ServerBlockHandler{singleBlock: singleBlock{typ: "server"}}
}

func (h *ServerBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	diags := h.claim(block)
	if diags.HasErrors() {
		return diags
	}

	def := ServerDefinition{}
	diags = gohcl.DecodeBody(block.Body, config.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}

	if parsed, err := url.Parse(def.URL); err != nil || !slices.Contains([]string{"ws", "wss", "http", "https"}, parsed.Scheme) {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid server URL",
			Detail:   fmt.Sprintf("The server URL must be a ws:// or wss:// URL, got %q", def.URL),
			Subject:  &block.DefRange,
		})
	}

	settings := ServerSettings{
		URL:      def.URL,
		Token:    def.Token,
		Announce: def.Announce == nil || *def.Announce,
		Headers:  def.Headers,
	}

	var addDiags hcl.Diagnostics
	settings.DialTimeout, addDiags = config.optionalDuration(def.DialTimeout, client.DefaultDialTimeout)
	diags = diags.Extend(addDiags)
	settings.WriteTimeout, addDiags = config.optionalDuration(def.WriteTimeout, client.DefaultWriteTimeout)
	diags = diags.Extend(addDiags)

	config.Server = settings
	return diags
}

func (h *ServerBlockHandler) FinishProcessing(config *Config) hcl.Diagnostics {
	if h.defined == nil {
		return hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Missing server block",
			Detail:   "A server block with the dashboard URL is required",
		}}
	}
	return nil
}

// ReconnectSettings bound the retry schedule after a connection is lost.
type ReconnectSettings struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

func defaultReconnectSettings() ReconnectSettings {
	return ReconnectSettings{
		MaxAttempts: backoff.DefaultMaxAttempts,
		BaseDelay:   backoff.DefaultBaseDelay,
		MaxDelay:    backoff.DefaultMaxDelay,
	}
}

type ReconnectDefinition struct {
	MaxAttempts *int           `hcl:"max_attempts,optional"`
	BaseDelay   hcl.Expression `hcl:"base_delay,optional"`
	MaxDelay    hcl.Expression `hcl:"max_delay,optional"`
	Jitter      *float64       `hcl:"jitter,optional"`
}

type ReconnectBlockHandler struct {
	BlockHandlerBase
	singleBlock
}

func NewReconnectBlockHandler() *ReconnectBlockHandler {
	return &ReconnectBlockHandler{singleBlock: singleBlock{typ: "reconnect"}}
}

func (h *ReconnectBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	diags := h.claim(block)
	if diags.HasErrors() {
		return diags
	}

	def := ReconnectDefinition{}
	diags = gohcl.DecodeBody(block.Body, config.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}

	settings := defaultReconnectSettings()

	if def.MaxAttempts != nil {
		if *def.MaxAttempts < 1 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid max_attempts",
				Detail:   "max_attempts must be at least 1",
				Subject:  &block.DefRange,
			})
		}
		settings.MaxAttempts = *def.MaxAttempts
	}
	if def.Jitter != nil {
		if *def.Jitter < 0 || *def.Jitter > 1 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid jitter",
				Detail:   "jitter must be between 0 and 1",
				Subject:  &block.DefRange,
			})
		}
		settings.Jitter = *def.Jitter
	}

	var addDiags hcl.Diagnostics
	settings.BaseDelay, addDiags = config.optionalDuration(def.BaseDelay, settings.BaseDelay)
	diags = diags.Extend(addDiags)
	settings.MaxDelay, addDiags = config.optionalDuration(def.MaxDelay, settings.MaxDelay)
	diags = diags.Extend(addDiags)

	if !diags.HasErrors() && settings.MaxDelay < settings.BaseDelay {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid reconnect delays",
			Detail:   fmt.Sprintf("max_delay %s is shorter than base_delay %s", settings.MaxDelay, settings.BaseDelay),
			Subject:  &block.DefRange,
		})
	}

	config.Reconnect = settings
	return diags
}
