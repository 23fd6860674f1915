package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
)

// BlockHandler processes one top-level block type. Build calls Preprocess
// for every block, then FinishPreprocessing once per handler, then Process
// for every block and finally FinishProcessing once per handler.
type BlockHandler interface {
	Preprocess(block *hcl.Block) hcl.Diagnostics
	FinishPreprocessing(config *Config) hcl.Diagnostics
	Process(config *Config, block *hcl.Block) hcl.Diagnostics
	FinishProcessing(config *Config) hcl.Diagnostics
}

type BlockHandlerBase struct{}

func (b *BlockHandlerBase) Preprocess(block *hcl.Block) hcl.Diagnostics { return nil }

func (b *BlockHandlerBase) FinishPreprocessing(config *Config) hcl.Diagnostics { return nil }

func (b *BlockHandlerBase) Process(config *Config, block *hcl.Block) hcl.Diagnostics { return nil }

func (b *BlockHandlerBase) FinishProcessing(config *Config) hcl.Diagnostics { return nil }

// handlerOrder fixes the order of the per-handler phases.
var handlerOrder = []string{"const", "assert", "server", "reconnect", "subscribe", "schedule", "metrics"}

func GetBlockHandlers() map[string]BlockHandler {
	return map[string]BlockHandler{
		"assert":    NewAssertBlockHandler(),
		"const":     NewConstBlockHandler(),
		"metrics":   NewMetricsBlockHandler(),
		"reconnect": NewReconnectBlockHandler(),
		"schedule":  NewScheduleBlockHandler(),
		"server":    NewServerBlockHandler(),
		"subscribe": NewSubscribeBlockHandler(),
	}
}

var configSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "assert", LabelNames: []string{"name"}},
		{Type: "const"},
		{Type: "metrics"},
		{Type: "reconnect"},
		{Type: "schedule", LabelNames: []string{"name"}},
		{Type: "server"},
		{Type: "subscribe"},
	},
}

// singleBlock remembers where a block that may appear only once was
// first defined.
type singleBlock struct {
	typ     string
	defined *hcl.Range
}

func (s *singleBlock) claim(block *hcl.Block) hcl.Diagnostics {
	if s.defined != nil {
		return hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  fmt.Sprintf("Duplicate %s block", s.typ),
			Detail:   fmt.Sprintf("A %s block is already defined at %s", s.typ, s.defined),
			Subject:  &block.DefRange,
		}}
	}
	s.defined = block.DefRange.Ptr()
	return nil
}
