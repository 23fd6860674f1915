package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/heimdalr/dag"
)

// ConstBlockHandler collects attributes from every const block and
// evaluates them in dependency order, so constants may refer to each other
// across blocks and files.
type ConstBlockHandler struct {
	BlockHandlerBase

	consts hcl.Attributes
}

func NewConstBlockHandler() *ConstBlockHandler {
	return &ConstBlockHandler{consts: make(hcl.Attributes)}
}

func (h *ConstBlockHandler) Preprocess(block *hcl.Block) hcl.Diagnostics {
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return diags
	}

	for name, attr := range attrs {
		if name == "env" {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Reserved constant name",
				Detail:   "The name env is reserved for environment variables",
				Subject:  &attr.NameRange,
			})
			continue
		}
		if existing, exists := h.consts[name]; exists {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate constant",
				Detail:   fmt.Sprintf("Constant %s is already defined at %s", name, existing.NameRange),
				Subject:  &attr.NameRange,
			})
			continue
		}
		h.consts[name] = attr
	}

	return diags
}

func (h *ConstBlockHandler) FinishPreprocessing(config *Config) hcl.Diagnostics {
	attrs, diags := SortAttributesByDependencies(h.consts, config.Constants)
	if diags.HasErrors() {
		return diags
	}

	for _, attr := range attrs {
		value, evalDiags := attr.Expr.Value(config.evalCtx)
		diags = diags.Extend(evalDiags)
		config.Constants[attr.Name] = value
	}

	return diags
}

// SortAttributesByDependencies orders attrs so that every attribute comes
// after the attributes it refers to. References to names in predefined
// are allowed; any other unknown reference is an error.
func SortAttributesByDependencies[V any](attrs hcl.Attributes, predefined map[string]V) ([]*hcl.Attribute, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	graph := dag.NewDAG()

	for name, attr := range attrs {
		if err := graph.AddVertexByID(name, attr); err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to add constant to dependency graph",
				Detail:   fmt.Sprintf("Error adding %s: %s", name, err),
				Subject:  &attr.NameRange,
			})
		}
	}

	for name, attr := range attrs {
		linked := make(map[string]bool)
		for _, traversal := range attr.Expr.Variables() {
			ref := traversal.RootName()
			if _, exists := attrs[ref]; exists {
				if linked[ref] {
					continue
				}
				linked[ref] = true
				if err := graph.AddEdge(ref, name); err != nil {
					diags = diags.Append(&hcl.Diagnostic{
						Severity: hcl.DiagError,
						Summary:  "Circular dependency detected",
						Detail:   fmt.Sprintf("Cannot make %s depend on %s: %s", name, ref, err),
						Subject:  &attr.Range,
					})
				}
				continue
			}
			if _, exists := predefined[ref]; !exists {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Unknown reference",
					Detail:   fmt.Sprintf("Constant %s refers to %s, which is not defined", name, ref),
					Subject:  traversal.SourceRange().Ptr(),
				})
			}
		}
	}

	if diags.HasErrors() {
		return nil, diags
	}

	visitor := &attributeVisitor{}
	graph.OrderedWalk(visitor)

	return visitor.attrs, diags
}

type attributeVisitor struct {
	attrs []*hcl.Attribute
}

func (v *attributeVisitor) Visit(vertex dag.Vertexer) {
	_, value := vertex.Vertex()
	v.attrs = append(v.attrs, value.(*hcl.Attribute))
}
