package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// FileExtension is the suffix of files loaded from a directory source.
const FileExtension = ".hcl"

func GetBlocks(bodies []hcl.Body) (hcl.Blocks, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	var blocks hcl.Blocks

	for _, body := range bodies {
		content, contentDiags := body.Content(configSchema)
		diags = diags.Extend(contentDiags)
		if content != nil {
			blocks = append(blocks, content.Blocks...)
		}
	}

	return blocks, diags
}

// ParseConfigFiles parses every source into an HCL body. A string source is
// a file or a directory searched recursively for FileExtension files; a
// []byte source is HCL text.
func ParseConfigFiles(sources ...any) ([]hcl.Body, hcl.Diagnostics) {
	parser := hclparse.NewParser()
	var diags hcl.Diagnostics
	bodies := make([]hcl.Body, 0, len(sources))

	for i, source := range sources {
		switch v := source.(type) {
		case string:
			info, err := os.Stat(v)
			if err != nil {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Failed to read configuration",
					Detail:   fmt.Sprintf("Error reading %s: %s", v, err),
				})
				continue
			}

			if info.IsDir() {
				dirBodies, dirDiags := parseDirectory(parser, v)
				diags = diags.Extend(dirDiags)
				bodies = append(bodies, dirBodies...)
				continue
			}

			file, parseDiags := parser.ParseHCLFile(v)
			diags = diags.Extend(parseDiags)
			if file != nil {
				bodies = append(bodies, file.Body)
			}
		case []byte:
			file, parseDiags := parser.ParseHCL(v, fmt.Sprintf("<source %d>", i))
			diags = diags.Extend(parseDiags)
			if file != nil {
				bodies = append(bodies, file.Body)
			}
		default:
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid source type",
				Detail:   fmt.Sprintf("Configuration sources must be paths or bytes, got %T", v),
			})
		}
	}

	return bodies, diags
}

func parseDirectory(parser *hclparse.Parser, dir string) ([]hcl.Body, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	bodies := make([]hcl.Body, 0)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to access file or directory",
				Detail:   fmt.Sprintf("Error accessing %s: %s", path, err),
			})
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, FileExtension) {
			return nil
		}

		file, parseDiags := parser.ParseHCLFile(path)
		diags = diags.Extend(parseDiags)
		if file != nil {
			bodies = append(bodies, file.Body)
		}
		return nil
	})
	if err != nil {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Failed to walk directory",
			Detail:   fmt.Sprintf("Error walking directory %s: %s", dir, err),
		})
	}

	return bodies, diags
}
