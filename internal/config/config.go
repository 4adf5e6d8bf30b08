// Package config loads the HCL configuration file and binds it to the cache
// facade configuration structs.
package config

import (
	"io"
	"os"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/hcl/v2"
	"github.com/alecthomas/kong"

	"github.com/block/mediacache/internal/cache"
)

const (
	metadataBlockName = "metadata-cache"
	imageBlockName    = "image-cache"
)

// Schema returns the configuration file schema for both cache blocks.
func Schema() (*hcl.AST, error) {
	var metadataDefaults cache.MetadataConfig
	metadataSchema, err := hcl.BlockSchema(metadataBlockName, &metadataDefaults)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var imageDefaults cache.ImageConfig
	imageSchema, err := hcl.BlockSchema(imageBlockName, &imageDefaults)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &hcl.AST{Entries: append(metadataSchema.Entries, imageSchema.Entries...)}, nil
}

// Load parses HCL configuration from r, expanding ${VAR} references against
// vars, and unmarshals the "metadata-cache" and "image-cache" blocks into the
// returned configs. Both blocks are required.
func Load(r io.Reader, vars map[string]string) (cache.MetadataConfig, cache.ImageConfig, error) {
	var metadataConfig cache.MetadataConfig
	var imageConfig cache.ImageConfig

	ast, err := hcl.Parse(r)
	if err != nil {
		return metadataConfig, imageConfig, errors.WithStack(err)
	}

	expandVars(ast, vars)

	var foundMetadata, foundImage bool
	for _, node := range ast.Entries {
		block, ok := node.(*hcl.Block)
		if !ok {
			continue
		}

		switch block.Name {
		case metadataBlockName:
			if err := hcl.UnmarshalBlock(block, &metadataConfig); err != nil {
				return metadataConfig, imageConfig, errors.Errorf("%s: %w", block.Pos, err)
			}
			foundMetadata = true
		case imageBlockName:
			if err := hcl.UnmarshalBlock(block, &imageConfig); err != nil {
				return metadataConfig, imageConfig, errors.Errorf("%s: %w", block.Pos, err)
			}
			foundImage = true
		}
	}

	if !foundMetadata {
		return metadataConfig, imageConfig, errors.Errorf("%s: expected a %q block", ast.Pos, metadataBlockName)
	}
	if !foundImage {
		return metadataConfig, imageConfig, errors.Errorf("%s: expected a %q block", ast.Pos, imageBlockName)
	}

	// hcl.UnmarshalBlock only sets fields present in the HCL source; any
	// optional field a block omits is still zero here, so the documented
	// default:"..." tags are applied the same way the teacher's NewDisk does
	// before the configs are put to any use.
	if err := kong.ApplyDefaults(&metadataConfig); err != nil {
		return metadataConfig, imageConfig, errors.Errorf("failed to apply metadata cache defaults: %w", err)
	}
	if err := kong.ApplyDefaults(&imageConfig); err != nil {
		return metadataConfig, imageConfig, errors.Errorf("failed to apply image cache defaults: %w", err)
	}

	return metadataConfig, imageConfig, nil
}

func expandVars(ast *hcl.AST, vars map[string]string) {
	_ = hcl.Visit(ast, func(node hcl.Node, next func() error) error { //nolint:errcheck
		attr, ok := node.(*hcl.Attribute)
		if ok {
			switch attr := attr.Value.(type) {
			case *hcl.String:
				attr.Str = os.Expand(attr.Str, func(s string) string { return vars[s] })
			case *hcl.Heredoc:
				attr.Doc = os.Expand(attr.Doc, func(s string) string { return vars[s] })
			}
		}
		return next()
	})
}

// ParseEnvars turns the process environment into a vars map suitable for Load.
func ParseEnvars() map[string]string {
	envars := map[string]string{}
	for _, env := range os.Environ() {
		if key, value, ok := strings.Cut(env, "="); ok {
			envars[key] = value
		}
	}
	return envars
}
