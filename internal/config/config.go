// Package config models sail's workspace-level configuration file (§6): the
// JSON document declaring task definitions and declarative-task defaults.
// JSON is the canonical schema; YAML/JS/TS variants are collaborator-layer
// concerns (out of scope, §1) that are expected to normalize to this shape
// before it reaches sail.
//
// Grounded on the teacher's fs.TurboConfigJSON / fs.Pipeline decode shape,
// with per-package overlay merged via mapstructure the way the teacher's
// config loader overlays root and package-level turbo.json fragments.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/tylerbutler/sail/internal/sailerr"
	"github.com/tylerbutler/sail/internal/workspace"
)

// SupportedVersion is the only "version" value this config loader accepts.
const SupportedVersion = 1

// DeclarativeTaskDefaults holds the default input/output globs associated
// with a known executable prefix (the "declarativeTasks" document section),
// consumed by internal/registry to seed Factory defaults.
type DeclarativeTaskDefaults struct {
	InputGlobs  []string `json:"inputGlobs,omitempty"`
	OutputGlobs []string `json:"outputGlobs,omitempty"`
}

// Document is the root shape of the workspace configuration file.
type Document struct {
	Version          int                                  `json:"version"`
	Tasks            map[string]workspace.RawTaskDefinition `json:"tasks"`
	DeclarativeTasks map[string]DeclarativeTaskDefaults    `json:"declarativeTasks"`
}

// Parse decodes and validates a Document from raw JSON bytes.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, sailerr.Configuration("malformed configuration: %v", err)
	}
	if doc.Version != SupportedVersion {
		return nil, sailerr.Configuration("unsupported configuration version %d (expected %d)", doc.Version, SupportedVersion)
	}
	return &doc, nil
}

// MergeOverride shallow-overrides base with override, field-by-field,
// matching §4.3's merge rule: "per-package entries shallow-override
// workspace entries field-by-field." A nil/zero field in override leaves
// the corresponding field in base untouched.
//
// Uses mapstructure to decode override onto a copy of base rather than
// hand-rolling per-field nil checks, mirroring the teacher's decode-driven
// config overlay.
func MergeOverride(base workspace.RawTaskDefinition, override workspace.RawTaskDefinition) (workspace.RawTaskDefinition, error) {
	baseMap, err := toMap(base)
	if err != nil {
		return workspace.RawTaskDefinition{}, err
	}
	overrideMap, err := toMap(override)
	if err != nil {
		return workspace.RawTaskDefinition{}, err
	}

	for k, v := range overrideMap {
		if v == nil {
			continue
		}
		baseMap[k] = v
	}

	var merged workspace.RawTaskDefinition
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &merged,
	})
	if err != nil {
		return workspace.RawTaskDefinition{}, sailerr.Internal("building merge decoder: %v", err)
	}
	if err := decoder.Decode(baseMap); err != nil {
		return workspace.RawTaskDefinition{}, sailerr.Internal("decoding merged task definition: %v", err)
	}
	return merged, nil
}

func toMap(def workspace.RawTaskDefinition) (map[string]interface{}, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("marshaling task definition: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling task definition: %w", err)
	}
	return m, nil
}
