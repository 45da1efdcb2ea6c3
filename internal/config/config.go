// Package config loads audit rules from a YAML or CUE file and applies them
// to an audit configuration and a metadata registry.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/auditscope/internal/audit"
	"github.com/roach88/auditscope/internal/metadata"
	"github.com/roach88/auditscope/internal/validation"
)

//go:embed schema.cue
var schemaSource string

// File is the decoded form of an audit rules file.
type File struct {
	Disabled       bool                  `yaml:"disabled" json:"disabled"`
	CreationPolicy string                `yaml:"creation_policy" json:"creation_policy" validate:"omitempty,oneof=insert-on-end insert-on-start-replace-on-end insert-on-start-insert-on-end manual"`
	Global         Context               `yaml:"global" json:"global"`
	Contexts       map[string]Context    `yaml:"contexts" json:"contexts" validate:"dive"`
	Entities       map[string]Annotation `yaml:"entities" json:"entities"`
}

// Context holds the settings of the global layer or of one owner layer.
type Context struct {
	Mode                     string                `yaml:"mode" json:"mode" validate:"omitempty,oneof=opt-out opt-in"`
	EventType                *string               `yaml:"event_type" json:"event_type" validate:"omitempty,min=1"`
	IncludeEntityObjects     *bool                 `yaml:"include_entity_objects" json:"include_entity_objects"`
	ExcludeTransactionID     *bool                 `yaml:"exclude_transaction_id" json:"exclude_transaction_id"`
	ExcludeValidationResults *bool                 `yaml:"exclude_validation_results" json:"exclude_validation_results"`
	Include                  []string              `yaml:"include" json:"include" validate:"dive,required"`
	Ignore                   []string              `yaml:"ignore" json:"ignore" validate:"dive,required"`
	Properties               map[string]Properties `yaml:"properties" json:"properties"`
}

// Properties are the property rules of one entity type.
type Properties struct {
	Ignore   []string       `yaml:"ignore" json:"ignore"`
	Override map[string]any `yaml:"override" json:"override"`
}

// Annotation mirrors metadata.EntityAnnotation.
type Annotation struct {
	Include            bool           `yaml:"include" json:"include"`
	Ignore             bool           `yaml:"ignore" json:"ignore"`
	IgnoreProperties   []string       `yaml:"ignore_properties" json:"ignore_properties"`
	OverrideProperties map[string]any `yaml:"override_properties" json:"override_properties"`
}

// Load reads path and decodes it by extension: .yaml, .yml or .cue.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audit config: %w", err)
	}
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".cue":
		return ParseCUE(filepath.Base(path), data)
	default:
		return nil, fmt.Errorf("unsupported audit config extension %q", ext)
	}
}

// ParseYAML decodes and validates a YAML rules document. Unknown keys are errors.
func ParseYAML(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml audit config: %w", err)
	}
	return validate(&f)
}

// ParseCUE unifies a CUE rules document with the #Config schema, then
// decodes and validates it.
func ParseCUE(filename string, data []byte) (*File, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile audit config schema: %w", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile cue audit config: %w", err)
	}
	v = schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate cue audit config: %w", err)
	}

	var f File
	if err := v.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode cue audit config: %w", err)
	}
	return validate(&f)
}

func validate(f *File) (*File, error) {
	if msg, ok := validation.Struct(f); !ok {
		return nil, fmt.Errorf("invalid audit config: %s", msg)
	}
	return f, nil
}

// Apply writes f into cfg and reg. The global section configures
// ForAnyContext, each contexts entry configures ForContext, and entities
// become annotations.
func Apply(f *File, cfg *audit.Config, reg *metadata.Registry) error {
	if f.CreationPolicy != "" {
		p, err := audit.ParseCreationPolicy(f.CreationPolicy)
		if err != nil {
			return err
		}
		cfg.SetCreationPolicy(p)
	}
	cfg.SetDisabled(f.Disabled)

	if err := applyContext(reg.ForAnyContext(), f.Global); err != nil {
		return fmt.Errorf("global: %w", err)
	}
	for _, id := range sortedKeys(f.Contexts) {
		if err := applyContext(reg.ForContext(id), f.Contexts[id]); err != nil {
			return fmt.Errorf("context %s: %w", id, err)
		}
	}
	for _, name := range sortedKeys(f.Entities) {
		a := f.Entities[name]
		reg.AnnotateEntity(name, metadata.EntityAnnotation{
			Include:            a.Include,
			Ignore:             a.Ignore,
			IgnoreProperties:   a.IgnoreProperties,
			OverrideProperties: a.OverrideProperties,
		})
	}
	return nil
}

func applyContext(c *metadata.ContextConfig, s Context) error {
	mode, err := metadata.ParseMode(s.Mode)
	if err != nil {
		return err
	}
	if mode != metadata.ModeUnset {
		c.UseMode(mode)
	}
	if s.EventType != nil {
		c.EventType(*s.EventType)
	}
	if s.IncludeEntityObjects != nil {
		c.IncludeEntityObjects(*s.IncludeEntityObjects)
	}
	if s.ExcludeTransactionID != nil {
		c.ExcludeTransactionID(*s.ExcludeTransactionID)
	}
	if s.ExcludeValidationResults != nil {
		c.ExcludeValidationResults(*s.ExcludeValidationResults)
	}
	if len(s.Include) > 0 {
		c.Include(s.Include...)
	}
	if len(s.Ignore) > 0 {
		c.Ignore(s.Ignore...)
	}
	for _, typeName := range sortedKeys(s.Properties) {
		p := s.Properties[typeName]
		e := c.ForEntity(typeName)
		if len(p.Ignore) > 0 {
			e.Ignore(p.Ignore...)
		}
		for _, prop := range sortedKeys(p.Override) {
			e.Override(prop, p.Override[prop])
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
