// Package config loads and validates the run configuration from a YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/bull/litmine/internal/extraction"
	"github.com/bull/litmine/internal/schema"
	"github.com/bull/litmine/internal/source"
)

// envPrefix namespaces the override variables: LITMINE_DATABASE_TABLE maps
// to database.table, LITMINE_SOURCE_API_KEY to source.api_key.
const envPrefix = "LITMINE_"

type DatabaseConfig struct {
	Path  string `koanf:"path"`
	Table string `koanf:"table"`
}

type CacheConfig struct {
	// Dir is the root of the on-disk caches: fetched documents and raw
	// conversion output live in subdirectories beneath it.
	Dir string `koanf:"dir"`
}

type RankingConfig struct {
	TopSections int `koanf:"top_sections"`
}

type ExtractionConfig struct {
	Model         string             `koanf:"model"`
	Temperature   float64            `koanf:"temperature"`
	MaxConcurrent int64              `koanf:"max_concurrent"`
	Pricing       extraction.Pricing `koanf:"pricing"`
}

// PromptConfig defines the scientific question under study: the question
// template, its input parameters, and the output features to extract.
type PromptConfig struct {
	ResearchQuestion     string                  `koanf:"research_question"`
	ResearchGoal         string                  `koanf:"research_goal"`
	InformationToExclude string                  `koanf:"information_to_exclude"`
	InputParameters      []schema.InputParameter `koanf:"input_parameters"`
	OutputFeatures       []schema.OutputFeature  `koanf:"output_features"`
	Examples             []extraction.Example    `koanf:"examples"`
}

type ProcessingConfig struct {
	OverwriteExisting bool `koanf:"overwrite_existing"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
}

type Config struct {
	Database   DatabaseConfig   `koanf:"database"`
	Cache      CacheConfig      `koanf:"cache"`
	Source     source.Config    `koanf:"source"`
	Ranking    RankingConfig    `koanf:"ranking"`
	Extraction ExtractionConfig `koanf:"extraction"`
	Prompt     PromptConfig     `koanf:"prompt"`
	Processing ProcessingConfig `koanf:"processing"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// Load reads the YAML file at path, applies LITMINE_* environment overrides,
// fills defaults, and validates. Configuration errors are fatal before any
// network or database work starts.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(content)
}

// Parse builds a Config from raw YAML content plus environment overrides.
func Parse(content []byte) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// LITMINE_DATABASE_TABLE -> database.table: first underscore separates
	// the section, the rest stays a single field name.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.applyDefaults()
	cfg.NormalizeTypes()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "litmine.db"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = ".litmine-cache"
	}
	if c.Ranking.TopSections <= 0 {
		c.Ranking.TopSections = 5
	}
	if c.Extraction.Model == "" {
		c.Extraction.Model = "gpt-4o-mini"
	}
	if c.Extraction.MaxConcurrent <= 0 {
		c.Extraction.MaxConcurrent = 5
	}
	if c.Extraction.Pricing == nil {
		c.Extraction.Pricing = extraction.DefaultPricing()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects configurations that would fail mid-run: identifiers that
// cannot become columns, parameters without values, features with broken
// types, and a question template whose placeholders do not line up with the
// parameters.
func (c *Config) Validate() error {
	if !schema.ValidIdentifier(c.Database.Table) {
		return fmt.Errorf("database.table %q is not a valid identifier", c.Database.Table)
	}

	if len(c.Prompt.InputParameters) == 0 {
		return fmt.Errorf("prompt.input_parameters must not be empty")
	}
	for _, p := range c.Prompt.InputParameters {
		if !schema.ValidIdentifier(p.Name) {
			return fmt.Errorf("input parameter %q is not a valid identifier", p.Name)
		}
		if len(p.Values) == 0 {
			return fmt.Errorf("input parameter %q has no values", p.Name)
		}
		for _, v := range p.Values {
			if v.Name == "" {
				return fmt.Errorf("input parameter %q has a value with no name", p.Name)
			}
		}
		if !strings.Contains(c.Prompt.ResearchQuestion, "{"+p.Name+"}") {
			return fmt.Errorf("prompt.research_question is missing the {%s} placeholder", p.Name)
		}
	}

	if len(c.Prompt.OutputFeatures) == 0 {
		return fmt.Errorf("prompt.output_features must not be empty")
	}
	for _, f := range c.Prompt.OutputFeatures {
		if !schema.ValidIdentifier(f.Name) {
			return fmt.Errorf("output feature %q is not a valid identifier", f.Name)
		}
		if _, err := schema.ParseFieldType(string(f.Type)); err != nil {
			return fmt.Errorf("output feature %q: %w", f.Name, err)
		}
		for _, ev := range f.AllowedValues {
			if ev.Name == "" {
				return fmt.Errorf("output feature %q has an allowed value with no name", f.Name)
			}
		}
	}

	if c.Prompt.ResearchQuestion == "" {
		return fmt.Errorf("prompt.research_question must not be empty")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q: choose from [debug, info, warn, error]", c.Logging.Level)
	}

	return nil
}

// NormalizeTypes fills in defaulted feature types after unmarshaling, so an
// omitted type means str exactly as in the configuration format.
func (c *Config) NormalizeTypes() {
	for i := range c.Prompt.OutputFeatures {
		t, err := schema.ParseFieldType(string(c.Prompt.OutputFeatures[i].Type))
		if err == nil {
			c.Prompt.OutputFeatures[i].Type = t
		}
	}
}
