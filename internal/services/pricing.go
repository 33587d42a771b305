package services

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// PriceCatalog maps model names to the credits charged per task.
type PriceCatalog struct {
	DefaultCredits int64            `yaml:"default_credits"`
	Models         map[string]int64 `yaml:"models"`
}

var modelFold = cases.Fold()

// canonicalModel folds case and surrounding whitespace so that catalog
// lookups and stored task models agree on one spelling.
func canonicalModel(name string) string {
	return modelFold.String(strings.TrimSpace(name))
}

// NewPriceCatalog builds a catalog from a fixed price map.
func NewPriceCatalog(defaultCredits int64, models map[string]int64) *PriceCatalog {
	c := &PriceCatalog{DefaultCredits: defaultCredits, Models: make(map[string]int64, len(models))}
	for k, v := range models {
		c.Models[canonicalModel(k)] = v
	}
	return c
}

// LoadPriceCatalog reads a YAML catalog. Environment variables of the form
// ${VAR} are expanded before parsing. defaultCredits applies when the file
// does not set default_credits.
//
//	default_credits: 10
//	models:
//	  image-basic: 4
//	  video-hd: 40
func LoadPriceCatalog(path string, defaultCredits int64) (*PriceCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: read catalog: %w", err)
	}

	var raw PriceCatalog
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &raw); err != nil {
		return nil, fmt.Errorf("pricing: parse catalog: %w", err)
	}
	if raw.DefaultCredits == 0 {
		raw.DefaultCredits = defaultCredits
	}
	c := NewPriceCatalog(raw.DefaultCredits, raw.Models)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that every configured price is positive.
func (c *PriceCatalog) Validate() error {
	if c.DefaultCredits < 0 {
		return fmt.Errorf("pricing: default_credits must be >= 0")
	}
	for m, v := range c.Models {
		if m == "" {
			return fmt.Errorf("pricing: empty model name")
		}
		if v <= 0 {
			return fmt.Errorf("pricing: model %q: credits must be > 0", m)
		}
	}
	return nil
}

// Price returns the credits charged for model. Models absent from the
// catalog cost DefaultCredits; ok is false when that is zero, meaning the
// model is not offered.
func (c *PriceCatalog) Price(model string) (int64, bool) {
	if c == nil {
		return 0, false
	}
	if v, ok := c.Models[canonicalModel(model)]; ok {
		return v, true
	}
	return c.DefaultCredits, c.DefaultCredits > 0
}
