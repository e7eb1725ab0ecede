// Package rule is the zero-cost enhancement path: deterministic titles and
// badges drawn from a data catalogue, no model calls, no I/O at decision
// time.
package rule

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Intensity is a duration bucket. MaxSeconds of 0 means unbounded.
type Intensity struct {
	Name       string   `yaml:"name"`
	MinSeconds int64    `yaml:"min_seconds"`
	MaxSeconds int64    `yaml:"max_seconds"`
	Prefixes   []string `yaml:"prefixes"`
}

// Category groups intents by keyword and owns a badge per intensity.
type Category struct {
	Name     string            `yaml:"name"`
	Keywords []string          `yaml:"keywords"`
	Nouns    []string          `yaml:"nouns"`
	Emojis   []string          `yaml:"emojis"`
	Badges   map[string]string `yaml:"badges"`
}

// JourneyBadge rewards a pulse whose emotion moved from From to To.
type JourneyBadge struct {
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Badge string `yaml:"badge"`
}

type Catalog struct {
	Intensities      []Intensity         `yaml:"intensities"`
	Categories       []Category          `yaml:"categories"`
	JourneyBadges    []JourneyBadge      `yaml:"journey_badges"`
	EmotionEmojis    map[string]string   `yaml:"emotion_emojis"`
	Adjectives       map[string][]string `yaml:"adjectives"`
	EmotionSentiment map[string]string   `yaml:"emotion_sentiment"`
}

// DefaultCatalog loads the embedded catalogue. A parse or closure failure is
// a build defect, so it panics.
func DefaultCatalog() *Catalog {
	c, err := parseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("rule: embedded catalog invalid: %v", err))
	}
	return c
}

// LoadCatalog reads a catalogue override from disk.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return parseCatalog(data)
}

func parseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// validate enforces closure: every (category, intensity) pair must resolve
// to a badge, every intensity must own a prefix, and a default category must
// exist. A hole here would surface as a runtime miss on some pulse.
func (c *Catalog) validate() error {
	if len(c.Intensities) == 0 {
		return fmt.Errorf("catalog: no intensities")
	}
	hasDefault := false
	for _, in := range c.Intensities {
		if len(in.Prefixes) == 0 {
			return fmt.Errorf("catalog: intensity %s has no prefixes", in.Name)
		}
	}
	for _, cat := range c.Categories {
		if cat.Name == "default" {
			hasDefault = true
		}
		if len(cat.Nouns) == 0 {
			return fmt.Errorf("catalog: category %s has no nouns", cat.Name)
		}
		if len(cat.Emojis) == 0 {
			return fmt.Errorf("catalog: category %s has no emojis", cat.Name)
		}
		for _, in := range c.Intensities {
			if cat.Badges[in.Name] == "" {
				return fmt.Errorf("catalog: category %s missing badge for intensity %s", cat.Name, in.Name)
			}
		}
	}
	if !hasDefault {
		return fmt.Errorf("catalog: no default category")
	}
	if len(c.Adjectives["neutral"]) == 0 {
		return fmt.Errorf("catalog: no neutral adjectives")
	}
	return nil
}

// intensityFor returns the bucket covering the duration, falling back to the
// first bucket for out-of-range values.
func (c *Catalog) intensityFor(seconds int64) Intensity {
	for _, in := range c.Intensities {
		if seconds >= in.MinSeconds && (in.MaxSeconds == 0 || seconds < in.MaxSeconds) {
			return in
		}
	}
	return c.Intensities[0]
}

// categoryFor keyword-matches the intent text, defaulting when nothing hits.
func (c *Catalog) categoryFor(intentWords []string) Category {
	var def Category
	for _, cat := range c.Categories {
		if cat.Name == "default" {
			def = cat
			continue
		}
		for _, kw := range cat.Keywords {
			for _, w := range intentWords {
				if w == kw || (len(w) > len(kw) && w[:len(kw)] == kw) {
					return cat
				}
			}
		}
	}
	return def
}
