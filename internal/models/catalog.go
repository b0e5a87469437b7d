package models

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Names lists the known whisper models in ascending size order. The position
// in this list is the static "small-first" rank used by the scheduler when no
// better signal is available.
var Names = []string{"tiny", "base", "small", "medium", "large", "large-v2", "large-v3", "turbo"}

// baseMemoryGB holds the uncalibrated per-model footprint estimates in GB,
// measured against fp16 inference with default beam settings.
var baseMemoryGB = map[string]float64{
	"tiny":     1.0,
	"base":     1.0,
	"small":    2.0,
	"medium":   5.0,
	"large":    10.0,
	"large-v2": 10.0,
	"large-v3": 10.0,
	"turbo":    6.0,
}

// languages are the recognition languages the service accepts, plus "auto"
// for engine-side detection.
var languages = map[string]struct{}{
	"auto": {}, "zh": {}, "en": {}, "ja": {}, "ko": {}, "fr": {},
	"de": {}, "es": {}, "ru": {}, "ar": {}, "pt": {},
}

// Catalog answers model questions for admission and scheduling: is the name
// known, how much memory does it need before calibration, and where does it
// sit in the small-first ranking.
type Catalog struct {
	memory map[string]float64
	rank   map[string]int
}

type fileEntry struct {
	Name     string  `yaml:"name"`
	MemoryGB float64 `yaml:"memory_gb"`
}

type fileTable struct {
	Models []fileEntry `yaml:"models"`
}

// NewCatalog returns the built-in model table.
func NewCatalog() *Catalog {
	c := &Catalog{
		memory: make(map[string]float64, len(baseMemoryGB)),
		rank:   make(map[string]int, len(Names)),
	}
	for k, v := range baseMemoryGB {
		c.memory[k] = v
	}
	for i, name := range Names {
		c.rank[name] = i
	}
	return c
}

// LoadFromEnv returns the built-in catalog, with per-model memory overrides
// applied from the YAML file named by WHISPERD_MODEL_TABLE_FILE when set.
// Overrides may adjust known models only; unknown names are rejected so a
// typo does not silently create an unschedulable model.
func LoadFromEnv() (*Catalog, error) {
	c := NewCatalog()
	path := strings.TrimSpace(os.Getenv("WHISPERD_MODEL_TABLE_FILE"))
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model table file: %w", err)
	}
	var table fileTable
	if err := yaml.Unmarshal(b, &table); err != nil {
		return nil, fmt.Errorf("parse model table file: %w", err)
	}
	for _, e := range table.Models {
		name := strings.TrimSpace(e.Name)
		if _, ok := c.memory[name]; !ok {
			return nil, fmt.Errorf("model table file references unknown model %q", name)
		}
		if e.MemoryGB <= 0 {
			return nil, fmt.Errorf("model table file has non-positive memory_gb for %q", name)
		}
		c.memory[name] = e.MemoryGB
	}
	return c, nil
}

// Known reports whether name is a recognized model.
func (c *Catalog) Known(name string) bool {
	_, ok := c.memory[name]
	return ok
}

// BaseMemoryGB returns the uncalibrated footprint for a known model, or 0.
func (c *Catalog) BaseMemoryGB(name string) float64 {
	return c.memory[name]
}

// Rank returns the small-first position of a known model; unknown models sort last.
func (c *Catalog) Rank(name string) int {
	if r, ok := c.rank[name]; ok {
		return r
	}
	return len(Names)
}

// SmallestMemoryGB returns the smallest footprint in the table. The scheduler
// uses it to decide whether a GPU slot is worth iterating at all.
func (c *Catalog) SmallestMemoryGB() float64 {
	smallest := 0.0
	first := true
	for _, v := range c.memory {
		if first || v < smallest {
			smallest = v
			first = false
		}
	}
	return smallest
}

// SortedNames returns the known model names in small-first order.
func (c *Catalog) SortedNames() []string {
	out := make([]string, 0, len(c.memory))
	for name := range c.memory {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return c.Rank(out[i]) < c.Rank(out[j]) })
	return out
}

// SupportedLanguage reports whether code is an accepted language code.
// The empty string is treated as "auto".
func SupportedLanguage(code string) bool {
	if strings.TrimSpace(code) == "" {
		return true
	}
	_, ok := languages[strings.ToLower(strings.TrimSpace(code))]
	return ok
}

// NormalizeLanguage maps the empty string to "auto" and lowercases the rest.
func NormalizeLanguage(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return "auto"
	}
	return code
}
