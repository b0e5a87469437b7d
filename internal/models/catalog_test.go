package models

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCatalogKnownAndRanking(t *testing.T) {
	c := NewCatalog()
	if !c.Known("base") || !c.Known("large-v3") {
		t.Fatalf("expected built-in models to be known")
	}
	if c.Known("gigantic") {
		t.Fatalf("unexpected unknown model accepted")
	}
	if c.Rank("tiny") >= c.Rank("turbo") {
		t.Fatalf("tiny must rank before turbo")
	}
	names := c.SortedNames()
	if names[0] != "tiny" || names[len(names)-1] != "turbo" {
		t.Fatalf("unexpected small-first order: %v", names)
	}
	if got := c.SmallestMemoryGB(); got != 1.0 {
		t.Fatalf("expected smallest footprint 1.0, got %g", got)
	}
}

func TestCatalogFileOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.yaml")
	body := "models:\n  - name: turbo\n    memory_gb: 4.5\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write table: %v", err)
	}
	t.Setenv("WHISPERD_MODEL_TABLE_FILE", path)

	c, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := c.BaseMemoryGB("turbo"); got != 4.5 {
		t.Fatalf("expected override 4.5, got %g", got)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("models:\n  - name: nope\n    memory_gb: 1\n"), 0o644); err != nil {
		t.Fatalf("write bad table: %v", err)
	}
	t.Setenv("WHISPERD_MODEL_TABLE_FILE", bad)
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected rejection of unknown model override")
	}
}

func TestLanguageHelpers(t *testing.T) {
	if !SupportedLanguage("auto") || !SupportedLanguage("EN") || !SupportedLanguage("") {
		t.Fatalf("expected auto/en/empty to be supported")
	}
	if SupportedLanguage("xx") {
		t.Fatalf("unexpected language accepted")
	}
	if NormalizeLanguage("") != "auto" || NormalizeLanguage(" ZH ") != "zh" {
		t.Fatalf("normalize failed")
	}
}
