package apis

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "api-config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
  "apis": [
    {"category": "Sports", "name": "sportsdb", "baseUrl": "https://api.example.com/sports",
     "docsFile": "sports.md", "freeApiKey": "free-123",
     "defaultParams": {"league": "epl"}},
    {"category": "news", "name": "newsapi", "baseUrl": "https://api.example.com/news",
     "docsFile": "news.md", "apiKeyEnvVar": "NEWS_API_KEY", "apiKeyRequired": true}
  ]
}`)

	reg, err := Load([]string{filepath.Join(dir, "missing.json"), path}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !reg.Has("sports") || !reg.Has("SPORTS") || !reg.Has(" Sports ") {
		t.Fatal("category lookup must be case-insensitive and trimmed")
	}
	if reg.Has("weather") {
		t.Fatal("unconfigured category should be absent")
	}

	api, ok := reg.Lookup("news")
	if !ok {
		t.Fatal("news capability missing")
	}
	if api.Name != "newsapi" || !api.APIKeyRequired {
		t.Fatalf("news capability wrong: %+v", api)
	}
}

func TestLoadAllCandidatesMissing(t *testing.T) {
	dir := t.TempDir()
	reg, err := Load([]string{filepath.Join(dir, "a.json"), filepath.Join(dir, "b.json")}, nil)
	if err != nil {
		t.Fatalf("Load with missing candidates should yield empty registry, got %v", err)
	}
	if len(reg.Categories()) != 0 {
		t.Fatalf("expected no categories, got %v", reg.Categories())
	}
}

func TestDocsCandidateDirs(t *testing.T) {
	configDir := t.TempDir()
	docsA := t.TempDir()
	docsB := t.TempDir()
	path := writeConfig(t, configDir, `{"apis":[{"category":"sports","name":"s","baseUrl":"u","docsFile":"sports.md"}]}`)
	if err := os.WriteFile(filepath.Join(docsB, "sports.md"), []byte("endpoint docs"), 0o644); err != nil {
		t.Fatalf("write docs: %v", err)
	}

	reg, err := Load([]string{path}, []string{docsA, docsB})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	api, _ := reg.Lookup("sports")

	docs, err := reg.Docs(api)
	if err != nil {
		t.Fatalf("Docs: %v", err)
	}
	if docs != "endpoint docs" {
		t.Fatalf("docs = %q", docs)
	}

	api.DocsFile = "absent.md"
	if _, err := reg.Docs(api); err == nil {
		t.Fatal("expected error when docs file missing everywhere")
	}
}

func TestResolveKey(t *testing.T) {
	reg := &Registry{apis: map[string]API{}}

	t.Setenv("TEST_SPORTS_KEY", "env-key")
	key, err := reg.ResolveKey(API{APIKeyEnvVar: "TEST_SPORTS_KEY", FreeAPIKey: "free"})
	if err != nil || key != "env-key" {
		t.Fatalf("env key should win, got (%q, %v)", key, err)
	}

	key, err = reg.ResolveKey(API{APIKeyEnvVar: "TEST_UNSET_KEY_XYZ", FreeAPIKey: "free"})
	if err != nil || key != "free" {
		t.Fatalf("free key fallback, got (%q, %v)", key, err)
	}

	if _, err := reg.ResolveKey(API{APIKeyEnvVar: "TEST_UNSET_KEY_XYZ", APIKeyRequired: true}); err == nil {
		t.Fatal("mandatory key with no source must error")
	}

	key, err = reg.ResolveKey(API{})
	if err != nil || key != "" {
		t.Fatalf("optional key absent should be empty, got (%q, %v)", key, err)
	}
}
