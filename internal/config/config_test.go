package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, key := range []string{"OPENAI_API_KEY", "GEMINI_API_KEY", "PANELSIM_EMBEDDING_API_KEY", "PANELSIM_ADDR", "PANELSIM_JWT_SECRET", "PANELSIM_DB"} {
		t.Setenv(key, "")
	}
	path := filepath.Join(t.TempDir(), "panelsim.yaml")

	want := DefaultConfig()
	want.Server.Addr = ":9090"
	want.LLM.Provider = "gemini"
	want.Credit.Rates = map[string]Rate{"gpt-4.1": {InputPer1K: 1, OutputPer1K: 4}}
	if err := want.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Fatalf("LLM.Model = %q, want default gpt-4o-mini", cfg.LLM.Model)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
	if got := cfg.GetLLMTimeout(); got != 120*time.Second {
		t.Fatalf("GetLLMTimeout = %v, want 120s", got)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "panelsim.yaml")
	body := `
llm:
  model: gpt-4.1
  timeout: 45s
credit:
  expected_output_tokens: 500
  rates:
    gpt-4.1:
      input: 1.0
      output: 4.0
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("PANELSIM_DB", filepath.Join(dir, "custom.db"))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "gpt-4.1" {
		t.Fatalf("LLM.Model = %q, want gpt-4.1", cfg.LLM.Model)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("LLM.APIKey = %q, want env override", cfg.LLM.APIKey)
	}
	if cfg.Embedding.APIKey != "sk-test" {
		t.Fatalf("Embedding.APIKey = %q, want shared key", cfg.Embedding.APIKey)
	}
	if cfg.Store.DatabasePath != filepath.Join(dir, "custom.db") {
		t.Fatalf("Store.DatabasePath = %q, want env override", cfg.Store.DatabasePath)
	}
	if got := cfg.GetLLMTimeout(); got != 45*time.Second {
		t.Fatalf("GetLLMTimeout = %v, want 45s", got)
	}
	if r, ok := cfg.Credit.Rates["gpt-4.1"]; !ok || r.InputPer1K != 1.0 || r.OutputPer1K != 4.0 {
		t.Fatalf("Credit.Rates[gpt-4.1] = %+v, want {1, 4}", r)
	}
}

func TestParseDuration_BadValueFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retrieval.Timeout = "not-a-duration"
	if got := cfg.GetRetrievalTimeout(); got != 10*time.Second {
		t.Fatalf("GetRetrievalTimeout = %v, want fallback 10s", got)
	}
}
