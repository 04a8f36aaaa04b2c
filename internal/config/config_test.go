package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != dir {
		t.Fatalf("data dir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.Generation.DefaultCount != 4 {
		t.Fatalf("default count = %d, want 4", cfg.Generation.DefaultCount)
	}
	if cfg.Ranking.TopK != 3 {
		t.Fatalf("top_k = %d, want 3", cfg.Ranking.TopK)
	}
	if *cfg.Workspace.Cleanup != true {
		t.Fatalf("cleanup default should be true")
	}
}

func TestLoad_ParsesAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
generation:
  default_count: 6
  max_count: 10
  distribution:
    vanilla: 3
    minimal: 2
    adversarial: 1
ai:
  cost_ceiling_usd: 1.0
  concurrency: 8
ranking:
  top_k: 5
  weights:
    assertions: 0.5
    simplicity: 0.3
    readability: 0.1
    performance: 0.1
workspace:
  cleanup: false
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Generation.Distribution["vanilla"] != 3 {
		t.Fatalf("distribution vanilla = %d", cfg.Generation.Distribution["vanilla"])
	}
	if cfg.AI.CostCeilingUSD != 1.0 {
		t.Fatalf("cost ceiling = %v", cfg.AI.CostCeilingUSD)
	}
	if *cfg.Workspace.Cleanup {
		t.Fatalf("explicit cleanup=false should survive defaulting")
	}
}

func TestLoad_DefaultCountShapesDistribution(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
generation:
  default_count: 6
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	total := 0
	for _, n := range cfg.Generation.Distribution {
		total += n
	}
	if total != 6 {
		t.Fatalf("distribution sums to %d, want default_count 6: %v", total, cfg.Generation.Distribution)
	}
	if cfg.Generation.Distribution["vanilla"] != 4 {
		t.Fatalf("vanilla share = %d, want 4", cfg.Generation.Distribution["vanilla"])
	}

	small := defaultDistribution(1)
	if len(small) != 1 || small["vanilla"] != 1 {
		t.Fatalf("tiny count should be all vanilla: %v", small)
	}
}

func TestDefault_SpecStageTargetsReservedSuiteDir(t *testing.T) {
	cfg := Default(t.TempDir())
	argv := cfg.Verification.Stages.SpecTests.Argv
	joined := ""
	for _, a := range argv {
		joined += a + " "
	}
	if !strings.Contains(joined, "testdata/manifest_spec") {
		t.Fatalf("spec stage must name the reserved suite directory explicitly, got %v", argv)
	}
	for _, a := range cfg.Verification.Stages.UnitTests.Argv {
		if strings.Contains(a, "manifest_spec") {
			t.Fatalf("unit stage must not run the spec suite: %v", cfg.Verification.Stages.UnitTests.Argv)
		}
	}
}

func TestValidate_RejectsBadWeights(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Ranking.Weights = RankingWeights{Assertions: 0.9, Simplicity: 0.5}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("weights not summing to 1 must be rejected")
	}
}

func TestValidate_RejectsDistributionOverMax(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Generation.MaxCount = 2
	cfg.Generation.Distribution = map[string]int{"vanilla": 3}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("distribution above max_count must be rejected")
	}
}
