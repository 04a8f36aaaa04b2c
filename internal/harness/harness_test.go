package harness

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lprior-repo/manifest/internal/config"
	"github.com/lprior-repo/manifest/internal/model"
	"github.com/lprior-repo/manifest/internal/workspace"
)

func okStage() StageSpec {
	return StageSpec{Argv: []string{"true"}, Timeout: 5 * time.Second}
}

func failStage(msg string) StageSpec {
	return StageSpec{Argv: []string{"sh", "-c", "echo '" + msg + "'; exit 1"}, Timeout: 5 * time.Second}
}

func testSpec(t *testing.T) model.Specification {
	t.Helper()
	spec, err := model.NewSpecification("intent-1", 1, "add auth", []string{"auth/handler.go"},
		[]model.Assertion{
			{ID: "a1", Description: "login works", Test: "TestLogin", Weight: 5},
			{ID: "a2", Description: "bcrypt used", Test: "TestBcrypt", Weight: 8},
		},
		"package auth\n\nfunc TestLogin(t *testing.T) {}\n", "",
		[]string{"auth/**"}, []string{"migrations/**"}, nil)
	if err != nil {
		t.Fatalf("NewSpecification: %v", err)
	}
	return spec
}

func testAttempt(t *testing.T, spec model.Specification) model.Attempt {
	t.Helper()
	att, err := model.NewAttempt(spec, model.StrategyVanilla,
		[]model.FileChange{{Path: "auth/login.go", Action: model.ActionCreate, Content: "package auth\n"}},
		"direct", 0.8)
	if err != nil {
		t.Fatalf("NewAttempt: %v", err)
	}
	return att
}

func seedProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return dir
}

func newHarness(t *testing.T, cfg Config) *Harness {
	t.Helper()
	ws, err := workspace.NewManager(filepath.Join(t.TempDir(), "workspaces"), workspace.Options{Cleanup: true}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return New(cfg, ws, nil)
}

func TestVerifyAllStagesPass(t *testing.T) {
	h := newHarness(t, Config{Typecheck: okStage(), Lint: okStage(), UnitTests: okStage(), SpecTests: okStage()})
	spec := testSpec(t)

	ver, err := h.Verify(context.Background(), seedProject(t), spec, testAttempt(t, spec))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ver.Passed {
		t.Fatalf("verification failed: %+v", ver)
	}
	if ver.AssertionsPassed != 2 || ver.AssertionsTotal != 2 {
		t.Fatalf("assertions %d/%d, want 2/2", ver.AssertionsPassed, ver.AssertionsTotal)
	}
	if len(ver.Stages) != 4 {
		t.Fatalf("stages = %d, want 4", len(ver.Stages))
	}
}

func TestVerifyShortCircuitsOnTypecheckFailure(t *testing.T) {
	h := newHarness(t, Config{
		Typecheck: failStage("auth/login.go:3: undefined: bcrypt"),
		Lint:      okStage(), UnitTests: okStage(), SpecTests: okStage(),
	})
	spec := testSpec(t)

	ver, err := h.Verify(context.Background(), seedProject(t), spec, testAttempt(t, spec))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ver.Passed {
		t.Fatalf("expected failure")
	}
	if ver.FirstFailure != "typecheck: auth/login.go:3: undefined: bcrypt" {
		t.Fatalf("first failure = %q", ver.FirstFailure)
	}
	for _, st := range ver.Stages[1:] {
		if !st.Skipped {
			t.Fatalf("stage %s ran after a hard failure", st.Stage)
		}
	}
	if ver.AssertionsPassed != 0 {
		t.Fatalf("assertions passed = %d, want 0", ver.AssertionsPassed)
	}
}

func TestVerifyWritesSpecSuiteAtReservedPath(t *testing.T) {
	check := StageSpec{
		Argv:    []string{"sh", "-c", "test -s " + SpecTestDir + "/" + SpecTestFile},
		Timeout: 5 * time.Second,
	}
	h := newHarness(t, Config{Typecheck: check, Lint: okStage(), UnitTests: okStage(), SpecTests: okStage()})
	spec := testSpec(t)

	ver, err := h.Verify(context.Background(), seedProject(t), spec, testAttempt(t, spec))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ver.Passed {
		t.Fatalf("spec suite missing at reserved path: %+v", ver.Stages[0])
	}
}

func TestVerifyFlakyStagePassesOnMajority(t *testing.T) {
	// Fails once, then passes: with two retries that is 2 of 3 runs passing.
	flaky := StageSpec{
		Argv:    []string{"sh", "-c", "test -f flaky-marker && exit 0; touch flaky-marker; exit 1"},
		Timeout: 5 * time.Second,
	}
	h := newHarness(t, Config{
		Typecheck: okStage(), Lint: okStage(), UnitTests: flaky, SpecTests: okStage(),
		FlakyRetries: 2,
	})
	spec := testSpec(t)

	ver, err := h.Verify(context.Background(), seedProject(t), spec, testAttempt(t, spec))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ver.Passed {
		t.Fatalf("flaky stage should pass on 2/3 majority: %+v", ver)
	}
}

func TestVerifyFlakyStageFailsWithoutMajority(t *testing.T) {
	h := newHarness(t, Config{
		Typecheck: okStage(), Lint: okStage(),
		UnitTests: failStage("TestLogin failed"), SpecTests: okStage(),
		FlakyRetries: 2,
	})
	spec := testSpec(t)

	ver, err := h.Verify(context.Background(), seedProject(t), spec, testAttempt(t, spec))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ver.Passed {
		t.Fatalf("consistently failing stage must fail")
	}
}

func TestVerifyParsesAssertionCountsFromSpecOutput(t *testing.T) {
	specStage := StageSpec{
		Argv:    []string{"sh", "-c", "echo '--- PASS: TestLogin'; echo '--- FAIL: TestBcrypt'; exit 1"},
		Timeout: 5 * time.Second,
	}
	h := newHarness(t, Config{Typecheck: okStage(), Lint: okStage(), UnitTests: okStage(), SpecTests: specStage})
	spec := testSpec(t)

	ver, err := h.Verify(context.Background(), seedProject(t), spec, testAttempt(t, spec))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ver.Passed {
		t.Fatalf("expected spec stage failure")
	}
	if ver.AssertionsPassed != 1 || ver.AssertionsTotal != 2 {
		t.Fatalf("assertions %d/%d, want 1/2", ver.AssertionsPassed, ver.AssertionsTotal)
	}
}

func TestVerifyParsesTAPStyleSpecOutput(t *testing.T) {
	specStage := StageSpec{
		Argv:    []string{"sh", "-c", "echo 'ok 1 - TestLogin'; echo 'not ok 2 - TestBcrypt'; exit 1"},
		Timeout: 5 * time.Second,
	}
	h := newHarness(t, Config{Typecheck: okStage(), Lint: okStage(), UnitTests: okStage(), SpecTests: specStage})
	spec := testSpec(t)

	ver, err := h.Verify(context.Background(), seedProject(t), spec, testAttempt(t, spec))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ver.AssertionsPassed != 1 || ver.AssertionsTotal != 2 {
		t.Fatalf("assertions %d/%d, want 1/2", ver.AssertionsPassed, ver.AssertionsTotal)
	}
}

func TestVerifyStageTimeoutMarksFailure(t *testing.T) {
	slow := StageSpec{Argv: []string{"sh", "-c", "sleep 30"}, Timeout: 200 * time.Millisecond}
	h := newHarness(t, Config{Typecheck: slow, Lint: okStage(), UnitTests: okStage(), SpecTests: okStage()})
	spec := testSpec(t)

	ver, err := h.Verify(context.Background(), seedProject(t), spec, testAttempt(t, spec))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ver.Passed {
		t.Fatalf("timed-out stage must fail")
	}
	if ver.FirstFailure != "typecheck: timed out" {
		t.Fatalf("first failure = %q", ver.FirstFailure)
	}
}

// defaultHarness builds a harness with the shipped stage commands, untouched.
func defaultHarness(t *testing.T) *Harness {
	t.Helper()
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go tool not on PATH")
	}
	cfg := config.Default(t.TempDir())
	stage := func(c config.StageCommand) StageSpec {
		return StageSpec{Argv: c.Argv, Timeout: c.Timeout()}
	}
	return newHarness(t, Config{
		Typecheck: stage(cfg.Verification.Stages.Typecheck),
		Lint:      stage(cfg.Verification.Stages.Lint),
		UnitTests: stage(cfg.Verification.Stages.UnitTests),
		SpecTests: stage(cfg.Verification.Stages.SpecTests),
	})
}

// realGoProject seeds a compilable module so the default go-based stage
// commands run for real.
func realGoProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"go.mod":  "module sandbox.example/app\n\ngo 1.21\n",
		"main.go": "package main\n\nfunc main() {}\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func realSpec(t *testing.T, suite string) model.Specification {
	t.Helper()
	spec, err := model.NewSpecification("intent-1", 1, "add auth", []string{"main.go"},
		[]model.Assertion{{ID: "a1", Description: "empty password rejected", Test: "TestLoginRejectsEmptyPassword", Weight: 5}},
		suite, "", []string{"auth/**"}, []string{"migrations/**"}, nil)
	if err != nil {
		t.Fatalf("NewSpecification: %v", err)
	}
	return spec
}

func TestVerifyDefaultStagesFailingSuiteFails(t *testing.T) {
	h := defaultHarness(t)
	spec := realSpec(t, "package acceptance\n\nimport \"testing\"\n\nfunc TestLoginRejectsEmptyPassword(t *testing.T) {\n\tt.Fatal(\"empty password accepted\")\n}\n")

	ver, err := h.Verify(context.Background(), realGoProject(t), spec, testAttempt(t, spec))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ver.Passed {
		t.Fatalf("suite failure must fail verification: %+v", ver)
	}
	if ver.AssertionsPassed != 0 || ver.AssertionsTotal != 1 {
		t.Fatalf("assertions %d/%d, want 0/1", ver.AssertionsPassed, ver.AssertionsTotal)
	}
	if !strings.Contains(ver.FirstFailure, "spec_tests") {
		t.Fatalf("first failure should name the spec stage: %q", ver.FirstFailure)
	}
}

func TestVerifyDefaultStagesPassingSuitePasses(t *testing.T) {
	h := defaultHarness(t)
	spec := realSpec(t, "package acceptance\n\nimport \"testing\"\n\nfunc TestLoginRejectsEmptyPassword(t *testing.T) {}\n")

	ver, err := h.Verify(context.Background(), realGoProject(t), spec, testAttempt(t, spec))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ver.Passed {
		t.Fatalf("verification failed: %+v", ver)
	}
	if ver.AssertionsPassed != 1 || ver.AssertionsTotal != 1 {
		t.Fatalf("assertions %d/%d, want 1/1", ver.AssertionsPassed, ver.AssertionsTotal)
	}
}

func TestVerifyBatchIsolatesAttempts(t *testing.T) {
	h := newHarness(t, Config{
		Typecheck: okStage(), Lint: okStage(), UnitTests: okStage(), SpecTests: okStage(),
		Concurrency: 2,
	})
	spec := testSpec(t)
	a := testAttempt(t, spec)
	b, err := model.NewAttempt(spec, model.StrategyMinimal,
		[]model.FileChange{{Path: "auth/login.go", Action: model.ActionCreate, Content: "package auth // b\n"}},
		"smaller", 0.6)
	if err != nil {
		t.Fatalf("NewAttempt: %v", err)
	}

	out, err := h.VerifyBatch(context.Background(), seedProject(t), spec, []model.Attempt{a, b})
	if err != nil {
		t.Fatalf("VerifyBatch: %v", err)
	}
	if len(out) != 2 || !out[a.ID].Passed || !out[b.ID].Passed {
		t.Fatalf("batch results = %+v", out)
	}
}
