package model

import (
	"strings"
	"testing"
)

func testSpec(t *testing.T) Specification {
	t.Helper()
	spec, err := NewSpecification("intent-1", 1, "add auth", []string{"auth/login.go"},
		[]Assertion{{ID: "a1", Description: "hashes passwords", Test: "TestHashesPasswords", Weight: 5}},
		"package auth_test\n", "type Authenticator interface{}",
		[]string{"auth/**", "cmd/server/main.go"}, []string{"migrations/**"}, nil)
	if err != nil {
		t.Fatalf("NewSpecification: %v", err)
	}
	return spec
}

func TestNewSpecification_RejectsEmptyAssertions(t *testing.T) {
	_, err := NewSpecification("intent-1", 1, "x", nil, nil, "", "", []string{"a/**"}, nil, nil)
	if !IsKind(err, ErrNoTestableConditions) {
		t.Fatalf("got %v, want no_testable_conditions", err)
	}
}

func TestNewSpecification_RejectsEmptyTest(t *testing.T) {
	_, err := NewSpecification("intent-1", 1, "x", nil,
		[]Assertion{{Description: "d", Test: "  ", Weight: 3}}, "", "", []string{"a/**"}, nil, nil)
	if !IsKind(err, ErrNoTestableConditions) {
		t.Fatalf("got %v, want no_testable_conditions", err)
	}
}

func TestNewSpecification_RejectsOverlappingPathSets(t *testing.T) {
	_, err := NewSpecification("intent-1", 1, "x", nil,
		[]Assertion{{Test: "TestX", Weight: 1}}, "", "",
		[]string{"auth/**", "shared.go"}, []string{"shared.go"}, nil)
	if !IsKind(err, ErrContradictoryConstraints) {
		t.Fatalf("got %v, want contradictory_constraints", err)
	}
}

func TestSpecID_StableForIdenticalInputs(t *testing.T) {
	a := testSpec(t)
	b := testSpec(t)
	if a.ID != b.ID {
		t.Fatalf("spec ids differ for identical inputs: %s vs %s", a.ID, b.ID)
	}
	c, err := NewSpecification("intent-1", 1, "add auth", []string{"auth/other.go"},
		a.Assertions, a.TestSuite, a.TypeContract, a.MayTouch, a.MustNotTouch, nil)
	if err != nil {
		t.Fatalf("NewSpecification: %v", err)
	}
	if c.ID == a.ID {
		t.Fatalf("spec id did not change when relevant files changed")
	}
}

func TestPathAllowed(t *testing.T) {
	spec := testSpec(t)
	if !spec.PathAllowed("auth/login.go") {
		t.Fatalf("auth/login.go should be allowed")
	}
	if !spec.PathAllowed("auth/sub/session.go") {
		t.Fatalf("nested path under auth/** should be allowed")
	}
	if spec.PathAllowed("migrations/0001_init.sql") {
		t.Fatalf("must_not_touch path should be rejected")
	}
	if spec.PathAllowed("unrelated/file.go") {
		t.Fatalf("path outside may_touch should be rejected")
	}
}

func TestNewAttempt_ValidatesPaths(t *testing.T) {
	spec := testSpec(t)
	_, err := NewAttempt(spec, StrategyVanilla,
		[]FileChange{{Path: "migrations/0001.sql", Action: ActionModify, Content: "x"}}, "", 0.5)
	if err == nil || !strings.Contains(err.Error(), "not permitted") {
		t.Fatalf("got %v, want path rejection", err)
	}
	_, err = NewAttempt(spec, StrategyVanilla,
		[]FileChange{{Path: "../escape.go", Action: ActionCreate, Content: "x"}}, "", 0.5)
	if err == nil {
		t.Fatalf("expected rejection of path escaping project root")
	}
}

func TestNewAttempt_ContentActionPairing(t *testing.T) {
	spec := testSpec(t)
	_, err := NewAttempt(spec, StrategyVanilla,
		[]FileChange{{Path: "auth/login.go", Action: ActionDelete, Content: "leftover"}}, "", 0.5)
	if err == nil {
		t.Fatalf("delete with content should be rejected")
	}
	_, err = NewAttempt(spec, StrategyVanilla,
		[]FileChange{{Path: "auth/login.go", Action: ActionCreate}}, "", 0.5)
	if err == nil {
		t.Fatalf("create without content should be rejected")
	}
}

func TestHashChanges_DedupSemantics(t *testing.T) {
	a := []FileChange{{Path: "auth/a.go", Action: ActionCreate, Content: "package auth\n"}}
	b := []FileChange{{Path: "auth/a.go", Action: ActionCreate, Content: "package auth\n"}}
	if HashChanges(a) != HashChanges(b) {
		t.Fatalf("identical change lists must hash equal")
	}
	c := []FileChange{{Path: "auth/a.go", Action: ActionCreate, Content: "package auth // v2\n"}}
	if HashChanges(a) == HashChanges(c) {
		t.Fatalf("differing content must hash differently")
	}
}

func TestNewVerification_PassedIsConjunctionOfStages(t *testing.T) {
	stages := []CheckResult{
		{Stage: StageTypecheck, Passed: true},
		{Stage: StageLint, Passed: true},
		{Stage: StageUnitTests, Passed: false, Errors: []string{"TestLogin failed"}},
	}
	v, err := NewVerification("att-1", stages, 1, 3, 0)
	if err != nil {
		t.Fatalf("NewVerification: %v", err)
	}
	if v.Passed {
		t.Fatalf("verification with a failed stage must not pass")
	}
	if v.FirstFailure != "unit_tests: TestLogin failed" {
		t.Fatalf("first failure = %q", v.FirstFailure)
	}
}

func TestNewVerification_PassedRequiresFullAssertions(t *testing.T) {
	stages := []CheckResult{{Stage: StageTypecheck, Passed: true}, {Stage: StageSpecTests, Passed: true}}
	if _, err := NewVerification("att-1", stages, 2, 3, 0); err == nil {
		t.Fatalf("passed verification with partial assertions must be rejected")
	}
	v, err := NewVerification("att-1", stages, 3, 3, 0)
	if err != nil {
		t.Fatalf("NewVerification: %v", err)
	}
	if !v.Passed {
		t.Fatalf("all stages passed, verification should pass")
	}
}

func TestNewSurvivor_RequiresPassedVerification(t *testing.T) {
	spec := testSpec(t)
	att, err := NewAttempt(spec, StrategyMinimal,
		[]FileChange{{Path: "auth/login.go", Action: ActionCreate, Content: "package auth\n"}}, "", 0.8)
	if err != nil {
		t.Fatalf("NewAttempt: %v", err)
	}
	failed, err := NewVerification(att.ID, []CheckResult{{Stage: StageLint, Passed: false}}, 0, 1, 0)
	if err != nil {
		t.Fatalf("NewVerification: %v", err)
	}
	if _, err := NewSurvivor(att, failed, 1, ScoreCard{}); err == nil {
		t.Fatalf("survivor from failed verification must be rejected")
	}
}

func TestNewJudgment_DecisionPayloadPairing(t *testing.T) {
	if _, err := NewJudgment("i1", DecisionAccept, "", "", ""); err == nil {
		t.Fatalf("accept without survivor must be rejected")
	}
	if _, err := NewJudgment("i1", DecisionRefine, "", "", ""); err == nil {
		t.Fatalf("refine without text must be rejected")
	}
	if _, err := NewJudgment("i1", DecisionRedirect, "", "", ""); err == nil {
		t.Fatalf("redirect without text must be rejected")
	}
	if _, err := NewJudgment("i1", DecisionAbort, "", "", ""); err != nil {
		t.Fatalf("abort needs no payload: %v", err)
	}
}

func TestIntent_AdvanceMonotonic(t *testing.T) {
	in, err := NewIntent("s1", "add rate limiting")
	if err != nil {
		t.Fatalf("NewIntent: %v", err)
	}
	for _, st := range []IntentStatus{IntentCompiling, IntentGenerating, IntentVerifying, IntentRanking, IntentJudging} {
		if err := in.AdvanceTo(st); err != nil {
			t.Fatalf("advance to %s: %v", st, err)
		}
	}
	// Refine re-enters compiling from judging.
	if err := in.AdvanceTo(IntentCompiling); err != nil {
		t.Fatalf("refine restart: %v", err)
	}
	if err := in.AdvanceTo(IntentParsing); err == nil {
		t.Fatalf("backward jump to parsing must be rejected")
	}
	if err := in.AdvanceTo(IntentComplete); err != nil {
		t.Fatalf("terminal transition: %v", err)
	}
	if err := in.AdvanceTo(IntentJudging); err == nil {
		t.Fatalf("transitions out of a terminal state must be rejected")
	}
}

func TestNewIntent_RejectsEmptyMessage(t *testing.T) {
	_, err := NewIntent("s1", "   ")
	if !IsKind(err, ErrEmptyMessage) {
		t.Fatalf("got %v, want empty_message", err)
	}
}

func TestAttempt_TotalLines(t *testing.T) {
	a := Attempt{Changes: []FileChange{
		{Path: "a.go", Action: ActionCreate, Content: "line1\nline2\n"},
		{Path: "b.go", Action: ActionCreate, Content: "only"},
		{Path: "c.go", Action: ActionDelete},
	}}
	if got := a.TotalLines(); got != 3 {
		t.Fatalf("TotalLines = %d, want 3", got)
	}
}
