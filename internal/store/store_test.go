package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lprior-repo/manifest/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "manifest.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSpec(t *testing.T) model.Specification {
	t.Helper()
	assertions := []model.Assertion{
		{ID: "a1", Description: "login works", Test: "TestLogin", Weight: 5},
		{ID: "a2", Description: "bcrypt used", Test: "TestBcrypt", Weight: 8},
	}
	spec, err := model.NewSpecification("intent-1", 1, "add auth", []string{"auth/login.go"},
		assertions, "suite", "contract", []string{"auth/**"}, []string{"migrations/**"}, []string{"handler pattern"})
	if err != nil {
		t.Fatalf("NewSpecification: %v", err)
	}
	return spec
}

func TestIntentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in, err := model.NewIntent("sess-1", "add email/password authentication")
	if err != nil {
		t.Fatalf("NewIntent: %v", err)
	}
	in.Parsed = model.ParsedIntent{
		Core:     "add email/password authentication",
		Must:     []string{"use bcrypt"},
		MustNot:  []string{"touch migrations"},
		DoneWhen: []string{"login endpoint returns 200"},
	}
	if err := s.SaveIntent(ctx, in); err != nil {
		t.Fatalf("SaveIntent: %v", err)
	}
	got, err := s.GetIntent(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetIntent: %v", err)
	}
	if got.Raw != in.Raw || got.SessionID != in.SessionID || got.Status != model.IntentParsing {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Parsed.Must) != 1 || got.Parsed.Must[0] != "use bcrypt" {
		t.Fatalf("parsed form lost: %+v", got.Parsed)
	}
	if !got.CreatedAt.Equal(in.CreatedAt) {
		t.Fatalf("created_at drifted: %v vs %v", got.CreatedAt, in.CreatedAt)
	}
}

func TestUpdateIntentStatusAndUnfinishedList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, _ := model.NewIntent("sess-1", "first")
	b, _ := model.NewIntent("sess-1", "second")
	for _, in := range []model.Intent{a, b} {
		if err := s.SaveIntent(ctx, in); err != nil {
			t.Fatalf("SaveIntent: %v", err)
		}
	}
	if err := s.UpdateIntentStatus(ctx, a.ID, model.IntentComplete); err != nil {
		t.Fatalf("UpdateIntentStatus: %v", err)
	}
	open, err := s.ListUnfinishedIntents(ctx)
	if err != nil {
		t.Fatalf("ListUnfinishedIntents: %v", err)
	}
	if len(open) != 1 || open[0].ID != b.ID {
		t.Fatalf("unfinished = %+v, want only %s", open, b.ID)
	}
}

func TestSpecVersionsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v1 := seedSpec(t)
	if err := s.SaveSpec(ctx, v1); err != nil {
		t.Fatalf("SaveSpec: %v", err)
	}
	v2 := v1
	v2.Version = 2
	if err := s.SaveSpec(ctx, v2); err != nil {
		t.Fatalf("SaveSpec v2: %v", err)
	}

	got, err := s.GetSpec(ctx, v1.ID, 1)
	if err != nil {
		t.Fatalf("GetSpec: %v", err)
	}
	if len(got.Assertions) != 2 || got.Assertions[1].Weight != 8 {
		t.Fatalf("assertions lost: %+v", got.Assertions)
	}
	latest, err := s.LatestSpecForIntent(ctx, "intent-1")
	if err != nil {
		t.Fatalf("LatestSpecForIntent: %v", err)
	}
	if latest.Version != 2 {
		t.Fatalf("latest version = %d, want 2", latest.Version)
	}
}

func TestAttemptVerificationSurvivorLineage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	spec := seedSpec(t)
	att, err := model.NewAttempt(spec, model.StrategyMinimal,
		[]model.FileChange{{Path: "auth/login.go", Action: model.ActionCreate, Content: "package auth\n"}},
		"small direct change", 0.7)
	if err != nil {
		t.Fatalf("NewAttempt: %v", err)
	}
	if err := s.SaveAttempt(ctx, att); err != nil {
		t.Fatalf("SaveAttempt: %v", err)
	}

	ver, err := model.NewVerification(att.ID, []model.CheckResult{
		{Stage: model.StageTypecheck, Passed: true},
		{Stage: model.StageLint, Passed: true},
		{Stage: model.StageUnitTests, Passed: true},
		{Stage: model.StageSpecTests, Passed: true},
	}, 2, 2, 0)
	if err != nil {
		t.Fatalf("NewVerification: %v", err)
	}
	if err := s.SaveVerification(ctx, ver); err != nil {
		t.Fatalf("SaveVerification: %v", err)
	}

	sv, err := model.NewSurvivor(att, ver, 1, model.ScoreCard{Assertions: 1, Overall: 0.9})
	if err != nil {
		t.Fatalf("NewSurvivor: %v", err)
	}
	if err := s.SaveSurvivor(ctx, "intent-1", sv); err != nil {
		t.Fatalf("SaveSurvivor: %v", err)
	}

	gotAtt, err := s.GetAttempt(ctx, att.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if gotAtt.ContentHash != att.ContentHash || gotAtt.Strategy != model.StrategyMinimal {
		t.Fatalf("attempt round trip mismatch: %+v", gotAtt)
	}
	gotVer, err := s.LatestVerificationForAttempt(ctx, att.ID)
	if err != nil {
		t.Fatalf("LatestVerificationForAttempt: %v", err)
	}
	if !gotVer.Passed || len(gotVer.Stages) != 4 {
		t.Fatalf("verification round trip mismatch: %+v", gotVer)
	}

	survivors, err := s.ListSurvivorsByIntent(ctx, "intent-1")
	if err != nil {
		t.Fatalf("ListSurvivorsByIntent: %v", err)
	}
	if len(survivors) != 1 || survivors[0].Rank != 1 || survivors[0].Presented {
		t.Fatalf("survivors = %+v", survivors)
	}
	if err := s.MarkSurvivorPresented(ctx, sv.ID); err != nil {
		t.Fatalf("MarkSurvivorPresented: %v", err)
	}
	got, err := s.GetSurvivor(ctx, sv.ID)
	if err != nil {
		t.Fatalf("GetSurvivor: %v", err)
	}
	if !got.Presented {
		t.Fatalf("presented flag not persisted")
	}

	vers, err := s.ListVerificationsBySpec(ctx, spec.ID, spec.Version)
	if err != nil {
		t.Fatalf("ListVerificationsBySpec: %v", err)
	}
	if len(vers) != 1 || vers[0].AttemptID != att.ID {
		t.Fatalf("verifications by spec = %+v", vers)
	}
}

func TestJudgmentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j, err := model.NewJudgment("intent-1", model.DecisionRefine, "", "add rate limiting", "")
	if err != nil {
		t.Fatalf("NewJudgment: %v", err)
	}
	if err := s.SaveJudgment(ctx, j); err != nil {
		t.Fatalf("SaveJudgment: %v", err)
	}
	list, err := s.ListJudgmentsByIntent(ctx, "intent-1")
	if err != nil {
		t.Fatalf("ListJudgmentsByIntent: %v", err)
	}
	if len(list) != 1 || list[0].Decision != model.DecisionRefine || list[0].Refinement != "add rate limiting" {
		t.Fatalf("judgments = %+v", list)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetIntent(context.Background(), "nope")
	if !IsNotFound(err) {
		t.Fatalf("got %v, want not-found", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	in, _ := model.NewIntent("sess-1", "persisted across restarts")
	if err := s.SaveIntent(ctx, in); err != nil {
		t.Fatalf("SaveIntent: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()
	got, err := s2.GetIntent(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetIntent after reopen: %v", err)
	}
	if got.Raw != in.Raw {
		t.Fatalf("data lost across reopen")
	}
}
