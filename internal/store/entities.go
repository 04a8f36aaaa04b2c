package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lprior-repo/manifest/internal/model"
)

// SaveIntent inserts or replaces an intent row.
func (s *Store) SaveIntent(ctx context.Context, in model.Intent) error {
	parsed, err := json.Marshal(in.Parsed)
	if err != nil {
		return fmt.Errorf("encode parsed intent: %w", err)
	}
	return s.exec(ctx, `
		INSERT OR REPLACE INTO intents (id, session_id, raw, parsed, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.SessionID, in.Raw, string(parsed), string(in.Status),
		in.CreatedAt.UnixNano(), in.UpdatedAt.UnixNano())
}

func (s *Store) GetIntent(ctx context.Context, id string) (model.Intent, error) {
	var in model.Intent
	var parsed, status string
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, raw, parsed, status, created_at, updated_at
		FROM intents WHERE id = ?`, id).
		Scan(&in.ID, &in.SessionID, &in.Raw, &parsed, &status, &created, &updated)
	if err != nil {
		return model.Intent{}, err
	}
	if err := json.Unmarshal([]byte(parsed), &in.Parsed); err != nil {
		return model.Intent{}, fmt.Errorf("decode parsed intent: %w", err)
	}
	st, err := model.ParseIntentStatus(status)
	if err != nil {
		return model.Intent{}, err
	}
	in.Status = st
	in.CreatedAt = time.Unix(0, created).UTC()
	in.UpdatedAt = time.Unix(0, updated).UTC()
	return in, nil
}

// UpdateIntentStatus persists a status transition. The caller is responsible
// for having validated the transition via Intent.AdvanceTo.
func (s *Store) UpdateIntentStatus(ctx context.Context, id string, status model.IntentStatus) error {
	return s.exec(ctx, `UPDATE intents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().UnixNano(), id)
}

// ListUnfinishedIntents returns every intent not in a terminal state, oldest
// first. Used by startup recovery.
func (s *Store) ListUnfinishedIntents(ctx context.Context) ([]model.Intent, error) {
	return s.listIntents(ctx, `
		SELECT id FROM intents
		WHERE status NOT IN ('complete', 'failed', 'aborted')
		ORDER BY created_at ASC`)
}

// ListIntentsBySession returns the session's intents, newest first.
func (s *Store) ListIntentsBySession(ctx context.Context, sessionID string) ([]model.Intent, error) {
	return s.listIntents(ctx, `
		SELECT id FROM intents WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
}

func (s *Store) listIntents(ctx context.Context, query string, args ...any) ([]model.Intent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]model.Intent, 0, len(ids))
	for _, id := range ids {
		in, err := s.GetIntent(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

func (s *Store) SaveSpec(ctx context.Context, spec model.Specification) error {
	assertions, err := json.Marshal(spec.Assertions)
	if err != nil {
		return fmt.Errorf("encode assertions: %w", err)
	}
	mayTouch, _ := json.Marshal(spec.MayTouch)
	mustNot, _ := json.Marshal(spec.MustNotTouch)
	patterns, _ := json.Marshal(spec.Patterns)
	return s.exec(ctx, `
		INSERT OR REPLACE INTO specs
		(id, intent_id, version, assertions, test_suite, type_contract, may_touch, must_not_touch, patterns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		spec.ID, spec.IntentID, spec.Version, string(assertions), spec.TestSuite,
		spec.TypeContract, string(mayTouch), string(mustNot), string(patterns),
		spec.CreatedAt.UnixNano())
}

func (s *Store) GetSpec(ctx context.Context, id string, version int) (model.Specification, error) {
	return s.scanSpec(ctx, `
		SELECT id, intent_id, version, assertions, test_suite, type_contract, may_touch, must_not_touch, patterns, created_at
		FROM specs WHERE id = ? AND version = ?`, id, version)
}

// LatestSpecForIntent returns the highest-version spec owned by the intent.
func (s *Store) LatestSpecForIntent(ctx context.Context, intentID string) (model.Specification, error) {
	return s.scanSpec(ctx, `
		SELECT id, intent_id, version, assertions, test_suite, type_contract, may_touch, must_not_touch, patterns, created_at
		FROM specs WHERE intent_id = ? ORDER BY version DESC LIMIT 1`, intentID)
}

func (s *Store) scanSpec(ctx context.Context, query string, args ...any) (model.Specification, error) {
	var spec model.Specification
	var assertions, mayTouch, mustNot, patterns string
	var created int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&spec.ID, &spec.IntentID, &spec.Version, &assertions, &spec.TestSuite,
		&spec.TypeContract, &mayTouch, &mustNot, &patterns, &created)
	if err != nil {
		return model.Specification{}, err
	}
	if err := json.Unmarshal([]byte(assertions), &spec.Assertions); err != nil {
		return model.Specification{}, fmt.Errorf("decode assertions: %w", err)
	}
	_ = json.Unmarshal([]byte(mayTouch), &spec.MayTouch)
	_ = json.Unmarshal([]byte(mustNot), &spec.MustNotTouch)
	_ = json.Unmarshal([]byte(patterns), &spec.Patterns)
	spec.CreatedAt = time.Unix(0, created).UTC()
	return spec, nil
}

func (s *Store) SaveAttempt(ctx context.Context, a model.Attempt) error {
	changes, err := json.Marshal(a.Changes)
	if err != nil {
		return fmt.Errorf("encode changes: %w", err)
	}
	return s.exec(ctx, `
		INSERT OR REPLACE INTO attempts
		(id, spec_id, spec_version, strategy, changes, approach, confidence, status, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SpecID, a.SpecVersion, string(a.Strategy), string(changes),
		a.Approach, a.Confidence, string(a.Status), a.ContentHash, a.CreatedAt.UnixNano())
}

func (s *Store) GetAttempt(ctx context.Context, id string) (model.Attempt, error) {
	var a model.Attempt
	var strategy, changes, status string
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, spec_id, spec_version, strategy, changes, approach, confidence, status, content_hash, created_at
		FROM attempts WHERE id = ?`, id).Scan(
		&a.ID, &a.SpecID, &a.SpecVersion, &strategy, &changes, &a.Approach,
		&a.Confidence, &status, &a.ContentHash, &created)
	if err != nil {
		return model.Attempt{}, err
	}
	if err := json.Unmarshal([]byte(changes), &a.Changes); err != nil {
		return model.Attempt{}, fmt.Errorf("decode changes: %w", err)
	}
	strat, err := model.ParseStrategy(strategy)
	if err != nil {
		return model.Attempt{}, err
	}
	st, err := model.ParseAttemptStatus(status)
	if err != nil {
		return model.Attempt{}, err
	}
	a.Strategy = strat
	a.Status = st
	a.CreatedAt = time.Unix(0, created).UTC()
	return a, nil
}

func (s *Store) UpdateAttemptStatus(ctx context.Context, id string, status model.AttemptStatus) error {
	return s.exec(ctx, `UPDATE attempts SET status = ? WHERE id = ?`, string(status), id)
}

// ListAttemptsBySpec returns attempts for a spec version in arrival (id) order.
func (s *Store) ListAttemptsBySpec(ctx context.Context, specID string, version int) ([]model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM attempts WHERE spec_id = ? AND spec_version = ? ORDER BY id ASC`,
		specID, version)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]model.Attempt, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAttempt(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) SaveVerification(ctx context.Context, v model.Verification) error {
	stages, err := json.Marshal(v.Stages)
	if err != nil {
		return fmt.Errorf("encode stages: %w", err)
	}
	passed := 0
	if v.Passed {
		passed = 1
	}
	return s.exec(ctx, `
		INSERT OR REPLACE INTO verifications
		(id, attempt_id, passed, stages, assertions_passed, assertions_total, duration_ns, first_failure, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.AttemptID, passed, string(stages), v.AssertionsPassed,
		v.AssertionsTotal, v.Duration.Nanoseconds(), v.FirstFailure, v.CreatedAt.UnixNano())
}

// LatestVerificationForAttempt returns the most recent verification of the
// attempt (re-verification after refine keeps earlier rows for diagnostics).
func (s *Store) LatestVerificationForAttempt(ctx context.Context, attemptID string) (model.Verification, error) {
	var v model.Verification
	var stages string
	var passed int
	var durationNS, created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, attempt_id, passed, stages, assertions_passed, assertions_total, duration_ns, first_failure, created_at
		FROM verifications WHERE attempt_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		attemptID).Scan(&v.ID, &v.AttemptID, &passed, &stages, &v.AssertionsPassed,
		&v.AssertionsTotal, &durationNS, &v.FirstFailure, &created)
	if err != nil {
		return model.Verification{}, err
	}
	if err := json.Unmarshal([]byte(stages), &v.Stages); err != nil {
		return model.Verification{}, fmt.Errorf("decode stages: %w", err)
	}
	v.Passed = passed == 1
	v.Duration = time.Duration(durationNS)
	v.CreatedAt = time.Unix(0, created).UTC()
	return v, nil
}

// ListVerificationsBySpec returns every verification of the spec version's
// attempts, oldest first. Diagnostics keep all rows, not only the latest.
func (s *Store) ListVerificationsBySpec(ctx context.Context, specID string, version int) ([]model.Verification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.attempt_id, v.passed, v.stages, v.assertions_passed, v.assertions_total, v.duration_ns, v.first_failure, v.created_at
		FROM verifications v
		JOIN attempts a ON a.id = v.attempt_id
		WHERE a.spec_id = ? AND a.spec_version = ?
		ORDER BY v.created_at ASC, v.id ASC`, specID, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Verification
	for rows.Next() {
		var v model.Verification
		var stages string
		var passed int
		var durationNS, created int64
		if err := rows.Scan(&v.ID, &v.AttemptID, &passed, &stages, &v.AssertionsPassed,
			&v.AssertionsTotal, &durationNS, &v.FirstFailure, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stages), &v.Stages); err != nil {
			return nil, fmt.Errorf("decode stages: %w", err)
		}
		v.Passed = passed == 1
		v.Duration = time.Duration(durationNS)
		v.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

// SaveSurvivor records a ranked survivor under its intent.
func (s *Store) SaveSurvivor(ctx context.Context, intentID string, sv model.Survivor) error {
	score, err := json.Marshal(sv.Score)
	if err != nil {
		return fmt.Errorf("encode score: %w", err)
	}
	presented := 0
	if sv.Presented {
		presented = 1
	}
	return s.exec(ctx, `
		INSERT OR REPLACE INTO survivors
		(id, attempt_id, verification_id, intent_id, rank, score, presented, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sv.ID, sv.AttemptID, sv.VerificationID, intentID, sv.Rank, string(score),
		presented, sv.CreatedAt.UnixNano())
}

func (s *Store) GetSurvivor(ctx context.Context, id string) (model.Survivor, error) {
	var sv model.Survivor
	var intentID, score string
	var presented int
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, attempt_id, verification_id, intent_id, rank, score, presented, created_at
		FROM survivors WHERE id = ?`, id).Scan(
		&sv.ID, &sv.AttemptID, &sv.VerificationID, &intentID, &sv.Rank, &score, &presented, &created)
	if err != nil {
		return model.Survivor{}, err
	}
	_ = intentID
	if err := json.Unmarshal([]byte(score), &sv.Score); err != nil {
		return model.Survivor{}, fmt.Errorf("decode score: %w", err)
	}
	sv.Presented = presented == 1
	sv.CreatedAt = time.Unix(0, created).UTC()
	return sv, nil
}

// ListSurvivorsByIntent returns survivors in rank order, most recent
// presentation batch first by creation time within equal ranks.
func (s *Store) ListSurvivorsByIntent(ctx context.Context, intentID string) ([]model.Survivor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM survivors WHERE intent_id = ? ORDER BY rank ASC, created_at DESC`, intentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]model.Survivor, 0, len(ids))
	for _, id := range ids {
		sv, err := s.GetSurvivor(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, nil
}

func (s *Store) MarkSurvivorPresented(ctx context.Context, id string) error {
	return s.exec(ctx, `UPDATE survivors SET presented = 1 WHERE id = ?`, id)
}

func (s *Store) SaveJudgment(ctx context.Context, j model.Judgment) error {
	return s.exec(ctx, `
		INSERT OR REPLACE INTO judgments
		(id, intent_id, survivor_id, decision, refinement, redirect, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.IntentID, j.SurvivorID, string(j.Decision), j.Refinement,
		j.Redirect, j.CreatedAt.UnixNano())
}

// ListJudgmentsByIntent returns judgments oldest first.
func (s *Store) ListJudgmentsByIntent(ctx context.Context, intentID string) ([]model.Judgment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, intent_id, survivor_id, decision, refinement, redirect, created_at
		FROM judgments WHERE intent_id = ? ORDER BY created_at ASC`, intentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.Judgment
	for rows.Next() {
		var j model.Judgment
		var decision string
		var created int64
		if err := rows.Scan(&j.ID, &j.IntentID, &j.SurvivorID, &decision, &j.Refinement, &j.Redirect, &created); err != nil {
			return nil, err
		}
		d, err := model.ParseDecision(decision)
		if err != nil {
			return nil, err
		}
		j.Decision = d
		j.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, j)
	}
	return out, rows.Err()
}
