package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/lprior-repo/manifest/internal/model"
	"github.com/lprior-repo/manifest/internal/workspace"
)

// Resume picks up every non-terminal intent after a restart. Workspace-bound
// phases first sweep directories the dead process left behind; each intent
// then restarts from its last persisted phase boundary with the inputs the
// checkpoint pins.
func (e *Engine) Resume(ctx context.Context) ([]Outcome, error) {
	open, err := e.store.ListUnfinishedIntents(ctx)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}

	swept := false
	var outcomes []Outcome
	for _, intent := range open {
		cp, ok := readCheckpoint(e.cfg.CheckpointsRoot(), intent.ID)
		if ok && cp.Phase != intent.Status {
			// The store is authoritative; a stale checkpoint just means the
			// crash landed between the status write and the checkpoint write.
			e.logger.Warn("checkpoint behind store, trusting store",
				zap.String("intent_id", intent.ID),
				zap.String("checkpoint_phase", string(cp.Phase)),
				zap.String("store_phase", string(intent.Status)))
		}
		if intent.Status == model.IntentVerifying && !swept {
			if _, err := workspace.SweepOrphans(e.cfg.WorkspacesRoot(), e.logger); err != nil {
				e.logger.Warn("workspace sweep failed", zap.Error(err))
			}
			swept = true
		}
		e.logger.Info("resuming intent",
			zap.String("intent_id", intent.ID),
			zap.String("phase", string(intent.Status)))

		outcome, err := e.runIntent(ctx, intent)
		if err != nil {
			if ctx.Err() != nil {
				return outcomes, err
			}
			outcomes = append(outcomes, outcome)
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// IntentSummary is the status view of one intent.
type IntentSummary struct {
	Intent      model.Intent
	SpecVersion int
	Attempts    int
	Passed      int
	Survivors   int
	Refinements int
}

// Summarize reports the current phase and counters of an intent.
func (e *Engine) Summarize(ctx context.Context, intentID string) (IntentSummary, error) {
	intent, err := e.store.GetIntent(ctx, intentID)
	if err != nil {
		return IntentSummary{}, err
	}
	sum := IntentSummary{Intent: intent}

	spec, err := e.store.LatestSpecForIntent(ctx, intentID)
	if err == nil {
		sum.SpecVersion = spec.Version
		attempts, err := e.store.ListAttemptsBySpec(ctx, spec.ID, spec.Version)
		if err != nil {
			return IntentSummary{}, err
		}
		sum.Attempts = len(attempts)
		for _, att := range attempts {
			if att.Status == model.AttemptPassed {
				sum.Passed++
			}
		}
	}

	survivors, err := e.store.ListSurvivorsByIntent(ctx, intentID)
	if err != nil {
		return IntentSummary{}, err
	}
	sum.Survivors = len(survivors)

	sum.Refinements, err = e.refinementCount(ctx, intentID)
	if err != nil {
		return IntentSummary{}, err
	}
	return sum, nil
}

// History lists a session's intents, newest first.
func (e *Engine) History(ctx context.Context, sessionID string) ([]model.Intent, error) {
	return e.store.ListIntentsBySession(ctx, sessionID)
}

// CostUSD reports cumulative AI spend when the completer tracks it.
func (e *Engine) CostUSD() float64 {
	if c, ok := e.ai.(interface{ TotalCostUSD() float64 }); ok {
		return c.TotalCostUSD()
	}
	return 0
}
