// Package engine orchestrates the pipeline: one intent moves through
// parsing, clarification, compilation, generation, verification, ranking,
// and judgment. Every phase transition is persisted before the next phase's
// side effects begin, so a crash leaves the intent resumable at its last
// phase boundary.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lprior-repo/manifest/internal/compiler"
	"github.com/lprior-repo/manifest/internal/config"
	"github.com/lprior-repo/manifest/internal/gateway"
	"github.com/lprior-repo/manifest/internal/harness"
	"github.com/lprior-repo/manifest/internal/logging"
	"github.com/lprior-repo/manifest/internal/model"
	"github.com/lprior-repo/manifest/internal/ranking"
	"github.com/lprior-repo/manifest/internal/store"
	"github.com/lprior-repo/manifest/internal/swarm"
	"github.com/lprior-repo/manifest/internal/workspace"
)

// Completer is the single AI surface the engine threads through its
// components. *gateway.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req gateway.Request) (gateway.Response, error)
}

// Judge is the human in the loop. Clarify answers open questions from the
// parse; Decide rules on presented survivors. Both block until the human
// responds or ctx is done.
type Judge interface {
	Clarify(ctx context.Context, intent model.Intent, questions []string) ([]string, error)
	Decide(ctx context.Context, intent model.Intent, survivors []model.Survivor, warning string) (model.Judgment, error)
}

// Outcome is the terminal result of running one intent.
type Outcome struct {
	IntentID         string
	Status           model.IntentStatus
	AcceptedSurvivor string
	RedirectedTo     string
	NoSurvivors      bool
	FailureReasons   []string
}

type Engine struct {
	cfg        *config.Config
	store      *store.Store
	ai         Completer
	compiler   *compiler.Compiler
	swarm      *swarm.Swarm
	harness    *harness.Harness
	ranker     *ranking.Ranker
	judge      Judge
	projectDir string
	logger     *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(cfg *config.Config, st *store.Store, ai Completer, judge Judge, projectDir string, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cleanup := true
	if cfg.Workspace.Cleanup != nil {
		cleanup = *cfg.Workspace.Cleanup
	}
	wsm, err := workspace.NewManager(cfg.WorkspacesRoot(), workspace.Options{
		DiskCapBytes:   cfg.Workspace.DiskCapBytes,
		MaxFileBytes:   cfg.Workspace.MaxFileBytes,
		AcquireTimeout: cfg.WorkspaceAcquireTimeout(),
		Cleanup:        cleanup,
	}, logger)
	if err != nil {
		return nil, err
	}
	h := harness.New(harness.Config{
		Typecheck:    stageSpec(cfg.Verification.Stages.Typecheck),
		Lint:         stageSpec(cfg.Verification.Stages.Lint),
		UnitTests:    stageSpec(cfg.Verification.Stages.UnitTests),
		SpecTests:    stageSpec(cfg.Verification.Stages.SpecTests),
		FlakyRetries: cfg.Verification.FlakyRetries,
		Concurrency:  cfg.Verification.Concurrency,
		AllowNetwork: cfg.Verification.AllowNetworkInTests,
		AutoInstall:  cfg.Verification.AutoInstallDeps,
	}, wsm, logger)

	return &Engine{
		cfg:        cfg,
		store:      st,
		ai:         ai,
		compiler:   compiler.New(ai, compiler.Options{MaxFileBytes: cfg.Workspace.MaxFileBytes}, logger),
		swarm:      swarm.New(ai, logger),
		harness:    h,
		ranker:     ranking.New(ai, logger),
		judge:      judge,
		projectDir: projectDir,
		logger:     logger,
		active:     map[string]context.CancelFunc{},
	}, nil
}

func stageSpec(c config.StageCommand) harness.StageSpec {
	return harness.StageSpec{Argv: c.Argv, Timeout: c.Timeout()}
}

// Run creates an intent for the message and drives it to a terminal state.
func (e *Engine) Run(ctx context.Context, sessionID, message string) (Outcome, error) {
	intent, err := model.NewIntent(sessionID, message)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.store.SaveIntent(ctx, intent); err != nil {
		return Outcome{}, err
	}
	return e.runIntent(ctx, intent)
}

// Abort cancels the intent's in-flight work and marks it aborted. Terminal
// intents are left untouched.
func (e *Engine) Abort(ctx context.Context, intentID string) error {
	intent, err := e.store.GetIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if intent.Status.Terminal() {
		return fmt.Errorf("intent %s is already %s", intentID, intent.Status)
	}
	e.mu.Lock()
	cancel := e.active[intentID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return e.store.UpdateIntentStatus(ctx, intentID, model.IntentAborted)
}

func (e *Engine) runIntent(ctx context.Context, intent model.Intent) (Outcome, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.active[intent.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, intent.ID)
		e.mu.Unlock()
	}()

	ilog, err := logging.OpenIntentLog(e.cfg.LogsRoot(), intent.ID)
	if err != nil {
		return Outcome{}, err
	}
	defer ilog.Close()

	outcome := Outcome{IntentID: intent.ID}
	for {
		if err := runCtx.Err(); err != nil {
			return outcome, err
		}
		_ = ilog.Event("phase", map[string]any{"phase": string(intent.Status)})
		e.logger.Info("phase", zap.String("intent_id", intent.ID), zap.String("status", string(intent.Status)))

		switch intent.Status {
		case model.IntentParsing:
			if err := e.phaseParse(runCtx, &intent); err != nil {
				return e.fail(runCtx, &intent, outcome, err)
			}

		case model.IntentClarifying:
			if err := e.phaseClarify(runCtx, &intent); err != nil {
				return e.fail(runCtx, &intent, outcome, err)
			}

		case model.IntentCompiling:
			if err := e.phaseCompile(runCtx, &intent); err != nil {
				return e.fail(runCtx, &intent, outcome, err)
			}

		case model.IntentGenerating:
			if err := e.phaseGenerate(runCtx, &intent); err != nil {
				return e.fail(runCtx, &intent, outcome, err)
			}

		case model.IntentVerifying:
			if err := e.phaseVerify(runCtx, &intent); err != nil {
				return e.fail(runCtx, &intent, outcome, err)
			}

		case model.IntentRanking:
			noSurvivors, reasons, err := e.phaseRank(runCtx, &intent)
			if err != nil {
				return e.fail(runCtx, &intent, outcome, err)
			}
			if noSurvivors {
				outcome.NoSurvivors = true
				outcome.FailureReasons = reasons
				if err := e.advance(runCtx, &intent, model.IntentFailed); err != nil {
					return outcome, err
				}
			}

		case model.IntentJudging:
			done, err := e.phaseJudge(runCtx, &intent, &outcome)
			if err != nil {
				return e.fail(runCtx, &intent, outcome, err)
			}
			if done && outcome.RedirectedTo != "" {
				_ = removeCheckpoint(e.cfg.CheckpointsRoot(), intent.ID)
				fresh, err := e.store.GetIntent(runCtx, outcome.RedirectedTo)
				if err != nil {
					return outcome, err
				}
				redirected, err := e.runIntent(ctx, fresh)
				if err != nil {
					return redirected, err
				}
				redirected.RedirectedTo = ""
				return redirected, nil
			}

		case model.IntentComplete, model.IntentFailed, model.IntentAborted:
			outcome.Status = intent.Status
			_ = removeCheckpoint(e.cfg.CheckpointsRoot(), intent.ID)
			_ = ilog.Event("terminal", map[string]any{"status": string(intent.Status)})
			return outcome, nil

		default:
			return outcome, fmt.Errorf("unknown intent status %q", intent.Status)
		}
	}
}

// advance persists the transition before the next phase's side effects run.
func (e *Engine) advance(ctx context.Context, intent *model.Intent, next model.IntentStatus) error {
	if err := intent.AdvanceTo(next); err != nil {
		return err
	}
	if err := e.store.UpdateIntentStatus(ctx, intent.ID, next); err != nil {
		return err
	}
	cp := Checkpoint{IntentID: intent.ID, Phase: next}
	if spec, err := e.store.LatestSpecForIntent(ctx, intent.ID); err == nil {
		cp.SpecID = spec.ID
		cp.SpecVersion = spec.Version
	}
	return writeCheckpoint(e.cfg.CheckpointsRoot(), cp)
}

// fail routes terminal errors: the intent is marked failed (unless the
// context died, which leaves it resumable) and the classified error returns
// to the caller.
func (e *Engine) fail(ctx context.Context, intent *model.Intent, outcome Outcome, err error) (Outcome, error) {
	if ctx.Err() != nil {
		return outcome, err
	}
	e.logger.Error("intent failed",
		zap.String("intent_id", intent.ID),
		zap.String("phase", string(intent.Status)),
		zap.Error(err))
	_ = e.store.UpdateIntentStatus(context.WithoutCancel(ctx), intent.ID, model.IntentFailed)
	outcome.Status = model.IntentFailed
	outcome.FailureReasons = []string{err.Error()}
	return outcome, err
}

func (e *Engine) phaseParse(ctx context.Context, intent *model.Intent) error {
	parsed, err := e.compiler.Parse(ctx, *intent)
	if err != nil {
		return err
	}
	intent.Parsed = parsed
	if err := e.store.SaveIntent(ctx, *intent); err != nil {
		return err
	}
	if intent.NeedsClarification() {
		return e.advance(ctx, intent, model.IntentClarifying)
	}
	return e.advance(ctx, intent, model.IntentCompiling)
}

func (e *Engine) phaseClarify(ctx context.Context, intent *model.Intent) error {
	answers, err := e.judge.Clarify(ctx, *intent, intent.Parsed.Unclear)
	if err != nil {
		return err
	}
	intent.Raw = intent.Raw + "\n\nClarifications:\n" + strings.Join(answers, "\n")
	intent.Parsed.Unclear = nil
	if err := e.store.SaveIntent(ctx, *intent); err != nil {
		return err
	}
	return e.advance(ctx, intent, model.IntentParsing)
}

func (e *Engine) phaseCompile(ctx context.Context, intent *model.Intent) error {
	version := 1
	if prev, err := e.store.LatestSpecForIntent(ctx, intent.ID); err == nil {
		version = prev.Version + 1
	} else if !store.IsNotFound(err) {
		return err
	}
	spec, err := e.compiler.Compile(ctx, *intent, e.projectDir, version)
	if err != nil {
		return err
	}
	if err := e.store.SaveSpec(ctx, spec); err != nil {
		return err
	}
	return e.advance(ctx, intent, model.IntentGenerating)
}

func (e *Engine) phaseGenerate(ctx context.Context, intent *model.Intent) error {
	spec, err := e.store.LatestSpecForIntent(ctx, intent.ID)
	if err != nil {
		return err
	}
	res, err := e.swarm.Generate(ctx, spec, swarm.Config{
		Distribution: e.distribution(),
		Concurrency:  e.cfg.AI.Concurrency,
	})
	if err != nil {
		return err
	}
	for _, att := range res.Attempts {
		if err := e.store.SaveAttempt(ctx, att); err != nil {
			return err
		}
	}
	return e.advance(ctx, intent, model.IntentVerifying)
}

func (e *Engine) phaseVerify(ctx context.Context, intent *model.Intent) error {
	spec, err := e.store.LatestSpecForIntent(ctx, intent.ID)
	if err != nil {
		return err
	}
	attempts, err := e.store.ListAttemptsBySpec(ctx, spec.ID, spec.Version)
	if err != nil {
		return err
	}
	results, err := e.harness.VerifyBatch(ctx, e.projectDir, spec, attempts)
	if err != nil {
		return err
	}
	for _, att := range attempts {
		ver, ok := results[att.ID]
		if !ok {
			continue
		}
		if err := e.store.SaveVerification(ctx, ver); err != nil {
			return err
		}
		status := model.AttemptFailed
		if ver.Passed {
			status = model.AttemptPassed
		}
		if err := e.store.UpdateAttemptStatus(ctx, att.ID, status); err != nil {
			return err
		}
	}
	return e.advance(ctx, intent, model.IntentRanking)
}

// phaseRank scores the passed attempts. Zero survivors is a first-class
// outcome: the top failure reasons are aggregated for the human and the
// intent ends without an error.
func (e *Engine) phaseRank(ctx context.Context, intent *model.Intent) (noSurvivors bool, reasons []string, err error) {
	spec, err := e.store.LatestSpecForIntent(ctx, intent.ID)
	if err != nil {
		return false, nil, err
	}
	attempts, err := e.store.ListAttemptsBySpec(ctx, spec.ID, spec.Version)
	if err != nil {
		return false, nil, err
	}

	var candidates []ranking.Candidate
	failureCount := map[string]int{}
	for _, att := range attempts {
		ver, err := e.store.LatestVerificationForAttempt(ctx, att.ID)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return false, nil, err
		}
		if ver.Passed {
			candidates = append(candidates, ranking.Candidate{Attempt: att, Verification: ver})
		} else if ver.FirstFailure != "" {
			failureCount[ver.FirstFailure]++
		}
	}

	if len(candidates) == 0 {
		return true, topReasons(failureCount, 3), nil
	}

	survivors, err := e.ranker.Rank(ctx, candidates, ranking.Weights{
		Assertions:  e.cfg.Ranking.Weights.Assertions,
		Simplicity:  e.cfg.Ranking.Weights.Simplicity,
		Readability: e.cfg.Ranking.Weights.Readability,
		Performance: e.cfg.Ranking.Weights.Performance,
	}, e.cfg.Ranking.TopK)
	if err != nil {
		return false, nil, err
	}
	for _, sv := range survivors {
		if err := e.store.SaveSurvivor(ctx, intent.ID, sv); err != nil {
			return false, nil, err
		}
	}
	return false, nil, e.advance(ctx, intent, model.IntentJudging)
}

func (e *Engine) phaseJudge(ctx context.Context, intent *model.Intent, outcome *Outcome) (bool, error) {
	survivors, err := e.currentSurvivors(ctx, intent.ID)
	if err != nil {
		return false, err
	}
	for _, sv := range survivors {
		if err := e.store.MarkSurvivorPresented(ctx, sv.ID); err != nil {
			return false, err
		}
	}

	warning := ""
	if n, err := e.refinementCount(ctx, intent.ID); err != nil {
		return false, err
	} else if n >= e.cfg.Judgment.RefinementWarnAfter {
		warning = fmt.Sprintf("this intent has been refined %d times; consider redirecting or narrowing the request", n)
	}

	judgment, err := e.judge.Decide(ctx, *intent, survivors, warning)
	if err != nil {
		return false, err
	}
	if err := e.store.SaveJudgment(ctx, judgment); err != nil {
		return false, err
	}

	switch judgment.Decision {
	case model.DecisionAccept:
		sv, err := e.store.GetSurvivor(ctx, judgment.SurvivorID)
		if err != nil {
			return false, err
		}
		att, err := e.store.GetAttempt(ctx, sv.AttemptID)
		if err != nil {
			return false, err
		}
		if err := applyChanges(e.projectDir, att.Changes); err != nil {
			return false, err
		}
		outcome.AcceptedSurvivor = sv.ID
		return true, e.advance(ctx, intent, model.IntentComplete)

	case model.DecisionRefine:
		intent.Raw = intent.Raw + "\n\nRefinement:\n" + judgment.Refinement
		if err := e.store.SaveIntent(ctx, *intent); err != nil {
			return false, err
		}
		return false, e.advance(ctx, intent, model.IntentCompiling)

	case model.DecisionRedirect:
		fresh, err := model.NewIntent(intent.SessionID, judgment.Redirect)
		if err != nil {
			return false, err
		}
		if err := e.store.SaveIntent(ctx, fresh); err != nil {
			return false, err
		}
		outcome.RedirectedTo = fresh.ID
		return true, e.advance(ctx, intent, model.IntentAborted)

	case model.DecisionAbort:
		return true, e.advance(ctx, intent, model.IntentAborted)

	default:
		return false, fmt.Errorf("unknown decision %q", judgment.Decision)
	}
}

// currentSurvivors filters to survivors of the latest spec version, so a
// refined intent never re-presents candidates from an earlier round.
func (e *Engine) currentSurvivors(ctx context.Context, intentID string) ([]model.Survivor, error) {
	all, err := e.store.ListSurvivorsByIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	spec, err := e.store.LatestSpecForIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	current := all[:0]
	for _, sv := range all {
		att, err := e.store.GetAttempt(ctx, sv.AttemptID)
		if err != nil {
			return nil, err
		}
		if att.SpecID == spec.ID && att.SpecVersion == spec.Version {
			current = append(current, sv)
		}
	}
	return current, nil
}

func (e *Engine) refinementCount(ctx context.Context, intentID string) (int, error) {
	judgments, err := e.store.ListJudgmentsByIntent(ctx, intentID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range judgments {
		if j.Decision == model.DecisionRefine {
			n++
		}
	}
	return n, nil
}

func (e *Engine) distribution() map[model.Strategy]int {
	dist := make(map[model.Strategy]int, len(e.cfg.Generation.Distribution))
	for name, n := range e.cfg.Generation.Distribution {
		st, err := model.ParseStrategy(name)
		if err != nil {
			e.logger.Warn("unknown strategy in distribution", zap.String("strategy", name))
			continue
		}
		dist[st] = n
	}
	return dist
}

func topReasons(counts map[string]int, k int) []string {
	type rc struct {
		reason string
		n      int
	}
	list := make([]rc, 0, len(counts))
	for r, n := range counts {
		list = append(list, rc{r, n})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].n != list[j].n {
			return list[i].n > list[j].n
		}
		return list[i].reason < list[j].reason
	})
	if len(list) > k {
		list = list[:k]
	}
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = fmt.Sprintf("%s (%d attempts)", r.reason, r.n)
	}
	return out
}
