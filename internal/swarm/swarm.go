// Package swarm fans one Specification out into N candidate implementations
// across generation strategies. Attempts are independent: a worker that
// fails or produces an invalid attempt discards it without touching its
// siblings. The batch dedupes identical attempts by content hash and stops
// submitting once the cost ceiling is reached, draining whatever is already
// in flight.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lprior-repo/manifest/internal/gateway"
	"github.com/lprior-repo/manifest/internal/model"
)

// Completer is the slice of the AI gateway the swarm needs.
type Completer interface {
	Complete(ctx context.Context, req gateway.Request) (gateway.Response, error)
}

// Config sizes one generation batch.
type Config struct {
	// Distribution maps strategy to how many attempts to generate with it.
	// The values sum to the batch size.
	Distribution map[model.Strategy]int
	// Concurrency caps simultaneous AI calls for this batch.
	Concurrency int
}

// Result is what one batch produced. Discards break down why attempts were
// dropped; the pipeline treats an empty Attempts slice as a valid outcome.
type Result struct {
	Attempts []model.Attempt
	Discards map[string]int
}

type Swarm struct {
	ai     Completer
	logger *zap.Logger
}

func New(ai Completer, logger *zap.Logger) *Swarm {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Swarm{ai: ai, logger: logger}
}

var attemptSchema = jsonschema.MustCompileString("attempt.json", `{
	"type": "object",
	"required": ["changes"],
	"properties": {
		"changes": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["path", "action"],
				"properties": {
					"path": {"type": "string", "minLength": 1},
					"action": {"type": "string", "enum": ["create", "modify", "delete"]},
					"content": {"type": "string"}
				}
			}
		},
		"approach": {"type": "string"},
		"confidence": {"type": "number"}
	}
}`)

type attemptResponse struct {
	Changes []struct {
		Path    string `json:"path"`
		Action  string `json:"action"`
		Content string `json:"content"`
	} `json:"changes"`
	Approach   string  `json:"approach"`
	Confidence float64 `json:"confidence"`
}

// Generate runs one batch against the spec. It never returns an error for
// per-attempt failures; the only errors are a nil distribution or caller
// cancellation with nothing produced.
func (s *Swarm) Generate(ctx context.Context, spec model.Specification, cfg Config) (Result, error) {
	tasks := expandDistribution(cfg.Distribution)
	if len(tasks) == 0 {
		return Result{}, fmt.Errorf("empty strategy distribution")
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		mu        sync.Mutex
		attempts  []model.Attempt
		discards  = map[string]int{}
		ceiling   bool
		siblings  []string // serialized changes of completed attempts, for mutation
	)
	discard := func(reason string) {
		mu.Lock()
		discards[reason]++
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, strategy := range tasks {
		i, strategy := i, strategy
		g.Go(func() error {
			mu.Lock()
			stop := ceiling
			sibling := ""
			if strategy == model.StrategyMutation {
				if len(siblings) > 0 {
					sibling = siblings[i%len(siblings)]
				} else {
					// No completed sibling to mutate yet.
					strategy = model.StrategyVanilla
				}
			}
			mu.Unlock()
			if stop || gctx.Err() != nil {
				discard("not_submitted")
				return nil
			}

			att, err := s.generateOne(gctx, spec, strategy, sibling, i)
			if err != nil {
				if model.IsKind(err, model.ErrCostCeilingReached) {
					mu.Lock()
					ceiling = true
					mu.Unlock()
					discard("cost_ceiling")
					return nil
				}
				discard(string(classify(err)))
				s.logger.Debug("attempt discarded",
					zap.String("spec_id", spec.ID),
					zap.String("strategy", string(strategy)),
					zap.Error(err))
				return nil
			}

			mu.Lock()
			attempts = append(attempts, att)
			if b, err := json.Marshal(att.Changes); err == nil {
				siblings = append(siblings, string(b))
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	kept := dedupe(attempts, discards)
	s.logger.Info("generation batch complete",
		zap.String("spec_id", spec.ID),
		zap.Int("requested", len(tasks)),
		zap.Int("kept", len(kept)),
		zap.Any("discards", discards))
	if len(kept) == 0 && ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	return Result{Attempts: kept, Discards: discards}, nil
}

func (s *Swarm) generateOne(ctx context.Context, spec model.Specification, strategy model.Strategy, sibling string, ordinal int) (model.Attempt, error) {
	resp, err := s.ai.Complete(ctx, gateway.Request{
		Purpose: gateway.PurposeImplement,
		Prompt:  implementPrompt(spec, strategy, sibling),
		Seed:    fmt.Sprintf("%s:%s:%d", spec.ID, strategy, ordinal),
	})
	if err != nil {
		return model.Attempt{}, err
	}

	var parsed attemptResponse
	text := stripFences(resp.Text)
	var generic any
	if err := json.Unmarshal([]byte(text), &generic); err != nil {
		return model.Attempt{}, &model.PipelineError{Kind: model.ErrMalformedAIResponse,
			Phase: model.IntentGenerating, Message: "implementation is not JSON", Err: err}
	}
	if err := attemptSchema.Validate(generic); err != nil {
		return model.Attempt{}, &model.PipelineError{Kind: model.ErrMalformedAIResponse,
			Phase: model.IntentGenerating, Message: "implementation shape invalid", Err: err}
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return model.Attempt{}, &model.PipelineError{Kind: model.ErrMalformedAIResponse,
			Phase: model.IntentGenerating, Message: "implementation decode failed", Err: err}
	}

	changes := make([]model.FileChange, 0, len(parsed.Changes))
	for _, ch := range parsed.Changes {
		action, err := model.ParseFileAction(ch.Action)
		if err != nil {
			return model.Attempt{}, &model.PipelineError{Kind: model.ErrMalformedAIResponse,
				Phase: model.IntentGenerating, Message: "unknown file action", Err: err}
		}
		changes = append(changes, model.FileChange{Path: ch.Path, Action: action, Content: ch.Content})
	}
	// NewAttempt enforces path constraints against the spec; violations
	// surface here and the attempt is discarded by the caller.
	return model.NewAttempt(spec, strategy, changes, parsed.Approach, clampConfidence(parsed.Confidence))
}

// expandDistribution flattens {strategy: count} into an ordered task list.
// Strategies interleave so early ceiling hits still leave a mixed batch;
// mutation sorts last so its siblings have the best chance of existing.
func expandDistribution(dist map[model.Strategy]int) []model.Strategy {
	names := make([]model.Strategy, 0, len(dist))
	for st, n := range dist {
		if n > 0 {
			names = append(names, st)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		mi, mj := names[i] == model.StrategyMutation, names[j] == model.StrategyMutation
		if mi != mj {
			return mj
		}
		return names[i] < names[j]
	})

	remaining := make(map[model.Strategy]int, len(dist))
	for st, n := range dist {
		remaining[st] = n
	}
	var tasks []model.Strategy
	for {
		progressed := false
		for _, st := range names {
			if remaining[st] > 0 {
				tasks = append(tasks, st)
				remaining[st]--
				progressed = true
			}
		}
		if !progressed {
			return tasks
		}
	}
}

// dedupe keeps the earliest attempt (by id, which is arrival-ordered) for
// each content hash.
func dedupe(attempts []model.Attempt, discards map[string]int) []model.Attempt {
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].ID < attempts[j].ID })
	seen := make(map[string]bool, len(attempts))
	kept := attempts[:0]
	for _, att := range attempts {
		if seen[att.ContentHash] {
			discards["duplicate"]++
			continue
		}
		seen[att.ContentHash] = true
		kept = append(kept, att)
	}
	return kept
}

func classify(err error) model.ErrorKind {
	if kind := model.KindOf(err); kind != "" {
		return kind
	}
	return "invalid"
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
