// Package ranking orders passed attempts by a weighted composite score and
// emits the top K as Survivors. Scoring is deterministic given the same
// inputs; ties resolve to a total order so two runs never disagree about
// rank.
package ranking

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lprior-repo/manifest/internal/gateway"
	"github.com/lprior-repo/manifest/internal/model"
)

// Weights are the per-axis multipliers. They must sum to 1; config validates
// that before they get here.
type Weights struct {
	Assertions  float64
	Simplicity  float64
	Readability float64
	Performance float64
}

// Completer is the slice of the AI gateway used for readability scoring.
// Nil disables the axis (neutral value, weight redistributed).
type Completer interface {
	Complete(ctx context.Context, req gateway.Request) (gateway.Response, error)
}

type Ranker struct {
	ai     Completer
	logger *zap.Logger
}

func New(ai Completer, logger *zap.Logger) *Ranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{ai: ai, logger: logger}
}

// Candidate pairs a passed attempt with its verification.
type Candidate struct {
	Attempt      model.Attempt
	Verification model.Verification
}

// Rank scores the candidates and returns the top K survivors, rank 1 first.
func (r *Ranker) Rank(ctx context.Context, candidates []Candidate, weights Weights, topK int) ([]model.Survivor, error) {
	if topK < 1 {
		topK = 1
	}
	type scored struct {
		Candidate
		card model.ScoreCard
	}
	list := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if !c.Verification.Passed {
			return nil, fmt.Errorf("attempt %s is not a survivor candidate: verification failed", c.Attempt.ID)
		}
		card := r.score(ctx, c, weights)
		list = append(list, scored{Candidate: c, card: card})
	}

	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.card.Overall != b.card.Overall {
			return a.card.Overall > b.card.Overall
		}
		if a.Attempt.Confidence != b.Attempt.Confidence {
			return a.Attempt.Confidence > b.Attempt.Confidence
		}
		la, lb := a.Attempt.TotalLines(), b.Attempt.TotalLines()
		if la != lb {
			return la < lb
		}
		return a.Attempt.ID < b.Attempt.ID
	})

	if len(list) > topK {
		list = list[:topK]
	}
	survivors := make([]model.Survivor, 0, len(list))
	for i, s := range list {
		sv, err := model.NewSurvivor(s.Attempt, s.Verification, i+1, s.card)
		if err != nil {
			return nil, err
		}
		survivors = append(survivors, sv)
	}
	r.logger.Info("ranking complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("survivors", len(survivors)))
	return survivors, nil
}

func (r *Ranker) score(ctx context.Context, c Candidate, w Weights) model.ScoreCard {
	card := model.ScoreCard{
		Assertions:  assertionScore(c.Verification),
		Simplicity:  simplicityScore(c.Attempt),
		Performance: 1.0, // reserved until benchmark data exists
	}

	readability, ok := r.readabilityScore(ctx, c.Attempt)
	if ok {
		card.Readability = readability
	} else {
		// Axis unavailable: neutral value, and its weight spreads
		// proportionally across the live axes.
		card.Readability = 0.5
		w = redistribute(w)
	}

	card.Overall = card.Assertions*w.Assertions +
		card.Simplicity*w.Simplicity +
		card.Readability*w.Readability +
		card.Performance*w.Performance
	return card
}

func assertionScore(v model.Verification) float64 {
	if v.AssertionsTotal == 0 {
		return 1.0
	}
	return float64(v.AssertionsPassed) / float64(v.AssertionsTotal)
}

// simplicityScore decreases monotonically with changed lines and brace
// nesting depth. A one-line change scores near 1; sprawling deeply nested
// attempts approach 0.
func simplicityScore(a model.Attempt) float64 {
	lines := float64(a.TotalLines())
	depth := float64(maxBraceDepth(a))
	return 1.0 / (1.0 + lines/200.0 + depth/8.0)
}

func maxBraceDepth(a model.Attempt) int {
	max := 0
	for _, ch := range a.Changes {
		depth := 0
		for _, r := range ch.Content {
			switch r {
			case '{':
				depth++
				if depth > max {
					max = depth
				}
			case '}':
				if depth > 0 {
					depth--
				}
			}
		}
	}
	return max
}

func readabilityPrompt(a model.Attempt) string {
	var b strings.Builder
	b.WriteString("Rate the readability of this change on [0,1]. Consider naming, structure, and clarity.\n\n")
	for _, ch := range a.Changes {
		fmt.Fprintf(&b, "=== %s (%s)\n%s\n", ch.Path, ch.Action, ch.Content)
	}
	b.WriteString(`Return JSON: {"score": 0.75}`)
	return b.String()
}

// readabilityScore asks the model for an assessment. Any failure — gateway
// refusal, malformed reply, out-of-range value — just disables the axis.
func (r *Ranker) readabilityScore(ctx context.Context, a model.Attempt) (float64, bool) {
	if r.ai == nil {
		return 0, false
	}
	resp, err := r.ai.Complete(ctx, gateway.Request{
		Purpose: gateway.PurposeScore,
		Prompt:  readabilityPrompt(a),
		Seed:    a.ID,
	})
	if err != nil {
		r.logger.Debug("readability scoring unavailable", zap.String("attempt_id", a.ID), zap.Error(err))
		return 0, false
	}
	var parsed struct {
		Score float64 `json:"score"`
	}
	text := strings.TrimSpace(resp.Text)
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return 0, false
	}
	if parsed.Score < 0 || parsed.Score > 1 {
		return 0, false
	}
	return parsed.Score, true
}

// redistribute zeroes the readability weight and scales the rest back to a
// unit sum.
func redistribute(w Weights) Weights {
	rest := w.Assertions + w.Simplicity + w.Performance
	if rest <= 0 {
		return Weights{Assertions: 1}
	}
	scale := (rest + w.Readability) / rest
	return Weights{
		Assertions:  w.Assertions * scale,
		Simplicity:  w.Simplicity * scale,
		Performance: w.Performance * scale,
	}
}
