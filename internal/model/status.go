package model

import (
	"fmt"
	"strings"
)

// IntentStatus is the phase an intent currently occupies. Statuses progress
// monotonically except on explicit restart (refine re-enters compiling).
type IntentStatus string

const (
	IntentParsing    IntentStatus = "parsing"
	IntentClarifying IntentStatus = "clarifying"
	IntentCompiling  IntentStatus = "compiling"
	IntentGenerating IntentStatus = "generating"
	IntentVerifying  IntentStatus = "verifying"
	IntentRanking    IntentStatus = "ranking"
	IntentJudging    IntentStatus = "judging"
	IntentComplete   IntentStatus = "complete"
	IntentFailed     IntentStatus = "failed"
	IntentAborted    IntentStatus = "aborted"
)

// phaseOrder maps non-terminal statuses to their position in the pipeline.
// Clarifying sits beside parsing: it may loop back when answers arrive.
var phaseOrder = map[IntentStatus]int{
	IntentParsing:    0,
	IntentClarifying: 1,
	IntentCompiling:  2,
	IntentGenerating: 3,
	IntentVerifying:  4,
	IntentRanking:    5,
	IntentJudging:    6,
}

func ParseIntentStatus(s string) (IntentStatus, error) {
	st := IntentStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case IntentParsing, IntentClarifying, IntentCompiling, IntentGenerating,
		IntentVerifying, IntentRanking, IntentJudging,
		IntentComplete, IntentFailed, IntentAborted:
		return st, nil
	default:
		return "", fmt.Errorf("invalid intent status: %q", s)
	}
}

// Terminal reports whether the status ends the pipeline for this intent.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentComplete, IntentFailed, IntentAborted:
		return true
	default:
		return false
	}
}

// CanAdvanceTo reports whether a transition from s to next respects monotonic
// phase progression. Terminal statuses are reachable from anywhere;
// clarifying may exit back to parsing once answers arrive, and a refine
// judgment re-enters compiling from judging.
func (s IntentStatus) CanAdvanceTo(next IntentStatus) bool {
	if s.Terminal() {
		return false
	}
	if next.Terminal() {
		return true
	}
	if s == IntentClarifying && next == IntentParsing {
		return true
	}
	if s == IntentJudging && next == IntentCompiling {
		return true
	}
	cur, ok := phaseOrder[s]
	if !ok {
		return false
	}
	nxt, ok := phaseOrder[next]
	if !ok {
		return false
	}
	return nxt >= cur
}

// AttemptStatus tracks one candidate implementation through verification.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptVerifying AttemptStatus = "verifying"
	AttemptPassed    AttemptStatus = "passed"
	AttemptFailed    AttemptStatus = "failed"
	AttemptDiscarded AttemptStatus = "discarded"
)

func ParseAttemptStatus(s string) (AttemptStatus, error) {
	st := AttemptStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case AttemptPending, AttemptVerifying, AttemptPassed, AttemptFailed, AttemptDiscarded:
		return st, nil
	default:
		return "", fmt.Errorf("invalid attempt status: %q", s)
	}
}

// Strategy names the generation approach baked into the implementation
// prompt. Semantics are documented in the prompt, not enforced mechanically.
type Strategy string

const (
	StrategyVanilla     Strategy = "vanilla"
	StrategyMinimal     Strategy = "minimal"
	StrategyDefensive   Strategy = "defensive"
	StrategyPatterned   Strategy = "patterned"
	StrategyMutation    Strategy = "mutation"
	StrategyAdversarial Strategy = "adversarial"
)

func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StrategyVanilla, StrategyMinimal, StrategyDefensive,
		StrategyPatterned, StrategyMutation, StrategyAdversarial:
		return st, nil
	default:
		return "", fmt.Errorf("invalid strategy: %q", s)
	}
}

// Decision is the human's judgment over presented survivors.
type Decision string

const (
	DecisionAccept   Decision = "accept"
	DecisionRefine   Decision = "refine"
	DecisionRedirect Decision = "redirect"
	DecisionAbort    Decision = "abort"
)

func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DecisionAccept, DecisionRefine, DecisionRedirect, DecisionAbort:
		return d, nil
	default:
		return "", fmt.Errorf("invalid decision: %q", s)
	}
}

// FileAction is what a FileChange does to its path.
type FileAction string

const (
	ActionCreate FileAction = "create"
	ActionModify FileAction = "modify"
	ActionDelete FileAction = "delete"
)

func ParseFileAction(s string) (FileAction, error) {
	a := FileAction(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionCreate, ActionModify, ActionDelete:
		return a, nil
	default:
		return "", fmt.Errorf("invalid file action: %q", s)
	}
}
