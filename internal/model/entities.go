// Package model defines the entities of the Manifest pipeline and the
// constructors that enforce their invariants at the boundary. Everything
// downstream (store, swarm, harness, engine) operates on values that have
// already been validated here.
package model

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

// NewID returns a fresh ULID. ULIDs sort lexicographically by creation time,
// so id ordering doubles as arrival ordering for ranking tie-breaks.
func NewID() string {
	return ulid.Make().String()
}

// ParsedIntent is the structured form of a raw message after the parse call.
type ParsedIntent struct {
	Core     string   `json:"core"`
	Must     []string `json:"must"`
	MustNot  []string `json:"must_not"`
	DoneWhen []string `json:"done_when"`
	Unclear  []string `json:"unclear"`
	Scope    string   `json:"scope"`
}

// Intent is one pipeline run: a raw message plus its parsed form and phase.
type Intent struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Raw       string       `json:"raw"`
	Parsed    ParsedIntent `json:"parsed"`
	Status    IntentStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func NewIntent(sessionID, raw string) (Intent, error) {
	if strings.TrimSpace(raw) == "" {
		return Intent{}, &PipelineError{Kind: ErrEmptyMessage, Phase: IntentParsing, Message: "intent message is empty"}
	}
	now := time.Now().UTC()
	return Intent{
		ID:        NewID(),
		SessionID: strings.TrimSpace(sessionID),
		Raw:       raw,
		Status:    IntentParsing,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// AdvanceTo moves the intent to the next phase, enforcing monotonic
// progression. Explicit restarts (clarifying→parsing, judging→compiling on
// refine) are the only backward edges.
func (i *Intent) AdvanceTo(next IntentStatus) error {
	if !i.Status.CanAdvanceTo(next) {
		return fmt.Errorf("illegal intent transition %s -> %s", i.Status, next)
	}
	i.Status = next
	i.UpdatedAt = time.Now().UTC()
	return nil
}

// NeedsClarification reports whether the parse left open questions.
func (i Intent) NeedsClarification() bool {
	return len(i.Parsed.Unclear) > 0
}

// Assertion is a single testable success criterion.
type Assertion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Test        string `json:"test"`
	Weight      int    `json:"weight"` // 1..10
}

// Specification is the executable definition of "done" compiled from an
// intent. Version increases strictly on refinement.
type Specification struct {
	ID           string      `json:"id"`
	IntentID     string      `json:"intent_id"`
	Version      int         `json:"version"`
	Assertions   []Assertion `json:"assertions"`
	TestSuite    string      `json:"test_suite"`
	TypeContract string      `json:"type_contract"`
	MayTouch     []string    `json:"may_touch"`     // doublestar globs
	MustNotTouch []string    `json:"must_not_touch"` // doublestar globs
	Patterns     []string    `json:"patterns"`
	CreatedAt    time.Time   `json:"created_at"`
}

// NewSpecification validates and assembles a specification. The id is a
// stable blake3 hash of (normalized intent core, relevant file set,
// assertion texts), so identical compiler inputs yield the identical spec.
func NewSpecification(intentID string, version int, core string, relevantFiles []string, assertions []Assertion, suite, contract string, mayTouch, mustNotTouch, patterns []string) (Specification, error) {
	if version < 1 {
		return Specification{}, fmt.Errorf("spec version must be >= 1, got %d", version)
	}
	if len(assertions) == 0 {
		return Specification{}, &PipelineError{Kind: ErrNoTestableConditions, Phase: IntentCompiling, Message: "specification has no assertions"}
	}
	for i, a := range assertions {
		if strings.TrimSpace(a.Test) == "" {
			return Specification{}, &PipelineError{Kind: ErrNoTestableConditions, Phase: IntentCompiling,
				Message: fmt.Sprintf("assertion %d (%s) has an empty test", i, a.Description)}
		}
		if a.Weight < 1 || a.Weight > 10 {
			return Specification{}, fmt.Errorf("assertion %d weight %d out of range 1..10", i, a.Weight)
		}
	}
	if overlap := pathSetOverlap(mayTouch, mustNotTouch); len(overlap) > 0 {
		return Specification{}, &PipelineError{Kind: ErrContradictoryConstraints, Phase: IntentCompiling,
			Message: "may_touch and must_not_touch overlap: " + strings.Join(overlap, ", ")}
	}
	spec := Specification{
		ID:           deriveSpecID(core, relevantFiles, assertions),
		IntentID:     intentID,
		Version:      version,
		Assertions:   assertions,
		TestSuite:    suite,
		TypeContract: contract,
		MayTouch:     append([]string{}, mayTouch...),
		MustNotTouch: append([]string{}, mustNotTouch...),
		Patterns:     append([]string{}, patterns...),
		CreatedAt:    time.Now().UTC(),
	}
	return spec, nil
}

func deriveSpecID(core string, relevantFiles []string, assertions []Assertion) string {
	h := blake3.New()
	_, _ = h.Write([]byte(strings.ToLower(strings.Join(strings.Fields(core), " "))))
	files := append([]string{}, relevantFiles...)
	sort.Strings(files)
	for _, f := range files {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(f))
	}
	for _, a := range assertions {
		_, _ = h.Write([]byte{1})
		_, _ = h.Write([]byte(a.Test))
	}
	sum := h.Sum(nil)
	return fmt.Sprintf("spec-%x", sum[:16])
}

func pathSetOverlap(a, b []string) []string {
	seen := map[string]bool{}
	for _, p := range a {
		seen[path.Clean(p)] = true
	}
	var out []string
	for _, p := range b {
		if seen[path.Clean(p)] {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// PathAllowed reports whether an attempt may touch the given path: it must
// match a may_touch glob and no must_not_touch glob.
func (s Specification) PathAllowed(p string) bool {
	p = path.Clean(strings.TrimPrefix(p, "./"))
	for _, g := range s.MustNotTouch {
		if ok, err := doublestar.Match(g, p); err == nil && ok {
			return false
		}
	}
	for _, g := range s.MayTouch {
		if ok, err := doublestar.Match(g, p); err == nil && ok {
			return true
		}
	}
	return false
}

// AssertionTotal is the number of assertions a verification must satisfy.
func (s Specification) AssertionTotal() int { return len(s.Assertions) }

// FileChange is one edit an attempt makes to the project tree.
type FileChange struct {
	Path    string     `json:"path"`
	Action  FileAction `json:"action"`
	Content string     `json:"content,omitempty"`
}

// Attempt is one candidate implementation produced by one generation call.
type Attempt struct {
	ID          string        `json:"id"`
	SpecID      string        `json:"spec_id"`
	SpecVersion int           `json:"spec_version"`
	Strategy    Strategy      `json:"strategy"`
	Changes     []FileChange  `json:"changes"`
	Approach    string        `json:"approach"`
	Confidence  float64       `json:"confidence"`
	Status      AttemptStatus `json:"status"`
	ContentHash string        `json:"content_hash"`
	CreatedAt   time.Time     `json:"created_at"`
}

// NewAttempt validates the changes against the owning spec's path sets and
// computes the content hash used for dedup.
func NewAttempt(spec Specification, strategy Strategy, changes []FileChange, approach string, confidence float64) (Attempt, error) {
	if len(changes) == 0 {
		return Attempt{}, fmt.Errorf("attempt has no file changes")
	}
	if confidence < 0 || confidence > 1 {
		return Attempt{}, fmt.Errorf("confidence %v out of range [0,1]", confidence)
	}
	for _, c := range changes {
		if strings.TrimSpace(c.Path) == "" {
			return Attempt{}, fmt.Errorf("file change has empty path")
		}
		if path.IsAbs(c.Path) || strings.HasPrefix(path.Clean(c.Path), "..") {
			return Attempt{}, fmt.Errorf("file change path escapes project root: %s", c.Path)
		}
		if c.Action == ActionDelete && c.Content != "" {
			return Attempt{}, fmt.Errorf("delete of %s carries content", c.Path)
		}
		if c.Action != ActionDelete && c.Content == "" {
			return Attempt{}, fmt.Errorf("%s of %s has no content", c.Action, c.Path)
		}
		if !spec.PathAllowed(c.Path) {
			return Attempt{}, fmt.Errorf("path not permitted by spec: %s", c.Path)
		}
	}
	return Attempt{
		ID:          NewID(),
		SpecID:      spec.ID,
		SpecVersion: spec.Version,
		Strategy:    strategy,
		Changes:     append([]FileChange{}, changes...),
		Approach:    approach,
		Confidence:  confidence,
		Status:      AttemptPending,
		ContentHash: HashChanges(changes),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// HashChanges computes the blake3 content hash of an ordered change list.
// Two attempts with the same hash collapse to one during dedup.
func HashChanges(changes []FileChange) string {
	h := blake3.New()
	for _, c := range changes {
		_, _ = h.Write([]byte(c.Path))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(c.Action))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(c.Content))
		_, _ = h.Write([]byte{0xff})
	}
	sum := h.Sum(nil)
	return fmt.Sprintf("%x", sum[:16])
}

// TotalLines counts content lines across the attempt's changes. Used by the
// simplicity axis and ranking tie-breaks.
func (a Attempt) TotalLines() int {
	n := 0
	for _, c := range a.Changes {
		if c.Content == "" {
			continue
		}
		n += strings.Count(c.Content, "\n")
		if !strings.HasSuffix(c.Content, "\n") {
			n++
		}
	}
	return n
}

// StageName identifies one verification stage.
type StageName string

const (
	StageTypecheck StageName = "typecheck"
	StageLint      StageName = "lint"
	StageUnitTests StageName = "unit_tests"
	StageSpecTests StageName = "spec_tests"
)

// StageOrder is the pipeline order of verification stages.
var StageOrder = []StageName{StageTypecheck, StageLint, StageUnitTests, StageSpecTests}

// CheckResult is the outcome of one verification stage.
type CheckResult struct {
	Stage    StageName     `json:"stage"`
	Passed   bool          `json:"passed"`
	Output   string        `json:"output"`
	Errors   []string      `json:"errors,omitempty"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
}

// Verification is the stage-by-stage reality check of one attempt.
type Verification struct {
	ID               string        `json:"id"`
	AttemptID        string        `json:"attempt_id"`
	Passed           bool          `json:"passed"`
	Stages           []CheckResult `json:"stages"`
	AssertionsPassed int           `json:"assertions_passed"`
	AssertionsTotal  int           `json:"assertions_total"`
	Duration         time.Duration `json:"duration"`
	FirstFailure     string        `json:"first_failure,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// NewVerification derives the overall pass flag from the stages and checks
// the assertion-count invariants.
func NewVerification(attemptID string, stages []CheckResult, assertionsPassed, assertionsTotal int, dur time.Duration) (Verification, error) {
	if assertionsPassed > assertionsTotal {
		return Verification{}, fmt.Errorf("assertions passed %d exceeds total %d", assertionsPassed, assertionsTotal)
	}
	passed := len(stages) > 0
	firstFailure := ""
	for _, st := range stages {
		if st.Skipped {
			continue
		}
		if !st.Passed {
			passed = false
			if firstFailure == "" {
				firstFailure = summarizeStageFailure(st)
			}
		}
	}
	if passed && assertionsPassed != assertionsTotal {
		return Verification{}, fmt.Errorf("all stages passed but assertions %d/%d", assertionsPassed, assertionsTotal)
	}
	return Verification{
		ID:               NewID(),
		AttemptID:        attemptID,
		Passed:           passed,
		Stages:           append([]CheckResult{}, stages...),
		AssertionsPassed: assertionsPassed,
		AssertionsTotal:  assertionsTotal,
		Duration:         dur,
		FirstFailure:     firstFailure,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

func summarizeStageFailure(st CheckResult) string {
	if st.TimedOut {
		return fmt.Sprintf("%s: timed out", st.Stage)
	}
	if len(st.Errors) > 0 {
		return fmt.Sprintf("%s: %s", st.Stage, st.Errors[0])
	}
	return fmt.Sprintf("%s: failed", st.Stage)
}

// ScoreCard holds per-axis scores in [0,1] plus the weighted overall.
type ScoreCard struct {
	Assertions  float64 `json:"assertions"`
	Simplicity  float64 `json:"simplicity"`
	Readability float64 `json:"readability"`
	Performance float64 `json:"performance"`
	Overall     float64 `json:"overall"`
}

// Survivor is a passed attempt ranked among its peers.
type Survivor struct {
	ID             string    `json:"id"`
	AttemptID      string    `json:"attempt_id"`
	VerificationID string    `json:"verification_id"`
	Rank           int       `json:"rank"`
	Score          ScoreCard `json:"score"`
	Presented      bool      `json:"presented"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewSurvivor requires a passed verification: survivors exist only for
// attempts whose every stage succeeded.
func NewSurvivor(attempt Attempt, verification Verification, rank int, score ScoreCard) (Survivor, error) {
	if !verification.Passed {
		return Survivor{}, fmt.Errorf("survivor requires a passed verification (attempt %s)", attempt.ID)
	}
	if verification.AttemptID != attempt.ID {
		return Survivor{}, fmt.Errorf("verification %s does not belong to attempt %s", verification.ID, attempt.ID)
	}
	if rank < 1 {
		return Survivor{}, fmt.Errorf("rank must be 1-based, got %d", rank)
	}
	return Survivor{
		ID:             NewID(),
		AttemptID:      attempt.ID,
		VerificationID: verification.ID,
		Rank:           rank,
		Score:          score,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// Judgment is the human's decision over presented survivors.
type Judgment struct {
	ID         string    `json:"id"`
	IntentID   string    `json:"intent_id"`
	SurvivorID string    `json:"survivor_id,omitempty"`
	Decision   Decision  `json:"decision"`
	Refinement string    `json:"refinement,omitempty"`
	Redirect   string    `json:"redirect,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewJudgment enforces the decision/payload pairing: accept needs a
// survivor, refine needs refinement text, redirect needs redirect text.
func NewJudgment(intentID string, decision Decision, survivorID, refinement, redirect string) (Judgment, error) {
	switch decision {
	case DecisionAccept:
		if strings.TrimSpace(survivorID) == "" {
			return Judgment{}, fmt.Errorf("accept requires a survivor id")
		}
	case DecisionRefine:
		if strings.TrimSpace(refinement) == "" {
			return Judgment{}, fmt.Errorf("refine requires refinement text")
		}
	case DecisionRedirect:
		if strings.TrimSpace(redirect) == "" {
			return Judgment{}, fmt.Errorf("redirect requires redirect text")
		}
	case DecisionAbort:
		// No payload.
	default:
		return Judgment{}, fmt.Errorf("invalid decision: %q", decision)
	}
	return Judgment{
		ID:         NewID(),
		IntentID:   intentID,
		SurvivorID: survivorID,
		Decision:   decision,
		Refinement: refinement,
		Redirect:   redirect,
		CreatedAt:  time.Now().UTC(),
	}, nil
}
