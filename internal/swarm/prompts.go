package swarm

import (
	"fmt"
	"strings"

	"github.com/lprior-repo/manifest/internal/model"
)

// Strategy framing is carried entirely by the prompt; nothing downstream
// enforces it. Each instruction tells the model how to differ from its
// siblings.
var strategyInstructions = map[model.Strategy]string{
	model.StrategyVanilla:     "Implement the change the most straightforward way you can.",
	model.StrategyMinimal:     "Implement the change in the fewest lines that still satisfy every assertion. No speculative structure.",
	model.StrategyDefensive:   "Implement the change with maximum validation: check every input, handle every error path explicitly.",
	model.StrategyPatterned:   "Implement the change by imitating the codebase's existing conventions as closely as possible.",
	model.StrategyMutation:    "Below is a sibling implementation of the same specification. Produce a meaningfully different variation: keep what works, change the structure or approach.",
	model.StrategyAdversarial: "Implement the literal minimum that makes every listed test pass. Nothing beyond what the tests observe.",
}

func implementPrompt(spec model.Specification, strategy model.Strategy, sibling string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Implement this specification.

%s

Type contract:
%s

Tests that must pass:
%s

Allowed paths (globs): %s
Forbidden paths (globs): %s
Codebase patterns: %s

`,
		strategyInstructions[strategy],
		spec.TypeContract,
		spec.TestSuite,
		strings.Join(spec.MayTouch, ", "),
		strings.Join(spec.MustNotTouch, ", "),
		strings.Join(spec.Patterns, "; "))

	if strategy == model.StrategyMutation && sibling != "" {
		fmt.Fprintf(&b, "Sibling implementation:\n%s\n\n", sibling)
	}

	b.WriteString(`Return JSON:
{
  "changes": [
    {"path": "relative/path.go", "action": "create|modify|delete", "content": "full file content (empty for delete)"}
  ],
  "approach": "one sentence describing the approach taken",
  "confidence": 0.8
}

Rules:
- Every path must match an allowed glob and no forbidden glob.
- content is the complete file, not a diff.
- confidence is your own estimate in [0,1] that all tests pass.`)
	return b.String()
}
