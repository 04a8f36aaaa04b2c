package compiler

import (
	"fmt"
	"strings"

	"github.com/lprior-repo/manifest/internal/model"
)

// PromptVersion is stamped into logs so responses can be correlated with the
// prompt text that produced them. Bump on any wording change.
const PromptVersion = "v3"

func parsePrompt(raw string) string {
	return fmt.Sprintf(`Parse this feature request into its structural parts.

Request: %s

Return JSON:
{
  "core": "one sentence stating the essential change",
  "must": ["hard requirement"],
  "must_not": ["explicit prohibition"],
  "done_when": ["observable, testable completion condition"],
  "unclear": ["question that blocks implementation, if any"],
  "scope": "smallest area of the codebase this touches"
}

Rules:
- done_when entries must each be verifiable by an automated test.
- Put a question in unclear ONLY when the answer changes what gets built.
- Do not invent requirements that are not stated or strongly implied.`, raw)
}

func analyzePrompt(parsed model.ParsedIntent, files []string) string {
	return fmt.Sprintf(`Analyze this codebase for the change described.

Change: %s
Scope hint: %s

Files:
%s

Return JSON:
{
  "relevant_files": ["path of a file that must be read or changed"],
  "patterns": ["convention this codebase follows that new code must match"],
  "forbidden_zones": ["glob for paths this change must not modify"],
  "integration_points": ["glob for paths where this change plugs in"]
}

Rules:
- relevant_files must be paths from the list above.
- Globs use ** for recursive matching.
- forbidden_zones covers migrations, generated code, and vendored code.`,
		parsed.Core, parsed.Scope, strings.Join(files, "\n"))
}

func specPrompt(parsed model.ParsedIntent, an Analysis) string {
	return fmt.Sprintf(`Compile this parsed request into an executable specification.

Core: %s
Must: %s
Must not: %s
Done when:
%s

Relevant files: %s
Codebase patterns: %s

Return JSON:
{
  "assertions": [
    {"description": "restates one done_when entry", "test": "TestName", "weight": 5}
  ],
  "test_suite": "complete test file source exercising every assertion",
  "type_contract": "signatures of any new or changed public types and functions",
  "new_files": ["path of a file the change will create, if any"]
}

Rules:
- Exactly one assertion per done_when entry.
- Weight is 1..10: how much failing this assertion matters.
- Every assertion's test must appear in test_suite.
- test_suite must be self-contained and runnable as written.`,
		parsed.Core,
		strings.Join(parsed.Must, "; "),
		strings.Join(parsed.MustNot, "; "),
		"- "+strings.Join(parsed.DoneWhen, "\n- "),
		strings.Join(an.RelevantFiles, ", "),
		strings.Join(an.Patterns, "; "))
}

const reaskSuffix = "\n\nYour previous reply was not valid JSON matching the shape above. Respond with the JSON object only, no prose, no code fences."
