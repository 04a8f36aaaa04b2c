// Package compiler turns a raw feature request into an executable
// Specification: parse the message, analyze the codebase, generate weighted
// assertions plus a test suite, and validate the result. Every AI response
// is schema-checked before use; one re-ask is attempted on a malformed reply
// before the failure surfaces.
package compiler

import (
	"context"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/lprior-repo/manifest/internal/gateway"
	"github.com/lprior-repo/manifest/internal/model"
)

// Completer is the slice of the AI gateway the compiler needs.
type Completer interface {
	Complete(ctx context.Context, req gateway.Request) (gateway.Response, error)
}

// Analysis is what the analyze call learned about the project.
type Analysis struct {
	RelevantFiles     []string `json:"relevant_files"`
	Patterns          []string `json:"patterns"`
	ForbiddenZones    []string `json:"forbidden_zones"`
	IntegrationPoints []string `json:"integration_points"`
}

// Options tune the codebase scan.
type Options struct {
	MaxFileBytes int64
	MaxFiles     int
}

type Compiler struct {
	ai     Completer
	opts   Options
	logger *zap.Logger
}

func New(ai Completer, opts Options, logger *zap.Logger) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{ai: ai, opts: opts, logger: logger}
}

// Parse extracts the structured form of a raw message. Open questions come
// back in ParsedIntent.Unclear; deciding what to do about them is the
// orchestrator's call.
func (c *Compiler) Parse(ctx context.Context, intent model.Intent) (model.ParsedIntent, error) {
	var parsed model.ParsedIntent
	err := c.ask(ctx, askSpec{
		purpose: gateway.PurposeParse,
		prompt:  parsePrompt(intent.Raw),
		seed:    intent.ID,
		phase:   model.IntentParsing,
		schema:  parseSchema,
		out:     &parsed,
	})
	if err != nil {
		return model.ParsedIntent{}, err
	}
	if len(parsed.DoneWhen) == 0 && len(parsed.Unclear) == 0 {
		return model.ParsedIntent{}, &model.PipelineError{Kind: model.ErrNoTestableConditions,
			Phase: model.IntentParsing, Message: "request has no verifiable completion condition"}
	}
	c.logger.Info("intent parsed",
		zap.String("intent_id", intent.ID),
		zap.Int("done_when", len(parsed.DoneWhen)),
		zap.Int("unclear", len(parsed.Unclear)))
	return parsed, nil
}

// Analyze enumerates the project tree and asks where the change lands.
func (c *Compiler) Analyze(ctx context.Context, projectDir string, intent model.Intent) (Analysis, error) {
	files, err := scanTree(projectDir, c.opts.MaxFileBytes, c.opts.MaxFiles)
	if err != nil {
		return Analysis{}, err
	}
	if len(files) == 0 {
		return Analysis{}, &model.PipelineError{Kind: model.ErrCodebaseUnreadable,
			Phase: model.IntentCompiling, Message: "no readable source files in " + projectDir}
	}
	var an Analysis
	err = c.ask(ctx, askSpec{
		purpose: gateway.PurposeAnalyze,
		prompt:  analyzePrompt(intent.Parsed, files),
		seed:    intent.ID,
		phase:   model.IntentCompiling,
		schema:  analyzeSchema,
		out:     &an,
	})
	if err != nil {
		return Analysis{}, err
	}
	c.logger.Info("codebase analyzed",
		zap.String("intent_id", intent.ID),
		zap.Int("files_scanned", len(files)),
		zap.Int("relevant", len(an.RelevantFiles)))
	return an, nil
}

type specResponse struct {
	Assertions []struct {
		Description string `json:"description"`
		Test        string `json:"test"`
		Weight      int    `json:"weight"`
	} `json:"assertions"`
	TestSuite    string   `json:"test_suite"`
	TypeContract string   `json:"type_contract"`
	NewFiles     []string `json:"new_files"`
}

// GenerateSpec produces a validated Specification at the given version.
// may_touch is integration points plus any new files; must_not_touch is the
// forbidden zones.
func (c *Compiler) GenerateSpec(ctx context.Context, intent model.Intent, an Analysis, version int) (model.Specification, error) {
	var resp specResponse
	err := c.ask(ctx, askSpec{
		purpose: gateway.PurposeSpec,
		prompt:  specPrompt(intent.Parsed, an),
		seed:    fmt.Sprintf("%s:v%d", intent.ID, version),
		phase:   model.IntentCompiling,
		schema:  specSchema,
		out:     &resp,
	})
	if err != nil {
		return model.Specification{}, err
	}

	assertions := make([]model.Assertion, 0, len(resp.Assertions))
	for _, a := range resp.Assertions {
		assertions = append(assertions, model.Assertion{
			ID:          model.NewID(),
			Description: a.Description,
			Test:        a.Test,
			Weight:      clampWeight(a.Weight),
		})
	}
	mayTouch := append(append([]string{}, an.IntegrationPoints...), resp.NewFiles...)

	spec, err := model.NewSpecification(intent.ID, version, intent.Parsed.Core,
		an.RelevantFiles, assertions, resp.TestSuite, resp.TypeContract,
		mayTouch, an.ForbiddenZones, an.Patterns)
	if err != nil {
		return model.Specification{}, err
	}
	c.logger.Info("specification compiled",
		zap.String("intent_id", intent.ID),
		zap.String("spec_id", spec.ID),
		zap.Int("version", version),
		zap.Int("assertions", len(spec.Assertions)))
	return spec, nil
}

// Compile runs analyze and spec generation in sequence. Parse is separate
// because the clarification loop sits between them.
func (c *Compiler) Compile(ctx context.Context, intent model.Intent, projectDir string, version int) (model.Specification, error) {
	// Open questions must be answered before a spec exists; the
	// clarification loop runs between Parse and Compile.
	if intent.NeedsClarification() {
		return model.Specification{}, &model.PipelineError{
			Kind:    model.ErrClarificationNeeded,
			Phase:   model.IntentCompiling,
			Message: fmt.Sprintf("%d open questions unanswered", len(intent.Parsed.Unclear)),
		}
	}
	an, err := c.Analyze(ctx, projectDir, intent)
	if err != nil {
		return model.Specification{}, err
	}
	return c.GenerateSpec(ctx, intent, an, version)
}

type askSpec struct {
	purpose gateway.Purpose
	prompt  string
	seed    string
	phase   model.IntentStatus
	schema  *jsonschema.Schema
	out     any
}

// ask issues a completion and validates the reply, re-asking once with a
// stricter instruction if the first reply is malformed.
func (c *Compiler) ask(ctx context.Context, spec askSpec) error {
	prompt := spec.prompt
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.ai.Complete(ctx, gateway.Request{
			Purpose: spec.purpose,
			Prompt:  prompt,
			Seed:    spec.seed,
		})
		if err != nil {
			return err
		}
		if err := decodeValidated(spec.phase, resp.Text, spec.schema, spec.out); err != nil {
			lastErr = err
			prompt = spec.prompt + reaskSuffix
			c.logger.Warn("malformed response, re-asking",
				zap.String("purpose", string(spec.purpose)),
				zap.Error(err))
			continue
		}
		return nil
	}
	return lastErr
}

func clampWeight(w int) int {
	if w < 1 {
		return 1
	}
	if w > 10 {
		return 10
	}
	return w
}
