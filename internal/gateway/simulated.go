package gateway

import (
	"context"
	"fmt"
	"sync"
)

// SimulatedBackend returns canned responses without touching a real model.
// It backs dry runs and tests: scripted responses are consumed in order per
// purpose, falling back to a generic placeholder when the script runs out.
type SimulatedBackend struct {
	mu      sync.Mutex
	scripts map[Purpose][]string
	costUSD float64
	calls   int
}

func NewSimulatedBackend(costPerCallUSD float64) *SimulatedBackend {
	return &SimulatedBackend{
		scripts: make(map[Purpose][]string),
		costUSD: costPerCallUSD,
	}
}

// Script queues responses for a purpose, served first-in first-out.
func (b *SimulatedBackend) Script(purpose Purpose, responses ...string) {
	b.mu.Lock()
	b.scripts[purpose] = append(b.scripts[purpose], responses...)
	b.mu.Unlock()
}

func (b *SimulatedBackend) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if queue := b.scripts[req.Purpose]; len(queue) > 0 {
		text := queue[0]
		b.scripts[req.Purpose] = queue[1:]
		return Response{Text: text, CostUSD: b.costUSD}, nil
	}
	return Response{Text: placeholderFor(req.Purpose), CostUSD: b.costUSD}, nil
}

// placeholderFor returns a minimal well-formed response per purpose so an
// unscripted dry run still walks the whole pipeline.
func placeholderFor(p Purpose) string {
	switch p {
	case PurposeParse:
		return `{"core":"simulated request","must":[],"must_not":[],"done_when":["simulated criterion holds"],"unclear":[],"scope":"simulated"}`
	case PurposeAnalyze:
		return `{"relevant_files":["main.go"],"patterns":[],"forbidden_zones":[],"integration_points":["simulated/**"]}`
	case PurposeSpec:
		return `{"assertions":[{"description":"simulated criterion holds","test":"TestSimulated","weight":5}],"test_suite":"package simulated\n","type_contract":"","new_files":["simulated/feature.go"]}`
	case PurposeImplement:
		return `{"changes":[{"path":"simulated/feature.go","action":"create","content":"package simulated\n"}],"approach":"simulated","confidence":0.5}`
	case PurposeScore:
		return `{"score": 0.5}`
	default:
		return fmt.Sprintf("[simulated] %s response", p)
	}
}

// Calls reports how many completions were served.
func (b *SimulatedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}
