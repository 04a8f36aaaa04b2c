package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lprior-repo/manifest/internal/model"
	"github.com/lprior-repo/manifest/internal/store"
)

// terminalJudge is the interactive human-in-the-loop: clarification answers
// and survivor decisions come from stdin.
type terminalJudge struct {
	in    *bufio.Reader
	out   io.Writer
	store *store.Store
}

func newTerminalJudge(in io.Reader, out io.Writer, st *store.Store) *terminalJudge {
	return &terminalJudge{in: bufio.NewReader(in), out: out, store: st}
}

func (j *terminalJudge) Clarify(ctx context.Context, intent model.Intent, questions []string) ([]string, error) {
	fmt.Fprintln(j.out)
	fmt.Fprintln(j.out, "The request needs clarification:")
	answers := make([]string, 0, len(questions))
	for i, q := range questions {
		fmt.Fprintf(j.out, "  %d. %s\n  > ", i+1, q)
		line, err := j.readLine(ctx)
		if err != nil {
			return nil, err
		}
		answers = append(answers, fmt.Sprintf("%s: %s", q, line))
	}
	return answers, nil
}

func (j *terminalJudge) Decide(ctx context.Context, intent model.Intent, survivors []model.Survivor, warning string) (model.Judgment, error) {
	j.printSurvivors(ctx, survivors)
	if warning != "" {
		fmt.Fprintf(j.out, "\n  warning: %s\n", warning)
	}

	for {
		fmt.Fprint(j.out, "\nDecision [accept <n> | refine <text> | redirect <text> | abort]: ")
		line, err := j.readLine(ctx)
		if err != nil {
			return model.Judgment{}, err
		}
		verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
		rest = strings.TrimSpace(rest)

		switch strings.ToLower(verb) {
		case "accept":
			n, err := strconv.Atoi(rest)
			if err != nil || n < 1 || n > len(survivors) {
				fmt.Fprintf(j.out, "  pick a candidate between 1 and %d\n", len(survivors))
				continue
			}
			return model.NewJudgment(intent.ID, model.DecisionAccept, survivors[n-1].ID, "", "")
		case "refine":
			if rest == "" {
				fmt.Fprintln(j.out, "  refine needs text describing what to change")
				continue
			}
			return model.NewJudgment(intent.ID, model.DecisionRefine, "", rest, "")
		case "redirect":
			if rest == "" {
				fmt.Fprintln(j.out, "  redirect needs the new request text")
				continue
			}
			return model.NewJudgment(intent.ID, model.DecisionRedirect, "", "", rest)
		case "abort":
			return model.NewJudgment(intent.ID, model.DecisionAbort, "", "", "")
		default:
			fmt.Fprintf(j.out, "  unknown decision %q\n", verb)
		}
	}
}

func (j *terminalJudge) printSurvivors(ctx context.Context, survivors []model.Survivor) {
	fmt.Fprintln(j.out)
	fmt.Fprintln(j.out, "┌─ candidates ─────────────────────────────────────────────")
	for i, sv := range survivors {
		approach, files := j.attemptDetail(ctx, sv.AttemptID)
		fmt.Fprintf(j.out, "│ %d. score %.2f  (assertions %.2f, simplicity %.2f, readability %.2f)\n",
			i+1, sv.Score.Overall, sv.Score.Assertions, sv.Score.Simplicity, sv.Score.Readability)
		if approach != "" {
			fmt.Fprintf(j.out, "│    approach: %s\n", approach)
		}
		if files != "" {
			fmt.Fprintf(j.out, "│    files: %s\n", files)
		}
	}
	fmt.Fprintln(j.out, "└──────────────────────────────────────────────────────────")
}

func (j *terminalJudge) attemptDetail(ctx context.Context, attemptID string) (approach, files string) {
	if j.store == nil {
		return "", ""
	}
	att, err := j.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return "", ""
	}
	paths := make([]string, 0, len(att.Changes))
	for _, ch := range att.Changes {
		paths = append(paths, ch.Path)
	}
	return att.Approach, strings.Join(paths, ", ")
}

// readLine honors ctx while blocked on stdin by reading in a goroutine; an
// abandoned read leaks until process exit, which is acceptable for a CLI.
func (j *terminalJudge) readLine(ctx context.Context) (string, error) {
	type lineResult struct {
		s   string
		err error
	}
	ch := make(chan lineResult, 1)
	go func() {
		s, err := j.in.ReadString('\n')
		ch <- lineResult{strings.TrimRight(s, "\r\n"), err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil && r.s == "" {
			return "", r.err
		}
		return r.s, nil
	}
}
