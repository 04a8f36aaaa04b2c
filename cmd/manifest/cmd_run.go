package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lprior-repo/manifest/internal/engine"
	"github.com/lprior-repo/manifest/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run <message>",
	Short: "Run a feature request through the pipeline",
	Long: `Runs the request end to end: unfinished intents from a previous process
are resumed first, then the new intent is parsed, compiled, generated,
verified, ranked, and presented for judgment.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args, " ")
		ctx, cancel := signalContext()
		defer cancel()

		judge := newTerminalJudge(os.Stdin, os.Stdout, nil)
		app, err := setup(judge)
		if err != nil {
			return err
		}
		defer app.close()
		// Candidate detail (approach, touched files) reads from the store,
		// which setup just opened.
		judge.store = app.store

		if outcomes, err := app.engine.Resume(ctx); err != nil {
			return err
		} else if len(outcomes) > 0 {
			fmt.Printf("resumed %d unfinished intent(s)\n", len(outcomes))
		}

		outcome, err := app.engine.Run(ctx, sessionID, message)
		if err != nil {
			return err
		}
		printOutcome(outcome, app.client.TotalCostUSD())
		return nil
	},
}

func printOutcome(outcome engine.Outcome, costUSD float64) {
	fmt.Println()
	switch {
	case outcome.NoSurvivors:
		fmt.Println("no candidate survived verification")
		for _, r := range outcome.FailureReasons {
			fmt.Printf("  - %s\n", r)
		}
	case outcome.Status == model.IntentComplete:
		fmt.Println("changes applied")
	case outcome.Status == model.IntentAborted:
		fmt.Println("aborted")
	default:
		fmt.Printf("finished with status %s\n", outcome.Status)
		for _, r := range outcome.FailureReasons {
			fmt.Printf("  - %s\n", r)
		}
	}
	fmt.Printf("intent %s, spent $%.4f\n", outcome.IntentID, costUSD)
}
