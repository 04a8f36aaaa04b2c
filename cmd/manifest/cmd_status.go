package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [intent-id]",
	Short: "Show an intent's phase and counters",
	Long: `Without an argument, shows the most recent intent of the session;
with an intent id, shows that intent.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		app, err := setup(nil)
		if err != nil {
			return err
		}
		defer app.close()

		intentID, err := resolveIntentID(ctx, app, args)
		if err != nil {
			return err
		}
		sum, err := app.engine.Summarize(ctx, intentID)
		if err != nil {
			return err
		}

		fmt.Printf("intent    %s\n", sum.Intent.ID)
		fmt.Printf("session   %s\n", sum.Intent.SessionID)
		fmt.Printf("phase     %s\n", sum.Intent.Status)
		fmt.Printf("request   %s\n", firstLine(sum.Intent.Raw))
		if sum.SpecVersion > 0 {
			fmt.Printf("spec      v%d\n", sum.SpecVersion)
		}
		fmt.Printf("attempts  %d (%d passed)\n", sum.Attempts, sum.Passed)
		fmt.Printf("survivors %d\n", sum.Survivors)
		if sum.Refinements > 0 {
			fmt.Printf("refined   %d time(s)\n", sum.Refinements)
		}
		return nil
	},
}

func resolveIntentID(ctx context.Context, app *app, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	history, err := app.engine.History(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", fmt.Errorf("session %q has no intents", sessionID)
	}
	return history[0].ID, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
