package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var abortCmd = &cobra.Command{
	Use:   "abort [intent-id]",
	Short: "Abort an intent",
	Long: `Marks the intent aborted. Without an argument, aborts the session's
most recent intent. In-flight work in this process is cancelled; a
different process picks the abort up at its next phase boundary.`,
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
		if err := app.engine.Abort(ctx, intentID); err != nil {
			return err
		}
		fmt.Printf("aborted %s\n", intentID)
		return nil
	},
}
