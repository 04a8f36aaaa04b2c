package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List the session's intents, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		app, err := setup(nil)
		if err != nil {
			return err
		}
		defer app.close()

		intents, err := app.engine.History(ctx, sessionID)
		if err != nil {
			return err
		}
		if len(intents) == 0 {
			fmt.Printf("session %q has no intents\n", sessionID)
			return nil
		}
		for _, in := range intents {
			fmt.Printf("%s  %-10s  %s  %s\n",
				in.ID, in.Status, in.CreatedAt.Local().Format("2006-01-02 15:04"), firstLine(in.Raw))
		}
		return nil
	},
}
