package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/recordmoney/syncd/internal/syncengine"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drive the adaptive-poll sync loop",
}

var syncRunForeground bool

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the background sync loop and block until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		app.sync.SetForeground(syncRunForeground)
		app.sync.On(func(ev syncengine.Event) {
			fmt.Fprintf(cmd.ErrOrStderr(), "sync event: %s\n", ev.Kind)
		})
		app.sync.Start(cmd.Context())
		<-cmd.Context().Done()
		app.sync.Stop()
		return nil
	},
}

var syncOnceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single manual sync cycle and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := app.sync.ManualSync(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last sync time and known peer cursors",
	RunE: func(cmd *cobra.Command, args []string) error {
		peers, err := app.store.PeerSyncStates()
		if err != nil {
			return err
		}
		last := app.sync.LastSyncAt()
		if last != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "last sync: %s\n", last.Format("2006-01-02T15:04:05Z07:00"))
		}
		return printJSON(cmd, struct {
			LastSyncAt interface{} `json:"lastSyncAt,omitempty"`
			Peers      interface{} `json:"peers"`
		}{last, peers})
	},
}

func init() {
	syncRunCmd.Flags().BoolVar(&syncRunForeground, "foreground", true, "use the shorter foreground poll cadence")

	syncCmd.AddCommand(syncRunCmd)
	syncCmd.AddCommand(syncOnceCmd)
	syncCmd.AddCommand(syncStatusCmd)
}
