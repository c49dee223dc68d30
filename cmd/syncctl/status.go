package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/recordmoney/syncd/internal/statusapi"
)

var statusListenAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Serve the read-only status API for a companion UI",
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := statusapi.New(app.store, app.devices, app.sync, app.conflicts, app.logger)
		fmt.Fprintf(cmd.ErrOrStderr(), "status api listening on %s\n", statusListenAddr)
		return http.ListenAndServe(statusListenAddr, srv.Routes())
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusListenAddr, "listen", "127.0.0.1:8765", "address to serve the status API on")
}
