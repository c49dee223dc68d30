// Command syncctl drives one device's side of the sync protocol: device
// setup, pairing, group membership, manual/background sync, and a
// read-only status server for a companion UI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("syncctl failed")
		os.Exit(1)
	}
}
