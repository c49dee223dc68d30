package main

import (
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/spf13/cobra"

	"github.com/recordmoney/syncd/internal/blobstore"
)

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Act as a libp2p pinning peer for other devices' --transport libp2p",
}

var pinServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bootstrap a libp2p host and serve the blob protocol out of an in-memory store",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := libp2p.New(libp2p.ListenAddrStrings(flagListenAddr))
		if err != nil {
			return fmt.Errorf("create libp2p host: %w", err)
		}
		defer h.Close()

		backing := blobstore.NewMemoryBlobStore()
		blobstore.ServeBlobProtocol(h, backing, app.logger)

		fmt.Fprintln(cmd.OutOrStdout(), "pinning peer id:", h.ID().String())
		for _, addr := range h.Addrs() {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s/p2p/%s\n", addr, h.ID().String())
		}

		<-cmd.Context().Done()
		return nil
	},
}

func init() {
	pinCmd.AddCommand(pinServeCmd)
	rootCmd.AddCommand(pinCmd)
}
