package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/recordmoney/syncd/internal/conflict"
	"github.com/recordmoney/syncd/internal/cryptoutil"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Propose or inspect a protocol-version upgrade vote",
}

var upgradeProposeCmd = &cobra.Command{
	Use:   "propose <maxSupportedVersion>",
	Short: "Queue a propose_upgrade mutation, opening a 48-hour voting window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		keys, err := app.devices.EnsureDeviceKeys()
		if err != nil {
			return err
		}
		priv := cryptoutil.P256PrivateFromBytes(keys.AuthPrivateKey)
		deviceID := cryptoutil.DeriveDeviceID(keys.AuthPublicKey)
		m, err := conflict.ProposeUpgrade(app.store, priv, keys.AuthPublicKey, deviceID, version)
		if err != nil {
			return err
		}
		return printJSON(cmd, struct {
			MutationUUID        string `json:"mutationUuid"`
			MaxSupportedVersion int    `json:"maxSupportedVersion"`
		}{m.UUID, version})
	},
}

var upgradeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List propose_upgrade proposals whose 48-hour voting window is still open",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, app.conflicts.ActiveUpgradeProposals(time.Now().UTC()))
	},
}

func init() {
	upgradeCmd.AddCommand(upgradeProposeCmd)
	upgradeCmd.AddCommand(upgradeStatusCmd)
}
