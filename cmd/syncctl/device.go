package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage this device's keys and first-time setup",
}

var deviceSetupSelfName string
var deviceSetupProviderConfig string

var deviceSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Run first-time device setup, publishing an empty manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		var providerConfig json.RawMessage
		if deviceSetupProviderConfig != "" {
			providerConfig = json.RawMessage(deviceSetupProviderConfig)
		}
		result, err := app.devices.SetupDevice(cmd.Context(), providerConfig, deviceSetupSelfName, func(step string) {
			fmt.Fprintf(cmd.ErrOrStderr(), "setup: %s\n", step)
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

var deviceKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Print this device's auth and ipns public keys, generating them if absent",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := app.devices.EnsureDeviceKeys()
		if err != nil {
			return err
		}
		return printJSON(cmd, struct {
			AuthPublicKey []byte `json:"authPublicKey"`
			IpnsPublicKey []byte `json:"ipnsPublicKey"`
		}{keys.AuthPublicKey, keys.IpnsPublicKey})
	},
}

var deviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print this device's sync mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := app.devices.Status()
		if err != nil {
			return err
		}
		return printJSON(cmd, struct {
			Mode string `json:"mode"`
		}{string(mode)})
	},
}

func init() {
	deviceSetupCmd.Flags().StringVar(&deviceSetupSelfName, "self-name", "", "display name for this device (written to the setup log line only)")
	deviceSetupCmd.Flags().StringVar(&deviceSetupProviderConfig, "provider-config", "", "opaque JSON blob describing the storage provider")

	deviceCmd.AddCommand(deviceSetupCmd)
	deviceCmd.AddCommand(deviceKeysCmd)
	deviceCmd.AddCommand(deviceStatusCmd)
}
