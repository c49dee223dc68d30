package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/recordmoney/syncd/internal/pairing"
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair this device with another, exchanging sync keys",
}

var pairInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Start pairing as the initiator, printing a QR payload and session id to share",
	RunE: func(cmd *cobra.Command, args []string) error {
		qr, sessionID, err := app.pairing.StartPairing(cmd.Context())
		if err != nil {
			return err
		}
		result, err := app.pairing.AwaitJoinerResponse(cmd.Context(), sessionID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "session %s awaiting confirmation, emoji fingerprint: %v\n", sessionID, result.Emojis)
		return printJSON(cmd, struct {
			SessionID string            `json:"sessionId"`
			QR        *pairing.QRPayload `json:"qr"`
			Result    *pairing.Result    `json:"result"`
		}{sessionID, qr, result})
	},
}

var pairJoinQR string

var pairJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join an existing device's pairing session from its QR payload (JSON via --qr)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var qr pairing.QRPayload
		if err := json.Unmarshal([]byte(pairJoinQR), &qr); err != nil {
			return fmt.Errorf("parse --qr payload: %w", err)
		}
		result, sessionID, err := app.pairing.Join(cmd.Context(), &qr)
		if err != nil {
			return err
		}
		return printJSON(cmd, struct {
			SessionID string          `json:"sessionId"`
			Result    *pairing.Result `json:"result"`
		}{sessionID, result})
	},
}

var pairConfirmSession string

var pairConfirmCmd = &cobra.Command{
	Use:   "confirm",
	Short: "Confirm the emoji fingerprint and complete the pairing handshake (initiator side)",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := app.pairing.ConfirmAndExchange(cmd.Context(), pairConfirmSession, func(context.Context, []byte, []byte) error {
			// Joining an already-synced owner: no legacy ledger to migrate.
			return nil
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

func init() {
	pairJoinCmd.Flags().StringVar(&pairJoinQR, "qr", "", "the initiator's QR payload, as JSON")
	pairConfirmCmd.Flags().StringVar(&pairConfirmSession, "session", "", "the pairing session id returned by 'pair init'")

	pairCmd.AddCommand(pairInitCmd)
	pairCmd.AddCommand(pairJoinCmd)
	pairCmd.AddCommand(pairConfirmCmd)
}
