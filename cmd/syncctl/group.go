package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/recordmoney/syncd/internal/group"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Create and manage expense-sharing groups",
}

var groupCreateSelfPersonUUID string

var groupCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupUUID, err := app.group.CreateGroup(cmd.Context(), args[0], groupCreateSelfPersonUUID)
		if err != nil {
			return err
		}
		return printJSON(cmd, struct {
			GroupUUID string `json:"groupUuid"`
		}{groupUUID})
	},
}

var inviteGroupName string

var groupInviteCmd = &cobra.Command{
	Use:   "invite <groupUuid>",
	Short: "Start a member invite, printing a QR payload and session id to share",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		qr, sessionID, err := app.group.StartInvite(cmd.Context(), args[0], inviteGroupName)
		if err != nil {
			return err
		}
		result, err := app.group.AwaitInviteResponse(cmd.Context(), sessionID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "session %s awaiting approval, emoji fingerprint: %v\n", sessionID, result.Emojis)
		return printJSON(cmd, struct {
			SessionID string                 `json:"sessionId"`
			QR        *group.InviteQRPayload `json:"qr"`
			Result    *group.Result          `json:"result"`
		}{sessionID, qr, result})
	},
}

var groupApproveSession string

var groupApproveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve a pending invite response, admitting the prospective member",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := app.group.ApproveInvite(cmd.Context(), groupApproveSession)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

var groupRemoveCmd = &cobra.Command{
	Use:   "remove <groupUuid> <personUuid>",
	Short: "Remove a member and rotate the group key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupKey, err := app.group.RemoveMember(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd, struct {
			GroupKey []byte `json:"groupKey"`
		}{groupKey})
	},
}

var groupExitPersonalLedger bool

var groupExitCmd = &cobra.Command{
	Use:   "exit <groupUuid> <selfPersonUuid>",
	Short: "Exit a group (refused when --personal-ledger is set)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.group.ExitGroup(cmd.Context(), args[0], args[1], groupExitPersonalLedger)
	},
}

var forkMembersJSON string

var groupForkCmd = &cobra.Command{
	Use:   "fork <sourceGroupName>",
	Short: "Fork a group into a fresh one for a subset of its members (JSON array of {personUuid,authPublicKey} via --members)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var members []group.Member
		if err := json.Unmarshal([]byte(forkMembersJSON), &members); err != nil {
			return fmt.Errorf("parse --members: %w", err)
		}
		result, err := app.group.ForkGroup(cmd.Context(), args[0], members)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

func init() {
	groupCreateCmd.Flags().StringVar(&groupCreateSelfPersonUUID, "self-person", "", "this device's Person UUID")
	groupInviteCmd.Flags().StringVar(&inviteGroupName, "name", "", "group display name shown in the invite QR")
	groupApproveCmd.Flags().StringVar(&groupApproveSession, "session", "", "the invite session id returned by 'group invite'")
	groupExitCmd.Flags().BoolVar(&groupExitPersonalLedger, "personal-ledger", false, "set if the target group is the Personal Ledger")
	groupForkCmd.Flags().StringVar(&forkMembersJSON, "members", "[]", "JSON array of remaining members")

	groupCmd.AddCommand(groupCreateCmd)
	groupCmd.AddCommand(groupInviteCmd)
	groupCmd.AddCommand(groupApproveCmd)
	groupCmd.AddCommand(groupRemoveCmd)
	groupCmd.AddCommand(groupExitCmd)
	groupCmd.AddCommand(groupForkCmd)
}
