package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCRMPushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "crm-push <lead-id>",
		Short: "Queue a push of a lead to the CRM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromCommand(cmd)
			if err != nil {
				return err
			}
			id, err := client.PushLead(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s queued\n", id)
			return nil
		},
	}
}

func newRemindCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remind <appointment-id>",
		Short: "Queue an appointment reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromCommand(cmd)
			if err != nil {
				return err
			}
			reminderType, _ := cmd.Flags().GetString("type")
			id, err := client.SendReminder(cmd.Context(), args[0], reminderType)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s queued\n", id)
			return nil
		},
	}
	cmd.Flags().String("type", "24h", "Reminder type (24h, 1h or a custom label)")
	return cmd
}
