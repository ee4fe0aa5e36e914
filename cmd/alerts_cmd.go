package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anisbkh/drbackup/internal/dr"
)

var ackBy string

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Inspect and acknowledge monitoring alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unacknowledged alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := buildEngine(ctx, dr.Hooks{})
		if err != nil {
			return err
		}
		alerts, err := eng.Repo.ListAlerts(ctx, true)
		if err != nil {
			return err
		}
		for _, a := range alerts {
			fmt.Printf("%s  [%s/%s]  %s\n", a.ID, a.Severity, a.Kind, a.Message)
		}
		if len(alerts) == 0 {
			fmt.Println("no unacknowledged alerts")
		}
		return nil
	},
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack <alert-id>",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := buildEngine(ctx, dr.Hooks{})
		if err != nil {
			return err
		}
		if err := eng.Alerts.Acknowledge(ctx, args[0], ackBy); err != nil {
			return err
		}
		fmt.Printf("alert %s acknowledged by %s\n", args[0], ackBy)
		return nil
	},
}

func init() {
	alertsAckCmd.Flags().
		StringVar(&ackBy, "by", "cli", "operator acknowledging the alert")
	alertsCmd.AddCommand(alertsListCmd)
	alertsCmd.AddCommand(alertsAckCmd)
}
