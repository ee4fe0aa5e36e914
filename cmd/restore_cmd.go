package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/anisbkh/drbackup/internal/dr"
	"github.com/anisbkh/drbackup/internal/metadata"
	"github.com/anisbkh/drbackup/internal/restore"
)

var (
	restoreMode    string
	restoreTarget  string
	restoreTenants string
	restoreBy      string
	restoreReason  string
)

var restoreCmd = &cobra.Command{
	Use:   "restore [backup-id]",
	Short: "Restore a backup (full, merge, tenant, or point-in-time)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := buildEngine(ctx, dr.Hooks{})
		if err != nil {
			return err
		}

		var backupID string
		if len(args) > 0 {
			backupID = args[0]
		}

		opts := restore.Options{
			Mode:        metadata.RestoreMode(restoreMode),
			InitiatedBy: restoreBy,
			Reason:      restoreReason,
			Parallel:    eng.Cfg.Recovery.RestoreParallelism,
		}
		if restoreTarget != "" {
			target, err := time.Parse(time.RFC3339, restoreTarget)
			if err != nil {
				return fmt.Errorf("parse --target: %w", err)
			}
			opts.TargetTime = target
		}
		if restoreTenants != "" {
			opts.TenantIDs = strings.Split(restoreTenants, ",")
		}

		rlog, err := eng.Restore.Restore(ctx, backupID, opts)
		if err != nil {
			return err
		}
		fmt.Printf("restore %s: %s (%d rows, %.1fs)\n",
			rlog.ID, rlog.Status, rlog.RowsRestored, rlog.DurationSecs)
		return nil
	},
}

func init() {
	restoreCmd.Flags().
		StringVarP(&restoreMode, "mode", "m", "full", "restore mode: full, merge, tenant, point_in_time")
	restoreCmd.Flags().
		StringVar(&restoreTarget, "target", "", "target timestamp (RFC3339) for point-in-time mode")
	restoreCmd.Flags().
		StringVar(&restoreTenants, "tenants", "", "comma-separated tenant ids for tenant mode")
	restoreCmd.Flags().
		StringVar(&restoreBy, "by", "cli", "operator recorded as initiator")
	restoreCmd.Flags().
		StringVar(&restoreReason, "reason", "", "free-text reason for the restore")
}
