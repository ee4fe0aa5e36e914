package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anisbkh/drbackup/internal/dr"
	"github.com/anisbkh/drbackup/internal/metadata"
	"github.com/anisbkh/drbackup/internal/pipeline"
)

var (
	backupKind   string
	backupTenant string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run one backup job immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := buildEngine(ctx, dr.Hooks{})
		if err != nil {
			return err
		}

		kind := metadata.BackupKind(backupKind)
		switch kind {
		case metadata.KindFull, metadata.KindConfig:
		case metadata.KindTenant:
			if backupTenant == "" {
				return fmt.Errorf("--tenant is required for tenant backups")
			}
		default:
			return fmt.Errorf("unknown backup kind %q (full, tenant, config)", backupKind)
		}

		rec, err := eng.Pipeline.Run(ctx, pipeline.Job{
			Kind:      kind,
			TenantID:  backupTenant,
			CreatedBy: "cli",
		})
		if err != nil {
			return err
		}
		fmt.Printf("backup %s: %s (%d bytes, checksum %s)\n",
			rec.ID, rec.Status, rec.SizeBytes, rec.Checksum)
		return nil
	},
}

func init() {
	backupCmd.Flags().
		StringVarP(&backupKind, "kind", "k", "full", "backup kind: full, tenant, config")
	backupCmd.Flags().
		StringVarP(&backupTenant, "tenant", "t", "", "tenant id for tenant-scoped backups")
}
