package cmd

import (
	"github.com/spf13/cobra"

	"github.com/anisbkh/drbackup/internal/dr"
)

var verifySample int

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-checksum a sample of stored artifacts across all destinations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := buildEngine(ctx, dr.Hooks{})
		if err != nil {
			return err
		}
		return eng.Verifier.Sweep(ctx, verifySample)
	},
}

func init() {
	verifyCmd.Flags().
		IntVarP(&verifySample, "sample", "n", 10, "how many artifacts to verify")
}
