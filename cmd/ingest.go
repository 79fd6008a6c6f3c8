package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/runtime"
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [statement.csv]",
		Short: "Import a CSV bank statement for a user",
		Long: `Parses a CSV statement and stores its valid rows for the user. Rejected
rows are listed with their line numbers. Importing needs data consent; pass
--consent to record it first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			userID, _ := cmd.Flags().GetString("user")
			consent, _ := cmd.Flags().GetBool("consent")

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open statement: %w", err)
			}
			defer f.Close()

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if consent {
				granted := true
				if _, err := a.service.UpdateProfile(ctx, userID, runtime.ProfileUpdate{DataConsent: &granted}); err != nil {
					return fmt.Errorf("record consent: %w", err)
				}
			}
			res, err := a.service.ImportStatement(ctx, userID, f)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringP("user", "u", "cli", "user id")
	cmd.Flags().Bool("consent", false, "grant data consent before importing")
	return cmd
}
