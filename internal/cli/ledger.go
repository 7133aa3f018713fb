package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"trustlayer/internal/platform/config"
)

func newLedgerCommand(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Audit ledger operations",
		Long:  "Commands for verifying and purging the hash-chained audit ledger.",
	}
	cmd.AddCommand(newLedgerVerifyCommand(run), newLedgerPurgeCommand(run))
	return cmd
}

func newLedgerVerifyCommand(run runner) *cobra.Command {
	var from, to string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify hash chain integrity",
		Long:  "Recomputes every record hash and link in the range. Exits 0 if the chain is intact, 1 if it is broken.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fromID, err := parseBound("from", from)
			if err != nil {
				return err
			}
			toID, err := parseBound("to", to)
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, b *backend, _ *config.Config) error {
				res, err := b.ledger.VerifyChain(ctx, fromID, toID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					if err := json.NewEncoder(out).Encode(res); err != nil {
						return err
					}
				} else if res.Valid {
					fmt.Fprintf(out, "OK: %d records verified\n", res.Checked)
				} else {
					fmt.Fprintf(out, "BROKEN at %s after %d records: %s\n", res.BrokenAt, res.Checked, res.Reason)
				}
				if !res.Valid {
					return errChainBroken
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first record id (default: start of chain)")
	cmd.Flags().StringVar(&to, "to", "", "last record id (default: head of chain)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newLedgerPurgeCommand(run runner) *cobra.Command {
	var before string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete records past their retention",
		Long:  "Removes the expired prefix of the ledger, always keeping the head, and records the last removed hash so verification can accept the purged prefix.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cutoff := time.Now().UTC()
			if before != "" {
				t, err := time.Parse(time.RFC3339, before)
				if err != nil {
					return fmt.Errorf("--before must be RFC3339: %w", err)
				}
				cutoff = t
			}
			return run(cmd, func(ctx context.Context, b *backend, _ *config.Config) error {
				n, err := b.purger.PurgeExpired(ctx, cutoff)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d records retained until before %s\n", n, cutoff.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "retention cutoff in RFC3339 (default: now)")
	return cmd
}

func parseBound(name, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("--%s must be a record id: %w", name, err)
	}
	return id, nil
}
