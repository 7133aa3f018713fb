package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"trustlayer/internal/platform/config"
)

func newSessionCommand(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Refresh session administration",
	}
	cmd.AddCommand(newSessionStartCommand(run), newSessionRevokeCommand(run))
	return cmd
}

type sessionOutput struct {
	SubjectID        string `json:"subject_id"`
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	AccessExpiresAt  string `json:"access_expires_at"`
	RefreshExpiresAt string `json:"refresh_expires_at"`
	AbsoluteExpiry   string `json:"absolute_expiry"`
}

func newSessionStartCommand(run runner) *cobra.Command {
	var subject string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session and print its token pair",
		Long:  "Issues an access and refresh token for a subject and persists the refresh record, for local testing and support tooling.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(subject) == "" {
				subject = uuid.NewString()
			}
			return run(cmd, func(ctx context.Context, b *backend, cfg *config.Config) error {
				pair, err := b.sessions.StartSession(ctx, subject, nil)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				res := sessionOutput{
					SubjectID:        subject,
					AccessToken:      pair.AccessToken,
					RefreshToken:     pair.RefreshToken,
					AccessExpiresAt:  pair.AccessExpiresAt.UTC().Format(time.RFC3339),
					RefreshExpiresAt: pair.RefreshExpiresAt.UTC().Format(time.RFC3339),
					AbsoluteExpiry:   pair.AbsoluteExpiry.UTC().Format(time.RFC3339),
				}
				if asJSON {
					return json.NewEncoder(out).Encode(res)
				}
				fmt.Fprintf(out, "Subject:        %s\n", res.SubjectID)
				fmt.Fprintf(out, "Access until:   %s\n", res.AccessExpiresAt)
				fmt.Fprintf(out, "Refresh until:  %s\n", res.RefreshExpiresAt)
				fmt.Fprintf(out, "Session ends:   %s\n\n", res.AbsoluteExpiry)
				fmt.Fprintf(out, "Access token:\n%s\n\nRefresh token:\n%s\n", res.AccessToken, res.RefreshToken)
				if !cfg.IsProduction() {
					fmt.Fprintln(out, "\nUsage:\n  curl -H \"Authorization: Bearer <access token>\" http://localhost:8080/...")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject id (default: random uuid)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the token pair as JSON")
	return cmd
}

func newSessionRevokeCommand(run runner) *cobra.Command {
	var subject, actor, reason string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Force logout every session of a subject",
		Long:  "Revokes all refresh tokens of a subject and records a FORCE_LOGOUT ledger entry attributed to the actor.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, b *backend, _ *config.Config) error {
				res, err := b.sessions.ForceLogout(ctx, actor, subject, reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %d refresh tokens for %s\n", res.RevokedCount, subject)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject whose sessions are revoked")
	cmd.Flags().StringVar(&actor, "actor", "trustctl", "operator recorded as the actor")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the ledger")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}
