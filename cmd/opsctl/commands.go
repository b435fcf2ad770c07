package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/angelmondragon/membergate-backend/internal/cron"
	"github.com/angelmondragon/membergate-backend/internal/operator"
	pkgAuth "github.com/angelmondragon/membergate-backend/pkg/auth"
	"github.com/angelmondragon/membergate-backend/pkg/config"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
)

const cliActor = "opsctl"

func parseAccountID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("account id must be a positive integer, got %q", raw)
	}
	return id, nil
}

func newGrantCommand() *cobra.Command {
	var (
		days   int
		reason string
	)
	cmd := &cobra.Command{
		Use:   "grant <account-id>",
		Short: "Extend an account's access by a number of days",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.services.Operator.Grant(cmd.Context(), operator.GrantRequest{
				AccountID: accountID,
				Days:      days,
				Actor:     cliActor,
				Reason:    reason,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "days of access to add")
	cmd.Flags().StringVar(&reason, "reason", "", "audit note")
	return cmd
}

func newRevokeCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <account-id>",
		Short: "End an account's access now and remove it from the group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.services.Operator.Revoke(cmd.Context(), operator.RevokeRequest{
				AccountID: accountID,
				Actor:     cliActor,
				Reason:    reason,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "audit note")
	return cmd
}

func newResyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Run one reconcile sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			summary, err := rt.services.Operator.Resync(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func newRecomputeCommand() *cobra.Command {
	var (
		source  string
		account int64
	)
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Rebuild expiries from payment history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if source != "local" && source != "provider" {
				return fmt.Errorf("--source must be local or provider, got %q", source)
			}
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if account > 0 {
				change, err := rt.services.Operator.RecomputeAccount(cmd.Context(), account)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"account_id":          account,
					"previous_expires_at": change.Previous,
					"expires_at":          change.Current,
					"raised":              change.Raised(),
				})
			}
			if source == "provider" {
				summary, err := rt.services.Operator.RecomputeFromProvider(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			}
			summary, err := rt.services.Operator.RecomputeLocal(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&source, "source", "local", "local payment log or provider history")
	cmd.Flags().Int64Var(&account, "account", 0, "recompute a single account from the local log")
	return cmd
}

// newRunCommand runs a single cycle of one periodic job in the foreground.
func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job>",
		Short: "Run one cycle of reconcile, renewal, reminders or payment-poll",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			jobs, err := cron.NewJobs(rt.logg, cron.Sweepers{
				Reconcile: rt.services.Reconciler,
				Renewal:   rt.services.Renewal,
				Reminders: rt.services.Reminders,
				Payments:  rt.services.Payments,
			})
			if err != nil {
				return err
			}
			job, ok := jobs.Lookup(args[0])
			if !ok {
				return fmt.Errorf("unknown job %q, expected one of %v", args[0], jobs.Names())
			}
			ctx := rt.logg.WithField(rt.logg.WithJob(cmd.Context(), job.Name()), "actor", cliActor)
			if err := job.Run(ctx); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s cycle complete\n", job.Name())
			return err
		},
	}
}

// newTokenCommand mints an API token; it only needs the JWT settings.
func newTokenCommand() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "token <account-id>",
		Short: "Mint an API access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			r := enums.Role(role)
			if !r.IsValid() {
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if r == enums.RoleOperator && !cfg.Admin.IsAdmin(accountID) {
				return fmt.Errorf("account %d is not on the operator allow-list", accountID)
			}
			token, err := pkgAuth.MintAccessToken(cfg.JWT, time.Now(), pkgAuth.AccessTokenPayload{
				AccountID: accountID,
				Role:      r,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&role, "role", string(enums.RoleMember), "member or operator")
	return cmd
}
