package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orgbridge/orgbridge/internal/adapter/outbound/memory"
	"github.com/orgbridge/orgbridge/internal/adapter/outbound/sqlite"
	"github.com/orgbridge/orgbridge/internal/config"
	"github.com/orgbridge/orgbridge/internal/domain/audit"
	"github.com/orgbridge/orgbridge/internal/domain/grant"
	"github.com/orgbridge/orgbridge/internal/domain/ratelimit"
	"github.com/orgbridge/orgbridge/internal/service"
)

// cliActor identifies command-line revocations in audit events.
const cliActor = "cli"

var (
	grantsDBPath string
	grantsUser   string
	grantsJSON   bool
	grantsReason string
	grantsOrg    string
)

var grantsCmd = &cobra.Command{
	Use:   "grants",
	Short: "List or revoke grants in the SQLite store",
	Long: `Inspect and revoke grants directly in the SQLite grant store.

The database path comes from store.sqlite_path unless --db is given.
Revocations are written to the configured audit output. A running server
stops accepting the grant's tokens within the validation cache lifetime.`,
}

var grantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all grants of a user",
	Example: `  orgbridge grants list --user user-123
  orgbridge grants list --user user-123 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuthority(cmd.Context(), func(a *service.AuthorityService) error {
			summaries, err := a.ListGrants(cmd.Context(), grantsUser)
			if err != nil {
				return err
			}
			if grantsJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}
			return printGrants(cmd.OutOrStdout(), summaries)
		})
	},
}

var grantsRevokeCmd = &cobra.Command{
	Use:   "revoke <grant-id>",
	Short: "Revoke a grant",
	Example: `  orgbridge grants revoke 6f1c... --reason compromised
  orgbridge grants revoke --user user-123 --org org-9 --reason membership_removed`,
	Args: func(cmd *cobra.Command, args []string) error {
		if grantsOrg != "" {
			if grantsUser == "" || len(args) != 0 {
				return errors.New("--org requires --user and no grant id")
			}
			return nil
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuthority(cmd.Context(), func(a *service.AuthorityService) error {
			out := cmd.OutOrStdout()
			if grantsOrg != "" {
				n, err := a.RevokeMembership(cmd.Context(), grantsUser, grantsOrg, grantsReason, cliActor)
				fmt.Fprintf(out, "revoked %d grant(s)\n", n)
				return err
			}
			if err := a.Revoke(cmd.Context(), args[0], grantsReason, cliActor); err != nil {
				if errors.Is(err, grant.ErrGrantNotFound) {
					return fmt.Errorf("grant %s not found", args[0])
				}
				return err
			}
			fmt.Fprintf(out, "grant %s revoked\n", args[0])
			return nil
		})
	},
}

func init() {
	grantsCmd.PersistentFlags().StringVar(&grantsDBPath, "db", "", "SQLite database path (default: store.sqlite_path)")

	grantsListCmd.Flags().StringVar(&grantsUser, "user", "", "user ID")
	grantsListCmd.Flags().BoolVar(&grantsJSON, "json", false, "print JSON")
	_ = grantsListCmd.MarkFlagRequired("user")

	grantsRevokeCmd.Flags().StringVar(&grantsReason, "reason", audit.ReasonAdminRequest, "reason recorded in the audit event")
	grantsRevokeCmd.Flags().StringVar(&grantsUser, "user", "", "with --org: revoke every active grant of this user")
	grantsRevokeCmd.Flags().StringVar(&grantsOrg, "org", "", "with --user: organization to revoke")

	grantsCmd.AddCommand(grantsListCmd, grantsRevokeCmd)
	rootCmd.AddCommand(grantsCmd)
}

// withAuthority opens the SQLite store and audit pipeline, runs fn against
// an authority bound to them, and tears everything down.
func withAuthority(ctx context.Context, fn func(*service.AuthorityService) error) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	path := grantsDBPath
	if path == "" {
		if cfg.Store.Driver != "sqlite" || cfg.Store.SQLitePath == "" {
			return errors.New("no SQLite store configured; pass --db or set store.sqlite_path")
		}
		path = cfg.Store.SQLitePath
	}

	logger := newLogger(cfg).With("component", "cli")

	store, err := sqlite.Open(path, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = store.Close() }()

	auditStore, err := memory.OpenAuditStore(cfg.Audit.Output, 1)
	if err != nil {
		return fmt.Errorf("failed to create audit store: %w", err)
	}
	defer func() { _ = auditStore.Close() }()

	auditService := service.NewAuditService(auditStore, logger, service.WithFlushInterval(100*time.Millisecond))
	auditService.Start(ctx)
	defer auditService.Stop()

	authority := newCLIAuthority(store, auditService, logger)
	defer authority.Stop()

	return fn(authority)
}

// newCLIAuthority builds an authority that only revokes and lists. The
// validation cache is disabled since the process is short lived.
func newCLIAuthority(store *sqlite.Store, recorder audit.Recorder, logger *slog.Logger) *service.AuthorityService {
	cfg := service.DefaultAuthorityConfig()
	cfg.ValidationCacheTTL = 0
	guard := ratelimit.NewGuard(memory.NewRateLimiter(), ratelimit.DefaultPolicies())
	return service.NewAuthorityService(store, store, guard, recorder, cfg, logger)
}

func printGrants(w io.Writer, summaries []grant.Summary) error {
	if len(summaries) == 0 {
		_, err := fmt.Fprintln(w, "no grants")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCLIENT\tORGANIZATION\tSTATUS\tCREATED\tLAST USED")
	for _, s := range summaries {
		status := "active"
		if !s.Active {
			status = "revoked"
		}
		lastUsed := "never"
		if s.LastUsedAt != nil {
			lastUsed = s.LastUsedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.ClientName, s.OrganizationID, status,
			s.CreatedAt.UTC().Format(time.RFC3339), lastUsed)
	}
	return tw.Flush()
}
