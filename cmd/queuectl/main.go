package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	_ "time/tzdata"

	"qms/agency-queue/internal/app"
	"qms/agency-queue/internal/config"
	"qms/agency-queue/internal/httpapi"
	"qms/agency-queue/internal/logging"
	"qms/agency-queue/internal/queue"
	"qms/agency-queue/internal/seed"
	"qms/agency-queue/internal/store"
	"qms/agency-queue/internal/store/postgres"
	"qms/agency-queue/migrations"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// env is built lazily by commands that need backends.
type env struct {
	cfg    config.Config
	logger *zap.Logger
	deps   *app.Deps
}

func openEnv(ctx context.Context) (*env, error) {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, deps: deps}, nil
}

func (e *env) close() {
	e.deps.Close()
	_ = e.logger.Sync()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "queuectl",
		Short:        "Operate the agency queue: migrations, seeding, tokens and maintenance jobs",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(
		newMigrateCmd(),
		newSeedCmd(),
		newTokenCmd(),
		newCleanupCmd(),
		newNotifyCmd(),
		newVerifyLogCmd(),
	)
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			if e.deps.Pool == nil {
				return errors.New("migrate requires STORE_DRIVER=postgres and DB_DSN")
			}
			applied, err := postgres.Migrate(cmd.Context(), e.deps.Pool, migrations.Files)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			return nil
		},
	}
}

func newSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load agencies and agents from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := seed.LoadFile(file)
			if err != nil {
				return err
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			result, err := seed.Apply(cmd.Context(), e.deps.Store, data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d agencies and %d agents\n", result.Agencies, result.Agents)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "seed.yaml", "Seed file path")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			if e.cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required")
			}
			agent, err := e.deps.Store.GetAgent(cmd.Context(), agentID)
			if err != nil {
				return err
			}
			if !agent.Active {
				return fmt.Errorf("agent %s is inactive", agentID)
			}
			token, expiresAt, err := httpapi.NewTokenIssuer(e.cfg.JWTSecret, e.cfg.TokenTTL, queue.RealClock().Now).Issue(agent)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format("2006-01-02 15:04:05 MST"))
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id (required)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	var days int
	var yes bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete done and cancelled tickets older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			cleaner := app.NewCleaner(e.cfg, e.deps, days, e.logger)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cleaning tickets last updated before %s\n", cleaner.Cutoff().Format("2006-01-02 15:04:05"))

			pending, err := cleaner.Pending(cmd.Context())
			if err != nil {
				return err
			}
			if pending == 0 {
				fmt.Fprintln(out, "nothing to clean up")
				return nil
			}
			fmt.Fprintf(out, "%d tickets will be deleted\n", pending)
			if !yes && !confirm(cmd.InOrStdin(), out, "continue?") {
				fmt.Fprintln(out, "aborted")
				return nil
			}
			deleted, err := cleaner.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "deleted %d tickets\n", deleted)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Days to keep (defaults to RETENTION_DAYS)")
	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the confirmation prompt")
	return cmd
}

func newNotifyCmd() *cobra.Command {
	var test bool
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Send long-wait notifications and long-service alerts for open agencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			report, err := app.NewNotifier(e.cfg, e.deps, test, e.logger).Run(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, agency := range report.Agencies {
				fmt.Fprintf(out, "%s: %d waiting, %d in service\n", agency.Name, agency.Waiting, agency.InService)
				for _, n := range agency.Notifications {
					prefix := "  "
					if test {
						prefix = "  [test] "
					}
					fmt.Fprintf(out, "%s%s: %s\n", prefix, n.Kind, n.Message)
				}
			}
			if report.Total() == 0 {
				fmt.Fprintln(out, "no notifications to send")
				return nil
			}
			fmt.Fprintf(out, "%d notifications, %d sent, %d failed\n", report.Total(), report.Sent, report.Failed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&test, "test", false, "Print notifications without delivering them")
	return cmd
}

func newVerifyLogCmd() *cobra.Command {
	var ticketID string
	cmd := &cobra.Command{
		Use:   "verify-log",
		Short: "Check the hash chain of a ticket's distribution log",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			service, err := app.NewService(e.cfg, e.deps, e.logger, nil)
			if err != nil {
				return err
			}
			if err := service.VerifyLog(cmd.Context(), ticketID); err != nil {
				return err
			}
			entries, err := service.ListLog(cmd.Context(), store.LogFilter{TicketID: ticketID})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		},
	}
	cmd.Flags().StringVar(&ticketID, "ticket", "", "Ticket id (required)")
	_ = cmd.MarkFlagRequired("ticket")
	return cmd
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
