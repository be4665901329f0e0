package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/agentmesh/pkg/api"
	"github.com/cuemby/agentmesh/pkg/client"
	"github.com/cuemby/agentmesh/pkg/config"
	"github.com/cuemby/agentmesh/pkg/core"
	"github.com/cuemby/agentmesh/pkg/log"
	"github.com/cuemby/agentmesh/pkg/security"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a command error to the CLI's exit code convention: 0
// success, 2 bad args, 1 runtime failure.
func exitCodeFor(err error) int {
	if _, ok := err.(*usageError); ok {
		return 2
	}
	return 1
}

// usageError marks a command failure as a bad-arguments error rather than
// a runtime one, so main can exit 2 instead of 1.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }

func badArgs(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

var rootCmd = &cobra.Command{
	Use:   "agentmesh",
	Short: "agentmesh - a multi-agent orchestration runtime",
	Long: `agentmesh registers agents, routes messages between them over
the strongest compatible transport tier, and schedules dependency-ordered
plans across the fleet.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"agentmesh version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("addr", "http://127.0.0.1:8642", "Admin API address")
	rootCmd.PersistentFlags().String("token", "", "Session bearer token (or set AGENTMESH_TOKEN)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(shutdownCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// newClient builds an admin API client from the --addr/--token persistent
// flags, falling back to AGENTMESH_TOKEN when --token is unset.
func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("AGENTMESH_TOKEN")
	}
	if token == "" {
		return nil, badArgs("--token or AGENTMESH_TOKEN is required")
	}
	return client.NewClientWithToken(addr, token), nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agentmesh core runtime",
	Long:  `Start one agentmesh node: registry, router, planner, and the admin API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		c, err := core.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize core: %w", err)
		}
		c.Start()

		fmt.Println("agentmesh core starting...")
		fmt.Printf("  Cluster ID: %s\n", cfg.ClusterID)
		fmt.Printf("  Store: %s\n", cfg.StoreURL)
		fmt.Printf("  Max agents: %d\n", cfg.MaxAgents)
		fmt.Printf("  Admin API: %s\n", cfg.AdminListenAddr)
		fmt.Printf("  Local socket: %s (read-only)\n", cfg.ListenPath)

		srv := api.NewServer(c)
		errCh := make(chan error, 2)
		go func() {
			if err := srv.Start(cfg.AdminListenAddr); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("admin API error: %w", err)
			}
		}()
		go func() {
			if err := srv.StartLocalSocket(cfg.ListenPath); err != nil {
				errCh <- fmt.Errorf("local socket error: %w", err)
			}
		}()

		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")
		if pprofEnabled {
			pprofAddr := "127.0.0.1:6060"
			go func() {
				_ = http.ListenAndServe(pprofAddr, nil)
			}()
			fmt.Printf("  pprof: http://%s/debug/pprof/\n", pprofAddr)
		}

		fmt.Println()
		fmt.Println("agentmesh core is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\n%v\n", err)
		}

		c.Stop()
		fmt.Println("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Session management",
}

var sessionIssueCmd = &cobra.Command{
	Use:   "issue NAME",
	Short: "Issue a session token for an agent via the bootstrap secret",
	Long: `Mints a session token the way a parent runtime bootstraps a child
agent process it is spawning. Requires the cluster's bootstrap secret,
derived from --cluster-id the same way the core derives it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		role, _ := cmd.Flags().GetString("role")
		clusterID, _ := cmd.Flags().GetString("cluster-id")
		addr, _ := cmd.Flags().GetString("addr")

		secret := string(security.BootstrapKey(clusterID))

		c := client.NewClient(addr)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		session, err := c.IssueSession(ctx, name, roleFromString(role), secret)
		if err != nil {
			return fmt.Errorf("failed to issue session: %w", err)
		}

		fmt.Printf("Agent: %s\n", session.AgentName)
		fmt.Printf("Role: %s\n", session.Role)
		fmt.Printf("Expires: %s\n", session.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionIssueCmd)
	sessionIssueCmd.Flags().String("role", "user", "Role to grant (admin, operator, user, observer)")
	sessionIssueCmd.Flags().String("cluster-id", "default", "Cluster ID the bootstrap secret is derived from")
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Agent registry operations",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the registry snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		capability, _ := cmd.Flags().GetString("capability")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		agents, err := c.ListAgents(ctx, capability)
		if err != nil {
			return fmt.Errorf("failed to list agents: %w", err)
		}

		if len(agents) == 0 {
			fmt.Println("No agents registered")
			return nil
		}

		fmt.Printf("%-24s %-12s %-10s %s\n", "NAME", "STATUS", "TASKS", "CAPABILITIES")
		for _, a := range agents {
			fmt.Printf("%-24s %-12s %-10d %v\n", a.Name, a.Status, a.InflightTasks, a.Capabilities)
		}
		return nil
	},
}

func init() {
	agentsCmd.AddCommand(agentsListCmd)
	agentsListCmd.Flags().String("capability", "", "Filter to agents declaring this capability")
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan operations",
}

var planStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Print plan state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		status, err := c.PlanStatus(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to fetch plan status: %w", err)
		}

		fmt.Printf("Plan: %s (%s)\n", status.PlanID, status.Name)
		fmt.Printf("Status: %s\n", status.Status)
		fmt.Printf("Waves: %d\n", status.Waves)
		fmt.Printf("Updated: %s\n", status.UpdatedAt.Format(time.RFC3339))
		if len(status.Tasks) > 0 {
			fmt.Println("Tasks:")
			for _, t := range status.Tasks {
				fmt.Printf("  %-16s %-10s agent=%s\n", t.ID, t.Status, t.AssignedAgent)
			}
		}
		return nil
	},
}

var planSubmitCmd = &cobra.Command{
	Use:   "submit FILE.yaml",
	Short: "Submit a plan spec loaded from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanSubmit,
}

var planCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a pending or running plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := c.CancelPlan(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to cancel plan: %w", err)
		}
		fmt.Printf("plan %s cancelled\n", args[0])
		return nil
	},
}

func init() {
	planCmd.AddCommand(planStatusCmd)
	planCmd.AddCommand(planSubmitCmd)
	planCmd.AddCommand(planCancelCmd)
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Broadcast shutdown to the node behind --addr",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		drain, _ := cmd.Flags().GetBool("drain")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := c.Shutdown(ctx, drain); err != nil {
			return fmt.Errorf("failed to request shutdown: %w", err)
		}
		fmt.Println("shutdown requested")
		return nil
	},
}

func init() {
	shutdownCmd.Flags().Bool("drain", false, "Pass drain=true to the node, which logs it; shutdown does not wait for in-flight plans")
}

func roleFromString(s string) types.Role {
	switch s {
	case "admin":
		return types.RoleAdmin
	case "operator":
		return types.RoleOperator
	case "observer":
		return types.RoleObserver
	default:
		return types.RoleUser
	}
}
