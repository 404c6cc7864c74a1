// Package main provides the civisync CLI entrypoint.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jcastel/civisync/internal/backend"
	"github.com/jcastel/civisync/internal/config"
	"github.com/jcastel/civisync/internal/ingest"
	"github.com/jcastel/civisync/internal/logger"
	"github.com/jcastel/civisync/internal/store"
	syncengine "github.com/jcastel/civisync/internal/sync"
	"github.com/jcastel/civisync/internal/watch"
)

var (
	configPath string
	apiBaseURL string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "civisync",
	Short: "Offline queue and sync agent for civic-issue reports",
	Long: `civisync queues civic-issue reports locally while the reporting
backend is unreachable and delivers them once connectivity returns.

Reports can be queued from the command line or through the local intake
API started by the daemon command.`,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Queue a report for delivery",
	RunE:  runReport,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List reports waiting for delivery",
	RunE:  runPending,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync sweep now",
	RunE:  runSync,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the intake API, connectivity monitor and sync worker",
	RunE:  runDaemon,
}

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Manage reports that exhausted their retries",
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered reports",
	RunE:  runDeadletterList,
}

var deadletterRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Make a dead-lettered report eligible for delivery again",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadletterRequeue,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove synced rows left behind by an interrupted sweep",
	RunE:  runPurge,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "civisync.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&apiBaseURL, "api-url", "", "override api_base_url from the config")

	reportCmd.Flags().String("category", "", "issue category, e.g. road or garbage")
	reportCmd.Flags().String("description", "", "free-text description")
	reportCmd.Flags().Float64("lat", 0, "latitude")
	reportCmd.Flags().Float64("lng", 0, "longitude")
	reportCmd.Flags().String("image", "", "path to a photo to attach")
	reportCmd.MarkFlagRequired("category")
	reportCmd.MarkFlagRequired("description")

	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterRequeueCmd)

	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(deadletterCmd)
	rootCmd.AddCommand(purgeCmd)
}

// loadConfig loads the configuration file. A missing file falls back to
// defaults so commands that only touch the local queue keep working.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if apiBaseURL != "" {
		cfg.APIBaseURL = apiBaseURL
	}

	if cfg.Log.Level != "" {
		level, err := logger.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(level)
	}
	if cfg.Log.File != "" {
		if err := logger.SetLogFile(cfg.Log.File); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func openStore(cfg *config.Config) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open report queue: %w", err)
	}
	return db, nil
}

func requireAPI(cfg *config.Config) error {
	if cfg.APIBaseURL == "" {
		return fmt.Errorf("no API base URL configured: set api_base_url in %s or pass --api-url", configPath)
	}
	return nil
}

func newEngine(cfg *config.Config, db *store.DB, client *backend.Client) *syncengine.Engine {
	return syncengine.NewEngine(db, client, syncengine.Backoff{
		Base:        cfg.Backoff.Base,
		Cap:         cfg.Backoff.Cap,
		MaxAttempts: cfg.Backoff.MaxAttempts,
	})
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	draft := store.Draft{}
	draft.Category, _ = cmd.Flags().GetString("category")
	draft.Description, _ = cmd.Flags().GetString("description")

	if cmd.Flags().Changed("lat") {
		v, _ := cmd.Flags().GetFloat64("lat")
		draft.Latitude = &v
	}
	if cmd.Flags().Changed("lng") {
		v, _ := cmd.Flags().GetFloat64("lng")
		draft.Longitude = &v
	}
	if imagePath, _ := cmd.Flags().GetString("image"); imagePath != "" {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return fmt.Errorf("failed to read image %s: %w", imagePath, err)
		}
		draft.Image = data
	}

	id, err := db.SaveReport(draft)
	if err != nil {
		return err
	}

	fmt.Printf("queued report %d\n", id)
	return nil
}

func runPending(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reports, err := db.PendingReports()
	if err != nil {
		return err
	}

	if len(reports) == 0 {
		fmt.Println("no pending reports")
		return nil
	}

	waiting := color.New(color.FgYellow).SprintFunc()
	failing := color.New(color.FgRed).SprintFunc()

	for _, r := range reports {
		status := waiting("waiting")
		if r.Attempts > 0 {
			status = failing(fmt.Sprintf("%d failed attempts", r.Attempts))
		}
		fmt.Printf("%4d  %-12s  %-19s  %s  %s\n", r.ID, r.Category, r.CreatedAt, status, truncate(r.Description, 50))
	}
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireAPI(cfg); err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	client := backend.NewWithTimeout(cfg.APIBaseURL, cfg.UploadTimeout)
	stats, err := newEngine(cfg, db, client).SyncNow()
	if err != nil {
		return err
	}

	fmt.Printf("attempted %d, delivered %d, failed %d, dead-lettered %d\n",
		stats.Attempted, stats.Delivered, stats.Failed, stats.DeadLettered)
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireAPI(cfg); err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}

	// Clean up anything an interrupted sweep left behind.
	if n, err := db.PurgeSynced(); err != nil {
		logger.Warn("daemon: failed to purge synced reports: %v", err)
	} else if n > 0 {
		logger.Info("daemon: purged %d synced reports from a previous run", n)
	}

	client := backend.NewWithTimeout(cfg.APIBaseURL, cfg.UploadTimeout)
	engine := newEngine(cfg, db, client)
	engine.Start()

	monitor := watch.NewMonitor(client, cfg.ProbeInterval, engine.TriggerSync)
	monitor.Start()

	server := ingest.New(db, engine.TriggerSync)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Listen(cfg.ListenAddr)
	}()
	logger.Info("daemon: intake API listening on %s", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("daemon: received %s, shutting down", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("daemon: intake API failed: %v", err)
		}
	}

	// Teardown order mirrors the bootstrap: triggers first, then the
	// worker, then storage.
	monitor.Stop()
	if err := server.Shutdown(); err != nil {
		logger.Warn("daemon: failed to shut down intake API: %v", err)
	}
	engine.Stop()
	if err := db.Close(); err != nil {
		logger.Warn("daemon: failed to close report queue: %v", err)
	}
	logger.Close()

	return nil
}

func runDeadletterList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reports, err := db.DeadLetterReports()
	if err != nil {
		return err
	}

	if len(reports) == 0 {
		fmt.Println("no dead-lettered reports")
		return nil
	}

	dead := color.New(color.FgRed, color.Bold).SprintFunc()
	for _, r := range reports {
		fmt.Printf("%4d  %-12s  %s  %s\n", r.ID, r.Category, dead("dead"), truncate(r.LastError, 60))
	}
	return nil
}

func runDeadletterRequeue(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid report id %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.RequeueDeadLetter(id); err != nil {
		return err
	}

	fmt.Printf("report %d re-queued\n", id)
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.PurgeSynced()
	if err != nil {
		return err
	}

	fmt.Printf("purged %d synced reports\n", n)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
