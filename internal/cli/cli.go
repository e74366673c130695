// Package cli builds the orchestrator's command line interface on top of
// github.com/spf13/cobra: a root command carrying a persistent --config
// flag, a run subcommand that wires config -> repository -> Engine ->
// signal-driven graceful shutdown, plus operational subcommands
// (submit/status/robots) that talk to a running instance's REST API.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/falconrpa/orchestrator/internal/clock"
	"github.com/falconrpa/orchestrator/internal/config"
	"github.com/falconrpa/orchestrator/internal/engine"
	"github.com/falconrpa/orchestrator/internal/storage/fsrepo"
	"github.com/falconrpa/orchestrator/internal/transport/httpapi"
	"github.com/falconrpa/orchestrator/pkg/types"
)

var log = slog.Default()

var configFile string

// BuildCLI assembles the full command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "RPA orchestrator core: queue, dispatch, schedule, and collect robot job results",
		Long: `orchestrator is a crash-recoverable RPA job orchestrator:
- Write-ahead-log + snapshot durability
- Priority dispatch with pluggable load-balancing strategies
- Cron/interval/once scheduling and file/email/webhook triggers
- Prometheus metrics`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (defaults applied if omitted)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildRobotsCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator()
		},
	}
}

func runOrchestrator() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repo, err := fsrepo.Open(fsrepo.Config{
		Dir:              cfg.Storage.Dir,
		WALBufferSize:    cfg.Storage.WALBufferSize,
		WALFlushInterval: cfg.WALFlushInterval(),
		SnapshotInterval: cfg.SnapshotInterval(),
	})
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.New()
	eng, err := engine.New(ctx, repo, clk, cfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	repo.SetObserver(eng.Metrics)

	server := httpapi.New(eng, eng.Hub, []string{"*"})
	httpSrv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: server}
	go func() {
		log.Info("orchestrator: http listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("orchestrator: http server error", "error", err)
		}
	}()

	go eng.Run(ctx)

	log.Info("orchestrator: started")
	<-ctx.Done()
	log.Info("orchestrator: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdown())
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	eng.Shutdown(shutdownCtx)

	log.Info("orchestrator: stopped")
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var apiAddr, workflowID, workflowFile, priority string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job to a running orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitJob(apiAddr, workflowID, workflowFile, priority)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "http://localhost:8080", "orchestrator API base address")
	cmd.Flags().StringVar(&workflowID, "workflow-id", "", "workflow identifier")
	cmd.Flags().StringVar(&workflowFile, "workflow-file", "", "path to the workflow document to submit")
	cmd.Flags().StringVar(&priority, "priority", "normal", "one of low, normal, high, critical")
	cmd.MarkFlagRequired("workflow-id")
	cmd.MarkFlagRequired("workflow-file")

	return cmd
}

func submitJob(apiAddr, workflowID, workflowFile, priority string) error {
	doc, err := os.ReadFile(workflowFile)
	if err != nil {
		return fmt.Errorf("read workflow file: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"workflow_id":       workflowID,
		"workflow_document": doc,
		"priority":          priority,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := http.Post(apiAddr+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()

	var job types.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Printf("submitted job %s (status %s)\n", job.ID, job.Status)
	return nil
}

func buildStatusCommand() *cobra.Command {
	var apiAddr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator queue/fleet status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(apiAddr)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "http://localhost:8080", "orchestrator API base address")
	return cmd
}

func showStatus(apiAddr string) error {
	resp, err := http.Get(apiAddr + "/api/v1/metrics")
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	var snap map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	fmt.Println("Orchestrator status")
	fmt.Printf("  queue depth by priority: %v\n", snap["QueueDepthByPriority"])
	fmt.Printf("  robots online:  %v\n", snap["RobotsOnline"])
	fmt.Printf("  robots busy:    %v\n", snap["RobotsBusy"])
	fmt.Printf("  robots offline: %v\n", snap["RobotsOffline"])
	fmt.Printf("  pending cancels: %v\n", snap["PendingCancels"])
	return nil
}

func buildRobotsCommand() *cobra.Command {
	var apiAddr, status string
	cmd := &cobra.Command{
		Use:   "robots",
		Short: "List registered robots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRobots(apiAddr, status)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "http://localhost:8080", "orchestrator API base address")
	cmd.Flags().StringVar(&status, "status", "", "filter by status: online, busy, offline, failed")
	return cmd
}

func listRobots(apiAddr, status string) error {
	url := apiAddr + "/api/v1/robots"
	if status != "" {
		url += "?status=" + status
	}
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("fetch robots: %w", err)
	}
	defer resp.Body.Close()

	var robots []types.Robot
	if err := json.NewDecoder(resp.Body).Decode(&robots); err != nil {
		return fmt.Errorf("decode robots: %w", err)
	}

	for _, r := range robots {
		fmt.Printf("%-20s %-10s jobs=%d/%d\n", r.ID, r.Status, r.CurrentJobs, r.MaxConcurrentJobs)
	}
	return nil
}
