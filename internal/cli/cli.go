// ============================================================================
// localci CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: user-friendly command line interface based on the Cobra framework
//
// Command Structure:
//   localci                         # Root command
//   ├── run                         # Start watching and running tests
//   │   └── --config, -c           # Specify config file
//   │   └── --range                # Git range spec to watch (default HEAD)
//   │   └── --rpc-addr             # gRPC notification service listen address
//   ├── status                      # View current configuration/status
//   ├── --version                   # Display version information
//   └── --help                      # Display help information
//
// Configuration Management:
//   Uses TOML format config file (default: localci.toml), loaded via
//   internal/config.Load.
//
// run Command:
//   Starts the full pipeline:
//   1. Load config file
//   2. Build the worktree/resource pools and open the result database
//   3. Construct the Manager and start the Prometheus metrics server (on
//      :9090) and the gRPC notification service (if an address is given)
//   4. Watch the origin repository for changes to the configured range,
//      feeding resolved revisions into the Manager
//   5. Listen for SIGINT/SIGTERM and shut down gracefully
//
// Signal Handling:
//   run captures SIGINT and SIGTERM and shuts down gracefully:
//   1. Stop watching for new revisions
//   2. Reconcile against the empty revision set (cancels everything in flight)
//   3. Wait for every supervisor job to unwind
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/localci/localci/internal/config"
	"github.com/localci/localci/internal/gitrepo"
	"github.com/localci/localci/internal/manager"
	"github.com/localci/localci/internal/metrics"
	"github.com/localci/localci/internal/resourcepool"
	"github.com/localci/localci/internal/resultdb"
	"github.com/localci/localci/internal/rpcapi"
	"github.com/localci/localci/internal/watch"
	"github.com/localci/localci/pkg/types"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var (
	configFile   string
	globalMgr    *manager.Manager
	globalConfig *config.Config
)

// BuildCLI assembles the root cobra.Command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "localci",
		Short: "localci: runs your test suite against every commit as you work",
		Long: `localci watches a git repository for new commits and runs a
configured set of tests against each one, caching results by commit or
by tree so unchanged work is never re-run twice.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "localci.toml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var rangeSpec string
	var rpcAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start watching the repository and running tests against new commits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem(rangeSpec, rpcAddr)
		},
	}

	cmd.Flags().StringVar(&rangeSpec, "range", "HEAD", "git range spec to watch (e.g. origin/main..HEAD)")
	cmd.Flags().StringVar(&rpcAddr, "rpc-addr", "", "listen address for the gRPC notification service (disabled if empty)")

	return cmd
}

func runSystem(rangeSpec, rpcAddr string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	globalConfig = cfg

	log.Printf("Starting localci against %s (range %s)\n", cfg.Origin, rangeSpec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	origin := gitrepo.NewOriginWorktree(cfg.Origin)

	populations := make(map[types.ResourceKey][]any, len(cfg.Resources)+1)
	worktrees := make([]*gitrepo.GitWorktree, 0, cfg.NumWorktrees)
	for i := 0; i < cfg.NumWorktrees; i++ {
		dir := filepath.Join(cfg.WorktreeDir, fmt.Sprintf("%s%d", cfg.WorktreePrefix, i))
		wt, err := gitrepo.AddWorktree(ctx, cfg.Origin, dir, "HEAD")
		if err != nil {
			return fmt.Errorf("failed to create worktree %d: %w", i, err)
		}
		worktrees = append(worktrees, wt)
	}
	worktreePool := make([]any, len(worktrees))
	for i, wt := range worktrees {
		worktreePool[i] = wt
	}
	populations[types.WorktreeKey] = worktreePool
	for key, tokens := range cfg.Resources {
		pool := make([]any, len(tokens))
		for i, tok := range tokens {
			pool[i] = tok
		}
		populations[key] = pool
	}
	pool := resourcepool.New(populations)

	dbDir := filepath.Join(cfg.WorktreeDir, "results")
	db, err := resultdb.Open(filepath.Join(dbDir, "results.db"), filepath.Join(dbDir, "outputs"))
	if err != nil {
		return fmt.Errorf("failed to open result database: %w", err)
	}
	defer db.Close()

	mgr := manager.New(cfg.Tests, pool, db, origin, cfg.Env)
	globalMgr = mgr

	collector := metrics.NewCollector()
	go func() {
		sub := mgr.Notifications()
		defer sub.Unsubscribe()
		for n := range sub.Notifications() {
			collector.Observe(n)
		}
	}()

	go func() {
		log.Printf("Starting metrics server on :9090\n")
		if err := metrics.StartServer(9090); err != nil {
			log.Printf("Metrics server error: %v\n", err)
		}
	}()

	if rpcAddr != "" {
		lis, err := net.Listen("tcp", rpcAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", rpcAddr, err)
		}
		grpcServer := grpc.NewServer()
		rpcapi.Register(grpcServer, rpcapi.NewNotificationServer(mgr))
		go func() {
			log.Printf("gRPC notification service listening on %s\n", rpcAddr)
			if err := grpcServer.Serve(lis); err != nil {
				log.Printf("gRPC server error: %v\n", err)
			}
		}()
		defer grpcServer.Stop()
	}

	watcher, err := watch.New(ctx, cfg.Origin, rangeSpec)
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer watcher.Close()

	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.Printf("watcher stopped: %v\n", err)
		}
	}()

	go func() {
		for revs := range watcher.Revisions() {
			if err := mgr.SetRevisions(revs); err != nil {
				log.Printf("failed to reconcile revisions: %v\n", err)
			}
		}
	}()

	log.Println("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Received shutdown signal, stopping gracefully...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := mgr.Close(shutdownCtx); err != nil {
		log.Printf("manager shutdown did not complete cleanly: %v\n", err)
	}

	log.Println("System stopped. Goodbye!")
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current configuration and manager status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("localci status")
	fmt.Printf("  config file:    %s\n", configFile)
	fmt.Printf("  origin:         %s\n", cfg.Origin)
	fmt.Printf("  num worktrees:  %d\n", cfg.NumWorktrees)
	fmt.Printf("  tests:          %d\n", len(cfg.Tests))
	for _, t := range cfg.Tests {
		fmt.Printf("    - %s (%s, %s)\n", t.Name, t.Program, t.CachePolicy)
	}

	if globalMgr != nil {
		fmt.Println("  manager:        running")
	} else {
		fmt.Println("  manager:        not running (run 'localci run' to start)")
	}

	return nil
}
