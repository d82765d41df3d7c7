package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/config"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/coordinator"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/engine"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/log"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/plugin"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/storage"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "spiderfootd",
	Short: "spiderfootd - OSINT scan execution engine",
	Long: `spiderfootd runs reconnaissance scans as event-driven pipelines:
modules watch event types, enrich what they see and publish what they
find, until the pipeline drains and the scan finishes on its own.

Single binary; state lives in an embedded database under the data
directory. Multiple nodes form a cluster for scan distribution and
failover.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"spiderfootd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	serveCmd.Flags().String("node-id", "", "node identifier (defaults to hostname)")
	serveCmd.Flags().String("bind-addr", "127.0.0.1:7946", "raft bind address")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9109", "prometheus metrics listen address")
	serveCmd.Flags().String("data-dir", "", "state directory (overrides config)")
	serveCmd.Flags().Bool("bootstrap", true, "bootstrap a new single-node cluster")

	scanCmd.Flags().String("target", "", "scan target value (required)")
	scanCmd.Flags().String("target-type", string(types.EventTypeDomainName), "seed event type for the target")
	scanCmd.Flags().StringSlice("modules", nil, "explicit module list (skips resolution)")
	scanCmd.Flags().StringSlice("outputs", nil, "desired output event types (drives module resolution)")
	scanCmd.Flags().String("priority", "normal", "queue priority: high, normal or low")
	scanCmd.Flags().String("data-dir", "", "state directory (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(modulesCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSONOutput})
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scan engine as a long-lived node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if nodeID, _ := cmd.Flags().GetString("node-id"); nodeID != "" {
			cfg.Coordinator.NodeID = nodeID
		}
		if cfg.Coordinator.NodeID == "" {
			host, herr := os.Hostname()
			if herr != nil {
				return fmt.Errorf("cannot determine node id: %w", herr)
			}
			cfg.Coordinator.NodeID = host
		}
		if bind, _ := cmd.Flags().GetString("bind-addr"); bind != "" {
			cfg.Coordinator.BindAddr = bind
		}
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if cfg.Coordinator.Endpoint == "" {
			// Follower heartbeats are forwarded to this address on the
			// leader, so every node advertises its HTTP listener.
			cfg.Coordinator.Endpoint = metricsAddr
		}

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		registry := plugin.NewRegistry()
		eng := engine.New(cfg, store, registry)
		eng.Start()

		coord, err := coordinator.New(cfg.Coordinator, cfg.DataDir, store, eng, func() int {
			// Heartbeat load is the count of non-terminal scans held locally.
			scans, lerr := store.ListScans()
			if lerr != nil {
				return 0
			}
			n := 0
			for _, s := range scans {
				if !s.Status.Terminal() {
					n++
				}
			}
			return n
		})
		if err != nil {
			return err
		}
		if bootstrap, _ := cmd.Flags().GetBool("bootstrap"); bootstrap {
			if err := coord.Bootstrap(); err != nil {
				return err
			}
		} else {
			if err := coord.Join(); err != nil {
				return err
			}
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle(coordinator.HeartbeatPath, coord.HeartbeatHandler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics server failed", err)
			}
		}()

		fmt.Printf("spiderfootd running, node %s. Press Ctrl+C to stop.\n", cfg.Coordinator.NodeID)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Scan.AbortGrace+10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		eng.Shutdown(ctx)
		if err := coord.Shutdown(); err != nil {
			log.Errorf("coordinator shutdown failed", err)
		}
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single scan to completion and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		target, _ := cmd.Flags().GetString("target")
		if target == "" {
			return fmt.Errorf("--target is required")
		}
		targetType, _ := cmd.Flags().GetString("target-type")
		modules, _ := cmd.Flags().GetStringSlice("modules")
		outputs, _ := cmd.Flags().GetStringSlice("outputs")
		priorityName, _ := cmd.Flags().GetString("priority")

		var priority types.Priority
		switch strings.ToLower(priorityName) {
		case "high":
			priority = types.PriorityHigh
		case "normal", "":
			priority = types.PriorityNormal
		case "low":
			priority = types.PriorityLow
		default:
			return fmt.Errorf("unknown priority %q", priorityName)
		}

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		registry := plugin.NewRegistry()
		eng := engine.New(cfg, store, registry)
		eng.Start()

		outputTypes := make([]types.EventType, 0, len(outputs))
		for _, o := range outputs {
			outputTypes = append(outputTypes, types.EventType(o))
		}

		s, err := eng.CreateScan(engine.CreateScanRequest{
			TargetValue: target,
			TargetType:  types.EventType(targetType),
			Modules:     modules,
			Outputs:     outputTypes,
			Priority:    priority,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Scan %s created (%d modules)\n", s.ID, len(s.Modules))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("\nStopping scan...")
			_ = eng.StopScan(s.ID)
		}()

		if err := eng.StartScan(ctx, s.ID); err != nil {
			return err
		}
		status, err := eng.WaitScan(ctx, s.ID)
		if err != nil {
			return err
		}

		count, _ := store.CountEvents(s.ID)
		fmt.Printf("Scan %s %s: %d events\n", s.ID, status, count)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		eng.Shutdown(shutdownCtx)
		if status != types.ScanStatusFinished {
			return fmt.Errorf("scan ended %s", status)
		}
		return nil
	},
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List registered modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := plugin.NewRegistry()
		descriptors := registry.List()
		if len(descriptors) == 0 {
			fmt.Println("No modules registered in this build.")
			return nil
		}
		for _, d := range descriptors {
			fmt.Printf("%-28s watches=%v produces=%v\n", d.Name, d.WatchedEvents, d.ProducedEvents)
		}
		return nil
	},
}
