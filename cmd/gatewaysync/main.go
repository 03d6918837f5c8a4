package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Runixs/local-event-gateway/pkg/bookmarks"
	"github.com/Runixs/local-event-gateway/pkg/bridge"
	"github.com/Runixs/local-event-gateway/pkg/log"
	"github.com/Runixs/local-event-gateway/pkg/session"
	"github.com/Runixs/local-event-gateway/pkg/storage"
	"github.com/Runixs/local-event-gateway/pkg/timers"
	"github.com/Runixs/local-event-gateway/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gatewaysync",
	Short: "GatewaySync - bidirectional bookmark/bridge sync daemon",
	Long: `GatewaySync keeps a locally-managed subtree of bookmarks in sync
with a remote note-management bridge over a persistent WebSocket,
with a durable reverse queue and an idempotent inbound applier.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"gatewaysync version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("data-dir", "./data", "Directory holding the bbolt database")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func openKV(cmd *cobra.Command) (*storage.BoltKV, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return storage.NewBoltKV(dataDir)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the GatewaySync bridge daemon",
	Long: `Run starts the capture pipeline, the periodic reverse-queue flush,
and the WebSocket session manager, and blocks until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := openKV(cmd)
		if err != nil {
			return err
		}
		defer kv.Close()

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		b := bridge.New(bridge.Deps{
			KV:     kv,
			Store:  bookmarks.NewMemory(),
			Timers: timers.NewReal(),
			Dialer: session.GorillaDialer{},
			Now:    time.Now,
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := b.Start(ctx); err != nil {
			return fmt.Errorf("failed to start bridge: %w", err)
		}

		if metricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
				}
			}()
			fmt.Printf("metrics endpoint: http://%s/metrics\n", metricsAddr)
		}

		fmt.Println("gatewaysync is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("shutting down...")
		if err := b.Stop(); err != nil {
			return fmt.Errorf("failed to stop bridge cleanly: %w", err)
		}
		fmt.Println("shutdown complete")
		return nil
	},
}

func init() {
	runCmd.Flags().String("metrics-addr", "", "Address to serve /metrics on (empty disables it)")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger a one-shot manual sync (ensure the session is connected)",
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := openKV(cmd)
		if err != nil {
			return err
		}
		defer kv.Close()

		b := bridge.New(bridge.Deps{
			KV:     kv,
			Store:  bookmarks.NewMemory(),
			Timers: timers.NewReal(),
			Dialer: session.GorillaDialer{},
			Now:    time.Now,
		})
		if err := b.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start bridge: %w", err)
		}
		b.ManualSync()

		// give the handshake/flush a brief window before this one-shot
		// process exits and the connection is torn down again.
		time.Sleep(2 * time.Second)

		st := b.Status()
		fmt.Printf("session status: %s (reconnectAttempt=%d)\n", st.Status, st.ReconnectAttempt)
		return b.Stop()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or update the bridge configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the persisted bridge configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := openKV(cmd)
		if err != nil {
			return err
		}
		defer kv.Close()

		cfg, err := bridge.New(bridge.Deps{KV: kv}).GetConfig()
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Replace the bridge configuration from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		raw, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		var cfg types.BridgeConfig
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", file, err)
		}

		kv, err := openKV(cmd)
		if err != nil {
			return err
		}
		defer kv.Close()

		if err := bridge.New(bridge.Deps{KV: kv}).SetConfig(cfg); err != nil {
			return err
		}
		fmt.Println("config updated")
		return nil
	},
}

func init() {
	configSetCmd.Flags().String("file", "", "Path to a YAML file containing the new BridgeConfig")
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect or clear the bridge's debug timeline",
}

var eventsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the last 200 debug timeline entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := openKV(cmd)
		if err != nil {
			return err
		}
		defer kv.Close()

		events, err := bridge.LoadPersistedTimeline(kv)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("[%s] %-5s %s\n", ev.Time.Format(time.RFC3339), ev.Level, ev.Summary)
		}
		return nil
	},
}

var eventsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the debug timeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := openKV(cmd)
		if err != nil {
			return err
		}
		defer kv.Close()
		if err := bridge.ClearPersistedTimeline(kv); err != nil {
			return err
		}
		fmt.Println("timeline cleared")
		return nil
	},
}

func init() {
	eventsCmd.AddCommand(eventsGetCmd)
	eventsCmd.AddCommand(eventsClearCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last-known session summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := openKV(cmd)
		if err != nil {
			return err
		}
		defer kv.Close()

		st, err := bridge.LoadPersistedSessionSummary(kv)
		if err != nil {
			return err
		}
		fmt.Printf("status:            %s\n", st.Status)
		fmt.Printf("activeClientId:    %s\n", st.ActiveClientID)
		fmt.Printf("reconnectAttempt:  %d\n", st.ReconnectAttempt)
		fmt.Printf("heartbeatMs:       %d\n", st.HeartbeatMs)
		if st.LastConnectedAt != "" {
			fmt.Printf("lastConnectedAt:   %s\n", st.LastConnectedAt)
		}
		if st.LastError != "" {
			fmt.Printf("lastError:         %s\n", st.LastError)
		}
		fmt.Printf("queuedOutbound:    %d\n", st.QueuedOutbound)
		return nil
	},
}
