package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/hidlistener/internal/config"
	"github.com/breeze-rmm/hidlistener/internal/logging"
)

var (
	version    = "0.1.0"
	cfgFile    string
	socketPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "hidlistener",
	Short: "System-wide keyboard, media-key and mouse listener",
	Long: `hidlistener observes system-wide keyboard, media-key and mouse input and
streams decoded events to local consumers over IPC and, optionally, to a
remote collector over WebSocket.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the listener engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListener()
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <script.yaml>",
	Short: "Run the engine against a scripted input session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(args[0])
	},
}

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Subscribe to a running engine and print events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return consume()
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Resume event delivery in the running engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(true)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Pause event delivery in the running engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(false)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status, health and connected consumers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkStatus()
	},
}

var writeConfigCmd = &cobra.Command{
	Use:   "write-config [path]",
	Short: "Write the effective configuration to a file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var path string
		if len(args) == 1 {
			path = args[0]
		}
		written, err := config.SaveTo(cfg, path)
		if err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Configuration written to %s\n", written)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hidlistener v%s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
	},
}

var (
	consumeStreams []string
	consumeFormat  string
	replayLinger   time.Duration
)

func init() {
	// Keyboard and media decoding is served on the main thread.
	runtime.LockOSThread()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <user config dir>/hidlistener/hidlistener.yaml)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "IPC socket path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	consumeCmd.Flags().StringSliceVar(&consumeStreams, "stream", []string{"keyboard", "mouse"}, "streams to subscribe to")
	consumeCmd.Flags().StringVar(&consumeFormat, "format", "text", "output format: text or json")
	replayCmd.Flags().DurationVar(&replayLinger, "linger", 500*time.Millisecond, "time to keep delivering after the script ends")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(writeConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration and applies flag
// overrides. Warnings are logged; fatals become the returned error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		for _, err := range result.Fatals {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		return nil, fmt.Errorf("invalid configuration (%d errors)", len(result.Fatals))
	}
	return cfg, nil
}

// initLogging configures the global logger. The returned closer flushes the
// log file, if any.
func initLogging(cfg *config.Config) (func(), error) {
	w, closer, err := logging.Output(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, w)
	return func() { closer.Close() }, nil
}
