package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/bryanchriswhite/CaptureBridge/internal/config"
	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	prettyLogs bool
	rootCmd    = &cobra.Command{
		Use:   "capturebridge",
		Short: "CaptureBridge - on-demand screen capture sessions",
		Long: `CaptureBridge keeps an authorized screen capture session alive and takes
screenshots from it on demand.

Features:
  • X11, generic screen and xdg-desktop-portal (PipeWire) backends
  • Session follows display rotation
  • Optional continuous frame capture to disk
  • REST API and websocket event stream
  • Prometheus metrics
  • Persistent configuration`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/capturebridge/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("backend", "", "capture backend (auto, x11, screen, pipewire)")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty", true, "human readable console logs")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("capture.backend", rootCmd.PersistentFlags().Lookup("backend"))
}

// initConfig wires environment overrides. The file itself is read by
// config.Manager in loadConfig.
func initConfig() {
	// CAPTUREBRIDGE_CAPTURE_GRANT_POLICY=reusable overrides capture.grant_policy
	viper.SetEnvPrefix("CAPTUREBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the config file and applies flag and environment
// overrides on top of it without writing them back
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	for _, key := range config.Keys() {
		if !viper.IsSet(key) {
			continue
		}
		value := viper.GetString(key)
		if value == "" || (key == "server_port" && value == "0") {
			continue
		}
		if err := configMgr.Override(key, value); err != nil {
			return nil, fmt.Errorf("invalid override for %s: %w", key, err)
		}
	}

	logger.Init(configMgr.Get().LogLevel, prettyLogs)
	return configMgr, nil
}
