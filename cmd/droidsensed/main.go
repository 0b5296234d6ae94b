// Droidsensed - device automation daemon
//
// Drives Android devices over adb (directly or through an SSH bridge),
// captures on-screen values as sensors, publishes them to a message broker,
// and executes UI flows on schedule or on demand via the REST API.
//
// The daemon owns one worker per device: flows for different devices run in
// parallel, flows for the same device never overlap. Devices are addressed
// by their hardware serial, so sensors, actions, flows, and learned
// navigation maps survive IP and port changes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/droidsense/droidsense/pkg/droidsense/config"
	"github.com/droidsense/droidsense/pkg/util"
	"github.com/droidsense/droidsense/pkg/version"
)

var (
	configPath string
	verbose    bool
	jsonLog    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "droidsensed",
	Short:         "Android device automation daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `Droidsensed captures on-screen values from Android devices as sensors,
publishes them to a message broker, and executes recorded UI flows.

Configuration is read from /etc/droidsense/config.yaml (override with
--config); DATA_DIR, BROKER_HOST, and friends override the file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.LogLevel = "debug"
		}
		if err := util.SetLogLevel(cfg.LogLevel); err != nil {
			return err
		}
		if jsonLog || cfg.LogJSON {
			util.SetJSONFormat()
		}
		d, err := newDaemon(cfg)
		if err != nil {
			return err
		}
		return d.run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("droidsensed %s\n", version.Info())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "JSON log output")
	rootCmd.AddCommand(versionCmd)
}
