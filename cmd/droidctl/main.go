// Droidctl - droidsense control CLI
//
// Talks to a running droidsensed over its REST API:
//
//	droidctl devices                        # list known devices
//	droidctl -d R9YT50J4S9D sensors         # list a device's sensors
//	droidctl -d R9YT50J4S9D flows           # list a device's flows
//	droidctl run battery_check              # run a flow now
//	droidctl -d R9YT50J4S9D metrics         # performance snapshot
//	droidctl -d R9YT50J4S9D shell           # interactive session
//
// The server URL and default device persist via `droidctl settings`;
// `droidctl broker-auth` stores broker credentials for config generation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/droidsense/droidsense/pkg/settings"
	"github.com/droidsense/droidsense/pkg/util"
	"github.com/droidsense/droidsense/pkg/version"
)

var (
	serverURL string
	deviceID  string
	verbose   bool

	userSettings *settings.Settings
	apiClient    *client
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "droidctl",
	Short:         "Droidsense control CLI",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `Droidctl manages sensors, flows, and devices on a running droidsensed.

The -d flag selects the device (or set a default via:
droidctl settings set device <serial>).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			util.SetLogLevel("debug")
		} else {
			util.SetLogLevel("warn")
		}

		var err error
		userSettings, err = settings.Load()
		if err != nil {
			util.Warnf("Could not load settings: %v", err)
			userSettings = &settings.Settings{}
		}
		if serverURL == "" {
			serverURL = userSettings.GetServerURL()
		}
		if deviceID == "" {
			deviceID = userSettings.DefaultDevice
		}
		apiClient = newClient(serverURL)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("droidctl %s\n", version.Info())
	},
}

// requireDevice errors when no device is selected via -d or settings.
func requireDevice() error {
	if deviceID == "" {
		return fmt.Errorf("no device selected: use -d or `droidctl settings set device <serial>`")
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "droidsensed API URL")
	rootCmd.PersistentFlags().StringVarP(&deviceID, "device", "d", "", "Device serial or connection id")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(versionCmd, devicesCmd, sensorsCmd, actionsCmd, flowsCmd,
		runCmd, cancelCmd, historyCmd, queueCmd, statsCmd, auditCmd, metricsCmd,
		tapCmd, screenCmd, shellCmd, settingsCmd, brokerAuthCmd)
}
