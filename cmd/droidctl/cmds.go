package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/droidsense/droidsense/pkg/audit"
	"github.com/droidsense/droidsense/pkg/cli"
	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/droidsense/monitor"
	"github.com/droidsense/droidsense/pkg/settings"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List known devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		var devices []model.Device
		if err := apiClient.get("/api/devices", &devices); err != nil {
			return err
		}
		t := cli.NewTable("SERIAL", "CONNECTION", "MODEL", "STATE", "LAST SEEN")
		for _, d := range devices {
			state := string(d.State)
			if d.State == model.DeviceOnline {
				state = cli.Green(state)
			} else {
				state = cli.Red(state)
			}
			t.Row(d.StableID, d.CurrentConnection, d.Model, state,
				d.LastSeen.Format("2006-01-02 15:04:05"))
		}
		t.Flush()
		return nil
	},
}

var sensorsCmd = &cobra.Command{
	Use:   "sensors",
	Short: "List the device's sensors",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDevice(); err != nil {
			return err
		}
		var sensors []model.Sensor
		if err := apiClient.get("/api/sensors"+deviceQuery(deviceID), &sensors); err != nil {
			return err
		}
		t := cli.NewTable("ID", "NAME", "TYPE", "INTERVAL", "ENABLED")
		for _, s := range sensors {
			t.Row(s.SensorID, s.FriendlyName, string(s.SensorType),
				fmt.Sprintf("%ds", s.UpdateIntervalSeconds), enabled(s.Enabled))
		}
		t.Flush()
		return nil
	},
}

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List the device's actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDevice(); err != nil {
			return err
		}
		var actions []model.Action
		if err := apiClient.get("/api/actions"+deviceQuery(deviceID), &actions); err != nil {
			return err
		}
		t := cli.NewTable("ID", "NAME", "KIND", "RUNS", "LAST RESULT")
		for _, a := range actions {
			t.Row(a.ActionID, a.Name, string(a.Kind),
				strconv.Itoa(a.ExecutionCount), a.LastResult)
		}
		t.Flush()
		return nil
	},
}

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "List the device's flows",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDevice(); err != nil {
			return err
		}
		var flows []model.Flow
		if err := apiClient.get("/api/flows"+deviceQuery(deviceID), &flows); err != nil {
			return err
		}
		t := cli.NewTable("ID", "NAME", "PRIORITY", "INTERVAL", "STEPS", "ENABLED")
		for _, f := range flows {
			interval := "-"
			if f.UpdateIntervalSeconds > 0 {
				interval = fmt.Sprintf("%ds", f.UpdateIntervalSeconds)
			}
			t.Row(f.FlowID, f.Name, string(f.Priority), interval,
				strconv.Itoa(len(f.Steps)), enabled(f.Enabled))
		}
		t.Flush()
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <flow-id>",
	Short: "Run a flow now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Queued     bool   `json:"queued"`
			FlowID     string `json:"flow_id"`
			QueueDepth int    `json:"queue_depth"`
		}
		if err := apiClient.post("/api/flows/"+url.PathEscape(args[0])+"/run", nil, &resp); err != nil {
			return err
		}
		fmt.Printf("%s flow %s queued (depth %d)\n", cli.Green("✓"), resp.FlowID, resp.QueueDepth)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <flow-id>",
	Short: "Cancel a pending flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.post("/api/flows/"+url.PathEscape(args[0])+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Printf("%s flow %s cancelled\n", cli.Green("✓"), args[0])
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <flow-id>",
	Short: "Show a flow's recent executions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var results []model.FlowExecutionResult
		if err := apiClient.get("/api/flows/"+url.PathEscape(args[0])+"/history", &results); err != nil {
			return err
		}
		t := cli.NewTable("STARTED", "RESULT", "STEPS", "DURATION", "ERROR")
		for i := len(results) - 1; i >= 0; i-- {
			r := results[i]
			outcome := cli.Green("ok")
			if !r.Success {
				outcome = cli.Red("failed")
			}
			t.Row(r.StartedAt.Format("2006-01-02 15:04:05"), outcome,
				fmt.Sprintf("%d/%d", r.ExecutedSteps, r.TotalSteps),
				fmt.Sprintf("%dms", r.ExecutionTimeMs), r.ErrorMessage)
		}
		t.Flush()
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the device's pending queued commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDevice(); err != nil {
			return err
		}
		var pending []model.QueuedCommand
		if err := apiClient.get("/api/services/queue"+deviceQuery(deviceID), &pending); err != nil {
			return err
		}
		t := cli.NewTable("ID", "TYPE", "PRIORITY", "CREATED", "EXPIRES")
		for _, c := range pending {
			t.Row(c.CommandID[:8], string(c.CommandType), strconv.Itoa(c.Priority),
				c.CreatedAt.Format("15:04:05"), c.ExpiresAt.Format("15:04:05"))
		}
		t.Flush()
		return nil
	},
}

var auditFailures bool

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the daemon's audit trail",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/services/audit"
		if deviceID != "" {
			path += deviceQuery(deviceID)
			if auditFailures {
				path += "&failures=true"
			}
		} else if auditFailures {
			path += "?failures=true"
		}
		var events []audit.Event
		if err := apiClient.get(path, &events); err != nil {
			return err
		}
		t := cli.NewTable("TIME", "ACTOR", "DEVICE", "OPERATION", "RESULT", "DETAIL")
		for _, e := range events {
			outcome := cli.Green("ok")
			detail := e.FlowID
			if !e.Success {
				outcome = cli.Red("failed")
				detail = e.Error
			}
			t.Row(e.Timestamp.Format("01-02 15:04:05"), e.Actor, e.Device,
				e.Operation, outcome, detail)
		}
		t.Flush()
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show command queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats map[string]int
		if err := apiClient.get("/api/services/stats", &stats); err != nil {
			return err
		}
		for _, status := range []string{"pending", "processing", "completed", "failed", "expired"} {
			fmt.Printf("%s %d\n", cli.DotPad(status, 16), stats[status])
		}
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show the device's performance metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDevice(); err != nil {
			return err
		}
		var m monitor.DeviceMetrics
		if err := apiClient.get("/api/devices/"+url.PathEscape(deviceID)+"/metrics", &m); err != nil {
			return err
		}
		printMetrics(m)
		return nil
	},
}

func printMetrics(m monitor.DeviceMetrics) {
	fmt.Printf("%s %d\n", cli.DotPad("queue depth", 24), m.QueueDepth)
	fmt.Printf("%s %d\n", cli.DotPad("executions", 24), m.TotalExecutions)
	fmt.Printf("%s %.0f%%\n", cli.DotPad("success rate", 24), m.SuccessRate*100)
	fmt.Printf("%s %.0f%%\n", cli.DotPad("recent success rate", 24), m.RecentSuccessRate*100)
	fmt.Printf("%s %.0fms\n", cli.DotPad("avg execution time", 24), m.AvgExecutionTimeMs)
	if len(m.SlowestFlows) > 0 {
		fmt.Println("\nSlowest flows:")
		t := cli.NewTable("FLOW", "AVG", "RUNS").WithPrefix("  ")
		for _, f := range m.SlowestFlows {
			t.Row(f.FlowID, fmt.Sprintf("%.0fms", f.AvgTimeMs), strconv.Itoa(f.Runs))
		}
		t.Flush()
	}
	for _, a := range m.RecentAlerts {
		fmt.Printf("%s [%s] %s: %s\n", cli.Yellow("alert"), a.Severity, a.MetricName, a.Message)
	}
}

var tapCmd = &cobra.Command{
	Use:   "tap <x> <y>",
	Short: "Tap the device screen",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDevice(); err != nil {
			return err
		}
		x, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("x must be an integer: %q", args[0])
		}
		y, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("y must be an integer: %q", args[1])
		}
		return apiClient.post("/api/devices/"+url.PathEscape(deviceID)+"/tap",
			map[string]int{"x": x, "y": y}, nil)
	},
}

var screenOutput string

var screenCmd = &cobra.Command{
	Use:   "screen",
	Short: "Capture a screenshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDevice(); err != nil {
			return err
		}
		png, err := apiClient.raw("/api/devices/" + url.PathEscape(deviceID) + "/screenshot")
		if err != nil {
			return err
		}
		if err := os.WriteFile(screenOutput, png, 0644); err != nil {
			return err
		}
		fmt.Printf("%s wrote %d bytes to %s\n", cli.Green("✓"), len(png), screenOutput)
		return nil
	},
}

var brokerAuthCmd = &cobra.Command{
	Use:   "broker-auth",
	Short: "Store broker credentials",
	Long: `Prompt for broker credentials and store them in the settings file
(mode 0600). Used when generating a daemon config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reader := bufio.NewReader(os.Stdin)
		fmt.Print("Broker username: ")
		username, err := reader.ReadString('\n')
		if err != nil {
			return err
		}

		fmt.Print("Broker password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}

		userSettings.SetBrokerAuth(strings.TrimSpace(username), string(password))
		if err := userSettings.Save(); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		fmt.Printf("%s credentials stored in %s\n", cli.Green("✓"), settings.DefaultSettingsPath())
		return nil
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage persistent settings",
	Long: `Manage persistent settings stored in ~/.droidsense/settings.json.

Examples:
  droidctl settings show
  droidctl settings set server http://pi.lan:8090
  droidctl settings set device R9YT50J4S9D
  droidctl settings clear`,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Settings file: %s\n\n", settings.DefaultSettingsPath())
		t := cli.NewTable("SETTING", "VALUE")
		printSetting := func(name, value string) {
			if value == "" {
				value = "(not set)"
			}
			t.Row(name, value)
		}
		printSetting("server_url", userSettings.ServerURL)
		printSetting("default_device", userSettings.DefaultDevice)
		printSetting("broker_username", userSettings.BrokerUsername)
		if userSettings.BrokerPassword != "" {
			t.Row("broker_password", "(stored)")
		} else {
			t.Row("broker_password", "(not set)")
		}
		t.Flush()
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <setting> <value>",
	Short: "Set a setting value",
	Long: `Set a persistent setting value.

Available settings:
  server - droidsensed API URL (-s flag default)
  device - Default device serial (-d flag default)`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "server":
			userSettings.SetServerURL(args[1])
		case "device":
			userSettings.SetDevice(args[1])
		default:
			return fmt.Errorf("unknown setting %q (server, device)", args[0])
		}
		if err := userSettings.Save(); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		fmt.Printf("%s %s = %s\n", cli.Green("✓"), args[0], args[1])
		return nil
	},
}

var settingsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Reset all settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		userSettings.Clear()
		if err := userSettings.Save(); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		fmt.Println("Settings cleared")
		return nil
	},
}

func enabled(b bool) string {
	if b {
		return cli.Green("yes")
	}
	return cli.Dim("no")
}

func init() {
	screenCmd.Flags().StringVarP(&screenOutput, "output", "o", "screenshot.png", "Output file")
	auditCmd.Flags().BoolVar(&auditFailures, "failures", false, "Only show failed operations")
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd, settingsClearCmd)
}
