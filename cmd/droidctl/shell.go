package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/droidsense/droidsense/pkg/cli"
	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/droidsense/monitor"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive session bound to one device",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDevice(); err != nil {
			return err
		}
		return newShell(apiClient, deviceID).Run()
	},
}

// shell is an interactive REPL bound to one device.
type shell struct {
	api      *client
	device   string
	reader   *bufio.Reader
	commands map[string]func(args []string)
}

func newShell(api *client, device string) *shell {
	s := &shell{
		api:    api,
		device: device,
		reader: bufio.NewReader(os.Stdin),
	}
	s.commands = map[string]func(args []string){
		"sensors": func([]string) { s.cmdSensors() },
		"flows":   func([]string) { s.cmdFlows() },
		"run":     s.cmdRun,
		"queue":   func([]string) { s.cmdQueue() },
		"metrics": func([]string) { s.cmdMetrics() },
		"tap":     s.cmdTap,
		"screen":  s.cmdScreen,
		"help":    func([]string) { s.cmdHelp() },
		"?":       func([]string) { s.cmdHelp() },
	}
	return s
}

// Run starts the interactive loop.
func (s *shell) Run() error {
	fmt.Printf("Connected to %s.\n", cli.Bold(s.device))
	fmt.Println("Type 'help' for available commands.")

	for {
		fmt.Printf("%s> ", s.device)

		line, err := s.reader.ReadString('\n')
		if err != nil { // EOF
			fmt.Println()
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		args := strings.Fields(line)
		cmd := args[0]

		switch cmd {
		case "quit", "exit", "q":
			return nil
		default:
			if fn, ok := s.commands[cmd]; ok {
				fn(args[1:])
			} else {
				fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
			}
		}
	}
}

func (s *shell) cmdSensors() {
	var sensors []model.Sensor
	if err := s.api.get("/api/sensors"+deviceQuery(s.device), &sensors); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	t := cli.NewTable("ID", "NAME", "TYPE", "INTERVAL")
	for _, sn := range sensors {
		t.Row(sn.SensorID, sn.FriendlyName, string(sn.SensorType),
			fmt.Sprintf("%ds", sn.UpdateIntervalSeconds))
	}
	t.Flush()
}

func (s *shell) cmdFlows() {
	var flows []model.Flow
	if err := s.api.get("/api/flows"+deviceQuery(s.device), &flows); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	t := cli.NewTable("ID", "NAME", "PRIORITY", "STEPS")
	for _, f := range flows {
		t.Row(f.FlowID, f.Name, string(f.Priority), strconv.Itoa(len(f.Steps)))
	}
	t.Flush()
}

func (s *shell) cmdRun(args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: run <flow-id>")
		return
	}
	var resp struct {
		QueueDepth int `json:"queue_depth"`
	}
	if err := s.api.post("/api/flows/"+url.PathEscape(args[0])+"/run", nil, &resp); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("%s queued (depth %d)\n", cli.Green("✓"), resp.QueueDepth)
}

func (s *shell) cmdQueue() {
	var pending []model.QueuedCommand
	if err := s.api.get("/api/services/queue"+deviceQuery(s.device), &pending); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(pending) == 0 {
		fmt.Println("Queue is empty")
		return
	}
	t := cli.NewTable("ID", "TYPE", "PRIORITY")
	for _, c := range pending {
		t.Row(c.CommandID[:8], string(c.CommandType), strconv.Itoa(c.Priority))
	}
	t.Flush()
}

func (s *shell) cmdMetrics() {
	var m monitor.DeviceMetrics
	if err := s.api.get("/api/devices/"+url.PathEscape(s.device)+"/metrics", &m); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	printMetrics(m)
}

func (s *shell) cmdTap(args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: tap <x> <y>")
		return
	}
	x, errX := strconv.Atoi(args[0])
	y, errY := strconv.Atoi(args[1])
	if errX != nil || errY != nil {
		fmt.Println("Usage: tap <x> <y>")
		return
	}
	if err := s.api.post("/api/devices/"+url.PathEscape(s.device)+"/tap",
		map[string]int{"x": x, "y": y}, nil); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("%s tapped %d,%d\n", cli.Green("✓"), x, y)
}

func (s *shell) cmdScreen(args []string) {
	out := "screenshot.png"
	if len(args) == 1 {
		out = args[0]
	}
	png, err := s.api.raw("/api/devices/" + url.PathEscape(s.device) + "/screenshot")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if err := os.WriteFile(out, png, 0644); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("%s wrote %d bytes to %s\n", cli.Green("✓"), len(png), out)
}

func (s *shell) cmdHelp() {
	fmt.Println(`Commands:
  sensors             List sensors
  flows               List flows
  run <flow-id>       Run a flow now
  queue               Show pending queued commands
  metrics             Show performance metrics
  tap <x> <y>         Tap the screen
  screen [file]       Capture a screenshot
  quit                Leave the shell`)
}
