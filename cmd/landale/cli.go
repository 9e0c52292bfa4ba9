package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/bryanveloso/landale-bridge/internal/config"
	"github.com/bryanveloso/landale-bridge/internal/host"
)

var (
	serveFn      = serve
	loadConfigFn = config.Load
)

// buildVersion is injected by release workflows via -ldflags.
var buildVersion = "dev"

func writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func runCLI(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		return serveFn()
	}

	switch args[0] {
	case "-v", "--version", "version":
		writef(stdout, "landale-bridge version %s\n", currentVersion())
		return 0
	case "serve":
		return runServeCommand(args[1:], stdout, stderr)
	case "status":
		return runStatusCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printRootHelp(stdout)
		return 0
	default:
		if strings.HasPrefix(args[0], "-") {
			return runServeCommand(args, stdout, stderr)
		}
		writef(stderr, "unknown command: %s\n\n", args[0])
		printRootHelp(stderr)
		return 2
	}
}

func runServeCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printServeHelp(stdout)
		return 0
	}
	if fs.NArg() > 0 {
		writef(stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args(), " "))
		printServeHelp(stderr)
		return 2
	}
	return serveFn()
}

// runStatusCommand prints one line per connector from the status file a
// running daemon mirrors out of its dashboard topic.
func runStatusCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "print raw JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfigFn()
	path := filepath.Join(cfg.DataDir, "status.json")
	data, err := os.ReadFile(path)
	if err != nil {
		writef(stderr, "no status available (is landale-bridge running?): %v\n", err)
		return 1
	}

	if *asJSON {
		writef(stdout, "%s\n", strings.TrimSpace(string(data)))
		return 0
	}

	var snapshots map[string]host.StatusSnapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		writef(stderr, "status file unreadable: %v\n", err)
		return 1
	}

	names := make([]string, 0, len(snapshots))
	for name := range snapshots {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		snap := snapshots[name]
		line := fmt.Sprintf("%-10s %-18s %-8s", name, snap.State, snap.Health.Status)
		if snap.SessionID != "" {
			line += " session=" + snap.SessionID
		}
		if snap.LastError != "" {
			line += " err=" + snap.LastError
		}
		writef(stdout, "%s\n", line)
	}
	return 0
}

func currentVersion() string {
	if buildVersion != "dev" {
		return buildVersion
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return buildVersion
}

func printRootHelp(w io.Writer) {
	writef(w, `landale-bridge — live-streaming service integration runtime

Usage:
  landale-bridge [command]

Commands:
  serve      run the runtime (default when no command is given)
  status     show connector status for a running instance
  version    print the version
  help       show this help

Environment:
  TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET, TWITCH_USER_ID
  RAINWAVE_API_KEY, RAINWAVE_USER_ID
  OBS_WEBSOCKET_URL
  LANDALE_DATA_DIR, LANDALE_LOG_LEVEL
`)
}

func printServeHelp(w io.Writer) {
	writef(w, `Usage:
  landale-bridge serve

Runs every configured connector until SIGINT/SIGTERM. Connectors with
missing credentials stay in a retry loop without affecting the rest.
`)
}
