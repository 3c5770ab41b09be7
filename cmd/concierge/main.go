// Concierge routes a conversation between a primary assistant and a
// set of specialists, and holds every sensitive action until a human
// approves it.
//
// Usage:
//
//	concierge serve              Start the HTTP API (and MQTT, if configured)
//	concierge chat [id]          Talk to the assistant from the terminal
//	concierge catalog [file]     Show and validate a specialist catalog
//	concierge history [id]       List saved conversations or one checkpoint trail
//	concierge prune [keep]       Trim checkpoint trails to the newest snapshots
//	concierge init [dir]         Write a default config and catalog
//	concierge version            Print version and build information
//	concierge -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/nugget/concierge/internal/buildinfo"
	"github.com/nugget/concierge/internal/config"
)

// defaultKeep is how many snapshots prune leaves per conversation.
const defaultKeep = 20

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so that run
// keeps no global state and can be called from tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "chat":
		id := ""
		if len(cmdArgs) > 0 {
			id = cmdArgs[0]
		}
		return runChat(ctx, stdin, stdout, stderr, configPath, id)
	case "catalog":
		path := ""
		if len(cmdArgs) > 0 {
			path = cmdArgs[0]
		}
		return runCatalog(stdout, configPath, path, outputFmt)
	case "history":
		arg := ""
		if len(cmdArgs) > 0 {
			arg = cmdArgs[0]
		}
		return runHistory(ctx, stdout, configPath, arg, outputFmt)
	case "prune":
		keep := defaultKeep
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n < 1 {
				return fmt.Errorf("prune: keep must be a positive number, got %q", cmdArgs[0])
			}
			keep = n
		}
		return runPrune(ctx, stdout, configPath, keep)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Concierge - approval-gated specialist assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: concierge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the HTTP API")
	fmt.Fprintln(w, "  chat [id]        Chat from the terminal, resuming id or the last conversation")
	fmt.Fprintln(w, "  catalog [file]   Show and validate a specialist catalog")
	fmt.Fprintln(w, "  history [id]     List conversations, a checkpoint trail, or one checkpoint")
	fmt.Fprintf(w, "  prune [keep]     Keep the newest snapshots of each conversation (default: %d)\n", defaultKeep)
	fmt.Fprintln(w, "  init [dir]       Write default config and catalog (default: .)")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// loadConfig locates and parses the configuration file, returning it
// with the path it was read from.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
