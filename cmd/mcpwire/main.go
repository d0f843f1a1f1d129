// mcpwire is a command-line client for MCP servers reached over HTTP.
//
// Servers are named by URL or by a name from the config file. URLs
// ending in /sse are spoken to over a server-sent event stream; all
// others answer each request directly.
//
// Usage:
//
//	mcpwire init <server>                   Initialize and show capabilities
//	mcpwire tools [server]                  List tools (all servers when omitted)
//	mcpwire call <server> <tool> [json]     Call a tool with JSON arguments
//	mcpwire call <mcp_name> [json]          Call a cataloged tool by namespaced name
//	mcpwire resources <server>              List resources
//	mcpwire read <server> <uri> [mode]      Read a resource (mode: inline, fullscreen, pip)
//	mcpwire ping <server>                   Check that a server responds
//	mcpwire watch                           Keep every configured server connected
//	mcpwire setup [path]                    Write an example config file
//	mcpwire version                         Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/nugget/mcpwire/internal/buildinfo"
	"github.com/nugget/mcpwire/internal/config"
	"github.com/nugget/mcpwire/internal/defaults"
	"github.com/nugget/mcpwire/internal/events"
	"github.com/nugget/mcpwire/internal/httpkit"
	"github.com/nugget/mcpwire/internal/mcp"
)

// dialRetryDelay is the pause between transport-level dial retries.
const dialRetryDelay = 500 * time.Millisecond

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every command.
type options struct {
	configPath string
	outputFmt  string
}

// run is the real entry point. Command output goes to stdout; logs go
// to stderr. Arguments are parsed by hand so tests can call run
// concurrently.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "setup":
		if len(cmdArgs) > 1 {
			return fmt.Errorf("usage: mcpwire setup [path]")
		}
		path := "mcpwire.yaml"
		if len(cmdArgs) == 1 {
			path = cmdArgs[0]
		}
		return runSetup(stdout, path)
	case "":
		return printUsage(stdout)
	}

	env, err := newEnv(stdout, stderr, opts)
	if err != nil {
		return err
	}

	switch command {
	case "init":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: mcpwire init <server>")
		}
		return env.runInit(ctx, cmdArgs[0])
	case "tools":
		if len(cmdArgs) > 1 {
			return fmt.Errorf("usage: mcpwire tools [server]")
		}
		if len(cmdArgs) == 0 {
			return env.runCatalog(ctx)
		}
		return env.runTools(ctx, cmdArgs[0])
	case "call":
		if len(cmdArgs) == 0 || len(cmdArgs) > 3 {
			return fmt.Errorf("usage: mcpwire call <server> <tool> [json]")
		}
		return env.runCall(ctx, cmdArgs)
	case "resources":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: mcpwire resources <server>")
		}
		return env.runResources(ctx, cmdArgs[0])
	case "read":
		if len(cmdArgs) < 2 || len(cmdArgs) > 3 {
			return fmt.Errorf("usage: mcpwire read <server> <uri> [inline|fullscreen|pip]")
		}
		mode := mcp.DisplayInline
		if len(cmdArgs) == 3 {
			if mode, err = parseDisplayMode(cmdArgs[2]); err != nil {
				return err
			}
		}
		return env.runRead(ctx, cmdArgs[0], cmdArgs[1], mode)
	case "ping":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: mcpwire ping <server>")
		}
		return env.runPing(ctx, cmdArgs[0])
	case "watch":
		return env.runWatch(ctx)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// env is what every command needs: configuration, output, and logging.
type env struct {
	cfg       *config.Config
	stdout    io.Writer
	logger    *slog.Logger
	outputFmt string
}

func newEnv(stdout, stderr io.Writer, opts options) (*env, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(stderr, level, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	return &env{
		cfg:       cfg,
		stdout:    stdout,
		logger:    logger,
		outputFmt: opts.outputFmt,
	}, nil
}

// loadConfig loads the config file. An explicit path must exist; when
// none is given and none is found in the default locations, defaults
// are used so commands taking a URL work without a config file.
func loadConfig(explicit string) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, err
		}
		return config.Default(), nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// newClient builds an MCP client from the config. bus and onLost may
// be nil.
func (e *env) newClient(bus *events.Bus, onLost func(string)) *mcp.Client {
	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(0),
		httpkit.WithHeaders(e.cfg.Client.Headers),
		httpkit.WithLogger(e.logger),
	}
	if e.cfg.Client.DialRetries > 0 {
		opts = append(opts, httpkit.WithRetry(e.cfg.Client.DialRetries, dialRetryDelay))
	}

	d := e.cfg.Device
	device := mcp.DeviceContext{
		Platform:  d.Platform,
		Locale:    d.Locale,
		Theme:     d.Theme,
		TimeZone:  d.TimeZone,
		UserAgent: buildinfo.UserAgent(),
	}
	if d.ViewportWidth > 0 && d.ViewportHeight > 0 {
		device.Viewport = &mcp.Viewport{Width: d.ViewportWidth, Height: d.ViewportHeight}
	}

	return mcp.NewClient(mcp.ClientConfig{
		HTTPClient:       httpkit.NewClient(opts...),
		Logger:           e.logger,
		Events:           bus,
		RequestTimeout:   e.cfg.Client.RequestTimeout,
		EndpointTimeout:  e.cfg.Client.EndpointTimeout,
		StreamSuffixes:   e.cfg.Client.StreamSuffixes,
		MessagePath:      e.cfg.Client.MessagePath,
		RequireSession:   e.cfg.Client.RequireSession,
		Device:           device,
		OnConnectionLost: onLost,
	})
}

// serverURL resolves a configured server name or an absolute URL.
func (e *env) serverURL(arg string) (string, error) {
	if s, ok := e.cfg.Server(arg); ok {
		return s.URL, nil
	}
	if u, err := url.Parse(arg); err == nil && u.Scheme != "" && u.Host != "" {
		return arg, nil
	}
	return "", fmt.Errorf("unknown server %q (not a configured name or an absolute URL)", arg)
}

// writeJSON writes v as indented JSON.
func (e *env) writeJSON(v any) error {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeJSONLine writes v as a single line of JSON.
func (e *env) writeJSONLine(v any) error {
	return json.NewEncoder(e.stdout).Encode(v)
}

func parseDisplayMode(s string) (mcp.DisplayMode, error) {
	switch m := mcp.DisplayMode(strings.ToLower(s)); m {
	case mcp.DisplayInline, mcp.DisplayFullscreen, mcp.DisplayPiP:
		return m, nil
	default:
		return "", fmt.Errorf("unknown display mode %q (expected inline, fullscreen, or pip)", s)
	}
}

// errToolFailed is returned by call when the server reports a tool error.
var errToolFailed = errors.New("tool returned an error")

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
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

// runSetup writes the example config to path. An existing file is never
// overwritten.
func runSetup(w io.Writer, path string) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "%s already exists, leaving it alone\n", path)
		return nil
	}
	if err := os.WriteFile(path, defaults.ConfigYAML, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "wrote %s\n", path)
	fmt.Fprintln(w, "Edit the servers list, then try: mcpwire -config "+path+" tools")
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcpwire - MCP client for HTTP and SSE servers")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcpwire [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init <server>                Initialize and show capabilities")
	fmt.Fprintln(w, "  tools [server]               List tools (all configured servers when omitted)")
	fmt.Fprintln(w, "  call <server> <tool> [json]  Call a tool")
	fmt.Fprintln(w, "  call <mcp_name> [json]       Call a cataloged tool")
	fmt.Fprintln(w, "  resources <server>           List resources")
	fmt.Fprintln(w, "  read <server> <uri> [mode]   Read a resource (inline, fullscreen, pip)")
	fmt.Fprintln(w, "  ping <server>                Check that a server responds")
	fmt.Fprintln(w, "  watch                        Keep configured servers connected")
	fmt.Fprintln(w, "  setup [path]                 Write an example config (default ./mcpwire.yaml)")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "A server is a URL or a name from the config file.")
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
