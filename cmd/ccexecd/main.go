// Command ccexecd is the remote command-execution daemon: it accepts
// JSON-RPC 2.0 connections over WebSocket (or, in --rpc-stdio mode,
// the same protocol directly over stdin/stdout; or, in --mcp-stdio
// mode, the same operations as MCP tools over stdio), supervising
// each command in its own process group with streaming output,
// pause/resume/cancel control, pre/post hooks, and timeout estimation.
//
// Grounded on cmd/brum/main.go's cobra root-command and
// flag-then-wire-components shape.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/ccexecd/internal/config"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	listenAddr      string
	maxSessions     int
	idleTimeout     time.Duration
	hooksFile       string
	timingStorePath string
	allowedPrefixes []string
	mcpStdio        bool
	rpcStdio        bool
	showVersion     bool
)

var rootCmd = &cobra.Command{
	Use:   "ccexecd",
	Short: "Supervises shell commands over a streaming JSON-RPC session protocol",
	Long: `ccexecd runs arbitrary shell commands as supervised child process
groups, streaming their stdout/stderr back to a JSON-RPC 2.0 client
over WebSocket, with pause/resume/cancel control, configurable
pre/post execution hooks, and timeout estimation informed by prior
run history.

Run with no flags to start the WebSocket daemon on the configured
listen address. Pass --rpc-stdio to run a single JSON-RPC session
directly over stdin/stdout instead. Pass --mcp-stdio to instead expose
execute/control/hook_status as MCP tools over stdio, for use as a
subprocess of an MCP-aware client.`,
	RunE: runDaemon,
}

func init() {
	cfg := config.Default()

	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version information")
	rootCmd.Flags().StringVar(&listenAddr, "listen", cfg.ListenAddr, "Address to listen on for the WebSocket/health HTTP server")
	rootCmd.Flags().IntVar(&maxSessions, "max-sessions", cfg.MaxSessions, "Maximum number of concurrent sessions")
	rootCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", cfg.IdleTimeout, "Idle session cleanup timeout")
	rootCmd.Flags().StringVar(&hooksFile, "hooks-file", "", "Path to a TOML pre/post hook configuration file")
	rootCmd.Flags().StringVar(&timingStorePath, "timing-store", "", "Path to the on-disk timing store JSON file (disabled if empty)")
	rootCmd.Flags().StringSliceVar(&allowedPrefixes, "allowed-commands", nil, "Comma-separated list of allowed command prefixes (empty allows all)")
	rootCmd.Flags().BoolVar(&mcpStdio, "mcp-stdio", false, "Run as an MCP tool server over stdio instead of the WebSocket daemon")
	rootCmd.Flags().BoolVar(&rpcStdio, "rpc-stdio", false, "Run a single JSON-RPC 2.0 session directly over stdin/stdout instead of the WebSocket daemon")

	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("ccexecd version %s\n", Version)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("ccexecd: failed to load config file, using defaults+env: %v", err)
		cfg = config.FromEnv(config.Default())
	}
	applyFlagOverrides(cfg)

	deps, err := buildDependencies(cfg)
	if err != nil {
		return fmt.Errorf("ccexecd: failed to initialize: %w", err)
	}
	defer deps.Close()

	if mcpStdio {
		return serveMCPStdio(cfg, deps)
	}
	if rpcStdio {
		return serveRPCStdio(cfg, deps)
	}
	return serveWebSocket(cfg, deps)
}

// applyFlagOverrides layers explicitly-set cobra flags on top of the
// env+file resolved config, following the teacher's "flags win last"
// precedence for workDir/port-style settings.
func applyFlagOverrides(cfg *config.Config) {
	if rootCmd.Flags().Changed("listen") {
		cfg.ListenAddr = listenAddr
	}
	if rootCmd.Flags().Changed("max-sessions") {
		cfg.MaxSessions = maxSessions
	}
	if rootCmd.Flags().Changed("idle-timeout") {
		cfg.IdleTimeout = idleTimeout
	}
	if rootCmd.Flags().Changed("hooks-file") {
		cfg.HooksFile = hooksFile
	}
	if rootCmd.Flags().Changed("timing-store") {
		cfg.TimingStorePath = timingStorePath
	}
	if rootCmd.Flags().Changed("allowed-commands") {
		cfg.AllowedCommandPrefixes = allowedPrefixes
	}
}
