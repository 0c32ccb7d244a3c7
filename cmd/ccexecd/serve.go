package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/standardbeagle/ccexecd/internal/config"
	"github.com/standardbeagle/ccexecd/internal/mcptools"
	"github.com/standardbeagle/ccexecd/internal/session"
	"github.com/standardbeagle/ccexecd/internal/transport/stdio"
	"github.com/standardbeagle/ccexecd/internal/transport/ws"
)

// streamConfigFrom carries the daemon's Stream Multiplexer knobs into
// each session's per-execution Multiplexer (spec.md §6 configuration
// surface: read buffer size, client chunk size, stream timeout).
func streamConfigFrom(cfg *config.Config) session.StreamConfig {
	return session.StreamConfig{
		BufferSize:      cfg.StreamBufferSize,
		HardCeiling:     cfg.StreamHardCeiling,
		ClientChunkSize: cfg.ClientChunkSize,
		Timeout:         cfg.StreamTimeout,
		TimeoutEnabled:  cfg.StreamTimeoutEnabled,
	}
}

// serveWebSocket starts the HTTP front door: /ws for the JSON-RPC 2.0
// WebSocket protocol and /health for a liveness probe, grounded on
// MCPServer.setupRoutes' router.HandleFunc("/health", ...) pattern.
func serveWebSocket(cfg *config.Config, deps *dependencies) error {
	wsServer := ws.NewServer(deps.sessions, deps.processes, deps.estimator, deps.hookRunner, deps.eventBus, deps.allowedPrefixes, deps.hooksConfigured, streamConfigFrom(cfg))
	wsServer.SetKeepalive(cfg.PingInterval, cfg.PingTimeout)

	router := mux.NewRouter()
	router.HandleFunc("/ws", wsServer.HandleWS)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"sessions": deps.sessions.Count(),
		})
	})

	log.Printf("ccexecd: listening on %s (ws: /ws, health: /health)", cfg.ListenAddr)
	return http.ListenAndServe(cfg.ListenAddr, router)
}

// serveMCPStdio runs the execute/control/hook_status tools over the
// MCP stdio transport instead of the WebSocket daemon, grounded on
// cmd/brum/main.go's runMCPHub (server.NewMCPServer + server.ServeStdio).
func serveMCPStdio(cfg *config.Config, deps *dependencies) error {
	registrar := mcptools.NewRegistrar(deps.sessions, deps.processes, deps.estimator, deps.hookRunner, deps.eventBus, deps.allowedPrefixes, deps.hooksConfigured, streamConfigFrom(cfg))

	srv := mcpserver.NewMCPServer("ccexecd", Version, mcpserver.WithToolCapabilities(true))
	registrar.Register(srv)

	return mcpserver.ServeStdio(srv)
}

// serveRPCStdio runs one JSON-RPC 2.0 session directly over stdin/
// stdout using the line-delimited rpc.Codec, for callers that want
// the same wire protocol the WebSocket transport speaks without
// bringing up an HTTP listener.
func serveRPCStdio(cfg *config.Config, deps *dependencies) error {
	srv := stdio.NewServer(deps.sessions, deps.processes, deps.estimator, deps.hookRunner, deps.eventBus, deps.allowedPrefixes, deps.hooksConfigured, streamConfigFrom(cfg))
	return srv.Serve(os.Stdin, os.Stdout)
}
