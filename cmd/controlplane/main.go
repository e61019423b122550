// Command controlplane runs the workflow control-plane tool server.
//
// The server exposes the workflow and session coordination tools over
// MCP-style JSON-RPC (POST) with a server-sent-event stream (GET), plus a
// health endpoint on /healthz.
//
// # Configuration
//
// Environment variables:
//
//	TOOLSERVER_ADDR                 - HTTP listen address (default: ":8800")
//	TOOLSERVER_RPC_PATH             - JSON-RPC endpoint path (default: "/mcp")
//	TOOLSERVER_NAME                 - server name reported on initialize
//	DOCSTORE_BACKEND                - "memory", "redis" or "mongo" (default: "memory")
//	REDIS_URL, REDIS_PASSWORD       - redis connection (redis backend, activity streams)
//	MONGO_URI, MONGO_DATABASE       - mongo connection (mongo backend)
//	LETTA_BASE_URL, LETTA_API_TOKEN - agent platform; empty uses the in-memory platform
//	WORKFLOW_BASE_DIR               - base directory for relative import URIs
//	SKILL_IMPORTS                   - comma-separated skill manifest files
//	ENABLE_DNS_REBINDING_PROTECTION - Host/Origin guard (default: true)
//	ALLOWED_HOSTS, ALLOWED_ORIGINS  - guard allowlist extensions
//	ACTIVITY_STREAMS_ENABLED        - publish activity events to Pulse streams
//	CONFIG_OVERLAY                  - optional YAML overlay (model tiers, allowlists)
//
// # Example
//
//	DOCSTORE_BACKEND=redis REDIS_URL=redis:6379 LETTA_BASE_URL=http://letta:8283 ./controlplane
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"github.com/lujunbofan2019/LettaPlus-sub000/toolserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := toolserver.FromEnv()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	srv, err := toolserver.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build tool server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf(ctx, "control plane tool server starting on %s", cfg.HTTPAddr)
	return srv.Run(ctx)
}
