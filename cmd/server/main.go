// Package main is the entry point for the koalabox MCP server.
//
// The koalabox server executes untrusted, machine-generated pandas
// analysis code against user data files in isolated sandboxes. The
// server supports both stdio and HTTP transports and enforces resource
// limits, network isolation, and path traversal protection. The sandbox
// backend is chosen once at startup: Docker when a container runtime is
// available, a restricted child process otherwise.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/koala-ai/koalabox/config"
	"github.com/koala-ai/koalabox/logger"
	"github.com/koala-ai/koalabox/mcpserver"
	"github.com/koala-ai/koalabox/sandbox"
)

func newBackend(log *zap.Logger, cfg *config.Config) (sandbox.Backend, error) {
	return sandbox.NewBackend(log, cfg.ExecutorConfig(), cfg.Sandbox.Backend)
}

func newExecutor(log *zap.Logger, cfg *config.Config, backend sandbox.Backend) mcpserver.Executor {
	return sandbox.NewExecutor(log, cfg.ExecutorConfig(), backend)
}

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Sandbox backend and executor based on config
			newBackend,
			newExecutor,

			// MCP Server
			mcpserver.New,
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
