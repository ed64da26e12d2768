// Package main is the entry point for the koalabox MCP server.
//
// The koalabox server implements a secure, configurable Model Context
// Protocol (MCP) server that executes untrusted pandas analysis code in
// isolated sandboxes. The server supports both stdio and HTTP
// transports and provides security features including resource limits,
// network isolation, and path traversal protection.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
