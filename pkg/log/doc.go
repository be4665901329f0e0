/*
Package log provides structured logging for the agentmesh core using
zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, a configurable level, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized via log.Init()
  - Thread-safe for concurrent use

Component Loggers:
  - WithComponent("router")
  - WithAgent("director")
  - WithPlan("plan-abc123")
  - WithTask("task-def456")

# Log Levels

Debug, Info, Warn, Error, Fatal — filtered by the configured Level; Fatal
calls os.Exit(1) after logging, matching zerolog's default Fatal hook.
*/
package log
