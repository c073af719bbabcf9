/*
Package log provides structured logging for Burrow using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initialize once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Components derive child loggers with a stable component field:

	logger := log.WithComponent("queue")
	logger.Info().Str("queue", "JOB_EXECUTION").Msg("Worker started")

Errors are logged with their kind and code fields via log.Err, so that
alerting and dashboards can match on classification rather than message
strings:

	log.Err(logger.Error(), err).Msg("Failed to reserve job")

# Output Formats

JSONOutput=true emits one JSON object per line for log shippers;
JSONOutput=false emits zerolog's console format for interactive use.
*/
package log
