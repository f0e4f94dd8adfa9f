/*
Package log provides structured logging for fieldsync using zerolog.

The log package wraps zerolog with a process-wide logger, configurable level
and output format, and child loggers that tag every line with the component
or inspection it belongs to.

# Architecture

	┌──────────────────── LOGGING ─────────────────────────────┐
	│                                                           │
	│  log.Init(Config) ──► Logger (zerolog.Logger)             │
	│                          │                                │
	│        ┌─────────────────┼──────────────────┐             │
	│        ▼                 ▼                  ▼             │
	│  WithComponent     WithInspectionID     WithQueueID       │
	│  ("interceptor")   ("insp-42")          (17)              │
	│                                                           │
	│  JSON:    {"level":"warn","component":"replay",           │
	│            "queue_id":17,"message":"replay failed"}       │
	│  Console: 10:30AM WRN replay failed component=replay      │
	└───────────────────────────────────────────────────────────┘

Until Init is called the Logger writes JSON lines to stderr at every level.
Child loggers copy the parent when created, so Init runs before any
component is constructed.

# Usage

	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: false})

	logger := log.WithComponent("autosave")
	logger.Info().Str("inspection_id", id).Msg("Checkpoint queued")

	log.WithQueueID(req.ID).Warn().Err(err).Msg("Replay failed, entry kept")
*/
package log
